// Package config defines the offstore configuration.
//
//   - spec.go: Config struct definition
//   - default.go: default values
//   - verify.go: validation
//   - sanitize.go: copy safe for logging
//   - env.go: conversion to a storage.Env
//
// Configuration is loaded through internal/infra/confloader from a YAML
// file, OFFSTORE_ environment variables and flags.
package config
