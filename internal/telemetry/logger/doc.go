// Package logger builds the slog loggers used by offstore.
//
// Loggers write JSON (default) or text, share one process-wide level that
// can be changed at runtime with SetLevel, and redact attribute values
// that carry secrets: anything under a key such as encryption_key or
// password, and the user info part of URLs.
package logger
