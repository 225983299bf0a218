// Package tlsroots builds the TLS client configuration used to reach
// remote storage backends: the system roots plus an optional private CA
// bundle.
package tlsroots
