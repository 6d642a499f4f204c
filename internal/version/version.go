// Package version provides the server's identity string, surfaced in the
// /healthz response and the server's startup log line.
package version

var (
	// Version is overridden at build time via -ldflags.
	Version = "dev"

	// UserAgent is the identity the server prints in its startup log line.
	UserAgent = "chunkrelay/" + Version
)
