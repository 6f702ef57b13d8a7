// Package version exposes the daemon version string.
package version

// Version is stamped at build time via
// -ldflags "-X acproxycam/version.Version=v1.2.3".
var Version = "dev"
