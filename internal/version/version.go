// Package version exposes the build version.
package version

// Version is the application version, overridable at build time via
// -ldflags "-X kiro-load/internal/version.Version=...".
var Version = "dev"
