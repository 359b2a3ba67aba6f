// Package version exposes the build version, set via -ldflags at release.
package version

// Version is the bridge release version.
var Version = "dev"
