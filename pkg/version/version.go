// Package version holds the build-time version string, overridden via
// -ldflags "-X .../pkg/version.Version=..." at release build time.
package version

// Version is overwritten by the release build; "dev" identifies a local
// or test build.
var Version = "dev"
