// Package version exposes build-time version metadata.
package version

// HostguardVersion is the semantic version string embedded at build time.
var HostguardVersion = "0.0.0-src"

// Set version at compile time with
// go build -ldflags "-X hostguard/pkg/version.HostguardVersion=1.0.0" -o hostguard
