// SPDX-License-Identifier: MIT

// Package version exposes build-time version information.
package version

var (
	// Version is the semantic version, injected via -ldflags.
	Version = "v0.3.0"
	// Commit is the git commit hash, injected via -ldflags.
	Commit = "none"
	// Date is the build date, injected via -ldflags.
	Date = "unknown"
)
