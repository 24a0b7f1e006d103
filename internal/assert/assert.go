//go:build !defragdebug

// Package assert guards integration invariants. Checks panic only in builds
// tagged defragdebug; release builds compile them away and the caller falls
// back to its declining path.
package assert

// Enabled reports whether assertions panic in this build.
const Enabled = false

// That is a no-op outside defragdebug builds.
func That(bool, string, ...any) {}
