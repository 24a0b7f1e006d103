//go:build defragdebug

// Package assert guards integration invariants. Checks panic only in builds
// tagged defragdebug; release builds compile them away and the caller falls
// back to its declining path.
package assert

import "fmt"

// Enabled reports whether assertions panic in this build.
const Enabled = true

// That panics with the formatted message when cond is false.
func That(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("defrag: "+format, args...))
	}
}
