// Package assert provides invariant checks used throughout the engine.
package assert

import "fmt"

// That panics with a formatted message if condition is false. Reserved for
// invariants that must never be false in correct code; runtime conditions
// that can be tripped by on-disk corruption surface errors.InvariantViolationError
// instead of panicking.
func That(condition bool, format string, args ...any) {
	if !condition {
		panic(fmt.Sprintf(format, args...))
	}
}
