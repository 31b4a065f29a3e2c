package service

import (
	"context"
	"time"
)

// childTimeout implements the timeout cascade: a child operation gets the
// smaller of its own default and the parent's remaining budget minus the
// cleanup buffer reserved at this nesting level.
func childTimeout(def time.Duration, parentCtx context.Context, cleanupBuffer time.Duration) time.Duration {
	deadline, ok := parentCtx.Deadline()
	if !ok {
		return def
	}
	remaining := time.Until(deadline) - cleanupBuffer
	if remaining <= 0 {
		// Parent budget already spent; a minimal slice lets the child fail
		// fast with a deadline error instead of a zero-duration panic.
		return time.Millisecond
	}
	if remaining < def {
		return remaining
	}
	return def
}
