package testutil

import (
	"context"
	"testing"
)

// Context returns a context that is canceled when the test completes,
// matching the behavior of testing.T.Context (added in Go 1.24) for
// toolchains that predate it.
func Context(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
