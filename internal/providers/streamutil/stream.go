package streamutil

import (
	"context"
	"sync"

	"github.com/zhijun2003/QingyunAI/internal/models"
)

// YieldFunc receives converted deltas. Returning false stops further forwarding.
type YieldFunc func(models.ChatDelta) bool

// Forward wraps provider-specific streaming logic with a shared channel lifecycle so adapters follow the
// same contract when emitting deltas. The forward callback invokes yield for every delta until it returns false
// or the upstream is exhausted; a non-nil return becomes a final delta carrying Err.
//
// The channel holds at most buffer pending deltas. Cancelling ctx or calling the returned func stops the
// producer and runs closer exactly once, which must unblock any pending upstream read.
func Forward(ctx context.Context, buffer int, closer func() error, forward func(ctx context.Context, yield YieldFunc) error) (<-chan models.ChatDelta, func() error) {
	if buffer < 0 {
		buffer = 0
	}
	ctx, cancel := context.WithCancel(ctx)
	deltas := make(chan models.ChatDelta, buffer)

	var once sync.Once
	var closeErr error
	callCloser := func() {
		once.Do(func() {
			if closer != nil {
				closeErr = closer()
			}
		})
	}

	// Closing the body is what interrupts a blocked read; the context alone does not.
	stop := context.AfterFunc(ctx, callCloser)

	yield := func(delta models.ChatDelta) bool {
		select {
		case <-ctx.Done():
			return false
		case deltas <- delta:
			return true
		}
	}

	go func() {
		defer close(deltas)
		defer cancel()
		defer stop()
		defer callCloser()

		if err := forward(ctx, yield); err != nil && ctx.Err() == nil {
			yield(models.ChatDelta{Err: err})
		}
	}()

	return deltas, func() error {
		cancel()
		callCloser()
		return closeErr
	}
}
