package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrEngineNotReady is returned when the engine never attached to a rendering surface
var ErrEngineNotReady = errors.New("engine not ready")

// WaitReady blocks until eng reports ready, checking every interval for at most
// attempts checks after the first one.
func WaitReady(ctx context.Context, eng Engine, interval time.Duration, attempts int) error {
	if eng.Ready() {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if eng.Ready() {
			return nil
		}
	}

	return fmt.Errorf("%w after %v", ErrEngineNotReady, time.Duration(attempts)*interval)
}
