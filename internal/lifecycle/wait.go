// Package lifecycle holds helpers shared by the node's background components.
package lifecycle

import (
	"context"
	"sync"
)

// Wait blocks until the WaitGroup is done or the context expires.
func Wait(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
