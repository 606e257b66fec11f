// Package channel provides small generic concurrency combinators: Or merges
// done channels, and OrDone (used by the presence engine's notify dispatch)
// forwards a channel's values until a context is done.
package channel

import (
	"context"
)

// Or merges multiple done channels into one that closes as soon as any
// input closes.
func Or(channels ...<-chan struct{}) <-chan struct{} {
	switch len(channels) {
	case 0:
		// an untyped nil is assignable to chan/map/func/pointer/slice/
		// interface types, so a nil receive simply blocks forever here.
		return nil
	case 1:
		return channels[0]
	}

	orDone := make(chan struct{})
	go func() {
		defer close(orDone)

		switch len(channels) {
		case 2:
			select {
			case <-channels[0]:
			case <-channels[1]:
			}
		default:
			select {
			case <-channels[0]:
			case <-channels[1]:
			case <-channels[2]:
			case <-Or(append(channels[3:], orDone)...):
			}
		}
	}()

	return orDone
}

// OrDone forwards values from c until c closes or ctx is done. The presence
// engine waits for a notify dispatch's result through this, so a cancelled
// caller context stops the wait even if the dispatch has not finished.
func OrDone[T any](ctx context.Context, c <-chan T) <-chan T {
	valStream := make(chan T)
	go func() {
		defer close(valStream)
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-c:
				if !ok {
					return
				}
				select {
				case valStream <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return valStream
}
