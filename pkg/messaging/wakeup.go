package messaging

import (
	"context"
	"fmt"
)

// Wakeups subscribes to channel and collapses every message into a single
// pending signal, so a burst of publishes wakes an idle worker once.
func Wakeups(ctx context.Context, b Broker, channel string) (<-chan struct{}, error) {
	msgs, err := b.Subscribe(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for range msgs {
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out, nil
}

// FanOut copies each signal from in to n outputs without blocking.
func FanOut(in <-chan struct{}, n int) []<-chan struct{} {
	outs := make([]chan struct{}, n)
	ro := make([]<-chan struct{}, n)
	for i := range outs {
		outs[i] = make(chan struct{}, 1)
		ro[i] = outs[i]
	}
	go func() {
		defer func() {
			for _, o := range outs {
				close(o)
			}
		}()
		for range in {
			for _, o := range outs {
				select {
				case o <- struct{}{}:
				default:
				}
			}
		}
	}()
	return ro
}
