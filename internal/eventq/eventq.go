// Package eventq provides non-blocking channel sends for event fan-out
// paths that must never stall a producer on a slow consumer.
package eventq

import "context"

// Offer sends value without blocking. It reports false when the channel is
// full or closed.
func Offer[T any](ch chan<- T, value T) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case ch <- value:
		return true
	default:
		return false
	}
}

// OfferContext is Offer with a cancellation check first: a done context
// refuses the send outright.
func OfferContext[T any](ctx context.Context, ch chan<- T, value T) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return Offer(ch, value)
}
