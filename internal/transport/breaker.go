package transport

import (
	"context"
	"errors"
	"fmt"

	"outreach-engine/internal/breaker"
)

// BreakerSender admits sends through a circuit breaker dedicated to the provider.
type BreakerSender struct {
	next Sender
	cb   *breaker.Breaker
}

func NewBreakerSender(next Sender, cb *breaker.Breaker) *BreakerSender {
	return &BreakerSender{next: next, cb: cb}
}

func (b *BreakerSender) Send(ctx context.Context, m Message) (Receipt, error) {
	var rec Receipt
	err := b.cb.Execute(ctx, func(ctx context.Context) error {
		r, err := b.next.Send(ctx, m)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTransport) {
			return Receipt{}, err
		}
		return Receipt{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return rec, nil
}

func (b *BreakerSender) Breaker() *breaker.Breaker { return b.cb }
