package eventbus

import "context"

// Delivery describes the delivery a handler is processing.
type Delivery struct {
	Subject  string
	Stream   string
	Sequence uint64
	// Attempt counts deliveries of this event to the consumer, starting at 1.
	Attempt int
	// RetryCount is Attempt-1.
	RetryCount int
	MaxRetries int
}

// IsLastAttempt reports whether a failure now sends the event to the dead-letter queue.
func (d Delivery) IsLastAttempt() bool {
	return d.RetryCount >= d.MaxRetries
}

type deliveryKey struct{}

func withDelivery(ctx context.Context, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryKey{}, d)
}

// DeliveryFrom returns the delivery attached to a handler context.
func DeliveryFrom(ctx context.Context) (Delivery, bool) {
	d, ok := ctx.Value(deliveryKey{}).(Delivery)
	return d, ok
}
