package eventbus

import (
	"sort"
	"time"
)

// SubscriptionInfo describes one running consumer. Subscriptions spanning
// several streams report one entry per stream, all sharing the same Pattern.
type SubscriptionInfo struct {
	ID          string        `json:"id"`
	Pattern     string        `json:"pattern"`
	Stream      string        `json:"stream"`
	Durable     string        `json:"durable,omitempty"`
	QueueGroup  string        `json:"queueGroup,omitempty"`
	Start       StartPosition `json:"start"`
	MaxRetries  int           `json:"maxRetries"`
	Concurrency int           `json:"concurrency"`
	AckWait     time.Duration `json:"ackWait"`
}

// Subscriptions lists the consumers running on this bus, ordered by stream then pattern.
func (b *Bus) Subscriptions() []SubscriptionInfo {
	subs := b.activeSubscriptions()

	infos := make([]SubscriptionInfo, 0, len(subs))
	for _, s := range subs {
		infos = append(infos, SubscriptionInfo{
			ID:          s.id,
			Pattern:     s.pattern,
			Stream:      s.stream,
			Durable:     s.durable,
			QueueGroup:  s.cfg.queueGroup,
			Start:       s.cfg.start,
			MaxRetries:  s.cfg.maxRetries,
			Concurrency: s.cfg.concurrency,
			AckWait:     s.cfg.ackWait,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Stream != infos[j].Stream {
			return infos[i].Stream < infos[j].Stream
		}
		if infos[i].Pattern != infos[j].Pattern {
			return infos[i].Pattern < infos[j].Pattern
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Unsubscribe stops the consumer with the given id, as listed by Subscriptions.
//
// Returns ErrNoData if no such consumer is running.
func (b *Bus) Unsubscribe(id string) error {
	if id == "" {
		return NewError(ErrCodeValidation, "subscription id cannot be empty")
	}

	b.subsMu.Lock()
	sub, ok := b.subs[id]
	b.subsMu.Unlock()
	if !ok {
		return ErrNoData
	}

	if err := sub.Unsubscribe(); err != nil {
		return NewErrorWithCause(ErrCodeHandler, "failed to unsubscribe", err)
	}
	return nil
}
