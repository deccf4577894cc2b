package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/coregx/eventbus/substrate"
)

// Action is what Ensure did to a stream.
type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
	// ActionStorageMismatch means the stream exists with another storage class.
	// Storage cannot be changed in place, so the rest of the config was still reconciled.
	ActionStorageMismatch Action = "storage_mismatch"
)

// EnsureResult reports the outcome for one stream.
type EnsureResult struct {
	Stream string
	Action Action
}

// Provisioner is the part of the log Ensure needs.
type Provisioner interface {
	StreamInfo(ctx context.Context, name string) (substrate.StreamConfig, error)
	CreateStream(ctx context.Context, cfg substrate.StreamConfig) error
	UpdateStream(ctx context.Context, cfg substrate.StreamConfig) error
}

// Ensure creates missing streams and updates existing ones whose subjects or
// max age differ. Safe to call on every startup.
func (r *Router) Ensure(ctx context.Context, p Provisioner) ([]EnsureResult, error) {
	results := make([]EnsureResult, 0, len(r.defs))

	for _, d := range r.defs {
		want := d.Config()

		have, err := p.StreamInfo(ctx, d.Name)
		if errors.Is(err, substrate.ErrStreamNotFound) {
			if err := p.CreateStream(ctx, want); err != nil {
				return results, fmt.Errorf("create stream %s: %w", d.Name, err)
			}
			results = append(results, EnsureResult{Stream: d.Name, Action: ActionCreated})
			continue
		}
		if err != nil {
			return results, fmt.Errorf("inspect stream %s: %w", d.Name, err)
		}

		action := ActionUnchanged
		if have.Storage != want.Storage {
			want.Storage = have.Storage
			action = ActionStorageMismatch
		}

		if !have.SameSubjects(want) || have.MaxAge != want.MaxAge {
			if err := p.UpdateStream(ctx, want); err != nil {
				return results, fmt.Errorf("update stream %s: %w", d.Name, err)
			}
			if action == ActionUnchanged {
				action = ActionUpdated
			}
		}
		results = append(results, EnsureResult{Stream: d.Name, Action: action})
	}

	return results, nil
}
