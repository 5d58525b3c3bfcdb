package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Poller drives the canonical fetcher on a fixed interval (the messaging
// instance polls every 2 seconds). It is idempotent and side-effect-free on
// the record store: each cycle only replaces the engine's snapshot slot.
//
// Polling cadence is a transport concern; the engine also reconciles on
// demand via PollNow and PollOnConfirm without a Poller.
type Poller[P, T any] struct {
	engine   *Engine[P, T]
	interval time.Duration
}

// NewPoller creates a poller for an engine whose config has a Poll func.
func NewPoller[P, T any](e *Engine[P, T], interval time.Duration) (*Poller[P, T], error) {
	if e.cfg.Poll == nil {
		return nil, fmt.Errorf("poller: engine has no Poll configured")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("poller: interval must be positive, got %s", interval)
	}
	return &Poller[P, T]{engine: e, interval: interval}, nil
}

// Run polls immediately, then on every interval tick, until the context is
// cancelled.
func (p *Poller[P, T]) Run(ctx context.Context) error {
	slog.Info("poller starting", "interval", p.interval)
	p.engine.dispatchPoll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("poller stopping: context cancelled")
			return ctx.Err()
		case <-ticker.C:
			p.engine.dispatchPoll(ctx)
		}
	}
}
