// Package events carries instance-addressed signals between the dashboard
// client and the lifecycle manager: refresh requests in, state changes out.
package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Refresher handles a refresh request for one instance.
type Refresher interface {
	Refresh(ctx context.Context, instanceID string) error
}

// Bus delivers refresh requests addressed by instance id to a Refresher.
// Requests for an instance that is already queued are coalesced.
type Bus struct {
	refresher Refresher
	logger    *zap.Logger

	requests chan string
	mu       sync.Mutex
	queued   map[string]bool
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusLogger sets the logger.
func WithBusLogger(l *zap.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// NewBus creates a Bus with room for buffer pending requests.
func NewBus(refresher Refresher, buffer int, opts ...BusOption) *Bus {
	if buffer < 1 {
		buffer = 64
	}
	b := &Bus{
		refresher: refresher,
		logger:    zap.NewNop(),
		requests:  make(chan string, buffer),
		queued:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish requests a refresh of instanceID. It never blocks; it reports
// false when the request was dropped because the queue is full.
func (b *Bus) Publish(instanceID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queued[instanceID] {
		return true
	}
	select {
	case b.requests <- instanceID:
		b.queued[instanceID] = true
		return true
	default:
		b.logger.Warn("refresh queue full, dropping request", zap.String("instance_id", instanceID))
		return false
	}
}

// Run delivers requests until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-b.requests:
			b.mu.Lock()
			delete(b.queued, id)
			b.mu.Unlock()

			if err := b.refresher.Refresh(ctx, id); err != nil {
				b.logger.Debug("refresh request rejected",
					zap.String("instance_id", id),
					zap.Error(err),
				)
			}
		}
	}
}
