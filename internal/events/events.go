// Package events signals attendance changes per course to open live streams.
package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event announces that attendance for a course changed.
type Event struct {
	CourseID string
}

// Bus is the abstraction over different fan-out backends.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(courseID string) *Subscription
}

// Subscription receives a signal on C whenever its course changes. Signals coalesce:
// at most one is pending, so a slow reader never accumulates a backlog.
type Subscription struct {
	C <-chan struct{}

	ch    chan struct{}
	once  sync.Once
	close func()
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.close)
}

// Hub is the in-process bus.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

// Publish signals every subscriber of the event's course.
func (h *Hub) Publish(_ context.Context, evt Event) error {
	h.notify(evt.CourseID)
	return nil
}

func (h *Hub) notify(courseID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[courseID] {
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers interest in one course.
func (h *Hub) Subscribe(courseID string) *Subscription {
	ch := make(chan struct{}, 1)
	sub := &Subscription{C: ch, ch: ch}
	sub.close = func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[courseID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, courseID)
			}
		}
		close(ch)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[courseID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[courseID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Subscribers returns the open subscription count for a course.
func (h *Hub) Subscribers(courseID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[courseID])
}

// RedisBus fans events out across API instances with PUBLISH/PSUBSCRIBE.
// Local subscribers hang off an embedded Hub fed by Run.
type RedisBus struct {
	client *redis.Client
	prefix string
	hub    *Hub
	log    *zap.Logger

	// Retry is the first wait after losing the subscription, doubling up to MaxRetry.
	Retry    time.Duration
	MaxRetry time.Duration
}

// NewRedisBus builds a bus publishing on prefix+courseID channels.
func NewRedisBus(client *redis.Client, prefix string, log *zap.Logger) *RedisBus {
	if prefix == "" {
		prefix = "attendance:course:"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBus{
		client:   client,
		prefix:   prefix,
		hub:      NewHub(),
		log:      log,
		Retry:    time.Second,
		MaxRetry: 30 * time.Second,
	}
}

// Publish sends the course id to every instance, this one included.
func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	return b.client.Publish(ctx, b.channel(evt.CourseID), evt.CourseID).Err()
}

// Subscribe registers a local subscriber.
func (b *RedisBus) Subscribe(courseID string) *Subscription {
	return b.hub.Subscribe(courseID)
}

// Run relays redis messages to local subscribers until ctx is done. A failed or
// dropped subscription is retried with capped exponential backoff.
func (b *RedisBus) Run(ctx context.Context) error {
	delay := b.Retry
	for {
		subscribed, err := b.relay(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			delay = b.Retry
		}
		b.log.Warn("event bus subscription lost, retrying", zap.Error(err), zap.Duration("retry_in", delay))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		delay *= 2
		if delay > b.MaxRetry {
			delay = b.MaxRetry
		}
	}
}

// relay runs one subscription. It reports whether the subscription was established.
func (b *RedisBus) relay(ctx context.Context) (bool, error) {
	ps := b.client.PSubscribe(ctx, b.prefix+"*")
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return false, err
	}
	b.log.Info("event bus subscribed", zap.String("pattern", b.prefix+"*"))

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return true, errors.New("subscription channel closed")
			}
			if courseID, ok := b.courseOf(msg.Channel); ok {
				b.hub.notify(courseID)
			}
		}
	}
}

func (b *RedisBus) channel(courseID string) string {
	return b.prefix + courseID
}

func (b *RedisBus) courseOf(channel string) (string, bool) {
	if !strings.HasPrefix(channel, b.prefix) {
		return "", false
	}
	id := strings.TrimPrefix(channel, b.prefix)
	return id, id != ""
}
