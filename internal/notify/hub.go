// Package notify turns the committed event log into live change feeds: an
// in-process Hub for subscribers (viewer sessions, SSE streams) and a webhook
// Dispatcher for external receivers.
package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"opsboard/internal/domain"
	"opsboard/internal/repo"
)

const (
	DefaultInterval = 500 * time.Millisecond
	DefaultBuffer   = 64
	defaultBatch    = 200
)

// Source is the read side of the event log.
type Source interface {
	EventsAfter(ctx context.Context, limit int, cursor int64, f repo.EventFilter) ([]domain.ChangeEvent, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Filter selects events for a subscription. Events whose project is unknown
// always pass a project filter.
type Filter struct {
	ProjectID string
	TaskID    string
	Tables    []domain.Table
}

func (f Filter) match(ev domain.ChangeEvent) bool {
	if ev.Table == domain.TableAll {
		return true
	}
	if f.ProjectID != "" && ev.Hint.ProjectID != "" && ev.Hint.ProjectID != f.ProjectID {
		return false
	}
	if f.TaskID != "" && ev.Hint.TaskID != "" && ev.Hint.TaskID != f.TaskID {
		return false
	}
	if len(f.Tables) == 0 {
		return true
	}
	for _, t := range f.Tables {
		if t == ev.Table {
			return true
		}
	}
	return false
}

type Subscription struct {
	C      <-chan domain.ChangeEvent
	c      chan domain.ChangeEvent
	filter Filter
	hub    *Hub
	// lagged is set when an event was dropped; the next delivery is preceded
	// by a wildcard event so the receiver refetches everything.
	lagged bool
}

func (s *Subscription) Close() { s.hub.unsubscribe(s) }

// Hub polls the event log and fans events out to subscribers. Sends never
// block the poller.
type Hub struct {
	Source   Source
	Interval time.Duration
	Buffer   int
	Logger   *log.Logger

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	cursor int64
	primed bool
}

func NewHub(src Source, interval time.Duration, buffer int) *Hub {
	return &Hub{Source: src, Interval: interval, Buffer: buffer}
}

func (h *Hub) logger() *log.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return log.Default()
}

func (h *Hub) Subscribe(f Filter) *Subscription {
	size := h.Buffer
	if size <= 0 {
		size = DefaultBuffer
	}
	c := make(chan domain.ChangeEvent, size)
	s := &Subscription{C: c, c: c, filter: f, hub: h}
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[*Subscription]struct{})
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.c)
	}
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Run polls until ctx is done, then closes every subscription.
func (h *Hub) Run(ctx context.Context) error {
	interval := h.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer h.closeAll()
	for {
		if err := h.Poll(ctx); err != nil && ctx.Err() == nil {
			h.logger().Printf("notify: poll failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll reads new events once and delivers them. The first call only records
// the current head of the log.
func (h *Hub) Poll(ctx context.Context) error {
	h.mu.Lock()
	primed, cursor := h.primed, h.cursor
	h.mu.Unlock()
	if !primed {
		head, err := h.Source.LatestEventID(ctx)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.cursor, h.primed = head, true
		h.mu.Unlock()
		return nil
	}
	for {
		evs, err := h.Source.EventsAfter(ctx, defaultBatch, cursor, repo.EventFilter{})
		if err != nil {
			return err
		}
		if len(evs) == 0 {
			return nil
		}
		for _, ev := range evs {
			h.Publish(ev)
			cursor = ev.ID
		}
		h.mu.Lock()
		h.cursor = cursor
		h.mu.Unlock()
		if len(evs) < defaultBatch {
			return nil
		}
	}
}

// Publish delivers ev to every matching subscriber.
func (h *Hub) Publish(ev domain.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if !s.filter.match(ev) {
			continue
		}
		if s.lagged {
			select {
			case s.c <- domain.ChangeEvent{ID: ev.ID, Table: domain.TableAll, TS: ev.TS}:
				s.lagged = false
			default:
				continue
			}
		}
		select {
		case s.c <- ev:
		default:
			s.lagged = true
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		close(s.c)
		delete(h.subs, s)
	}
}
