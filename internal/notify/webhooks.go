package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"opsboard/internal/config"
	"opsboard/internal/domain"
	"opsboard/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// Dispatcher posts committed events to configured webhooks. Each hook keeps
// its own cursor and stops at the first failed delivery, retrying it on the
// next round.
type Dispatcher struct {
	Source   Source
	Hooks    []config.Webhook
	Client   *http.Client
	Interval time.Duration
	Logger   *log.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

func NewDispatcher(src Source, hooks []config.Webhook) *Dispatcher {
	return &Dispatcher{
		Source:  src,
		Hooks:   hooks,
		Client:  &http.Client{Timeout: defaultWebhookTimeout},
		cursors: make(map[int]int64),
	}
}

func (d *Dispatcher) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.Default()
}

// Run dispatches until ctx is done. It returns immediately when no hook is enabled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.active() {
		return nil
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) active() bool {
	for _, h := range d.Hooks {
		if h.IsEnabled() && strings.TrimSpace(h.URL) != "" {
			return true
		}
	}
	return false
}

// DispatchAll runs one delivery round, hooks in parallel.
func (d *Dispatcher) DispatchAll(ctx context.Context) {
	p := pool.New().WithMaxGoroutines(4)
	for i, hook := range d.Hooks {
		if !hook.IsEnabled() || strings.TrimSpace(hook.URL) == "" {
			continue
		}
		p.Go(func() { d.dispatch(ctx, i, hook) })
	}
	p.Wait()
}

func (d *Dispatcher) dispatch(ctx context.Context, idx int, hook config.Webhook) {
	cursor, err := d.cursorFor(ctx, idx)
	if err != nil {
		d.logger().Printf("webhook: init cursor failed: %v", err)
		return
	}
	evs, err := d.Source.EventsAfter(ctx, defaultWebhookBatch, cursor, repo.EventFilter{})
	if err != nil {
		d.logger().Printf("webhook: fetch events failed: %v", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, ev := range evs {
		if filter.match(ev) {
			if err := d.post(ctx, hook, ev); err != nil {
				d.logger().Printf("webhook: deliver %d to %s failed: %v", ev.ID, hook.URL, err)
				return
			}
		}
		d.setCursor(idx, ev.ID)
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur, nil
	}
	cur, err := d.Source.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	d.cursors[idx] = cur
	return cur, nil
}

func (d *Dispatcher) setCursor(idx int, v int64) {
	d.mu.Lock()
	d.cursors[idx] = v
	d.mu.Unlock()
}

// Cursor returns the last event id handled for hook idx.
func (d *Dispatcher) Cursor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursors[idx]
}

type webhookEvent struct {
	ID         int64            `json:"id"`
	Type       string           `json:"type"`
	Table      domain.Table     `json:"table"`
	Operation  domain.Operation `json:"operation"`
	Hint       domain.Hint      `json:"hint"`
	By         string           `json:"by,omitempty"`
	TS         string           `json:"ts"`
	Payload    json.RawMessage  `json:"payload"`
	PayloadRaw string           `json:"payload_raw,omitempty"`
}

// EventType names an event for webhook filters, e.g. "tasks.update".
func EventType(ev domain.ChangeEvent) string {
	return string(ev.Table) + "." + string(ev.Operation)
}

func (d *Dispatcher) post(ctx context.Context, hook config.Webhook, ev domain.ChangeEvent) error {
	payload := json.RawMessage("{}")
	var raw string
	if ev.Payload != "" {
		if json.Valid([]byte(ev.Payload)) {
			payload = json.RawMessage(ev.Payload)
		} else {
			raw = ev.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         ev.ID,
		Type:       EventType(ev),
		Table:      ev.Table,
		Operation:  ev.Operation,
		Hint:       ev.Hint,
		By:         ev.By,
		TS:         ev.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	if hook.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(hook.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Opsboard-Event", EventType(ev))
	req.Header.Set("X-Opsboard-Delivery", fmt.Sprintf("%d", ev.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Opsboard-Secret", hook.Secret)
	}
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// eventFilter matches "table.operation" or a bare table name.
type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, e := range events {
		if key := strings.TrimSpace(e); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(ev domain.ChangeEvent) bool {
	if f.all {
		return true
	}
	if _, ok := f.set[EventType(ev)]; ok {
		return true
	}
	_, ok := f.set[string(ev.Table)]
	return ok
}
