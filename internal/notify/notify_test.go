package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"opsboard/internal/config"
	"opsboard/internal/domain"
	"opsboard/internal/repo"
)

type logSource struct {
	mu  sync.Mutex
	evs []domain.ChangeEvent
}

func (s *logSource) add(table domain.Table, op domain.Operation, hint domain.Hint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, domain.ChangeEvent{ID: int64(len(s.evs) + 1), Table: table, Operation: op, Hint: hint, Payload: `{"k":1}`})
}

func (s *logSource) EventsAfter(ctx context.Context, limit int, cursor int64, f repo.EventFilter) ([]domain.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ChangeEvent
	for _, ev := range s.evs {
		if ev.ID > cursor && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *logSource) LatestEventID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.evs)), nil
}

func TestHubStartsAtHead(t *testing.T) {
	src := &logSource{}
	src.add(domain.TableTasks, domain.OpInsert, domain.Hint{TaskID: "old"})
	h := NewHub(src, 0, 4)
	sub := h.Subscribe(Filter{})
	ctx := context.Background()
	if err := h.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	src.add(domain.TableTasks, domain.OpUpdate, domain.Hint{TaskID: "t1"})
	if err := h.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if len(sub.C) != 1 {
		t.Fatalf("expected 1 event, got %d", len(sub.C))
	}
	if ev := <-sub.C; ev.Hint.TaskID != "t1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestHubFilter(t *testing.T) {
	h := NewHub(&logSource{}, 0, 8)
	sub := h.Subscribe(Filter{ProjectID: "web", Tables: []domain.Table{domain.TableTasks}})
	h.Publish(domain.ChangeEvent{ID: 1, Table: domain.TableTasks, Hint: domain.Hint{ProjectID: "web"}})
	h.Publish(domain.ChangeEvent{ID: 2, Table: domain.TableTasks, Hint: domain.Hint{ProjectID: "ops"}})
	h.Publish(domain.ChangeEvent{ID: 3, Table: domain.TableReviews, Hint: domain.Hint{ProjectID: "web"}})
	h.Publish(domain.ChangeEvent{ID: 4, Table: domain.TableTasks})
	var ids []int64
	for len(sub.C) > 0 {
		ids = append(ids, (<-sub.C).ID)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 4 {
		t.Fatalf("delivered %v", ids)
	}
}

func TestHubLaggingSubscriberGetsWildcard(t *testing.T) {
	h := NewHub(&logSource{}, 0, 1)
	sub := h.Subscribe(Filter{})
	h.Publish(domain.ChangeEvent{ID: 1, Table: domain.TableTasks})
	h.Publish(domain.ChangeEvent{ID: 2, Table: domain.TableTasks})
	if ev := <-sub.C; ev.ID != 1 {
		t.Fatalf("first event = %+v", ev)
	}
	h.Publish(domain.ChangeEvent{ID: 3, Table: domain.TableTasks})
	if ev := <-sub.C; ev.Table != domain.TableAll {
		t.Fatalf("expected wildcard after drop, got %+v", ev)
	}
}

func TestSubscriptionClose(t *testing.T) {
	h := NewHub(&logSource{}, 0, 1)
	sub := h.Subscribe(Filter{})
	sub.Close()
	sub.Close()
	if _, ok := <-sub.C; ok {
		t.Fatalf("channel should be closed")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("subscriber not removed")
	}
}

func TestDispatcherDeliversFiltered(t *testing.T) {
	var mu sync.Mutex
	var got []webhookEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Opsboard-Secret") != "s3cret" {
			t.Errorf("missing secret header")
		}
		var ev webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	src := &logSource{}
	d := NewDispatcher(src, []config.Webhook{{URL: srv.URL, Events: []string{"reviews", "tasks.update"}, Secret: "s3cret"}})
	ctx := context.Background()
	d.DispatchAll(ctx)
	src.add(domain.TableTasks, domain.OpInsert, domain.Hint{TaskID: "t1"})
	src.add(domain.TableTasks, domain.OpUpdate, domain.Hint{TaskID: "t1"})
	src.add(domain.TableReviews, domain.OpInsert, domain.Hint{TaskID: "t1"})
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0].Type != "tasks.update" || got[1].Type != "reviews.insert" {
		t.Fatalf("delivered %+v", got)
	}
	if d.Cursor(0) != 3 {
		t.Fatalf("cursor = %d", d.Cursor(0))
	}
}

func TestDispatcherRetriesFailedDelivery(t *testing.T) {
	fail := true
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	src := &logSource{}
	d := NewDispatcher(src, []config.Webhook{{URL: srv.URL}})
	ctx := context.Background()
	d.DispatchAll(ctx)
	src.add(domain.TableTasks, domain.OpUpdate, domain.Hint{})
	d.DispatchAll(ctx)
	if d.Cursor(0) != 0 {
		t.Fatalf("cursor advanced past failed delivery")
	}
	mu.Lock()
	fail = false
	mu.Unlock()
	d.DispatchAll(ctx)
	if d.Cursor(0) != 1 {
		t.Fatalf("cursor = %d after retry", d.Cursor(0))
	}
}

func TestDisabledDispatcherReturns(t *testing.T) {
	off := false
	d := NewDispatcher(&logSource{}, []config.Webhook{{URL: "http://example.invalid", Enabled: &off}})
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
}
