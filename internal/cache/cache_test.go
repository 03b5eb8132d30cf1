package cache_test

import (
	"context"
	"errors"
	"testing"

	"opsboard/internal/cache"
	"opsboard/internal/domain"
	"opsboard/internal/store"
)

func fetchCount(n *int, v string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		*n++
		return v, nil
	}
}

func TestGetCachesUntilInvalidated(t *testing.T) {
	s := cache.New(16)
	ctx := context.Background()
	calls := 0
	for i := 0; i < 3; i++ {
		v, err := cache.Get(ctx, s, cache.Task("t1"), fetchCount(&calls, "v1"))
		if err != nil || v != "v1" {
			t.Fatalf("get: %q %v", v, err)
		}
	}
	if calls != 1 {
		t.Fatalf("fetch calls = %d, want 1", calls)
	}
	if !s.Invalidate(cache.Task("t1")) {
		t.Fatalf("first invalidate should change state")
	}
	if s.Invalidate(cache.Task("t1")) {
		t.Fatalf("second invalidate should be a no-op")
	}
	v, _ := cache.Get(ctx, s, cache.Task("t1"), fetchCount(&calls, "v2"))
	if v != "v2" || calls != 2 {
		t.Fatalf("stale entry should be refetched, got %q after %d calls", v, calls)
	}
}

func TestInvalidateMissingKey(t *testing.T) {
	s := cache.New(4)
	if s.Invalidate(cache.Task("nope")) {
		t.Fatalf("invalidating an absent key changed state")
	}
}

func TestNotFoundPurges(t *testing.T) {
	s := cache.New(4)
	s.Put(cache.Task("t1"), "old")
	s.Invalidate(cache.Task("t1"))
	_, err := cache.Get(context.Background(), s, cache.Task("t1"), func(context.Context) (string, error) {
		return "", domain.Errorf(domain.ReasonNotFound, "gone")
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if _, ok := s.Lookup(cache.Task("t1")); ok {
		t.Fatalf("entry should be purged")
	}
}

func TestTaskUpdateEventInvalidatesOnlyItsQueries(t *testing.T) {
	s := cache.New(64)
	keys := []cache.Key{
		cache.Task("t1"), cache.Task("t2"),
		cache.Tasks(), cache.ProjectTasks("p1"), cache.ProjectTasks("p2"), cache.AssigneeTasks("emp-1"),
		cache.Reviews("t1"), cache.Evidence("t1"), cache.Members("p1"),
	}
	for _, k := range keys {
		s.Put(k, "x")
	}
	changed := s.OnChangeEvent(domain.ChangeEvent{Table: domain.TableTasks, Operation: domain.OpUpdate, Hint: domain.Hint{ProjectID: "p1", TaskID: "t1"}})
	want := map[cache.Key]bool{
		cache.Task("t1"): true, cache.Tasks(): true, cache.ProjectTasks("p1"): true, cache.AssigneeTasks("emp-1"): true,
	}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v", changed)
	}
	for _, k := range changed {
		if !want[k] {
			t.Fatalf("unexpected key invalidated: %s", k)
		}
	}
	for _, k := range keys {
		e, _ := s.Lookup(k)
		if e.Stale != want[k] {
			t.Fatalf("%s stale = %v", k, e.Stale)
		}
	}
}

func TestUnknownProjectHintWidens(t *testing.T) {
	s := cache.New(16)
	s.Put(cache.ProjectTasks("p1"), "x")
	s.Put(cache.ProjectTasks("p2"), "x")
	s.Put(cache.TaskList(store.TaskFilter{ProjectID: "p3", Status: domain.StatusReview}), "x")
	s.Put(cache.Task("other"), "x")
	changed := s.OnChangeEvent(domain.ChangeEvent{Table: domain.TableTasks, Operation: domain.OpInsert, Hint: domain.Hint{TaskID: "t9"}})
	if len(changed) != 3 {
		t.Fatalf("every project list should be invalidated, got %v", changed)
	}
	if e, _ := s.Lookup(cache.Task("other")); e.Stale {
		t.Fatalf("unrelated task entry invalidated")
	}
}

func TestEvidenceTablesTouchEvidence(t *testing.T) {
	for _, table := range []domain.Table{domain.TableWorkUpdates, domain.TableDeliverables, domain.TableChecklistItems} {
		s := cache.New(16)
		s.Put(cache.Evidence("t1"), domain.Evidence{})
		s.Put(cache.Evidence("t2"), domain.Evidence{})
		s.OnChangeEvent(domain.ChangeEvent{Table: table, Operation: domain.OpInsert, Hint: domain.Hint{TaskID: "t1"}})
		if e, _ := s.Lookup(cache.Evidence("t1")); !e.Stale {
			t.Fatalf("%s: evidence for t1 should be stale", table)
		}
		if e, _ := s.Lookup(cache.Evidence("t2")); e.Stale {
			t.Fatalf("%s: evidence for t2 should be fresh", table)
		}
	}
}

func TestWildcardAndUnknownTablesInvalidateAll(t *testing.T) {
	for _, table := range []domain.Table{domain.TableAll, domain.Table("invoices")} {
		s := cache.New(16)
		s.Put(cache.Task("t1"), "x")
		s.Put(cache.Actors(), "x")
		if got := s.OnChangeEvent(domain.ChangeEvent{Table: table}); len(got) != 2 {
			t.Fatalf("%s: changed = %v", table, got)
		}
	}
}

func TestTaskDeletePurgesAndInvalidatesChildren(t *testing.T) {
	s := cache.New(16)
	s.Put(cache.Task("t1"), "x")
	s.Put(cache.Reviews("t1"), "x")
	s.Put(cache.Checklist("t1"), "x")
	s.Put(cache.Checklist("t2"), "x")
	s.OnChangeEvent(domain.ChangeEvent{Table: domain.TableTasks, Operation: domain.OpDelete, Hint: domain.Hint{TaskID: "t1"}})
	if _, ok := s.Lookup(cache.Task("t1")); ok {
		t.Fatalf("deleted task should be purged")
	}
	if e, _ := s.Lookup(cache.Reviews("t1")); !e.Stale {
		t.Fatalf("child query should be stale")
	}
	if e, _ := s.Lookup(cache.Checklist("t2")); e.Stale {
		t.Fatalf("other task's checklist should be fresh")
	}
}

func TestOptimisticConfirm(t *testing.T) {
	s := cache.New(4)
	s.Put(cache.Task("t1"), "todo")
	tok := s.Optimistic(cache.Task("t1"), "in-progress")
	if e, _ := s.Lookup(cache.Task("t1")); !e.Optimistic || e.Value != "in-progress" {
		t.Fatalf("optimistic value not visible: %+v", e)
	}
	s.Confirm(tok, "in-progress@v2")
	e, _ := s.Lookup(cache.Task("t1"))
	if e.Optimistic || e.Value != "in-progress@v2" || e.Stale {
		t.Fatalf("confirm should store server value: %+v", e)
	}
}

func TestRevertRestoresExactPrevious(t *testing.T) {
	s := cache.New(4)
	s.Put(cache.Task("t1"), "todo")
	s.Invalidate(cache.Task("t1"))
	before, _ := s.Lookup(cache.Task("t1"))

	tok := s.Optimistic(cache.Task("t1"), "in-progress")
	if !s.Revert(tok) {
		t.Fatalf("revert should restore")
	}
	after, _ := s.Lookup(cache.Task("t1"))
	if after != before {
		t.Fatalf("revert = %+v, want %+v", after, before)
	}

	tok = s.Optimistic(cache.Task("t2"), "new")
	s.Revert(tok)
	if _, ok := s.Lookup(cache.Task("t2")); ok {
		t.Fatalf("revert should restore absence")
	}
}

func TestRevertYieldsToLaterFetch(t *testing.T) {
	s := cache.New(4)
	s.Put(cache.Task("t1"), "todo")
	tok := s.Optimistic(cache.Task("t1"), "in-progress")
	s.Put(cache.Task("t1"), "review")
	if s.Revert(tok) {
		t.Fatalf("revert must not clobber a newer server value")
	}
	if e, _ := s.Lookup(cache.Task("t1")); e.Value != "review" {
		t.Fatalf("value = %v", e.Value)
	}
}

func TestFetchRacingInvalidationIsStoredStale(t *testing.T) {
	s := cache.New(4)
	_, _ = cache.Get(context.Background(), s, cache.Task("t1"), func(context.Context) (string, error) {
		s.OnChangeEvent(domain.ChangeEvent{Table: domain.TableTasks, Operation: domain.OpUpdate, Hint: domain.Hint{TaskID: "t1"}})
		return "racy", nil
	})
	if e, _ := s.Lookup(cache.Task("t1")); !e.Stale {
		t.Fatalf("value fetched across an invalidation should be stale")
	}
}

func TestConfirmAfterInvalidationStaysStale(t *testing.T) {
	s := cache.New(4)
	s.Put(cache.Task("t1"), "todo")
	tok := s.Optimistic(cache.Task("t1"), "in-progress")
	s.OnChangeEvent(domain.ChangeEvent{Table: domain.TableTasks, Operation: domain.OpUpdate, Hint: domain.Hint{TaskID: "t1"}})
	s.Confirm(tok, "in-progress@v2")
	e, ok := s.Lookup(cache.Task("t1"))
	if !ok || e.Value != "in-progress@v2" || e.Optimistic {
		t.Fatalf("confirm should still store the server value: %+v", e)
	}
	if !e.Stale {
		t.Fatalf("server value confirmed across an invalidation should be stale")
	}

	tok = s.Optimistic(cache.Task("t2"), "new")
	s.Put(cache.Task("t2"), "fetched")
	s.Confirm(tok, "confirmed")
	if e, _ := s.Lookup(cache.Task("t2")); !e.Stale {
		t.Fatalf("confirm over a later fetch should be stale: %+v", e)
	}
}

func TestTaskListKeys(t *testing.T) {
	if k := cache.TaskList(store.TaskFilter{ProjectID: "p1"}); k != cache.ProjectTasks("p1") {
		t.Fatalf("plain project filter = %s", k)
	}
	if k := cache.TaskList(store.TaskFilter{AssigneeID: "a"}); k != cache.AssigneeTasks("a") {
		t.Fatalf("plain assignee filter = %s", k)
	}
	k := cache.TaskList(store.TaskFilter{Status: domain.StatusReview, Limit: 5})
	if k.Kind != cache.KindTasks || k.String() != "tasks?limit=5&status=review" {
		t.Fatalf("filtered key = %s", k)
	}
}

func TestLRUBound(t *testing.T) {
	s := cache.New(2)
	s.Put(cache.Task("a"), 1)
	s.Put(cache.Task("b"), 2)
	s.Put(cache.Task("c"), 3)
	if s.Len() != 2 {
		t.Fatalf("len = %d", s.Len())
	}
	if _, ok := s.Lookup(cache.Task("a")); ok {
		t.Fatalf("oldest entry should be evicted")
	}
}
