package viewer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"opsboard/internal/cache"
	"opsboard/internal/domain"
	"opsboard/internal/store"
	"opsboard/internal/store/storetest"
	"opsboard/internal/viewer"
)

type env struct {
	mem      *storetest.Memory
	manager  domain.Actor
	employee domain.Actor
}

func newEnv(t *testing.T) env {
	t.Helper()
	mem := storetest.NewMemory()
	return env{
		mem:      mem,
		manager:  mem.AddActor("mgr-1", domain.RoleManager),
		employee: mem.AddActor("emp-1", domain.RoleEmployee),
	}
}

func (e env) session(actor domain.Actor, s store.Store, quick bool) *viewer.Session {
	if s == nil {
		s = e.mem.As(actor.ID)
	}
	return viewer.NewFor(actor, s, viewer.Options{QuickStatus: quick, ChecklistTemplate: []string{"Self-review done"}})
}

func (e env) task(id string, status domain.Status, project string) domain.Task {
	assignee := e.employee.ID
	t := domain.Task{ID: id, Title: "Design homepage", Status: status, AssigneeID: &assignee}
	if project != "" {
		t.ProjectID = &project
	}
	if status == domain.StatusReview {
		t.ReviewCycle = 1
	}
	return e.mem.PutTask(t)
}

func cachedStatus(t *testing.T, s *viewer.Session, id string) domain.Status {
	t.Helper()
	e, ok := s.Cache.Lookup(cache.Task(id))
	if !ok {
		t.Fatalf("task %s not cached", id)
	}
	return e.Value.(domain.Task).Status
}

func TestSubmitWithOneWorkUpdate(t *testing.T) {
	e := newEnv(t)
	e.task("t1", domain.StatusInProgress, "")
	ctx := context.Background()
	emp := e.session(e.employee, nil, true)

	if _, err := emp.Submit(ctx, "t1"); !errors.Is(err, domain.ErrInsufficientEvidence) {
		t.Fatalf("submit without evidence: %v", err)
	}
	if _, err := emp.AddWorkUpdate(ctx, "t1", "First draft uploaded to the shared drive"); err != nil {
		t.Fatalf("add update: %v", err)
	}
	got, err := emp.Submit(ctx, "t1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.Status != domain.StatusReview || got.ReviewCycle != 1 {
		t.Fatalf("unexpected task: %+v", got)
	}
	if cachedStatus(t, emp, "t1") != domain.StatusReview {
		t.Fatalf("cache not confirmed")
	}
}

func TestManagerRejects(t *testing.T) {
	e := newEnv(t)
	e.task("t1", domain.StatusReview, "")
	ctx := context.Background()
	mgr := e.session(e.manager, nil, true)

	res, err := mgr.Reject(ctx, "t1", "needs more detail")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.Task.Status != domain.StatusInProgress || res.Review.Decision != domain.DecisionRejected {
		t.Fatalf("unexpected result: %+v", res)
	}
	reviews, err := mgr.Reviews(ctx, "t1")
	if err != nil || len(reviews) != 1 || reviews[0].Comment != "needs more detail" {
		t.Fatalf("reviews: %+v %v", reviews, err)
	}
}

func TestApproveCompletes(t *testing.T) {
	e := newEnv(t)
	e.task("t1", domain.StatusReview, "")
	mgr := e.session(e.manager, nil, true)
	res, err := mgr.Approve(context.Background(), "t1", "")
	if err != nil || res.Task.Status != domain.StatusCompleted {
		t.Fatalf("approve: %+v %v", res, err)
	}
	if _, err := mgr.Transition(context.Background(), "t1", domain.StatusInProgress); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("completed should be terminal, got %v", err)
	}
}

func TestReassignOutsideProject(t *testing.T) {
	e := newEnv(t)
	e.mem.AddActor("A", domain.RoleEmployee)
	e.mem.AddActor("B", domain.RoleEmployee)
	e.mem.AddActor("C", domain.RoleEmployee)
	e.mem.AddMember("P", "A")
	e.mem.AddMember("P", "B")
	tk := e.task("t1", domain.StatusTodo, "P")
	ctx := context.Background()
	mgr := e.session(e.manager, nil, true)

	eligible, err := mgr.EligibleAssignees(ctx, tk)
	if err != nil || len(eligible) != 2 {
		t.Fatalf("eligible: %+v %v", eligible, err)
	}
	c := "C"
	if _, err := mgr.Reassign(ctx, "t1", &c); !errors.Is(err, domain.ErrNotAProjectMember) {
		t.Fatalf("expected not-a-project-member, got %v", err)
	}
	if got := e.mem.Task("t1"); !got.IsAssignee(e.employee.ID) {
		t.Fatalf("assignee changed: %+v", got.AssigneeID)
	}
	if e.mem.CallCount("UpdateTaskAssignee") != 0 {
		t.Fatalf("store write issued")
	}
	b := "B"
	got, err := mgr.Reassign(ctx, "t1", &b)
	if err != nil || !got.IsAssignee("B") {
		t.Fatalf("reassign to member: %+v %v", got, err)
	}
}

func TestChecklistReinitIsNoop(t *testing.T) {
	e := newEnv(t)
	e.task("t1", domain.StatusInProgress, "")
	ctx := context.Background()
	mgr := e.session(e.manager, nil, true)

	if _, err := mgr.InitChecklist(ctx, "t1", []string{"Copy approved", "Images optimised"}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := mgr.InitChecklist(ctx, "t1", []string{"Something else"}); !errors.Is(err, domain.ErrAlreadyInitialized) {
		t.Fatalf("expected already-initialized, got %v", err)
	}
	items, err := mgr.Checklist(ctx, "t1")
	if err != nil || len(items) != 2 || items[0].Text != "Copy approved" {
		t.Fatalf("checklist changed: %+v %v", items, err)
	}
}

func TestTwoViewersConverge(t *testing.T) {
	e := newEnv(t)
	e.task("t1", domain.StatusInProgress, "")
	ctx := context.Background()
	v1 := e.session(e.employee, nil, true)
	v2 := e.session(e.manager, nil, true)

	if _, err := v1.Task(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := v2.Task(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	events := make(chan domain.ChangeEvent, 16)
	e.mem.OnEvent(func(ev domain.ChangeEvent) { events <- ev })
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- v2.Run(runCtx, events) }()

	if _, err := v1.AddWorkUpdate(ctx, "t1", "ready"); err != nil {
		t.Fatal(err)
	}
	if _, err := v1.Submit(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if e, ok := v2.Cache.Lookup(cache.Task("t1")); ok && e.Stale {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("viewer 2 never saw the change")
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, err := v2.Task(ctx, "t1")
	if err != nil || got.Status != domain.StatusReview {
		t.Fatalf("viewer 2 status = %s (%v)", got.Status, err)
	}
	cancel()
	if err := <-runDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
}

func TestQuickStatusPolicy(t *testing.T) {
	e := newEnv(t)
	e.task("t1", domain.StatusInProgress, "")
	ctx := context.Background()

	strict := e.session(e.manager, nil, false)
	if _, err := strict.Quick(ctx, "t1", domain.StatusCompleted); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("disabled quick path should fall back to formal rules, got %v", err)
	}
	quick := e.session(e.manager, nil, true)
	got, err := quick.Quick(ctx, "t1", domain.StatusCompleted)
	if err != nil || got.Status != domain.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("quick complete: %+v %v", got, err)
	}
}

func TestQuickStatusClosedAfterReview(t *testing.T) {
	e := newEnv(t)
	e.task("t1", domain.StatusReview, "")
	ctx := context.Background()
	mgr := e.session(e.manager, nil, true)
	if _, err := mgr.Reject(ctx, "t1", "again"); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Quick(ctx, "t1", domain.StatusCompleted); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("quick path should be closed after a review in this cycle, got %v", err)
	}
}

func TestAvailableFollowsTable(t *testing.T) {
	e := newEnv(t)
	e.task("t1", domain.StatusTodo, "")
	emp := e.session(e.employee, nil, true)
	got, err := emp.Available(context.Background(), "t1")
	if err != nil || len(got) != 1 || got[0] != domain.StatusInProgress {
		t.Fatalf("available = %v %v", got, err)
	}
}

type failingStore struct {
	store.Store
	err error
}

func (f failingStore) UpdateTaskStatus(ctx context.Context, id string, u store.StatusUpdate) (domain.Task, error) {
	return domain.Task{}, f.err
}

func TestTransportFailureReverts(t *testing.T) {
	e := newEnv(t)
	e.task("t1", domain.StatusTodo, "")
	ctx := context.Background()
	emp := e.session(e.employee, failingStore{Store: e.mem.As(e.employee.ID), err: domain.Wrap(domain.ReasonTransport, errors.New("connection reset"), "update task")}, true)
	if _, err := emp.Task(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	before, _ := emp.Cache.Lookup(cache.Task("t1"))
	if _, err := emp.Start(ctx, "t1"); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	after, _ := emp.Cache.Lookup(cache.Task("t1"))
	if after != before {
		t.Fatalf("cache not restored: %+v", after)
	}
	if emp.Busy("t1") {
		t.Fatalf("in-flight flag leaked")
	}
}

func TestConflictForcesRefetch(t *testing.T) {
	e := newEnv(t)
	e.task("t1", domain.StatusTodo, "")
	ctx := context.Background()
	emp := e.session(e.employee, failingStore{Store: e.mem.As(e.employee.ID), err: domain.Errorf(domain.ReasonConflict, "stale")}, true)
	if _, err := emp.Task(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := emp.Start(ctx, "t1"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	entry, _ := emp.Cache.Lookup(cache.Task("t1"))
	if !entry.Stale || entry.Optimistic {
		t.Fatalf("entry should be reverted and stale: %+v", entry)
	}
}

func TestNotFoundPurges(t *testing.T) {
	e := newEnv(t)
	e.task("t1", domain.StatusTodo, "")
	ctx := context.Background()
	emp := e.session(e.employee, failingStore{Store: e.mem.As(e.employee.ID), err: domain.Errorf(domain.ReasonNotFound, "gone")}, true)
	if _, err := emp.Task(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := emp.Start(ctx, "t1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if _, ok := emp.Cache.Lookup(cache.Task("t1")); ok {
		t.Fatalf("entry should be purged")
	}
}

type blockingStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
}

func (b blockingStore) UpdateTaskStatus(ctx context.Context, id string, u store.StatusUpdate) (domain.Task, error) {
	close(b.entered)
	<-b.release
	return b.Store.UpdateTaskStatus(ctx, id, u)
}

// remoteDuringStatus runs during after the status write lands and before its
// response reaches the session.
type remoteDuringStatus struct {
	store.Store
	during func()
}

func (r remoteDuringStatus) UpdateTaskStatus(ctx context.Context, id string, u store.StatusUpdate) (domain.Task, error) {
	t, err := r.Store.UpdateTaskStatus(ctx, id, u)
	if err == nil {
		r.during()
	}
	return t, err
}

func TestRemoteChangeDuringWriteRefetches(t *testing.T) {
	e := newEnv(t)
	e.task("t1", domain.StatusTodo, "")
	other := e.mem.AddActor("emp-2", domain.RoleEmployee).ID
	ctx := context.Background()

	rs := remoteDuringStatus{Store: e.mem.As(e.employee.ID), during: func() {
		if _, err := e.mem.As(e.manager.ID).UpdateTaskAssignee(ctx, "t1", &other); err != nil {
			t.Error(err)
		}
	}}
	emp := e.session(e.employee, rs, true)
	e.mem.OnEvent(func(ev domain.ChangeEvent) { emp.HandleEvent(ev) })
	if _, err := emp.Task(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	if _, err := emp.Start(ctx, "t1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if entry, _ := emp.Cache.Lookup(cache.Task("t1")); !entry.Stale || entry.Optimistic {
		t.Fatalf("confirmed entry should be stale after a remote change: %+v", entry)
	}
	got, err := emp.Task(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if want := e.mem.Task("t1"); got.Version != want.Version || !got.IsAssignee(other) || got.Status != domain.StatusInProgress {
		t.Fatalf("viewer did not converge: %+v, store has %+v", got, want)
	}
}

func TestApproveAfterConcurrentReassign(t *testing.T) {
	e := newEnv(t)
	e.task("t1", domain.StatusReview, "")
	other := e.mem.AddActor("emp-2", domain.RoleEmployee).ID
	ctx := context.Background()
	mgr := e.session(e.manager, nil, true)
	if _, err := mgr.Task(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.mem.As(e.manager.ID).UpdateTaskAssignee(ctx, "t1", &other); err != nil {
		t.Fatal(err)
	}

	res, err := mgr.Approve(ctx, "t1", "ship it")
	if err != nil {
		t.Fatalf("approve on a stale version: %v", err)
	}
	if res.Task.Status != domain.StatusCompleted || !res.Task.IsAssignee(other) {
		t.Fatalf("unexpected task: %+v", res.Task)
	}
	if cachedStatus(t, mgr, "t1") != domain.StatusCompleted {
		t.Fatalf("cache not confirmed")
	}
	reviews, _ := e.mem.As(e.manager.ID).ListReviews(ctx, "t1")
	if len(reviews) != 1 {
		t.Fatalf("reviews = %d, want 1", len(reviews))
	}
}

// flakyStatus fails the first n status writes with a transport error.
type flakyStatus struct {
	store.Store
	n *int
}

func (f flakyStatus) UpdateTaskStatus(ctx context.Context, id string, u store.StatusUpdate) (domain.Task, error) {
	if *f.n > 0 {
		*f.n--
		return domain.Task{}, domain.Wrap(domain.ReasonTransport, errors.New("connection reset"), "update task")
	}
	return f.Store.UpdateTaskStatus(ctx, id, u)
}

func TestApplyDecisionAfterInconsistentReview(t *testing.T) {
	e := newEnv(t)
	e.task("t1", domain.StatusReview, "")
	ctx := context.Background()
	failures := 1
	mgr := e.session(e.manager, flakyStatus{Store: e.mem.As(e.manager.ID), n: &failures}, true)

	if _, err := mgr.ApplyDecision(ctx, "t1"); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("nothing to apply yet, got %v", err)
	}
	if _, err := mgr.Approve(ctx, "t1", "ok"); !errors.Is(err, domain.ErrInconsistent) {
		t.Fatalf("expected inconsistent, got %v", err)
	}
	if cachedStatus(t, mgr, "t1") != domain.StatusReview {
		t.Fatalf("optimistic completion should be reverted")
	}
	got, err := mgr.ApplyDecision(ctx, "t1")
	if err != nil || got.Status != domain.StatusCompleted {
		t.Fatalf("apply: %+v %v", got, err)
	}
	if e.mem.CallCount("CreateReview") != 1 {
		t.Fatalf("apply must not record another review")
	}
	if cachedStatus(t, mgr, "t1") != domain.StatusCompleted {
		t.Fatalf("cache not confirmed")
	}
}

func TestSecondMutationWhileInFlight(t *testing.T) {
	e := newEnv(t)
	e.task("t1", domain.StatusTodo, "")
	ctx := context.Background()
	bs := blockingStore{Store: e.mem.As(e.employee.ID), entered: make(chan struct{}), release: make(chan struct{})}
	emp := e.session(e.employee, bs, true)

	errc := make(chan error, 1)
	go func() {
		_, err := emp.Start(ctx, "t1")
		errc <- err
	}()
	<-bs.entered
	if e, _ := emp.Cache.Lookup(cache.Task("t1")); !e.Optimistic || e.Value.(domain.Task).Status != domain.StatusInProgress {
		t.Fatalf("optimistic value not visible while in flight: %+v", e)
	}
	if _, err := emp.AddWorkUpdate(ctx, "t1", "note"); !errors.Is(err, domain.ErrInFlight) {
		t.Fatalf("expected mutation-in-flight, got %v", err)
	}
	if e.mem.CallCount("CreateWorkUpdate") != 0 {
		t.Fatalf("second request must not be issued")
	}
	close(bs.release)
	if err := <-errc; err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := emp.AddWorkUpdate(ctx, "t1", "note"); err != nil {
		t.Fatalf("after completion: %v", err)
	}
}

func TestMembershipEventForgetsIndex(t *testing.T) {
	e := newEnv(t)
	e.mem.AddMember("P", e.employee.ID)
	tk := e.task("t1", domain.StatusTodo, "P")
	ctx := context.Background()
	mgr := e.session(e.manager, nil, true)
	if _, err := mgr.EligibleAssignees(ctx, tk); err != nil {
		t.Fatal(err)
	}
	mgr.HandleEvent(domain.ChangeEvent{Table: domain.TableMembers, Operation: domain.OpInsert, Hint: domain.Hint{ProjectID: "P"}})
	if entry, _ := mgr.Cache.Lookup(cache.Members("P")); !entry.Stale {
		t.Fatalf("members query should be stale")
	}
}
