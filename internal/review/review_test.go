package review_test

import (
	"context"
	"errors"
	"testing"

	"opsboard/internal/domain"
	"opsboard/internal/review"
	"opsboard/internal/store"
	"opsboard/internal/store/storetest"
)

type fixture struct {
	mem      *storetest.Memory
	manager  domain.Actor
	employee domain.Actor
	task     domain.Task
}

func newFixture(t *testing.T, status domain.Status) fixture {
	t.Helper()
	mem := storetest.NewMemory()
	mgr := mem.AddActor("mgr-1", domain.RoleManager)
	emp := mem.AddActor("emp-1", domain.RoleEmployee)
	assignee := emp.ID
	tk := mem.PutTask(domain.Task{ID: "t1", Title: "Write brief", Status: status, AssigneeID: &assignee, ReviewCycle: 1})
	return fixture{mem: mem, manager: mgr, employee: emp, task: tk}
}

func TestHasEvidence(t *testing.T) {
	cases := []struct {
		ev   domain.Evidence
		want bool
	}{
		{domain.Evidence{}, false},
		{domain.Evidence{WorkUpdates: 1}, true},
		{domain.Evidence{Deliverables: 2}, true},
		{domain.Evidence{ChecklistItems: 1}, true},
	}
	for _, tc := range cases {
		if got := review.HasEvidence(tc.ev); got != tc.want {
			t.Fatalf("HasEvidence(%+v) = %v", tc.ev, got)
		}
		if review.HasEvidence(tc.ev) != review.HasEvidence(tc.ev) {
			t.Fatalf("HasEvidence not stable")
		}
	}
}

func TestEvidenceFollowsLedger(t *testing.T) {
	f := newFixture(t, domain.StatusInProgress)
	ctx := context.Background()
	l := review.Ledger{Store: f.mem.As(f.employee.ID)}

	if _, ok, err := l.Evidence(ctx, f.task.ID); err != nil || ok {
		t.Fatalf("empty task has evidence: %v %v", ok, err)
	}
	if _, err := l.AddWorkUpdate(ctx, f.task.ID, "   "); domain.ReasonOf(err) != domain.ReasonInvalid {
		t.Fatalf("blank update should be invalid, got %v", err)
	}
	if _, err := l.AddWorkUpdate(ctx, f.task.ID, "Drafted layout"); err != nil {
		t.Fatalf("add update: %v", err)
	}
	ev, ok, err := l.Evidence(ctx, f.task.ID)
	if err != nil || !ok || ev.WorkUpdates != 1 {
		t.Fatalf("evidence after update: %+v %v %v", ev, ok, err)
	}
}

func TestDeliverableRemovalDropsEvidence(t *testing.T) {
	f := newFixture(t, domain.StatusInProgress)
	ctx := context.Background()
	l := review.Ledger{Store: f.mem.As(f.employee.ID)}

	d, err := l.AddDeliverable(ctx, f.task.ID, store.DeliverableInput{Title: "mockup.png", FileRef: "files/mockup.png"})
	if err != nil {
		t.Fatalf("add deliverable: %v", err)
	}
	if _, ok, _ := l.Evidence(ctx, f.task.ID); !ok {
		t.Fatalf("deliverable should count as evidence")
	}
	if err := l.RemoveDeliverable(ctx, d.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := l.Evidence(ctx, f.task.ID); ok {
		t.Fatalf("evidence should be gone")
	}
	if err := l.RemoveDeliverable(ctx, d.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second remove should be not-found, got %v", err)
	}
}

func TestChecklistInitializedOnce(t *testing.T) {
	f := newFixture(t, domain.StatusInProgress)
	ctx := context.Background()
	l := review.Ledger{Store: f.mem.As(f.manager.ID), Templates: []string{"Reviewed copy", "Checked links"}}

	items, err := l.InitializeChecklist(ctx, f.task, f.manager, []string{"Brief signed off", "", "Assets exported"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if len(items) != 2 || items[0].Text != "Brief signed off" || items[1].Position != 1 {
		t.Fatalf("unexpected items: %+v", items)
	}
	again, err := l.InitializeDefaultChecklist(ctx, f.task, f.manager)
	if !errors.Is(err, domain.ErrAlreadyInitialized) {
		t.Fatalf("expected already-initialized, got %v", err)
	}
	if len(again) != 2 {
		t.Fatalf("existing checklist should be returned, got %d", len(again))
	}
	if f.mem.CallCount("CreateChecklist") != 1 {
		t.Fatalf("store should be asked once")
	}
}

func TestChecklistPolicyByRole(t *testing.T) {
	ctx := context.Background()
	templates := []string{"Reviewed copy", "Checked links"}

	f := newFixture(t, domain.StatusInProgress)
	l := review.Ledger{Store: f.mem.As(f.employee.ID), Templates: templates}
	if _, err := l.InitializeChecklist(ctx, f.task, f.employee, []string{"My own item"}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("assignee custom items should be forbidden, got %v", err)
	}
	items, err := l.InitializeDefaultChecklist(ctx, f.task, f.employee)
	if err != nil || len(items) != 2 {
		t.Fatalf("assignee default template: %v %+v", err, items)
	}

	f = newFixture(t, domain.StatusInProgress)
	outsider := f.mem.AddActor("emp-2", domain.RoleEmployee)
	l = review.Ledger{Store: f.mem.As(outsider.ID), Templates: templates}
	if _, err := l.InitializeDefaultChecklist(ctx, f.task, outsider); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("non-assignee employee should be forbidden, got %v", err)
	}

	l = review.Ledger{Store: f.mem.As(f.manager.ID)}
	if _, err := l.InitializeDefaultChecklist(ctx, f.task, f.manager); domain.ReasonOf(err) != domain.ReasonInvalid {
		t.Fatalf("no template should be invalid, got %v", err)
	}
}

func TestToggleChecklistItem(t *testing.T) {
	f := newFixture(t, domain.StatusInProgress)
	ctx := context.Background()
	l := review.Ledger{Store: f.mem.As(f.employee.ID), Templates: []string{"One"}}
	items, err := l.InitializeDefaultChecklist(ctx, f.task, f.employee)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	it, err := l.ToggleChecklistItem(ctx, items[0].ID, true)
	if err != nil || !it.Checked || it.CheckedBy == nil || *it.CheckedBy != f.employee.ID {
		t.Fatalf("toggle on: %+v %v", it, err)
	}
	it, err = l.ToggleChecklistItem(ctx, items[0].ID, false)
	if err != nil || it.Checked || it.CheckedBy != nil {
		t.Fatalf("toggle off: %+v %v", it, err)
	}
}

func TestApproveCompletesTask(t *testing.T) {
	f := newFixture(t, domain.StatusReview)
	l := review.Ledger{Store: f.mem.As(f.manager.ID)}
	res, err := l.RecordReview(context.Background(), f.task, f.manager, domain.DecisionApproved, "looks good")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.Review.Decision != domain.DecisionApproved || res.Review.ReviewerID != f.manager.ID || res.Review.Cycle != 1 {
		t.Fatalf("unexpected review: %+v", res.Review)
	}
	if res.Task == nil || res.Task.Status != domain.StatusCompleted || res.Task.CompletedAt == nil {
		t.Fatalf("task not completed: %+v", res.Task)
	}
}

func TestRejectReturnsToInProgress(t *testing.T) {
	f := newFixture(t, domain.StatusReview)
	l := review.Ledger{Store: f.mem.As(f.manager.ID)}
	res, err := l.RecordReview(context.Background(), f.task, f.manager, domain.DecisionRejected, "needs contrast fixes")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if res.Task.Status != domain.StatusInProgress || res.Task.CompletedAt != nil {
		t.Fatalf("unexpected task: %+v", res.Task)
	}
}

func TestPendingReviewLeavesStatus(t *testing.T) {
	f := newFixture(t, domain.StatusReview)
	l := review.Ledger{Store: f.mem.As(f.manager.ID)}
	res, err := l.RecordReview(context.Background(), f.task, f.manager, domain.DecisionPending, "")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if res.Task != nil || f.mem.CallCount("UpdateTaskStatus") != 0 {
		t.Fatalf("pending review must not transition")
	}
	if f.mem.Task(f.task.ID).Status != domain.StatusReview {
		t.Fatalf("status changed")
	}
}

func TestEmployeeCannotReview(t *testing.T) {
	f := newFixture(t, domain.StatusReview)
	l := review.Ledger{Store: f.mem.As(f.employee.ID)}
	_, err := l.RecordReview(context.Background(), f.task, f.employee, domain.DecisionApproved, "")
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if f.mem.CallCount("CreateReview") != 0 {
		t.Fatalf("no review should be written")
	}
}

// failingStatus lets the review write succeed and rejects the transition.
type failingStatus struct {
	store.Store
	err error
}

func (f failingStatus) UpdateTaskStatus(ctx context.Context, id string, u store.StatusUpdate) (domain.Task, error) {
	return domain.Task{}, f.err
}

func TestReviewWrittenButTransitionFailed(t *testing.T) {
	f := newFixture(t, domain.StatusReview)
	cause := domain.Errorf(domain.ReasonConflict, "version moved")
	l := review.Ledger{Store: failingStatus{Store: f.mem.As(f.manager.ID), err: cause}}

	res, err := l.RecordReview(context.Background(), f.task, f.manager, domain.DecisionApproved, "ok")
	var inc *review.InconsistencyError
	if !errors.As(err, &inc) {
		t.Fatalf("expected InconsistencyError, got %v", err)
	}
	if !errors.Is(err, domain.ErrInconsistent) || !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("error chain should carry inconsistent and the cause: %v", err)
	}
	if domain.ReasonOf(err) != domain.ReasonInconsistent {
		t.Fatalf("reason = %s", domain.ReasonOf(err))
	}
	if res.Review.ID == "" || inc.Review.ID != res.Review.ID {
		t.Fatalf("review should be returned: %+v", res)
	}
	reviews, _ := f.mem.As(f.manager.ID).ListReviews(context.Background(), f.task.ID)
	if len(reviews) != 1 {
		t.Fatalf("review should persist, got %d", len(reviews))
	}
}

func TestReviewSurvivesConcurrentReassign(t *testing.T) {
	f := newFixture(t, domain.StatusReview)
	ctx := context.Background()
	other := f.mem.AddActor("emp-2", domain.RoleEmployee).ID
	if _, err := f.mem.As(f.manager.ID).UpdateTaskAssignee(ctx, f.task.ID, &other); err != nil {
		t.Fatal(err)
	}
	l := review.Ledger{Store: f.mem.As(f.manager.ID)}
	res, err := l.RecordReview(ctx, f.task, f.manager, domain.DecisionApproved, "ship it")
	if err != nil {
		t.Fatalf("approve after reassign: %v", err)
	}
	if res.Task == nil || res.Task.Status != domain.StatusCompleted || !res.Task.IsAssignee(other) {
		t.Fatalf("unexpected task: %+v", res.Task)
	}
	reviews, _ := f.mem.As(f.manager.ID).ListReviews(ctx, f.task.ID)
	if len(reviews) != 1 {
		t.Fatalf("reviews = %d, want 1", len(reviews))
	}
}

func TestReviewAfterTaskLeftReviewIsInconsistent(t *testing.T) {
	f := newFixture(t, domain.StatusReview)
	ctx := context.Background()
	if _, err := f.mem.As(f.manager.ID).UpdateTaskStatus(ctx, f.task.ID, store.StatusUpdate{Status: domain.StatusInProgress}); err != nil {
		t.Fatal(err)
	}
	l := review.Ledger{Store: f.mem.As(f.manager.ID)}
	_, err := l.RecordReview(ctx, f.task, f.manager, domain.DecisionRejected, "")
	if !errors.Is(err, domain.ErrConflict) || !errors.Is(err, domain.ErrInconsistent) {
		t.Fatalf("expected inconsistent conflict, got %v", err)
	}
}

func TestApplyDecisionCompletesInconsistentReview(t *testing.T) {
	f := newFixture(t, domain.StatusReview)
	ctx := context.Background()
	broken := review.Ledger{Store: failingStatus{Store: f.mem.As(f.manager.ID), err: domain.Errorf(domain.ReasonTransport, "reset")}}
	if _, err := broken.RecordReview(ctx, f.task, f.manager, domain.DecisionApproved, "ok"); !errors.Is(err, domain.ErrInconsistent) {
		t.Fatalf("expected inconsistent, got %v", err)
	}

	l := review.Ledger{Store: f.mem.As(f.manager.ID)}
	got, err := l.ApplyDecision(ctx, f.mem.Task(f.task.ID))
	if err != nil || got.Status != domain.StatusCompleted {
		t.Fatalf("apply: %+v %v", got, err)
	}
	if f.mem.CallCount("CreateReview") != 1 {
		t.Fatalf("apply must not write another review")
	}
	if _, err := l.ApplyDecision(ctx, got); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("completed task: %v", err)
	}
}

func TestApplyDecisionNeedsDecision(t *testing.T) {
	f := newFixture(t, domain.StatusReview)
	ctx := context.Background()
	l := review.Ledger{Store: f.mem.As(f.manager.ID)}
	if _, err := l.ApplyDecision(ctx, f.task); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("no review: %v", err)
	}
	if _, err := l.RecordReview(ctx, f.task, f.manager, domain.DecisionPending, "looking"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.ApplyDecision(ctx, f.task); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("pending review: %v", err)
	}
	if f.mem.CallCount("UpdateTaskStatus") != 0 {
		t.Fatalf("no transition should be issued")
	}
}

func TestInCycle(t *testing.T) {
	reviews := []domain.Review{{Cycle: 1, Decision: domain.DecisionRejected}, {Cycle: 2, Decision: domain.DecisionPending}}
	if !review.InCycle(reviews, 2) || review.InCycle(reviews, 3) || review.InCycle(nil, 0) {
		t.Fatalf("InCycle mismatch")
	}
	newest := []domain.Review{{ID: "r3", Cycle: 2}, {ID: "r2", Cycle: 1}, {ID: "r1", Cycle: 1}}
	if rv, ok := review.LatestInCycle(newest, 1); !ok || rv.ID != "r2" {
		t.Fatalf("LatestInCycle = %+v %v", rv, ok)
	}
	if _, ok := review.LatestInCycle(newest, 3); ok {
		t.Fatalf("LatestInCycle found a review in an empty cycle")
	}
}
