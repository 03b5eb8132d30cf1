// Package review keeps the per-task review ledger: work updates, deliverables,
// checklist items and review decisions, plus the evidence predicate that gates
// submission for review.
package review

import (
	"context"
	"fmt"
	"log"
	"strings"

	"opsboard/internal/domain"
	"opsboard/internal/lifecycle"
	"opsboard/internal/store"
)

// HasEvidence reports whether a task carries anything a reviewer could look at.
func HasEvidence(e domain.Evidence) bool {
	return e.WorkUpdates > 0 || e.Deliverables > 0 || e.ChecklistItems > 0
}

// InCycle reports whether any review belongs to the given review cycle. Once
// one does, the task has entered formal review and the quick path is closed.
func InCycle(reviews []domain.Review, cycle int) bool {
	for _, r := range reviews {
		if r.Cycle == cycle {
			return true
		}
	}
	return false
}

// LatestInCycle returns the newest review of the given cycle. reviews must be
// ordered newest first, as the store lists them.
func LatestInCycle(reviews []domain.Review, cycle int) (domain.Review, bool) {
	for _, r := range reviews {
		if r.Cycle == cycle {
			return r, true
		}
	}
	return domain.Review{}, false
}

// Ledger appends to and reads from a task's review material. The acting actor
// is whoever the Store is bound to.
type Ledger struct {
	Store store.Store
	// Templates is the default checklist applied when no custom items are given.
	Templates []string
	Logger    *log.Logger
}

// Result is what a recorded review produced. Task is nil for pending reviews.
type Result struct {
	Review domain.Review
	Task   *domain.Task
}

// InconsistencyError means the review was written but the status transition it
// should have triggered was not. The review stands; callers decide how to
// recover (usually a refetch and ApplyDecision).
type InconsistencyError struct {
	Review domain.Review
	Err    error
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("review %s recorded but task %s was not moved: %v", e.Review.ID, e.Review.TaskID, e.Err)
}

func (e *InconsistencyError) Unwrap() []error {
	return []error{domain.ErrInconsistent, e.Err}
}

func (l Ledger) logger() *log.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return log.Default()
}

func (l Ledger) AddWorkUpdate(ctx context.Context, taskID, text string) (domain.WorkUpdate, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.WorkUpdate{}, domain.Errorf(domain.ReasonInvalid, "work update text is required")
	}
	return l.Store.CreateWorkUpdate(ctx, taskID, text)
}

func (l Ledger) AddDeliverable(ctx context.Context, taskID string, in store.DeliverableInput) (domain.Deliverable, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return domain.Deliverable{}, domain.Errorf(domain.ReasonInvalid, "deliverable title is required")
	}
	return l.Store.CreateDeliverable(ctx, taskID, in)
}

func (l Ledger) RemoveDeliverable(ctx context.Context, id string) error {
	return l.Store.DeleteDeliverable(ctx, id)
}

// InitializeChecklist creates the task's one checklist. Reviewers may pass
// custom items; the assignee may only apply the default template. An empty
// items slice means the default template.
func (l Ledger) InitializeChecklist(ctx context.Context, task domain.Task, actor domain.Actor, items []string) ([]domain.ChecklistItem, error) {
	custom := cleanItems(items)
	switch {
	case actor.Role.Reviewer():
	case task.IsAssignee(actor.ID):
		if len(custom) > 0 && !sameItems(custom, cleanItems(l.Templates)) {
			return nil, domain.Errorf(domain.ReasonForbidden, "assignee may only apply the default checklist")
		}
	default:
		return nil, domain.Errorf(domain.ReasonForbidden, "actor %s cannot initialize the checklist of task %s", actor.ID, task.ID)
	}
	if len(custom) == 0 {
		custom = cleanItems(l.Templates)
	}
	if len(custom) == 0 {
		return nil, domain.Errorf(domain.ReasonInvalid, "no checklist items and no default template configured")
	}
	existing, err := l.Store.ListChecklist(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, domain.Errorf(domain.ReasonAlreadyInitialized, "task %s already has %d checklist items", task.ID, len(existing))
	}
	return l.Store.CreateChecklist(ctx, task.ID, custom)
}

// InitializeDefaultChecklist applies the configured template.
func (l Ledger) InitializeDefaultChecklist(ctx context.Context, task domain.Task, actor domain.Actor) ([]domain.ChecklistItem, error) {
	return l.InitializeChecklist(ctx, task, actor, nil)
}

func (l Ledger) ToggleChecklistItem(ctx context.Context, itemID string, checked bool) (domain.ChecklistItem, error) {
	return l.Store.UpdateChecklistItem(ctx, itemID, checked)
}

// Evidence returns the task's evidence counts and the predicate over them.
func (l Ledger) Evidence(ctx context.Context, taskID string) (domain.Evidence, bool, error) {
	ev, err := l.Store.CountEvidence(ctx, taskID)
	if err != nil {
		return domain.Evidence{}, false, err
	}
	return ev, HasEvidence(ev), nil
}

// RecordReview writes an immutable review and then moves the task along the
// edge the decision triggers. The transition only requires the task to still
// be in review; edits that bumped its version meanwhile, such as a
// reassignment, do not block it. When the review is written but the
// transition fails, the returned error is an *InconsistencyError and the
// Result still carries the review.
func (l Ledger) RecordReview(ctx context.Context, task domain.Task, reviewer domain.Actor, decision domain.Decision, comment string) (Result, error) {
	if v := lifecycle.CanReviewTransition(task, decision, reviewer.Role); !v.Allowed {
		return Result{}, v.Err()
	}
	rv, err := l.Store.CreateReview(ctx, task.ID, decision, strings.TrimSpace(comment))
	if err != nil {
		return Result{}, err
	}
	res := Result{Review: rv}
	to, _, ok := lifecycle.ReviewTarget(decision)
	if !ok {
		return res, nil
	}
	updated, err := l.Store.UpdateTaskStatus(ctx, task.ID, store.StatusUpdate{Status: to, ExpectedStatus: domain.StatusReview})
	if err != nil {
		l.logger().Printf("review: task %s: review %s recorded, transition to %s failed: %v", task.ID, rv.ID, to, err)
		return res, &InconsistencyError{Review: rv, Err: err}
	}
	res.Task = &updated
	return res, nil
}

// ApplyDecision moves a task in review along the edge its latest decision in
// the current cycle triggers, without writing another review. It completes a
// RecordReview that ended in an *InconsistencyError.
func (l Ledger) ApplyDecision(ctx context.Context, task domain.Task) (domain.Task, error) {
	if task.Status != domain.StatusReview {
		return task, domain.Errorf(domain.ReasonIllegalTransition, "task %s is %s, not in review", task.ID, task.Status)
	}
	reviews, err := l.Store.ListReviews(ctx, task.ID)
	if err != nil {
		return task, err
	}
	rv, ok := LatestInCycle(reviews, task.ReviewCycle)
	if !ok {
		return task, domain.Errorf(domain.ReasonIllegalTransition, "task %s has no review in cycle %d", task.ID, task.ReviewCycle)
	}
	to, _, moves := lifecycle.ReviewTarget(rv.Decision)
	if !moves {
		return task, domain.Errorf(domain.ReasonIllegalTransition, "latest review of task %s is %s", task.ID, rv.Decision)
	}
	return l.Store.UpdateTaskStatus(ctx, task.ID, store.StatusUpdate{Status: to, ExpectedStatus: domain.StatusReview})
}

func cleanItems(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s := strings.TrimSpace(it); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func sameItems(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
