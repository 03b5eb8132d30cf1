package lifecycle_test

import (
	"errors"
	"testing"
	"time"

	"opsboard/internal/domain"
	"opsboard/internal/lifecycle"
)

func task(status domain.Status) domain.Task {
	assignee := "emp-1"
	return domain.Task{ID: "t1", Title: "Design homepage", Status: status, AssigneeID: &assignee}
}

func TestFormalTransitions(t *testing.T) {
	cases := []struct {
		name       string
		from, to   domain.Status
		role       domain.Role
		isAssignee bool
		gate       lifecycle.Gate
		reason     domain.Reason
	}{
		{"assignee starts", domain.StatusTodo, domain.StatusInProgress, domain.RoleEmployee, true, lifecycle.Gate{}, ""},
		{"non-assignee cannot start", domain.StatusTodo, domain.StatusInProgress, domain.RoleManager, false, lifecycle.Gate{}, domain.ReasonForbidden},
		{"submit with evidence", domain.StatusInProgress, domain.StatusReview, domain.RoleEmployee, true, lifecycle.Gate{HasEvidence: true}, ""},
		{"submit without evidence", domain.StatusInProgress, domain.StatusReview, domain.RoleEmployee, true, lifecycle.Gate{}, domain.ReasonInsufficientEvidence},
		{"non-assignee submit", domain.StatusInProgress, domain.StatusReview, domain.RoleAdmin, false, lifecycle.Gate{HasEvidence: true}, domain.ReasonForbidden},
		{"approve needs review record", domain.StatusReview, domain.StatusCompleted, domain.RoleManager, false, lifecycle.Gate{}, domain.ReasonIllegalTransition},
		{"reject needs review record", domain.StatusReview, domain.StatusInProgress, domain.RoleAdmin, false, lifecycle.Gate{}, domain.ReasonIllegalTransition},
		{"todo to completed", domain.StatusTodo, domain.StatusCompleted, domain.RoleAdmin, true, lifecycle.Gate{HasEvidence: true}, domain.ReasonIllegalTransition},
		{"completed is terminal", domain.StatusCompleted, domain.StatusInProgress, domain.RoleAdmin, true, lifecycle.Gate{}, domain.ReasonIllegalTransition},
		{"same status", domain.StatusTodo, domain.StatusTodo, domain.RoleEmployee, true, lifecycle.Gate{}, domain.ReasonIllegalTransition},
		{"unknown status", domain.StatusTodo, domain.Status("done"), domain.RoleEmployee, true, lifecycle.Gate{}, domain.ReasonIllegalTransition},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := lifecycle.CanTransition(task(tc.from), tc.from, tc.to, tc.role, tc.isAssignee, tc.gate)
			if tc.reason == "" {
				if !v.Allowed {
					t.Fatalf("expected allowed, got %s: %s", v.Reason, v.Message)
				}
				if v.Err() != nil {
					t.Fatalf("allowed verdict returned error")
				}
				return
			}
			if v.Allowed {
				t.Fatalf("expected denial %s", tc.reason)
			}
			if v.Reason != tc.reason {
				t.Fatalf("reason = %s, want %s (%s)", v.Reason, tc.reason, v.Message)
			}
			if domain.ReasonOf(v.Err()) != tc.reason {
				t.Fatalf("Err() reason mismatch")
			}
		})
	}
}

func TestStaleFromIsConflict(t *testing.T) {
	v := lifecycle.CanTransition(task(domain.StatusReview), domain.StatusInProgress, domain.StatusReview, domain.RoleEmployee, true, lifecycle.Gate{HasEvidence: true})
	if v.Allowed || v.Reason != domain.ReasonConflict {
		t.Fatalf("expected conflict, got %+v", v)
	}
}

// Only the edges in the formal table may ever be allowed by CanTransition or
// CanReviewTransition, whatever the actor.
func TestOnlyDeclaredEdgesAreReachable(t *testing.T) {
	declared := map[lifecycle.Edge]bool{}
	for _, e := range lifecycle.Edges() {
		declared[e] = true
	}
	roles := []domain.Role{domain.RoleAdmin, domain.RoleManager, domain.RoleEmployee, domain.RoleClient}
	gates := []lifecycle.Gate{{}, {HasEvidence: true}}
	for _, from := range domain.Statuses {
		for _, to := range domain.Statuses {
			for _, role := range roles {
				for _, assignee := range []bool{true, false} {
					for _, g := range gates {
						if lifecycle.CanTransition(task(from), from, to, role, assignee, g).Allowed && !declared[lifecycle.Edge{From: from, To: to}] {
							t.Fatalf("undeclared edge %s -> %s allowed", from, to)
						}
					}
				}
			}
		}
		for _, d := range []domain.Decision{domain.DecisionApproved, domain.DecisionRejected} {
			to, _, _ := lifecycle.ReviewTarget(d)
			if lifecycle.CanReviewTransition(task(from), d, domain.RoleAdmin).Allowed && !declared[lifecycle.Edge{From: from, To: to}] {
				t.Fatalf("review %s allowed undeclared edge from %s", d, from)
			}
		}
	}
}

func TestReviewTransitions(t *testing.T) {
	inReview := task(domain.StatusReview)
	if v := lifecycle.CanReviewTransition(inReview, domain.DecisionApproved, domain.RoleManager); !v.Allowed {
		t.Fatalf("manager approve: %s", v.Message)
	}
	if v := lifecycle.CanReviewTransition(inReview, domain.DecisionRejected, domain.RoleAdmin); !v.Allowed {
		t.Fatalf("admin reject: %s", v.Message)
	}
	if v := lifecycle.CanReviewTransition(inReview, domain.DecisionApproved, domain.RoleEmployee); v.Reason != domain.ReasonForbidden {
		t.Fatalf("employee approve should be forbidden, got %+v", v)
	}
	if v := lifecycle.CanReviewTransition(task(domain.StatusInProgress), domain.DecisionApproved, domain.RoleAdmin); v.Reason != domain.ReasonIllegalTransition {
		t.Fatalf("approve outside review should be illegal, got %+v", v)
	}
	if v := lifecycle.CanReviewTransition(inReview, domain.DecisionPending, domain.RoleAdmin); !v.Allowed {
		t.Fatalf("pending review in review should be allowed")
	}
	if v := lifecycle.CanReviewTransition(inReview, domain.Decision("maybe"), domain.RoleAdmin); v.Reason != domain.ReasonInvalid {
		t.Fatalf("unknown decision should be invalid, got %+v", v)
	}
}

func TestQuickTransitions(t *testing.T) {
	open := lifecycle.Gate{}
	if v := lifecycle.CanQuickTransition(task(domain.StatusInProgress), domain.StatusInProgress, domain.StatusCompleted, domain.RoleManager, false, open); !v.Allowed {
		t.Fatalf("manager quick complete: %s", v.Message)
	}
	if v := lifecycle.CanQuickTransition(task(domain.StatusTodo), domain.StatusTodo, domain.StatusCompleted, domain.RoleAdmin, false, open); !v.Allowed {
		t.Fatalf("admin quick complete from todo: %s", v.Message)
	}
	if v := lifecycle.CanQuickTransition(task(domain.StatusInProgress), domain.StatusInProgress, domain.StatusCompleted, domain.RoleEmployee, true, open); v.Reason != domain.ReasonForbidden {
		t.Fatalf("employee quick complete should be forbidden, got %+v", v)
	}
	if v := lifecycle.CanQuickTransition(task(domain.StatusInProgress), domain.StatusInProgress, domain.StatusCompleted, domain.RoleManager, false, lifecycle.Gate{ReviewInCycle: true}); v.Reason != domain.ReasonIllegalTransition {
		t.Fatalf("quick path must close once a review exists, got %+v", v)
	}
	if v := lifecycle.CanQuickTransition(task(domain.StatusReview), domain.StatusReview, domain.StatusCompleted, domain.RoleManager, false, open); v.Allowed {
		t.Fatalf("quick path must not leave review")
	}
	if v := lifecycle.CanQuickTransition(task(domain.StatusCompleted), domain.StatusCompleted, domain.StatusTodo, domain.RoleAdmin, false, open); v.Allowed {
		t.Fatalf("quick path is forward only")
	}
}

func TestApplySideEffects(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tk := task(domain.StatusInProgress)
	tk.UpdatedAt = "2024-01-01T00:00:00Z"

	inReview := lifecycle.Apply(tk, domain.StatusReview, now)
	if inReview.Status != domain.StatusReview || inReview.ReviewCycle != 1 {
		t.Fatalf("unexpected review apply: %+v", inReview)
	}
	if inReview.UpdatedAt != "2024-05-01T12:00:00Z" {
		t.Fatalf("updated_at not set: %s", inReview.UpdatedAt)
	}
	if inReview.CompletedAt != nil {
		t.Fatalf("completed_at set too early")
	}
	done := lifecycle.Apply(inReview, domain.StatusCompleted, now)
	if done.CompletedAt == nil || *done.CompletedAt != "2024-05-01T12:00:00Z" {
		t.Fatalf("completed_at missing: %+v", done)
	}
	if done.ReviewCycle != 1 {
		t.Fatalf("review cycle changed on completion")
	}
	if tk.Status != domain.StatusInProgress {
		t.Fatalf("Apply mutated its input")
	}
}

func TestAvailable(t *testing.T) {
	tk := task(domain.StatusInProgress)
	got := lifecycle.Available(tk, domain.RoleEmployee, true, lifecycle.Gate{HasEvidence: true}, true)
	if len(got) != 1 || got[0] != domain.StatusReview {
		t.Fatalf("assignee options = %v", got)
	}
	got = lifecycle.Available(tk, domain.RoleManager, false, lifecycle.Gate{}, true)
	if len(got) != 1 || got[0] != domain.StatusCompleted {
		t.Fatalf("manager quick options = %v", got)
	}
	if got := lifecycle.Available(tk, domain.RoleManager, false, lifecycle.Gate{}, false); len(got) != 0 {
		t.Fatalf("manager formal options = %v", got)
	}
}

func TestVerdictErrMatchesSentinel(t *testing.T) {
	v := lifecycle.CanTransition(task(domain.StatusTodo), domain.StatusTodo, domain.StatusCompleted, domain.RoleAdmin, true, lifecycle.Gate{})
	if !errors.Is(v.Err(), domain.ErrIllegalTransition) {
		t.Fatalf("expected errors.Is illegal-transition, got %v", v.Err())
	}
}
