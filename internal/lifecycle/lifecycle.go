// Package lifecycle holds the task state machine. Every status change, whether
// requested by an actor or triggered by a review decision, is checked against
// the tables below; nothing else decides legality.
package lifecycle

import (
	"fmt"
	"sort"
	"time"

	"opsboard/internal/domain"
)

// Trigger is what caused a transition request.
type Trigger int

const (
	// TriggerRequest is a direct request by an actor (buttons, CLI, API).
	TriggerRequest Trigger = iota
	TriggerApproval
	TriggerRejection
)

func (t Trigger) String() string {
	switch t {
	case TriggerApproval:
		return "approval"
	case TriggerRejection:
		return "rejection"
	default:
		return "request"
	}
}

type Edge struct {
	From domain.Status
	To   domain.Status
}

func (e Edge) String() string { return fmt.Sprintf("%s -> %s", e.From, e.To) }

type actorRule int

const (
	assigneeOnly actorRule = iota
	reviewerOnly
)

type rule struct {
	actor    actorRule
	trigger  Trigger
	evidence bool
}

// formal is the review path. review -> in-progress is the only backward edge.
var formal = map[Edge]rule{
	{domain.StatusTodo, domain.StatusInProgress}:   {actor: assigneeOnly, trigger: TriggerRequest},
	{domain.StatusInProgress, domain.StatusReview}: {actor: assigneeOnly, trigger: TriggerRequest, evidence: true},
	{domain.StatusReview, domain.StatusCompleted}:  {actor: reviewerOnly, trigger: TriggerApproval},
	{domain.StatusReview, domain.StatusInProgress}: {actor: reviewerOnly, trigger: TriggerRejection},
}

// quick covers the forward edges among todo, in-progress and completed that
// skip the review gate.
var quick = map[Edge]rule{
	{domain.StatusTodo, domain.StatusInProgress}:      {actor: assigneeOnly, trigger: TriggerRequest},
	{domain.StatusTodo, domain.StatusCompleted}:       {actor: reviewerOnly, trigger: TriggerRequest},
	{domain.StatusInProgress, domain.StatusCompleted}: {actor: reviewerOnly, trigger: TriggerRequest},
}

// Gate carries facts about the task that the validator cannot compute itself.
type Gate struct {
	// HasEvidence is the Review Ledger's evidence predicate at request time.
	HasEvidence bool
	// ReviewInCycle is true when a review exists for the task's current review cycle.
	ReviewInCycle bool
}

// Verdict is the outcome of a transition check.
type Verdict struct {
	Allowed bool
	Reason  domain.Reason
	Message string
}

// Err returns nil for allowed verdicts and a *domain.Error otherwise.
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	return &domain.Error{Reason: v.Reason, Message: v.Message}
}

func allow() Verdict { return Verdict{Allowed: true} }

func deny(reason domain.Reason, format string, args ...any) Verdict {
	return Verdict{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// CanTransition checks a directly requested status change on the formal path.
func CanTransition(t domain.Task, from, to domain.Status, role domain.Role, isAssignee bool, g Gate) Verdict {
	return check(formal, t, from, to, role, isAssignee, TriggerRequest, g)
}

// CanQuickTransition checks the quick-status shortcut. It is only open while
// no review has been recorded in the task's current cycle.
func CanQuickTransition(t domain.Task, from, to domain.Status, role domain.Role, isAssignee bool, g Gate) Verdict {
	if g.ReviewInCycle {
		return deny(domain.ReasonIllegalTransition, "task %s has a review in cycle %d; use the review path", t.ID, t.ReviewCycle)
	}
	return check(quick, t, from, to, role, isAssignee, TriggerRequest, g)
}

// ReviewTarget maps a review decision to the status it moves the task to.
// Pending decisions move nothing.
func ReviewTarget(d domain.Decision) (domain.Status, Trigger, bool) {
	switch d {
	case domain.DecisionApproved:
		return domain.StatusCompleted, TriggerApproval, true
	case domain.DecisionRejected:
		return domain.StatusInProgress, TriggerRejection, true
	}
	return "", TriggerRequest, false
}

// CanReviewTransition checks the edge a review decision would trigger.
func CanReviewTransition(t domain.Task, d domain.Decision, role domain.Role) Verdict {
	if !d.Valid() {
		return deny(domain.ReasonInvalid, "unknown decision %q", d)
	}
	if !role.Reviewer() {
		return deny(domain.ReasonForbidden, "role %s cannot review tasks", role)
	}
	to, trigger, ok := ReviewTarget(d)
	if !ok {
		if t.Status != domain.StatusReview {
			return deny(domain.ReasonIllegalTransition, "task %s is %s, not in review", t.ID, t.Status)
		}
		return allow()
	}
	return check(formal, t, t.Status, to, role, false, trigger, Gate{})
}

func check(table map[Edge]rule, t domain.Task, from, to domain.Status, role domain.Role, isAssignee bool, trigger Trigger, g Gate) Verdict {
	if !from.Valid() || !to.Valid() {
		return deny(domain.ReasonIllegalTransition, "unknown status in %s -> %s", from, to)
	}
	if t.Status != from {
		return deny(domain.ReasonConflict, "task %s is %s, not %s", t.ID, t.Status, from)
	}
	e := Edge{From: from, To: to}
	r, ok := table[e]
	if !ok {
		return deny(domain.ReasonIllegalTransition, "illegal transition %s", e)
	}
	if r.trigger != trigger {
		switch r.trigger {
		case TriggerApproval:
			return deny(domain.ReasonIllegalTransition, "%s requires an approved review", e)
		case TriggerRejection:
			return deny(domain.ReasonIllegalTransition, "%s requires a rejected review", e)
		default:
			return deny(domain.ReasonIllegalTransition, "%s cannot be triggered by %s", e, trigger)
		}
	}
	switch r.actor {
	case assigneeOnly:
		if !isAssignee {
			return deny(domain.ReasonForbidden, "only the assignee may move %s", e)
		}
	case reviewerOnly:
		if !role.Reviewer() {
			return deny(domain.ReasonForbidden, "only admin or manager may move %s", e)
		}
	}
	if r.evidence && !g.HasEvidence {
		return deny(domain.ReasonInsufficientEvidence, "task %s has no work updates, deliverables or checklist items", t.ID)
	}
	return allow()
}

// Apply returns t moved to status to with the transition side effects applied.
// It does not validate; callers check a Verdict first.
func Apply(t domain.Task, to domain.Status, now time.Time) domain.Task {
	ts := now.UTC().Format(time.RFC3339)
	if to == domain.StatusReview && t.Status != domain.StatusReview {
		t.ReviewCycle++
	}
	t.Status = to
	t.UpdatedAt = ts
	if to == domain.StatusCompleted {
		t.CompletedAt = &ts
	} else {
		t.CompletedAt = nil
	}
	return t
}

// Edges lists the formal transition table.
func Edges() []Edge { return sortedEdges(formal) }

// QuickEdges lists the quick-status shortcut table.
func QuickEdges() []Edge { return sortedEdges(quick) }

// Available returns the statuses an actor could request right now, formal
// path first. Review-triggered edges are not requestable and never listed.
func Available(t domain.Task, role domain.Role, isAssignee bool, g Gate, withQuick bool) []domain.Status {
	seen := map[domain.Status]bool{}
	var out []domain.Status
	for _, to := range domain.Statuses {
		if CanTransition(t, t.Status, to, role, isAssignee, g).Allowed {
			seen[to] = true
			out = append(out, to)
		}
	}
	if withQuick {
		for _, to := range domain.Statuses {
			if !seen[to] && CanQuickTransition(t, t.Status, to, role, isAssignee, g).Allowed {
				out = append(out, to)
			}
		}
	}
	return out
}

func sortedEdges(table map[Edge]rule) []Edge {
	out := make([]Edge, 0, len(table))
	for e := range table {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return rank(out[i].From) < rank(out[j].From)
		}
		return rank(out[i].To) < rank(out[j].To)
	})
	return out
}

func rank(s domain.Status) int {
	for i, st := range domain.Statuses {
		if st == s {
			return i
		}
	}
	return len(domain.Statuses)
}
