package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"opsboard/internal/domain"
	"opsboard/internal/engine/auth"
	"opsboard/internal/events"
	"opsboard/internal/lifecycle"
	"opsboard/internal/review"
	"opsboard/internal/store"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID             string
	Title          string
	Description    string
	Priority       domain.Priority
	ProjectID      string
	AssigneeID     string
	DueDate        string
	EstimatedHours *float64
}

func (s *Session) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Task{}, domain.Errorf(domain.ReasonInvalid, "title is required")
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !opts.Priority.Valid() {
		return domain.Task{}, domain.Errorf(domain.ReasonInvalid, "unknown priority %q", opts.Priority)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.ts()
	t := domain.Task{
		ID:             id,
		Title:          title,
		Description:    opts.Description,
		Status:         domain.StatusTodo,
		Priority:       opts.Priority,
		AssigneeID:     optionalString(opts.AssigneeID),
		ProjectID:      optionalString(opts.ProjectID),
		DueDate:        optionalString(opts.DueDate),
		EstimatedHours: opts.EstimatedHours,
		CreatedBy:      s.ActorID,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := s.Auth.Require(ctx, tx, s.ActorID, auth.ActionCreateTask, nil); err != nil {
			return err
		}
		if opts.ProjectID != "" {
			if err := s.Repo.EnsureProject(ctx, tx, opts.ProjectID, now); err != nil {
				return err
			}
		}
		if opts.AssigneeID != "" {
			if err := s.checkAssignee(ctx, tx, t, opts.AssigneeID); err != nil {
				return err
			}
		}
		if err := s.Repo.InsertTask(ctx, tx, t); err != nil {
			return err
		}
		return s.writer().Append(ctx, tx, domain.TableTasks, domain.OpInsert, taskHint(t, t.ID), s.ActorID, events.Payload{"title": t.Title, "status": t.Status})
	})
	return t, err
}

func (s *Session) DeleteTask(ctx context.Context, id string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		t, err := s.Repo.GetTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := s.Auth.Require(ctx, tx, s.ActorID, auth.ActionDeleteTask, &t); err != nil {
			return err
		}
		if err := s.Repo.DeleteTask(ctx, tx, id); err != nil {
			return err
		}
		return s.writer().Append(ctx, tx, domain.TableTasks, domain.OpDelete, taskHint(t, t.ID), s.ActorID, nil)
	})
}

func (s *Session) ReadTask(ctx context.Context, id string) (domain.Task, error) {
	return s.Repo.GetTask(ctx, nil, id)
}

func (s *Session) ListTasks(ctx context.Context, f store.TaskFilter) ([]domain.Task, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, domain.Errorf(domain.ReasonInvalid, "unknown status %q", f.Status)
	}
	return s.Repo.ListTasks(ctx, f)
}

// UpdateTaskStatus validates the change against the transition table with
// facts read in the same transaction, so a stale client cannot move a task
// along an edge the store would not allow.
func (s *Session) UpdateTaskStatus(ctx context.Context, id string, u store.StatusUpdate) (domain.Task, error) {
	if u.Progress != nil && (*u.Progress < 0 || *u.Progress > 100) {
		return domain.Task{}, domain.Errorf(domain.ReasonInvalid, "progress must be between 0 and 100")
	}
	var out domain.Task
	err := s.tx(ctx, func(tx *sql.Tx) error {
		t, err := s.Repo.GetTask(ctx, tx, id)
		if err != nil {
			return err
		}
		actor, err := s.Auth.Require(ctx, tx, s.ActorID, auth.ActionSetStatus, &t)
		if err != nil {
			return err
		}
		if u.ExpectedVersion > 0 && u.ExpectedVersion != t.Version {
			return domain.Errorf(domain.ReasonConflict, "task %s is at version %d, not %d", id, t.Version, u.ExpectedVersion)
		}
		if u.ExpectedStatus != "" && u.ExpectedStatus != t.Status {
			return domain.Errorf(domain.ReasonConflict, "task %s is %s, not %s", id, t.Status, u.ExpectedStatus)
		}
		g, reviews, err := s.gate(ctx, tx, t)
		if err != nil {
			return err
		}
		if err := s.checkStatus(t, u, actor, g, reviews); err != nil {
			return err
		}
		next := lifecycle.Apply(t, u.Status, s.now())
		if u.Progress != nil {
			next.Progress = *u.Progress
		} else if u.Status == domain.StatusCompleted {
			next.Progress = 100
		}
		out, err = s.Repo.UpdateTask(ctx, tx, next, t.Version)
		if err != nil {
			return err
		}
		return s.writer().Append(ctx, tx, domain.TableTasks, domain.OpUpdate, taskHint(out, out.ID), s.ActorID, events.Payload{
			"from_status": t.Status,
			"to_status":   out.Status,
			"quick":       u.Quick,
			"version":     out.Version,
		})
	})
	return out, err
}

func (s *Session) checkStatus(t domain.Task, u store.StatusUpdate, actor domain.Actor, g lifecycle.Gate, reviews []domain.Review) error {
	isAssignee := t.IsAssignee(actor.ID)
	if t.Status == domain.StatusReview {
		// Leaving review needs a decision recorded in this cycle.
		rv, ok := review.LatestInCycle(reviews, t.ReviewCycle)
		if !ok || rv.Decision == domain.DecisionPending {
			return lifecycle.CanTransition(t, t.Status, u.Status, actor.Role, isAssignee, g).Err()
		}
		to, _, _ := lifecycle.ReviewTarget(rv.Decision)
		if to != u.Status {
			return domain.Errorf(domain.ReasonIllegalTransition, "latest review of task %s is %s; cannot move to %s", t.ID, rv.Decision, u.Status)
		}
		return lifecycle.CanReviewTransition(t, rv.Decision, actor.Role).Err()
	}
	if u.Quick && s.Config.Workflow.QuickStatus.Enabled {
		return lifecycle.CanQuickTransition(t, t.Status, u.Status, actor.Role, isAssignee, g).Err()
	}
	return lifecycle.CanTransition(t, t.Status, u.Status, actor.Role, isAssignee, g).Err()
}

func (s *Session) UpdateTaskAssignee(ctx context.Context, id string, actorID *string) (domain.Task, error) {
	var out domain.Task
	err := s.tx(ctx, func(tx *sql.Tx) error {
		t, err := s.Repo.GetTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := s.Auth.Require(ctx, tx, s.ActorID, auth.ActionAssign, &t); err != nil {
			return err
		}
		if actorID != nil {
			if err := s.checkAssignee(ctx, tx, t, *actorID); err != nil {
				return err
			}
		}
		prev := t.AssigneeID
		t.AssigneeID = actorID
		t.UpdatedAt = s.ts()
		out, err = s.Repo.UpdateTask(ctx, tx, t, t.Version)
		if err != nil {
			return err
		}
		return s.writer().Append(ctx, tx, domain.TableTasks, domain.OpUpdate, taskHint(out, out.ID), s.ActorID, events.Payload{
			"from_assignee": prev,
			"to_assignee":   actorID,
		})
	})
	return out, err
}

// checkAssignee applies the membership rule at the store: a project with
// members only accepts members; a project without members accepts anyone.
func (s *Session) checkAssignee(ctx context.Context, tx *sql.Tx, t domain.Task, actorID string) error {
	if _, err := s.Repo.GetActor(ctx, tx, actorID); err != nil {
		return err
	}
	if t.ProjectID == nil {
		return nil
	}
	ms, err := s.Repo.ListMembers(ctx, tx, *t.ProjectID)
	if err != nil || len(ms) == 0 {
		return err
	}
	for _, m := range ms {
		if m.ActorID == actorID {
			return nil
		}
	}
	return domain.Errorf(domain.ReasonNotAProjectMember, "actor %s is not a member of project %s", actorID, *t.ProjectID)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ store.Store = (*Session)(nil)
