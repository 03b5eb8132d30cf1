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
	"opsboard/internal/store"
)

// CreateReview appends an immutable review record. The status change it
// implies is a separate write made by the caller.
func (s *Session) CreateReview(ctx context.Context, taskID string, decision domain.Decision, comment string) (domain.Review, error) {
	var rv domain.Review
	err := s.tx(ctx, func(tx *sql.Tx) error {
		t, err := s.Repo.GetTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		actor, err := s.Auth.Require(ctx, tx, s.ActorID, auth.ActionReview, &t)
		if err != nil {
			return err
		}
		if err := lifecycle.CanReviewTransition(t, decision, actor.Role).Err(); err != nil {
			return err
		}
		rv = domain.Review{
			ID:         uuid.NewString(),
			TaskID:     t.ID,
			ReviewerID: actor.ID,
			Decision:   decision,
			Comment:    comment,
			Cycle:      t.ReviewCycle,
			CreatedAt:  s.ts(),
		}
		if err := s.Repo.InsertReview(ctx, tx, rv); err != nil {
			return err
		}
		return s.writer().Append(ctx, tx, domain.TableReviews, domain.OpInsert, taskHint(t, rv.ID), s.ActorID, events.Payload{"decision": decision, "cycle": rv.Cycle})
	})
	return rv, err
}

func (s *Session) ListReviews(ctx context.Context, taskID string) ([]domain.Review, error) {
	if _, err := s.Repo.GetTask(ctx, nil, taskID); err != nil {
		return nil, err
	}
	return s.Repo.ListReviews(ctx, nil, taskID)
}

func (s *Session) CreateWorkUpdate(ctx context.Context, taskID, text string) (domain.WorkUpdate, error) {
	if strings.TrimSpace(text) == "" {
		return domain.WorkUpdate{}, domain.Errorf(domain.ReasonInvalid, "work update text is required")
	}
	var wu domain.WorkUpdate
	err := s.tx(ctx, func(tx *sql.Tx) error {
		t, err := s.Repo.GetTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if _, err := s.Auth.Require(ctx, tx, s.ActorID, auth.ActionAddEvidence, &t); err != nil {
			return err
		}
		wu = domain.WorkUpdate{ID: uuid.NewString(), TaskID: t.ID, AuthorID: s.ActorID, Comment: text, CreatedAt: s.ts()}
		if err := s.Repo.InsertWorkUpdate(ctx, tx, wu); err != nil {
			return err
		}
		return s.writer().Append(ctx, tx, domain.TableWorkUpdates, domain.OpInsert, taskHint(t, wu.ID), s.ActorID, nil)
	})
	return wu, err
}

func (s *Session) ListWorkUpdates(ctx context.Context, taskID string) ([]domain.WorkUpdate, error) {
	return s.Repo.ListWorkUpdates(ctx, taskID)
}

func (s *Session) CreateDeliverable(ctx context.Context, taskID string, in store.DeliverableInput) (domain.Deliverable, error) {
	if strings.TrimSpace(in.Title) == "" {
		return domain.Deliverable{}, domain.Errorf(domain.ReasonInvalid, "deliverable title is required")
	}
	var d domain.Deliverable
	err := s.tx(ctx, func(tx *sql.Tx) error {
		t, err := s.Repo.GetTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if _, err := s.Auth.Require(ctx, tx, s.ActorID, auth.ActionAddEvidence, &t); err != nil {
			return err
		}
		d = domain.Deliverable{
			ID:          uuid.NewString(),
			TaskID:      t.ID,
			Title:       in.Title,
			Description: in.Description,
			FileRef:     in.FileRef,
			CreatedBy:   s.ActorID,
			CreatedAt:   s.ts(),
		}
		if err := s.Repo.InsertDeliverable(ctx, tx, d); err != nil {
			return err
		}
		return s.writer().Append(ctx, tx, domain.TableDeliverables, domain.OpInsert, taskHint(t, d.ID), s.ActorID, events.Payload{"title": d.Title})
	})
	return d, err
}

func (s *Session) DeleteDeliverable(ctx context.Context, id string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		d, err := s.Repo.GetDeliverable(ctx, tx, id)
		if err != nil {
			return err
		}
		t, err := s.Repo.GetTask(ctx, tx, d.TaskID)
		if err != nil {
			return err
		}
		if _, err := s.Auth.Require(ctx, tx, s.ActorID, auth.ActionRemoveEvidence, &t); err != nil {
			return err
		}
		if err := s.Repo.DeleteDeliverable(ctx, tx, id); err != nil {
			return err
		}
		return s.writer().Append(ctx, tx, domain.TableDeliverables, domain.OpDelete, taskHint(t, id), s.ActorID, nil)
	})
}

func (s *Session) ListDeliverables(ctx context.Context, taskID string) ([]domain.Deliverable, error) {
	return s.Repo.ListDeliverables(ctx, taskID)
}

// CreateChecklist writes a task's checklist once. Assignees may only use the
// configured default template.
func (s *Session) CreateChecklist(ctx context.Context, taskID string, items []string) ([]domain.ChecklistItem, error) {
	if len(items) == 0 {
		return nil, domain.Errorf(domain.ReasonInvalid, "checklist needs at least one item")
	}
	var out []domain.ChecklistItem
	err := s.tx(ctx, func(tx *sql.Tx) error {
		t, err := s.Repo.GetTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		actor, err := s.Auth.Require(ctx, tx, s.ActorID, auth.ActionChecklist, &t)
		if err != nil {
			return err
		}
		if !actor.Role.Reviewer() && !sameItems(items, s.Config.Checklist.DefaultTemplate) {
			return domain.Errorf(domain.ReasonForbidden, "only admin or manager may define custom checklist items")
		}
		existing, err := s.Repo.ListChecklist(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return domain.Errorf(domain.ReasonAlreadyInitialized, "task %s already has a checklist", taskID)
		}
		now := s.ts()
		for i, text := range items {
			if strings.TrimSpace(text) == "" {
				return domain.Errorf(domain.ReasonInvalid, "checklist item %d is empty", i+1)
			}
			it := domain.ChecklistItem{ID: uuid.NewString(), TaskID: t.ID, Text: text, Position: i, CreatedBy: s.ActorID, CreatedAt: now}
			if err := s.Repo.InsertChecklistItem(ctx, tx, it); err != nil {
				return err
			}
			out = append(out, it)
		}
		return s.writer().Append(ctx, tx, domain.TableChecklistItems, domain.OpInsert, taskHint(t, ""), s.ActorID, events.Payload{"items": len(out)})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
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

func (s *Session) ListChecklist(ctx context.Context, taskID string) ([]domain.ChecklistItem, error) {
	return s.Repo.ListChecklist(ctx, nil, taskID)
}

func (s *Session) UpdateChecklistItem(ctx context.Context, itemID string, checked bool) (domain.ChecklistItem, error) {
	var it domain.ChecklistItem
	err := s.tx(ctx, func(tx *sql.Tx) error {
		var err error
		it, err = s.Repo.GetChecklistItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		t, err := s.Repo.GetTask(ctx, tx, it.TaskID)
		if err != nil {
			return err
		}
		if _, err := s.Auth.Require(ctx, tx, s.ActorID, auth.ActionChecklist, &t); err != nil {
			return err
		}
		it.Checked = checked
		it.CheckedBy, it.CheckedAt = nil, nil
		if checked {
			by, at := s.ActorID, s.ts()
			it.CheckedBy, it.CheckedAt = &by, &at
		}
		if err := s.Repo.SetChecklistItem(ctx, tx, itemID, checked, it.CheckedBy, it.CheckedAt); err != nil {
			return err
		}
		return s.writer().Append(ctx, tx, domain.TableChecklistItems, domain.OpUpdate, taskHint(t, itemID), s.ActorID, events.Payload{"checked": checked})
	})
	return it, err
}

func (s *Session) CountEvidence(ctx context.Context, taskID string) (domain.Evidence, error) {
	return s.Repo.CountEvidence(ctx, nil, taskID)
}
