// Package store declares the Task Record Store boundary the workflow core consumes.
// Implementations bind the acting actor at construction time.
package store

import (
	"context"

	"opsboard/internal/domain"
)

type TaskFilter struct {
	ProjectID  string
	AssigneeID string
	Status     domain.Status
	// Unscoped selects tasks without a project when true.
	Unscoped bool
	Limit    int
}

// StatusUpdate is the payload of a status write. ExpectedVersion > 0 and a
// non-empty ExpectedStatus each make the write conditional; a mismatch fails
// with reason conflict.
type StatusUpdate struct {
	Status          domain.Status
	ExpectedVersion int
	ExpectedStatus  domain.Status
	Progress        *int
	Quick           bool
}

type DeliverableInput struct {
	Title       string
	Description string
	FileRef     string
}

type Store interface {
	Me(ctx context.Context) (domain.Actor, error)
	ListActors(ctx context.Context) ([]domain.Actor, error)

	ReadTask(ctx context.Context, id string) (domain.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, u StatusUpdate) (domain.Task, error)
	UpdateTaskAssignee(ctx context.Context, id string, actorID *string) (domain.Task, error)

	CreateReview(ctx context.Context, taskID string, decision domain.Decision, comment string) (domain.Review, error)
	ListReviews(ctx context.Context, taskID string) ([]domain.Review, error)

	CreateWorkUpdate(ctx context.Context, taskID, text string) (domain.WorkUpdate, error)
	ListWorkUpdates(ctx context.Context, taskID string) ([]domain.WorkUpdate, error)

	CreateDeliverable(ctx context.Context, taskID string, in DeliverableInput) (domain.Deliverable, error)
	DeleteDeliverable(ctx context.Context, id string) error
	ListDeliverables(ctx context.Context, taskID string) ([]domain.Deliverable, error)

	CreateChecklist(ctx context.Context, taskID string, items []string) ([]domain.ChecklistItem, error)
	ListChecklist(ctx context.Context, taskID string) ([]domain.ChecklistItem, error)
	UpdateChecklistItem(ctx context.Context, itemID string, checked bool) (domain.ChecklistItem, error)

	CountEvidence(ctx context.Context, taskID string) (domain.Evidence, error)
	ListProjectMembers(ctx context.Context, projectID string) ([]string, error)
}
