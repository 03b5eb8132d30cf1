package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"opsboard/internal/domain"
	"opsboard/internal/engine"
	"opsboard/internal/engine/auth"
	"opsboard/internal/notify"
	"opsboard/internal/repo"
	"opsboard/internal/store"
)

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
}

type taskPath struct {
	TaskID string `path:"task_id"`
}

func registerActors(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current actor",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*out[MeResponse], error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		a, err := s.Me(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(MeResponse{Actor: a, Permissions: nonNilSlice(auth.Permissions(a.Role))}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-actors",
		Method:      http.MethodGet,
		Path:        "/actors",
		Summary:     "List actors",
	}, func(ctx context.Context, _ *struct{}) (*out[listActors], error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		items, err := s.ListActors(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listActors{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-actor",
		Method:        http.MethodPost,
		Path:          "/actors",
		Summary:       "Create or update an actor",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateActorRequest `json:"body"`
	}) (*out[domain.Actor], error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		a, err := s.AddActor(ctx, input.Body.ID, input.Body.Name, input.Body.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})
}

func registerMembers(api huma.API, e engine.Engine) {
	type projectPath struct {
		ProjectID string `path:"project_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/members",
		Summary:     "List project members",
	}, func(ctx context.Context, input *projectPath) (*out[listMembers], error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		items, err := s.Members(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listMembers{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-member",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/members",
		Summary:       "Add a project member",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      AddMemberRequest `json:"body"`
	}) (*out[domain.Membership], error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		m, err := s.AddMember(ctx, input.ProjectID, input.Body.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-member",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}/members/{actor_id}",
		Summary:       "Remove a project member",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ActorID   string `path:"actor_id"`
	}) (*struct{}, error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		if err := s.RemoveMember(ctx, input.ProjectID, input.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Task counts by status",
	}, func(ctx context.Context, input *projectPath) (*out[StatusResponse], error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		counts, err := e.Repo.CountTasksByStatus(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(StatusResponse{ProjectID: input.ProjectID, TaskCounts: counts}), nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*out[domain.Task], error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		opts := engine.TaskCreateOptions{
			ID:             stringOrEmpty(input.Body.ID),
			Title:          input.Body.Title,
			Description:    stringOrEmpty(input.Body.Description),
			ProjectID:      stringOrEmpty(input.Body.ProjectID),
			AssigneeID:     stringOrEmpty(input.Body.AssigneeID),
			DueDate:        stringOrEmpty(input.Body.DueDate),
			EstimatedHours: input.Body.EstimatedHours,
		}
		if input.Body.Priority != nil {
			opts.Priority = *input.Body.Priority
		}
		t, err := s.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string        `query:"project_id"`
		AssigneeID string        `query:"assignee_id"`
		Status     domain.Status `query:"status" enum:"todo,in-progress,review,completed"`
		Unscoped   bool          `query:"unscoped"`
		Limit      int           `query:"limit"`
	}) (*out[listTasks], error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		items, err := s.ListTasks(ctx, store.TaskFilter{
			ProjectID:  input.ProjectID,
			AssigneeID: input.AssigneeID,
			Status:     input.Status,
			Unscoped:   input.Unscoped,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listTasks{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*out[domain.Task], error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		t, err := s.ReadTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{task_id}",
		Summary:       "Delete task",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *taskPath) (*struct{}, error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		if err := s.DeleteTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-status",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/status",
		Summary:     "Change task status",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   UpdateStatusRequest `json:"body"`
	}) (*out[domain.Task], error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		t, err := s.UpdateTaskStatus(ctx, input.TaskID, store.StatusUpdate{
			Status:          input.Body.Status,
			ExpectedVersion: input.Body.ExpectedVersion,
			ExpectedStatus:  input.Body.ExpectedStatus,
			Progress:        input.Body.Progress,
			Quick:           input.Body.Quick,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-assignee",
		Method:      http.MethodPut,
		Path:        "/tasks/{task_id}/assignee",
		Summary:     "Assign or unassign a task",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string                `path:"task_id"`
		Body   UpdateAssigneeRequest `json:"body"`
	}) (*out[domain.Task], error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		t, err := s.UpdateTaskAssignee(ctx, input.TaskID, input.Body.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(t), nil
	})
}

func registerLedger(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-review",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/reviews",
		Summary:       "Record a review decision",
		Description:   "Writes the review record only. The status change a decision implies is a separate call to the status endpoint.",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   CreateReviewRequest `json:"body"`
	}) (*out[domain.Review], error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		rv, err := s.CreateReview(ctx, input.TaskID, input.Body.Decision, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rv), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reviews",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/reviews",
		Summary:     "List reviews, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*out[listReviews], error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		items, err := s.ListReviews(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listReviews{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-work-update",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/work-updates",
		Summary:       "Add a work update",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string                  `path:"task_id"`
		Body   CreateWorkUpdateRequest `json:"body"`
	}) (*out[domain.WorkUpdate], error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		wu, err := s.CreateWorkUpdate(ctx, input.TaskID, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(wu), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-updates",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/work-updates",
		Summary:     "List work updates, newest first",
	}, func(ctx context.Context, input *taskPath) (*out[listWorkUpdates], error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		items, err := s.ListWorkUpdates(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listWorkUpdates{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-deliverable",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/deliverables",
		Summary:       "Attach a deliverable",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string                   `path:"task_id"`
		Body   CreateDeliverableRequest `json:"body"`
	}) (*out[domain.Deliverable], error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		d, err := s.CreateDeliverable(ctx, input.TaskID, store.DeliverableInput{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			FileRef:     input.Body.FileRef,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deliverables",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/deliverables",
		Summary:     "List deliverables",
	}, func(ctx context.Context, input *taskPath) (*out[listDeliverables], error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		items, err := s.ListDeliverables(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listDeliverables{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-deliverable",
		Method:        http.MethodDelete,
		Path:          "/deliverables/{deliverable_id}",
		Summary:       "Remove a deliverable",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		DeliverableID string `path:"deliverable_id"`
	}) (*struct{}, error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		if err := s.DeleteDeliverable(ctx, input.DeliverableID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-checklist",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/checklist",
		Summary:       "Initialize the task checklist",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string                 `path:"task_id"`
		Body   CreateChecklistRequest `json:"body"`
	}) (*out[listChecklist], error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		items, err := s.CreateChecklist(ctx, input.TaskID, input.Body.Items)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listChecklist{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-checklist",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/checklist",
		Summary:     "List checklist items",
	}, func(ctx context.Context, input *taskPath) (*out[listChecklist], error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		items, err := s.ListChecklist(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(listChecklist{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-checklist-item",
		Method:      http.MethodPatch,
		Path:        "/checklist/{item_id}",
		Summary:     "Check or uncheck a checklist item",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ItemID string                 `path:"item_id"`
		Body   ToggleChecklistRequest `json:"body"`
	}) (*out[domain.ChecklistItem], error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		it, err := s.UpdateChecklistItem(ctx, input.ItemID, input.Body.Checked)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(it), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-evidence",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/evidence",
		Summary:     "Evidence counts",
	}, func(ctx context.Context, input *taskPath) (*out[domain.Evidence], error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		ev, err := s.CountEvidence(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ev), nil
	})
}

func registerEvents(api huma.API, e engine.Engine, hub *notify.Hub) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent change events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		TaskID    string `query:"task_id"`
		Table     string `query:"table"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*out[paginatedEvents], error) {
		if _, err := actorIDFromContext(ctx); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursorID, repo.EventFilter{
			ProjectID: input.ProjectID,
			TaskID:    input.TaskID,
			Table:     domain.Table(input.Table),
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.ChangeEvent{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return reply(resp), nil
	})

	if hub == nil {
		return
	}
	sse.Register(api, huma.Operation{
		OperationID: "stream-events",
		Method:      http.MethodGet,
		Path:        "/events/stream",
		Summary:     "Stream change events",
	}, map[string]any{
		"change": domain.ChangeEvent{},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		TaskID    string `query:"task_id"`
	}, send sse.Sender) {
		sub := hub.Subscribe(notify.Filter{ProjectID: input.ProjectID, TaskID: input.TaskID})
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				if err := send(sse.Message{ID: int(ev.ID), Data: ev}); err != nil {
					return
				}
			}
		}
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue an API key",
		Description:   "The raw key is returned once and never stored.",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*out[APIKeyResponse], error) {
		s, err := session(ctx, e)
		if err != nil {
			return nil, err
		}
		actorID := input.Body.ActorID
		if actorID == "" {
			actorID = s.ActorID
		}
		key, raw, err := s.CreateAPIKey(ctx, actorID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(APIKeyResponse{ID: key.ID, ActorID: key.ActorID, Name: key.Name, Key: raw}), nil
	})
}
