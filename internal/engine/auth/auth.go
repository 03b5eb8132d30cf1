// Package auth decides which actions a role may take on which tasks.
package auth

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"opsboard/internal/domain"
	"opsboard/internal/repo"
)

type Action string

const (
	ActionCreateTask     Action = "task.create"
	ActionDeleteTask     Action = "task.delete"
	ActionSetStatus      Action = "task.status"
	ActionAssign         Action = "task.assign"
	ActionReview         Action = "task.review"
	ActionAddEvidence    Action = "task.evidence"
	ActionRemoveEvidence Action = "task.evidence.remove"
	ActionChecklist      Action = "task.checklist"
	ActionManageMembers  Action = "project.members"
	ActionManageActors   Action = "actors.manage"
	ActionManageKeys     Action = "apikeys.manage"
)

type grant int

const (
	denied grant = iota
	// own allows the action only on tasks assigned to the actor.
	own
	granted
)

var permissions = map[domain.Role]map[Action]grant{
	domain.RoleAdmin: {
		ActionCreateTask: granted, ActionDeleteTask: granted, ActionSetStatus: granted, ActionAssign: granted,
		ActionReview: granted, ActionAddEvidence: granted, ActionRemoveEvidence: granted, ActionChecklist: granted,
		ActionManageMembers: granted, ActionManageActors: granted, ActionManageKeys: granted,
	},
	domain.RoleManager: {
		ActionCreateTask: granted, ActionDeleteTask: granted, ActionSetStatus: granted, ActionAssign: granted,
		ActionReview: granted, ActionAddEvidence: granted, ActionRemoveEvidence: granted, ActionChecklist: granted,
		ActionManageMembers: granted,
	},
	domain.RoleEmployee: {
		ActionSetStatus: own, ActionAddEvidence: own, ActionRemoveEvidence: own, ActionChecklist: own,
	},
	domain.RoleClient: {},
}

// ForbiddenError indicates a role lacks an action.
type ForbiddenError struct {
	Action Action
	Role   domain.Role
	Own    bool
}

func (e ForbiddenError) Error() string {
	if e.Own {
		return fmt.Sprintf("%s may only %s on tasks assigned to them", e.Role, e.Action)
	}
	return fmt.Sprintf("permission %s required", e.Action)
}

func (e ForbiddenError) Unwrap() error { return domain.ErrForbidden }

// Service resolves actors and checks permissions inside the caller's transaction.
type Service struct {
	Repo repo.Repo
}

// Require loads the actor and checks action against task (nil for actions
// that are not about one task).
func (s Service) Require(ctx context.Context, tx *sql.Tx, actorID string, action Action, task *domain.Task) (domain.Actor, error) {
	a, err := s.Repo.GetActor(ctx, tx, actorID)
	if err != nil {
		if domain.ReasonOf(err) == domain.ReasonNotFound {
			return a, domain.Errorf(domain.ReasonForbidden, "unknown actor %s", actorID)
		}
		return a, err
	}
	return a, Check(a, action, task)
}

// Check is Require without the lookup.
func Check(a domain.Actor, action Action, task *domain.Task) error {
	switch permissions[a.Role][action] {
	case granted:
		return nil
	case own:
		if task != nil && task.IsAssignee(a.ID) {
			return nil
		}
		return ForbiddenError{Action: action, Role: a.Role, Own: true}
	}
	return ForbiddenError{Action: action, Role: a.Role}
}

// Permissions lists the actions a role holds, sorted.
func Permissions(r domain.Role) []string {
	var out []string
	for action, g := range permissions[r] {
		switch g {
		case granted:
			out = append(out, string(action))
		case own:
			out = append(out, string(action)+":own")
		}
	}
	sort.Strings(out)
	return out
}
