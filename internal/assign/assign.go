// Package assign restricts who a project task may be assigned to.
package assign

import (
	"context"
	"sync"

	"opsboard/internal/domain"
	"opsboard/internal/store"
)

// State is how much a viewer knows about a project's membership.
type State int

const (
	// Unknown means membership has not been loaded yet.
	Unknown State = iota
	// Empty means membership was loaded and the project has no members.
	Empty
	// Loaded means membership was loaded and lists at least one member.
	Loaded
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Loaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// Index caches project membership per viewer. The zero value is ready to use.
type Index struct {
	mu      sync.Mutex
	members map[string]map[string]bool
	order   map[string][]string
}

// Set records the membership of a project as loaded.
func (ix *Index) Set(projectID string, actorIDs []string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.members == nil {
		ix.members = map[string]map[string]bool{}
		ix.order = map[string][]string{}
	}
	set := make(map[string]bool, len(actorIDs))
	order := make([]string, 0, len(actorIDs))
	for _, id := range actorIDs {
		if !set[id] {
			set[id] = true
			order = append(order, id)
		}
	}
	ix.members[projectID] = set
	ix.order[projectID] = order
}

// Load fetches a project's members from the store and records them.
func (ix *Index) Load(ctx context.Context, s store.Store, projectID string) error {
	ids, err := s.ListProjectMembers(ctx, projectID)
	if err != nil {
		return err
	}
	ix.Set(projectID, ids)
	return nil
}

// Forget drops what is known about a project so the next use reloads it.
func (ix *Index) Forget(projectID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.members, projectID)
	delete(ix.order, projectID)
}

// Reset forgets every project.
func (ix *Index) Reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.members = nil
	ix.order = nil
}

func (ix *Index) State(projectID string) State {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	set, ok := ix.members[projectID]
	switch {
	case !ok:
		return Unknown
	case len(set) == 0:
		return Empty
	}
	return Loaded
}

// Members returns the loaded member ids in load order.
func (ix *Index) Members(projectID string) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return append([]string(nil), ix.order[projectID]...)
}

// IsMember reports membership. It is false for unloaded projects.
func (ix *Index) IsMember(projectID, actorID string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.members[projectID][actorID]
}

// EligibleAssignees returns the actors a task may be assigned to, in input
// order. Tasks without a project, and projects whose membership is unknown or
// empty, place no restriction.
func EligibleAssignees(task domain.Task, actors []domain.Actor, ix *Index) []domain.Actor {
	project := task.Project()
	if project == "" || ix == nil || ix.State(project) != Loaded {
		return append([]domain.Actor(nil), actors...)
	}
	out := make([]domain.Actor, 0, len(actors))
	for _, a := range actors {
		if ix.IsMember(project, a.ID) {
			out = append(out, a)
		}
	}
	return out
}

// Guard enforces membership on reassignment. A nil Index loads membership
// afresh on every check.
type Guard struct {
	Store store.Store
	Index *Index
}

func (g Guard) index() *Index {
	if g.Index != nil {
		return g.Index
	}
	return &Index{}
}

// Check validates a prospective assignee without writing anything. A nil
// actor id (unassign) is always allowed.
func (g Guard) Check(ctx context.Context, task domain.Task, actorID *string) error {
	project := task.Project()
	if actorID == nil || project == "" {
		return nil
	}
	ix := g.index()
	if ix.State(project) == Unknown {
		if err := ix.Load(ctx, g.Store, project); err != nil {
			return err
		}
	}
	if ix.State(project) == Loaded && !ix.IsMember(project, *actorID) {
		return domain.Errorf(domain.ReasonNotAProjectMember, "actor %s is not a member of project %s", *actorID, project)
	}
	return nil
}

// Reassign changes the task's assignee after Check passes. On rejection the
// store is never called.
func (g Guard) Reassign(ctx context.Context, task domain.Task, actorID *string) (domain.Task, error) {
	if err := g.Check(ctx, task, actorID); err != nil {
		return task, err
	}
	return g.Store.UpdateTaskAssignee(ctx, task.ID, actorID)
}
