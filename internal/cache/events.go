package cache

import "opsboard/internal/domain"

// scopeBy says which hint field narrows a query family.
type scopeBy int

const (
	scopeAll scopeBy = iota
	scopeTask
	scopeProject
)

type target struct {
	kind Kind
	by   scopeBy
}

// affected declares, per table, every query family a change to that table can
// alter. It is the only place that knows how events relate to queries; a
// table missing here invalidates everything.
var affected = map[domain.Table][]target{
	domain.TableTasks: {
		{KindTask, scopeTask},
		{KindTasks, scopeAll},
		{KindProjectTasks, scopeProject},
		// The hint does not say who the assignee was before the change.
		{KindAssigneeTasks, scopeAll},
	},
	domain.TableReviews:        {{KindReviews, scopeTask}},
	domain.TableWorkUpdates:    {{KindWorkUpdates, scopeTask}, {KindEvidence, scopeTask}},
	domain.TableDeliverables:   {{KindDeliverables, scopeTask}, {KindEvidence, scopeTask}},
	domain.TableChecklistItems: {{KindChecklist, scopeTask}, {KindEvidence, scopeTask}},
	domain.TableMembers:        {{KindMembers, scopeProject}},
	domain.TableActors:         {{KindActors, scopeAll}, {KindMembers, scopeAll}},
}

// scopeFor resolves a target against a hint. An unknown hint widens to every
// scope of the kind.
func (t target) scopeFor(h domain.Hint) string {
	switch t.by {
	case scopeTask:
		return h.TaskID
	case scopeProject:
		return h.ProjectID
	}
	return ""
}

// OnChangeEvent marks every query the event may have affected stale in one
// pass and returns them. Deleting a task purges its entry as well.
func (s *Synchronizer) OnChangeEvent(ev domain.ChangeEvent) []Key {
	targets, ok := affected[ev.Table]
	if !ok {
		return s.InvalidateAll()
	}
	taskDeleted := ev.Table == domain.TableTasks && ev.Operation == domain.OpDelete

	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if taskDeleted && ev.Hint.TaskID != "" {
		s.entries.Remove(Task(ev.Hint.TaskID))
	}
	var changed []Key
	for _, k := range s.entries.Keys() {
		if !matches(k, targets, ev.Hint) && !(taskDeleted && childOf(k, ev.Hint.TaskID)) {
			continue
		}
		if s.invalidateLocked(k) {
			changed = append(changed, k)
		}
	}
	return changed
}

func matches(k Key, targets []target, h domain.Hint) bool {
	for _, t := range targets {
		if k.Kind != t.kind {
			continue
		}
		if scope := t.scopeFor(h); scope == "" || scope == k.Scope {
			return true
		}
	}
	return false
}

func childOf(k Key, taskID string) bool {
	for _, kind := range taskChildren {
		if k.Kind == kind && (taskID == "" || k.Scope == taskID) {
			return true
		}
	}
	return false
}
