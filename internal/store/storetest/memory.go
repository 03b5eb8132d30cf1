// Package storetest provides an in-memory store.Store for package tests that
// do not need SQLite.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"opsboard/internal/domain"
	"opsboard/internal/lifecycle"
	"opsboard/internal/store"
)

// Memory holds shared state. Bind an actor with As to get a store.Store.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	seq     int
	eventID int64
	actors  map[string]domain.Actor
	tasks   map[string]domain.Task
	reviews []domain.Review
	updates []domain.WorkUpdate
	delivs  []domain.Deliverable
	items   []domain.ChecklistItem
	members map[string][]string
	onEvent []func(domain.ChangeEvent)
	calls   map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		now:     func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
		actors:  map[string]domain.Actor{},
		tasks:   map[string]domain.Task{},
		members: map[string][]string{},
		calls:   map[string]int{},
	}
}

// OnEvent registers fn to receive every change event, synchronously.
func (m *Memory) OnEvent(fn func(domain.ChangeEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = append(m.onEvent, fn)
}

func (m *Memory) AddActor(id string, role domain.Role) domain.Actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := domain.Actor{ID: id, Name: id, Role: role, CreatedAt: m.ts()}
	m.actors[id] = a
	return a
}

func (m *Memory) AddMember(projectID, actorID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[projectID] = append(m.members[projectID], actorID)
}

// PutTask stores t as-is, defaulting Version to 1.
func (m *Memory) PutTask(t domain.Task) domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Version == 0 {
		t.Version = 1
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityMedium
	}
	if t.Status == "" {
		t.Status = domain.StatusTodo
	}
	m.tasks[t.ID] = t
	return t
}

// Task reads state without going through a bound store or counting calls.
func (m *Memory) Task(id string) domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id]
}

func (m *Memory) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func (m *Memory) As(actorID string) store.Store {
	return &bound{m: m, actor: actorID}
}

func (m *Memory) ts() string { return m.now().UTC().Format(time.RFC3339) }

func (m *Memory) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

// emit must be called without m.mu held.
func (m *Memory) emit(table domain.Table, op domain.Operation, hint domain.Hint, by string) {
	m.mu.Lock()
	m.eventID++
	ev := domain.ChangeEvent{ID: m.eventID, Table: table, Operation: op, Hint: hint, By: by, TS: m.ts()}
	subs := append([]func(domain.ChangeEvent){}, m.onEvent...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

type bound struct {
	m     *Memory
	actor string
}

func (b *bound) call(name string) {
	b.m.calls[name]++
}

func notFound(kind, id string) error {
	return domain.Errorf(domain.ReasonNotFound, "%s %s not found", kind, id)
}

func (b *bound) Me(ctx context.Context) (domain.Actor, error) {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	b.call("Me")
	a, ok := b.m.actors[b.actor]
	if !ok {
		return domain.Actor{}, notFound("actor", b.actor)
	}
	return a, nil
}

func (b *bound) ListActors(ctx context.Context) ([]domain.Actor, error) {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	b.call("ListActors")
	out := make([]domain.Actor, 0, len(b.m.actors))
	for _, a := range b.m.actors {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *bound) ReadTask(ctx context.Context, id string) (domain.Task, error) {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	b.call("ReadTask")
	t, ok := b.m.tasks[id]
	if !ok {
		return domain.Task{}, notFound("task", id)
	}
	return t, nil
}

func (b *bound) ListTasks(ctx context.Context, f store.TaskFilter) ([]domain.Task, error) {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	b.call("ListTasks")
	var out []domain.Task
	for _, t := range b.m.tasks {
		if f.ProjectID != "" && t.Project() != f.ProjectID {
			continue
		}
		if f.Unscoped && t.ProjectID != nil {
			continue
		}
		if f.AssigneeID != "" && !t.IsAssignee(f.AssigneeID) {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (b *bound) UpdateTaskStatus(ctx context.Context, id string, u store.StatusUpdate) (domain.Task, error) {
	b.m.mu.Lock()
	b.call("UpdateTaskStatus")
	t, ok := b.m.tasks[id]
	if !ok {
		b.m.mu.Unlock()
		return domain.Task{}, notFound("task", id)
	}
	if u.ExpectedVersion > 0 && u.ExpectedVersion != t.Version {
		b.m.mu.Unlock()
		return domain.Task{}, domain.Errorf(domain.ReasonConflict, "task %s is at version %d, not %d", id, t.Version, u.ExpectedVersion)
	}
	if u.ExpectedStatus != "" && u.ExpectedStatus != t.Status {
		b.m.mu.Unlock()
		return domain.Task{}, domain.Errorf(domain.ReasonConflict, "task %s is %s, not %s", id, t.Status, u.ExpectedStatus)
	}
	t = lifecycle.Apply(t, u.Status, b.m.now())
	if u.Progress != nil {
		t.Progress = *u.Progress
	}
	t.Version++
	b.m.tasks[id] = t
	b.m.mu.Unlock()
	b.m.emit(domain.TableTasks, domain.OpUpdate, domain.Hint{ProjectID: t.Project(), TaskID: id, EntityID: id}, b.actor)
	return t, nil
}

func (b *bound) UpdateTaskAssignee(ctx context.Context, id string, actorID *string) (domain.Task, error) {
	b.m.mu.Lock()
	b.call("UpdateTaskAssignee")
	t, ok := b.m.tasks[id]
	if !ok {
		b.m.mu.Unlock()
		return domain.Task{}, notFound("task", id)
	}
	t.AssigneeID = actorID
	t.UpdatedAt = b.m.ts()
	t.Version++
	b.m.tasks[id] = t
	b.m.mu.Unlock()
	b.m.emit(domain.TableTasks, domain.OpUpdate, domain.Hint{ProjectID: t.Project(), TaskID: id, EntityID: id}, b.actor)
	return t, nil
}

func (b *bound) CreateReview(ctx context.Context, taskID string, decision domain.Decision, comment string) (domain.Review, error) {
	b.m.mu.Lock()
	b.call("CreateReview")
	t, ok := b.m.tasks[taskID]
	if !ok {
		b.m.mu.Unlock()
		return domain.Review{}, notFound("task", taskID)
	}
	rv := domain.Review{ID: b.m.nextID("rev"), TaskID: taskID, ReviewerID: b.actor, Decision: decision, Comment: comment, Cycle: t.ReviewCycle, CreatedAt: b.m.ts()}
	b.m.reviews = append(b.m.reviews, rv)
	b.m.mu.Unlock()
	b.m.emit(domain.TableReviews, domain.OpInsert, domain.Hint{ProjectID: t.Project(), TaskID: taskID, EntityID: rv.ID}, b.actor)
	return rv, nil
}

func (b *bound) ListReviews(ctx context.Context, taskID string) ([]domain.Review, error) {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	b.call("ListReviews")
	var out []domain.Review
	for i := len(b.m.reviews) - 1; i >= 0; i-- {
		if b.m.reviews[i].TaskID == taskID {
			out = append(out, b.m.reviews[i])
		}
	}
	return out, nil
}

func (b *bound) CreateWorkUpdate(ctx context.Context, taskID, text string) (domain.WorkUpdate, error) {
	b.m.mu.Lock()
	b.call("CreateWorkUpdate")
	t, ok := b.m.tasks[taskID]
	if !ok {
		b.m.mu.Unlock()
		return domain.WorkUpdate{}, notFound("task", taskID)
	}
	wu := domain.WorkUpdate{ID: b.m.nextID("wu"), TaskID: taskID, AuthorID: b.actor, Comment: text, CreatedAt: b.m.ts()}
	b.m.updates = append(b.m.updates, wu)
	b.m.mu.Unlock()
	b.m.emit(domain.TableWorkUpdates, domain.OpInsert, domain.Hint{ProjectID: t.Project(), TaskID: taskID, EntityID: wu.ID}, b.actor)
	return wu, nil
}

func (b *bound) ListWorkUpdates(ctx context.Context, taskID string) ([]domain.WorkUpdate, error) {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	b.call("ListWorkUpdates")
	var out []domain.WorkUpdate
	for i := len(b.m.updates) - 1; i >= 0; i-- {
		if b.m.updates[i].TaskID == taskID {
			out = append(out, b.m.updates[i])
		}
	}
	return out, nil
}

func (b *bound) CreateDeliverable(ctx context.Context, taskID string, in store.DeliverableInput) (domain.Deliverable, error) {
	b.m.mu.Lock()
	b.call("CreateDeliverable")
	t, ok := b.m.tasks[taskID]
	if !ok {
		b.m.mu.Unlock()
		return domain.Deliverable{}, notFound("task", taskID)
	}
	d := domain.Deliverable{ID: b.m.nextID("del"), TaskID: taskID, Title: in.Title, Description: in.Description, FileRef: in.FileRef, CreatedBy: b.actor, CreatedAt: b.m.ts()}
	b.m.delivs = append(b.m.delivs, d)
	b.m.mu.Unlock()
	b.m.emit(domain.TableDeliverables, domain.OpInsert, domain.Hint{ProjectID: t.Project(), TaskID: taskID, EntityID: d.ID}, b.actor)
	return d, nil
}

func (b *bound) DeleteDeliverable(ctx context.Context, id string) error {
	b.m.mu.Lock()
	b.call("DeleteDeliverable")
	for i, d := range b.m.delivs {
		if d.ID == id {
			b.m.delivs = append(b.m.delivs[:i], b.m.delivs[i+1:]...)
			project := b.m.tasks[d.TaskID].Project()
			b.m.mu.Unlock()
			b.m.emit(domain.TableDeliverables, domain.OpDelete, domain.Hint{ProjectID: project, TaskID: d.TaskID, EntityID: id}, b.actor)
			return nil
		}
	}
	b.m.mu.Unlock()
	return notFound("deliverable", id)
}

func (b *bound) ListDeliverables(ctx context.Context, taskID string) ([]domain.Deliverable, error) {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	b.call("ListDeliverables")
	var out []domain.Deliverable
	for _, d := range b.m.delivs {
		if d.TaskID == taskID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (b *bound) CreateChecklist(ctx context.Context, taskID string, texts []string) ([]domain.ChecklistItem, error) {
	b.m.mu.Lock()
	b.call("CreateChecklist")
	t, ok := b.m.tasks[taskID]
	if !ok {
		b.m.mu.Unlock()
		return nil, notFound("task", taskID)
	}
	for _, it := range b.m.items {
		if it.TaskID == taskID {
			b.m.mu.Unlock()
			return nil, domain.Errorf(domain.ReasonAlreadyInitialized, "task %s already has a checklist", taskID)
		}
	}
	out := make([]domain.ChecklistItem, 0, len(texts))
	for i, text := range texts {
		it := domain.ChecklistItem{ID: b.m.nextID("chk"), TaskID: taskID, Text: text, Position: i, CreatedBy: b.actor, CreatedAt: b.m.ts()}
		b.m.items = append(b.m.items, it)
		out = append(out, it)
	}
	b.m.mu.Unlock()
	b.m.emit(domain.TableChecklistItems, domain.OpInsert, domain.Hint{ProjectID: t.Project(), TaskID: taskID}, b.actor)
	return out, nil
}

func (b *bound) ListChecklist(ctx context.Context, taskID string) ([]domain.ChecklistItem, error) {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	b.call("ListChecklist")
	var out []domain.ChecklistItem
	for _, it := range b.m.items {
		if it.TaskID == taskID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (b *bound) UpdateChecklistItem(ctx context.Context, itemID string, checked bool) (domain.ChecklistItem, error) {
	b.m.mu.Lock()
	b.call("UpdateChecklistItem")
	for i, it := range b.m.items {
		if it.ID != itemID {
			continue
		}
		it.Checked = checked
		if checked {
			by, at := b.actor, b.m.ts()
			it.CheckedBy, it.CheckedAt = &by, &at
		} else {
			it.CheckedBy, it.CheckedAt = nil, nil
		}
		b.m.items[i] = it
		project := b.m.tasks[it.TaskID].Project()
		b.m.mu.Unlock()
		b.m.emit(domain.TableChecklistItems, domain.OpUpdate, domain.Hint{ProjectID: project, TaskID: it.TaskID, EntityID: itemID}, b.actor)
		return it, nil
	}
	b.m.mu.Unlock()
	return domain.ChecklistItem{}, notFound("checklist item", itemID)
}

func (b *bound) CountEvidence(ctx context.Context, taskID string) (domain.Evidence, error) {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	b.call("CountEvidence")
	var ev domain.Evidence
	for _, u := range b.m.updates {
		if u.TaskID == taskID {
			ev.WorkUpdates++
		}
	}
	for _, d := range b.m.delivs {
		if d.TaskID == taskID {
			ev.Deliverables++
		}
	}
	for _, it := range b.m.items {
		if it.TaskID == taskID {
			ev.ChecklistItems++
		}
	}
	return ev, nil
}

func (b *bound) ListProjectMembers(ctx context.Context, projectID string) ([]string, error) {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	b.call("ListProjectMembers")
	return append([]string{}, b.m.members[projectID]...), nil
}
