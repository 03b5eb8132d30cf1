package cache

import (
	"net/url"
	"strconv"

	"opsboard/internal/store"
)

// Kind names a family of queries.
type Kind string

const (
	KindTasks         Kind = "tasks"
	KindProjectTasks  Kind = "tasks:project"
	KindAssigneeTasks Kind = "tasks:assignee"
	KindTask          Kind = "task"
	KindReviews       Kind = "reviews"
	KindWorkUpdates   Kind = "work_updates"
	KindDeliverables  Kind = "deliverables"
	KindChecklist     Kind = "checklist"
	KindEvidence      Kind = "evidence"
	KindMembers       Kind = "members"
	KindActors        Kind = "actors"
)

// taskChildren are the per-task queries that die with the task.
var taskChildren = []Kind{KindReviews, KindWorkUpdates, KindDeliverables, KindChecklist, KindEvidence}

// Key identifies one cached query. Scope is the task, project or actor id the
// query is about; Variant distinguishes filtered forms of the same query.
type Key struct {
	Kind    Kind
	Scope   string
	Variant string
}

func (k Key) String() string {
	s := string(k.Kind)
	if k.Scope != "" {
		s += ":" + k.Scope
	}
	if k.Variant != "" {
		s += "?" + k.Variant
	}
	return s
}

func Tasks() Key { return Key{Kind: KindTasks} }

func ProjectTasks(projectID string) Key { return Key{Kind: KindProjectTasks, Scope: projectID} }

func AssigneeTasks(actorID string) Key { return Key{Kind: KindAssigneeTasks, Scope: actorID} }

func Task(id string) Key { return Key{Kind: KindTask, Scope: id} }

func Reviews(taskID string) Key { return Key{Kind: KindReviews, Scope: taskID} }

func WorkUpdates(taskID string) Key { return Key{Kind: KindWorkUpdates, Scope: taskID} }

func Deliverables(taskID string) Key { return Key{Kind: KindDeliverables, Scope: taskID} }

func Checklist(taskID string) Key { return Key{Kind: KindChecklist, Scope: taskID} }

func Evidence(taskID string) Key { return Key{Kind: KindEvidence, Scope: taskID} }

func Members(projectID string) Key { return Key{Kind: KindMembers, Scope: projectID} }

func Actors() Key { return Key{Kind: KindActors} }

// TaskList maps a list filter onto the list family it belongs to.
func TaskList(f store.TaskFilter) Key {
	v := url.Values{}
	if f.Status != "" {
		v.Set("status", string(f.Status))
	}
	if f.Unscoped {
		v.Set("unscoped", "true")
	}
	if f.Limit > 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	switch {
	case f.ProjectID != "":
		if f.AssigneeID != "" {
			v.Set("assignee", f.AssigneeID)
		}
		return Key{Kind: KindProjectTasks, Scope: f.ProjectID, Variant: v.Encode()}
	case f.AssigneeID != "":
		return Key{Kind: KindAssigneeTasks, Scope: f.AssigneeID, Variant: v.Encode()}
	}
	return Key{Kind: KindTasks, Variant: v.Encode()}
}
