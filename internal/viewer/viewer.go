// Package viewer composes the workflow components for one signed-in actor:
// cached reads, validated and serialized mutations with optimistic updates,
// and an event loop that keeps the cache in step with other viewers.
package viewer

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"opsboard/internal/assign"
	"opsboard/internal/cache"
	"opsboard/internal/domain"
	"opsboard/internal/lifecycle"
	"opsboard/internal/review"
	"opsboard/internal/store"
)

type Options struct {
	CacheSize int
	// QuickStatus enables the shortcut path; when off, quick requests are
	// checked against the formal table instead.
	QuickStatus bool
	// ChecklistTemplate is the default checklist for InitChecklist.
	ChecklistTemplate []string
	Logger            *log.Logger
	Now               func() time.Time
}

type Session struct {
	Actor       domain.Actor
	Store       store.Store
	Cache       *cache.Synchronizer
	Members     *assign.Index
	Ledger      review.Ledger
	QuickStatus bool
	Logger      *log.Logger
	Now         func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool
}

// New binds a session to the actor the store authenticates as.
func New(ctx context.Context, s store.Store, opts Options) (*Session, error) {
	me, err := s.Me(ctx)
	if err != nil {
		return nil, err
	}
	return NewFor(me, s, opts), nil
}

// NewFor builds a session for an actor already known to the caller.
func NewFor(actor domain.Actor, s store.Store, opts Options) *Session {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Session{
		Actor:       actor,
		Store:       s,
		Cache:       cache.New(opts.CacheSize),
		Members:     &assign.Index{},
		Ledger:      review.Ledger{Store: s, Templates: opts.ChecklistTemplate, Logger: opts.Logger},
		QuickStatus: opts.QuickStatus,
		Logger:      opts.Logger,
		Now:         now,
		inFlight:    map[string]bool{},
	}
}

func (s *Session) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func (s *Session) guard() assign.Guard {
	return assign.Guard{Store: s.Store, Index: s.Members}
}

// begin claims taskID for one mutation. The returned func releases it.
func (s *Session) begin(taskID string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[taskID] {
		return nil, domain.Errorf(domain.ReasonInFlight, "a change to task %s is already in flight", taskID)
	}
	s.inFlight[taskID] = true
	return func() {
		s.mu.Lock()
		delete(s.inFlight, taskID)
		s.mu.Unlock()
	}, nil
}

// Busy reports whether a mutation for taskID is in flight.
func (s *Session) Busy(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[taskID]
}

// Reads

func (s *Session) Task(ctx context.Context, id string) (domain.Task, error) {
	return cache.Get(ctx, s.Cache, cache.Task(id), func(ctx context.Context) (domain.Task, error) {
		return s.Store.ReadTask(ctx, id)
	})
}

func (s *Session) Tasks(ctx context.Context, f store.TaskFilter) ([]domain.Task, error) {
	return cache.Get(ctx, s.Cache, cache.TaskList(f), func(ctx context.Context) ([]domain.Task, error) {
		return s.Store.ListTasks(ctx, f)
	})
}

func (s *Session) Reviews(ctx context.Context, taskID string) ([]domain.Review, error) {
	return cache.Get(ctx, s.Cache, cache.Reviews(taskID), func(ctx context.Context) ([]domain.Review, error) {
		return s.Store.ListReviews(ctx, taskID)
	})
}

func (s *Session) WorkUpdates(ctx context.Context, taskID string) ([]domain.WorkUpdate, error) {
	return cache.Get(ctx, s.Cache, cache.WorkUpdates(taskID), func(ctx context.Context) ([]domain.WorkUpdate, error) {
		return s.Store.ListWorkUpdates(ctx, taskID)
	})
}

func (s *Session) Deliverables(ctx context.Context, taskID string) ([]domain.Deliverable, error) {
	return cache.Get(ctx, s.Cache, cache.Deliverables(taskID), func(ctx context.Context) ([]domain.Deliverable, error) {
		return s.Store.ListDeliverables(ctx, taskID)
	})
}

func (s *Session) Checklist(ctx context.Context, taskID string) ([]domain.ChecklistItem, error) {
	return cache.Get(ctx, s.Cache, cache.Checklist(taskID), func(ctx context.Context) ([]domain.ChecklistItem, error) {
		return s.Store.ListChecklist(ctx, taskID)
	})
}

func (s *Session) Evidence(ctx context.Context, taskID string) (domain.Evidence, error) {
	return cache.Get(ctx, s.Cache, cache.Evidence(taskID), func(ctx context.Context) (domain.Evidence, error) {
		return s.Store.CountEvidence(ctx, taskID)
	})
}

func (s *Session) Actors(ctx context.Context) ([]domain.Actor, error) {
	return cache.Get(ctx, s.Cache, cache.Actors(), s.Store.ListActors)
}

// EligibleAssignees lists who the task may be assigned to. If membership
// cannot be loaded the list is unrestricted.
func (s *Session) EligibleAssignees(ctx context.Context, task domain.Task) ([]domain.Actor, error) {
	actors, err := s.Actors(ctx)
	if err != nil {
		return nil, err
	}
	if p := task.Project(); p != "" {
		members, err := cache.Get(ctx, s.Cache, cache.Members(p), func(ctx context.Context) ([]string, error) {
			return s.Store.ListProjectMembers(ctx, p)
		})
		if err != nil {
			s.logger().Printf("viewer: load members of %s: %v", p, err)
			s.Members.Forget(p)
		} else {
			s.Members.Set(p, members)
		}
	}
	return assign.EligibleAssignees(task, actors, s.Members), nil
}

// Gate collects the facts the transition validator needs about task.
func (s *Session) Gate(ctx context.Context, task domain.Task) (lifecycle.Gate, error) {
	ev, err := s.Evidence(ctx, task.ID)
	if err != nil {
		return lifecycle.Gate{}, err
	}
	reviews, err := s.Reviews(ctx, task.ID)
	if err != nil {
		return lifecycle.Gate{}, err
	}
	return lifecycle.Gate{HasEvidence: review.HasEvidence(ev), ReviewInCycle: review.InCycle(reviews, task.ReviewCycle)}, nil
}

// Available lists the statuses this actor may request for the task now.
func (s *Session) Available(ctx context.Context, taskID string) ([]domain.Status, error) {
	task, err := s.Task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	g, err := s.Gate(ctx, task)
	if err != nil {
		return nil, err
	}
	return lifecycle.Available(task, s.Actor.Role, task.IsAssignee(s.Actor.ID), g, s.QuickStatus), nil
}

// Status mutations

func (s *Session) Start(ctx context.Context, taskID string) (domain.Task, error) {
	return s.Transition(ctx, taskID, domain.StatusInProgress)
}

func (s *Session) Submit(ctx context.Context, taskID string) (domain.Task, error) {
	return s.Transition(ctx, taskID, domain.StatusReview)
}

// Transition requests a formal status change.
func (s *Session) Transition(ctx context.Context, taskID string, to domain.Status) (domain.Task, error) {
	return s.transition(ctx, taskID, to, false)
}

// Quick requests a status change on the quick path when it is enabled.
func (s *Session) Quick(ctx context.Context, taskID string, to domain.Status) (domain.Task, error) {
	return s.transition(ctx, taskID, to, s.QuickStatus)
}

func (s *Session) transition(ctx context.Context, taskID string, to domain.Status, quick bool) (domain.Task, error) {
	done, err := s.begin(taskID)
	if err != nil {
		return domain.Task{}, err
	}
	defer done()

	task, err := s.Task(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	g, err := s.Gate(ctx, task)
	if err != nil {
		return task, err
	}
	check := lifecycle.CanTransition
	if quick {
		check = lifecycle.CanQuickTransition
	}
	if v := check(task, task.Status, to, s.Actor.Role, task.IsAssignee(s.Actor.ID), g); !v.Allowed {
		return task, v.Err()
	}

	tok := s.Cache.Optimistic(cache.Task(taskID), lifecycle.Apply(task, to, s.Now()))
	updated, err := s.Store.UpdateTaskStatus(ctx, taskID, store.StatusUpdate{Status: to, ExpectedVersion: task.Version, Quick: quick})
	if err != nil {
		return task, s.fail(tok, err)
	}
	s.confirmTask(tok, updated)
	return updated, nil
}

func (s *Session) Approve(ctx context.Context, taskID, comment string) (review.Result, error) {
	return s.Review(ctx, taskID, domain.DecisionApproved, comment)
}

func (s *Session) Reject(ctx context.Context, taskID, comment string) (review.Result, error) {
	return s.Review(ctx, taskID, domain.DecisionRejected, comment)
}

// Review records a decision and applies the transition it triggers.
func (s *Session) Review(ctx context.Context, taskID string, d domain.Decision, comment string) (review.Result, error) {
	done, err := s.begin(taskID)
	if err != nil {
		return review.Result{}, err
	}
	defer done()

	task, err := s.Task(ctx, taskID)
	if err != nil {
		return review.Result{}, err
	}
	if v := lifecycle.CanReviewTransition(task, d, s.Actor.Role); !v.Allowed {
		return review.Result{}, v.Err()
	}
	to, _, moves := lifecycle.ReviewTarget(d)
	var tok cache.Token
	if moves {
		tok = s.Cache.Optimistic(cache.Task(taskID), lifecycle.Apply(task, to, s.Now()))
	}
	res, err := s.Ledger.RecordReview(ctx, task, s.Actor, d, comment)
	var inc *review.InconsistencyError
	switch {
	case errors.As(err, &inc):
		s.Cache.Invalidate(cache.Reviews(taskID))
		s.fail(tok, inc.Err)
		return res, err
	case err != nil:
		if moves {
			return res, s.fail(tok, err)
		}
		return res, err
	}
	s.Cache.Invalidate(cache.Reviews(taskID))
	if res.Task != nil {
		s.confirmTask(tok, *res.Task)
	}
	return res, nil
}

// ApplyDecision moves a task in review along the edge its latest decision
// triggers, without recording another review. It recovers from a Review that
// returned an *review.InconsistencyError.
func (s *Session) ApplyDecision(ctx context.Context, taskID string) (domain.Task, error) {
	done, err := s.begin(taskID)
	if err != nil {
		return domain.Task{}, err
	}
	defer done()

	task, err := s.Task(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	reviews, err := s.Reviews(ctx, taskID)
	if err != nil {
		return task, err
	}
	rv, ok := review.LatestInCycle(reviews, task.ReviewCycle)
	to, _, moves := lifecycle.ReviewTarget(rv.Decision)
	if task.Status != domain.StatusReview || !ok || !moves {
		return task, domain.Errorf(domain.ReasonIllegalTransition, "task %s has no decision to apply", taskID)
	}
	if v := lifecycle.CanReviewTransition(task, rv.Decision, s.Actor.Role); !v.Allowed {
		return task, v.Err()
	}
	tok := s.Cache.Optimistic(cache.Task(taskID), lifecycle.Apply(task, to, s.Now()))
	updated, err := s.Ledger.ApplyDecision(ctx, task)
	if err != nil {
		return task, s.fail(tok, err)
	}
	s.confirmTask(tok, updated)
	return updated, nil
}

// Reassign moves the task to another assignee, or unassigns it when actorID
// is nil. Non-members of the task's project are rejected before any write.
func (s *Session) Reassign(ctx context.Context, taskID string, actorID *string) (domain.Task, error) {
	done, err := s.begin(taskID)
	if err != nil {
		return domain.Task{}, err
	}
	defer done()

	task, err := s.Task(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	g := s.guard()
	if err := g.Check(ctx, task, actorID); err != nil {
		return task, err
	}
	next := task
	next.AssigneeID = actorID
	tok := s.Cache.Optimistic(cache.Task(taskID), next)
	updated, err := g.Reassign(ctx, task, actorID)
	if err != nil {
		return task, s.fail(tok, err)
	}
	s.confirmTask(tok, updated)
	return updated, nil
}

// confirmTask stores the server's task and marks the lists it may appear in
// stale; membership of filtered lists can change with status or assignee.
func (s *Session) confirmTask(tok cache.Token, t domain.Task) {
	s.Cache.Confirm(tok, t)
	s.Cache.InvalidateKind(cache.KindTasks, "")
	s.Cache.InvalidateKind(cache.KindAssigneeTasks, "")
	s.Cache.InvalidateKind(cache.KindProjectTasks, t.Project())
}

// fail undoes an optimistic task write according to why the store refused it.
func (s *Session) fail(tok cache.Token, err error) error {
	key := tok.Key()
	if key == (cache.Key{}) {
		return err
	}
	switch domain.ReasonOf(err) {
	case domain.ReasonNotFound:
		s.Cache.Purge(key)
	case domain.ReasonConflict:
		s.Cache.Revert(tok)
		s.Cache.Invalidate(key)
	default:
		s.Cache.Revert(tok)
	}
	return err
}

// Ledger mutations

func (s *Session) AddWorkUpdate(ctx context.Context, taskID, text string) (domain.WorkUpdate, error) {
	done, err := s.begin(taskID)
	if err != nil {
		return domain.WorkUpdate{}, err
	}
	defer done()
	wu, err := s.Ledger.AddWorkUpdate(ctx, taskID, text)
	if err != nil {
		return wu, s.ledgerFailed(taskID, err)
	}
	s.touched(domain.TableWorkUpdates, taskID)
	return wu, nil
}

func (s *Session) AddDeliverable(ctx context.Context, taskID string, in store.DeliverableInput) (domain.Deliverable, error) {
	done, err := s.begin(taskID)
	if err != nil {
		return domain.Deliverable{}, err
	}
	defer done()
	d, err := s.Ledger.AddDeliverable(ctx, taskID, in)
	if err != nil {
		return d, s.ledgerFailed(taskID, err)
	}
	s.touched(domain.TableDeliverables, taskID)
	return d, nil
}

func (s *Session) RemoveDeliverable(ctx context.Context, taskID, deliverableID string) error {
	done, err := s.begin(taskID)
	if err != nil {
		return err
	}
	defer done()
	if err := s.Ledger.RemoveDeliverable(ctx, deliverableID); err != nil {
		return s.ledgerFailed(taskID, err)
	}
	s.touched(domain.TableDeliverables, taskID)
	return nil
}

// InitChecklist creates the task's checklist from items, or from the default
// template when items is empty.
func (s *Session) InitChecklist(ctx context.Context, taskID string, items []string) ([]domain.ChecklistItem, error) {
	done, err := s.begin(taskID)
	if err != nil {
		return nil, err
	}
	defer done()
	task, err := s.Task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	out, err := s.Ledger.InitializeChecklist(ctx, task, s.Actor, items)
	if err != nil {
		return out, s.ledgerFailed(taskID, err)
	}
	s.touched(domain.TableChecklistItems, taskID)
	return out, nil
}

func (s *Session) ToggleChecklistItem(ctx context.Context, taskID, itemID string, checked bool) (domain.ChecklistItem, error) {
	done, err := s.begin(taskID)
	if err != nil {
		return domain.ChecklistItem{}, err
	}
	defer done()
	it, err := s.Ledger.ToggleChecklistItem(ctx, itemID, checked)
	if err != nil {
		return it, s.ledgerFailed(taskID, err)
	}
	s.touched(domain.TableChecklistItems, taskID)
	return it, nil
}

// touched applies our own write to the cache without waiting for its echo.
func (s *Session) touched(table domain.Table, taskID string) {
	s.Cache.OnChangeEvent(domain.ChangeEvent{Table: table, Operation: domain.OpInsert, Hint: domain.Hint{TaskID: taskID}})
}

func (s *Session) ledgerFailed(taskID string, err error) error {
	switch domain.ReasonOf(err) {
	case domain.ReasonNotFound, domain.ReasonConflict, domain.ReasonAlreadyInitialized:
		s.Cache.Invalidate(cache.Task(taskID))
		s.Cache.InvalidateKind(cache.KindChecklist, taskID)
		s.Cache.InvalidateKind(cache.KindDeliverables, taskID)
	}
	return err
}

// Change events

// HandleEvent applies one change notification and returns the queries it
// marked stale.
func (s *Session) HandleEvent(ev domain.ChangeEvent) []cache.Key {
	switch ev.Table {
	case domain.TableMembers:
		if ev.Hint.ProjectID != "" {
			s.Members.Forget(ev.Hint.ProjectID)
		} else {
			s.Members.Reset()
		}
	case domain.TableTasks, domain.TableReviews, domain.TableWorkUpdates, domain.TableDeliverables, domain.TableChecklistItems:
	default:
		s.Members.Reset()
	}
	return s.Cache.OnChangeEvent(ev)
}

// Run feeds events into the session until ctx is done or events is closed.
func (s *Session) Run(ctx context.Context, events <-chan domain.ChangeEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.HandleEvent(ev)
		}
	}
}
