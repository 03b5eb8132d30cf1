// Package engine is the SQLite task record store. Every write runs in one
// transaction together with the change event that describes it.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"opsboard/internal/config"
	"opsboard/internal/domain"
	"opsboard/internal/engine/auth"
	"opsboard/internal/events"
	"opsboard/internal/lifecycle"
	"opsboard/internal/repo"
	"opsboard/internal/review"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{},
		Auth:   auth.Service{Repo: r},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string { return e.now().UTC().Format(time.RFC3339) }

func (e Engine) writer() events.Writer {
	return events.Writer{Now: e.now}
}

// As binds the engine to an acting actor. The result implements store.Store.
func (e Engine) As(actorID string) *Session {
	return &Session{Engine: e, ActorID: actorID}
}

// Session is the engine seen by one actor.
type Session struct {
	Engine
	ActorID string
}

// tx runs fn in a transaction and commits when it returns nil.
func (e Engine) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func taskHint(t domain.Task, entityID string) domain.Hint {
	h := domain.Hint{ProjectID: t.Project(), TaskID: t.ID, EntityID: entityID}
	if t.AssigneeID != nil {
		h.ActorID = *t.AssigneeID
	}
	return h
}

// Bootstrap creates the first admin. It fails once any actor exists.
func (e Engine) Bootstrap(ctx context.Context, id, name string) (domain.Actor, error) {
	a := domain.Actor{ID: id, Name: name, Role: domain.RoleAdmin, CreatedAt: e.ts()}
	err := e.tx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM actors`).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return domain.Errorf(domain.ReasonAlreadyInitialized, "workspace already has %d actors", n)
		}
		if err := e.Repo.InsertActor(ctx, tx, a); err != nil {
			return fmt.Errorf("insert actor: %w", err)
		}
		return e.writer().Append(ctx, tx, domain.TableActors, domain.OpInsert, domain.Hint{ActorID: a.ID, EntityID: a.ID}, a.ID, events.Payload{"role": a.Role})
	})
	return a, err
}

// AddActor creates or updates an actor.
func (s *Session) AddActor(ctx context.Context, id, name string, role domain.Role) (domain.Actor, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Actor{}, domain.Errorf(domain.ReasonInvalid, "actor id is required")
	}
	if !role.Valid() {
		return domain.Actor{}, domain.Errorf(domain.ReasonInvalid, "unknown role %q", role)
	}
	a := domain.Actor{ID: id, Name: name, Role: role, CreatedAt: s.ts()}
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := s.Auth.Require(ctx, tx, s.ActorID, auth.ActionManageActors, nil); err != nil {
			return err
		}
		if err := s.Repo.InsertActor(ctx, tx, a); err != nil {
			return fmt.Errorf("insert actor: %w", err)
		}
		return s.writer().Append(ctx, tx, domain.TableActors, domain.OpInsert, domain.Hint{ActorID: id, EntityID: id}, s.ActorID, events.Payload{"role": role})
	})
	return a, err
}

func (s *Session) Me(ctx context.Context) (domain.Actor, error) {
	return s.Repo.GetActor(ctx, nil, s.ActorID)
}

func (s *Session) ListActors(ctx context.Context) ([]domain.Actor, error) {
	return s.Repo.ListActors(ctx)
}

// AddMember adds an actor to a project, creating the project on first use.
func (s *Session) AddMember(ctx context.Context, projectID, actorID string) (domain.Membership, error) {
	m := domain.Membership{ProjectID: projectID, ActorID: actorID, CreatedAt: s.ts()}
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := s.Auth.Require(ctx, tx, s.ActorID, auth.ActionManageMembers, nil); err != nil {
			return err
		}
		if _, err := s.Repo.GetActor(ctx, tx, actorID); err != nil {
			return err
		}
		if err := s.Repo.EnsureProject(ctx, tx, projectID, m.CreatedAt); err != nil {
			return err
		}
		if err := s.Repo.AddMember(ctx, tx, m); err != nil {
			return err
		}
		return s.writer().Append(ctx, tx, domain.TableMembers, domain.OpInsert, domain.Hint{ProjectID: projectID, ActorID: actorID}, s.ActorID, nil)
	})
	return m, err
}

func (s *Session) RemoveMember(ctx context.Context, projectID, actorID string) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := s.Auth.Require(ctx, tx, s.ActorID, auth.ActionManageMembers, nil); err != nil {
			return err
		}
		if err := s.Repo.RemoveMember(ctx, tx, projectID, actorID); err != nil {
			return err
		}
		return s.writer().Append(ctx, tx, domain.TableMembers, domain.OpDelete, domain.Hint{ProjectID: projectID, ActorID: actorID}, s.ActorID, nil)
	})
}

func (s *Session) Members(ctx context.Context, projectID string) ([]domain.Membership, error) {
	return s.Repo.ListMembers(ctx, nil, projectID)
}

func (s *Session) ListProjectMembers(ctx context.Context, projectID string) ([]string, error) {
	ms, err := s.Repo.ListMembers(ctx, nil, projectID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(ms))
	for _, m := range ms {
		ids = append(ids, m.ActorID)
	}
	return ids, nil
}

// CreateAPIKey issues a key for actorID and returns the raw key once.
func (s *Session) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	raw := "ob_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{ID: uuid.NewString(), ActorID: actorID, Name: name, KeyHash: repo.HashAPIKey(raw), CreatedAt: s.ts()}
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if actorID != s.ActorID {
			if _, err := s.Auth.Require(ctx, tx, s.ActorID, auth.ActionManageKeys, nil); err != nil {
				return err
			}
		}
		if _, err := s.Repo.GetActor(ctx, tx, actorID); err != nil {
			return err
		}
		return s.Repo.InsertAPIKey(ctx, tx, key)
	})
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}

// Gate reads the facts the transition validator needs, inside tx.
func (e Engine) gate(ctx context.Context, tx *sql.Tx, t domain.Task) (lifecycle.Gate, []domain.Review, error) {
	ev, err := e.Repo.CountEvidence(ctx, tx, t.ID)
	if err != nil {
		return lifecycle.Gate{}, nil, err
	}
	reviews, err := e.Repo.ListReviews(ctx, tx, t.ID)
	if err != nil {
		return lifecycle.Gate{}, nil, err
	}
	return lifecycle.Gate{HasEvidence: review.HasEvidence(ev), ReviewInCycle: review.InCycle(reviews, t.ReviewCycle)}, reviews, nil
}
