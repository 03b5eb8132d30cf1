// Package app wires a workspace directory into a running engine: config file,
// .env, database and migrations.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"opsboard/internal/config"
	"opsboard/internal/db"
	"opsboard/internal/engine"
	"opsboard/internal/migrate"
	"opsboard/internal/notify"
	"opsboard/internal/viewer"
)

const EnvFile = ".env"

// Workspace is an opened workspace. Close releases the database.
type Workspace struct {
	Dir    string
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
	Logger *log.Logger
}

// Open loads config (defaults when the file is missing), opens the database
// and applies pending migrations.
func Open(ctx context.Context, dir string) (*Workspace, error) {
	if dir == "" {
		dir = "."
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Workspace{
		Dir:    dir,
		Config: cfg,
		DB:     conn,
		Engine: engine.New(conn, cfg),
		Logger: log.Default(),
	}, nil
}

func (w *Workspace) Close() error { return w.DB.Close() }

// Viewer opens a cached session for actorID against the local engine.
func (w *Workspace) Viewer(ctx context.Context, actorID string) (*viewer.Session, error) {
	return viewer.New(ctx, w.Engine.As(actorID), w.ViewerOptions())
}

func (w *Workspace) ViewerOptions() viewer.Options {
	return ViewerOptions(w.Config, w.Logger)
}

// ViewerOptions maps workflow config onto session options. Remote sessions
// use it with the local config file.
func ViewerOptions(cfg *config.Config, logger *log.Logger) viewer.Options {
	return viewer.Options{
		CacheSize:         cfg.Cache.Size,
		QuickStatus:       cfg.Workflow.QuickStatus.Enabled,
		ChecklistTemplate: cfg.Checklist.DefaultTemplate,
		Logger:            logger,
	}
}

// Hub builds a change feed over the workspace event log.
func (w *Workspace) Hub() *notify.Hub {
	h := notify.NewHub(w.Engine.Repo, w.Config.PollInterval(), w.Config.Notify.Buffer)
	h.Logger = w.Logger
	return h
}

// Dispatcher builds the webhook dispatcher for the configured hooks.
func (w *Workspace) Dispatcher() *notify.Dispatcher {
	d := notify.NewDispatcher(w.Engine.Repo, w.Config.Webhooks)
	d.Logger = w.Logger
	return d
}

// Init writes the default config file (unless present) and creates the
// database with the first admin.
func Init(ctx context.Context, dir, adminID, adminName string) (*Workspace, error) {
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return nil, err
	}
	path := config.Path(dir)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
	}
	w, err := Open(ctx, dir)
	if err != nil {
		return nil, err
	}
	if _, err := w.Engine.Bootstrap(ctx, adminID, adminName); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// LoadEnv loads <dir>/.env into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadEnv(dir string) error {
	path := filepath.Join(dir, EnvFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// SaveEnv sets key in <dir>/.env, keeping the other entries.
func SaveEnv(dir, key, value string) error {
	path := filepath.Join(dir, EnvFile)
	env := map[string]string{}
	if _, err := os.Stat(path); err == nil {
		if env, err = godotenv.Read(path); err != nil {
			return err
		}
	}
	env[key] = value
	return godotenv.Write(env, path)
}
