package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"opsboard/internal/app"
	"opsboard/internal/config"
	"opsboard/internal/domain"
	"opsboard/internal/notify"
	"opsboard/internal/repo"
	"opsboard/internal/server"
	"opsboard/internal/viewer"
	opsboardsdk "opsboard/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "opsboard",
	Short: "Opsboard CLI",
	Long: `Opsboard tracks tasks through todo, in-progress, review and completed.
- Assignees start work and submit it for review once evidence exists (work updates, deliverables or a checklist).
- Managers and admins approve or reject; a rejection reopens the task for another review cycle.
- Managers may complete a task directly (quick status) until it has been reviewed in its current cycle.
- Every write lands in the event log; see 'opsboard log tail' and 'opsboard watch'.
Commands run against the local workspace unless --server points at a running 'opsboard serve'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return app.LoadEnv(viper.GetString("workspace"))
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if r := domain.ReasonOf(err); r != "" {
			fmt.Fprintf(os.Stderr, "error (%s): %v\n", r, err)
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OPSBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "admin", "acting actor for local commands")
	flags.String("server", "", "API URL of a running opsboard server (remote mode)")
	flags.String("api-key", "", "API key for remote mode")
	flags.String("token", "", "bearer token for remote mode")
	for _, name := range []string{"workspace", "json", "actor-id", "server", "api-key", "token"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(updateCmd())
	rootCmd.AddCommand(deliverableCmd())
	rootCmd.AddCommand(checklistCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var adminID, adminName string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace config, database and first admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			ws, err := app.Init(cmd.Context(), workspace, adminID, adminName)
			if err != nil {
				return err
			}
			defer ws.Close()
			fmt.Printf("Initialized opsboard workspace in %s (admin %s, config %s)\n", workspace, adminID, config.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&adminID, "admin-id", "admin", "id of the first admin")
	cmd.Flags().StringVar(&adminName, "admin-name", "Administrator", "display name of the first admin")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, change feed and webhook dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ws, err := app.Open(ctx, viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer ws.Close()
			if basePath == "" {
				basePath = ws.Config.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:        viper.GetString("jwt-secret"),
				AllowActorHeader: allowActorHeader,
			}
			if authCfg.JWTSecret == "" {
				log.Printf("serve: OPSBOARD_JWT_SECRET is not set; bearer tokens are rejected")
			}
			hub := ws.Hub()
			handler, err := server.New(server.Config{Engine: ws.Engine, Hub: hub, BasePath: basePath, Auth: authCfg, Logger: ws.Logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return hub.Run(gctx) })
			g.Go(func() error { return ws.Dispatcher().Run(gctx) })
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			g.Go(func() error {
				fmt.Printf("Serving opsboard API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust the X-Actor-Id header without credentials (local development only)")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilter
	var tableName string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				f.Table = domain.Table(tableName)
				events, err := ws.Engine.Repo.LatestEvents(ctx, n, 0, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				printEvents(events)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().StringVar(&tableName, "table", "", "table filter (tasks, reviews, work_updates, ...)")
	return cmd
}

func watchCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow changes as they happen",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if url := viper.GetString("server"); url != "" {
				events, err := remoteClient(url).Stream(ctx, projectID)
				if err != nil {
					return err
				}
				for ev := range events {
					printWatched(ev)
				}
				return nil
			}
			return withWorkspace(ctx, func(ctx context.Context, ws *app.Workspace) error {
				hub := ws.Hub()
				sub := hub.Subscribe(notify.Filter{ProjectID: projectID})
				defer sub.Close()
				go hub.Run(ctx)
				for {
					select {
					case <-ctx.Done():
						return nil
					case ev, ok := <-sub.C:
						if !ok {
							return nil
						}
						printWatched(ev)
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "only events for this project")
	return cmd
}

func printWatched(ev domain.ChangeEvent) {
	if viper.GetBool("json") {
		_ = json.NewEncoder(os.Stdout).Encode(ev)
		return
	}
	if ev.Table == domain.TableAll {
		fmt.Println("(missed events; reload)")
		return
	}
	fmt.Printf("#%d %s %s task=%s by=%s\n", ev.ID, ev.Table, ev.Operation, ev.Hint.TaskID, ev.By)
}

func apiKeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	ak.AddCommand(apiKeyCreateCmd())
	return ak
}

func apiKeyCreateCmd() *cobra.Command {
	var actorID, name string
	var save bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if actorID == "" {
					actorID = viper.GetString("actor-id")
				}
				key, plain, err := ws.Engine.As(viper.GetString("actor-id")).CreateAPIKey(ctx, actorID, name)
				if err != nil {
					return err
				}
				if save {
					if err := app.SaveEnv(ws.Dir, "OPSBOARD_API_KEY", plain); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain})
				}
				fmt.Printf("API key %s for %s: %s\n", key.ID, key.ActorID, plain)
				if save {
					fmt.Printf("Saved to %s/%s as OPSBOARD_API_KEY\n", ws.Dir, app.EnvFile)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as (default --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().BoolVar(&save, "save", false, "store the key in the workspace .env")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for --actor-id with OPSBOARD_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("OPSBOARD_JWT_SECRET is required")
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				me, err := ws.Engine.As(viper.GetString("actor-id")).Me(ctx)
				if err != nil {
					return err
				}
				tok, err := server.SignToken(secret, me.ID, string(me.Role), ttl)
				if err != nil {
					return err
				}
				fmt.Println(tok)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

// withViewer runs fn with a session for the acting actor, remote when
// --server is set.
func withViewer(ctx context.Context, fn func(context.Context, *viewer.Session) error) error {
	if url := viper.GetString("server"); url != "" {
		cfg, err := config.LoadOptional(viper.GetString("workspace"))
		if err != nil {
			return err
		}
		v, err := viewer.New(ctx, remoteClient(url), app.ViewerOptions(cfg, log.Default()))
		if err != nil {
			return err
		}
		return fn(ctx, v)
	}
	return withWorkspace(ctx, func(ctx context.Context, ws *app.Workspace) error {
		v, err := ws.Viewer(ctx, viper.GetString("actor-id"))
		if err != nil {
			return err
		}
		return fn(ctx, v)
	})
}

func remoteClient(url string) *opsboardsdk.Client {
	c := opsboardsdk.New(url)
	c.APIKey = viper.GetString("api-key")
	c.BearerToken = viper.GetString("token")
	return c
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printEvents(events []domain.ChangeEvent) {
	tw := newTable(table.Row{"ID", "When", "Table", "Op", "Task", "By"})
	for _, ev := range events {
		tw.AppendRow(table.Row{ev.ID, ago(ev.TS), ev.Table, ev.Operation, ev.Hint.TaskID, ev.By})
	}
	tw.Render()
}

// ago renders an RFC3339 timestamp relative to now.
func ago(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
