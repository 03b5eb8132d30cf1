package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opsboard/internal/app"
	"opsboard/internal/domain"
	"opsboard/internal/engine"
	"opsboard/internal/store"
	"opsboard/internal/viewer"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskMoveCmd("start", "Start work on a task (todo -> in-progress)", func(ctx context.Context, v *viewer.Session, id string) (domain.Task, error) {
		return v.Start(ctx, id)
	}))
	task.AddCommand(taskMoveCmd("submit", "Submit a task for review", func(ctx context.Context, v *viewer.Session, id string) (domain.Task, error) {
		return v.Submit(ctx, id)
	}))
	task.AddCommand(taskReviewCmd("approve", domain.DecisionApproved))
	task.AddCommand(taskReviewCmd("reject", domain.DecisionRejected))
	task.AddCommand(taskReviewCmd("comment", domain.DecisionPending))
	task.AddCommand(taskQuickCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskDeleteCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var priority string
	var hours float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Title == "" {
				return fmt.Errorf("--title required")
			}
			if url := viper.GetString("server"); url != "" {
				t, err := remoteClient(url).CreateTask(cmd.Context(), opts.Title, opts.ProjectID, opts.AssigneeID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				opts.Priority = domain.Priority(priority)
				if cmd.Flags().Changed("hours") {
					opts.EstimatedHours = &hours
				}
				t, err := ws.Engine.As(viper.GetString("actor-id")).CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "task description")
	cmd.Flags().StringVar(&priority, "priority", string(domain.PriorityMedium), "low, medium, high or urgent")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee", "", "assignee actor id")
	cmd.Flags().StringVar(&opts.DueDate, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().Float64Var(&hours, "hours", 0, "estimated hours")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f store.TaskFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withViewer(cmd.Context(), func(ctx context.Context, v *viewer.Session) error {
				f.Status = domain.Status(status)
				tasks, err := v.Tasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable(table.Row{"ID", "Title", "Status", "Priority", "Assignee", "Project", "Updated"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, deref(t.AssigneeID), t.Project(), ago(t.UpdatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().BoolVar(&f.Unscoped, "unscoped", false, "only tasks without a project")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max tasks")
	return cmd
}

type taskDetail struct {
	Task      domain.Task     `json:"task"`
	Evidence  domain.Evidence `json:"evidence"`
	Reviews   []domain.Review `json:"reviews"`
	Available []domain.Status `json:"available"`
	Assignees []string        `json:"eligible_assignees"`
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its evidence, reviews and next steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withViewer(cmd.Context(), func(ctx context.Context, v *viewer.Session) error {
				t, err := v.Task(ctx, args[0])
				if err != nil {
					return err
				}
				d := taskDetail{Task: t}
				if d.Evidence, err = v.Evidence(ctx, t.ID); err != nil {
					return err
				}
				if d.Reviews, err = v.Reviews(ctx, t.ID); err != nil {
					return err
				}
				if d.Available, err = v.Available(ctx, t.ID); err != nil {
					return err
				}
				eligible, err := v.EligibleAssignees(ctx, t)
				if err != nil {
					return err
				}
				for _, a := range eligible {
					d.Assignees = append(d.Assignees, a.ID)
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				printTaskDetail(d)
				return nil
			})
		},
	}
}

func printTaskDetail(d taskDetail) {
	t := d.Task
	fmt.Printf("%s  %s\n", t.ID, t.Title)
	fmt.Printf("  status:    %s (v%d, review cycle %d, %d%%)\n", t.Status, t.Version, t.ReviewCycle, t.Progress)
	fmt.Printf("  priority:  %s\n", t.Priority)
	fmt.Printf("  assignee:  %s\n", deref(t.AssigneeID))
	fmt.Printf("  project:   %s\n", t.Project())
	fmt.Printf("  updated:   %s\n", ago(t.UpdatedAt))
	if t.CompletedAt != nil {
		fmt.Printf("  completed: %s\n", ago(*t.CompletedAt))
	}
	fmt.Printf("  evidence:  %s, %s, %s\n",
		plural(d.Evidence.WorkUpdates, "work update"),
		plural(d.Evidence.Deliverables, "deliverable"),
		plural(d.Evidence.ChecklistItems, "checklist item"))
	next := make([]string, 0, len(d.Available))
	for _, s := range d.Available {
		next = append(next, string(s))
	}
	fmt.Printf("  next:      %s\n", strings.Join(next, ", "))
	fmt.Printf("  assignable: %s\n", strings.Join(d.Assignees, ", "))
	if len(d.Reviews) > 0 {
		printReviews(d.Reviews)
	}
}

func plural(n int, word string) string {
	return humanize.Comma(int64(n)) + " " + english.PluralWord(n, word, "")
}

func taskMoveCmd(use, short string, move func(context.Context, *viewer.Session, string) (domain.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withViewer(cmd.Context(), func(ctx context.Context, v *viewer.Session) error {
				t, err := move(ctx, v, args[0])
				if err != nil {
					return err
				}
				return printTaskStatus(t)
			})
		},
	}
}

func taskQuickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quick <task-id> <status>",
		Short: "Set a status through the quick path (managers and admins)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withViewer(cmd.Context(), func(ctx context.Context, v *viewer.Session) error {
				t, err := v.Quick(ctx, args[0], domain.Status(args[1]))
				if err != nil {
					return err
				}
				return printTaskStatus(t)
			})
		},
	}
}

func taskReviewCmd(use string, d domain.Decision) *cobra.Command {
	var comment string
	short := map[domain.Decision]string{
		domain.DecisionApproved: "Approve a task in review",
		domain.DecisionRejected: "Reject a task in review and send it back",
		domain.DecisionPending:  "Record review feedback without deciding",
	}[d]
	cmd := &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withViewer(cmd.Context(), func(ctx context.Context, v *viewer.Session) error {
				res, err := v.Review(ctx, args[0], d, comment)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("review %s recorded (%s, cycle %d)\n", res.Review.ID, res.Review.Decision, res.Review.Cycle)
				if res.Task != nil {
					return printTaskStatus(*res.Task)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "review comment")
	return cmd
}

func taskAssignCmd() *cobra.Command {
	var unassign bool
	cmd := &cobra.Command{
		Use:   "assign <task-id> [actor-id]",
		Short: "Assign a task to a project member, or --none to unassign",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var actorID *string
			switch {
			case unassign:
			case len(args) == 2:
				actorID = &args[1]
			default:
				return fmt.Errorf("actor id or --none required")
			}
			return withViewer(cmd.Context(), func(ctx context.Context, v *viewer.Session) error {
				t, err := v.Reassign(ctx, args[0], actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("%s assigned to %q\n", t.ID, deref(t.AssigneeID))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unassign, "none", false, "remove the assignee")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task and its ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if err := ws.Engine.As(viper.GetString("actor-id")).DeleteTask(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func printTaskStatus(t domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	fmt.Printf("%s is %s (v%d)\n", t.ID, t.Status, t.Version)
	return nil
}

func updateCmd() *cobra.Command {
	up := &cobra.Command{Use: "update", Short: "Work updates on a task"}
	up.AddCommand(&cobra.Command{
		Use:   "add <task-id> <comment>",
		Short: "Add a work update",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withViewer(cmd.Context(), func(ctx context.Context, v *viewer.Session) error {
				wu, err := v.AddWorkUpdate(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(wu)
			})
		},
	})
	up.AddCommand(&cobra.Command{
		Use:   "list <task-id>",
		Short: "List work updates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withViewer(cmd.Context(), func(ctx context.Context, v *viewer.Session) error {
				items, err := v.WorkUpdates(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "When", "Author", "Comment"})
				for _, wu := range items {
					tw.AppendRow(table.Row{wu.ID, ago(wu.CreatedAt), wu.AuthorID, wu.Comment})
				}
				tw.Render()
				return nil
			})
		},
	})
	return up
}

func deliverableCmd() *cobra.Command {
	dl := &cobra.Command{Use: "deliverable", Short: "Deliverables attached to a task"}
	var in store.DeliverableInput
	add := &cobra.Command{
		Use:   "add <task-id>",
		Short: "Attach a deliverable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withViewer(cmd.Context(), func(ctx context.Context, v *viewer.Session) error {
				d, err := v.AddDeliverable(ctx, args[0], in)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	add.Flags().StringVar(&in.Title, "title", "", "deliverable title")
	add.Flags().StringVar(&in.Description, "description", "", "description")
	add.Flags().StringVar(&in.FileRef, "file", "", "file reference or URL")
	dl.AddCommand(add)
	dl.AddCommand(&cobra.Command{
		Use:   "rm <task-id> <deliverable-id>",
		Short: "Remove a deliverable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withViewer(cmd.Context(), func(ctx context.Context, v *viewer.Session) error {
				if err := v.RemoveDeliverable(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("removed %s\n", args[1])
				return nil
			})
		},
	})
	dl.AddCommand(&cobra.Command{
		Use:   "list <task-id>",
		Short: "List deliverables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withViewer(cmd.Context(), func(ctx context.Context, v *viewer.Session) error {
				items, err := v.Deliverables(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Title", "File", "By", "When"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Title, d.FileRef, d.CreatedBy, ago(d.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return dl
}

func checklistCmd() *cobra.Command {
	cl := &cobra.Command{Use: "checklist", Short: "Task checklists"}
	var items []string
	create := &cobra.Command{
		Use:   "init <task-id>",
		Short: "Create the checklist (default template unless --item is given)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withViewer(cmd.Context(), func(ctx context.Context, v *viewer.Session) error {
				out, err := v.InitChecklist(ctx, args[0], items)
				if err != nil {
					return err
				}
				return printChecklist(out)
			})
		},
	}
	create.Flags().StringArrayVar(&items, "item", nil, "checklist item (repeatable)")
	cl.AddCommand(create)

	var uncheck bool
	toggle := &cobra.Command{
		Use:   "check <task-id> <item-id>",
		Short: "Check (or --uncheck) a checklist item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withViewer(cmd.Context(), func(ctx context.Context, v *viewer.Session) error {
				it, err := v.ToggleChecklistItem(ctx, args[0], args[1], !uncheck)
				if err != nil {
					return err
				}
				return printChecklist([]domain.ChecklistItem{it})
			})
		},
	}
	toggle.Flags().BoolVar(&uncheck, "uncheck", false, "clear the item instead")
	cl.AddCommand(toggle)
	cl.AddCommand(&cobra.Command{
		Use:   "list <task-id>",
		Short: "Show the checklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withViewer(cmd.Context(), func(ctx context.Context, v *viewer.Session) error {
				out, err := v.Checklist(ctx, args[0])
				if err != nil {
					return err
				}
				return printChecklist(out)
			})
		},
	})
	return cl
}

func printChecklist(items []domain.ChecklistItem) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable(table.Row{"ID", "", "Item", "Checked by"})
	for _, it := range items {
		mark := "[ ]"
		if it.Checked {
			mark = "[x]"
		}
		tw.AppendRow(table.Row{it.ID, mark, it.Text, deref(it.CheckedBy)})
	}
	tw.Render()
	return nil
}

func reviewCmd() *cobra.Command {
	rv := &cobra.Command{Use: "review", Short: "Review history"}
	rv.AddCommand(&cobra.Command{
		Use:   "list <task-id>",
		Short: "List reviews of a task, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withViewer(cmd.Context(), func(ctx context.Context, v *viewer.Session) error {
				items, err := v.Reviews(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printReviews(items)
				return nil
			})
		},
	})
	return rv
}

func printReviews(items []domain.Review) {
	tw := newTable(table.Row{"ID", "Cycle", "Decision", "Reviewer", "When", "Comment"})
	for _, r := range items {
		tw.AppendRow(table.Row{r.ID, r.Cycle, r.Decision, r.ReviewerID, ago(r.CreatedAt), r.Comment})
	}
	tw.Render()
}
