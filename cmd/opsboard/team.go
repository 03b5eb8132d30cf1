package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opsboard/internal/app"
	"opsboard/internal/domain"
	"opsboard/internal/viewer"
)

func actorCmd() *cobra.Command {
	act := &cobra.Command{Use: "actor", Short: "Manage actors"}
	var name, role string
	add := &cobra.Command{
		Use:   "add <actor-id>",
		Short: "Register an actor (admin only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				a, err := ws.Engine.As(viper.GetString("actor-id")).AddActor(ctx, args[0], name, domain.Role(role))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&role, "role", string(domain.RoleEmployee), "admin, manager, employee or client")
	act.AddCommand(add)
	act.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withViewer(cmd.Context(), func(ctx context.Context, v *viewer.Session) error {
				actors, err := v.Actors(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actors)
				}
				tw := newTable(table.Row{"ID", "Name", "Role", "Since"})
				for _, a := range actors {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Role, ago(a.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	})
	act.AddCommand(&cobra.Command{
		Use:   "whoami",
		Short: "Show the acting actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withViewer(cmd.Context(), func(ctx context.Context, v *viewer.Session) error {
				return printJSONOrTable(v.Actor)
			})
		},
	})
	return act
}

func memberCmd() *cobra.Command {
	mem := &cobra.Command{Use: "member", Short: "Manage project membership"}
	mem.AddCommand(&cobra.Command{
		Use:   "add <project-id> <actor-id>",
		Short: "Add an actor to a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				m, err := ws.Engine.As(viper.GetString("actor-id")).AddMember(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	})
	mem.AddCommand(&cobra.Command{
		Use:   "remove <project-id> <actor-id>",
		Short: "Remove an actor from a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				if err := ws.Engine.As(viper.GetString("actor-id")).RemoveMember(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("removed %s from %s\n", args[1], args[0])
				return nil
			})
		},
	})
	mem.AddCommand(&cobra.Command{
		Use:   "list <project-id>",
		Short: "List project members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				members, err := ws.Engine.As(viper.GetString("actor-id")).Members(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(members)
				}
				tw := newTable(table.Row{"Actor", "Since"})
				for _, m := range members {
					tw.AppendRow(table.Row{m.ActorID, ago(m.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return mem
}
