package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"trackline/internal/domain"
	"trackline/internal/engine"
)

func commentCmd() *cobra.Command {
	c := &cobra.Command{Use: "comment", Short: "Task comments"}
	c.AddCommand(commentAddCmd())
	c.AddCommand(commentEditCmd())
	c.AddCommand(commentListCmd())
	return c
}

func renderComments(items ...domain.Comment) func(table.Writer) {
	return func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Author", "Created", "Edits", "Content"})
		for _, c := range items {
			tw.AppendRow(table.Row{c.ID, c.AuthorID, c.CreatedAt, len(c.EditHistory), c.Content})
		}
	}
}

func commentAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <task-id|key> <text>...",
		Short: "Comment on a task",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				t, err := resolveTask(ctx, s, args[0])
				if err != nil {
					return err
				}
				c, err := retry(ctx, s, func(ctx context.Context) (domain.Comment, error) {
					return s.Engine.AddComment(ctx, t.ID, s.actor.ID, strings.Join(args[1:], " "))
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c, renderComments(c))
			})
		},
	}
}

func commentEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <comment-id> <text>...",
		Short: "Edit your own comment",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				c, err := retry(ctx, s, func(ctx context.Context) (domain.Comment, error) {
					return s.Engine.EditComment(ctx, args[0], s.actor.ID, strings.Join(args[1:], " "))
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c, renderComments(c))
			})
		},
	}
}

func commentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <task-id|key>",
		Short: "List comments on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				t, err := resolveTask(ctx, s, args[0])
				if err != nil {
					return err
				}
				items, err := s.Engine.ListComments(ctx, t.ID, s.actor.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, renderComments(items...))
			})
		},
	}
}

func timeCmd() *cobra.Command {
	c := &cobra.Command{Use: "time", Short: "Time logged on tasks"}
	c.AddCommand(timeLogCmd())
	c.AddCommand(timeListCmd())
	return c
}

func renderTimeEntries(items ...domain.TimeEntry) func(table.Writer) {
	return func(tw table.Writer) {
		tw.AppendHeader(table.Row{"Date", "User", "Minutes", "Billable", "Status", "Description"})
		total := 0
		for _, e := range items {
			total += e.Minutes
			tw.AppendRow(table.Row{e.Date, e.UserID, e.Minutes, e.Billable, e.Status, e.Description})
		}
		tw.AppendFooter(table.Row{"", "total", fmt.Sprintf("%dh%02dm", total/60, total%60)})
	}
}

func timeLogCmd() *cobra.Command {
	var minutes int
	var date, desc string
	var billable bool
	cmd := &cobra.Command{
		Use:   "log <task-id|key>",
		Short: "Log time spent on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				t, err := resolveTask(ctx, s, args[0])
				if err != nil {
					return err
				}
				entry, err := retry(ctx, s, func(ctx context.Context) (domain.TimeEntry, error) {
					return s.Engine.LogTime(ctx, engine.TimeEntryOptions{
						TaskID:      t.ID,
						ActorID:     s.actor.ID,
						Minutes:     minutes,
						Date:        date,
						Description: desc,
						Billable:    billable,
					})
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(entry, renderTimeEntries(entry))
			})
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 0, "minutes worked")
	cmd.Flags().StringVar(&date, "date", "", "work date YYYY-MM-DD (defaults to today)")
	cmd.Flags().StringVar(&desc, "description", "", "what was done")
	cmd.Flags().BoolVar(&billable, "billable", false, "billable time")
	return cmd
}

func timeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <task-id|key>",
		Short: "List time logged on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				t, err := resolveTask(ctx, s, args[0])
				if err != nil {
					return err
				}
				items, err := s.Engine.ListTimeEntries(ctx, t.ID, s.actor.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, renderTimeEntries(items...))
			})
		},
	}
}
