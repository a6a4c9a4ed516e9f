package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/store"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskMoveCmd())
	task.AddCommand(taskLinkCmd())
	task.AddCommand(taskUnlinkCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskTreeCmd())
	task.AddCommand(commentCmd())
	task.AddCommand(timeCmd())
	return task
}

func renderTasks(items ...domain.Task) func(table.Writer) {
	return func(tw table.Writer) {
		tw.AppendHeader(table.Row{"Key", "Title", "Type", "Status", "Priority", "Assignee", "Links"})
		for _, t := range items {
			tw.AppendRow(table.Row{t.Key, t.Title, t.Type, t.Status, t.Priority, deref(t.AssigneeID), len(t.Links)})
		}
	}
}

// resolveTask accepts a task id, or a key such as ENG-42 when a workspace is
// selected.
func resolveTask(ctx context.Context, s session, ref string) (domain.Task, error) {
	wsID := viper.GetString("workspace-id")
	if wsID != "" {
		if _, _, err := engine.ParseTaskKey(ref); err == nil {
			t, err := s.Engine.GetTaskByKey(ctx, wsID, s.actor.ID, ref)
			if err == nil || !errors.Is(err, engine.ErrNotFound) {
				return t, err
			}
		}
	}
	return s.Engine.GetTask(ctx, ref, s.actor.ID)
}

func taskCreateCmd() *cobra.Command {
	var project, title, desc, typ, status, priority, assignee, parent, due string
	var estimate float64
	var labels []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if project == "" || title == "" {
				return fmt.Errorf("--project and --title required")
			}
			opts := engine.TaskCreateOptions{
				Title:       title,
				Description: desc,
				Type:        domain.IssueType(strings.ToUpper(typ)),
				Status:      status,
				Priority:    domain.Priority(strings.ToUpper(priority)),
				AssigneeID:  assignee,
				DueDate:     due,
				Labels:      labels,
			}
			if cmd.Flags().Changed("estimate") {
				opts.EstimateHours = &estimate
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				projectID, err := resolveProject(ctx, s, project)
				if err != nil {
					return err
				}
				opts.ProjectID = projectID
				opts.ActorID = s.actor.ID
				if parent != "" {
					p, err := resolveTask(ctx, s, parent)
					if err != nil {
						return err
					}
					opts.ParentID = p.ID
				}
				t, err := retry(ctx, s, func(ctx context.Context) (domain.Task, error) {
					return s.Engine.CreateTask(ctx, opts)
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t, renderTasks(t))
			})
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "project id or key")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&typ, "type", "", "STORY, TASK, BUG or EPIC")
	cmd.Flags().StringVar(&status, "status", "", "initial status (first workflow status when empty)")
	cmd.Flags().StringVar(&priority, "priority", "", "LOW, MEDIUM, HIGH or URGENT")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee user id")
	cmd.Flags().StringVar(&parent, "parent", "", "parent task id or key")
	cmd.Flags().StringVar(&due, "due", "", "due date YYYY-MM-DD")
	cmd.Flags().Float64Var(&estimate, "estimate", 0, "estimate in hours")
	cmd.Flags().StringSliceVar(&labels, "label", nil, "labels")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f store.TaskFilter
	var project string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsID, err := workspaceID()
			if err != nil {
				return err
			}
			f.WorkspaceID = wsID
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				if project != "" {
					if f.ProjectID, err = resolveProject(ctx, s, project); err != nil {
						return err
					}
				}
				items, err := s.Engine.ListTasks(ctx, s.actor.ID, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, renderTasks(items...))
			})
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "project id or key")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&f.Label, "label", "", "label filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum number of tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id|key>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				t, err := resolveTask(ctx, s, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var title, desc, typ, priority, assignee, parent, due, status string
	var estimate float64
	var clearEstimate bool
	var labels, addLabels, removeLabels []string
	cmd := &cobra.Command{
		Use:   "update <task-id|key>",
		Short: "Update task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			opts := engine.TaskUpdateOptions{
				AddLabels:     addLabels,
				RemoveLabels:  removeLabels,
				ClearEstimate: clearEstimate,
			}
			if flags.Changed("title") {
				opts.Title = &title
			}
			if flags.Changed("description") {
				opts.Description = &desc
			}
			if flags.Changed("type") {
				v := domain.IssueType(strings.ToUpper(typ))
				opts.Type = &v
			}
			if flags.Changed("priority") {
				v := domain.Priority(strings.ToUpper(priority))
				opts.Priority = &v
			}
			if flags.Changed("assignee") {
				opts.AssigneeID = &assignee
			}
			if flags.Changed("due") {
				opts.DueDate = &due
			}
			if flags.Changed("estimate") {
				opts.EstimateHours = &estimate
			}
			if flags.Changed("label") {
				opts.Labels = &labels
			}
			if flags.Changed("status") {
				opts.Status = &status
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				t, err := resolveTask(ctx, s, args[0])
				if err != nil {
					return err
				}
				opts.TaskID = t.ID
				opts.ActorID = s.actor.ID
				if flags.Changed("parent") {
					parentID := ""
					if parent != "" {
						p, err := resolveTask(ctx, s, parent)
						if err != nil {
							return err
						}
						parentID = p.ID
					}
					opts.ParentID = &parentID
				}
				t, err = retry(ctx, s, func(ctx context.Context) (domain.Task, error) {
					return s.Engine.UpdateTask(ctx, opts)
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t, renderTasks(t))
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&typ, "type", "", "STORY, TASK, BUG or EPIC")
	cmd.Flags().StringVar(&priority, "priority", "", "LOW, MEDIUM, HIGH or URGENT")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee user id (empty to unassign)")
	cmd.Flags().StringVar(&parent, "parent", "", "parent task id or key (empty to detach)")
	cmd.Flags().StringVar(&due, "due", "", "due date YYYY-MM-DD (empty to clear)")
	cmd.Flags().Float64Var(&estimate, "estimate", 0, "estimate in hours")
	cmd.Flags().BoolVar(&clearEstimate, "clear-estimate", false, "remove the estimate")
	cmd.Flags().StringSliceVar(&labels, "label", nil, "replace labels")
	cmd.Flags().StringSliceVar(&addLabels, "add-label", nil, "add labels")
	cmd.Flags().StringSliceVar(&removeLabels, "remove-label", nil, "remove labels")
	cmd.Flags().StringVar(&status, "status", "", "move to status")
	return cmd
}

func taskMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <task-id|key> <status>",
		Short: "Move a task through the workflow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				t, err := resolveTask(ctx, s, args[0])
				if err != nil {
					return err
				}
				t, err = retry(ctx, s, func(ctx context.Context) (domain.Task, error) {
					return s.Engine.MoveTaskStatus(ctx, t.ID, s.actor.ID, args[1])
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t, renderTasks(t))
			})
		},
	}
}

func taskLinkCmd() *cobra.Command {
	var typ string
	cmd := &cobra.Command{
		Use:   "link <task> <target>",
		Short: "Link two tasks (both sides are written)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				src, dst, err := resolvePair(ctx, s, args[0], args[1])
				if err != nil {
					return err
				}
				t, err := retry(ctx, s, func(ctx context.Context) (domain.Task, error) {
					return s.Engine.LinkTasks(ctx, src.ID, dst.ID, s.actor.ID, domain.LinkType(strings.ToUpper(typ)))
				})
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", string(domain.LinkRelatesTo), "BLOCKS, BLOCKED_BY or RELATES_TO")
	return cmd
}

func taskUnlinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlink <task> <target>",
		Short: "Remove the link between two tasks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				src, dst, err := resolvePair(ctx, s, args[0], args[1])
				if err != nil {
					return err
				}
				t, err := retry(ctx, s, func(ctx context.Context) (domain.Task, error) {
					return s.Engine.UnlinkTasks(ctx, src.ID, dst.ID, s.actor.ID)
				})
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func resolvePair(ctx context.Context, s session, a, b string) (domain.Task, domain.Task, error) {
	src, err := resolveTask(ctx, s, a)
	if err != nil {
		return src, domain.Task{}, err
	}
	dst, err := resolveTask(ctx, s, b)
	return src, dst, err
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id|key>",
		Short: "Delete a task and every link touching it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				t, err := resolveTask(ctx, s, args[0])
				if err != nil {
					return err
				}
				t, err = retry(ctx, s, func(ctx context.Context) (domain.Task, error) {
					return s.Engine.DeleteTask(ctx, t.ID, s.actor.ID)
				})
				if err != nil {
					return err
				}
				fmt.Println("deleted", t.Key)
				return nil
			})
		},
	}
}

func taskTreeCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show the parent/child task tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsID, err := workspaceID()
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				f := store.TaskFilter{WorkspaceID: wsID}
				if project != "" {
					if f.ProjectID, err = resolveProject(ctx, s, project); err != nil {
						return err
					}
				}
				tasks, err := s.Engine.ListTasks(ctx, s.actor.ID, f)
				if err != nil {
					return err
				}
				nodes := map[string][]domain.Task{}
				var roots []domain.Task
				for _, t := range tasks {
					if t.ParentID != nil {
						nodes[*t.ParentID] = append(nodes[*t.ParentID], t)
					} else {
						roots = append(roots, t)
					}
				}
				if viper.GetBool("json") {
					type node struct {
						Task     domain.Task `json:"task"`
						Children []node      `json:"children,omitempty"`
					}
					var build func(t domain.Task) node
					build = func(t domain.Task) node {
						n := node{Task: t}
						for _, c := range nodes[t.ID] {
							n.Children = append(n.Children, build(c))
						}
						return n
					}
					var tree []node
					for _, r := range roots {
						tree = append(tree, build(r))
					}
					return printJSON(tree)
				}
				for i, r := range roots {
					printTaskTree(r, nodes, "", i == len(roots)-1)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "project id or key")
	return cmd
}

func printTaskTree(t domain.Task, children map[string][]domain.Task, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s %s [%s]\n", prefix, connector, t.Key, t.Title, t.Status)
	for i, c := range children[t.ID] {
		printTaskTree(c, children, newPrefix, i == len(children[t.ID])-1)
	}
}
