package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/engine/workflow"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func renderProjects(items ...domain.Project) func(table.Writer) {
	return func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Key", "Name", "Status", "Lead", "Statuses"})
		for _, p := range items {
			ids := make([]string, len(p.Workflow))
			for i, st := range p.Workflow {
				ids[i] = st.ID
			}
			tw.AppendRow(table.Row{p.ID, p.Key, p.Name, p.Status, p.LeadID, strings.Join(ids, " > ")})
		}
	}
}

// resolveProject accepts a project id, or a project key when a workspace is selected.
func resolveProject(ctx context.Context, s session, ref string) (string, error) {
	wsID := viper.GetString("workspace-id")
	if wsID == "" || ref != strings.ToUpper(ref) {
		return ref, nil
	}
	projects, err := s.Engine.ListProjects(ctx, wsID, s.actor.ID)
	if err != nil {
		return "", err
	}
	for _, p := range projects {
		if p.Key == ref {
			return p.ID, nil
		}
	}
	return ref, nil
}

func toIssueTypes(in []string) []domain.IssueType {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.IssueType, len(in))
	for i, v := range in {
		out[i] = domain.IssueType(strings.ToUpper(v))
	}
	return out
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsID, err := workspaceID()
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				items, err := s.Engine.ListProjects(ctx, wsID, s.actor.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, renderProjects(items...))
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var name, key, desc, lead, status, wfPath string
	var members, issueTypes []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project, reserving a project slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsID, err := workspaceID()
			if err != nil {
				return err
			}
			if name == "" {
				return fmt.Errorf("--name required")
			}
			var wf []domain.WorkflowStatus
			if wfPath != "" {
				def, err := readWorkflowFile(wfPath)
				if err != nil {
					return err
				}
				wf = def.Statuses
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				p, err := retry(ctx, s, func(ctx context.Context) (domain.Project, error) {
					return s.Engine.CreateProject(ctx, engine.ProjectCreateOptions{
						WorkspaceID: wsID,
						ActorID:     s.actor.ID,
						Name:        name,
						Key:         key,
						Description: desc,
						LeadID:      lead,
						MemberIDs:   members,
						Workflow:    wf,
						IssueTypes:  toIssueTypes(issueTypes),
						Status:      domain.ProjectStatus(strings.ToUpper(status)),
					})
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p, renderProjects(p))
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&key, "key", "", "task key prefix (derived from name when empty)")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&lead, "lead", "", "lead user id (defaults to the acting user)")
	cmd.Flags().StringSliceVar(&members, "member", nil, "member user ids")
	cmd.Flags().StringSliceVar(&issueTypes, "issue-type", nil, "allowed issue types")
	cmd.Flags().StringVar(&status, "status", "", "ACTIVE or PLANNING")
	cmd.Flags().StringVar(&wfPath, "workflow", "", "workflow file (yaml or json)")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id|key>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				id, err := resolveProject(ctx, s, args[0])
				if err != nil {
					return err
				}
				p, err := s.Engine.GetProject(ctx, id, s.actor.ID)
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
}

func projectUpdateCmd() *cobra.Command {
	var name, desc, lead, status string
	var members, issueTypes []string
	cmd := &cobra.Command{
		Use:   "update <project-id|key>",
		Short: "Update project metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ProjectUpdateOptions{}
			flags := cmd.Flags()
			if flags.Changed("name") {
				opts.Name = &name
			}
			if flags.Changed("description") {
				opts.Description = &desc
			}
			if flags.Changed("lead") {
				opts.LeadID = &lead
			}
			if flags.Changed("member") {
				opts.MemberIDs = &members
			}
			if flags.Changed("issue-type") {
				types := toIssueTypes(issueTypes)
				opts.IssueTypes = &types
			}
			if flags.Changed("status") {
				st := domain.ProjectStatus(strings.ToUpper(status))
				opts.Status = &st
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				id, err := resolveProject(ctx, s, args[0])
				if err != nil {
					return err
				}
				opts.ProjectID = id
				opts.ActorID = s.actor.ID
				p, err := retry(ctx, s, func(ctx context.Context) (domain.Project, error) {
					return s.Engine.UpdateProject(ctx, opts)
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p, renderProjects(p))
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&lead, "lead", "", "lead user id")
	cmd.Flags().StringSliceVar(&members, "member", nil, "member user ids (replaces the list)")
	cmd.Flags().StringSliceVar(&issueTypes, "issue-type", nil, "allowed issue types (replaces the list)")
	cmd.Flags().StringVar(&status, "status", "", "ACTIVE, PLANNING or ARCHIVED")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project-id|key>",
		Short: "Delete a project with its tasks and links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				id, err := resolveProject(ctx, s, args[0])
				if err != nil {
					return err
				}
				_, err = retry(ctx, s, func(ctx context.Context) (struct{}, error) {
					return struct{}{}, s.Engine.DeleteProject(ctx, id, s.actor.ID)
				})
				if err != nil {
					return err
				}
				fmt.Println("deleted", id)
				return nil
			})
		},
	}
}

// workflowFile is the on-disk form of a workflow edit.
type workflowFile struct {
	Statuses []domain.WorkflowStatus `yaml:"statuses"`
	Remap    map[string]string       `yaml:"remap"`
}

func readWorkflowFile(path string) (workflowFile, error) {
	var wf workflowFile
	data, err := os.ReadFile(path)
	if err != nil {
		return wf, err
	}
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return wf, fmt.Errorf("%s: %w", path, err)
	}
	if len(wf.Statuses) == 0 {
		return wf, fmt.Errorf("%s: statuses required", path)
	}
	return wf, nil
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Project workflows"}
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowSetCmd())
	return wf
}

func workflowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id|key>",
		Short: "Show a project's statuses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				id, err := resolveProject(ctx, s, args[0])
				if err != nil {
					return err
				}
				p, err := s.Engine.GetProject(ctx, id, s.actor.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p.Workflow, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"#", "ID", "Label", "Category", "WIP", "Roles"})
					for i, st := range p.Workflow {
						wip := "-"
						if st.WipLimit != nil {
							wip = fmt.Sprint(*st.WipLimit)
						}
						roles := make([]string, len(st.AllowedRoles))
						for j, r := range st.AllowedRoles {
							roles[j] = string(r)
						}
						tw.AppendRow(table.Row{i, st.ID, st.Label, st.Category, wip, strings.Join(roles, ",")})
					}
				})
			})
		},
	}
}

func workflowSetCmd() *cobra.Command {
	var file string
	var remap map[string]string
	cmd := &cobra.Command{
		Use:   "set <project-id|key>",
		Short: "Replace a project's workflow from a file",
		Long: `Replace a project's workflow. The file lists the statuses and, optionally,
where tasks in removed statuses go:

  statuses:
    - {id: todo, label: To Do, category: TODO}
    - {id: doing, label: Doing, category: IN_PROGRESS, wip_limit: 2}
    - {id: done, label: Done, category: DONE}
  remap:
    in_progress: doing`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			def, err := readWorkflowFile(file)
			if err != nil {
				return err
			}
			if def.Remap == nil {
				def.Remap = map[string]string{}
			}
			for from, to := range remap {
				def.Remap[from] = to
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				id, err := resolveProject(ctx, s, args[0])
				if err != nil {
					return err
				}
				type result struct {
					Project domain.Project  `json:"project"`
					Moves   []workflow.Move `json:"moves"`
				}
				res, err := retry(ctx, s, func(ctx context.Context) (result, error) {
					p, moves, err := s.Engine.UpdateWorkflow(ctx, engine.WorkflowUpdateOptions{
						ProjectID: id,
						ActorID:   s.actor.ID,
						Statuses:  def.Statuses,
						Remap:     def.Remap,
					})
					return result{Project: p, Moves: moves}, err
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res, func(tw table.Writer) {
					tw.SetTitle(fmt.Sprintf("%s workflow updated", res.Project.Key))
					tw.AppendHeader(table.Row{"From", "To", "Tasks"})
					for _, m := range res.Moves {
						tw.AppendRow(table.Row{m.From, m.To, m.Tasks})
					}
				})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "workflow file (yaml or json)")
	cmd.Flags().StringToStringVar(&remap, "remap", nil, "removed=kept status pairs, added to the file's remap")
	return cmd
}
