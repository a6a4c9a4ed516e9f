package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/engine/quota"
)

func workspaceCmd() *cobra.Command {
	ws := &cobra.Command{Use: "workspace", Short: "Manage workspaces"}
	ws.AddCommand(workspaceCreateCmd())
	ws.AddCommand(workspaceListCmd())
	ws.AddCommand(workspaceShowCmd())
	ws.AddCommand(workspaceUpdateCmd())
	ws.AddCommand(workspaceArchiveCmd())
	ws.AddCommand(workspaceDeleteCmd())
	return ws
}

func renderWorkspaces(items ...domain.Workspace) func(table.Writer) {
	return func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Name", "Slug", "Status", "Created"})
		for _, w := range items {
			tw.AppendRow(table.Row{w.ID, w.Name, w.Slug, w.Status, w.CreatedAt})
		}
	}
}

func workspaceCreateCmd() *cobra.Command {
	var name, slug, timezone string
	var workingDays []int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workspace on the FREE plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				ws, err := retry(ctx, s, func(ctx context.Context) (domain.Workspace, error) {
					return s.Engine.CreateWorkspace(ctx, engine.WorkspaceCreateOptions{
						ActorID:  s.actor.ID,
						Name:     name,
						Slug:     slug,
						Settings: domain.WorkspaceSettings{Timezone: timezone, WorkingDays: workingDays},
					})
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ws, renderWorkspaces(ws))
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "workspace name")
	cmd.Flags().StringVar(&slug, "slug", "", "url slug (derived from name when empty)")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone")
	cmd.Flags().IntSliceVar(&workingDays, "working-days", nil, "working weekdays, 0 is Sunday")
	return cmd
}

func workspaceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workspaces the acting user belongs to",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				items, err := s.Engine.ListWorkspaces(ctx, s.actor.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, renderWorkspaces(items...))
			})
		},
	}
}

func workspaceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the selected workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsID, err := workspaceID()
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				ws, err := s.Engine.GetWorkspace(ctx, wsID, s.actor.ID)
				if err != nil {
					return err
				}
				return printJSON(ws)
			})
		},
	}
}

func workspaceUpdateCmd() *cobra.Command {
	var name, timezone string
	var workingDays []int
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Rename a workspace or change its settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsID, err := workspaceID()
			if err != nil {
				return err
			}
			opts := engine.WorkspaceUpdateOptions{WorkspaceID: wsID}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("timezone") || cmd.Flags().Changed("working-days") {
				opts.Settings = &domain.WorkspaceSettings{Timezone: timezone, WorkingDays: workingDays}
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				opts.ActorID = s.actor.ID
				ws, err := retry(ctx, s, func(ctx context.Context) (domain.Workspace, error) {
					return s.Engine.UpdateWorkspace(ctx, opts)
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ws, renderWorkspaces(ws))
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone")
	cmd.Flags().IntSliceVar(&workingDays, "working-days", nil, "working weekdays, 0 is Sunday")
	return cmd
}

func workspaceArchiveCmd() *cobra.Command {
	return workspaceStatusCmd("archive", "Archive the workspace (read-only afterwards)", (*engine.Engine).ArchiveWorkspace)
}

func workspaceDeleteCmd() *cobra.Command {
	return workspaceStatusCmd("delete", "Delete the workspace", (*engine.Engine).DeleteWorkspace)
}

func workspaceStatusCmd(use, short string, fn func(*engine.Engine, context.Context, string, string) (domain.Workspace, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			wsID, err := workspaceID()
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				ws, err := retry(ctx, s, func(ctx context.Context) (domain.Workspace, error) {
					return fn(s.Engine, ctx, wsID, s.actor.ID)
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ws, renderWorkspaces(ws))
			})
		},
	}
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{Use: "plan", Short: "Plan tier and quota"}
	plan.AddCommand(planQuotaCmd())
	plan.AddCommand(planUpgradeCmd())
	plan.AddCommand(planStorageCmd())
	return plan
}

func renderQuota(q quota.Snapshot) func(table.Writer) {
	limit := func(v int64) any {
		if v == 0 {
			return "unlimited"
		}
		return v
	}
	return func(tw table.Writer) {
		tw.SetTitle(fmt.Sprintf("Plan %s", q.Plan.Tier))
		tw.AppendHeader(table.Row{"Resource", "Used", "Limit"})
		tw.AppendRow(table.Row{domain.ResourceMembers, q.Usage.MembersCount, limit(q.Plan.MaxMembers)})
		tw.AppendRow(table.Row{domain.ResourceProjects, q.Usage.ProjectsCount, limit(q.Plan.MaxProjects)})
		tw.AppendRow(table.Row{domain.ResourceStorage, q.Usage.StorageBytes, limit(q.Plan.StorageQuotaBytes)})
	}
}

func planQuotaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show plan limits and usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsID, err := workspaceID()
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				q, err := s.Engine.GetQuota(ctx, wsID, s.actor.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(q, renderQuota(q))
			})
		},
	}
}

func planUpgradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade <FREE|PRO|BUSINESS>",
		Short: "Change the plan tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wsID, err := workspaceID()
			if err != nil {
				return err
			}
			tier := domain.PlanTier(strings.ToUpper(args[0]))
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				plan, err := retry(ctx, s, func(ctx context.Context) (domain.Plan, error) {
					return s.Engine.UpgradePlan(ctx, wsID, s.actor.ID, tier)
				})
				if err != nil {
					return err
				}
				return printJSON(plan)
			})
		},
	}
}

func planStorageCmd() *cobra.Command {
	var bytes int64
	var taskID string
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Record attachment bytes (negative to release)",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsID, err := workspaceID()
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				usage, err := retry(ctx, s, func(ctx context.Context) (domain.Usage, error) {
					return s.Engine.RecordStorage(ctx, engine.StorageOptions{WorkspaceID: wsID, ActorID: s.actor.ID, TaskID: taskID, Bytes: bytes})
				})
				if err != nil {
					return err
				}
				return printJSON(usage)
			})
		},
	}
	cmd.Flags().Int64Var(&bytes, "bytes", 0, "bytes attached (negative when removed)")
	cmd.Flags().StringVar(&taskID, "task", "", "task the attachment belongs to")
	return cmd
}

func memberCmd() *cobra.Command {
	m := &cobra.Command{Use: "member", Short: "Manage workspace members"}
	m.AddCommand(memberListCmd())
	m.AddCommand(memberInviteCmd())
	m.AddCommand(memberAcceptCmd())
	m.AddCommand(memberRoleCmd())
	m.AddCommand(memberStatusCmd("suspend", "Suspend a member", domain.MembershipSuspended))
	m.AddCommand(memberStatusCmd("activate", "Reactivate a suspended member", domain.MembershipActive))
	m.AddCommand(memberRemoveCmd())
	return m
}

func renderMembers(items ...domain.Membership) func(table.Writer) {
	return func(tw table.Writer) {
		tw.AppendHeader(table.Row{"User", "Email", "Role", "Status", "Joined"})
		for _, m := range items {
			email := ""
			if m.User != nil {
				email = m.User.Email
			}
			tw.AppendRow(table.Row{m.UserID, email, m.Role, m.Status, m.JoinedAt})
		}
	}
}

// resolveMember accepts a user id or the email of an existing member.
func resolveMember(ctx context.Context, s session, wsID, ref string) (string, error) {
	if !strings.Contains(ref, "@") {
		return ref, nil
	}
	members, err := s.Engine.ListMembers(ctx, wsID, s.actor.ID)
	if err != nil {
		return "", err
	}
	for _, m := range members {
		if m.User != nil && strings.EqualFold(m.User.Email, ref) {
			return m.UserID, nil
		}
	}
	return "", fmt.Errorf("member %s: %w", ref, engine.ErrNotFound)
}

func memberListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List members",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsID, err := workspaceID()
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				items, err := s.Engine.ListMembers(ctx, wsID, s.actor.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, renderMembers(items...))
			})
		},
	}
}

func memberInviteCmd() *cobra.Command {
	var name, role string
	cmd := &cobra.Command{
		Use:   "invite <email>",
		Short: "Invite a user, reserving a seat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wsID, err := workspaceID()
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				m, err := retry(ctx, s, func(ctx context.Context) (domain.Membership, error) {
					return s.Engine.InviteMember(ctx, engine.InviteOptions{
						WorkspaceID: wsID,
						ActorID:     s.actor.ID,
						Email:       args[0],
						Name:        name,
						Role:        domain.Role(strings.ToUpper(role)),
					})
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m, renderMembers(m))
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name for a new user")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleMember), "OWNER, ADMIN, MEMBER or VIEWER")
	return cmd
}

func memberAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept",
		Short: "Accept the acting user's invite",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsID, err := workspaceID()
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				m, err := retry(ctx, s, func(ctx context.Context) (domain.Membership, error) {
					return s.Engine.AcceptInvite(ctx, wsID, s.actor.ID)
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m, renderMembers(m))
			})
		},
	}
}

func memberRoleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "role <user-id|email> <role>",
		Short: "Change a member's role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wsID, err := workspaceID()
			if err != nil {
				return err
			}
			role := domain.Role(strings.ToUpper(args[1]))
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				userID, err := resolveMember(ctx, s, wsID, args[0])
				if err != nil {
					return err
				}
				m, err := retry(ctx, s, func(ctx context.Context) (domain.Membership, error) {
					return s.Engine.ChangeMemberRole(ctx, wsID, s.actor.ID, userID, role)
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m, renderMembers(m))
			})
		},
	}
}

func memberStatusCmd(use, short string, status domain.MembershipStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <user-id|email>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wsID, err := workspaceID()
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				userID, err := resolveMember(ctx, s, wsID, args[0])
				if err != nil {
					return err
				}
				m, err := retry(ctx, s, func(ctx context.Context) (domain.Membership, error) {
					return s.Engine.UpdateMemberStatus(ctx, wsID, s.actor.ID, userID, status)
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m, renderMembers(m))
			})
		},
	}
}

func memberRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <user-id|email>",
		Short: "Remove a member and free the seat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wsID, err := workspaceID()
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				userID, err := resolveMember(ctx, s, wsID, args[0])
				if err != nil {
					return err
				}
				_, err = retry(ctx, s, func(ctx context.Context) (struct{}, error) {
					return struct{}{}, s.Engine.RemoveMember(ctx, wsID, s.actor.ID, userID)
				})
				if err != nil {
					return err
				}
				fmt.Println("removed", userID)
				return nil
			})
		},
	}
}

func auditCmd() *cobra.Command {
	a := &cobra.Command{Use: "audit", Short: "Workspace audit log"}
	a.AddCommand(auditListCmd())
	return a
}

func auditListCmd() *cobra.Command {
	var limit int
	var before int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			wsID, err := workspaceID()
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, s session) error {
				items, err := s.Engine.ListAudit(ctx, wsID, s.actor.ID, limit, before)
				if err != nil {
					return err
				}
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "At", "Actor", "Action", "Target"})
					for _, e := range items {
						tw.AppendRow(table.Row{e.ID, e.CreatedAt, e.ActorID, e.Action, e.TargetType + ":" + e.TargetID})
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries")
	cmd.Flags().Int64Var(&before, "before", 0, "only entries with an id below this cursor")
	return cmd
}
