package engine

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"trackline/internal/domain"
	"trackline/internal/engine/auth"
	"trackline/internal/events"
	"trackline/internal/store"
)

var (
	slugPattern  = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
	slugReplacer = regexp.MustCompile(`[^a-z0-9]+`)
)

// Slugify derives a workspace slug from a display name.
func Slugify(name string) string {
	s := slugReplacer.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", invalid("email", "%q is not a valid address", email)
	}
	return email, nil
}

// EnsureUser returns the user registered under email, creating it if needed.
func (e *Engine) EnsureUser(ctx context.Context, email, name string) (domain.User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return domain.User{}, err
	}
	tx, err := e.Store.Begin(ctx)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	u, created, err := e.ensureUser(ctx, tx, email, name)
	if err != nil {
		return u, err
	}
	if !created {
		return u, nil
	}
	return u, tx.Commit()
}

func (e *Engine) ensureUser(ctx context.Context, tx store.Tx, email, name string) (domain.User, bool, error) {
	u, err := tx.GetUserByEmail(ctx, email)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return u, false, err
	}
	u = domain.User{ID: e.newID(), Email: email, Name: strings.TrimSpace(name), CreatedAt: e.timestamp()}
	if err := tx.InsertUser(ctx, u); err != nil {
		return u, false, fmt.Errorf("insert user: %w", err)
	}
	return u, true, nil
}

type WorkspaceCreateOptions struct {
	ActorID  string
	Name     string
	Slug     string
	Settings domain.WorkspaceSettings
}

// CreateWorkspace creates a workspace on the FREE plan with the actor as its
// only owner.
func (e *Engine) CreateWorkspace(ctx context.Context, opts WorkspaceCreateOptions) (ws domain.Workspace, err error) {
	ctx, end := e.Metrics.Start(ctx, "CreateWorkspace", "")
	defer func() { end(err, ErrorKind(err)) }()

	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return ws, invalid("name", "required")
	}
	slug := opts.Slug
	if slug == "" {
		slug = Slugify(name)
	}
	if !slugPattern.MatchString(slug) {
		return ws, invalid("slug", "%q must be lowercase letters, digits and dashes", slug)
	}
	tx, err := e.Store.Begin(ctx)
	if err != nil {
		return ws, err
	}
	defer tx.Rollback()

	owner, err := tx.GetUser(ctx, opts.ActorID)
	if err != nil {
		return ws, fmt.Errorf("user %s: %w", opts.ActorID, err)
	}
	now := e.timestamp()
	ws = domain.Workspace{
		ID:        e.newID(),
		Name:      name,
		Slug:      slug,
		OwnerID:   owner.ID,
		Status:    domain.WorkspaceActive,
		Settings:  opts.Settings,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.InsertWorkspace(ctx, ws); err != nil {
		return ws, fmt.Errorf("workspace slug %s: %w", slug, err)
	}
	if _, err := e.Quota.SwapPlan(ctx, tx, ws.ID, domain.TierFree, now); err != nil {
		return ws, err
	}
	if err := tx.InsertUsage(ctx, domain.Usage{WorkspaceID: ws.ID}); err != nil {
		return ws, err
	}
	if err := e.Quota.CheckAndReserve(ctx, tx, ws.ID, domain.ResourceMembers, 1); err != nil {
		return ws, err
	}
	if err := tx.InsertMembership(ctx, domain.Membership{
		WorkspaceID: ws.ID,
		UserID:      owner.ID,
		Role:        domain.RoleOwner,
		Status:      domain.MembershipActive,
		JoinedAt:    now,
	}); err != nil {
		return ws, err
	}
	if _, err := e.Events.Append(ctx, tx, "workspace.created", ws.ID, "workspace", ws.ID, owner.ID, events.Payload{
		"name": ws.Name, "slug": ws.Slug, "tier": domain.TierFree,
	}); err != nil {
		return ws, err
	}
	if err := tx.Commit(); err != nil {
		return ws, err
	}
	return ws, nil
}

type WorkspaceUpdateOptions struct {
	WorkspaceID string
	ActorID     string
	Name        *string
	Settings    *domain.WorkspaceSettings
}

// UpdateWorkspace renames a workspace or replaces its settings.
func (e *Engine) UpdateWorkspace(ctx context.Context, opts WorkspaceUpdateOptions) (domain.Workspace, error) {
	var out domain.Workspace
	err := e.mutate(ctx, op{name: "UpdateWorkspace", workspaceID: opts.WorkspaceID, actorID: opts.ActorID, action: auth.EditProject},
		func(ctx context.Context, s *scope) error {
			ws := s.workspace
			changed := []string{}
			if opts.Name != nil {
				name := strings.TrimSpace(*opts.Name)
				if name == "" {
					return invalid("name", "required")
				}
				ws.Name = name
				changed = append(changed, "name")
			}
			if opts.Settings != nil {
				for _, d := range opts.Settings.WorkingDays {
					if d < 0 || d > 6 {
						return invalid("settings.working_days", "%d is not a weekday (0-6)", d)
					}
				}
				ws.Settings = *opts.Settings
				changed = append(changed, "settings")
			}
			ws.UpdatedAt = e.timestamp()
			if err := s.tx.UpdateWorkspace(ctx, ws); err != nil {
				return err
			}
			out = ws
			return s.audit(ctx, "workspace.updated", "workspace", ws.ID, events.Payload{"fields": changed})
		})
	return out, err
}

// ArchiveWorkspace freezes a workspace; it stays readable.
func (e *Engine) ArchiveWorkspace(ctx context.Context, workspaceID, actorID string) (domain.Workspace, error) {
	return e.setWorkspaceStatus(ctx, op{name: "ArchiveWorkspace", workspaceID: workspaceID, actorID: actorID, action: auth.ArchiveWorkspace},
		domain.WorkspaceArchived, "workspace.archived")
}

// DeleteWorkspace tombstones a workspace. Rows and audit history are kept.
func (e *Engine) DeleteWorkspace(ctx context.Context, workspaceID, actorID string) (domain.Workspace, error) {
	return e.setWorkspaceStatus(ctx, op{name: "DeleteWorkspace", workspaceID: workspaceID, actorID: actorID, action: auth.DeleteWorkspace, allowArchived: true},
		domain.WorkspaceDeleted, "workspace.deleted")
}

func (e *Engine) setWorkspaceStatus(ctx context.Context, o op, status domain.WorkspaceStatus, action string) (domain.Workspace, error) {
	var out domain.Workspace
	err := e.mutate(ctx, o, func(ctx context.Context, s *scope) error {
		ws := s.workspace
		from := ws.Status
		ws.Status = status
		ws.UpdatedAt = e.timestamp()
		if err := s.tx.UpdateWorkspace(ctx, ws); err != nil {
			return err
		}
		out = ws
		return s.audit(ctx, action, "workspace", ws.ID, events.Payload{"from": from, "to": status})
	})
	return out, err
}

// UpgradePlan moves the workspace to tier. Downgrades never evict; they only
// block further growth until usage fits again.
func (e *Engine) UpgradePlan(ctx context.Context, workspaceID, actorID string, tier domain.PlanTier) (domain.Plan, error) {
	var out domain.Plan
	err := e.mutate(ctx, op{name: "UpgradePlan", workspaceID: workspaceID, actorID: actorID, action: auth.ManageBilling},
		func(ctx context.Context, s *scope) error {
			prev, err := s.tx.GetPlan(ctx, workspaceID)
			if err != nil {
				return err
			}
			plan, err := e.Quota.SwapPlan(ctx, s.tx, workspaceID, tier, e.timestamp())
			if err != nil {
				return invalid("tier", "%v", err)
			}
			out = plan
			return s.audit(ctx, "plan.changed", "plan", workspaceID, events.Payload{"from": prev.Tier, "to": plan.Tier})
		})
	return out, err
}

type StorageOptions struct {
	WorkspaceID string
	ActorID     string
	TaskID      string
	// Bytes is positive when attaching and negative when removing.
	Bytes int64
}

// RecordStorage charges or refunds attachment bytes against the STORAGE quota.
func (e *Engine) RecordStorage(ctx context.Context, opts StorageOptions) (domain.Usage, error) {
	var out domain.Usage
	err := e.mutate(ctx, op{name: "RecordStorage", workspaceID: opts.WorkspaceID, actorID: opts.ActorID, action: auth.EditTask},
		func(ctx context.Context, s *scope) error {
			if opts.Bytes == 0 {
				return invalid("bytes", "must not be zero")
			}
			if opts.TaskID != "" {
				t, err := s.tx.GetTask(ctx, opts.TaskID)
				if err != nil {
					return fmt.Errorf("task %s: %w", opts.TaskID, err)
				}
				if t.WorkspaceID != s.workspace.ID {
					return fmt.Errorf("task %s: %w", opts.TaskID, ErrNotFound)
				}
			}
			var err error
			if opts.Bytes > 0 {
				err = e.Quota.CheckAndReserve(ctx, s.tx, s.workspace.ID, domain.ResourceStorage, opts.Bytes)
			} else {
				err = e.Quota.Release(ctx, s.tx, s.workspace.ID, domain.ResourceStorage, -opts.Bytes)
			}
			if err != nil {
				return err
			}
			if out, err = s.tx.GetUsage(ctx, s.workspace.ID); err != nil {
				return err
			}
			return s.audit(ctx, "storage.recorded", "workspace", s.workspace.ID, events.Payload{"bytes": opts.Bytes, "task_id": opts.TaskID})
		})
	return out, err
}
