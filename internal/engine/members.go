package engine

import (
	"context"
	"errors"
	"fmt"

	"trackline/internal/domain"
	"trackline/internal/engine/auth"
	"trackline/internal/events"
	"trackline/internal/store"
)

type InviteOptions struct {
	WorkspaceID string
	ActorID     string
	Email       string
	Name        string
	Role        domain.Role
}

// InviteMember adds an INVITED membership. The seat is reserved immediately.
func (e *Engine) InviteMember(ctx context.Context, opts InviteOptions) (domain.Membership, error) {
	var out domain.Membership
	email, err := normalizeEmail(opts.Email)
	if err != nil {
		return out, err
	}
	if opts.Role == "" {
		opts.Role = domain.RoleMember
	}
	if !opts.Role.Valid() {
		return out, invalid("role", "unknown role %q", opts.Role)
	}
	err = e.mutate(ctx, op{name: "InviteMember", workspaceID: opts.WorkspaceID, actorID: opts.ActorID, action: auth.InviteMember},
		func(ctx context.Context, s *scope) error {
			if err := requireOwnerFor(s.role, opts.Role); err != nil {
				return err
			}
			u, _, err := e.ensureUser(ctx, s.tx, email, opts.Name)
			if err != nil {
				return err
			}
			if _, err := s.tx.GetMembership(ctx, s.workspace.ID, u.ID); err == nil {
				return fmt.Errorf("%s is already a member: %w", email, ErrConflict)
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if err := e.Quota.CheckAndReserve(ctx, s.tx, s.workspace.ID, domain.ResourceMembers, 1); err != nil {
				return err
			}
			m := domain.Membership{
				WorkspaceID: s.workspace.ID,
				UserID:      u.ID,
				Role:        opts.Role,
				Status:      domain.MembershipInvited,
				JoinedAt:    e.timestamp(),
			}
			if err := s.tx.InsertMembership(ctx, m); err != nil {
				return err
			}
			m.User = &u
			out = m
			return s.audit(ctx, "member.invited", "membership", u.ID, events.Payload{"email": email, "role": opts.Role})
		})
	return out, err
}

// AcceptInvite activates the actor's own pending membership.
func (e *Engine) AcceptInvite(ctx context.Context, workspaceID, actorID string) (domain.Membership, error) {
	var out domain.Membership
	err := e.mutate(ctx, op{name: "AcceptInvite", workspaceID: workspaceID, actorID: actorID, selfService: true},
		func(ctx context.Context, s *scope) error {
			m, err := s.tx.GetMembership(ctx, workspaceID, actorID)
			if err != nil {
				return fmt.Errorf("membership: %w", err)
			}
			if m.Status != domain.MembershipInvited {
				return invalid("status", "membership is %s, not INVITED", m.Status)
			}
			m.Status = domain.MembershipActive
			m.JoinedAt = e.timestamp()
			if err := s.tx.UpdateMembership(ctx, m); err != nil {
				return err
			}
			out = m
			return s.audit(ctx, "member.joined", "membership", actorID, events.Payload{"role": m.Role})
		})
	return out, err
}

// ChangeMemberRole sets the role of an existing member.
func (e *Engine) ChangeMemberRole(ctx context.Context, workspaceID, actorID, userID string, role domain.Role) (domain.Membership, error) {
	var out domain.Membership
	if !role.Valid() {
		return out, invalid("role", "unknown role %q", role)
	}
	err := e.mutate(ctx, op{name: "ChangeMemberRole", workspaceID: workspaceID, actorID: actorID, action: auth.ManageRoles},
		func(ctx context.Context, s *scope) error {
			m, err := s.tx.GetMembership(ctx, workspaceID, userID)
			if err != nil {
				return fmt.Errorf("member %s: %w", userID, err)
			}
			if err := requireOwnerFor(s.role, m.Role, role); err != nil {
				return err
			}
			if m.Role == role {
				out = m
				return nil
			}
			if m.Role == domain.RoleOwner && m.Status == domain.MembershipActive {
				if err := ensureAnotherOwner(ctx, s.tx, workspaceID); err != nil {
					return err
				}
			}
			from := m.Role
			m.Role = role
			if err := s.tx.UpdateMembership(ctx, m); err != nil {
				return err
			}
			out = m
			return s.audit(ctx, "member.role_changed", "membership", userID, events.Payload{"from": from, "to": role})
		})
	return out, err
}

// UpdateMemberStatus suspends or reactivates a member.
func (e *Engine) UpdateMemberStatus(ctx context.Context, workspaceID, actorID, userID string, status domain.MembershipStatus) (domain.Membership, error) {
	var out domain.Membership
	if status != domain.MembershipActive && status != domain.MembershipSuspended {
		return out, invalid("status", "must be ACTIVE or SUSPENDED")
	}
	err := e.mutate(ctx, op{name: "UpdateMemberStatus", workspaceID: workspaceID, actorID: actorID, action: auth.ManageRoles},
		func(ctx context.Context, s *scope) error {
			m, err := s.tx.GetMembership(ctx, workspaceID, userID)
			if err != nil {
				return fmt.Errorf("member %s: %w", userID, err)
			}
			if err := requireOwnerFor(s.role, m.Role); err != nil {
				return err
			}
			if m.Status == status {
				out = m
				return nil
			}
			if m.Status == domain.MembershipInvited && status == domain.MembershipActive {
				return invalid("status", "invited members activate by accepting the invite")
			}
			if status == domain.MembershipSuspended && m.Role == domain.RoleOwner && m.Status == domain.MembershipActive {
				if err := ensureAnotherOwner(ctx, s.tx, workspaceID); err != nil {
					return err
				}
			}
			from := m.Status
			m.Status = status
			if err := s.tx.UpdateMembership(ctx, m); err != nil {
				return err
			}
			out = m
			return s.audit(ctx, "member.status_changed", "membership", userID, events.Payload{"from": from, "to": status})
		})
	return out, err
}

// RemoveMember deletes a membership, frees its seat and drops the user from
// project member lists. Project leads must be replaced first.
func (e *Engine) RemoveMember(ctx context.Context, workspaceID, actorID, userID string) error {
	return e.mutate(ctx, op{name: "RemoveMember", workspaceID: workspaceID, actorID: actorID, action: auth.RemoveMember},
		func(ctx context.Context, s *scope) error {
			m, err := s.tx.GetMembership(ctx, workspaceID, userID)
			if err != nil {
				return fmt.Errorf("member %s: %w", userID, err)
			}
			if err := requireOwnerFor(s.role, m.Role); err != nil {
				return err
			}
			if m.Role == domain.RoleOwner && m.Status == domain.MembershipActive {
				if err := ensureAnotherOwner(ctx, s.tx, workspaceID); err != nil {
					return err
				}
			}
			projects, err := s.tx.ListProjects(ctx, workspaceID)
			if err != nil {
				return err
			}
			for _, p := range projects {
				if p.LeadID == userID {
					return invalid("user_id", "leads project %s; assign another lead first", p.Key)
				}
			}
			if err := s.tx.DeleteMembership(ctx, workspaceID, userID); err != nil {
				return err
			}
			if err := e.Quota.Release(ctx, s.tx, workspaceID, domain.ResourceMembers, 1); err != nil {
				return err
			}
			for _, p := range projects {
				kept := p.MemberIDs[:0]
				for _, id := range p.MemberIDs {
					if id != userID {
						kept = append(kept, id)
					}
				}
				if len(kept) == len(p.MemberIDs) {
					continue
				}
				p.MemberIDs = kept
				p.UpdatedAt = e.timestamp()
				if err := s.tx.UpdateProject(ctx, p); err != nil {
					return err
				}
			}
			return s.audit(ctx, "member.removed", "membership", userID, events.Payload{"role": m.Role, "status": m.Status})
		})
}

// requireOwnerFor keeps OWNER grants and changes to owners with owners.
func requireOwnerFor(actor domain.Role, roles ...domain.Role) error {
	for _, r := range roles {
		if r == domain.RoleOwner && actor != domain.RoleOwner {
			return auth.ForbiddenError{Action: string(auth.ManageRoles), Role: actor, RequiredRoles: []domain.Role{domain.RoleOwner}}
		}
	}
	return nil
}

func ensureAnotherOwner(ctx context.Context, tx store.Tx, workspaceID string) error {
	n, err := tx.CountActiveOwners(ctx, workspaceID)
	if err != nil {
		return err
	}
	if n <= 1 {
		return ErrLastOwner
	}
	return nil
}
