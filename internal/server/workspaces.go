package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/engine/quota"
)

// output wraps a response body.
type output[T any] struct {
	Body T
}

func reply[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

type workspacePath struct {
	WorkspaceID string `path:"workspace_id"`
}

func registerWorkspaces(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workspace",
		Method:        http.MethodPost,
		Path:          "/workspaces",
		Summary:       "Create workspace",
		Tags:          []string{"workspaces"},
		DefaultStatus: http.StatusCreated,
		Errors:        guardErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateWorkspaceRequest
	}) (*output[domain.Workspace], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.WorkspaceCreateOptions{ActorID: actorID, Name: input.Body.Name, Slug: input.Body.Slug}
		if input.Body.Settings != nil {
			opts.Settings = *input.Body.Settings
		}
		ws, err := e.CreateWorkspace(ctx, opts)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(ws), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workspaces",
		Method:      http.MethodGet,
		Path:        "/workspaces",
		Summary:     "List workspaces of the caller",
		Tags:        []string{"workspaces"},
		Errors:      readErrors,
	}, func(ctx context.Context, _ *struct{}) (*output[ListResponse[domain.Workspace]], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListWorkspaces(ctx, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(listOf(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workspace",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}",
		Summary:     "Get workspace",
		Tags:        []string{"workspaces"},
		Errors:      readErrors,
	}, func(ctx context.Context, input *workspacePath) (*output[domain.Workspace], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ws, err := e.GetWorkspace(ctx, input.WorkspaceID, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(ws), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-workspace",
		Method:      http.MethodPatch,
		Path:        "/workspaces/{workspace_id}",
		Summary:     "Rename workspace or replace its settings",
		Tags:        []string{"workspaces"},
		Errors:      guardErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Body        UpdateWorkspaceRequest
	}) (*output[domain.Workspace], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ws, err := e.UpdateWorkspace(ctx, engine.WorkspaceUpdateOptions{
			WorkspaceID: input.WorkspaceID,
			ActorID:     actorID,
			Name:        input.Body.Name,
			Settings:    input.Body.Settings,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(ws), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-workspace",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/archive",
		Summary:     "Archive workspace; it stops accepting mutations",
		Tags:        []string{"workspaces"},
		Errors:      guardErrors,
	}, func(ctx context.Context, input *workspacePath) (*output[domain.Workspace], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ws, err := e.ArchiveWorkspace(ctx, input.WorkspaceID, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(ws), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-workspace",
		Method:      http.MethodDelete,
		Path:        "/workspaces/{workspace_id}",
		Summary:     "Soft-delete workspace",
		Tags:        []string{"workspaces"},
		Errors:      guardErrors,
	}, func(ctx context.Context, input *workspacePath) (*output[domain.Workspace], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ws, err := e.DeleteWorkspace(ctx, input.WorkspaceID, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(ws), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upgrade-plan",
		Method:      http.MethodPut,
		Path:        "/workspaces/{workspace_id}/plan",
		Summary:     "Switch plan tier",
		Tags:        []string{"quota"},
		Errors:      guardErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Body        UpgradePlanRequest
	}) (*output[domain.Plan], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plan, err := e.UpgradePlan(ctx, input.WorkspaceID, actorID, input.Body.Tier)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(plan), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-quota",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/quota",
		Summary:     "Plan limits and current usage",
		Tags:        []string{"quota"},
		Errors:      readErrors,
	}, func(ctx context.Context, input *workspacePath) (*output[quota.Snapshot], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.GetQuota(ctx, input.WorkspaceID, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(snap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-storage",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/storage",
		Summary:     "Charge or refund attachment bytes",
		Tags:        []string{"quota"},
		Errors:      guardErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Body        RecordStorageRequest
	}) (*output[domain.Usage], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		usage, err := e.RecordStorage(ctx, engine.StorageOptions{
			WorkspaceID: input.WorkspaceID,
			ActorID:     actorID,
			TaskID:      input.Body.TaskID,
			Bytes:       input.Body.Bytes,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(usage), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/audit",
		Summary:     "Audit log, newest first",
		Tags:        []string{"audit"},
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Limit       int    `query:"limit" minimum:"0" maximum:"500"`
		Before      int64  `query:"before" minimum:"0" doc:"Return entries with an id lower than this cursor"`
	}) (*output[AuditPage], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListAudit(ctx, input.WorkspaceID, actorID, input.Limit, input.Before)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		page := AuditPage{Items: items}
		if page.Items == nil {
			page.Items = []domain.AuditEntry{}
		}
		if n := len(items); n > 0 && items[n-1].ID > 1 {
			page.NextBefore = items[n-1].ID
		}
		return reply(page), nil
	})
}

func registerMembers(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/members",
		Summary:     "List memberships",
		Tags:        []string{"members"},
		Errors:      readErrors,
	}, func(ctx context.Context, input *workspacePath) (*output[ListResponse[domain.Membership]], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListMembers(ctx, input.WorkspaceID, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(listOf(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "invite-member",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/members",
		Summary:       "Invite a user by e-mail; reserves a seat",
		Tags:          []string{"members"},
		DefaultStatus: http.StatusCreated,
		Errors:        guardErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Body        InviteMemberRequest
	}) (*output[domain.Membership], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.InviteMember(ctx, engine.InviteOptions{
			WorkspaceID: input.WorkspaceID,
			ActorID:     actorID,
			Email:       input.Body.Email,
			Name:        input.Body.Name,
			Role:        input.Body.Role,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-invite",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/members/accept",
		Summary:     "Accept the caller's pending invitation",
		Tags:        []string{"members"},
		Errors:      guardErrors,
	}, func(ctx context.Context, input *workspacePath) (*output[domain.Membership], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AcceptInvite(ctx, input.WorkspaceID, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-member",
		Method:      http.MethodPatch,
		Path:        "/workspaces/{workspace_id}/members/{user_id}",
		Summary:     "Change a member's role or suspend / reactivate them",
		Tags:        []string{"members"},
		Errors:      guardErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		UserID      string `path:"user_id"`
		Body        UpdateMemberRequest
	}) (*output[domain.Membership], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Role == nil && input.Body.Status == nil {
			return nil, newAPIError(http.StatusBadRequest, "validation", "role or status required", nil)
		}
		var (
			m   domain.Membership
			err error
		)
		if input.Body.Role != nil {
			if m, err = e.ChangeMemberRole(ctx, input.WorkspaceID, actorID, input.UserID, *input.Body.Role); err != nil {
				return nil, handleError(ctx, err)
			}
		}
		if input.Body.Status != nil {
			if m, err = e.UpdateMemberStatus(ctx, input.WorkspaceID, actorID, input.UserID, *input.Body.Status); err != nil {
				return nil, handleError(ctx, err)
			}
		}
		return reply(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-member",
		Method:        http.MethodDelete,
		Path:          "/workspaces/{workspace_id}/members/{user_id}",
		Summary:       "Remove a member and free the seat",
		Tags:          []string{"members"},
		DefaultStatus: http.StatusNoContent,
		Errors:        guardErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		UserID      string `path:"user_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RemoveMember(ctx, input.WorkspaceID, actorID, input.UserID); err != nil {
			return nil, handleError(ctx, err)
		}
		return nil, nil
	})
}
