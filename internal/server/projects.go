package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/engine/workflow"
)

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerProjects(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/projects",
		Summary:       "Create project; consumes a PROJECTS unit",
		Tags:          []string{"projects"},
		DefaultStatus: http.StatusCreated,
		Errors:        guardErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Body        CreateProjectRequest
	}) (*output[domain.Project], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			WorkspaceID: input.WorkspaceID,
			ActorID:     actorID,
			Name:        input.Body.Name,
			Key:         input.Body.Key,
			Description: input.Body.Description,
			LeadID:      input.Body.LeadID,
			MemberIDs:   input.Body.MemberIDs,
			Workflow:    input.Body.Workflow,
			IssueTypes:  input.Body.IssueTypes,
			Status:      input.Body.Status,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/projects",
		Summary:     "List projects",
		Tags:        []string{"projects"},
		Errors:      readErrors,
	}, func(ctx context.Context, input *workspacePath) (*output[ListResponse[domain.Project]], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListProjects(ctx, input.WorkspaceID, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(listOf(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Tags:        []string{"projects"},
		Errors:      readErrors,
	}, func(ctx context.Context, input *projectPath) (*output[domain.Project], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.GetProject(ctx, input.ProjectID, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}",
		Summary:     "Update project metadata",
		Tags:        []string{"projects"},
		Errors:      guardErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      UpdateProjectRequest
	}) (*output[domain.Project], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdateProject(ctx, engine.ProjectUpdateOptions{
			ProjectID:   input.ProjectID,
			ActorID:     actorID,
			Name:        input.Body.Name,
			Description: input.Body.Description,
			LeadID:      input.Body.LeadID,
			MemberIDs:   input.Body.MemberIDs,
			IssueTypes:  input.Body.IssueTypes,
			Status:      input.Body.Status,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-workflow",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/workflow",
		Summary:     "Replace the workflow; tasks in removed statuses must be remapped",
		Tags:        []string{"projects"},
		Errors:      guardErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      UpdateWorkflowRequest
	}) (*output[WorkflowUpdateResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, moves, err := e.UpdateWorkflow(ctx, engine.WorkflowUpdateOptions{
			ProjectID: input.ProjectID,
			ActorID:   actorID,
			Statuses:  input.Body.Statuses,
			Remap:     input.Body.Remap,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		resp := WorkflowUpdateResponse{Project: p, Moves: moves}
		if resp.Moves == nil {
			resp.Moves = []workflow.Move{}
		}
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-project",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}",
		Summary:       "Delete project with its tasks and links",
		Tags:          []string{"projects"},
		DefaultStatus: http.StatusNoContent,
		Errors:        guardErrors,
	}, func(ctx context.Context, input *projectPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteProject(ctx, input.ProjectID, actorID); err != nil {
			return nil, handleError(ctx, err)
		}
		return nil, nil
	})
}
