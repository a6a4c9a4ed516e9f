package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/store"
)

type taskPath struct {
	TaskID string `path:"task_id"`
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		Tags:          []string{"tasks"},
		DefaultStatus: http.StatusCreated,
		Errors:        guardErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      CreateTaskRequest
	}) (*output[domain.Task], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ProjectID:     input.ProjectID,
			ActorID:       actorID,
			Title:         b.Title,
			Description:   b.Description,
			Type:          b.Type,
			Status:        b.Status,
			Priority:      b.Priority,
			AssigneeID:    b.AssigneeID,
			ParentID:      b.ParentID,
			DueDate:       b.DueDate,
			EstimateHours: b.EstimateHours,
			Labels:        b.Labels,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/tasks",
		Summary:     "List tasks with optional filters",
		Tags:        []string{"tasks"},
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		ProjectID   string `query:"project_id"`
		Status      string `query:"status"`
		AssigneeID  string `query:"assignee_id"`
		Label       string `query:"label"`
		Limit       int    `query:"limit" minimum:"0" maximum:"1000"`
	}) (*output[ListResponse[domain.Task]], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListTasks(ctx, actorID, store.TaskFilter{
			WorkspaceID: input.WorkspaceID,
			ProjectID:   input.ProjectID,
			Status:      input.Status,
			AssigneeID:  input.AssigneeID,
			Label:       input.Label,
			Limit:       input.Limit,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(listOf(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-by-key",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/tasks/by-key/{key}",
		Summary:     "Resolve a task by its human key, e.g. ENG-12",
		Tags:        []string{"tasks"},
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Key         string `path:"key"`
	}) (*output[domain.Task], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.GetTaskByKey(ctx, input.WorkspaceID, actorID, input.Key)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Tags:        []string{"tasks"},
		Errors:      readErrors,
	}, func(ctx context.Context, input *taskPath) (*output[domain.Task], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.GetTask(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Partially update a task",
		Tags:        []string{"tasks"},
		Errors:      guardErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   UpdateTaskRequest
	}) (*output[domain.Task], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
			TaskID:        input.TaskID,
			ActorID:       actorID,
			Title:         b.Title,
			Description:   b.Description,
			Type:          b.Type,
			Priority:      b.Priority,
			AssigneeID:    b.AssigneeID,
			ParentID:      b.ParentID,
			DueDate:       b.DueDate,
			EstimateHours: b.EstimateHours,
			ClearEstimate: b.ClearEstimate,
			Labels:        b.Labels,
			AddLabels:     b.AddLabels,
			RemoveLabels:  b.RemoveLabels,
			Status:        b.Status,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/move",
		Summary:     "Move task to another workflow status",
		Tags:        []string{"tasks"},
		Errors:      guardErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   MoveTaskRequest
	}) (*output[domain.Task], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.MoveTaskStatus(ctx, input.TaskID, actorID, input.Body.Status)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-tasks",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/links",
		Summary:     "Link two tasks; the inverse edge is written on the target",
		Tags:        []string{"links"},
		Errors:      guardErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   LinkTaskRequest
	}) (*output[domain.Task], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.LinkTasks(ctx, input.TaskID, input.Body.TargetTaskID, actorID, input.Body.Type)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unlink-tasks",
		Method:      http.MethodDelete,
		Path:        "/tasks/{task_id}/links/{target_task_id}",
		Summary:     "Remove every edge between two tasks",
		Tags:        []string{"links"},
		Errors:      guardErrors,
	}, func(ctx context.Context, input *struct {
		TaskID       string `path:"task_id"`
		TargetTaskID string `path:"target_task_id"`
	}) (*output[domain.Task], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UnlinkTasks(ctx, input.TaskID, input.TargetTaskID, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{task_id}",
		Summary:       "Delete task and every link pointing at it",
		Tags:          []string{"tasks"},
		DefaultStatus: http.StatusNoContent,
		Errors:        guardErrors,
	}, func(ctx context.Context, input *taskPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.DeleteTask(ctx, input.TaskID, actorID); err != nil {
			return nil, handleError(ctx, err)
		}
		return nil, nil
	})
}
