package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"trackline/internal/domain"
	"trackline/internal/engine"
)

func registerComments(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-comment",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/comments",
		Summary:       "Comment on a task",
		Tags:          []string{"comments"},
		DefaultStatus: http.StatusCreated,
		Errors:        guardErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   CommentRequest
	}) (*output[domain.Comment], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AddComment(ctx, input.TaskID, actorID, input.Body.Content)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-comments",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/comments",
		Summary:     "List task comments, oldest first",
		Tags:        []string{"comments"},
		Errors:      readErrors,
	}, func(ctx context.Context, input *taskPath) (*output[ListResponse[domain.Comment]], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListComments(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(listOf(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-comment",
		Method:      http.MethodPatch,
		Path:        "/comments/{comment_id}",
		Summary:     "Edit your own comment; the previous text is kept in edit_history",
		Tags:        []string{"comments"},
		Errors:      guardErrors,
	}, func(ctx context.Context, input *struct {
		CommentID string `path:"comment_id"`
		Body      CommentRequest
	}) (*output[domain.Comment], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.EditComment(ctx, input.CommentID, actorID, input.Body.Content)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "log-time",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/time",
		Summary:       "Log time spent on a task",
		Tags:          []string{"time"},
		DefaultStatus: http.StatusCreated,
		Errors:        guardErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   LogTimeRequest
	}) (*output[domain.TimeEntry], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		entry, err := e.LogTime(ctx, engine.TimeEntryOptions{
			TaskID:      input.TaskID,
			ActorID:     actorID,
			Minutes:     b.Minutes,
			Date:        b.Date,
			Description: b.Description,
			Billable:    b.Billable,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(entry), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-time",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/time",
		Summary:     "List time logged on a task",
		Tags:        []string{"time"},
		Errors:      readErrors,
	}, func(ctx context.Context, input *taskPath) (*output[ListResponse[domain.TimeEntry]], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListTimeEntries(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return reply(listOf(items)), nil
	})
}
