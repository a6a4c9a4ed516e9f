package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"trackline/internal/domain"
	"trackline/internal/engine/auth"
	"trackline/internal/events"
	"trackline/internal/store"
)

const (
	maxCommentLength = 10000
	maxMinutesPerDay = 24 * 60
)

func validateComment(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", invalid("content", "required")
	}
	if len(content) > maxCommentLength {
		return "", invalid("content", "longer than %d bytes", maxCommentLength)
	}
	return content, nil
}

// AddComment appends a comment to a task.
func (e *Engine) AddComment(ctx context.Context, taskID, actorID, content string) (domain.Comment, error) {
	var out domain.Comment
	content, err := validateComment(content)
	if err != nil {
		return out, err
	}
	wsID, err := e.workspaceOfTask(ctx, taskID)
	if err != nil {
		return out, err
	}
	err = e.mutate(ctx, op{name: "AddComment", workspaceID: wsID, actorID: actorID, action: auth.Comment},
		func(ctx context.Context, s *scope) error {
			t, err := s.tx.GetTask(ctx, taskID)
			if err != nil {
				return fmt.Errorf("task %s: %w", taskID, err)
			}
			now := e.timestamp()
			c := domain.Comment{
				ID:          e.newID(),
				TaskID:      t.ID,
				WorkspaceID: s.workspace.ID,
				AuthorID:    s.actorID,
				Content:     content,
				EditHistory: []domain.CommentEdit{},
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := s.tx.InsertComment(ctx, c); err != nil {
				return err
			}
			out = c
			return s.audit(ctx, "comment.added", "task", t.ID, events.Payload{"key": t.Key, "comment_id": c.ID})
		})
	return out, err
}

// EditComment replaces the content of the actor's own comment and keeps the
// previous content in the edit history.
func (e *Engine) EditComment(ctx context.Context, commentID, actorID, content string) (domain.Comment, error) {
	var out domain.Comment
	content, err := validateComment(content)
	if err != nil {
		return out, err
	}
	wsID, err := e.workspaceOf(ctx, func(tx store.Tx) (string, error) {
		c, err := tx.GetComment(ctx, commentID)
		if err != nil {
			return "", fmt.Errorf("comment %s: %w", commentID, err)
		}
		return c.WorkspaceID, nil
	})
	if err != nil {
		return out, err
	}
	err = e.mutate(ctx, op{name: "EditComment", workspaceID: wsID, actorID: actorID, action: auth.Comment},
		func(ctx context.Context, s *scope) error {
			c, err := s.tx.GetComment(ctx, commentID)
			if err != nil {
				return fmt.Errorf("comment %s: %w", commentID, err)
			}
			if c.AuthorID != s.actorID {
				return auth.ForbiddenError{Action: "EDIT_COMMENT", Role: s.role}
			}
			if c.Content == content {
				out = c
				return nil
			}
			now := e.timestamp()
			c.EditHistory = append(c.EditHistory, domain.CommentEdit{Content: c.Content, EditedAt: now})
			c.Content = content
			c.UpdatedAt = now
			if err := s.tx.UpdateComment(ctx, c); err != nil {
				return err
			}
			out = c
			return s.audit(ctx, "comment.edited", "task", c.TaskID, events.Payload{"comment_id": c.ID, "revision": len(c.EditHistory)})
		})
	return out, err
}

// ListComments returns a task's comments oldest first.
func (e *Engine) ListComments(ctx context.Context, taskID, actorID string) ([]domain.Comment, error) {
	var out []domain.Comment
	wsID, err := e.workspaceOfTask(ctx, taskID)
	if err != nil {
		return out, err
	}
	err = e.view(ctx, wsID, actorID, auth.ViewMembers, func(ctx context.Context, s *scope) error {
		out, err = s.tx.ListComments(ctx, taskID)
		return err
	})
	return out, err
}

// TimeEntryOptions describe logged work. Date is YYYY-MM-DD; empty means today.
type TimeEntryOptions struct {
	TaskID      string
	ActorID     string
	Minutes     int
	Date        string
	Description string
	Billable    bool
}

// LogTime records work by the actor on a task. Entries start PENDING.
func (e *Engine) LogTime(ctx context.Context, opts TimeEntryOptions) (domain.TimeEntry, error) {
	var out domain.TimeEntry
	if opts.Minutes <= 0 || opts.Minutes > maxMinutesPerDay {
		return out, invalid("minutes", "must be between 1 and %d", maxMinutesPerDay)
	}
	date := opts.Date
	if date == "" {
		date = e.now().UTC().Format(time.DateOnly)
	} else if _, err := time.Parse(time.DateOnly, date); err != nil {
		return out, invalid("date", "%q is not a YYYY-MM-DD date", date)
	}
	wsID, err := e.workspaceOfTask(ctx, opts.TaskID)
	if err != nil {
		return out, err
	}
	err = e.mutate(ctx, op{name: "LogTime", workspaceID: wsID, actorID: opts.ActorID, action: auth.EditTask},
		func(ctx context.Context, s *scope) error {
			t, err := s.tx.GetTask(ctx, opts.TaskID)
			if err != nil {
				return fmt.Errorf("task %s: %w", opts.TaskID, err)
			}
			entry := domain.TimeEntry{
				ID:          e.newID(),
				TaskID:      t.ID,
				WorkspaceID: s.workspace.ID,
				UserID:      s.actorID,
				Minutes:     opts.Minutes,
				Date:        date,
				Description: strings.TrimSpace(opts.Description),
				Billable:    opts.Billable,
				Status:      domain.TimeEntryPending,
				CreatedAt:   e.timestamp(),
			}
			if err := s.tx.InsertTimeEntry(ctx, entry); err != nil {
				return err
			}
			out = entry
			return s.audit(ctx, "time.logged", "task", t.ID, events.Payload{"key": t.Key, "minutes": entry.Minutes, "date": entry.Date})
		})
	return out, err
}

// ListTimeEntries returns the time logged on a task.
func (e *Engine) ListTimeEntries(ctx context.Context, taskID, actorID string) ([]domain.TimeEntry, error) {
	var out []domain.TimeEntry
	wsID, err := e.workspaceOfTask(ctx, taskID)
	if err != nil {
		return out, err
	}
	err = e.view(ctx, wsID, actorID, auth.ViewReports, func(ctx context.Context, s *scope) error {
		out, err = s.tx.ListTimeEntries(ctx, taskID)
		return err
	})
	return out, err
}
