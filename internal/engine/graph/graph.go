// Package graph maintains the symmetric link graph between tasks.
//
// Every edge is stored on both endpoints: {BLOCKS, B} on A always pairs with
// {BLOCKED_BY, A} on B, and RELATES_TO pairs with itself. All writes go
// through one store.Tx so a pair is never half applied.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"trackline/internal/domain"
	"trackline/internal/store"
)

var (
	ErrSelfLink       = errors.New("a task cannot link to itself")
	ErrCrossWorkspace = errors.New("tasks belong to different workspaces")
)

// DuplicateLinkError reports an edge of another type already joining the pair.
type DuplicateLinkError struct {
	TaskID    string
	TargetID  string
	Existing  domain.LinkType
	Requested domain.LinkType
}

func (e DuplicateLinkError) Error() string {
	return fmt.Sprintf("task %s already has a %s link to %s; cannot add %s", e.TaskID, e.Existing, e.TargetID, e.Requested)
}

type Graph struct {
	Logger *slog.Logger
}

func (g Graph) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

// Link joins a and b with typ and the inverse edge. Linking an already linked
// pair is a no-op; a pair missing one side is repaired. It reports whether
// anything was written.
func (g Graph) Link(ctx context.Context, tx store.Tx, a, b domain.Task, typ domain.LinkType) (bool, error) {
	if !typ.Valid() {
		return false, fmt.Errorf("unknown link type %q", typ)
	}
	if a.ID == b.ID {
		return false, ErrSelfLink
	}
	if a.WorkspaceID != b.WorkspaceID {
		return false, ErrCrossWorkspace
	}
	inv := typ.Inverse()
	forward, err := tx.LinkTypesBetween(ctx, a.ID, b.ID)
	if err != nil {
		return false, err
	}
	reverse, err := tx.LinkTypesBetween(ctx, b.ID, a.ID)
	if err != nil {
		return false, err
	}
	for _, lt := range forward {
		if lt != typ {
			return false, DuplicateLinkError{TaskID: a.ID, TargetID: b.ID, Existing: lt, Requested: typ}
		}
	}
	for _, lt := range reverse {
		if lt != inv {
			return false, DuplicateLinkError{TaskID: a.ID, TargetID: b.ID, Existing: lt.Inverse(), Requested: typ}
		}
	}
	hasForward, hasReverse := len(forward) > 0, len(reverse) > 0
	if hasForward && hasReverse {
		return false, nil
	}
	if hasForward != hasReverse {
		g.logger().WarnContext(ctx, "repairing one-sided task link",
			"task_id", a.ID, "target_id", b.ID, "type", typ)
	}
	if !hasForward {
		if err := tx.InsertLink(ctx, a.ID, domain.TaskLink{Type: typ, TargetTaskID: b.ID}); err != nil {
			return false, fmt.Errorf("insert link: %w", err)
		}
	}
	if !hasReverse {
		if err := tx.InsertLink(ctx, b.ID, domain.TaskLink{Type: inv, TargetTaskID: a.ID}); err != nil {
			return false, fmt.Errorf("insert inverse link: %w", err)
		}
	}
	return true, nil
}

// Unlink removes every edge between a and b in both directions and returns
// how many rows were removed. A one-sided edge is removed and logged.
func (g Graph) Unlink(ctx context.Context, tx store.Tx, a, b domain.Task) (int, error) {
	if a.ID == b.ID {
		return 0, ErrSelfLink
	}
	forward, err := tx.DeleteLinksBetween(ctx, a.ID, b.ID)
	if err != nil {
		return 0, err
	}
	reverse, err := tx.DeleteLinksBetween(ctx, b.ID, a.ID)
	if err != nil {
		return 0, err
	}
	if forward != reverse {
		g.logger().WarnContext(ctx, "removed asymmetric task link",
			"task_id", a.ID, "target_id", b.ID, "forward", forward, "reverse", reverse)
	}
	return forward + reverse, nil
}

// DeleteTask removes the task and every edge incident to it. It returns the
// number of edge rows removed.
func (g Graph) DeleteTask(ctx context.Context, tx store.Tx, taskID string) (int, error) {
	edges, err := tx.DeleteIncidentLinks(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("delete links: %w", err)
	}
	if err := tx.DeleteTask(ctx, taskID); err != nil {
		return 0, err
	}
	return edges, nil
}
