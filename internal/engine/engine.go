// Package engine is the mutation coordinator. Every command runs the same
// pipeline inside one store transaction, holding the workspace lock:
// resolve role, refuse closed workspaces, check policy, run the resource
// guard, apply, append audit, commit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"trackline/internal/domain"
	"trackline/internal/engine/auth"
	"trackline/internal/engine/graph"
	"trackline/internal/engine/quota"
	"trackline/internal/engine/workflow"
	"trackline/internal/events"
	"trackline/internal/store"
	"trackline/internal/telemetry"
)

var (
	ErrNotFound        = store.ErrNotFound
	ErrConflict        = store.ErrConflict
	ErrBusy            = store.ErrBusy
	ErrLastOwner       = errors.New("workspace must keep at least one active owner")
	ErrWorkspaceClosed = errors.New("workspace is archived or deleted")
)

// ValidationError reports malformed command input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

func invalid(field, format string, args ...any) error {
	return ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

type Engine struct {
	Store       store.Store
	Events      events.Writer
	Quota       quota.Ledger
	Graph       graph.Graph
	Logger      *slog.Logger
	Metrics     *telemetry.Commands
	LockTimeout time.Duration
	Now         func() time.Time
	NewID       func() string

	locks *lockTable
}

type Options struct {
	LockTimeout time.Duration
	Tiers       map[domain.PlanTier]quota.Tier
	Logger      *slog.Logger
	Metrics     *telemetry.Commands
}

func New(s store.Store, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	e := &Engine{
		Store:       s,
		Quota:       quota.Ledger{Tiers: opts.Tiers},
		Graph:       graph.Graph{Logger: logger},
		Logger:      logger,
		Metrics:     opts.Metrics,
		LockTimeout: timeout,
		Now:         time.Now,
		NewID:       uuid.NewString,
		locks:       newLockTable(),
	}
	e.Events = events.Writer{Now: e.now}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// lockTable holds one semaphore per workspace with a command in flight.
// Entries are dropped when their last holder or waiter leaves.
type lockTable struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{m: map[string]*lockEntry{}}
}

// pin returns the workspace semaphore and a func that drops the reference.
func (l *lockTable) pin(workspaceID string) (*semaphore.Weighted, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ent, ok := l.m[workspaceID]
	if !ok {
		ent = &lockEntry{sem: semaphore.NewWeighted(1)}
		l.m[workspaceID] = ent
	}
	ent.refs++
	return ent.sem, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		ent.refs--
		if ent.refs == 0 {
			delete(l.m, workspaceID)
		}
	}
}

func (l *lockTable) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

// lock serializes commands of one workspace. Waiting longer than
// LockTimeout yields ErrBusy.
func (e *Engine) lock(ctx context.Context, workspaceID string) (func(), error) {
	if e.locks == nil {
		e.locks = newLockTable()
	}
	sem, unpin := e.locks.pin(workspaceID)
	wait, cancel := context.WithTimeout(ctx, e.LockTimeout)
	defer cancel()
	if err := sem.Acquire(wait, 1); err != nil {
		unpin()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("workspace %s: %w", workspaceID, ErrBusy)
	}
	return func() {
		sem.Release(1)
		unpin()
	}, nil
}

// scope is the resolved context a command body runs in.
type scope struct {
	tx        store.Tx
	workspace domain.Workspace
	actorID   string
	role      domain.Role
	events    events.Writer
}

type op struct {
	name        string
	workspaceID string
	actorID     string
	action      auth.Action
	// allowArchived lets the command run on an ARCHIVED workspace.
	allowArchived bool
	// selfService skips role resolution and policy; the body authorizes itself.
	selfService bool
}

// mutate runs body under the full command pipeline.
func (e *Engine) mutate(ctx context.Context, o op, body func(ctx context.Context, s *scope) error) (err error) {
	ctx, end := e.Metrics.Start(ctx, o.name, o.workspaceID)
	defer func() {
		end(err, ErrorKind(err))
		if err != nil {
			e.Logger.DebugContext(ctx, "command rejected", "command", o.name, "workspace_id", o.workspaceID, "actor_id", o.actorID, "err", err)
		}
	}()
	if o.actorID == "" {
		return invalid("actor_id", "required")
	}
	release, err := e.lock(ctx, o.workspaceID)
	if err != nil {
		return err
	}
	defer release()

	tx, err := e.Store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	s, err := e.resolve(ctx, tx, o.workspaceID, o.actorID)
	if err != nil {
		return err
	}
	if !o.selfService {
		if s.role == "" {
			return auth.ForbiddenError{Action: string(o.action)}
		}
	}
	if !s.workspace.Open() && !(o.allowArchived && s.workspace.Status == domain.WorkspaceArchived) {
		return ErrWorkspaceClosed
	}
	if !o.selfService {
		if err := auth.Require(s.role, o.action); err != nil {
			return err
		}
	}
	if err := body(ctx, s); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Logger.DebugContext(ctx, "command applied", "command", o.name, "workspace_id", o.workspaceID, "actor_id", o.actorID)
	return nil
}

// view runs a read-only body after checking the actor holds action.
func (e *Engine) view(ctx context.Context, workspaceID, actorID string, action auth.Action, body func(ctx context.Context, s *scope) error) error {
	tx, err := e.Store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	s, err := e.resolve(ctx, tx, workspaceID, actorID)
	if err != nil {
		return err
	}
	if err := auth.Require(s.role, action); err != nil {
		return err
	}
	return body(ctx, s)
}

func (e *Engine) resolve(ctx context.Context, tx store.Tx, workspaceID, actorID string) (*scope, error) {
	ws, err := tx.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", workspaceID, err)
	}
	s := &scope{tx: tx, workspace: ws, actorID: actorID, events: e.Events}
	m, err := tx.GetMembership(ctx, workspaceID, actorID)
	switch {
	case err == nil:
		s.role = m.EffectiveRole()
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, err
	}
	return s, nil
}

// audit appends an entry for the scope's workspace and actor.
func (s *scope) audit(ctx context.Context, action, targetType, targetID string, payload events.Payload) error {
	_, err := s.events.Append(ctx, s.tx, action, s.workspace.ID, targetType, targetID, s.actorID, payload)
	return err
}

// workspaceOf finds the owning workspace of an entity before the lock is
// taken. Ownership never changes, so the answer stays valid once locked.
func (e *Engine) workspaceOf(ctx context.Context, find func(tx store.Tx) (string, error)) (string, error) {
	tx, err := e.Store.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	return find(tx)
}

func (e *Engine) workspaceOfProject(ctx context.Context, projectID string) (string, error) {
	return e.workspaceOf(ctx, func(tx store.Tx) (string, error) {
		p, err := tx.GetProject(ctx, projectID)
		if err != nil {
			return "", fmt.Errorf("project %s: %w", projectID, err)
		}
		return p.WorkspaceID, nil
	})
}

func (e *Engine) workspaceOfTask(ctx context.Context, taskID string) (string, error) {
	return e.workspaceOf(ctx, func(tx store.Tx) (string, error) {
		t, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return "", fmt.Errorf("task %s: %w", taskID, err)
		}
		return t.WorkspaceID, nil
	})
}

// ErrorKind classifies err for metrics and transport mapping.
func ErrorKind(err error) string {
	var (
		fe  auth.ForbiddenError
		qe  quota.ExceededError
		it  workflow.InvalidTransitionError
		wip workflow.WipLimitError
		oe  workflow.OrphanedStatusError
		de  workflow.DefinitionError
		dup graph.DuplicateLinkError
		ve  ValidationError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.As(err, &fe):
		return "forbidden"
	case errors.As(err, &qe):
		return "quota_exceeded"
	case errors.As(err, &it):
		return "invalid_transition"
	case errors.As(err, &wip):
		return "wip_limit_exceeded"
	case errors.As(err, &oe):
		return "orphaned_status"
	case errors.As(err, &de), errors.As(err, &ve):
		return "validation"
	case errors.Is(err, ErrLastOwner):
		return "last_owner"
	case errors.Is(err, graph.ErrSelfLink):
		return "self_link"
	case errors.Is(err, graph.ErrCrossWorkspace):
		return "cross_workspace"
	case errors.As(err, &dup):
		return "duplicate_link"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrWorkspaceClosed):
		return "workspace_closed"
	case errors.Is(err, ErrConflict):
		return "conflict"
	}
	return "internal"
}

// RetryBusy calls fn until it succeeds, fails with a non-Busy error, or the
// backoff budget in cfg runs out.
func RetryBusy[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		b.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		b.MaxInterval = cfg.MaxInterval
	}
	if cfg.MaxElapsed > 0 {
		b.MaxElapsedTime = cfg.MaxElapsed
	}
	return backoff.RetryWithData(func() (T, error) {
		v, err := fn(ctx)
		if err != nil && !errors.Is(err, ErrBusy) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithContext(b, ctx))
}

type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}
