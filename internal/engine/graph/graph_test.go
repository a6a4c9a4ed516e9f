package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackline/internal/db"
	"trackline/internal/domain"
	"trackline/internal/migrate"
	"trackline/internal/repo"
	"trackline/internal/store"
)

const ts = "2024-01-01T00:00:00Z"

type fixture struct {
	store *repo.Store
	tasks []domain.Task
}

func newFixture(t *testing.T, n int) fixture {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	s := repo.New(conn)
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, tx.InsertUser(ctx, domain.User{ID: "u1", Email: "u1@example.com", CreatedAt: ts}))
	require.NoError(t, tx.InsertWorkspace(ctx, domain.Workspace{ID: "w1", Name: "W", Slug: "w", OwnerID: "u1", Status: domain.WorkspaceActive, CreatedAt: ts, UpdatedAt: ts}))
	require.NoError(t, tx.InsertProject(ctx, domain.Project{
		ID: "p1", WorkspaceID: "w1", Name: "P", Key: "PRJ", Status: domain.ProjectActive, LeadID: "u1",
		Workflow:   []domain.WorkflowStatus{{ID: "todo", Label: "To Do", Category: domain.CategoryTodo}},
		IssueTypes: []domain.IssueType{domain.IssueTask}, CreatedAt: ts, UpdatedAt: ts,
	}))
	f := fixture{store: s}
	for i := 1; i <= n; i++ {
		task := domain.Task{
			ID: fmt.Sprintf("t%d", i), ProjectID: "p1", WorkspaceID: "w1", Number: i, Title: "task",
			Type: domain.IssueTask, Status: "todo", Priority: domain.PriorityMedium, ReporterID: "u1",
			CreatedAt: ts, UpdatedAt: ts,
		}
		require.NoError(t, tx.InsertTask(ctx, task))
		f.tasks = append(f.tasks, task)
	}
	require.NoError(t, tx.Commit())
	return f
}

func (f fixture) inTx(t *testing.T, fn func(tx store.Tx)) {
	t.Helper()
	tx, err := f.store.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	fn(tx)
	require.NoError(t, tx.Commit())
}

func (f fixture) links(t *testing.T, id string) []domain.TaskLink {
	t.Helper()
	var out []domain.TaskLink
	f.inTx(t, func(tx store.Tx) {
		task, err := tx.GetTask(context.Background(), id)
		require.NoError(t, err)
		out = task.Links
	})
	return out
}

func quiet() Graph {
	return Graph{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestLinkWritesBothSides(t *testing.T) {
	f := newFixture(t, 3)
	g := quiet()
	ctx := context.Background()
	a, b, c := f.tasks[0], f.tasks[1], f.tasks[2]

	f.inTx(t, func(tx store.Tx) {
		changed, err := g.Link(ctx, tx, a, b, domain.LinkBlocks)
		require.NoError(t, err)
		assert.True(t, changed)
		_, err = g.Link(ctx, tx, a, c, domain.LinkRelatesTo)
		require.NoError(t, err)
	})

	assert.Equal(t, []domain.TaskLink{
		{Type: domain.LinkBlocks, TargetTaskID: b.ID},
		{Type: domain.LinkRelatesTo, TargetTaskID: c.ID},
	}, f.links(t, a.ID))
	assert.Equal(t, []domain.TaskLink{{Type: domain.LinkBlockedBy, TargetTaskID: a.ID}}, f.links(t, b.ID))
	assert.Equal(t, []domain.TaskLink{{Type: domain.LinkRelatesTo, TargetTaskID: a.ID}}, f.links(t, c.ID))
}

func TestLinkIsIdempotent(t *testing.T) {
	f := newFixture(t, 2)
	g := quiet()
	ctx := context.Background()
	a, b := f.tasks[0], f.tasks[1]

	f.inTx(t, func(tx store.Tx) {
		_, err := g.Link(ctx, tx, a, b, domain.LinkBlocks)
		require.NoError(t, err)
		changed, err := g.Link(ctx, tx, a, b, domain.LinkBlocks)
		require.NoError(t, err)
		assert.False(t, changed)
		// same edge seen from the other side
		changed, err = g.Link(ctx, tx, b, a, domain.LinkBlockedBy)
		require.NoError(t, err)
		assert.False(t, changed)
	})
	assert.Len(t, f.links(t, a.ID), 1)
	assert.Len(t, f.links(t, b.ID), 1)
}

func TestLinkRejectsSelfAndConflicts(t *testing.T) {
	f := newFixture(t, 2)
	g := quiet()
	ctx := context.Background()
	a, b := f.tasks[0], f.tasks[1]

	f.inTx(t, func(tx store.Tx) {
		_, err := g.Link(ctx, tx, a, a, domain.LinkRelatesTo)
		require.ErrorIs(t, err, ErrSelfLink)

		_, err = g.Link(ctx, tx, a, b, domain.LinkBlocks)
		require.NoError(t, err)

		_, err = g.Link(ctx, tx, a, b, domain.LinkRelatesTo)
		var de DuplicateLinkError
		require.True(t, errors.As(err, &de))
		assert.Equal(t, domain.LinkBlocks, de.Existing)

		// b BLOCKS a would contradict a BLOCKS b
		_, err = g.Link(ctx, tx, b, a, domain.LinkBlocks)
		require.True(t, errors.As(err, &de))

		other := b
		other.WorkspaceID = "w2"
		_, err = g.Link(ctx, tx, a, other, domain.LinkRelatesTo)
		require.ErrorIs(t, err, ErrCrossWorkspace)
	})
}

func TestLinkRepairsHalfPair(t *testing.T) {
	f := newFixture(t, 2)
	g := quiet()
	ctx := context.Background()
	a, b := f.tasks[0], f.tasks[1]

	f.inTx(t, func(tx store.Tx) {
		require.NoError(t, tx.InsertLink(ctx, a.ID, domain.TaskLink{Type: domain.LinkBlocks, TargetTaskID: b.ID}))
	})
	f.inTx(t, func(tx store.Tx) {
		changed, err := g.Link(ctx, tx, a, b, domain.LinkBlocks)
		require.NoError(t, err)
		assert.True(t, changed)
	})
	assert.Equal(t, []domain.TaskLink{{Type: domain.LinkBlockedBy, TargetTaskID: a.ID}}, f.links(t, b.ID))
}

func TestUnlinkRemovesBothDirections(t *testing.T) {
	f := newFixture(t, 2)
	g := quiet()
	ctx := context.Background()
	a, b := f.tasks[0], f.tasks[1]

	f.inTx(t, func(tx store.Tx) {
		_, err := g.Link(ctx, tx, a, b, domain.LinkBlocks)
		require.NoError(t, err)
		n, err := g.Unlink(ctx, tx, b, a)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
	assert.Empty(t, f.links(t, a.ID))
	assert.Empty(t, f.links(t, b.ID))

	// one-sided corruption is cleaned up without error
	f.inTx(t, func(tx store.Tx) {
		require.NoError(t, tx.InsertLink(ctx, b.ID, domain.TaskLink{Type: domain.LinkRelatesTo, TargetTaskID: a.ID}))
	})
	f.inTx(t, func(tx store.Tx) {
		n, err := g.Unlink(ctx, tx, a, b)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
	assert.Empty(t, f.links(t, b.ID))
}

func TestDeleteTaskLeavesNoDanglingEdges(t *testing.T) {
	f := newFixture(t, 3)
	g := quiet()
	ctx := context.Background()
	a, b, c := f.tasks[0], f.tasks[1], f.tasks[2]

	f.inTx(t, func(tx store.Tx) {
		_, err := g.Link(ctx, tx, a, b, domain.LinkBlocks)
		require.NoError(t, err)
		_, err = g.Link(ctx, tx, c, b, domain.LinkRelatesTo)
		require.NoError(t, err)
		_, err = g.Link(ctx, tx, a, c, domain.LinkRelatesTo)
		require.NoError(t, err)

		n, err := g.DeleteTask(ctx, tx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, 4, n)

		_, err = tx.GetTask(ctx, b.ID)
		require.ErrorIs(t, err, store.ErrNotFound)
	})
	assert.Equal(t, []domain.TaskLink{{Type: domain.LinkRelatesTo, TargetTaskID: c.ID}}, f.links(t, a.ID))
	assert.Equal(t, []domain.TaskLink{{Type: domain.LinkRelatesTo, TargetTaskID: a.ID}}, f.links(t, c.ID))
}
