// Package events appends audit entries inside the mutating transaction.
package events

import (
	"context"
	"fmt"
	"time"

	"trackline/internal/domain"
	"trackline/internal/store"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Append records one audit entry and returns its id. Ids grow monotonically
// per database, so ordering by id orders entries of a workspace.
func (w Writer) Append(ctx context.Context, tx store.Tx, action, workspaceID, targetType, targetID, actorID string, payload Payload) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	id, err := tx.AppendAudit(ctx, domain.AuditEntry{
		WorkspaceID: workspaceID,
		ActorID:     actorID,
		Action:      action,
		TargetType:  targetType,
		TargetID:    targetID,
		Metadata:    payload,
		CreatedAt:   w.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return 0, fmt.Errorf("append audit %s: %w", action, err)
	}
	return id, nil
}
