package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/chosei/internal/model"
)

// ChannelActions carries one notification per appended action record.
const ChannelActions = "chosei_actions"

// ActionNotification is the JSON payload published on ChannelActions.
type ActionNotification struct {
	ID               string    `json:"id"`
	TargetID         string    `json:"target_id"`
	Kind             string    `json:"action_kind"`
	IndexType        string    `json:"index_type,omitempty"`
	IndexName        string    `json:"index_name,omitempty"`
	Success          bool      `json:"success"`
	Outcome          string    `json:"outcome,omitempty"`
	ImprovementRatio float64   `json:"improvement_ratio"`
	FailureReason    string    `json:"failure_reason,omitempty"`
	AppliedAt        time.Time `json:"applied_at"`
}

func notificationFor(rec model.ActionRecord) ActionNotification {
	n := ActionNotification{
		ID:               rec.ID.String(),
		TargetID:         rec.TargetID,
		Kind:             string(rec.Action.Kind),
		IndexType:        string(rec.Action.IndexType),
		IndexName:        rec.Action.IndexName,
		Success:          rec.Success,
		Outcome:          string(rec.Outcome),
		ImprovementRatio: rec.ImprovementRatio,
		AppliedAt:        rec.AppliedAt,
	}
	if rec.FailureReason != nil {
		n.FailureReason = *rec.FailureReason
	}
	return n
}

// Listen starts listening on channel using the dedicated notify connection.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForAction blocks until an action notification arrives and decodes it.
func (db *DB) WaitForAction(ctx context.Context) (ActionNotification, error) {
	if db.notifyConn == nil {
		return ActionNotification{}, fmt.Errorf("storage: notify connection not configured")
	}
	for {
		notification, err := db.notifyConn.WaitForNotification(ctx)
		if err != nil {
			return ActionNotification{}, fmt.Errorf("storage: wait for notification: %w", err)
		}
		if notification.Channel != ChannelActions {
			continue
		}
		var n ActionNotification
		if err := json.Unmarshal([]byte(notification.Payload), &n); err != nil {
			return ActionNotification{}, fmt.Errorf("storage: decode notification: %w", err)
		}
		return n, nil
	}
}

// Notify sends a notification on the specified channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// publish notifies listeners of rec. Failures are logged only: the record is
// already durable.
func (db *DB) publish(ctx context.Context, rec model.ActionRecord) {
	payload, err := json.Marshal(notificationFor(rec))
	if err != nil {
		db.logger.Warn("storage: encode action notification", "error", err)
		return
	}
	if err := db.Notify(ctx, ChannelActions, string(payload)); err != nil {
		db.logger.Warn("storage: publish action notification", "target_id", rec.TargetID, "error", err)
	}
}
