package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/forgepipe/enginecore/internal/pipeline/messages"
	"github.com/forgepipe/enginecore/internal/pipeline/model"
)

// postgresHandle carries just enough to Ack/Nack without a second lookup.
type postgresHandle struct {
	id       uuid.UUID
	attempts int
}

func (h postgresHandle) Attempts() int { return h.attempts }

// PostgresTransport claims rows with SELECT ... FOR UPDATE SKIP LOCKED, the
// same pattern the teacher's job repository uses to let many workers poll
// one table without a separate lock service.
type PostgresTransport struct {
	db       *gorm.DB
	workerID string
	lockTTL  time.Duration
}

func NewPostgresTransport(db *gorm.DB, workerID string, lockTTL time.Duration) *PostgresTransport {
	return &PostgresTransport{db: db, workerID: workerID, lockTTL: lockTTL}
}

func (t *PostgresTransport) Push(ctx context.Context, msg messages.Message, delay time.Duration) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	row := model.QueuedMessage{
		Kind:        string(msg.Kind),
		ExecutionID: msg.ExecutionID,
		StageID:     msg.StageID,
		TaskID:      msg.TaskID,
		Payload:     payload,
		Attempts:    msg.Attempts,
		AvailableAt: time.Now().Add(delay),
	}
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("push message: %w", err)
	}
	return nil
}

func (t *PostgresTransport) Poll(ctx context.Context) (*messages.Message, Handle, error) {
	var row model.QueuedMessage
	now := time.Now()
	reclaimDeadline := now.Add(-t.lockTTL)

	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("acked = ?", false).
			Where("available_at <= ?", now).
			Where("locked_at IS NULL OR locked_at <= ?", reclaimDeadline).
			Order("available_at asc").
			Limit(1).
			First(&row).Error
		if err != nil {
			return err
		}
		lockedAt := now
		return tx.Model(&model.QueuedMessage{}).
			Where("id = ?", row.ID).
			Updates(map[string]any{
				"locked_by":  t.workerID,
				"locked_at":  lockedAt,
				"attempts":   row.Attempts + 1,
				"updated_at": lockedAt,
			}).Error
	})
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("poll: %w", err)
	}

	var msg messages.Message
	if err := json.Unmarshal(row.Payload, &msg); err != nil {
		return nil, nil, fmt.Errorf("decode message: %w", err)
	}
	msg.Attempts = row.Attempts + 1
	return &msg, postgresHandle{id: row.ID, attempts: msg.Attempts}, nil
}

func (t *PostgresTransport) Ack(ctx context.Context, handle Handle) error {
	h, ok := handle.(postgresHandle)
	if !ok {
		return fmt.Errorf("ack: wrong handle type %T", handle)
	}
	return t.db.WithContext(ctx).Model(&model.QueuedMessage{}).
		Where("id = ?", h.id).
		Updates(map[string]any{"acked": true, "updated_at": time.Now()}).Error
}

func (t *PostgresTransport) Nack(ctx context.Context, handle Handle, delay time.Duration) error {
	h, ok := handle.(postgresHandle)
	if !ok {
		return fmt.Errorf("nack: wrong handle type %T", handle)
	}
	return t.db.WithContext(ctx).Model(&model.QueuedMessage{}).
		Where("id = ?", h.id).
		Updates(map[string]any{
			"available_at": time.Now().Add(delay),
			"locked_by":    nil,
			"locked_at":    nil,
			"updated_at":   time.Now(),
		}).Error
}
