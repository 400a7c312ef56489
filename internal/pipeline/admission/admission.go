// Package admission implements per-pipelineConfigId concurrency control:
// limitConcurrent serialization and the keepWaitingPipelines purge rule.
// State lives in Postgres (config_admission, config_waiting_entry) rather
// than in process memory so any dispatcher worker can admit or promote.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/forgepipe/enginecore/internal/pipeline/model"
)

// Admitter implements limitConcurrent admission and the waiting queue. One instance per process; all methods are safe
// for concurrent use since the compare-and-set happens in the database.
type Admitter struct {
	db *gorm.DB
}

func NewAdmitter(db *gorm.DB) *Admitter {
	return &Admitter{db: db}
}

// TryAdmit attempts to claim the running slot for configID on behalf of
// executionID. It reports whether admission succeeded; on failure the
// caller must append to the waiting queue itself via Enqueue.
func (a *Admitter) TryAdmit(ctx context.Context, configID string, executionID uuid.UUID) (bool, error) {
	admitted := false
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := model.ConfigAdmission{ConfigID: configID}
		if err := tx.FirstOrCreate(&row, model.ConfigAdmission{ConfigID: configID}).Error; err != nil {
			return err
		}
		res := tx.Model(&model.ConfigAdmission{}).
			Where("config_id = ? AND running_execution_id IS NULL", configID).
			Updates(map[string]any{"running_execution_id": executionID, "updated_at": time.Now()})
		if res.Error != nil {
			return res.Error
		}
		admitted = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("try admit: %w", err)
	}
	return admitted, nil
}

// Enqueue appends executionID to configID's waiting queue.
func (a *Admitter) Enqueue(ctx context.Context, configID string, executionID uuid.UUID) error {
	entry := model.ConfigWaitingEntry{ConfigID: configID, ExecutionID: executionID}
	if err := a.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("enqueue waiting execution: %w", err)
	}
	return nil
}

// Purge truncates configID's waiting queue to its single newest entry,
// returning the execution ids that were dropped so the caller can record
// their disposition (this engine's policy: CANCELED, never silently
// discarded — see the Open Question decision in the design notes).
func (a *Admitter) Purge(ctx context.Context, configID string) ([]uuid.UUID, error) {
	var entries []model.ConfigWaitingEntry
	if err := a.db.WithContext(ctx).
		Where("config_id = ?", configID).
		Order("created_at desc").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("purge: list waiting: %w", err)
	}
	if len(entries) <= 1 {
		return nil, nil
	}
	dropped := make([]uuid.UUID, 0, len(entries)-1)
	dropIDs := make([]uuid.UUID, 0, len(entries)-1)
	for _, e := range entries[1:] {
		dropped = append(dropped, e.ExecutionID)
		dropIDs = append(dropIDs, e.ID)
	}
	if err := a.db.WithContext(ctx).Where("id IN ?", dropIDs).Delete(&model.ConfigWaitingEntry{}).Error; err != nil {
		return nil, fmt.Errorf("purge: delete: %w", err)
	}
	return dropped, nil
}

// Release clears the running slot for configID, called once the execution
// that held it reaches a terminal status.
func (a *Admitter) Release(ctx context.Context, configID string, executionID uuid.UUID) error {
	res := a.db.WithContext(ctx).Model(&model.ConfigAdmission{}).
		Where("config_id = ? AND running_execution_id = ?", configID, executionID).
		Updates(map[string]any{"running_execution_id": nil, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("release: %w", res.Error)
	}
	return nil
}

// PromoteNext pops the oldest surviving waiting entry for configID,
// provided no execution is currently running under it, and returns the
// execution id to start. ok is false when nothing is waiting or a run is
// already in flight.
func (a *Admitter) PromoteNext(ctx context.Context, configID string) (executionID uuid.UUID, ok bool, err error) {
	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var admission model.ConfigAdmission
		if e := tx.Where("config_id = ?", configID).First(&admission).Error; e != nil {
			if e == gorm.ErrRecordNotFound {
				return nil
			}
			return e
		}
		if admission.RunningExecutionID != nil {
			return nil
		}
		var entry model.ConfigWaitingEntry
		e := tx.Where("config_id = ?", configID).Order("created_at asc").First(&entry).Error
		if e == gorm.ErrRecordNotFound {
			return nil
		}
		if e != nil {
			return e
		}
		if e := tx.Delete(&entry).Error; e != nil {
			return e
		}
		executionID = entry.ExecutionID
		ok = true
		return nil
	})
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("promote next: %w", err)
	}
	return executionID, ok, nil
}
