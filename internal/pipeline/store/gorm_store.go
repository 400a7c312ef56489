package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/forgepipe/enginecore/internal/pipeline/model"
)

// gormStore is the default Store, grounded on the teacher's repository
// layer: one struct per aggregate wrapping a *gorm.DB, plain CRUD methods,
// gorm.ErrRecordNotFound translated to a package-level sentinel so handlers
// never import gorm themselves.
type gormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Retrieve(ctx context.Context, id uuid.UUID) (*model.PipelineExecution, error) {
	var e model.PipelineExecution
	if err := s.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (s *gormStore) Store(ctx context.Context, execution *model.PipelineExecution) error {
	if err := s.db.WithContext(ctx).Create(execution).Error; err != nil {
		return fmt.Errorf("store execution: %w", err)
	}
	return nil
}

func (s *gormStore) UpdateStatus(ctx context.Context, execution *model.PipelineExecution) error {
	res := s.db.WithContext(ctx).Model(&model.PipelineExecution{}).
		Where("id = ?", execution.ID).
		Select("status", "start_time", "end_time", "updated_at").
		Updates(map[string]any{
			"status":     execution.Status,
			"start_time": execution.StartTime,
			"end_time":   execution.EndTime,
			"updated_at": gorm.Expr("now()"),
		})
	if res.Error != nil {
		return fmt.Errorf("update execution status: %w", res.Error)
	}
	return nil
}

func (s *gormStore) RetrieveStages(ctx context.Context, executionID uuid.UUID) ([]*model.StageExecution, error) {
	var stages []*model.StageExecution
	if err := s.db.WithContext(ctx).Where("execution_id = ?", executionID).Find(&stages).Error; err != nil {
		return nil, fmt.Errorf("retrieve stages: %w", err)
	}
	return stages, nil
}

func (s *gormStore) RetrieveStage(ctx context.Context, id uuid.UUID) (*model.StageExecution, error) {
	var st model.StageExecution
	if err := s.db.WithContext(ctx).First(&st, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &st, nil
}

func (s *gormStore) StoreStage(ctx context.Context, stage *model.StageExecution) error {
	if err := s.db.WithContext(ctx).Save(stage).Error; err != nil {
		return fmt.Errorf("store stage: %w", err)
	}
	return nil
}

func (s *gormStore) UpdateStageContext(ctx context.Context, stage *model.StageExecution) error {
	res := s.db.WithContext(ctx).Model(&model.StageExecution{}).
		Where("id = ?", stage.ID).
		Updates(map[string]any{
			"context":            stage.Context,
			"status":             stage.Status,
			"start_time":         stage.StartTime,
			"end_time":           stage.EndTime,
			"synthetic_expanded": stage.SyntheticExpanded,
			"updated_at":         gorm.Expr("now()"),
		})
	if res.Error != nil {
		return fmt.Errorf("update stage context: %w", res.Error)
	}
	return nil
}

func (s *gormStore) RetrieveTasks(ctx context.Context, stageID uuid.UUID) ([]*model.TaskExecution, error) {
	var tasks []*model.TaskExecution
	if err := s.db.WithContext(ctx).Where("stage_id = ?", stageID).Order("index asc").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("retrieve tasks: %w", err)
	}
	return tasks, nil
}

func (s *gormStore) RetrieveTask(ctx context.Context, id uuid.UUID) (*model.TaskExecution, error) {
	var t model.TaskExecution
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &t, nil
}

func (s *gormStore) StoreTask(ctx context.Context, task *model.TaskExecution) error {
	if err := s.db.WithContext(ctx).Save(task).Error; err != nil {
		return fmt.Errorf("store task: %w", err)
	}
	return nil
}

func (s *gormStore) RetrievePipelinesForConfigID(ctx context.Context, configID string) ([]*model.PipelineExecution, error) {
	var execs []*model.PipelineExecution
	if err := s.db.WithContext(ctx).
		Where("pipeline_config_id = ?", configID).
		Order("created_at asc").
		Find(&execs).Error; err != nil {
		return nil, fmt.Errorf("retrieve pipelines for config: %w", err)
	}
	return execs, nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
