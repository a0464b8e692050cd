package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"actionworker/pkg/logger"
	"actionworker/pkg/store/mysql/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WorkerRepository handles worker database operations
type WorkerRepository struct {
	ds *Datastore
}

// NewWorkerRepository creates a new worker repository
func NewWorkerRepository(ds *Datastore) *WorkerRepository {
	return &WorkerRepository{ds: ds}
}

// Get retrieves a worker by uuid
func (r *WorkerRepository) Get(ctx context.Context, id string) (*model.Worker, error) {
	var worker model.Worker
	if err := r.ds.DB(ctx).Where("uuid = ?", id).First(&worker).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return &worker, nil
}

// GetByIdentifier retrieves a worker by its stable identifier
func (r *WorkerRepository) GetByIdentifier(ctx context.Context, identifier string) (*model.Worker, error) {
	var worker model.Worker
	if err := r.ds.DB(ctx).Where("identifier = ?", identifier).First(&worker).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return &worker, nil
}

// Register creates the worker row for w.Identifier or refreshes the existing
// one with the detected hardware, hostname and liveness.
func (r *WorkerRepository) Register(ctx context.Context, w *model.Worker) (*model.Worker, error) {
	var saved *model.Worker
	err := r.ds.ExecTx(ctx, func(ctx context.Context) error {
		existing, err := r.GetByIdentifier(ctx, w.Identifier)
		if err != nil {
			return err
		}

		now := time.Now()
		if existing == nil {
			row := *w
			if row.UUID == "" {
				row.UUID = uuid.New().String()
			}
			row.Reachable = true
			row.LastSeen = now
			row.CreatedAt = now
			row.UpdatedAt = now
			if err := r.ds.DB(ctx).Create(&row).Error; err != nil {
				return fmt.Errorf("failed to create worker: %w", err)
			}
			logger.InfoCtx(ctx, "registered new worker, identifier: %s, uuid: %s", row.Identifier, row.UUID)
			saved = &row
			return nil
		}

		if existing.Hostname != w.Hostname {
			logger.InfoCtx(ctx, "worker %s hostname changed: %s -> %s", w.Identifier, existing.Hostname, w.Hostname)
		}
		updates := map[string]interface{}{
			"hostname":   w.Hostname,
			"cpu_cores":  w.CPUCores,
			"cpu_model":  w.CPUModel,
			"cpu_memory": w.CPUMemory,
			"has_gpu":    w.HasGPU,
			"gpu_model":  w.GPUModel,
			"gpu_memory": w.GPUMemory,
			"storage":    w.Storage,
			"reachable":  true,
			"last_seen":  now,
			"updated_at": now,
		}
		if err := r.ds.DB(ctx).Model(&model.Worker{}).Where("uuid = ?", existing.UUID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update worker: %w", err)
		}
		saved, err = r.Get(ctx, existing.UUID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// Heartbeat refreshes liveness and the disk snapshot of a worker
func (r *WorkerRepository) Heartbeat(ctx context.Context, id string, storageGB int) error {
	return r.ds.ExecTx(ctx, func(ctx context.Context) error {
		now := time.Now()
		result := r.ds.DB(ctx).Model(&model.Worker{}).
			Where("uuid = ?", id).
			Updates(map[string]interface{}{
				"last_seen":  now,
				"reachable":  true,
				"storage":    storageGB,
				"updated_at": now,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to update heartbeat: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("worker not found: %s", id)
		}
		return nil
	})
}

// MarkUnreachable flags a worker as gone, used on shutdown
func (r *WorkerRepository) MarkUnreachable(ctx context.Context, id string) error {
	return r.ds.DB(ctx).Model(&model.Worker{}).
		Where("uuid = ?", id).
		Updates(map[string]interface{}{"reachable": false, "updated_at": time.Now()}).Error
}
