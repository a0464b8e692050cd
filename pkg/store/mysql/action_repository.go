package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "actionworker/internal/model"
	"actionworker/pkg/store/mysql/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrVersionConflict is returned when an action kept changing underneath Mutate
var ErrVersionConflict = errors.New("action version conflict")

const maxMutateAttempts = 5

// ActionRepository handles action persistence
type ActionRepository struct {
	ds *Datastore
}

// NewActionRepository creates a new action repository
func NewActionRepository(ds *Datastore) *ActionRepository {
	return &ActionRepository{ds: ds}
}

// Create inserts a new action
func (r *ActionRepository) Create(ctx context.Context, action *model.Action) error {
	if action.State == "" {
		action.State = domain.ActionStatePending
	}
	if action.Artifacts == "" {
		action.Artifacts = domain.ArtifactStateNone
	}
	return r.ds.DB(ctx).Omit(clause.Associations).Create(action).Error
}

// Get retrieves an action with template, mission, project, creator and worker
func (r *ActionRepository) Get(ctx context.Context, id string) (*model.Action, error) {
	var action model.Action
	err := r.ds.DB(ctx).
		Preload("Template").
		Preload("Mission.Project").
		Preload("Creator").
		Preload("Worker").
		Where("uuid = ?", id).
		First(&action).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return &action, nil
}

// Mutate loads the action, applies fn and writes the result back only if no
// other writer bumped the version in between. fn may run more than once and
// must only touch the struct it is given. State changes are checked against
// the action state machine.
func (r *ActionRepository) Mutate(ctx context.Context, id string, fn func(action *model.Action) error) (*model.Action, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		var updated *model.Action
		err := r.ds.ExecTx(ctx, func(ctx context.Context) error {
			var current model.Action
			query := r.ds.DB(ctx).Where("uuid = ?", id)
			if r.ds.driver == "mysql" {
				query = query.Clauses(clause.Locking{Strength: "UPDATE"})
			}
			if err := query.First(&current).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("action %s not found: %w", id, err)
				}
				return fmt.Errorf("failed to load action: %w", err)
			}

			next := current
			next.Logs = append(model.ContainerLogs(nil), current.Logs...)
			if err := fn(&next); err != nil {
				return err
			}
			if err := domain.CheckTransition(current.State, next.State); err != nil {
				return err
			}

			next.UUID = current.UUID
			next.CreatedAt = current.CreatedAt
			next.Version = current.Version + 1
			next.UpdatedAt = time.Now()

			result := r.ds.DB(ctx).Model(&model.Action{}).
				Where("uuid = ? AND version = ?", id, current.Version).
				Select("*").
				Omit("uuid", "created_at", clause.Associations).
				Updates(&next)
			if result.Error != nil {
				return fmt.Errorf("failed to update action: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				return ErrVersionConflict
			}
			updated = &next
			return nil
		})
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("%w: action_id=%s", ErrVersionConflict, id)
}

// AppendLogs appends one batch of log lines in its own transaction
func (r *ActionRepository) AppendLogs(ctx context.Context, id string, logs []domain.ContainerLog) error {
	if len(logs) == 0 {
		return nil
	}
	_, err := r.Mutate(ctx, id, func(action *model.Action) error {
		action.Logs = append(action.Logs, logs...)
		return nil
	})
	return err
}

// ListByWorker lists the actions assigned to a worker in any of states
func (r *ActionRepository) ListByWorker(ctx context.Context, workerUUID string, states ...domain.ActionState) ([]*model.Action, error) {
	var actions []*model.Action
	query := r.ds.DB(ctx).Where("worker_uuid = ?", workerUUID)
	if len(states) > 0 {
		query = query.Where("state IN ?", states)
	}
	if err := query.Order("created_at ASC").Find(&actions).Error; err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	return actions, nil
}

// GetMany returns the actions with the given ids keyed by uuid
func (r *ActionRepository) GetMany(ctx context.Context, ids []string) (map[string]*model.Action, error) {
	result := make(map[string]*model.Action, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	var actions []*model.Action
	if err := r.ds.DB(ctx).Where("uuid IN ?", ids).Find(&actions).Error; err != nil {
		return nil, fmt.Errorf("failed to get actions: %w", err)
	}
	for _, a := range actions {
		result[a.UUID] = a
	}
	return result, nil
}
