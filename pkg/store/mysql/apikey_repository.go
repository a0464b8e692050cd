package mysql

import (
	"context"
	"errors"
	"fmt"

	"actionworker/pkg/store/mysql/model"

	"gorm.io/gorm"
)

// ApiKeyRepository handles credential persistence
type ApiKeyRepository struct {
	ds *Datastore
}

// NewApiKeyRepository creates a new api key repository
func NewApiKeyRepository(ds *Datastore) *ApiKeyRepository {
	return &ApiKeyRepository{ds: ds}
}

// Create persists a new key
func (r *ApiKeyRepository) Create(ctx context.Context, key *model.ApiKey) error {
	return r.ds.DB(ctx).Create(key).Error
}

// Revoke soft-deletes a key. Revoking an already revoked key is a no-op.
func (r *ApiKeyRepository) Revoke(ctx context.Context, id string) error {
	result := r.ds.DB(ctx).Where("uuid = ?", id).Delete(&model.ApiKey{})
	if result.Error != nil {
		return fmt.Errorf("failed to revoke api key: %w", result.Error)
	}
	return nil
}

// GetActiveBySecret returns the key for secret unless it was revoked
func (r *ApiKeyRepository) GetActiveBySecret(ctx context.Context, secret string) (*model.ApiKey, error) {
	var key model.ApiKey
	if err := r.ds.DB(ctx).Where("apikey = ?", secret).First(&key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return &key, nil
}

// GetUnscoped returns a key including revoked ones
func (r *ApiKeyRepository) GetUnscoped(ctx context.Context, id string) (*model.ApiKey, error) {
	var key model.ApiKey
	if err := r.ds.DB(ctx).Unscoped().Where("uuid = ?", id).First(&key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return &key, nil
}
