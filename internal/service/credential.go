package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"actionworker/pkg/logger"
	storemodel "actionworker/pkg/store/mysql/model"

	"github.com/google/uuid"
)

// DisposableAPIKey is the credential handed to one action container. It must
// be released on every exit path of the run.
type DisposableAPIKey struct {
	key   *storemodel.ApiKey
	store CredentialStore

	once sync.Once
	err  error
}

// IssueAPIKey creates a CONTAINER key for the mission of action with the
// rights of its template
func IssueAPIKey(ctx context.Context, store CredentialStore, action *storemodel.Action) (*DisposableAPIKey, error) {
	key := &storemodel.ApiKey{
		UUID:        uuid.NewString(),
		Secret:      uuid.NewString(),
		KeyType:     storemodel.KeyTypeContainer,
		ActionUUID:  action.UUID,
		MissionUUID: action.MissionUUID,
		UserUUID:    action.CreatorUUID,
		CreatedAt:   time.Now(),
	}
	if action.Template != nil {
		key.Rights = action.Template.AccessRights
	}
	if err := store.Create(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to issue api key: %w", err)
	}
	logger.DebugCtx(ctx, "issued api key %s for action %s", key.UUID, action.UUID)
	return &DisposableAPIKey{key: key, store: store}, nil
}

func (k *DisposableAPIKey) ID() string {
	return k.key.UUID
}

func (k *DisposableAPIKey) Secret() string {
	return k.key.Secret
}

// Release revokes the key. Only the first call reaches the store; it runs
// even if ctx is already canceled.
func (k *DisposableAPIKey) Release(ctx context.Context) error {
	k.once.Do(func() {
		ctx := context.WithoutCancel(ctx)
		if err := k.store.Revoke(ctx, k.key.UUID); err != nil {
			k.err = fmt.Errorf("failed to revoke api key %s: %w", k.key.UUID, err)
			return
		}
		logger.DebugCtx(ctx, "revoked api key %s", k.key.UUID)
	})
	return k.err
}
