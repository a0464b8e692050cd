package service

import (
	"context"

	"actionworker/internal/model"
	"actionworker/pkg/runtime/docker"
	storemodel "actionworker/pkg/store/mysql/model"
)

// Runtime is the container runtime the lifecycle runs against
type Runtime interface {
	StartContainer(ctx context.Context, opts docker.StartOptions, onRunning docker.RunningFunc) (docker.ContainerInfo, error)
	SubscribeLogs(ctx context.Context, id string, sanitize docker.SanitizeFunc) (<-chan model.ContainerLog, <-chan error)
	Wait(ctx context.Context, id string) (int, error)
	RemoveContainer(ctx context.Context, id string) error
	RemoveVolume(ctx context.Context, actionID string) error
	KillAndRemove(ctx context.Context, id string, removeVolume bool) error
	ListManaged(ctx context.Context) ([]docker.ManagedContainer, error)
	RunArtifactUploader(ctx context.Context, actionID, folderID string) (int, error)
}

// ActionStore persists actions. Get returns nil, nil for an unknown id.
type ActionStore interface {
	Get(ctx context.Context, id string) (*storemodel.Action, error)
	Mutate(ctx context.Context, id string, fn func(action *storemodel.Action) error) (*storemodel.Action, error)
	AppendLogs(ctx context.Context, id string, logs []model.ContainerLog) error
	ListByWorker(ctx context.Context, workerUUID string, states ...model.ActionState) ([]*storemodel.Action, error)
	GetMany(ctx context.Context, ids []string) (map[string]*storemodel.Action, error)
}

// CredentialStore persists disposable api keys
type CredentialStore interface {
	Create(ctx context.Context, key *storemodel.ApiKey) error
	Revoke(ctx context.Context, id string) error
}

// FolderCreator is the artifact store
type FolderCreator interface {
	CreateFolder(ctx context.Context, name string) (string, error)
	FolderURL(id string) string
}

// WorkerStore persists fleet members
type WorkerStore interface {
	Register(ctx context.Context, w *storemodel.Worker) (*storemodel.Worker, error)
	Heartbeat(ctx context.Context, id string, storageGB int) error
	MarkUnreachable(ctx context.Context, id string) error
}

// HardwareDetector reads the local host capacity
type HardwareDetector interface {
	Detect(ctx context.Context) (model.WorkerDescriptor, error)
	DiskSpaceGB(ctx context.Context) (int, error)
}
