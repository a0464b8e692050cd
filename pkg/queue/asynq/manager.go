package asynq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"actionworker/internal/model"
	"actionworker/pkg/config"
	"actionworker/pkg/logger"

	"github.com/hibiken/asynq"
)

const (
	TypeActionProcess = "action:process"

	// used when neither the caller nor the config bounds a job
	defaultTaskTimeout = 25 * time.Hour
)

// QueueName returns the queue dedicated to one worker
func QueueName(prefix, identifier string) string {
	return prefix + identifier
}

// Manager queue manager bound to this worker's queue
type Manager struct {
	redisOpt  asynq.RedisClientOpt
	client    *asynq.Client
	server    *asynq.Server
	mux       *asynq.ServeMux
	inspector *asynq.Inspector

	prefix   string
	queue    string
	maxRetry int
	timeout  time.Duration
}

// NewManager creates a queue manager consuming QueueName(prefix, identifier)
// with a single handler slot.
func NewManager(cfg *config.Config, identifier string) (*Manager, error) {
	if identifier == "" {
		return nil, fmt.Errorf("worker identifier is required")
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	queue := QueueName(cfg.Queue.Prefix, identifier)
	retryDelay := time.Duration(cfg.Queue.RetryDelay) * time.Second

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			// one container lifecycle at a time per worker
			Concurrency: 1,
			Queues: map[string]int{
				queue: 1,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return time.Duration(n+1) * retryDelay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.WarnCtx(ctx, "queue task %s failed (retry %d/%d): %v", task.Type(), retried, maxRetry, err)
			}),
			ShutdownTimeout: 30 * time.Second,
		},
	)

	timeout := defaultTaskTimeout
	if cfg.Queue.TaskTimeout > 0 {
		timeout = time.Duration(cfg.Queue.TaskTimeout) * time.Second
	}

	return &Manager{
		redisOpt:  redisOpt,
		client:    asynq.NewClient(redisOpt),
		server:    server,
		mux:       asynq.NewServeMux(),
		inspector: asynq.NewInspector(redisOpt),
		prefix:    cfg.Queue.Prefix,
		queue:     queue,
		maxRetry:  cfg.Queue.MaxRetry,
		timeout:   timeout,
	}, nil
}

// Queue returns the name of the consumed queue
func (m *Manager) Queue() string {
	return m.queue
}

// NewActionTask builds the job envelope for an action
func NewActionTask(actionID string) (*asynq.Task, error) {
	payload, err := json.Marshal(model.ActionJobPayload{ActionID: actionID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return asynq.NewTask(TypeActionProcess, payload), nil
}

// ParseActionTask decodes the job envelope
func ParseActionTask(task *asynq.Task) (model.ActionJobPayload, error) {
	var payload model.ActionJobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if payload.ActionID == "" {
		return payload, fmt.Errorf("payload has no action id")
	}
	return payload, nil
}

// EnqueueAction enqueues an action for the worker named by identifier. The
// action id is the task id, so an action is queued at most once at a time.
// timeout <= 0 uses the configured default.
func (m *Manager) EnqueueAction(ctx context.Context, actionID, identifier string, timeout time.Duration) (*asynq.TaskInfo, error) {
	task, err := NewActionTask(actionID)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = m.timeout
	}

	opts := []asynq.Option{
		asynq.Queue(QueueName(m.prefix, identifier)),
		asynq.TaskID(actionID),
		asynq.Timeout(timeout),
		asynq.MaxRetry(m.maxRetry),
	}

	info, err := m.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue action: %w", err)
	}

	logger.InfoCtx(ctx, "action enqueued, action_id: %s, queue: %s", actionID, info.Queue)
	return info, nil
}

// QueueInfo returns pending/active counts of the consumed queue
func (m *Manager) QueueInfo() (*asynq.QueueInfo, error) {
	return m.inspector.GetQueueInfo(m.queue)
}

// RegisterHandler registers task handler
func (m *Manager) RegisterHandler(pattern string, handler asynq.Handler) {
	m.mux.Handle(pattern, handler)
}

// Start starts queue processor
func (m *Manager) Start() error {
	logger.InfoCtx(context.Background(), "starting queue server on %s", m.queue)
	return m.server.Start(m.mux)
}

// Stop stops pulling new jobs and waits for the running one
func (m *Manager) Stop() {
	logger.InfoCtx(context.Background(), "stopping queue server")
	m.server.Stop()
	m.server.Shutdown()
}

// Close closes client and inspector
func (m *Manager) Close() error {
	m.inspector.Close()
	return m.client.Close()
}
