package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"actionworker/internal/model"
	"actionworker/pkg/hardware"
	"actionworker/pkg/logger"
	"actionworker/pkg/metrics"
	queue "actionworker/pkg/queue/asynq"
	"actionworker/pkg/status"
	storemodel "actionworker/pkg/store/mysql/model"

	"github.com/hibiken/asynq"
)

// ActionProcessor runs one action attempt
type ActionProcessor interface {
	ProcessAction(ctx context.Context, action *storemodel.Action) error
}

// WorkerIdentity is the worker record this process runs as
type WorkerIdentity interface {
	Current() (*storemodel.Worker, model.WorkerDescriptor)
}

// RetryBudget reports how often the current job was retried and how often it
// may be retried at most
type RetryBudget func(ctx context.Context) (retried, maxRetry int)

// asynqRetryBudget reads the retry counters asynq puts into the handler ctx
func asynqRetryBudget(ctx context.Context) (int, int) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return retried, maxRetry
}

// ActionConsumer handles action jobs from this worker's queue
type ActionConsumer struct {
	actions   ActionStore
	processor ActionProcessor
	worker    WorkerIdentity
	budget    RetryBudget

	mu       sync.RWMutex
	inFlight string
}

// NewActionConsumer creates a consumer; a nil budget reads asynq's counters
func NewActionConsumer(actions ActionStore, processor ActionProcessor, worker WorkerIdentity, budget RetryBudget) *ActionConsumer {
	if budget == nil {
		budget = asynqRetryBudget
	}
	return &ActionConsumer{
		actions:   actions,
		processor: processor,
		worker:    worker,
		budget:    budget,
	}
}

// ProcessTask implements asynq.Handler
func (c *ActionConsumer) ProcessTask(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseActionTask(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return c.Handle(logger.WithActionID(ctx, payload.ActionID), payload.ActionID)
}

// InFlight returns the id of the action currently executed, if any
func (c *ActionConsumer) InFlight() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inFlight
}

func (c *ActionConsumer) setInFlight(id string) {
	c.mu.Lock()
	c.inFlight = id
	c.mu.Unlock()
}

// Handle runs one delivery of the job for actionID and settles the outcome.
// The returned error tells the queue whether to redeliver: errors wrapping
// asynq.SkipRetry are final.
func (c *ActionConsumer) Handle(ctx context.Context, actionID string) error {
	action, err := c.actions.Get(ctx, actionID)
	if err != nil {
		return err
	}
	if action == nil {
		return fmt.Errorf("action %s not found: %w", actionID, asynq.SkipRetry)
	}

	worker, descriptor := c.worker.Current()
	if worker == nil {
		return fmt.Errorf("worker not registered")
	}
	if action.WorkerUUID == nil || *action.WorkerUUID != worker.UUID {
		if _, err := c.actions.Mutate(ctx, actionID, func(a *storemodel.Action) error {
			a.WorkerUUID = &worker.UUID
			return nil
		}); err != nil {
			return fmt.Errorf("failed to reassign action: %w", err)
		}
		action.WorkerUUID = &worker.UUID
		action.Worker = worker
		logger.WarnCtx(ctx, "action %s reassigned to worker %s", actionID, worker.Identifier)
	}

	c.setInFlight(actionID)
	defer c.setInFlight("")

	err = hardware.CheckRequirements(descriptor, requirementsOf(action.Template))
	if err == nil {
		err = c.processor.ProcessAction(ctx, action)
	}
	if err != nil {
		return c.fail(ctx, actionID, err)
	}
	return c.complete(ctx, actionID)
}

// complete forces DONE unless the run already ended in FAILED
func (c *ActionConsumer) complete(ctx context.Context, actionID string) error {
	ctx = context.WithoutCancel(ctx)
	updated, err := c.actions.Mutate(ctx, actionID, func(a *storemodel.Action) error {
		if a.State == model.ActionStateFailed {
			return nil
		}
		now := time.Now()
		a.State = model.ActionStateDone
		a.ExecutionEndedAt = &now
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete action: %w", err)
	}
	metrics.ActionsTotal.WithLabelValues(string(updated.State)).Inc()
	logger.InfoCtx(ctx, "action %s finished: %s", actionID, updated.State)
	return nil
}

// fail settles a failed attempt: hardware errors go back to PENDING while
// retries remain, an action in the wrong state is left untouched, and
// everything else ends in FAILED and is not retried
func (c *ActionConsumer) fail(ctx context.Context, actionID string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	retried, maxRetry := c.budget(ctx)

	if hardware.IsDependencyError(cause) && retried < maxRetry {
		logger.WarnCtx(ctx, "retrying action %s (attempt %d of %d): %v", actionID, retried+1, maxRetry, cause)
		if _, err := c.actions.Mutate(ctx, actionID, func(a *storemodel.Action) error {
			a.State = model.ActionStatePending
			a.StateCause = "Pending... " + cause.Error()
			a.Attempt++
			return nil
		}); err != nil {
			logger.ErrorCtx(ctx, "failed to reset action %s to pending: %v", actionID, err)
		}
		metrics.JobFailures.WithLabelValues(metrics.FailureHardwareRetry).Inc()
		return cause
	}

	if errors.Is(cause, ErrInvalidState) {
		logger.ErrorCtx(ctx, "refusing to run action %s: %v", actionID, cause)
		metrics.JobFailures.WithLabelValues(metrics.FailureUnexpected).Inc()
		return fmt.Errorf("%v: %w", cause, asynq.SkipRetry)
	}

	kind := metrics.FailureUnexpected
	if hardware.IsDependencyError(cause) {
		kind = metrics.FailureHardwareExhausted
	}
	metrics.JobFailures.WithLabelValues(kind).Inc()

	message := status.CleanRuntimeError(cause)
	logger.ErrorCtx(ctx, "action %s failed: %s", actionID, message)
	if _, err := c.actions.Mutate(ctx, actionID, func(a *storemodel.Action) error {
		a.State = model.ActionStateFailed
		a.StateCause = message
		a.Artifacts = model.ArtifactStateError
		if a.ExecutionEndedAt == nil {
			now := time.Now()
			a.ExecutionEndedAt = &now
		}
		return nil
	}); err != nil {
		logger.ErrorCtx(ctx, "failed to mark action %s failed: %v", actionID, err)
	}
	metrics.ActionsTotal.WithLabelValues(string(model.ActionStateFailed)).Inc()
	return fmt.Errorf("%s: %w", message, asynq.SkipRetry)
}

func requirementsOf(tpl *storemodel.ActionTemplate) hardware.Requirements {
	if tpl == nil {
		return hardware.Requirements{}
	}
	req := hardware.Requirements{
		CPUCores:    tpl.CPUCores,
		MemoryGB:    tpl.CPUMemory,
		GPUMemoryGB: tpl.GPUMemory,
	}
	if req.CPUCores <= 0 {
		req.CPUCores = defaultCPUCores
	}
	if req.MemoryGB <= 0 {
		req.MemoryGB = defaultMemoryGB
	}
	return req
}
