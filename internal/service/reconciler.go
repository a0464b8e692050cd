package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"actionworker/internal/model"
	"actionworker/pkg/lock"
	"actionworker/pkg/logger"
	"actionworker/pkg/metrics"
	"actionworker/pkg/runtime/docker"
	storemodel "actionworker/pkg/store/mysql/model"
)

const (
	causeNoContainer  = "Container crashed, no container found"
	causeUnsupervised = "Container crashed, exited while no worker was supervising it"
	causeTooOld       = "Container killed: running for more than 24 hours"
	causeNeverStarted = "Container killed: action has never started"
)

var errUnchanged = errors.New("action unchanged")

// Reconciler repairs divergence between the containers on this host and the
// actions assigned to this worker
type Reconciler struct {
	runtime  Runtime
	actions  ActionStore
	worker   WorkerIdentity
	inFlight func() string
	lock     lock.DistributedLock
	maxAge   time.Duration
	now      func() time.Time
}

// NewReconciler creates a reconciler. inFlight names the action the consumer
// is executing right now; its container and row are never touched. lock may
// be nil.
func NewReconciler(runtime Runtime, actions ActionStore, worker WorkerIdentity, inFlight func() string, l lock.DistributedLock, maxAge time.Duration) *Reconciler {
	if inFlight == nil {
		inFlight = func() string { return "" }
	}
	return &Reconciler{
		runtime:  runtime,
		actions:  actions,
		worker:   worker,
		inFlight: inFlight,
		lock:     l,
		maxAge:   maxAge,
		now:      time.Now,
	}
}

// Reconcile runs one sweep
func (r *Reconciler) Reconcile(ctx context.Context) error {
	if r.lock != nil {
		acquired, err := r.lock.TryLock(ctx)
		if err != nil {
			return fmt.Errorf("failed to acquire reconcile lock: %w", err)
		}
		if !acquired {
			logger.DebugCtx(ctx, "reconcile already running elsewhere, skipping")
			return nil
		}
		defer r.lock.Unlock(context.WithoutCancel(ctx))
	}

	worker, _ := r.worker.Current()
	if worker == nil {
		return fmt.Errorf("worker not registered")
	}

	containers, err := r.runtime.ListManaged(ctx)
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	byAction := make(map[string]docker.ManagedContainer, len(containers))
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		if _, seen := byAction[c.ActionID]; !seen {
			ids = append(ids, c.ActionID)
		}
		byAction[c.ActionID] = c
	}

	active, err := r.actions.ListByWorker(ctx, worker.UUID,
		model.ActionStateStarting, model.ActionStateProcessing, model.ActionStateStopping)
	if err != nil {
		return err
	}
	logger.DebugCtx(ctx, "reconciling %d containers against %d active actions", len(containers), len(active))
	for _, a := range active {
		if _, ok := byAction[a.UUID]; ok || r.supervised(a.UUID) {
			continue
		}
		logger.InfoCtx(ctx, "action %s is %s but has no container", a.UUID, a.State)
		r.failAction(ctx, a.UUID, causeNoContainer, metrics.ReasonNoContainer)
	}

	actions, err := r.actions.GetMany(ctx, ids)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if r.supervised(c.ActionID) {
			continue
		}
		r.reconcileContainer(ctx, c, actions[c.ActionID])
	}
	return nil
}

// supervised reports whether the consumer is executing the action right now.
// The consumer may pick up a new action at any point during a sweep, so this
// is asked again before every decision.
func (r *Reconciler) supervised(actionID string) bool {
	return actionID != "" && actionID == r.inFlight()
}

func (r *Reconciler) reconcileContainer(ctx context.Context, c docker.ManagedContainer, action *storemodel.Action) {
	if action == nil || !action.State.IsActive() {
		logger.WarnCtx(ctx, "container %s (%s) has no running action, killing it", c.Name, c.ID)
		if err := r.runtime.KillAndRemove(ctx, c.ID, true); err != nil {
			logger.WarnCtx(ctx, "failed to kill container %s: %v", c.ID, err)
			return
		}
		metrics.ReconcileHealed.WithLabelValues(metrics.ReasonOrphan).Inc()
		if action != nil && action.State == model.ActionStatePending {
			r.failAction(ctx, action.UUID, causeNeverStarted, metrics.ReasonNeverStart)
		}
		return
	}

	if r.maxAge > 0 && r.now().Sub(c.Created) > r.maxAge {
		logger.InfoCtx(ctx, "container of action %s is older than %s, killing it", action.UUID, r.maxAge)
		if err := r.runtime.KillAndRemove(ctx, c.ID, true); err != nil {
			logger.WarnCtx(ctx, "failed to kill container %s: %v", c.ID, err)
			return
		}
		r.failAction(ctx, action.UUID, causeTooOld, metrics.ReasonTooOld)
		return
	}

	if !c.Running() {
		logger.InfoCtx(ctx, "container of action %s is %s without supervision", action.UUID, c.State)
		out := outcome{state: model.ActionStateFailed, cause: causeUnsupervised, reason: metrics.ReasonCrashed}
		if c.ExitCode != nil {
			exit := ClassifyExit(*c.ExitCode)
			out = outcome{state: exit.State, cause: exit.Cause, exitCode: c.ExitCode, reason: metrics.ReasonExited}
		}
		r.settle(ctx, action.UUID, out)
		if err := r.runtime.KillAndRemove(ctx, c.ID, true); err != nil {
			logger.WarnCtx(ctx, "failed to remove container %s: %v", c.ID, err)
		}
	}
}

// outcome the final state a sweep writes to an action
type outcome struct {
	state    model.ActionState
	cause    string
	exitCode *int
	reason   string
}

// failAction moves a non-terminal action to FAILED
func (r *Reconciler) failAction(ctx context.Context, id, cause, reason string) {
	r.settle(ctx, id, outcome{state: model.ActionStateFailed, cause: cause, reason: reason})
}

// settle writes out to a non-terminal action. Terminal and supervised actions
// are left alone so a repeated sweep changes nothing. A DONE outcome the
// action cannot reach from its current state is recorded as FAILED.
func (r *Reconciler) settle(ctx context.Context, id string, out outcome) {
	var state model.ActionState
	_, err := r.actions.Mutate(ctx, id, func(a *storemodel.Action) error {
		if a.State.IsTerminal() || r.supervised(id) {
			return errUnchanged
		}
		cause := out.cause
		state = out.state
		if !model.CanTransition(a.State, state) {
			state, cause = model.ActionStateFailed, causeUnsupervised
		}
		now := r.now()
		a.State = state
		a.StateCause = cause
		if out.exitCode != nil {
			code := *out.exitCode
			a.ExitCode = &code
		}
		// the volume goes with the container, nothing is left to upload
		if a.Artifacts == model.ArtifactStateUploading ||
			(state == model.ActionStateDone && a.Artifacts != model.ArtifactStateUploaded) {
			a.Artifacts = model.ArtifactStateError
		}
		if a.ExecutionEndedAt == nil {
			a.ExecutionEndedAt = &now
		}
		return nil
	})
	switch {
	case errors.Is(err, errUnchanged):
		return
	case err != nil:
		logger.ErrorCtx(ctx, "failed to settle action %s: %v", id, err)
		return
	}
	metrics.ReconcileHealed.WithLabelValues(out.reason).Inc()
	metrics.ActionsTotal.WithLabelValues(string(state)).Inc()
}
