package main

import (
	"context"
	"time"

	"actionworker/internal/jobs"
	"actionworker/internal/service"
	"actionworker/pkg/logger"
)

const heartbeatTimeout = 15 * time.Second

func (app *Application) initJobs() error {
	if app.workerService == nil || app.reconciler == nil {
		logger.WarnCtx(app.ctx, "Service layer not fully initialized yet, skipping background task registration")
		return nil
	}

	manager := jobs.NewManager(app.ctx)
	manager.Register(newHeartbeatJob(app.config.Worker.HeartbeatEvery(), app.workerService))
	manager.Register(newReconcileJob(app.config.Worker.ReconcileEvery(), app.reconciler))

	app.jobsManager = manager
	return nil
}

// heartbeatJob refreshes last-seen and free disk of this worker
type heartbeatJob struct {
	interval      time.Duration
	workerService *service.WorkerService
}

func newHeartbeatJob(interval time.Duration, svc *service.WorkerService) *heartbeatJob {
	return &heartbeatJob{interval: interval, workerService: svc}
}

func (j *heartbeatJob) Name() string {
	return "worker-heartbeat"
}

func (j *heartbeatJob) Interval() time.Duration {
	return j.interval
}

func (j *heartbeatJob) Timeout() time.Duration {
	if j.interval < heartbeatTimeout {
		return j.interval
	}
	return heartbeatTimeout
}

func (j *heartbeatJob) Run(ctx context.Context) error {
	return j.workerService.Heartbeat(ctx)
}

// reconcileJob heals containers and actions that lost their supervisor.
// The reconciler takes its own per-worker lock.
type reconcileJob struct {
	interval   time.Duration
	reconciler *service.Reconciler
}

func newReconcileJob(interval time.Duration, reconciler *service.Reconciler) *reconcileJob {
	return &reconcileJob{interval: interval, reconciler: reconciler}
}

func (j *reconcileJob) Name() string {
	return "container-reconcile"
}

func (j *reconcileJob) Interval() time.Duration {
	return j.interval
}

func (j *reconcileJob) Run(ctx context.Context) error {
	return j.reconciler.Reconcile(ctx)
}
