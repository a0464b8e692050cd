package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"actionworker/app/handler"
	"actionworker/internal/jobs"
	"actionworker/internal/service"
	"actionworker/pkg/artifact/drive"
	"actionworker/pkg/config"
	"actionworker/pkg/logger"
	queue "actionworker/pkg/queue/asynq"
	"actionworker/pkg/runtime/docker"
	mysqlstore "actionworker/pkg/store/mysql"
	redisstore "actionworker/pkg/store/redis"

	"github.com/gin-gonic/gin"
)

// Application manages the lifecycle of the worker process
type Application struct {
	// Infrastructure components
	config      *config.Config
	identifier  string
	mysqlRepo   *mysqlstore.Repository
	redisClient *redisstore.RedisClient
	runtime     *docker.Adapter
	artifacts   *drive.FolderCreator
	queue       *queue.Manager

	// Service layer
	workerService  *service.WorkerService
	actionManager  *service.ActionManager
	actionConsumer *service.ActionConsumer
	reconciler     *service.Reconciler

	// Handler layer
	opsHandler *handler.OpsHandler

	// HTTP server
	httpServer *http.Server
	ginEngine  *gin.Engine

	// Background tasks
	jobsManager *jobs.Manager

	// Context management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Background task cleanup functions
	cleanupFuncs []func()
}

// NewApplication creates a new Application instance
func NewApplication() *Application {
	ctx, cancel := context.WithCancel(context.Background())
	return &Application{
		ctx:          ctx,
		cancel:       cancel,
		cleanupFuncs: make([]func(), 0),
	}
}

// Initialize initializes all application components
func (app *Application) Initialize() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"Configuration", app.initConfig},
		{"Logging", app.initLogger},
		{"Database", app.initDatabase},
		{"Redis", app.initRedis},
		{"Docker Runtime", app.initRuntime},
		{"Worker Registration", app.initWorker},
		{"Artifact Store", app.initArtifacts},
		{"Service Layer", app.initServices},
		{"Queue", app.initQueue},
		{"Background Tasks", app.initJobs},
		{"Handler Layer", app.initHandlers},
		{"HTTP Server", app.initHTTPServer},
	}

	for _, step := range steps {
		logger.InfoCtx(app.ctx, "Initializing %s...", step.name)
		if err := step.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
		logger.InfoCtx(app.ctx, "%s initialized successfully", step.name)
	}

	logger.InfoCtx(app.ctx, "Application initialization completed")
	return nil
}

// Start starts all application components
func (app *Application) Start() error {
	logger.InfoCtx(app.ctx, "Starting application components...")

	// 1. Start background tasks
	if app.jobsManager != nil {
		logger.InfoCtx(app.ctx, "Starting background task manager")
		app.jobsManager.Start()
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.jobsManager.Wait()
		}()
	}

	// 2. Start consuming this worker's queue
	if err := app.queue.Start(); err != nil {
		return fmt.Errorf("failed to start queue consumer: %w", err)
	}
	logger.InfoCtx(app.ctx, "Consuming queue %s", app.queue.Queue())

	// 3. Start HTTP server
	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		addr := fmt.Sprintf(":%d", app.config.Server.Port)
		logger.InfoCtx(app.ctx, "HTTP server listening on: %s", addr)
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.FatalCtx(app.ctx, "HTTP server error: %v", err)
		}
	}()

	logger.InfoCtx(app.ctx, "All components started successfully")
	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown(timeout time.Duration) error {
	logger.InfoCtx(app.ctx, "Starting graceful shutdown (timeout: %v)...", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 1. Stop pulling jobs; the running action is allowed to finish
	if app.queue != nil {
		logger.InfoCtx(app.ctx, "Stopping queue consumer...")
		app.queue.Stop()
	}

	// 2. Cancel all background tasks
	logger.InfoCtx(app.ctx, "Canceling background tasks...")
	app.cancel()
	if app.jobsManager != nil {
		app.jobsManager.Stop()
	}

	// 3. Stop HTTP server
	if app.httpServer != nil {
		logger.InfoCtx(app.ctx, "Shutting down HTTP server...")
		if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
			logger.ErrorCtx(app.ctx, "HTTP server shutdown error: %v", err)
		}
	}

	// 4. Wait for all background tasks to complete
	logger.InfoCtx(app.ctx, "Waiting for background tasks to complete...")
	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.InfoCtx(app.ctx, "All background tasks completed")
	case <-shutdownCtx.Done():
		logger.WarnCtx(app.ctx, "Shutdown timeout, some tasks may not have completed")
	}

	// 5. Tell the backend this worker is gone
	if app.workerService != nil {
		if err := app.workerService.Shutdown(shutdownCtx); err != nil {
			logger.ErrorCtx(app.ctx, "Failed to mark worker unreachable: %v", err)
		}
	}

	// 6. Execute all cleanup functions (in reverse registration order)
	logger.InfoCtx(app.ctx, "Executing cleanup functions...")
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		app.cleanupFuncs[i]()
	}

	logger.InfoCtx(app.ctx, "Graceful shutdown completed")
	return nil
}

// registerCleanup registers cleanup function
func (app *Application) registerCleanup(cleanup func()) {
	app.cleanupFuncs = append(app.cleanupFuncs, cleanup)
}
