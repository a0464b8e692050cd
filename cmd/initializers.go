package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"actionworker/app/handler"
	"actionworker/app/router"
	"actionworker/internal/service"
	"actionworker/pkg/artifact/drive"
	"actionworker/pkg/config"
	"actionworker/pkg/hardware"
	"actionworker/pkg/lock"
	"actionworker/pkg/logger"
	queue "actionworker/pkg/queue/asynq"
	"actionworker/pkg/runtime/docker"
	mysqlstore "actionworker/pkg/store/mysql"
	redisstore "actionworker/pkg/store/redis"

	"github.com/gin-gonic/gin"
)

const registrationTimeout = 30 * time.Second

// initConfig initializes configuration
func (app *Application) initConfig() error {
	if err := config.Init(); err != nil {
		return err
	}
	app.config = config.GlobalConfig

	app.identifier = app.config.Worker.Identifier
	if app.identifier == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("worker.identifier is unset and hostname is unavailable: %w", err)
		}
		app.identifier = hostname
	}
	return nil
}

// initLogger initializes logging
func (app *Application) initLogger() error {
	if err := logger.Init(); err != nil {
		return err
	}
	app.registerCleanup(func() {
		logger.InfoCtx(app.ctx, "Logging system has been closed")
		logger.Sync()
	})
	return nil
}

// initDatabase opens the action database and migrates the worker-owned tables
func (app *Application) initDatabase() error {
	repo, err := mysqlstore.NewRepository(app.config.Database)
	if err != nil {
		return err
	}
	if err := repo.GetDatastore().AutoMigrate(); err != nil {
		repo.Close()
		return err
	}

	app.mysqlRepo = repo
	app.registerCleanup(func() {
		repo.Close()
		logger.InfoCtx(app.ctx, "%s connection has been closed", app.config.Database.Driver)
	})

	return nil
}

// initRedis initializes Redis
func (app *Application) initRedis() error {
	client, err := redisstore.NewRedisClient(app.config)
	if err != nil {
		return err
	}

	app.redisClient = client
	app.registerCleanup(func() {
		client.Close()
		logger.InfoCtx(app.ctx, "Redis connection has been closed")
	})

	return nil
}

// initRuntime connects to the local docker daemon
func (app *Application) initRuntime() error {
	adapter, err := docker.New(app.config)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(app.ctx, registrationTimeout)
	defer cancel()
	if err := adapter.Ping(ctx); err != nil {
		adapter.Close()
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}

	app.runtime = adapter
	app.registerCleanup(func() {
		adapter.Close()
		logger.InfoCtx(app.ctx, "Docker client has been closed")
	})

	return nil
}

// initWorker detects the hardware and registers this machine as a worker
func (app *Application) initWorker() error {
	detector := hardware.NewDetector(app.identifier, app.runtime, app.config.Worker.GPUMemoryGB)
	app.workerService = service.NewWorkerService(detector, app.mysqlRepo.Worker)

	ctx, cancel := context.WithTimeout(app.ctx, registrationTimeout)
	defer cancel()
	worker, err := app.workerService.Register(ctx)
	if err != nil {
		return err
	}

	logger.InfoCtx(app.ctx, "Registered as worker %s (%s)", worker.UUID, worker.Identifier)
	return nil
}

// initArtifacts connects to the artifact folder store
func (app *Application) initArtifacts() error {
	folders, err := drive.New(app.ctx, app.config.Artifacts)
	if err != nil {
		return err
	}
	app.artifacts = folders
	return nil
}

// initServices initializes service layer
func (app *Application) initServices() error {
	app.actionManager = service.NewActionManager(
		app.runtime,
		app.mysqlRepo.Action,
		app.mysqlRepo.ApiKey,
		app.artifacts,
		service.ManagerOptionsFromConfig(app.config),
	)

	app.actionConsumer = service.NewActionConsumer(
		app.mysqlRepo.Action,
		app.actionManager,
		app.workerService,
		nil,
	)

	reconcileLock := lock.NewRedisDistributedLock(app.redisClient.GetClient(), "reconcile:"+app.identifier)
	app.reconciler = service.NewReconciler(
		app.runtime,
		app.mysqlRepo.Action,
		app.workerService,
		app.actionConsumer.InFlight,
		reconcileLock,
		app.config.Worker.ContainerAgeLimit(),
	)

	return nil
}

// initQueue binds the action consumer to this worker's queue
func (app *Application) initQueue() error {
	manager, err := queue.NewManager(app.config, app.identifier)
	if err != nil {
		return err
	}
	manager.RegisterHandler(queue.TypeActionProcess, app.actionConsumer)

	app.queue = manager
	app.registerCleanup(func() {
		manager.Close()
		logger.InfoCtx(app.ctx, "Queue client has been closed")
	})

	return nil
}

// initHandlers initializes handler layer
func (app *Application) initHandlers() error {
	checks := []handler.ReadinessCheck{
		{Name: "database", Check: app.mysqlRepo.GetDatastore().Ping},
		{Name: "redis", Check: app.redisClient.Ping},
		{Name: "docker", Check: app.runtime.Ping},
	}
	app.opsHandler = handler.NewOpsHandler(app.workerService, app.actionConsumer.InFlight, app.queue, checks...)
	return nil
}

// initHTTPServer initializes HTTP server
func (app *Application) initHTTPServer() error {
	gin.SetMode(app.config.Server.Mode)
	app.ginEngine = gin.New()

	r := router.NewRouter(app.opsHandler, app.config.Server.APIKey)
	r.Setup(app.ginEngine)

	app.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           app.ginEngine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return nil
}
