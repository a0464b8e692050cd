package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"actionworker/pkg/logger"
)

// long enough for the queue to hand back a job and the worker to deregister
const shutdownTimeout = 45 * time.Second

func main() {
	app := NewApplication()

	if err := app.Initialize(); err != nil {
		logger.FatalCtx(context.Background(), "Application initialization failed: %v", err)
	}
	if err := app.Start(); err != nil {
		logger.FatalCtx(app.ctx, "Application startup failed: %v", err)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	<-sigCtx.Done()
	stop()
	logger.InfoCtx(app.ctx, "Received exit signal, shutting down worker %s", app.identifier)

	if err := app.Shutdown(shutdownTimeout); err != nil {
		logger.ErrorCtx(app.ctx, "Application shutdown failed: %v", err)
		os.Exit(1)
	}
	logger.InfoCtx(app.ctx, "Application safely exited")
}
