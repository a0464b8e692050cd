package docker

import (
	"context"
	"errors"
	"time"

	"actionworker/pkg/logger"
	"actionworker/pkg/status"

	"github.com/docker/docker/api/types/container"
)

// waiter holds the single ContainerWait of a container so the watchdog and
// any number of Wait callers observe the same exit.
type waiter struct {
	done     chan struct{}
	exitCode int
	err      error
}

func (a *Adapter) watch(ctx context.Context, id string) *waiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok := a.waiters[id]; ok {
		return w
	}

	w := &waiter{done: make(chan struct{})}
	a.waiters[id] = w

	waitCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(w.done)
		statusCh, errCh := a.api.ContainerWait(waitCtx, id, container.WaitConditionNotRunning)
		select {
		case st := <-statusCh:
			w.exitCode = int(st.StatusCode)
			if st.Error != nil && st.Error.Message != "" {
				w.err = errors.New(st.Error.Message)
			}
		case err := <-errCh:
			w.exitCode = -1
			w.err = err
		}
	}()
	return w
}

func (a *Adapter) forget(id string) {
	a.mu.Lock()
	delete(a.waiters, id)
	a.mu.Unlock()
}

// Wait blocks until the container stops and returns its exit code
func (a *Adapter) Wait(ctx context.Context, id string) (int, error) {
	w := a.watch(ctx, id)
	select {
	case <-w.done:
		if w.err != nil {
			return w.exitCode, errors.New(status.CleanRuntimeError(w.err))
		}
		return w.exitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// startWatchdog stops the container once maxRuntime elapses and kills and
// removes it if it is still running a grace period later. A natural exit
// disarms it.
func (a *Adapter) startWatchdog(ctx context.Context, id string, maxRuntime time.Duration, removeVolume bool, w *waiter) {
	if maxRuntime <= 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	grace := a.opts.StopGrace

	go func() {
		timer := time.NewTimer(maxRuntime)
		defer timer.Stop()
		select {
		case <-w.done:
			return
		case <-timer.C:
		}

		logger.InfoCtx(ctx, "stopping container %s after %s", id, maxRuntime)
		go func() {
			timeout := int(grace / time.Second)
			if err := a.api.ContainerStop(ctx, id, container.StopOptions{Signal: "SIGTERM", Timeout: &timeout}); err != nil && !isNotFound(err) {
				logger.WarnCtx(ctx, "failed to stop container %s: %s", id, status.CleanRuntimeError(err))
			}
		}()

		kill := time.NewTimer(grace)
		defer kill.Stop()
		select {
		case <-w.done:
			return
		case <-kill.C:
		}

		logger.WarnCtx(ctx, "killing container %s, still running %s after stop", id, grace)
		if err := a.KillAndRemove(ctx, id, removeVolume); err != nil {
			logger.ErrorCtx(ctx, "watchdog failed to remove container %s: %v", id, err)
		}
	}()
}
