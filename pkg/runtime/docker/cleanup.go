package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"actionworker/pkg/logger"
	"actionworker/pkg/status"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/errdefs"
)

// volumeRetryDelay pause before retrying removal of a volume still in use
var volumeRetryDelay = time.Second

// KillAndRemove kills and removes a container. With removeVolume the action
// output volumes it mounts are removed as well. Absence is not an error.
func (a *Adapter) KillAndRemove(ctx context.Context, id string, removeVolume bool) error {
	var volumes []string
	if removeVolume {
		volumes = a.outputVolumes(ctx, id)
	}

	if err := a.api.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		switch {
		case isNotFound(err):
			logger.DebugCtx(ctx, "container %s already gone", id)
		case errdefs.IsConflict(err):
			logger.DebugCtx(ctx, "container %s not running", id)
		default:
			logger.WarnCtx(ctx, "failed to kill container %s: %s", id, status.CleanRuntimeError(err))
		}
	}

	if err := a.RemoveContainer(ctx, id); err != nil {
		return err
	}
	for _, v := range volumes {
		if err := a.removeVolumeByName(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// RemoveContainer force-removes a container together with its anonymous
// scratch volume. The named output volume survives.
func (a *Adapter) RemoveContainer(ctx context.Context, id string) error {
	defer a.forget(id)
	err := a.api.ContainerRemove(ctx, id, container.RemoveOptions{RemoveVolumes: true, Force: true})
	switch {
	case err == nil:
		logger.DebugCtx(ctx, "removed container %s", id)
		return nil
	case isNotFound(err):
		logger.DebugCtx(ctx, "container %s already removed", id)
		return nil
	case errdefs.IsConflict(err) && strings.Contains(err.Error(), "already in progress"):
		return nil
	default:
		msg := status.CleanRuntimeError(err)
		logger.WarnCtx(ctx, "failed to remove container %s: %s", id, msg)
		return fmt.Errorf("failed to remove container %s: %s", id, msg)
	}
}

// RemoveVolume removes the output volume of an action, retrying once if the
// daemon still reports it in use.
func (a *Adapter) RemoveVolume(ctx context.Context, actionID string) error {
	return a.removeVolumeByName(ctx, a.VolumeName(actionID))
}

func (a *Adapter) removeVolumeByName(ctx context.Context, name string) error {
	err := a.api.VolumeRemove(ctx, name, false)
	if err != nil && isVolumeInUse(err) {
		logger.DebugCtx(ctx, "volume %s in use, retrying in %s", name, volumeRetryDelay)
		select {
		case <-time.After(volumeRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		err = a.api.VolumeRemove(ctx, name, false)
	}
	if err == nil || isNotFound(err) {
		return nil
	}
	msg := status.CleanRuntimeError(err)
	logger.WarnCtx(ctx, "failed to remove volume %s: %s", name, msg)
	return fmt.Errorf("failed to remove volume %s: %s", name, msg)
}

// outputVolumes lists the named action volumes mounted by a container
func (a *Adapter) outputVolumes(ctx context.Context, id string) []string {
	inspect, err := a.api.ContainerInspect(ctx, id)
	if err != nil {
		if !isNotFound(err) {
			logger.WarnCtx(ctx, "failed to inspect container %s: %s", id, status.CleanRuntimeError(err))
		}
		return nil
	}
	var names []string
	for _, m := range inspect.Mounts {
		if m.Type == mount.TypeVolume && strings.HasPrefix(m.Name, a.opts.VolumePrefix) {
			names = append(names, m.Name)
		}
	}
	return names
}
