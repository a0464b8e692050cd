package docker

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"actionworker/pkg/logger"
	"actionworker/pkg/status"

	"github.com/docker/docker/api/types/container"
)

// RunArtifactUploader runs the uploader container on the output volume of an
// action, pushing its content into folderID, and returns the uploader exit
// code. The uploader container is removed afterwards; the volume is left to
// the caller.
func (a *Adapter) RunArtifactUploader(ctx context.Context, actionID, folderID string) (int, error) {
	up := a.opts.Uploader
	if folderID == "" {
		return -1, fmt.Errorf("parent folder not found")
	}
	key, err := os.ReadFile(up.CredentialsFile)
	if err != nil {
		return -1, fmt.Errorf("failed to read artifact uploader key: %w", err)
	}
	if len(bytes.TrimSpace(key)) == 0 {
		return -1, fmt.Errorf("google key not found")
	}

	if err := a.Ping(ctx); err != nil {
		return -1, err
	}
	if _, err := a.ensureImage(ctx, up.Image, false); err != nil {
		return -1, fmt.Errorf("crashed during artifacts upload: %w", err)
	}

	name := up.Prefix + actionID
	cfg := a.containerConfig(actionID, up.Image, []string{
		"DRIVE_PARENT_FOLDER_ID=" + folderID,
		"GOOGLE_KEY=" + string(key),
	})
	hostCfg := a.hostConfig(actionID, resourceLimits{})

	if err := a.RemoveContainer(ctx, name); err != nil {
		return -1, err
	}
	logSpec(ctx, cfg, hostCfg)
	resp, err := a.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return -1, fmt.Errorf("failed to create artifact uploader: %s", status.CleanRuntimeError(err))
	}
	if err := a.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		a.RemoveContainer(context.WithoutCancel(ctx), resp.ID)
		return -1, fmt.Errorf("failed to start artifact uploader: %s", status.CleanRuntimeError(err))
	}
	logger.InfoCtx(ctx, "artifact uploader started with id: %s", resp.ID)

	w := a.watch(ctx, resp.ID)
	a.startWatchdog(ctx, resp.ID, up.MaxRuntime, true, w)

	exitCode, err := a.Wait(ctx, resp.ID)
	a.RemoveContainer(context.WithoutCancel(ctx), resp.ID)
	if err != nil {
		return exitCode, fmt.Errorf("artifact uploader failed: %w", err)
	}
	return exitCode, nil
}
