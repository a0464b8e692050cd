package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"actionworker/internal/model"
	"actionworker/pkg/config"
	"actionworker/pkg/logger"
	"actionworker/pkg/metrics"
	"actionworker/pkg/runtime/docker"
	"actionworker/pkg/status"
	storemodel "actionworker/pkg/store/mysql/model"
)

// ErrInvalidState is returned when an action is handed to the lifecycle in a
// state it cannot start from
var ErrInvalidState = errors.New("invalid action state")

const (
	causeRunning = "Action is currently running..."

	defaultCPUCores = 1
	defaultMemoryGB = 2
)

// ManagerOptions values the lifecycle passes into action containers
type ManagerOptions struct {
	APIEndpoint           string
	ObjectStorageEndpoint string
	LegacyEnv             bool
	LogWindow             time.Duration
}

// ManagerOptionsFromConfig derives ManagerOptions from the loaded config
func ManagerOptionsFromConfig(cfg *config.Config) ManagerOptions {
	return ManagerOptions{
		APIEndpoint:           cfg.Endpoints.API,
		ObjectStorageEndpoint: cfg.Endpoints.ObjectStorage,
		LegacyEnv:             cfg.Runtime.LegacyEnvEnabled(),
		LogWindow:             DefaultLogWindow,
	}
}

// ActionManager drives one action from PENDING through container execution,
// exit classification and artifact upload
type ActionManager struct {
	runtime Runtime
	actions ActionStore
	keys    CredentialStore
	folders FolderCreator
	opts    ManagerOptions
}

// NewActionManager creates a lifecycle manager
func NewActionManager(runtime Runtime, actions ActionStore, keys CredentialStore, folders FolderCreator, opts ManagerOptions) *ActionManager {
	if opts.LogWindow <= 0 {
		opts.LogWindow = DefaultLogWindow
	}
	return &ActionManager{
		runtime: runtime,
		actions: actions,
		keys:    keys,
		folders: folders,
		opts:    opts,
	}
}

// ProcessAction runs action, which must be PENDING and carry its template,
// mission and project. Errors are returned after the api key was revoked;
// the final state on the error path is left to the caller.
func (m *ActionManager) ProcessAction(ctx context.Context, action *storemodel.Action) error {
	if action.State != model.ActionStatePending {
		return fmt.Errorf("%w: action %s is %s, expected %s", ErrInvalidState, action.UUID, action.State, model.ActionStatePending)
	}
	if err := checkRelations(action); err != nil {
		return err
	}
	id := action.UUID
	ctx = logger.WithActionID(ctx, id)
	logger.InfoCtx(ctx, "processing action with template %s v%d", action.Template.Name, action.Template.Version)

	if _, err := m.actions.Mutate(ctx, id, func(a *storemodel.Action) error {
		a.State = model.ActionStateStarting
		a.StateCause = causeRunning
		return nil
	}); err != nil {
		return fmt.Errorf("failed to mark action starting: %w", err)
	}

	key, err := IssueAPIKey(ctx, m.keys, action)
	if err != nil {
		return err
	}
	defer func() {
		if err := key.Release(ctx); err != nil {
			logger.ErrorCtx(ctx, "%v", err)
		}
	}()

	info, err := m.runtime.StartContainer(ctx, m.startOptions(action, key.Secret()), func(ctx context.Context, info docker.ContainerInfo) error {
		_, err := m.actions.Mutate(ctx, id, func(a *storemodel.Action) error {
			startedAt := info.StartedAt
			a.State = model.ActionStateProcessing
			a.ContainerID = info.ID
			a.Image = storemodel.ImageJSON(info.Image)
			a.ExecutionStartedAt = &startedAt
			a.Logs = nil
			return nil
		})
		return err
	})
	if err != nil {
		return err
	}
	timer := metrics.NewTimer()

	logErr := m.captureLogs(ctx, id, info.ID, status.NewSecretRedactor(key.Secret()))

	exitCode, err := m.runtime.Wait(ctx, info.ID)
	if err != nil {
		// nothing supervises the container past this point
		if kerr := m.runtime.KillAndRemove(context.WithoutCancel(ctx), info.ID, true); kerr != nil {
			logger.ErrorCtx(ctx, "failed to kill container %s: %v", info.ID, kerr)
		}
		return fmt.Errorf("failed waiting for container %s: %w", info.ID, err)
	}
	timer.ObserveDuration(metrics.ActionDuration)
	if err := <-logErr; err != nil {
		logger.WarnCtx(ctx, "container logs incomplete: %v", err)
	}

	if _, err := m.actions.Mutate(ctx, id, func(a *storemodel.Action) error {
		a.State = model.ActionStateStopping
		return nil
	}); err != nil {
		return fmt.Errorf("failed to mark action stopping: %w", err)
	}
	if err := m.runtime.RemoveContainer(ctx, info.ID); err != nil {
		logger.WarnCtx(ctx, "failed to remove container %s: %v", info.ID, err)
	}

	exit := ClassifyExit(exitCode)
	logger.InfoCtx(ctx, "container %s exited with code %d", info.ID, exitCode)
	if exit.State == model.ActionStateFailed {
		logger.WarnCtx(ctx, "action failed: %s", exit.Cause)
	}
	if _, err := m.actions.Mutate(ctx, id, func(a *storemodel.Action) error {
		endedAt := time.Now()
		code := exit.ExitCode
		a.State = exit.State
		a.StateCause = exit.Cause
		a.ExitCode = &code
		a.ExecutionEndedAt = &endedAt
		a.Artifacts = model.ArtifactStateUploading
		return nil
	}); err != nil {
		return fmt.Errorf("failed to record exit code: %w", err)
	}

	return m.uploadArtifacts(ctx, action)
}

// captureLogs persists the container output in batches. The returned channel
// yields once the stream ended and every batch was written.
func (m *ActionManager) captureLogs(ctx context.Context, actionID, containerID string, redactor *status.SecretRedactor) <-chan error {
	done := make(chan error, 1)
	lines, streamErr := m.runtime.SubscribeLogs(ctx, containerID, redactor.Redact)
	containerLog := logger.With("container_id", containerID, "action_uuid", actionID)

	go func() {
		err := BatchLogs(ctx, lines, m.opts.LogWindow, func(ctx context.Context, batch []model.ContainerLog) error {
			for _, line := range batch {
				containerLog.Infof("[%s] %s", line.Timestamp.Format(time.RFC3339Nano), line.Message)
			}
			return m.actions.AppendLogs(ctx, actionID, batch)
		})
		if serr := <-streamErr; serr != nil && err == nil {
			err = fmt.Errorf("log stream broken: %s", status.CleanRuntimeError(serr))
		}
		done <- err
	}()
	return done
}

func (m *ActionManager) uploadArtifacts(ctx context.Context, action *storemodel.Action) error {
	id := action.UUID
	tpl := action.Template

	folderName := fmt.Sprintf("%s-v%d-%s", tpl.Name, tpl.Version, id)
	folderID, err := m.folders.CreateFolder(ctx, folderName)
	if err != nil {
		return fmt.Errorf("failed to create artifact folder: %w", err)
	}

	exitCode, err := m.runtime.RunArtifactUploader(ctx, id, folderID)
	if err != nil {
		return fmt.Errorf("artifact upload failed: %w", err)
	}

	artifacts := model.ArtifactStateUploaded
	if exitCode != 0 {
		logger.WarnCtx(ctx, "artifact uploader exited with code %d", exitCode)
		artifacts = model.ArtifactStateError
	}
	if err := m.runtime.RemoveVolume(ctx, id); err != nil {
		logger.WarnCtx(ctx, "failed to remove output volume: %v", err)
	}

	url := m.folders.FolderURL(folderID)
	if _, err := m.actions.Mutate(ctx, id, func(a *storemodel.Action) error {
		a.Artifacts = artifacts
		if artifacts == model.ArtifactStateUploaded {
			a.ArtifactURL = url
		}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to record artifacts: %w", err)
	}
	logger.InfoCtx(ctx, "artifacts %s: %s", artifacts, url)
	return nil
}

func (m *ActionManager) startOptions(action *storemodel.Action, secret string) docker.StartOptions {
	tpl := action.Template
	cores := tpl.CPUCores
	if cores <= 0 {
		cores = defaultCPUCores
	}
	memory := tpl.CPUMemory
	if memory <= 0 {
		memory = defaultMemoryGB
	}
	return docker.StartOptions{
		ActionID:    action.UUID,
		Image:       tpl.ImageName,
		Command:     tpl.Command,
		Entrypoint:  tpl.Entrypoint,
		Env:         m.containerEnv(action, secret),
		CPUCores:    cores,
		MemoryGB:    memory,
		GPUMemoryGB: tpl.GPUMemory,
		MaxRuntime:  time.Duration(tpl.MaxRuntime * float64(time.Hour)),
	}
}

func (m *ActionManager) containerEnv(action *storemodel.Action, secret string) map[string]string {
	projectID := action.Mission.ProjectUUID
	env := map[string]string{
		"KLEINKRAM_API_KEY":      secret,
		"KLEINKRAM_PROJECT_UUID": projectID,
		"KLEINKRAM_MISSION_UUID": action.MissionUUID,
		"KLEINKRAM_ACTION_UUID":  action.UUID,
		"KLEINKRAM_API_ENDPOINT": m.opts.APIEndpoint,
		"KLEINKRAM_S3_ENDPOINT":  m.opts.ObjectStorageEndpoint,
	}
	if m.opts.LegacyEnv {
		env["APIKEY"] = secret
		env["PROJECT_UUID"] = projectID
		env["MISSION_UUID"] = action.MissionUUID
		env["ACTION_UUID"] = action.UUID
		env["ENDPOINT"] = m.opts.APIEndpoint
	}
	return env
}

func checkRelations(action *storemodel.Action) error {
	switch {
	case action.Template == nil:
		return fmt.Errorf("action %s has no template", action.UUID)
	case action.Mission == nil:
		return fmt.Errorf("action %s has no mission", action.UUID)
	case action.Mission.Project == nil:
		return fmt.Errorf("action %s has no project", action.UUID)
	case action.Creator == nil:
		return fmt.Errorf("action %s has no creator", action.UUID)
	}
	return nil
}
