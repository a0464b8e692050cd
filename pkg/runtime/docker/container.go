package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"actionworker/internal/model"
	"actionworker/pkg/hardware"
	"actionworker/pkg/logger"
	"actionworker/pkg/status"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/tidwall/pretty"
)

const (
	labelManaged  = "actionworker.managed"
	labelActionID = "actionworker.action"

	defaultCPUCores = 2
	defaultMemoryGB = 1
	bytesPerGB      = int64(1) << 30
)

// Linux capabilities dropped from every container
var droppedCapabilities = []string{
	"CHOWN",
	"DAC_OVERRIDE",
	"FSETID",
	"FOWNER",
	"MKNOD",
	"NET_RAW",
	"SETGID",
	"SETUID",
	"SETFCAP",
	"SETPCAP",
	"NET_BIND_SERVICE",
	"SYS_CHROOT",
	"KILL",
	"AUDIT_WRITE",
}

// StartOptions describes an action container
type StartOptions struct {
	ActionID    string
	Image       string
	Command     string
	Entrypoint  string
	Env         map[string]string
	CPUCores    int
	MemoryGB    int
	GPUMemoryGB int // <=0 means no GPU
	MaxRuntime  time.Duration
}

// ContainerInfo a started container
type ContainerInfo struct {
	ID        string
	Name      string
	Image     model.ImageInfo
	StartedAt time.Time
}

// RunningFunc is invoked once the container is running
type RunningFunc func(ctx context.Context, info ContainerInfo) error

type resourceLimits struct {
	cpuCores int
	memoryGB int
	gpu      bool
}

// StartContainer resolves the image, creates the action container with its
// output volume, starts it and arms the max-runtime watchdog. onRunning is
// called as soon as the container runs; if it fails the container is killed.
func (a *Adapter) StartContainer(ctx context.Context, opts StartOptions, onRunning RunningFunc) (ContainerInfo, error) {
	if opts.ActionID == "" {
		return ContainerInfo{}, fmt.Errorf("no action id specified")
	}
	if opts.Image == "" {
		return ContainerInfo{}, fmt.Errorf("no docker image specified")
	}
	if _, err := a.policy.Check(opts.Image); err != nil {
		return ContainerInfo{}, fmt.Errorf("%w: %v", ErrImageNotAllowed, err)
	}
	if err := a.Ping(ctx); err != nil {
		return ContainerInfo{}, err
	}

	img, err := a.ensureImage(ctx, opts.Image, a.opts.AlwaysPull)
	if err != nil {
		return ContainerInfo{}, err
	}

	name := a.opts.ContainerPrefix + opts.ActionID
	limits := resourceLimits{cpuCores: opts.CPUCores, memoryGB: opts.MemoryGB, gpu: opts.GPUMemoryGB > 0}
	cfg := a.containerConfig(opts.ActionID, opts.Image, envList(opts.Env))
	cfg.Volumes = map[string]struct{}{a.opts.ScratchPath: {}}
	if opts.Command != "" {
		cfg.Cmd = strings.Fields(opts.Command)
	}
	if opts.Entrypoint != "" {
		cfg.Entrypoint = []string{opts.Entrypoint}
	}
	hostCfg := a.hostConfig(opts.ActionID, limits)

	if limits.gpu {
		logger.InfoCtx(ctx, "creating container %s with GPU support", name)
	} else {
		logger.InfoCtx(ctx, "creating container %s without GPU support", name)
	}

	id, err := a.create(ctx, name, cfg, hostCfg)
	if err != nil {
		return ContainerInfo{}, err
	}

	if err := a.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		cleanup := context.WithoutCancel(ctx)
		a.RemoveContainer(cleanup, id)
		a.RemoveVolume(cleanup, opts.ActionID)
		msg := status.CleanRuntimeError(err)
		logger.ErrorCtx(ctx, "failed to start container %s: %s", name, msg)
		if isMissingGPUDriver(err) {
			return ContainerInfo{}, hardware.NewDependencyError(msg)
		}
		return ContainerInfo{}, fmt.Errorf("failed to start container: %s", msg)
	}
	logger.InfoCtx(ctx, "container started with id: %s", id)

	w := a.watch(ctx, id)
	a.startWatchdog(ctx, id, opts.MaxRuntime, false, w)

	info := ContainerInfo{ID: id, Name: name, Image: img, StartedAt: time.Now()}
	if inspect, err := a.api.ContainerInspect(ctx, id); err == nil && inspect.ContainerJSONBase != nil && inspect.State != nil {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			info.StartedAt = t
		}
	}

	if onRunning != nil {
		if err := onRunning(ctx, info); err != nil {
			a.KillAndRemove(context.WithoutCancel(ctx), id, true)
			return info, fmt.Errorf("container %s started but could not be recorded: %w", id, err)
		}
	}
	return info, nil
}

// create makes the output volume and the container, undoing the volume when
// creation fails.
func (a *Adapter) create(ctx context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig) (string, error) {
	actionID := cfg.Labels[labelActionID]
	if _, err := a.api.VolumeCreate(ctx, volume.CreateOptions{
		Name:   a.VolumeName(actionID),
		Labels: map[string]string{labelManaged: "true", labelActionID: actionID},
	}); err != nil {
		return "", fmt.Errorf("failed to create volume: %s", status.CleanRuntimeError(err))
	}

	// a leftover container from an earlier attempt holds the name
	if err := a.RemoveContainer(ctx, name); err != nil {
		return "", err
	}

	logSpec(ctx, cfg, hostCfg)
	resp, err := a.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		a.RemoveVolume(context.WithoutCancel(ctx), actionID)
		msg := status.CleanRuntimeError(err)
		logger.ErrorCtx(ctx, "failed to create container: %s", msg)
		return "", fmt.Errorf("failed to create container: %s", msg)
	}
	for _, w := range resp.Warnings {
		logger.WarnCtx(ctx, "create %s: %s", name, w)
	}
	return resp.ID, nil
}

func (a *Adapter) containerConfig(actionID, img string, env []string) *container.Config {
	return &container.Config{
		Image: img,
		Env:   env,
		Labels: map[string]string{
			labelManaged:  "true",
			labelActionID: actionID,
		},
	}
}

// hostConfig applies resource limits and the security profile shared by
// action and uploader containers.
func (a *Adapter) hostConfig(actionID string, l resourceLimits) *container.HostConfig {
	cores := l.cpuCores
	if cores <= 0 {
		cores = defaultCPUCores
	}
	memoryGB := l.memoryGB
	if memoryGB <= 0 {
		memoryGB = defaultMemoryGB
	}
	pids := a.opts.PidsLimit

	hc := &container.HostConfig{
		NetworkMode: container.NetworkMode(a.opts.NetworkMode),
		LogConfig: container.LogConfig{
			Type: "json-file",
			Config: map[string]string{
				"max-size": a.opts.LogMaxSize,
				"max-file": a.opts.LogMaxFile,
			},
		},
		CapDrop:     append([]string(nil), droppedCapabilities...),
		SecurityOpt: []string{"no-new-privileges"},
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: a.VolumeName(actionID),
			Target: a.opts.OutputPath,
		}},
		Resources: container.Resources{
			NanoCPUs: int64(cores) * 1_000_000_000,
			Memory:   int64(memoryGB) * bytesPerGB,
		},
	}
	// enforced by the storage driver (overlay2 on xfs with pquota)
	if a.opts.DiskQuota > 0 {
		hc.StorageOpt = map[string]string{"size": strconv.FormatInt(a.opts.DiskQuota, 10)}
	}
	if pids > 0 {
		hc.Resources.PidsLimit = &pids
	}
	if l.gpu {
		hc.Resources.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	return hc
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// logSpec writes the create request at debug level with env values removed
func logSpec(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig) {
	redacted := *cfg
	redacted.Env = make([]string, 0, len(cfg.Env))
	for _, kv := range cfg.Env {
		k, _, _ := strings.Cut(kv, "=")
		redacted.Env = append(redacted.Env, k+"=***")
	}
	b, err := json.Marshal(struct {
		Config     *container.Config     `json:"config"`
		HostConfig *container.HostConfig `json:"hostConfig"`
	}{&redacted, hostCfg})
	if err != nil {
		return
	}
	logger.DebugCtx(ctx, "container spec: %s", pretty.Ugly(b))
}
