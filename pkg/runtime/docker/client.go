// Package docker is the container runtime adapter. It owns everything the
// worker does against the local Docker daemon: image resolution, container
// creation under the action security profile, the max-runtime watchdog, log
// subscription and cleanup of containers and their output volumes.
package docker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"actionworker/pkg/config"
	"actionworker/pkg/hardware"
	imagepolicy "actionworker/pkg/image"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// dockerAPI is the subset of the Docker client the adapter uses
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	Info(ctx context.Context) (system.Info, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerLogs(ctx context.Context, container string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	VolumeCreate(ctx context.Context, options volume.CreateOptions) (volume.Volume, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
	Close() error
}

// Options runtime settings of the adapter
type Options struct {
	TrustedNamespace string
	ContainerPrefix  string
	VolumePrefix     string
	OutputPath       string
	ScratchPath      string
	NetworkMode      string
	PidsLimit        int64
	DiskQuota        int64
	LogMaxSize       string
	LogMaxFile       string
	StopGrace        time.Duration
	AlwaysPull       bool
	Registry         config.RegistryConfig
	Uploader         UploaderOptions
}

// UploaderOptions settings of the artifact uploader container
type UploaderOptions struct {
	Image           string
	Prefix          string
	CredentialsFile string
	MaxRuntime      time.Duration
}

// OptionsFromConfig builds adapter options from the loaded configuration
func OptionsFromConfig(cfg *config.Config) Options {
	rt := cfg.Runtime
	return Options{
		TrustedNamespace: rt.TrustedNamespace,
		ContainerPrefix:  rt.ContainerPrefix,
		VolumePrefix:     rt.VolumePrefix,
		OutputPath:       rt.OutputPath,
		ScratchPath:      rt.ScratchPath,
		NetworkMode:      rt.NetworkMode,
		PidsLimit:        rt.PidsLimit,
		DiskQuota:        rt.DiskQuota,
		LogMaxSize:       rt.LogMaxSize,
		LogMaxFile:       rt.LogMaxFile,
		StopGrace:        time.Duration(rt.StopGrace) * time.Second,
		AlwaysPull:       rt.AlwaysPull,
		Registry:         cfg.Registry,
		Uploader: UploaderOptions{
			Image:           cfg.Artifacts.UploaderImage,
			Prefix:          cfg.Artifacts.UploaderPrefix,
			CredentialsFile: cfg.Artifacts.CredentialsFile,
			MaxRuntime:      time.Duration(cfg.Artifacts.MaxRuntime) * time.Second,
		},
	}
}

// Adapter drives the local Docker daemon
type Adapter struct {
	api    dockerAPI
	opts   Options
	policy imagepolicy.Policy

	mu      sync.Mutex
	waiters map[string]*waiter
}

// New connects to the daemon at cfg.Runtime.Host, or DOCKER_HOST and the
// default socket when unset.
func New(cfg *config.Config) (*Adapter, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Runtime.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(cfg.Runtime.Host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newAdapter(cli, OptionsFromConfig(cfg)), nil
}

func newAdapter(api dockerAPI, opts Options) *Adapter {
	if opts.StopGrace <= 0 {
		opts.StopGrace = time.Duration(config.DefaultStopGrace) * time.Second
	}
	return &Adapter{
		api:     api,
		opts:    opts,
		policy:  imagepolicy.NewPolicy(opts.TrustedNamespace),
		waiters: make(map[string]*waiter),
	}
}

// Ping checks the daemon is reachable
func (a *Adapter) Ping(ctx context.Context) error {
	if _, err := a.api.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	return nil
}

// RuntimeInfo reports the daemon host name and registered OCI runtimes
func (a *Adapter) RuntimeInfo(ctx context.Context) (hardware.RuntimeInfo, error) {
	info, err := a.api.Info(ctx)
	if err != nil {
		return hardware.RuntimeInfo{}, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	runtimes := make([]string, 0, len(info.Runtimes))
	for name := range info.Runtimes {
		runtimes = append(runtimes, name)
	}
	sort.Strings(runtimes)
	return hardware.RuntimeInfo{Name: info.Name, Runtimes: runtimes}, nil
}

// ContainerPrefix is prepended to the action id to name action containers
func (a *Adapter) ContainerPrefix() string {
	return a.opts.ContainerPrefix
}

// VolumeName is the output volume of an action
func (a *Adapter) VolumeName(actionID string) string {
	return a.opts.VolumePrefix + actionID
}

func (a *Adapter) Close() error {
	return a.api.Close()
}
