package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type fakeContainer struct {
	id       string
	name     string
	config   *container.Config
	host     *container.HostConfig
	state    string
	exitCode int64
	created  time.Time
	exited   chan struct{}
}

// fakeDocker is an in-memory daemon good enough for adapter tests
type fakeDocker struct {
	mu sync.Mutex

	pingErr   error
	info      system.Info
	images    map[string]types.ImageInspect
	pullErr   error
	pulls     []image.PullOptions
	pulledRef []string

	containers map[string]*fakeContainer
	startErr   error
	// stopExit makes ContainerStop end the container with this code, 0 ignores the stop
	stopExit int64

	logs map[string][]byte

	volumes         map[string]bool
	volumeRemoveErr []error

	stops   []string
	kills   []string
	removes []string
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		images:     make(map[string]types.ImageInspect),
		containers: make(map[string]*fakeContainer),
		logs:       make(map[string][]byte),
		volumes:    make(map[string]bool),
	}
}

func (f *fakeDocker) Ping(context.Context) (types.Ping, error) {
	return types.Ping{}, f.pingErr
}

func (f *fakeDocker) Info(context.Context) (system.Info, error) {
	return f.info, f.pingErr
}

func (f *fakeDocker) ImagePull(_ context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, opts)
	f.pulledRef = append(f.pulledRef, ref)
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	f.images[ref] = types.ImageInspect{ID: "sha256:" + strings.Repeat("a", 64), RepoDigests: []string{ref + "@sha256:" + strings.Repeat("b", 64)}}
	body := `{"status":"Pulling from ` + ref + `"}` + "\n" + `{"status":"Download complete","id":"abc"}` + "\n"
	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *fakeDocker) ImageInspectWithRaw(_ context.Context, ref string) (types.ImageInspect, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[ref]
	if !ok {
		return types.ImageInspect{}, nil, errdefs.NotFound(fmt.Errorf("No such image: %s", ref))
	}
	return img, nil, nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.name == name {
			return container.CreateResponse{}, errdefs.Conflict(fmt.Errorf("name %s already in use", name))
		}
	}
	id := "id-" + name
	f.containers[id] = &fakeContainer{
		id:      id,
		name:    name,
		config:  cfg,
		host:    host,
		state:   "created",
		created: time.Now(),
		exited:  make(chan struct{}),
	}
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) lookup(idOrName string) *fakeContainer {
	if c, ok := f.containers[idOrName]; ok {
		return c
	}
	for _, c := range f.containers {
		if c.name == idOrName {
			return c
		}
	}
	return nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	c := f.lookup(id)
	if c == nil {
		return errdefs.NotFound(fmt.Errorf("No such container: %s", id))
	}
	c.state = "running"
	return nil
}

// exit ends a running container with code
func (f *fakeDocker) exit(id string, code int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitLocked(id, code)
}

func (f *fakeDocker) exitLocked(id string, code int64) {
	c := f.lookup(id)
	if c == nil || c.state != "running" {
		return
	}
	c.state = "exited"
	c.exitCode = code
	close(c.exited)
}

func (f *fakeDocker) ContainerWait(ctx context.Context, id string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)

	f.mu.Lock()
	c := f.lookup(id)
	f.mu.Unlock()
	if c == nil {
		errCh <- errdefs.NotFound(fmt.Errorf("No such container: %s", id))
		return statusCh, errCh
	}

	go func() {
		select {
		case <-c.exited:
			f.mu.Lock()
			code := c.exitCode
			f.mu.Unlock()
			statusCh <- container.WaitResponse{StatusCode: code}
		case <-ctx.Done():
			errCh <- ctx.Err()
		}
	}()
	return statusCh, errCh
}

func (f *fakeDocker) ContainerStop(_ context.Context, id string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, id)
	if f.stopExit != 0 {
		f.exitLocked(id, f.stopExit)
	}
	return nil
}

func (f *fakeDocker) ContainerKill(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, id)
	c := f.lookup(id)
	if c == nil {
		return errdefs.NotFound(fmt.Errorf("No such container: %s", id))
	}
	if c.state != "running" {
		return errdefs.Conflict(fmt.Errorf("container %s is not running", id))
	}
	f.exitLocked(id, 137)
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(id)
	if c == nil {
		return errdefs.NotFound(fmt.Errorf("No such container: %s", id))
	}
	f.removes = append(f.removes, c.id)
	if c.state == "running" {
		f.exitLocked(c.id, 137)
	}
	delete(f.containers, c.id)
	return nil
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(id)
	if c == nil {
		return types.ContainerJSON{}, errdefs.NotFound(fmt.Errorf("No such container: %s", id))
	}
	var mounts []types.MountPoint
	for _, m := range c.host.Mounts {
		mounts = append(mounts, types.MountPoint{Type: m.Type, Name: m.Source, Destination: m.Target})
	}
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:      c.id,
			Name:    "/" + c.name,
			Created: c.created.Format(time.RFC3339Nano),
			State: &types.ContainerState{
				Status:    c.state,
				Running:   c.state == "running",
				ExitCode:  int(c.exitCode),
				StartedAt: c.created.Format(time.RFC3339Nano),
			},
		},
		Mounts: mounts,
	}, nil
}

func (f *fakeDocker) ContainerLogs(_ context.Context, id string, _ container.LogsOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.logs[id]
	if !ok {
		return nil, errdefs.NotFound(fmt.Errorf("No such container: %s", id))
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeDocker) ContainerList(_ context.Context, _ container.ListOptions) ([]types.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Container
	for _, c := range f.containers {
		out = append(out, types.Container{ID: c.id, Names: []string{"/" + c.name}, Created: c.created.Unix(), State: c.state})
	}
	return out, nil
}

func (f *fakeDocker) VolumeCreate(_ context.Context, opts volume.CreateOptions) (volume.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[opts.Name] = true
	return volume.Volume{Name: opts.Name}, nil
}

func (f *fakeDocker) VolumeRemove(_ context.Context, name string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.volumeRemoveErr) > 0 {
		err := f.volumeRemoveErr[0]
		f.volumeRemoveErr = f.volumeRemoveErr[1:]
		if err != nil {
			return err
		}
	}
	if !f.volumes[name] {
		return errdefs.NotFound(errors.New("no such volume: " + name))
	}
	delete(f.volumes, name)
	return nil
}

func (f *fakeDocker) Close() error { return nil }

func (f *fakeDocker) snapshot() (stops, kills, removes []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stops...), append([]string(nil), f.kills...), append([]string(nil), f.removes...)
}

func (f *fakeDocker) hasVolume(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volumes[name]
}
