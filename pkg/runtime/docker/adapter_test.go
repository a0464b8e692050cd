package docker

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"actionworker/internal/model"
	"actionworker/pkg/config"
	"actionworker/pkg/hardware"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		TrustedNamespace: "rslethz/",
		ContainerPrefix:  "kleinkram-user-action-",
		VolumePrefix:     "vol-",
		OutputPath:       "/out",
		ScratchPath:      "/tmp_disk",
		NetworkMode:      "bridge",
		PidsLimit:        256,
		DiskQuota:        40_737_418_240,
		LogMaxSize:       "10m",
		LogMaxFile:       "1",
		StopGrace:        20 * time.Millisecond,
		Registry: config.RegistryConfig{
			ServerAddress: "https://index.docker.io/v1/",
			Username:      "robot",
			Password:      "pw",
		},
		Uploader: UploaderOptions{
			Image:      "rslethz/grandtour-datasets:artifact-uploader-latest",
			Prefix:     "kleinkram-artifact-uploader-",
			MaxRuntime: time.Hour,
		},
	}
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeDocker) {
	t.Helper()
	fake := newFakeDocker()
	return newAdapter(fake, testOptions()), fake
}

func TestStartContainer_RejectsForeignImage(t *testing.T) {
	a, fake := newTestAdapter(t)

	_, err := a.StartContainer(context.Background(), StartOptions{ActionID: "a1", Image: "evil/miner:latest"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrImageNotAllowed))
	assert.Empty(t, fake.pulledRef)
	assert.Empty(t, fake.containers)
}

func TestStartContainer_RuntimeUnavailable(t *testing.T) {
	a, fake := newTestAdapter(t)
	fake.pingErr = errors.New("dial unix /var/run/docker.sock: connect: connection refused")

	_, err := a.StartContainer(context.Background(), StartOptions{ActionID: "a1", Image: "rslethz/action:latest"}, nil)
	assert.True(t, errors.Is(err, ErrRuntimeUnavailable))
}

func TestStartContainer_BuildsSpecAndReportsRunning(t *testing.T) {
	a, fake := newTestAdapter(t)

	var running ContainerInfo
	info, err := a.StartContainer(context.Background(), StartOptions{
		ActionID:    "a1",
		Image:       "rslethz/action:latest",
		Command:     "python  run.py --fast",
		Entrypoint:  "/bin/sh",
		Env:         map[string]string{"B": "2", "A": "1"},
		CPUCores:    4,
		MemoryGB:    8,
		GPUMemoryGB: -1,
		MaxRuntime:  time.Hour,
	}, func(_ context.Context, ci ContainerInfo) error {
		running = ci
		return nil
	})
	require.NoError(t, err)

	// pulled with encoded credentials since the image was missing
	require.Len(t, fake.pulls, 1)
	assert.NotEmpty(t, fake.pulls[0].RegistryAuth)

	assert.Equal(t, info.ID, running.ID)
	assert.Equal(t, "kleinkram-user-action-a1", info.Name)
	assert.NotEmpty(t, info.Image.RepoDigests)
	assert.True(t, strings.HasPrefix(info.Image.Sha, "sha256:"))
	assert.True(t, fake.hasVolume("vol-a1"))

	c := fake.containers[info.ID]
	require.NotNil(t, c)
	assert.Equal(t, "running", c.state)
	assert.Equal(t, []string{"A=1", "B=2"}, []string(c.config.Env))
	assert.Equal(t, []string{"python", "run.py", "--fast"}, []string(c.config.Cmd))
	assert.Equal(t, []string{"/bin/sh"}, []string(c.config.Entrypoint))
	assert.Contains(t, c.config.Volumes, "/tmp_disk")

	hc := c.host
	assert.Equal(t, int64(4_000_000_000), hc.NanoCPUs)
	assert.Equal(t, int64(8)<<30, hc.Memory)
	assert.Equal(t, map[string]string{"size": "40737418240"}, hc.StorageOpt)
	require.NotNil(t, hc.PidsLimit)
	assert.Equal(t, int64(256), *hc.PidsLimit)
	assert.Equal(t, container.NetworkMode("bridge"), hc.NetworkMode)
	assert.Equal(t, []string{"no-new-privileges"}, hc.SecurityOpt)
	assert.Contains(t, []string(hc.CapDrop), "NET_RAW")
	assert.Len(t, hc.CapDrop, 14)
	assert.Equal(t, "json-file", hc.LogConfig.Type)
	assert.Equal(t, "10m", hc.LogConfig.Config["max-size"])
	assert.Empty(t, hc.DeviceRequests)
	require.Len(t, hc.Mounts, 1)
	assert.Equal(t, mount.Mount{Type: mount.TypeVolume, Source: "vol-a1", Target: "/out"}, hc.Mounts[0])
}

func TestStartContainer_DefaultsAndGPURequest(t *testing.T) {
	a, fake := newTestAdapter(t)

	info, err := a.StartContainer(context.Background(), StartOptions{
		ActionID:    "gpu",
		Image:       "rslethz/train:latest",
		GPUMemoryGB: 8,
	}, nil)
	require.NoError(t, err)

	hc := fake.containers[info.ID].host
	assert.Equal(t, int64(2_000_000_000), hc.NanoCPUs)
	assert.Equal(t, int64(1)<<30, hc.Memory)
	require.Len(t, hc.DeviceRequests, 1)
	assert.Equal(t, "nvidia", hc.DeviceRequests[0].Driver)
	assert.Equal(t, 1, hc.DeviceRequests[0].Count)
	assert.Equal(t, [][]string{{"gpu"}}, hc.DeviceRequests[0].Capabilities)
	assert.Nil(t, fake.containers[info.ID].config.Cmd)
}

func TestStartContainer_NoStorageOptWithoutQuota(t *testing.T) {
	a, fake := newTestAdapter(t)
	a.opts.DiskQuota = 0

	info, err := a.StartContainer(context.Background(), StartOptions{ActionID: "a1", Image: "rslethz/action"}, nil)
	require.NoError(t, err)
	assert.Nil(t, fake.containers[info.ID].host.StorageOpt)
}

func TestStartContainer_MissingGPUDriverIsHardwareDependency(t *testing.T) {
	a, fake := newTestAdapter(t)
	fake.startErr = errors.New(`Error response from daemon: could not select device driver "nvidia" with capabilities: [[gpu]]`)

	_, err := a.StartContainer(context.Background(), StartOptions{ActionID: "a1", Image: "rslethz/action", GPUMemoryGB: 4}, nil)
	require.Error(t, err)
	assert.True(t, hardware.IsDependencyError(err))
	assert.Empty(t, fake.containers)
	assert.False(t, fake.hasVolume("vol-a1"))
}

func TestStartContainer_OnRunningFailureKillsContainer(t *testing.T) {
	a, fake := newTestAdapter(t)

	_, err := a.StartContainer(context.Background(), StartOptions{ActionID: "a1", Image: "rslethz/action"},
		func(context.Context, ContainerInfo) error { return errors.New("db down") })
	require.Error(t, err)
	assert.Empty(t, fake.containers)
	assert.False(t, fake.hasVolume("vol-a1"))
}

func TestStartContainer_UsesLocalImageWithoutPull(t *testing.T) {
	a, fake := newTestAdapter(t)
	fake.images["rslethz/action"] = types.ImageInspect{ID: "sha256:local", RepoDigests: []string{"rslethz/action@sha256:local"}}

	_, err := a.StartContainer(context.Background(), StartOptions{ActionID: "a1", Image: "rslethz/action"}, nil)
	require.NoError(t, err)
	assert.Empty(t, fake.pulls)
}

func TestWait_ReturnsExitCode(t *testing.T) {
	a, fake := newTestAdapter(t)
	info, err := a.StartContainer(context.Background(), StartOptions{ActionID: "a1", Image: "rslethz/action"}, nil)
	require.NoError(t, err)

	go fake.exit(info.ID, 7)
	code, err := a.Wait(context.Background(), info.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

func TestWatchdog_KillsAfterGrace(t *testing.T) {
	a, fake := newTestAdapter(t)
	info, err := a.StartContainer(context.Background(), StartOptions{
		ActionID:   "slow",
		Image:      "rslethz/action",
		MaxRuntime: 20 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	code, err := a.Wait(context.Background(), info.ID)
	require.NoError(t, err)
	assert.Equal(t, 137, code)

	assert.Eventually(t, func() bool {
		stops, kills, removes := fake.snapshot()
		return len(stops) == 1 && len(kills) == 1 && len(removes) == 1
	}, time.Second, 5*time.Millisecond)
	// the main container keeps its output volume for the uploader
	assert.True(t, fake.hasVolume("vol-slow"))
}

func TestWatchdog_GracefulStopAvoidsKill(t *testing.T) {
	a, fake := newTestAdapter(t)
	fake.stopExit = 143
	info, err := a.StartContainer(context.Background(), StartOptions{
		ActionID:   "term",
		Image:      "rslethz/action",
		MaxRuntime: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	code, err := a.Wait(context.Background(), info.ID)
	require.NoError(t, err)
	assert.Equal(t, 143, code)

	time.Sleep(3 * testOptions().StopGrace)
	_, kills, _ := fake.snapshot()
	assert.Empty(t, kills)
}

func TestWatchdog_DisarmedByNaturalExit(t *testing.T) {
	a, fake := newTestAdapter(t)
	info, err := a.StartContainer(context.Background(), StartOptions{
		ActionID:   "fast",
		Image:      "rslethz/action",
		MaxRuntime: 50 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	fake.exit(info.ID, 0)
	code, err := a.Wait(context.Background(), info.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	time.Sleep(100 * time.Millisecond)
	stops, kills, _ := fake.snapshot()
	assert.Empty(t, stops)
	assert.Empty(t, kills)
}

type frame struct {
	stream stdcopy.StdType
	data   string
}

func muxed(frames ...frame) []byte {
	var buf bytes.Buffer
	for _, fr := range frames {
		_, _ = stdcopy.NewStdWriter(&buf, fr.stream).Write([]byte(fr.data))
	}
	return buf.Bytes()
}

func TestSubscribeLogs_OrderStreamsAndSanitize(t *testing.T) {
	a, fake := newTestAdapter(t)
	fake.logs["c1"] = muxed(
		frame{stdcopy.Stdout, "2024-05-01T10:00:00.000000001Z hello\n"},
		frame{stdcopy.Stderr, "2024-05-01T10:00:00.5Z key=s3cr3t\n"},
		frame{stdcopy.Stdout, "2024-05-01T10:00:01Z split "},
		frame{stdcopy.Stdout, "line\n2024-05-01T10:00:02Z last"},
	)

	sanitize := func(s string) string { return strings.ReplaceAll(s, "s3cr3t", "***") }
	logs, errc := a.SubscribeLogs(context.Background(), "c1", sanitize)

	var got []model.ContainerLog
	for l := range logs {
		got = append(got, l)
	}
	assert.NoError(t, <-errc)

	require.Len(t, got, 4)
	assert.Equal(t, "hello", got[0].Message)
	assert.Equal(t, model.LogStreamStdout, got[0].Type)
	assert.Equal(t, 1, got[0].Timestamp.Nanosecond())
	assert.Equal(t, "key=***", got[1].Message)
	assert.Equal(t, model.LogStreamStderr, got[1].Type)
	assert.Equal(t, "split line", got[2].Message)
	assert.Equal(t, "last", got[3].Message)
}

func TestSubscribeLogs_MissingContainer(t *testing.T) {
	a, _ := newTestAdapter(t)
	logs, errc := a.SubscribeLogs(context.Background(), "missing", nil)
	_, open := <-logs
	assert.False(t, open)
	assert.Error(t, <-errc)
}

func TestParseLogLine_WithoutTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	l := parseLogLine("no timestamp here", model.LogStreamStdout)
	assert.Equal(t, "no timestamp here", l.Message)
	assert.True(t, l.Timestamp.After(before))
}

func TestRemoveVolume_RetriesOnceWhenInUse(t *testing.T) {
	volumeRetryDelay = time.Millisecond
	t.Cleanup(func() { volumeRetryDelay = time.Second })

	a, fake := newTestAdapter(t)
	fake.volumes["vol-a1"] = true
	fake.volumeRemoveErr = []error{errdefs.Conflict(errors.New("remove vol-a1: volume is in use - [abc]"))}

	require.NoError(t, a.RemoveVolume(context.Background(), "a1"))
	assert.False(t, fake.hasVolume("vol-a1"))
}

func TestCleanup_IdempotentOnAbsence(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	assert.NoError(t, a.RemoveVolume(ctx, "never-existed"))
	assert.NoError(t, a.RemoveContainer(ctx, "never-existed"))
	assert.NoError(t, a.KillAndRemove(ctx, "never-existed", true))
}

func TestKillAndRemove_RemovesOutputVolume(t *testing.T) {
	a, fake := newTestAdapter(t)
	info, err := a.StartContainer(context.Background(), StartOptions{ActionID: "a1", Image: "rslethz/action"}, nil)
	require.NoError(t, err)

	require.NoError(t, a.KillAndRemove(context.Background(), info.ID, true))
	assert.Empty(t, fake.containers)
	assert.False(t, fake.hasVolume("vol-a1"))
}

func TestListManaged(t *testing.T) {
	a, fake := newTestAdapter(t)
	_, err := a.StartContainer(context.Background(), StartOptions{ActionID: "a1", Image: "rslethz/action"}, nil)
	require.NoError(t, err)
	fake.mu.Lock()
	fake.containers["other"] = &fakeContainer{id: "other", name: "postgres", state: "running", exited: make(chan struct{})}
	fake.containers["nested"] = &fakeContainer{id: "nested", name: "x-kleinkram-user-action-a2", state: "running", exited: make(chan struct{})}
	fake.mu.Unlock()

	list, err := a.ListManaged(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a1", list[0].ActionID)
	assert.True(t, list[0].Running())
	assert.Nil(t, list[0].ExitCode)
}

func TestListManaged_ReportsExitCode(t *testing.T) {
	a, fake := newTestAdapter(t)
	info, err := a.StartContainer(context.Background(), StartOptions{ActionID: "a1", Image: "rslethz/action"}, nil)
	require.NoError(t, err)
	fake.exit(info.ID, 0)

	list, err := a.ListManaged(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Running())
	require.NotNil(t, list[0].ExitCode)
	assert.Equal(t, 0, *list[0].ExitCode)
}

func TestRunArtifactUploader(t *testing.T) {
	a, fake := newTestAdapter(t)
	keyFile := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(keyFile, []byte(`{"type":"service_account"}`), 0o600))
	a.opts.Uploader.CredentialsFile = keyFile
	fake.volumes["vol-a1"] = true

	go func() {
		assert.Eventually(t, func() bool {
			fake.mu.Lock()
			c := fake.lookup("kleinkram-artifact-uploader-a1")
			running := c != nil && c.state == "running"
			fake.mu.Unlock()
			return running
		}, time.Second, time.Millisecond)
		fake.exit("id-kleinkram-artifact-uploader-a1", 0)
	}()

	code, err := a.RunArtifactUploader(context.Background(), "a1", "folder-123")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Empty(t, fake.containers)
	assert.True(t, fake.hasVolume("vol-a1"))
}

func TestRunArtifactUploader_RequiresKeyAndFolder(t *testing.T) {
	a, _ := newTestAdapter(t)
	empty := filepath.Join(t.TempDir(), "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0o600))
	a.opts.Uploader.CredentialsFile = empty

	_, err := a.RunArtifactUploader(context.Background(), "a1", "folder")
	assert.ErrorContains(t, err, "google key not found")

	_, err = a.RunArtifactUploader(context.Background(), "a1", "")
	assert.ErrorContains(t, err, "parent folder not found")
}

func TestRuntimeInfo(t *testing.T) {
	a, fake := newTestAdapter(t)
	fake.info = system.Info{
		Name:     "gpu-host",
		Runtimes: map[string]system.RuntimeWithStatus{"runc": {}, "nvidia": {}},
	}

	info, err := a.RuntimeInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "gpu-host", info.Name)
	assert.Equal(t, []string{"nvidia", "runc"}, info.Runtimes)
}
