// Package hardware detects the capacity of the local host and checks action
// requirements against it.
package hardware

import (
	"context"
	"fmt"
	"math"
	"os"

	"actionworker/internal/model"
	"actionworker/pkg/logger"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	bytesPerGB         = 1 << 30
	nvidiaRuntime      = "nvidia"
	defaultGPUInfoGlob = "/proc/driver/nvidia/gpus/*/information"
)

// RuntimeInfo is what the container runtime reports about itself
type RuntimeInfo struct {
	Name     string   // host name as seen by the runtime
	Runtimes []string // registered OCI runtimes, e.g. runc, nvidia
}

// RuntimeProber queries the container runtime
type RuntimeProber interface {
	RuntimeInfo(ctx context.Context) (RuntimeInfo, error)
}

// systemProbes are the gopsutil entry points, replaceable in tests
type systemProbes struct {
	cpuInfo    func(context.Context) ([]cpu.InfoStat, error)
	cpuCounts  func(context.Context, bool) (int, error)
	memory     func(context.Context) (*mem.VirtualMemoryStat, error)
	partitions func(context.Context, bool) ([]disk.PartitionStat, error)
	usage      func(context.Context, string) (*disk.UsageStat, error)
}

func defaultProbes() systemProbes {
	return systemProbes{
		cpuInfo:    cpu.InfoWithContext,
		cpuCounts:  cpu.CountsWithContext,
		memory:     mem.VirtualMemoryWithContext,
		partitions: disk.PartitionsWithContext,
		usage:      disk.UsageWithContext,
	}
}

// Detector builds the WorkerDescriptor of this host
type Detector struct {
	identifier  string
	prober      RuntimeProber
	gpuMemoryGB int
	gpuInfoGlob string
	probes      systemProbes
}

// NewDetector creates a detector. gpuMemoryGB overrides the advertised GPU
// memory when a GPU is present, since it cannot be read without the driver
// tools; 0 leaves it unknown.
func NewDetector(identifier string, prober RuntimeProber, gpuMemoryGB int) *Detector {
	return &Detector{
		identifier:  identifier,
		prober:      prober,
		gpuMemoryGB: gpuMemoryGB,
		gpuInfoGlob: defaultGPUInfoGlob,
		probes:      defaultProbes(),
	}
}

// Detect reads CPU, memory, disk and GPU capacity. GPU discovery is best
// effort: an unreachable runtime reports no GPU.
func (d *Detector) Detect(ctx context.Context) (model.WorkerDescriptor, error) {
	desc := model.WorkerDescriptor{
		Identifier:  d.identifier,
		GPUMemoryGB: -1,
	}

	cores, err := d.probes.cpuCounts(ctx, true)
	if err != nil {
		return desc, fmt.Errorf("failed to count cpu cores: %w", err)
	}
	desc.CPUCores = cores

	if infos, err := d.probes.cpuInfo(ctx); err != nil {
		logger.WarnCtx(ctx, "failed to read cpu model: %v", err)
	} else if len(infos) > 0 {
		desc.CPUModel = infos[0].ModelName
	}

	vm, err := d.probes.memory(ctx)
	if err != nil {
		return desc, fmt.Errorf("failed to read memory: %w", err)
	}
	desc.CPUMemoryGB = toGB(vm.Total)

	storage, err := d.DiskSpaceGB(ctx)
	if err != nil {
		logger.WarnCtx(ctx, "failed to read disk space: %v", err)
	}
	desc.StorageGB = storage

	info, err := d.runtimeInfo(ctx)
	if err != nil {
		logger.WarnCtx(ctx, "container runtime unreachable, reporting no GPU: %v", err)
	}
	desc.Hostname = info.Name
	if desc.Hostname == "" {
		desc.Hostname, _ = os.Hostname()
	}

	if hasRuntime(info.Runtimes, nvidiaRuntime) {
		models := gpuModels(d.gpuInfoGlob)
		desc.GPUModels = models
		desc.GPUMemoryGB = d.gpuMemoryGB
		logger.InfoCtx(ctx, "nvidia runtime detected, gpus: %v", models)
	} else {
		logger.DebugCtx(ctx, "no nvidia runtime registered with the container runtime")
	}

	return desc, nil
}

// DiskSpaceGB sums the space available on non-overlay filesystems, counting
// each device once.
func (d *Detector) DiskSpaceGB(ctx context.Context) (int, error) {
	parts, err := d.probes.partitions(ctx, false)
	if err != nil {
		return 0, fmt.Errorf("failed to list partitions: %w", err)
	}

	seen := make(map[string]struct{}, len(parts))
	var available uint64
	for _, p := range parts {
		if p.Fstype == "overlay" {
			continue
		}
		if _, ok := seen[p.Device]; ok {
			continue
		}
		seen[p.Device] = struct{}{}

		u, err := d.probes.usage(ctx, p.Mountpoint)
		if err != nil {
			logger.DebugCtx(ctx, "skipping %s: %v", p.Mountpoint, err)
			continue
		}
		available += u.Free
	}
	return toGB(available), nil
}

func (d *Detector) runtimeInfo(ctx context.Context) (RuntimeInfo, error) {
	if d.prober == nil {
		return RuntimeInfo{}, fmt.Errorf("no runtime prober configured")
	}
	return d.prober.RuntimeInfo(ctx)
}

func toGB(b uint64) int {
	return int(math.Round(float64(b) / bytesPerGB))
}

func hasRuntime(runtimes []string, name string) bool {
	for _, r := range runtimes {
		if r == name {
			return true
		}
	}
	return false
}
