package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"actionworker/internal/model"
	"actionworker/pkg/logger"
	"actionworker/pkg/metrics"
	storemodel "actionworker/pkg/store/mysql/model"
)

// WorkerService keeps the worker row of this process up to date
type WorkerService struct {
	detector HardwareDetector
	workers  WorkerStore

	mu         sync.RWMutex
	current    *storemodel.Worker
	descriptor model.WorkerDescriptor
}

// NewWorkerService creates a new worker service
func NewWorkerService(detector HardwareDetector, workers WorkerStore) *WorkerService {
	return &WorkerService{
		detector: detector,
		workers:  workers,
	}
}

// Register detects the local hardware and creates or refreshes the worker row
// for its identifier
func (s *WorkerService) Register(ctx context.Context) (*storemodel.Worker, error) {
	desc, err := s.detector.Detect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to detect hardware: %w", err)
	}

	saved, err := s.workers.Register(ctx, workerRow(desc))
	if err != nil {
		return nil, fmt.Errorf("failed to register worker: %w", err)
	}

	s.mu.Lock()
	s.current = saved
	s.descriptor = desc
	s.mu.Unlock()

	logger.InfoCtx(ctx, "worker %s registered: %d cores, %d GB memory, gpu %s, %d GB disk",
		saved.Identifier, desc.CPUCores, desc.CPUMemoryGB, gpuSummary(desc), desc.StorageGB)
	return saved, nil
}

// Current returns the registered worker and its detected hardware
func (s *WorkerService) Current() (*storemodel.Worker, model.WorkerDescriptor) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.descriptor
}

// Heartbeat refreshes liveness and the free disk snapshot
func (s *WorkerService) Heartbeat(ctx context.Context) error {
	worker, desc := s.Current()
	if worker == nil {
		metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("worker not registered")
	}

	storage, err := s.detector.DiskSpaceGB(ctx)
	if err != nil {
		logger.WarnCtx(ctx, "failed to read disk space, keeping %d GB: %v", desc.StorageGB, err)
		storage = desc.StorageGB
	}

	if err := s.workers.Heartbeat(ctx, worker.UUID, storage); err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()

	s.mu.Lock()
	s.descriptor.StorageGB = storage
	s.mu.Unlock()
	logger.DebugCtx(ctx, "heartbeat sent, worker: %s, storage: %d GB", worker.Identifier, storage)
	return nil
}

// Shutdown marks the worker unreachable
func (s *WorkerService) Shutdown(ctx context.Context) error {
	worker, _ := s.Current()
	if worker == nil {
		return nil
	}
	return s.workers.MarkUnreachable(ctx, worker.UUID)
}

func workerRow(desc model.WorkerDescriptor) *storemodel.Worker {
	return &storemodel.Worker{
		Identifier: desc.Identifier,
		Hostname:   desc.Hostname,
		CPUCores:   desc.CPUCores,
		CPUModel:   desc.CPUModel,
		CPUMemory:  desc.CPUMemoryGB,
		HasGPU:     desc.HasGPU(),
		GPUModel:   desc.GPUModel(),
		GPUMemory:  desc.GPUMemoryGB,
		Storage:    desc.StorageGB,
	}
}

func gpuSummary(desc model.WorkerDescriptor) string {
	if !desc.HasGPU() {
		return "none"
	}
	if len(desc.GPUModels) == 0 {
		return "unknown model"
	}
	return strings.Join(desc.GPUModels, ", ")
}
