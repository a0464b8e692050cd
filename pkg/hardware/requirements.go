package hardware

import (
	"errors"
	"fmt"

	"actionworker/internal/model"
)

// HardwareDependencyError is returned when this worker cannot satisfy what an
// action declares. It is the one failure the consumer retries.
type HardwareDependencyError struct {
	Resource  string
	Requested int
	Available int
	Reason    string
}

func (e *HardwareDependencyError) Error() string {
	if e.Reason != "" {
		return "hardware dependency not satisfied: " + e.Reason
	}
	return fmt.Sprintf("hardware dependency not satisfied: %s requested %d, available %d",
		e.Resource, e.Requested, e.Available)
}

// NewDependencyError wraps a runtime rejection, e.g. a missing GPU driver
func NewDependencyError(reason string) *HardwareDependencyError {
	return &HardwareDependencyError{Resource: "gpu", Reason: reason}
}

// IsDependencyError reports whether err carries a HardwareDependencyError
func IsDependencyError(err error) bool {
	var hde *HardwareDependencyError
	return errors.As(err, &hde)
}

// Requirements is what an action template asks for
type Requirements struct {
	CPUCores    int
	MemoryGB    int
	GPUMemoryGB int // <=0 means no GPU
}

// CheckRequirements compares req against the capacity the worker advertises.
// Unknown capacity (zero) is not held against the worker.
func CheckRequirements(worker model.WorkerDescriptor, req Requirements) error {
	if worker.CPUCores > 0 && req.CPUCores > worker.CPUCores {
		return &HardwareDependencyError{Resource: "cpu cores", Requested: req.CPUCores, Available: worker.CPUCores}
	}
	if worker.CPUMemoryGB > 0 && req.MemoryGB > worker.CPUMemoryGB {
		return &HardwareDependencyError{Resource: "memory GB", Requested: req.MemoryGB, Available: worker.CPUMemoryGB}
	}
	if req.GPUMemoryGB > 0 {
		if !worker.HasGPU() {
			return &HardwareDependencyError{
				Resource:  "gpu memory GB",
				Requested: req.GPUMemoryGB,
				Available: 0,
				Reason:    fmt.Sprintf("action requires a GPU with %d GB but worker %s has none", req.GPUMemoryGB, worker.Identifier),
			}
		}
		if worker.GPUMemoryGB > 0 && req.GPUMemoryGB > worker.GPUMemoryGB {
			return &HardwareDependencyError{Resource: "gpu memory GB", Requested: req.GPUMemoryGB, Available: worker.GPUMemoryGB}
		}
	}
	return nil
}
