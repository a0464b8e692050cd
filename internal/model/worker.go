package model

// WorkerDescriptor hardware snapshot of the local host
type WorkerDescriptor struct {
	Identifier  string   `json:"identifier"` // stable logical name
	Hostname    string   `json:"hostname"`   // container runtime host name
	CPUCores    int      `json:"cpuCores"`
	CPUModel    string   `json:"cpuModel"`
	CPUMemoryGB int      `json:"cpuMemory"`
	GPUModels   []string `json:"gpuModels,omitempty"`
	GPUMemoryGB int      `json:"gpuMemory"` // -1 means no GPU, 0 means present with unknown memory
	StorageGB   int      `json:"storage"`
}

// HasGPU reports whether a GPU capable runtime was detected.
func (d WorkerDescriptor) HasGPU() bool {
	return d.GPUMemoryGB >= 0
}

// GPUModel returns the first detected GPU model or an empty string.
func (d WorkerDescriptor) GPUModel() string {
	if len(d.GPUModels) == 0 {
		return ""
	}
	return d.GPUModels[0]
}
