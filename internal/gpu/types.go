package gpu

// GPUInfo describes a single detected GPU.
type GPUInfo struct {
	Name     string `json:"name"`
	UUID     string `json:"uuid"`
	MemoryMB uint64 `json:"memory_mb"`
	Index    int    `json:"index"`
}

// GPUReport is the full detection result, persisted for the status
// surface and consulted when sizing local models.
type GPUReport struct {
	DriverVersion string    `json:"driver_version"`
	CUDAVersion   int       `json:"cuda_version"`
	NVMLOk        bool      `json:"nvml_ok"`
	GPUs          []GPUInfo `json:"gpus"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

// Capability summarizes what the detected hardware can run locally.
type Capability struct {
	Accelerated   bool   `json:"accelerated"`
	TotalMemoryMB uint64 `json:"total_memory_mb"`
}

// Capability reduces the report to the flags the provider registry and
// status output care about.
func (r GPUReport) Capability() Capability {
	cap := Capability{Accelerated: r.NVMLOk && len(r.GPUs) > 0}
	for _, g := range r.GPUs {
		cap.TotalMemoryMB += g.MemoryMB
	}
	return cap
}
