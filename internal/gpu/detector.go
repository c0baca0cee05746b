//go:build cuda

// Package gpu detects NVIDIA GPUs via NVML. The report feeds the status
// surface and the sizing of locally runnable models; builds without the
// cuda tag get a stub that reports no acceleration.
package gpu

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"modelstack/internal/logging"
)

// Detector handles GPU detection and reporting.
type Detector struct {
	nvml   NVMLInterface
	logger *logging.Logger
}

// NewDetector creates a new GPU detector.
func NewDetector(logger *logging.Logger) *Detector {
	return &Detector{
		nvml:   NewRealNVML(),
		logger: logger,
	}
}

// NewDetectorWithNVML creates a detector with a custom NVML interface (for testing).
func NewDetectorWithNVML(nvmlInterface NVMLInterface, logger *logging.Logger) *Detector {
	return &Detector{
		nvml:   nvmlInterface,
		logger: logger,
	}
}

// DetectGPUs probes NVML and returns what it found. A failed NVML init
// is not an error; the report simply carries NVMLOk=false.
func (d *Detector) DetectGPUs() GPUReport {
	d.logger.Info("gpu.detect_start", "Starting GPU detection", nil)

	report := GPUReport{
		GPUs: make([]GPUInfo, 0),
	}

	ret := d.nvml.Init()
	if ret != nvml.SUCCESS {
		report.NVMLOk = false
		report.ErrorMessage = fmt.Sprintf("Failed to initialize NVML: %v", nvml.ErrorString(ret))
		d.logger.Warn("gpu.nvml_init_failed", "NVML initialization failed", map[string]interface{}{
			"error": report.ErrorMessage,
		})
		return report
	}
	defer d.nvml.Shutdown()

	report.NVMLOk = true

	driverVersion, ret := d.nvml.SystemGetDriverVersion()
	if ret != nvml.SUCCESS {
		d.logger.Warn("gpu.driver_version_failed", "Failed to get driver version", map[string]interface{}{
			"error": nvml.ErrorString(ret),
		})
	} else {
		report.DriverVersion = driverVersion
	}

	cudaVersion, ret := d.nvml.SystemGetCudaDriverVersion()
	if ret != nvml.SUCCESS {
		d.logger.Warn("gpu.cuda_version_failed", "Failed to get CUDA version", map[string]interface{}{
			"error": nvml.ErrorString(ret),
		})
	} else {
		report.CUDAVersion = cudaVersion
	}

	count, ret := d.nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		report.ErrorMessage = fmt.Sprintf("Failed to get device count: %v", nvml.ErrorString(ret))
		d.logger.Error("gpu.device_count_failed", "Failed to get GPU count", map[string]interface{}{
			"error": report.ErrorMessage,
		})
		return report
	}

	for i := 0; i < count; i++ {
		device, ret := d.nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			d.logger.Warn("gpu.device_handle_failed", "Failed to get device handle", map[string]interface{}{
				"index": i,
				"error": nvml.ErrorString(ret),
			})
			continue
		}

		gpuInfo := GPUInfo{Index: i}
		if name, ret := device.GetName(); ret == nvml.SUCCESS {
			gpuInfo.Name = name
		}
		if uuid, ret := device.GetUUID(); ret == nvml.SUCCESS {
			gpuInfo.UUID = uuid
		}
		if memInfo, ret := device.GetMemoryInfo(); ret == nvml.SUCCESS {
			gpuInfo.MemoryMB = memInfo.Total / (1024 * 1024)
		}

		report.GPUs = append(report.GPUs, gpuInfo)

		d.logger.Info("gpu.device_detected", "GPU device detected", map[string]interface{}{
			"index":     i,
			"name":      gpuInfo.Name,
			"memory_mb": gpuInfo.MemoryMB,
		})
	}

	return report
}

// SaveReport persists a GPU report to disk.
func (d *Detector) SaveReport(report GPUReport, path string) error {
	return saveReportToFile(d.logger, report, path)
}
