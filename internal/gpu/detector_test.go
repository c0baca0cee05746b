//go:build !cuda

package gpu

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"modelstack/internal/logging"
)

func TestDetectGPUs_StubReportsNoAcceleration(t *testing.T) {
	d := NewDetector(logging.NewLogger(logging.LevelError))

	report := d.DetectGPUs()
	if report.NVMLOk {
		t.Error("Expected NVMLOk=false without cuda tag")
	}
	if len(report.GPUs) != 0 {
		t.Errorf("Expected no GPUs, got %d", len(report.GPUs))
	}

	cap := report.Capability()
	if cap.Accelerated {
		t.Error("Expected no acceleration in stub build")
	}
}

func TestCapability_SumsMemory(t *testing.T) {
	report := GPUReport{
		NVMLOk: true,
		GPUs: []GPUInfo{
			{Name: "RTX 4090", MemoryMB: 24576},
			{Name: "RTX 4090", MemoryMB: 24576},
		},
	}

	cap := report.Capability()
	if !cap.Accelerated {
		t.Error("Expected accelerated with detected GPUs")
	}
	if cap.TotalMemoryMB != 49152 {
		t.Errorf("Expected summed memory 49152, got %d", cap.TotalMemoryMB)
	}
}

func TestSaveReport_WritesJSON(t *testing.T) {
	d := NewDetector(logging.NewLogger(logging.LevelError))
	path := filepath.Join(t.TempDir(), "gpu_report.json")

	if err := d.SaveReport(d.DetectGPUs(), path); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected report file: %v", err)
	}
	var report GPUReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("Report not valid JSON: %v", err)
	}
}
