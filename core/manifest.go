package core

import (
	"time"
)

// ModelFormat identifies the serialized artifact format of a model
type ModelFormat string

const (
	FormatGGUF   ModelFormat = "GGUF"
	FormatTFLite ModelFormat = "TFLITE"
	FormatONNX   ModelFormat = "ONNX"
	FormatTF     ModelFormat = "TF"
	FormatPT     ModelFormat = "PT"
	FormatJAX    ModelFormat = "JAX"
)

// Device identifies an execution device class
type Device string

const (
	DeviceCPU  Device = "CPU"
	DeviceCUDA Device = "CUDA"
	DeviceROCM Device = "ROCM"
	DeviceTPU  Device = "TPU"
	DeviceNPU  Device = "NPU"
)

// VersionLatest is the reserved version alias resolved by the registry
const VersionLatest = "latest"

// ResourceRequirements captures the resources a model needs to load
type ResourceRequirements struct {
	MemoryMB  int64 `json:"memoryMb,omitempty"`
	VRAMMB    int64 `json:"vramMb,omitempty"`
	Threads   int   `json:"threads,omitempty"`
	GPULayers int   `json:"gpuLayers,omitempty"`
}

// ModelManifest is the registry's description of one model version.
// Version records reference the model by id, never by pointer, so manifests
// stay acyclic and serializable.
type ModelManifest struct {
	ModelID              string                 `json:"modelId"`
	Version              string                 `json:"version"`
	TenantID             string                 `json:"tenantId"`
	Artifacts            map[ModelFormat]string `json:"artifacts"`
	SupportedDevices     []Device               `json:"supportedDevices,omitempty"`
	ResourceRequirements ResourceRequirements   `json:"resourceRequirements,omitempty"`
	Metadata             map[string]string      `json:"metadata,omitempty"`
	CreatedAt            time.Time              `json:"createdAt"`
	UpdatedAt            time.Time              `json:"updatedAt"`
}

// Formats returns the artifact formats present on the manifest
func (m *ModelManifest) Formats() []ModelFormat {
	out := make([]ModelFormat, 0, len(m.Artifacts))
	for f := range m.Artifacts {
		out = append(out, f)
	}
	return out
}

// HasFormat reports whether the manifest carries an artifact in the format
func (m *ModelManifest) HasFormat(format ModelFormat) bool {
	_, ok := m.Artifacts[format]
	return ok
}

// SupportsDevice reports whether the manifest lists the device
func (m *ModelManifest) SupportsDevice(device Device) bool {
	for _, d := range m.SupportedDevices {
		if d == device {
			return true
		}
	}
	return false
}
