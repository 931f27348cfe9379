// Package device models the execution resources of the engine: the host CPU
// and an (emulated) accelerator device with FIFO streams.
//
// A Stream is an ordered asynchronous executor: work enqueued on it runs in
// submission order, concurrently with the caller, and each enqueued unit of
// work yields an Event that can be awaited. This is the same surface a CUDA
// stream gives the original engine, without the hardware: device memory is
// ordinary process memory owned by the memory pool.
package device

// Type is the placement of a buffer or of an operator: host (CPU) or
// accelerator (GPU).
type Type int

const (
	CPU Type = iota
	GPU
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	}
	return "InvalidDevice"
}

// Backend is where an operator executes: on the host, on the accelerator, or
// on the host-to-accelerator boundary (staging).
type Backend int

const (
	BackendCPU Backend = iota
	BackendGPU
	BackendMixed
)

// String implements fmt.Stringer.
func (b Backend) String() string {
	switch b {
	case BackendCPU:
		return "CPU"
	case BackendGPU:
		return "GPU"
	case BackendMixed:
		return "Mixed"
	}
	return "InvalidBackend"
}

// Device returns the device type on which a backend's outputs live:
// Mixed-backend operators write accelerator-resident outputs.
func (b Backend) Device() Type {
	if b == BackendCPU {
		return CPU
	}
	return GPU
}
