// Package graphdef defines the serialized description of an operator graph:
// the opaque byte blob a pipeline is created from.
//
// The blob is a small versioned envelope: a 4-byte magic ("BFG1") followed
// by JSON. Operator arguments travel as loosely-typed named values
// (NamedValues) and are validated by the operator constructors.
package graphdef

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/gomlx/batchflow/device"
	"github.com/gomlx/batchflow/dtypes"
)

// Magic prefixes every serialized graph. The trailing digit is the format
// version.
const Magic = "BFG1"

// Def is the deserialized graph description. Ops must be listed in
// topological order: an op's inputs may only reference ops declared before
// it.
type Def struct {
	Name string `json:"name"`

	// Defaults overridable at pipeline creation.
	MaxBatchSize int    `json:"max_batch_size"`
	NumThreads   int    `json:"num_threads,omitempty"`
	DeviceNum    int    `json:"device_num,omitempty"`
	Seed         uint64 `json:"seed,omitempty"`

	Ops     []OpSpec     `json:"ops"`
	Outputs []OutputSpec `json:"outputs"`
}

// OpSpec describes one operator instance in the graph.
type OpSpec struct {
	Name    string      `json:"name"`
	Kind    string      `json:"kind"`
	Backend string      `json:"backend"` // "cpu", "gpu" or "mixed"
	Inputs  []string    `json:"inputs,omitempty"`
	Args    NamedValues `json:"args,omitempty"`

	// Declared metadata, used by external inputs and for introspection.
	// DType empty and Ndim 0 mean "not declared".
	DType  string `json:"dtype,omitempty"`
	Ndim   int    `json:"ndim,omitempty"`
	Layout string `json:"layout,omitempty"`
}

// OutputSpec names one pipeline output: the operator whose (single) output
// is exposed to the caller.
type OutputSpec struct {
	Op     string `json:"op"`
	Device string `json:"device"` // "cpu" or "gpu"
}

// ParseBackend converts an OpSpec.Backend string to a device.Backend.
func ParseBackend(name string) (device.Backend, error) {
	switch name {
	case "cpu":
		return device.BackendCPU, nil
	case "gpu":
		return device.BackendGPU, nil
	case "mixed":
		return device.BackendMixed, nil
	}
	return 0, errors.Errorf("unknown backend %q, want \"cpu\", \"gpu\" or \"mixed\"", name)
}

// ParseDevice converts an OutputSpec.Device string to a device.Type.
func ParseDevice(name string) (device.Type, error) {
	switch name {
	case "cpu":
		return device.CPU, nil
	case "gpu":
		return device.GPU, nil
	}
	return 0, errors.Errorf("unknown device %q, want \"cpu\" or \"gpu\"", name)
}

// Serialize encodes the definition into the opaque blob format.
func (d *Def) Serialize() ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, errors.WithMessage(err, "serializing graph definition")
	}
	encoded, err := json.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "serializing graph definition")
	}
	return append([]byte(Magic), encoded...), nil
}

// Parse decodes and validates a serialized graph blob.
func Parse(blob []byte) (*Def, error) {
	if len(blob) < len(Magic) || !bytes.HasPrefix(blob, []byte(Magic)) {
		return nil, errors.Errorf("not a serialized graph: missing %q header", Magic)
	}
	def := &Def{}
	decoder := json.NewDecoder(bytes.NewReader(blob[len(Magic):]))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(def); err != nil {
		return nil, errors.Wrap(err, "malformed serialized graph")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// IsDeserializable reports whether the blob parses as a formally valid
// graph, without building anything.
func IsDeserializable(blob []byte) bool {
	_, err := Parse(blob)
	return err == nil
}

// Validate checks structural invariants: unique names, known backends and
// dtypes, topological input references, well-formed outputs.
func (d *Def) Validate() error {
	if d.Name == "" {
		return errors.New("graph definition has no name")
	}
	if d.MaxBatchSize <= 0 {
		return errors.Errorf("graph %q: max_batch_size must be positive, got %d", d.Name, d.MaxBatchSize)
	}
	if len(d.Ops) == 0 {
		return errors.Errorf("graph %q has no operators", d.Name)
	}
	if len(d.Outputs) == 0 {
		return errors.Errorf("graph %q has no outputs", d.Name)
	}
	seen := make(map[string]int, len(d.Ops))
	for i, op := range d.Ops {
		if op.Name == "" {
			return errors.Errorf("graph %q: operator #%d has no name", d.Name, i)
		}
		if _, dup := seen[op.Name]; dup {
			return errors.Errorf("graph %q: duplicate operator name %q", d.Name, op.Name)
		}
		if op.Kind == "" {
			return errors.Errorf("graph %q: operator %q has no kind", d.Name, op.Name)
		}
		if _, err := ParseBackend(op.Backend); err != nil {
			return errors.WithMessagef(err, "graph %q: operator %q", d.Name, op.Name)
		}
		if op.DType != "" {
			if _, err := dtypes.FromName(op.DType); err != nil {
				return errors.WithMessagef(err, "graph %q: operator %q", d.Name, op.Name)
			}
		}
		for _, input := range op.Inputs {
			if _, ok := seen[input]; !ok {
				return errors.Errorf("graph %q: operator %q reads %q, which is not declared before it",
					d.Name, op.Name, input)
			}
		}
		seen[op.Name] = i
	}
	for _, out := range d.Outputs {
		if _, ok := seen[out.Op]; !ok {
			return errors.Errorf("graph %q: output references unknown operator %q", d.Name, out.Op)
		}
		if _, err := ParseDevice(out.Device); err != nil {
			return errors.WithMessagef(err, "graph %q: output %q", d.Name, out.Op)
		}
	}
	return nil
}

// Hash returns a hex digest of the canonical serialized form, used to match
// checkpoints against the graph they were taken from.
func (d *Def) Hash() (string, error) {
	encoded, err := json.Marshal(d)
	if err != nil {
		return "", errors.Wrap(err, "hashing graph definition")
	}
	digest := sha256.Sum256(encoded)
	return hex.EncodeToString(digest[:]), nil
}

// Op returns the spec of the named operator, or nil if there is none.
func (d *Def) Op(name string) *OpSpec {
	for i := range d.Ops {
		if d.Ops[i].Name == name {
			return &d.Ops[i]
		}
	}
	return nil
}
