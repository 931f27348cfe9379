// Package ops defines the operator interface executed by the pipeline
// engine and a registry of built-in operator kinds.
//
// Operators are constructed from graphdef.OpSpec entries by registered
// constructors, keyed by the spec's Kind. The engine only sees the Operator
// interface (plus the optional Stateful, Reader and tracing capabilities,
// discovered by type assertion), so new kinds can be added without touching
// the scheduler.
package ops

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/gomlx/batchflow/device"
	"github.com/gomlx/batchflow/graphdef"
	"github.com/gomlx/batchflow/memory"
	"github.com/gomlx/batchflow/tensors"
)

// Context carries the per-advance services an operator may use during Run.
type Context struct {
	// Pool is the memory pool to draw output storage from.
	Pool *memory.Pool

	// DeviceNum is the accelerator ordinal of the pipeline.
	DeviceNum int

	// Stream is the accelerator stream of the current stage. It is nil for
	// operators running on the pure-CPU stage.
	Stream *device.Stream

	// BatchSize is the number of samples source operators (readers) should
	// produce for the current advance.
	BatchSize int

	// SetTrace publishes a diagnostic trace value for the current batch,
	// readable by the caller while that batch is the shared output.
	SetTrace func(name, value string)
}

// OutputSpace returns the space operator outputs should be allocated in for
// the given backend.
func (ctx *Context) OutputSpace(backend device.Backend) memory.Space {
	if backend.Device() == device.GPU {
		return memory.Space{Device: device.GPU, DeviceNum: ctx.DeviceNum}
	}
	return memory.Space{}
}

// Operator is one node of the graph. Run consumes one TensorList per
// declared input and produces the operator's outputs; it is called once per
// scheduler advance, always in batch order, and must not retain the input
// lists.
type Operator interface {
	Name() string
	Backend() device.Backend
	Run(ctx *Context, inputs []*tensors.TensorList) ([]*tensors.TensorList, error)
}

// Stateful is implemented by operators whose behavior depends on progress
// (readers, random-number generators). Their state is captured into
// checkpoints and must make re-execution bit-identical after RestoreState.
type Stateful interface {
	Operator
	SaveState() ([]byte, error)
	RestoreState(state []byte) error
}

// ReaderMeta describes a reader operator's sharding and epoch layout.
type ReaderMeta struct {
	EpochSize       int64
	EpochSizePadded int64
	NumberOfShards  int
	ShardID         int
	PadLastBatch    bool
	StickToShard    bool
}

// Reader is implemented by operators that ingest an (implicitly sharded)
// dataset and expose epoch metadata.
type Reader interface {
	Operator
	ReaderMeta() ReaderMeta
}

// Constructor builds an operator instance from its graph spec. The seed is
// the graph-level seed; constructors of randomized operators derive their
// own per-operator seed from it.
type Constructor func(spec *graphdef.OpSpec, seed uint64) (Operator, error)

var (
	registryMu sync.Mutex
	registry   = make(map[string]Constructor)
)

// Register makes a constructor available under the given kind. Registering
// the same kind twice panics: that is a programming error.
func Register(kind string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[kind]; dup {
		panic("ops: duplicate registration of kind " + kind)
	}
	registry[kind] = constructor
}

// Build constructs the operator described by spec.
func Build(spec *graphdef.OpSpec, seed uint64) (Operator, error) {
	registryMu.Lock()
	constructor, found := registry[spec.Kind]
	registryMu.Unlock()
	if !found {
		return nil, errors.Errorf("unknown operator kind %q (operator %q)", spec.Kind, spec.Name)
	}
	op, err := constructor(spec, seed)
	if err != nil {
		return nil, errors.WithMessagef(err, "building operator %q of kind %q", spec.Name, spec.Kind)
	}
	return op, nil
}

// base carries the fields every built-in operator shares.
type base struct {
	name    string
	backend device.Backend
}

func newBase(spec *graphdef.OpSpec) (base, error) {
	backend, err := graphdef.ParseBackend(spec.Backend)
	if err != nil {
		return base{}, err
	}
	return base{name: spec.Name, backend: backend}, nil
}

func (b *base) Name() string            { return b.name }
func (b *base) Backend() device.Backend { return b.backend }

// wantInputs checks the number of inputs wired to an operator.
func wantInputs(name string, inputs []*tensors.TensorList, n int) error {
	if len(inputs) != n {
		return errors.Errorf("operator %q got %d inputs, want %d", name, len(inputs), n)
	}
	return nil
}
