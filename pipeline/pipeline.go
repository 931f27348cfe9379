// Package pipeline implements the batch-execution engine: a Pipeline is
// built from a serialized graph definition and moves batches through the
// graph's operators in FIFO order, overlapping the host stage with the
// (emulated) accelerator stage when configured to.
//
// The engine separates contract violations from data errors: misuse of the
// API (unknown input, wrong batch size, missing feeds) fails the offending
// call synchronously, while operator failures during an advance are attached
// to that batch and surface when the batch is fetched with Output or
// ShareOutput. Batches never reorder, even around a failed one.
package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/batchflow/device"
	"github.com/gomlx/batchflow/dtypes"
	"github.com/gomlx/batchflow/graphdef"
	"github.com/gomlx/batchflow/memory"
	"github.com/gomlx/batchflow/ops"
)

// Pipeline executes one operator graph. Create it with FromSerialized (or
// Deserialize), drive it with Prefetch/Run, fetch results with Output or
// ShareOutput, and call Destroy when done.
//
// Feed and output methods are safe for concurrent use; Prefetch and Run
// calls are serialized against each other so batch order is the call order.
type Pipeline struct {
	id        uuid.UUID
	def       *graphdef.Def
	config    Config
	pool      *memory.Pool
	graphHash string

	// operators parallels def.Ops. cpuStage and gpuStage index into it and
	// preserve topological order within each stage.
	operators []ops.Operator
	cpuStage  []int
	gpuStage  []int

	inputNames []string // declaration order
	inputs     map[string]*inputState
	readers    map[string]ops.Reader
	stats      []opStats // non-nil only with EnableMemoryStats

	stream *device.Stream

	// execMu serializes Prefetch and Run so submission order defines batch
	// order even with concurrent drivers.
	execMu sync.Mutex

	mu         sync.Mutex
	destroyed  bool
	started    bool // a feed or prefetch happened; checkpoint restore is no longer allowed
	prefetched bool
	scheduled  int64
	consumed   int64
	current    *OutputBatch   // released automatically by the next Output
	active     *OutputBatch   // most recent Output/ShareOutput; trace queries read it
	shares     []*OutputBatch // every outstanding handle, current included

	cpuCh   chan *batchSlot // nil unless Flags.Pipelined
	gpuCh   chan *batchSlot
	ready   *readyQueue
	workers sync.WaitGroup
}

// opStats is per-operator accounting gathered when memory stats are enabled.
type opStats struct {
	runs      atomic.Int64
	peakBytes atomic.Int64
}

func newPipeline(def *graphdef.Def, config Config, pool *memory.Pool) (*Pipeline, error) {
	graphHash, err := def.Hash()
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		id:        uuid.New(),
		def:       def,
		config:    config,
		pool:      pool,
		graphHash: graphHash,
		inputs:    make(map[string]*inputState),
		readers:   make(map[string]ops.Reader),
		ready:     newReadyQueue(),
	}
	for i := range def.Ops {
		spec := &def.Ops[i]
		op, err := ops.Build(spec, def.Seed)
		if err != nil {
			return nil, errors.WithMessagef(ErrInvalidGraph, "%v", err)
		}
		p.operators = append(p.operators, op)
		if op.Backend() == device.BackendCPU {
			p.cpuStage = append(p.cpuStage, i)
		} else {
			p.gpuStage = append(p.gpuStage, i)
		}
		if ext, ok := op.(ops.ExternalInput); ok {
			p.inputNames = append(p.inputNames, spec.Name)
			p.inputs[spec.Name] = &inputState{
				op:        ext,
				spec:      spec,
				batchSize: config.MaxBatchSize,
			}
		}
		if reader, ok := op.(ops.Reader); ok {
			p.readers[spec.Name] = reader
		}
	}
	if err := p.validatePlacement(); err != nil {
		return nil, errors.WithMessagef(ErrInvalidGraph, "%v", err)
	}
	if config.EnableMemoryStats {
		p.stats = make([]opStats, len(p.operators))
	}
	p.stream = device.NewStream("pipeline-" + p.id.String()[:8])
	if config.Flags.Pipelined {
		p.cpuCh = make(chan *batchSlot, config.CPUQueueDepth)
		p.gpuCh = make(chan *batchSlot, config.GPUQueueDepth)
		p.workers.Add(2)
		go p.cpuWorker()
		go p.gpuWorker()
	}
	klog.V(1).Infof("pipeline %s created: graph %q, %d operators, batch size %d, depths cpu=%d gpu=%d, flags %+v",
		p.id, def.Name, len(p.operators), config.MaxBatchSize,
		config.CPUQueueDepth, config.GPUQueueDepth, config.Flags)
	return p, nil
}

// validatePlacement checks stage adjacency: CPU operators read CPU
// operators, mixed operators read CPU operators, GPU operators read mixed or
// GPU operators, and each declared output lives on the device its producer's
// backend writes to.
func (p *Pipeline) validatePlacement() error {
	for i := range p.def.Ops {
		spec := &p.def.Ops[i]
		backend := p.operators[i].Backend()
		for _, inputName := range spec.Inputs {
			producer := p.operators[p.opIndex(inputName)]
			from := producer.Backend()
			ok := false
			switch backend {
			case device.BackendCPU:
				ok = from == device.BackendCPU
			case device.BackendMixed:
				ok = from == device.BackendCPU
			case device.BackendGPU:
				ok = from == device.BackendMixed || from == device.BackendGPU
			}
			if !ok {
				return errors.Errorf("operator %q (%s) cannot read %q (%s)",
					spec.Name, backend, inputName, from)
			}
		}
	}
	for _, out := range p.def.Outputs {
		producer := p.operators[p.opIndex(out.Op)]
		wanted, err := graphdef.ParseDevice(out.Device)
		if err != nil {
			return err
		}
		if producer.Backend().Device() != wanted {
			return errors.Errorf("output %q declared on %s but its producer runs on backend %s",
				out.Op, out.Device, producer.Backend())
		}
	}
	return nil
}

// opIndex returns the position of the named operator. The definition is
// validated, so the name always resolves.
func (p *Pipeline) opIndex(name string) int {
	for i := range p.def.Ops {
		if p.def.Ops[i].Name == name {
			return i
		}
	}
	return -1
}

// ID returns the unique instance identifier of this pipeline.
func (p *Pipeline) ID() string { return p.id.String() }

// MaxBatchSize returns the configured maximum batch size.
func (p *Pipeline) MaxBatchSize() int { return p.config.MaxBatchSize }

// NumExternalInputs returns the number of external-source operators.
func (p *Pipeline) NumExternalInputs() int { return len(p.inputNames) }

// ExternalInputName returns the name of the i-th external input, in graph
// declaration order.
func (p *Pipeline) ExternalInputName(i int) (string, error) {
	if i < 0 || i >= len(p.inputNames) {
		return "", errors.Errorf("external input index %d out of range, pipeline has %d", i, len(p.inputNames))
	}
	return p.inputNames[i], nil
}

// ExternalInputDType returns the declared dtype of the named input, or
// dtypes.InvalidDType when the graph doesn't declare one.
func (p *Pipeline) ExternalInputDType(name string) (dtypes.DType, error) {
	in, err := p.input(name)
	if err != nil {
		return dtypes.InvalidDType, err
	}
	return in.op.DeclaredDType(), nil
}

// ExternalInputNdim returns the declared sample dimensionality of the named
// input, or -1 when the graph doesn't declare one.
func (p *Pipeline) ExternalInputNdim(name string) (int, error) {
	in, err := p.input(name)
	if err != nil {
		return 0, err
	}
	if in.op.DeclaredNdim() == 0 {
		return -1, nil
	}
	return in.op.DeclaredNdim(), nil
}

// ExternalInputLayout returns the declared layout string of the named input,
// possibly empty.
func (p *Pipeline) ExternalInputLayout(name string) (string, error) {
	in, err := p.input(name)
	if err != nil {
		return "", err
	}
	return in.op.DeclaredLayout(), nil
}

// NumOutputs returns the number of declared pipeline outputs.
func (p *Pipeline) NumOutputs() int { return len(p.def.Outputs) }

func (p *Pipeline) outputSpec(i int) (*graphdef.OutputSpec, error) {
	if i < 0 || i >= len(p.def.Outputs) {
		return nil, errors.Errorf("output index %d out of range, pipeline has %d", i, len(p.def.Outputs))
	}
	return &p.def.Outputs[i], nil
}

// OutputName returns the name of the operator producing output i.
func (p *Pipeline) OutputName(i int) (string, error) {
	out, err := p.outputSpec(i)
	if err != nil {
		return "", err
	}
	return out.Op, nil
}

// OutputDevice returns the device output i is delivered on.
func (p *Pipeline) OutputDevice(i int) (device.Type, error) {
	out, err := p.outputSpec(i)
	if err != nil {
		return 0, err
	}
	return graphdef.ParseDevice(out.Device)
}

// DeclaredOutputNdim returns the dimensionality declared for output i's
// producer, or -1 when the graph doesn't declare one.
func (p *Pipeline) DeclaredOutputNdim(i int) (int, error) {
	out, err := p.outputSpec(i)
	if err != nil {
		return 0, err
	}
	spec := p.def.Op(out.Op)
	if spec.Ndim == 0 {
		return -1, nil
	}
	return spec.Ndim, nil
}

// DeclaredOutputDType returns the dtype declared for output i's producer, or
// dtypes.InvalidDType when the graph doesn't declare one.
func (p *Pipeline) DeclaredOutputDType(i int) (dtypes.DType, error) {
	out, err := p.outputSpec(i)
	if err != nil {
		return dtypes.InvalidDType, err
	}
	spec := p.def.Op(out.Op)
	if spec.DType == "" {
		return dtypes.InvalidDType, nil
	}
	return dtypes.FromName(spec.DType)
}

// OperatorBackend returns the backend the named operator runs on. Unknown
// names report ErrNotFound.
func (p *Pipeline) OperatorBackend(name string) (device.Backend, error) {
	i := p.opIndex(name)
	if i < 0 {
		return 0, errors.WithMessagef(ErrNotFound, "operator %q", name)
	}
	return p.operators[i].Backend(), nil
}

// input resolves an external input by name.
func (p *Pipeline) input(name string) (*inputState, error) {
	in, found := p.inputs[name]
	if !found {
		return nil, errors.WithMessagef(ErrUnknownInput, "%q", name)
	}
	return in, nil
}

// Destroy stops the workers, abandons queued work, releases every batch
// held by the engine back to the pool and invalidates all outstanding
// OutputBatch handles. It is idempotent; every other method fails with
// ErrPipelineDestroyed afterwards.
func (p *Pipeline) Destroy() {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	shares := p.shares
	p.shares = nil
	p.current = nil
	p.active = nil
	var staged []stagedFeed
	for _, in := range p.inputs {
		staged = append(staged, in.staged...)
		in.staged = nil
	}
	p.mu.Unlock()

	// Taking execMu waits out any Prefetch/Run that was already submitting;
	// new ones fail on the destroyed flag before dispatching.
	p.execMu.Lock()
	if p.cpuCh != nil {
		close(p.cpuCh)
	}
	p.workers.Wait()
	p.execMu.Unlock()
	for {
		slot := p.ready.tryPop()
		if slot == nil {
			break
		}
		slot.freeAll()
	}
	for _, share := range shares {
		share.invalidate()
	}
	for _, feed := range staged {
		feed.batch.Free()
	}
	p.stream.Destroy()
	klog.V(1).Infof("pipeline %s destroyed", p.id)
}

// checkAlive must be called with p.mu held.
func (p *Pipeline) checkAlive() error {
	if p.destroyed {
		return errors.WithMessagef(ErrPipelineDestroyed, "pipeline %s", p.id)
	}
	return nil
}
