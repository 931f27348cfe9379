package pipeline

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/batchflow/device"
	"github.com/gomlx/batchflow/ops"
	"github.com/gomlx/batchflow/tensors"
)

// batchSlot carries one batch through the stages: the staged external feeds
// it consumes, the value produced by each operator, the assembled outputs
// and the per-operator traces. A slot is handled by one stage at a time;
// hand-off between stages happens over channels, so no locking is needed on
// its fields.
type batchSlot struct {
	seq    int64
	feeds  map[string]stagedAdvance
	values map[string]*tensors.TensorList
	traces map[string]map[string]string // operator -> trace name -> value

	outputs []*tensors.TensorList
	err     error
	done    chan struct{}
}

// stagedAdvance is the feed set one advance hands to one external input.
type stagedAdvance struct {
	batches []*tensors.TensorList
	dataID  string
	ready   []*device.Event // pending asynchronous feed copies
}

func newBatchSlot(seq int64) *batchSlot {
	return &batchSlot{
		seq:    seq,
		feeds:  make(map[string]stagedAdvance),
		values: make(map[string]*tensors.TensorList),
		traces: make(map[string]map[string]string),
		done:   make(chan struct{}),
	}
}

func (slot *batchSlot) setTrace(op, name, value string) {
	traces := slot.traces[op]
	if traces == nil {
		traces = make(map[string]string)
		slot.traces[op] = traces
	}
	traces[name] = value
}

// freeAll returns every buffer the slot still references to the pool.
// Outputs alias entries of values, so freeing values covers them.
func (slot *batchSlot) freeAll() {
	for _, value := range slot.values {
		value.Free()
	}
	slot.values = nil
	slot.outputs = nil
	for _, feed := range slot.feeds {
		for _, batch := range feed.batches {
			batch.Free()
		}
	}
	slot.feeds = nil
}

// fail records the first error of the slot; later stages skip their work.
func (slot *batchSlot) fail(err error) {
	if slot.err == nil {
		slot.err = err
	}
}

// readyQueue is the unbounded FIFO of completed slots awaiting Output. A
// plain queue (instead of a bounded channel) keeps the stage workers from
// ever blocking on completed batches.
type readyQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	slots []*batchSlot
}

func newReadyQueue() *readyQueue {
	q := &readyQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *readyQueue) push(slot *batchSlot) {
	q.mu.Lock()
	q.slots = append(q.slots, slot)
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks until a slot is available.
func (q *readyQueue) pop() *batchSlot {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.slots) == 0 {
		q.cond.Wait()
	}
	slot := q.slots[0]
	q.slots = q.slots[1:]
	return slot
}

// tryPop returns the next slot or nil without blocking.
func (q *readyQueue) tryPop() *batchSlot {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.slots) == 0 {
		return nil
	}
	slot := q.slots[0]
	q.slots = q.slots[1:]
	return slot
}

func (p *Pipeline) cpuWorker() {
	defer p.workers.Done()
	defer close(p.gpuCh)
	for slot := range p.cpuCh {
		p.runStage(slot, p.cpuStage, nil)
		p.gpuCh <- slot
	}
}

func (p *Pipeline) gpuWorker() {
	defer p.workers.Done()
	for slot := range p.gpuCh {
		p.runStage(slot, p.gpuStage, p.stream)
		p.finish(slot)
	}
}

// runStage executes the given operators, in topological order, against the
// slot. A failed slot passes through untouched: its error already tells the
// whole story and order must be preserved.
func (p *Pipeline) runStage(slot *batchSlot, stage []int, stream *device.Stream) {
	if slot.err != nil {
		return
	}
	for _, i := range stage {
		spec := &p.def.Ops[i]
		op := p.operators[i]
		ctx := &ops.Context{
			Pool:      p.pool,
			DeviceNum: p.config.DeviceNum,
			Stream:    stream,
			BatchSize: p.config.MaxBatchSize,
			SetTrace: func(name, value string) {
				slot.setTrace(spec.Name, name, value)
			},
		}
		if ext, ok := op.(ops.ExternalInput); ok {
			feed := slot.feeds[spec.Name]
			for _, event := range feed.ready {
				if err := event.Await(); err != nil {
					slot.fail(errors.WithMessagef(err, "asynchronous feed of %q", spec.Name))
					return
				}
			}
			ext.Stage(feed.batches, feed.dataID)
		}
		inputs := make([]*tensors.TensorList, len(spec.Inputs))
		for k, inputName := range spec.Inputs {
			inputs[k] = slot.values[inputName]
		}
		outs, err := op.Run(ctx, inputs)
		if err != nil {
			slot.fail(errors.WithMessagef(err, "batch %d", slot.seq))
			return
		}
		if len(outs) != 1 {
			slot.fail(errors.Errorf("operator %q produced %d outputs, want 1", spec.Name, len(outs)))
			return
		}
		slot.values[spec.Name] = outs[0]
		if ext, ok := op.(ops.ExternalInput); ok && ext.FeedCount() > 1 {
			// The sub-batches were concatenated into a fresh list; the
			// staging copies can go back to the pool now.
			for _, batch := range slot.feeds[spec.Name].batches {
				if batch != outs[0] {
					batch.Free()
				}
			}
		}
		if p.stats != nil {
			stats := &p.stats[i]
			stats.runs.Add(1)
			bytes := outs[0].SizeBytes()
			for {
				old := stats.peakBytes.Load()
				if bytes <= old || stats.peakBytes.CompareAndSwap(old, bytes) {
					break
				}
			}
		}
	}
}

// finish assembles the declared outputs and publishes the slot.
func (p *Pipeline) finish(slot *batchSlot) {
	if slot.err == nil {
		slot.outputs = make([]*tensors.TensorList, len(p.def.Outputs))
		for k, out := range p.def.Outputs {
			slot.outputs[k] = slot.values[out.Op]
		}
	}
	close(slot.done)
	p.ready.push(slot)
	klog.V(2).Infof("pipeline %s: batch %d ready (err=%v)", p.id, slot.seq, slot.err)
}

// dispatch hands a slot to the stage workers, or executes it inline when the
// pipeline is not pipelined. The channel send blocks once both stage queues
// are full; that is the engine's backpressure.
func (p *Pipeline) dispatch(slot *batchSlot) {
	if p.cpuCh != nil {
		p.cpuCh <- slot
		return
	}
	p.runStage(slot, p.cpuStage, nil)
	p.runStage(slot, p.gpuStage, p.stream)
	p.finish(slot)
}

// takeAdvance pops one feed set per external input and allocates the next
// slot. Called with p.mu held. On error no feed is consumed.
func (p *Pipeline) takeAdvance() (*batchSlot, error) {
	for _, name := range p.inputNames {
		in := p.inputs[name]
		need := in.op.FeedCount()
		if len(in.staged) < need {
			return nil, errors.WithMessagef(ErrFeedCountViolation,
				"input %q has %d staged feeds, one advance consumes %d", name, len(in.staged), need)
		}
	}
	slot := newBatchSlot(p.scheduled)
	for _, name := range p.inputNames {
		in := p.inputs[name]
		need := in.op.FeedCount()
		advance := stagedAdvance{}
		for _, feed := range in.staged[:need] {
			advance.batches = append(advance.batches, feed.batch)
			if advance.dataID == "" {
				advance.dataID = feed.dataID
			}
			if feed.ready != nil {
				advance.ready = append(advance.ready, feed.ready)
			}
		}
		in.staged = in.staged[need:]
		slot.feeds[name] = advance
	}
	p.scheduled++
	p.started = true
	return slot, nil
}

// Prefetch fills the queues: it schedules one advance per device-side queue
// slot. Every external input must hold InputFeedCount staged feeds. Prefetch
// may only run once per pipeline lifetime (a checkpoint restore starts a new
// lifetime on a fresh instance); a second call reports
// ErrPrefetchAlreadyDone.
//
// Without the Async flag Prefetch blocks until the scheduled batches
// complete; operator failures still surface at Output, per batch.
func (p *Pipeline) Prefetch() error {
	p.execMu.Lock()
	defer p.execMu.Unlock()

	depth := p.config.TotalDepth()
	p.mu.Lock()
	if err := p.checkAlive(); err != nil {
		p.mu.Unlock()
		return err
	}
	if p.prefetched {
		p.mu.Unlock()
		return errors.WithMessagef(ErrPrefetchAlreadyDone, "pipeline %s", p.id)
	}
	for _, name := range p.inputNames {
		in := p.inputs[name]
		need := in.op.FeedCount() * depth
		if len(in.staged) < need {
			p.mu.Unlock()
			return errors.WithMessagef(ErrFeedCountViolation,
				"input %q has %d staged feeds, prefetch consumes %d", name, len(in.staged), need)
		}
	}
	slots := make([]*batchSlot, 0, depth)
	for i := 0; i < depth; i++ {
		slot, err := p.takeAdvance()
		if err != nil {
			// Unreachable after the credit check above.
			p.mu.Unlock()
			return err
		}
		slots = append(slots, slot)
	}
	p.prefetched = true
	p.mu.Unlock()

	for _, slot := range slots {
		p.dispatch(slot)
	}
	if !p.config.Flags.Async {
		for _, slot := range slots {
			<-slot.done
		}
	}
	klog.V(1).Infof("pipeline %s: prefetched %d batches", p.id, depth)
	return nil
}

// Run schedules one more advance, keeping the queues full in steady state.
// It requires a prior Prefetch. Without the Async flag it blocks until the
// batch completes; its result (or deferred error) is fetched with Output.
func (p *Pipeline) Run() error {
	p.execMu.Lock()
	defer p.execMu.Unlock()

	p.mu.Lock()
	if err := p.checkAlive(); err != nil {
		p.mu.Unlock()
		return err
	}
	if !p.prefetched {
		p.mu.Unlock()
		return errors.Errorf("pipeline %s: Run before Prefetch", p.id)
	}
	slot, err := p.takeAdvance()
	p.mu.Unlock()
	if err != nil {
		return err
	}

	p.dispatch(slot)
	if !p.config.Flags.Async {
		<-slot.done
	}
	return nil
}

// PrefetchUniform behaves like Prefetch after checking that depth matches
// the configured uniform queue depth.
//
// Deprecated: the queue depth is fixed at construction; use Prefetch.
func (p *Pipeline) PrefetchUniform(depth int) error {
	klog.V(1).Infof("pipeline %s: PrefetchUniform is deprecated, use Prefetch", p.id)
	if p.config.Flags.Separated {
		return errors.Errorf("PrefetchUniform on a pipeline with separated queues")
	}
	if depth != p.config.GPUQueueDepth {
		return errors.Errorf("PrefetchUniform depth %d does not match the configured depth %d",
			depth, p.config.GPUQueueDepth)
	}
	return p.Prefetch()
}

// PrefetchSeparate behaves like Prefetch after checking that the depths
// match the configured separated queue depths.
//
// Deprecated: the queue depths are fixed at construction; use Prefetch.
func (p *Pipeline) PrefetchSeparate(cpuDepth, gpuDepth int) error {
	klog.V(1).Infof("pipeline %s: PrefetchSeparate is deprecated, use Prefetch", p.id)
	if !p.config.Flags.Separated {
		return errors.Errorf("PrefetchSeparate on a pipeline without separated queues")
	}
	if cpuDepth != p.config.CPUQueueDepth || gpuDepth != p.config.GPUQueueDepth {
		return errors.Errorf("PrefetchSeparate depths (%d, %d) do not match the configured (%d, %d)",
			cpuDepth, gpuDepth, p.config.CPUQueueDepth, p.config.GPUQueueDepth)
	}
	return p.Prefetch()
}
