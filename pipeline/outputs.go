package pipeline

import (
	"github.com/pkg/errors"

	"github.com/gomlx/batchflow/device"
	"github.com/gomlx/batchflow/dtypes"
	"github.com/gomlx/batchflow/tensors"
)

// OutputBatch is a handle on one completed batch: the pipeline outputs of
// one advance, in declaration order. The underlying buffers stay valid until
// the handle is released (see Output, ShareOutput and OutputRelease); after
// that every query fails with ErrNoActiveOutput.
type OutputBatch struct {
	p    *Pipeline
	slot *batchSlot

	// valid is guarded by p.mu.
	valid bool
}

// fetch pops the next completed batch in FIFO order. Called without p.mu.
func (p *Pipeline) fetch() (*batchSlot, error) {
	p.mu.Lock()
	if err := p.checkAlive(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if p.scheduled == p.consumed {
		p.mu.Unlock()
		return nil, errors.WithMessagef(ErrNoActiveOutput, "no batch scheduled")
	}
	p.consumed++
	p.mu.Unlock()

	slot := p.ready.pop()

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		slot.freeAll()
		return nil, errors.WithMessagef(ErrPipelineDestroyed, "pipeline %s", p.id)
	}
	p.mu.Unlock()
	return slot, nil
}

// Output fetches the next batch and releases the one the previous Output
// returned. The returned handle stays valid until the next Output call (or
// OutputRelease, or Destroy). A deferred operator error of the fetched batch
// is returned here; the previous batch is released either way and later
// batches are unaffected.
func (p *Pipeline) Output() (*OutputBatch, error) {
	slot, err := p.fetch()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	var prevSlot *batchSlot
	if p.current != nil {
		prevSlot = p.current.releaseLocked()
	}
	if slot.err != nil {
		p.mu.Unlock()
		if prevSlot != nil {
			prevSlot.freeAll()
		}
		slot.freeAll()
		return nil, slot.err
	}
	batch := &OutputBatch{p: p, slot: slot, valid: true}
	p.shares = append(p.shares, batch)
	p.current = batch
	p.active = batch
	p.mu.Unlock()

	if prevSlot != nil {
		prevSlot.freeAll()
	}
	return batch, nil
}

// ShareOutput fetches the next batch without releasing anything: the caller
// owns the handle until OutputRelease (or Destroy). Multiple shares may be
// outstanding at once.
func (p *Pipeline) ShareOutput() (*OutputBatch, error) {
	slot, err := p.fetch()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if slot.err != nil {
		p.mu.Unlock()
		slot.freeAll()
		return nil, slot.err
	}
	batch := &OutputBatch{p: p, slot: slot, valid: true}
	p.shares = append(p.shares, batch)
	p.active = batch
	p.mu.Unlock()
	return batch, nil
}

// OutputRelease releases every outstanding batch handle, returning their
// buffers to the pool.
func (p *Pipeline) OutputRelease() error {
	p.mu.Lock()
	if err := p.checkAlive(); err != nil {
		p.mu.Unlock()
		return err
	}
	var slots []*batchSlot
	for _, share := range p.shares {
		if slot := share.releaseLocked(); slot != nil {
			slots = append(slots, slot)
		}
	}
	p.shares = nil
	p.mu.Unlock()

	for _, slot := range slots {
		slot.freeAll()
	}
	return nil
}

// releaseLocked detaches the handle from the pipeline and returns its slot
// for freeing, or nil if already released. Called with p.mu held; the
// caller frees the slot after unlocking.
func (b *OutputBatch) releaseLocked() *batchSlot {
	if !b.valid {
		return nil
	}
	b.valid = false
	p := b.p
	for k, share := range p.shares {
		if share == b {
			p.shares = append(p.shares[:k], p.shares[k+1:]...)
			break
		}
	}
	if p.active == b {
		p.active = nil
	}
	if p.current == b {
		p.current = nil
	}
	slot := b.slot
	b.slot = nil
	return slot
}

// invalidate releases the handle outside an Output call (used by Destroy).
func (b *OutputBatch) invalidate() {
	b.p.mu.Lock()
	slot := b.releaseLocked()
	b.p.mu.Unlock()
	if slot != nil {
		slot.freeAll()
	}
}

// tensor resolves output i, failing on released handles and bad indices.
func (b *OutputBatch) tensor(i int) (*tensors.TensorList, error) {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	if !b.valid {
		return nil, errors.WithMessagef(ErrNoActiveOutput, "batch handle already released")
	}
	if i < 0 || i >= len(b.slot.outputs) {
		return nil, errors.Errorf("output index %d out of range, pipeline has %d outputs", i, len(b.slot.outputs))
	}
	return b.slot.outputs[i], nil
}

// Tensor returns output i as a TensorList. The list is owned by the batch
// and becomes invalid when the handle is released.
func (b *OutputBatch) Tensor(i int) (*tensors.TensorList, error) {
	return b.tensor(i)
}

// NumTensors returns the number of samples in output i.
func (b *OutputBatch) NumTensors(i int) (int, error) {
	out, err := b.tensor(i)
	if err != nil {
		return 0, err
	}
	return out.NumSamples(), nil
}

// HasUniformShape reports whether every sample of output i has the same
// shape.
func (b *OutputBatch) HasUniformShape(i int) (bool, error) {
	out, err := b.tensor(i)
	if err != nil {
		return false, err
	}
	_, uniform := out.UniformShape()
	return uniform, nil
}

// ShapeAt returns the common sample shape of output i; it fails on ragged
// outputs, use ShapeAtSample for those.
func (b *OutputBatch) ShapeAt(i int) ([]int64, error) {
	out, err := b.tensor(i)
	if err != nil {
		return nil, err
	}
	shape, uniform := out.UniformShape()
	if !uniform {
		return nil, errors.Errorf("output %d has ragged samples, no single shape", i)
	}
	return shape, nil
}

// ShapeAtSample returns the shape of sample k of output i.
func (b *OutputBatch) ShapeAtSample(i, k int) ([]int64, error) {
	out, err := b.tensor(i)
	if err != nil {
		return nil, err
	}
	return out.Shape(k)
}

// DTypeAt returns the element type of output i.
func (b *OutputBatch) DTypeAt(i int) (dtypes.DType, error) {
	out, err := b.tensor(i)
	if err != nil {
		return dtypes.InvalidDType, err
	}
	return out.DType(), nil
}

// NumElements returns the total element count of output i across samples.
func (b *OutputBatch) NumElements(i int) (int64, error) {
	out, err := b.tensor(i)
	if err != nil {
		return 0, err
	}
	return out.NumElements(), nil
}

// TensorSize returns the total storage size of output i in bytes.
func (b *OutputBatch) TensorSize(i int) (int64, error) {
	out, err := b.tensor(i)
	if err != nil {
		return 0, err
	}
	return out.SizeBytes(), nil
}

// MaxDimTensors returns the largest sample dimensionality of output i.
func (b *OutputBatch) MaxDimTensors(i int) (int, error) {
	out, err := b.tensor(i)
	if err != nil {
		return 0, err
	}
	return out.MaxSampleDim(), nil
}

// Copy copies output i contiguously into dst. The destination device is
// advisory in the emulated runtime; what matters is the stream: with a
// stream and no ForceSync flag the copy is enqueued and the caller
// synchronizes the stream before reading dst, otherwise the copy completes
// before Copy returns.
func (b *OutputBatch) Copy(dst []byte, i int, _ device.Type, stream *device.Stream, flags FeedFlags) error {
	out, err := b.tensor(i)
	if err != nil {
		return err
	}
	if stream != nil && !flags.ForceSync {
		stream.Enqueue(func() error { return out.CopyToBytes(dst) })
		return nil
	}
	return out.CopyToBytes(dst)
}

// CopySamples copies each sample of output i into its destination buffer; a
// nil destination skips that sample. Stream handling matches Copy.
func (b *OutputBatch) CopySamples(dsts [][]byte, i int, _ device.Type, stream *device.Stream, flags FeedFlags) error {
	out, err := b.tensor(i)
	if err != nil {
		return err
	}
	if stream != nil && !flags.ForceSync {
		stream.Enqueue(func() error { return out.CopyToSamples(dsts) })
		return nil
	}
	return out.CopyToSamples(dsts)
}

// OutputCopy copies output i of the most recent Output/ShareOutput batch.
func (p *Pipeline) OutputCopy(dst []byte, i int, dstDevice device.Type, stream *device.Stream, flags FeedFlags) error {
	batch, err := p.activeBatch()
	if err != nil {
		return err
	}
	return batch.Copy(dst, i, dstDevice, stream, flags)
}

// OutputCopySamples copies output i of the most recent Output/ShareOutput
// batch into per-sample buffers, skipping nil destinations.
func (p *Pipeline) OutputCopySamples(dsts [][]byte, i int, dstDevice device.Type, stream *device.Stream, flags FeedFlags) error {
	batch, err := p.activeBatch()
	if err != nil {
		return err
	}
	return batch.CopySamples(dsts, i, dstDevice, stream, flags)
}

func (p *Pipeline) activeBatch() (*OutputBatch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkAlive(); err != nil {
		return nil, err
	}
	if p.active == nil {
		return nil, errors.WithMessagef(ErrNoActiveOutput, "call Output or ShareOutput first")
	}
	return p.active, nil
}
