package pipeline

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/gomlx/batchflow/device"
	"github.com/gomlx/batchflow/dtypes"
	"github.com/gomlx/batchflow/graphdef"
	"github.com/gomlx/batchflow/memory"
	"github.com/gomlx/batchflow/ops"
	"github.com/gomlx/batchflow/tensors"
)

// FeedFlags adjust how a feed's data reaches the input operator.
type FeedFlags struct {
	// ForceSync completes the data movement before the feed call returns,
	// even when a stream is given.
	ForceSync bool

	// Pinned stages the copy in page-locked host memory.
	Pinned bool

	// UseCopyKernel is accepted and ignored: the emulated device has a
	// single copy path.
	UseCopyKernel bool

	// ForceCopy always copies, overriding the input's no_copy declaration.
	ForceCopy bool

	// ForceNoCopy makes the staged batch reference the caller's memory
	// directly, overriding the input's declaration. The caller must keep the
	// memory alive and unchanged until the batch is consumed. Only host
	// feeds to CPU inputs qualify; ForceCopy wins if both are set.
	ForceNoCopy bool
}

// stagedFeed is one fed sub-batch waiting to be consumed by an advance.
type stagedFeed struct {
	batch  *tensors.TensorList
	dataID string
	ready  *device.Event // non-nil for asynchronous feeds still copying
}

// inputState is the feed bookkeeping of one external input.
type inputState struct {
	op        ops.ExternalInput
	spec      *graphdef.OpSpec
	batchSize int
	nextID    string
	staged    []stagedFeed
}

// SetExternalInputBatchSize sets the number of samples every following feed
// of the named input must carry. It must be positive and at most the
// pipeline's maximum batch size; the default is the maximum batch size.
func (p *Pipeline) SetExternalInputBatchSize(name string, batchSize int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkAlive(); err != nil {
		return err
	}
	in, err := p.input(name)
	if err != nil {
		return err
	}
	if batchSize <= 0 || batchSize > p.config.MaxBatchSize {
		return errors.WithMessagef(ErrInvalidBatchSize,
			"input %q: batch size %d not in [1, %d]", name, batchSize, p.config.MaxBatchSize)
	}
	in.batchSize = batchSize
	return nil
}

// SetExternalInputDataID attaches an identity token to the next feed of the
// named input. The token travels with the batch and is published as the
// input's "next_output_data_id" trace when that batch is produced.
func (p *Pipeline) SetExternalInputDataID(name string, dataID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkAlive(); err != nil {
		return err
	}
	in, err := p.input(name)
	if err != nil {
		return err
	}
	in.nextID = dataID
	return nil
}

// InputFeedCount returns how many feed calls the named input requires: one
// advance consumes the operator's per-run feed count, and before the first
// Prefetch the whole queue must be covered, so the count is multiplied by
// the queue depth.
func (p *Pipeline) InputFeedCount(name string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkAlive(); err != nil {
		return 0, err
	}
	in, err := p.input(name)
	if err != nil {
		return 0, err
	}
	count := in.op.FeedCount()
	if !p.prefetched {
		count *= p.config.TotalDepth()
	}
	return count, nil
}

// SetExternalInput feeds one contiguous batch to the named input: data holds
// the samples back to back, shapes gives one shape per sample. The copy (or
// zero-copy reference, see FeedFlags) completes before the call returns.
func (p *Pipeline) SetExternalInput(name string, data []byte, dtype dtypes.DType, shapes [][]int64, layout string, flags FeedFlags) error {
	return p.feedContiguous(name, data, dtype, shapes, layout, nil, flags)
}

// SetExternalInputAsync is SetExternalInput with the data movement enqueued
// on the given stream; the engine awaits it before the batch is consumed.
func (p *Pipeline) SetExternalInputAsync(name string, data []byte, dtype dtypes.DType, shapes [][]int64, layout string, stream *device.Stream, flags FeedFlags) error {
	if stream == nil {
		return errors.New("SetExternalInputAsync requires a stream")
	}
	return p.feedContiguous(name, data, dtype, shapes, layout, stream, flags)
}

// SetExternalInputSamples feeds one batch given as separate per-sample
// buffers. Scattered samples are always copied into contiguous storage; the
// copy runs across the pipeline's worker threads for large batches.
func (p *Pipeline) SetExternalInputSamples(name string, samples [][]byte, dtype dtypes.DType, shapes [][]int64, layout string, flags FeedFlags) error {
	return p.feedSamples(name, samples, dtype, shapes, layout, nil, flags)
}

// SetExternalInputSamplesAsync is SetExternalInputSamples with the copy
// enqueued on the given stream.
func (p *Pipeline) SetExternalInputSamplesAsync(name string, samples [][]byte, dtype dtypes.DType, shapes [][]int64, layout string, stream *device.Stream, flags FeedFlags) error {
	if stream == nil {
		return errors.New("SetExternalInputSamplesAsync requires a stream")
	}
	return p.feedSamples(name, samples, dtype, shapes, layout, stream, flags)
}

// checkFeed validates a feed against the input's batch size and declared
// metadata. Called with p.mu held.
func (p *Pipeline) checkFeed(in *inputState, dtype dtypes.DType, shapes [][]int64) error {
	name := in.spec.Name
	if len(shapes) != in.batchSize {
		return errors.WithMessagef(ErrInvalidBatchSize,
			"input %q fed %d samples, batch size is %d", name, len(shapes), in.batchSize)
	}
	if declared := in.op.DeclaredDType(); declared != dtypes.InvalidDType && declared != dtype {
		return errors.Errorf("input %q declares dtype %s, fed %s", name, declared, dtype)
	}
	if ndim := in.op.DeclaredNdim(); ndim > 0 && len(shapes[0]) != ndim {
		return errors.Errorf("input %q declares %d dimensions, fed %d", name, ndim, len(shapes[0]))
	}
	return nil
}

// stagingSpace picks where a copied feed lands.
func (p *Pipeline) stagingSpace(in *inputState, flags FeedFlags) memory.Space {
	if in.op.Backend().Device() == device.GPU {
		return memory.Space{Device: device.GPU, DeviceNum: p.config.DeviceNum}
	}
	return memory.Space{Pinned: flags.Pinned}
}

func (p *Pipeline) feedContiguous(name string, data []byte, dtype dtypes.DType, shapes [][]int64, layout string, stream *device.Stream, flags FeedFlags) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkAlive(); err != nil {
		return err
	}
	in, err := p.input(name)
	if err != nil {
		return err
	}
	if err = p.checkFeed(in, dtype, shapes); err != nil {
		return err
	}

	toDevice := in.op.Backend().Device() == device.GPU
	zeroCopy := !toDevice && !flags.ForceCopy && (flags.ForceNoCopy || in.op.NoCopy())
	var batch *tensors.TensorList
	var ready *device.Event
	if zeroCopy {
		batch, err = tensors.FromHostBytes(data, dtype, shapes, layout)
		if err != nil {
			return errors.WithMessagef(err, "feeding input %q", name)
		}
	} else {
		batch, err = tensors.New(p.pool, p.stagingSpace(in, flags), dtype, shapes, layout)
		if err != nil {
			return errors.WithMessagef(err, "feeding input %q", name)
		}
		if int64(len(data)) < batch.SizeBytes() {
			batch.Free()
			return errors.Errorf("input %q: fed %d bytes, shapes require %d", name, len(data), batch.SizeBytes())
		}
		src := data[:batch.SizeBytes()]
		if stream != nil && !flags.ForceSync {
			ready = stream.Enqueue(func() error { return batch.CopyFrom(src) })
		} else if err = batch.CopyFrom(src); err != nil {
			batch.Free()
			return errors.WithMessagef(err, "feeding input %q", name)
		}
	}
	in.staged = append(in.staged, stagedFeed{batch: batch, dataID: in.nextID, ready: ready})
	in.nextID = ""
	p.started = true
	return nil
}

func (p *Pipeline) feedSamples(name string, samples [][]byte, dtype dtypes.DType, shapes [][]int64, layout string, stream *device.Stream, flags FeedFlags) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkAlive(); err != nil {
		return err
	}
	in, err := p.input(name)
	if err != nil {
		return err
	}
	if err = p.checkFeed(in, dtype, shapes); err != nil {
		return err
	}
	if len(samples) != len(shapes) {
		return errors.Errorf("input %q: %d sample buffers for %d shapes", name, len(samples), len(shapes))
	}

	batch, err := tensors.New(p.pool, p.stagingSpace(in, flags), dtype, shapes, layout)
	if err != nil {
		return errors.WithMessagef(err, "feeding input %q", name)
	}
	copySamples := func() error { return copySamplesParallel(batch, samples, p.config.NumThreads) }
	var ready *device.Event
	if stream != nil && !flags.ForceSync {
		ready = stream.Enqueue(copySamples)
	} else if err = copySamples(); err != nil {
		batch.Free()
		return errors.WithMessagef(err, "feeding input %q", name)
	}
	in.staged = append(in.staged, stagedFeed{batch: batch, dataID: in.nextID, ready: ready})
	in.nextID = ""
	p.started = true
	return nil
}

// copySamplesParallel scatters per-sample buffers into the batch's
// contiguous storage, fanning the samples out over the worker count.
func copySamplesParallel(dst *tensors.TensorList, samples [][]byte, workers int) error {
	n := len(samples)
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		return dst.CopyFromSamples(samples)
	}
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := w; k < n; k += workers {
				target, err := dst.SampleBytes(k)
				if err != nil {
					errs[w] = err
					return
				}
				if len(samples[k]) != len(target) {
					errs[w] = errors.Errorf("sample %d holds %d bytes, want %d", k, len(samples[k]), len(target))
					return
				}
				copy(target, samples[k])
			}
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
