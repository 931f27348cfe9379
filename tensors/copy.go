package tensors

import (
	"github.com/pkg/errors"

	"github.com/gomlx/batchflow/device"
	"github.com/gomlx/batchflow/memory"
)

// CopyFrom fills the list's storage from one contiguous source buffer.
func (t *TensorList) CopyFrom(src []byte) error {
	if int64(len(src)) != t.total {
		return errors.Errorf("CopyFrom: source holds %d bytes, list requires %d", len(src), t.total)
	}
	copy(t.Bytes(), src)
	return nil
}

// CopyFromSamples fills the list's storage from per-sample source buffers.
func (t *TensorList) CopyFromSamples(srcs [][]byte) error {
	if len(srcs) != t.NumSamples() {
		return errors.Errorf("CopyFromSamples: %d source buffers for %d samples", len(srcs), t.NumSamples())
	}
	for k, src := range srcs {
		dst, err := t.SampleBytes(k)
		if err != nil {
			return err
		}
		if len(src) != len(dst) {
			return errors.Errorf("CopyFromSamples: sample %d holds %d bytes, want %d", k, len(src), len(dst))
		}
		copy(dst, src)
	}
	return nil
}

// CopyToBytes copies the whole contiguous storage into dst.
func (t *TensorList) CopyToBytes(dst []byte) error {
	if int64(len(dst)) < t.total {
		return errors.Errorf("CopyToBytes: destination holds %d bytes, list has %d", len(dst), t.total)
	}
	copy(dst, t.Bytes())
	return nil
}

// CopyToSamples copies each sample into its destination buffer. A nil
// destination skips that sample.
func (t *TensorList) CopyToSamples(dsts [][]byte) error {
	if len(dsts) != t.NumSamples() {
		return errors.Errorf("CopyToSamples: %d destination buffers for %d samples", len(dsts), t.NumSamples())
	}
	for k, dst := range dsts {
		if dst == nil {
			continue
		}
		src, err := t.SampleBytes(k)
		if err != nil {
			return err
		}
		if len(dst) < len(src) {
			return errors.Errorf("CopyToSamples: destination for sample %d holds %d bytes, want %d", k, len(dst), len(src))
		}
		copy(dst, src)
	}
	return nil
}

// CopyToSpace clones the list into the given space. If stream is non-nil
// the data movement is enqueued on it and the returned event completes when
// the copy is done; the destination list must not be read before then. With
// a nil stream the copy is synchronous and the returned event is nil.
func (t *TensorList) CopyToSpace(pool *memory.Pool, space memory.Space, stream *device.Stream) (*TensorList, *device.Event, error) {
	dst, err := New(pool, space, t.dtype, t.shapes, t.layout)
	if err != nil {
		return nil, nil, err
	}
	doCopy := func() error {
		copy(dst.Bytes(), t.Bytes())
		return nil
	}
	if stream == nil {
		_ = doCopy()
		return dst, nil, nil
	}
	return dst, stream.Enqueue(doCopy), nil
}
