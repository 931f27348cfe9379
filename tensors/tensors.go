// Package tensors implements TensorList, the batch container moved through
// the engine: a list of samples with per-sample shapes, one element type,
// and contiguous storage on the host or on an accelerator device.
package tensors

import (
	"fmt"
	"slices"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/gomlx/batchflow/device"
	"github.com/gomlx/batchflow/dtypes"
	"github.com/gomlx/batchflow/memory"
)

// TensorList is a batch of tensors ("samples") sharing one dtype and
// dimensionality, stored contiguously sample after sample.
type TensorList struct {
	dtype  dtypes.DType
	shapes [][]int64
	layout string

	buf     *memory.Buffer
	foreign []byte // set instead of buf for zero-copy views of caller memory
	offsets []int64
	total   int64
}

// NumElementsOf returns the number of elements of one sample shape.
// Scalars (empty shape) hold one element.
func NumElementsOf(shape []int64) int64 {
	n := int64(1)
	for _, dim := range shape {
		n *= dim
	}
	return n
}

func checkShapes(dtype dtypes.DType, shapes [][]int64) error {
	if !dtype.IsValid() {
		return errors.Errorf("invalid dtype %s", dtype)
	}
	if len(shapes) == 0 {
		return errors.New("a TensorList needs at least one sample shape")
	}
	sampleDim := len(shapes[0])
	for k, shape := range shapes {
		if len(shape) != sampleDim {
			return errors.Errorf("sample %d has dimensionality %d, want %d", k, len(shape), sampleDim)
		}
		for _, dim := range shape {
			if dim < 0 {
				return errors.Errorf("sample %d has negative dimension in shape %v", k, shape)
			}
		}
	}
	return nil
}

func layoutOffsets(dtype dtypes.DType, shapes [][]int64) (offsets []int64, total int64) {
	offsets = make([]int64, len(shapes))
	for k, shape := range shapes {
		offsets[k] = total
		total += dtype.SizeForDimensions(shape...)
	}
	return
}

// New allocates a TensorList in the given space, drawing device and pinned
// memory from the pool. The storage is zero-initialized.
func New(pool *memory.Pool, space memory.Space, dtype dtypes.DType, shapes [][]int64, layout string) (*TensorList, error) {
	if err := checkShapes(dtype, shapes); err != nil {
		return nil, err
	}
	offsets, total := layoutOffsets(dtype, shapes)
	var buf *memory.Buffer
	var err error
	switch {
	case space.Device == device.GPU:
		buf, err = pool.AllocDevice(int(total), space.DeviceNum)
	case space.Pinned:
		buf, err = pool.AllocPinned(int(total))
	default:
		buf = pool.AllocHost(int(total))
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "allocating TensorList of %d bytes on %s", total, space)
	}
	return &TensorList{
		dtype:   dtype,
		shapes:  deepCopyShapes(shapes),
		layout:  layout,
		buf:     buf,
		offsets: offsets,
		total:   total,
	}, nil
}

// FromHostBytes wraps caller-owned host memory as a TensorList without
// copying. The caller must keep data alive and unchanged while the view is
// in use.
func FromHostBytes(data []byte, dtype dtypes.DType, shapes [][]int64, layout string) (*TensorList, error) {
	if err := checkShapes(dtype, shapes); err != nil {
		return nil, err
	}
	offsets, total := layoutOffsets(dtype, shapes)
	if int64(len(data)) < total {
		return nil, errors.Errorf("host data holds %d bytes, shapes require %d", len(data), total)
	}
	return &TensorList{
		dtype:   dtype,
		shapes:  deepCopyShapes(shapes),
		layout:  layout,
		foreign: data[:total],
		offsets: offsets,
		total:   total,
	}, nil
}

func deepCopyShapes(shapes [][]int64) [][]int64 {
	out := make([][]int64, len(shapes))
	for k, shape := range shapes {
		out[k] = slices.Clone(shape)
	}
	return out
}

// DType returns the element type.
func (t *TensorList) DType() dtypes.DType { return t.dtype }

// Layout returns the layout string ("NHWC", ...), possibly empty.
func (t *TensorList) Layout() string { return t.layout }

// Space returns where the storage lives. Zero-copy views report plain host.
func (t *TensorList) Space() memory.Space {
	if t.buf != nil {
		return t.buf.Space()
	}
	return memory.Space{}
}

// IsZeroCopy reports whether the list references caller-owned memory.
func (t *TensorList) IsZeroCopy() bool { return t.foreign != nil }

// NumSamples returns the number of tensors in the list.
func (t *TensorList) NumSamples() int { return len(t.shapes) }

// SampleDim returns the dimensionality of each sample.
func (t *TensorList) SampleDim() int { return len(t.shapes[0]) }

// Shape returns the shape of sample k. The returned slice is owned by the
// list; don't change it.
func (t *TensorList) Shape(k int) ([]int64, error) {
	if k < 0 || k >= len(t.shapes) {
		return nil, errors.Errorf("sample index %d out of range, list has %d samples", k, len(t.shapes))
	}
	return t.shapes[k], nil
}

// Shapes returns all per-sample shapes, owned by the list.
func (t *TensorList) Shapes() [][]int64 { return t.shapes }

// UniformShape returns the common sample shape and true if every sample has
// the same shape, otherwise (nil, false).
func (t *TensorList) UniformShape() ([]int64, bool) {
	first := t.shapes[0]
	for _, shape := range t.shapes[1:] {
		if !slices.Equal(first, shape) {
			return nil, false
		}
	}
	return first, true
}

// NumElements returns the total number of elements across all samples.
func (t *TensorList) NumElements() int64 {
	var n int64
	for _, shape := range t.shapes {
		n += NumElementsOf(shape)
	}
	return n
}

// SizeBytes returns the total storage size in bytes.
func (t *TensorList) SizeBytes() int64 { return t.total }

// MaxSampleDim returns the largest dimensionality across samples. All
// samples share one dimensionality, so this equals SampleDim; kept as a
// separate query for the diagnostics surface.
func (t *TensorList) MaxSampleDim() int { return t.SampleDim() }

// Bytes returns the whole contiguous storage.
func (t *TensorList) Bytes() []byte {
	if t.foreign != nil {
		return t.foreign
	}
	return t.buf.Bytes()
}

// SampleBytes returns the storage of sample k.
func (t *TensorList) SampleBytes(k int) ([]byte, error) {
	if k < 0 || k >= len(t.shapes) {
		return nil, errors.Errorf("sample index %d out of range, list has %d samples", k, len(t.shapes))
	}
	start := t.offsets[k]
	end := start + t.dtype.SizeForDimensions(t.shapes[k]...)
	return t.Bytes()[start:end:end], nil
}

// Free returns pooled storage to the memory pool. Zero-copy views and plain
// host storage become invalid but nothing is returned to a pool.
func (t *TensorList) Free() {
	if t == nil {
		return
	}
	if t.buf != nil {
		t.buf.Free()
		t.buf = nil
	}
	t.foreign = nil
}

// String implements fmt.Stringer.
func (t *TensorList) String() string {
	if shape, uniform := t.UniformShape(); uniform {
		return fmt.Sprintf("TensorList<%s>[%d x %v on %s]", t.dtype, t.NumSamples(), shape, t.Space())
	}
	return fmt.Sprintf("TensorList<%s>[%d samples, ragged, on %s]", t.dtype, t.NumSamples(), t.Space())
}

// FlatData reinterprets the list's storage as a flat slice of T. It panics
// if T doesn't match the list's dtype. Only meaningful for host-resident
// lists; kernels running on the emulated device use it as well, since device
// memory is process memory here.
func FlatData[T dtypes.Supported](t *TensorList) []T {
	want := dtypes.FromGenericsType[T]()
	if want != t.dtype {
		panic(fmt.Sprintf("FlatData[%s] on a TensorList of dtype %s", want, t.dtype))
	}
	data := t.Bytes()
	if len(data) == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), len(data)/t.dtype.Size())
}
