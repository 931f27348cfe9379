package ops

import (
	"unsafe"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/gomlx/batchflow/dtypes"
	"github.com/gomlx/batchflow/graphdef"
	"github.com/gomlx/batchflow/tensors"
)

// Scale computes y = x*factor + offset element-wise over Float32 batches.
// Kind "scale"; args: "factor" (float, default 1) and "offset" (float,
// default 0).
type Scale struct {
	base
	factor float32
	offset float32
}

func newScale(spec *graphdef.OpSpec, _ uint64) (Operator, error) {
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	factor, err := spec.Args.GetFloat("factor", 1)
	if err != nil {
		return nil, err
	}
	offset, err := spec.Args.GetFloat("offset", 0)
	if err != nil {
		return nil, err
	}
	return &Scale{base: b, factor: float32(factor), offset: float32(offset)}, nil
}

func init() {
	Register("scale", newScale)
	Register("normalize", newNormalize)
}

func (op *Scale) Run(ctx *Context, inputs []*tensors.TensorList) ([]*tensors.TensorList, error) {
	if err := wantInputs(op.name, inputs, 1); err != nil {
		return nil, err
	}
	in := inputs[0]
	if in.DType() != dtypes.Float32 {
		return nil, errors.Errorf("operator %q only handles Float32, got %s", op.name, in.DType())
	}
	out, err := tensors.New(ctx.Pool, ctx.OutputSpace(op.backend), in.DType(), in.Shapes(), in.Layout())
	if err != nil {
		return nil, err
	}
	src := tensors.FlatData[float32](in)
	dst := tensors.FlatData[float32](out)
	for i, x := range src {
		dst[i] = x*op.factor + op.offset
	}
	return []*tensors.TensorList{out}, nil
}

// Normalize shifts and scales each sample of a Float32 batch to zero mean
// and unit variance. Kind "normalize"; args: "epsilon" (float, default
// 1e-6), added to the variance before the square root.
type Normalize struct {
	base
	epsilon float32
}

func newNormalize(spec *graphdef.OpSpec, _ uint64) (Operator, error) {
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	epsilon, err := spec.Args.GetFloat("epsilon", 1e-6)
	if err != nil {
		return nil, err
	}
	return &Normalize{base: b, epsilon: float32(epsilon)}, nil
}

func (op *Normalize) Run(ctx *Context, inputs []*tensors.TensorList) ([]*tensors.TensorList, error) {
	if err := wantInputs(op.name, inputs, 1); err != nil {
		return nil, err
	}
	in := inputs[0]
	if in.DType() != dtypes.Float32 {
		return nil, errors.Errorf("operator %q only handles Float32, got %s", op.name, in.DType())
	}
	out, err := tensors.New(ctx.Pool, ctx.OutputSpace(op.backend), in.DType(), in.Shapes(), in.Layout())
	if err != nil {
		return nil, err
	}
	for k := 0; k < in.NumSamples(); k++ {
		srcBytes, err := in.SampleBytes(k)
		if err != nil {
			return nil, err
		}
		dstBytes, err := out.SampleBytes(k)
		if err != nil {
			return nil, err
		}
		normalizeSample(float32sOf(srcBytes), float32sOf(dstBytes), op.epsilon)
	}
	return []*tensors.TensorList{out}, nil
}

func float32sOf(data []byte) []float32 {
	if len(data) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), len(data)/4)
}

func normalizeSample(src, dst []float32, epsilon float32) {
	if len(src) == 0 {
		return
	}
	var mean float32
	for _, x := range src {
		mean += x
	}
	mean /= float32(len(src))
	var variance float32
	for _, x := range src {
		d := x - mean
		variance += d * d
	}
	variance /= float32(len(src))
	invStd := 1 / math32.Sqrt(variance+epsilon)
	for i, x := range src {
		dst[i] = (x - mean) * invStd
	}
}
