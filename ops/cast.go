package ops

import (
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gomlx/batchflow/dtypes"
	"github.com/gomlx/batchflow/graphdef"
	"github.com/gomlx/batchflow/tensors"
)

// Cast converts a batch between element types. Kind "cast"; args: "dtype"
// (string, required), the target element type. Supported conversions:
// Float32 <-> Float16, Float32 <-> Float64, Float32 <-> Int32.
type Cast struct {
	base
	target dtypes.DType
}

func newCast(spec *graphdef.OpSpec, _ uint64) (Operator, error) {
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	name, err := spec.Args.GetString("dtype", "")
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.Errorf("cast %q: missing required \"dtype\" argument", spec.Name)
	}
	target, err := dtypes.FromName(name)
	if err != nil {
		return nil, err
	}
	return &Cast{base: b, target: target}, nil
}

func init() {
	Register("cast", newCast)
}

func (op *Cast) Run(ctx *Context, inputs []*tensors.TensorList) ([]*tensors.TensorList, error) {
	if err := wantInputs(op.name, inputs, 1); err != nil {
		return nil, err
	}
	in := inputs[0]
	out, err := tensors.New(ctx.Pool, ctx.OutputSpace(op.backend), op.target, in.Shapes(), in.Layout())
	if err != nil {
		return nil, err
	}
	if err := convert(in, out); err != nil {
		out.Free()
		return nil, errors.WithMessagef(err, "operator %q", op.name)
	}
	return []*tensors.TensorList{out}, nil
}

func convert(in, out *tensors.TensorList) error {
	switch {
	case in.DType() == out.DType():
		copy(out.Bytes(), in.Bytes())
	case in.DType() == dtypes.Float32 && out.DType() == dtypes.Float16:
		src, dst := tensors.FlatData[float32](in), tensors.FlatData[float16.Float16](out)
		for i, x := range src {
			dst[i] = float16.Fromfloat32(x)
		}
	case in.DType() == dtypes.Float16 && out.DType() == dtypes.Float32:
		src, dst := tensors.FlatData[float16.Float16](in), tensors.FlatData[float32](out)
		for i, x := range src {
			dst[i] = x.Float32()
		}
	case in.DType() == dtypes.Float32 && out.DType() == dtypes.Float64:
		src, dst := tensors.FlatData[float32](in), tensors.FlatData[float64](out)
		for i, x := range src {
			dst[i] = float64(x)
		}
	case in.DType() == dtypes.Float64 && out.DType() == dtypes.Float32:
		src, dst := tensors.FlatData[float64](in), tensors.FlatData[float32](out)
		for i, x := range src {
			dst[i] = float32(x)
		}
	case in.DType() == dtypes.Float32 && out.DType() == dtypes.Int32:
		src, dst := tensors.FlatData[float32](in), tensors.FlatData[int32](out)
		for i, x := range src {
			dst[i] = int32(x)
		}
	case in.DType() == dtypes.Int32 && out.DType() == dtypes.Float32:
		src, dst := tensors.FlatData[int32](in), tensors.FlatData[float32](out)
		for i, x := range src {
			dst[i] = float32(x)
		}
	default:
		return errors.Errorf("unsupported cast from %s to %s", in.DType(), out.DType())
	}
	return nil
}
