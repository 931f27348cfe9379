package ops

import (
	"encoding/json"
	"hash/fnv"

	"github.com/pkg/errors"

	"github.com/gomlx/batchflow/dtypes"
	"github.com/gomlx/batchflow/graphdef"
	"github.com/gomlx/batchflow/tensors"
)

// UniformNoise adds deterministic pseudo-random noise in
// [-amplitude, amplitude) to a Float32 batch. The generator is a counter
// based splitmix64 seeded from the graph seed and the operator name, so a
// checkpointed pipeline resumes the exact noise sequence.
//
// Kind "uniform_noise"; args: "amplitude" (float, default 1).
type UniformNoise struct {
	base
	amplitude float32
	seed      uint64

	counter uint64
}

func newUniformNoise(spec *graphdef.OpSpec, seed uint64) (Operator, error) {
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	amplitude, err := spec.Args.GetFloat("amplitude", 1)
	if err != nil {
		return nil, err
	}
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(spec.Name))
	return &UniformNoise{
		base:      b,
		amplitude: float32(amplitude),
		seed:      seed ^ hasher.Sum64(),
	}, nil
}

func init() {
	Register("uniform_noise", newUniformNoise)
}

// splitmix64 is the SplitMix64 output function.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

func (op *UniformNoise) next() float32 {
	op.counter++
	bits := splitmix64(op.seed + op.counter)
	// 24 bits of mantissa, mapped to [-1, 1).
	unit := float32(bits>>40)/float32(1<<23) - 1
	return unit * op.amplitude
}

func (op *UniformNoise) Run(ctx *Context, inputs []*tensors.TensorList) ([]*tensors.TensorList, error) {
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
		dst[i] = x + op.next()
	}
	return []*tensors.TensorList{out}, nil
}

type noiseState struct {
	Counter uint64 `json:"counter"`
}

// SaveState implements Stateful.
func (op *UniformNoise) SaveState() ([]byte, error) {
	state, err := json.Marshal(noiseState{Counter: op.counter})
	return state, errors.Wrapf(err, "saving state of %q", op.name)
}

// RestoreState implements Stateful.
func (op *UniformNoise) RestoreState(state []byte) error {
	var decoded noiseState
	if err := json.Unmarshal(state, &decoded); err != nil {
		return errors.Wrapf(err, "restoring state of %q", op.name)
	}
	op.counter = decoded.Counter
	return nil
}
