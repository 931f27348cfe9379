package ops

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/gomlx/batchflow/device"
	"github.com/gomlx/batchflow/graphdef"
	"github.com/gomlx/batchflow/tensors"
)

// Transfer stages a host batch into accelerator memory (or copies it back).
// It is the canonical mixed-backend operator: its copy is enqueued on the
// stage's stream and awaited before the batch is handed downstream, so the
// transfer overlaps host work of later batches.
//
// Kind "copy"; the destination follows the operator's backend: "mixed" or
// "gpu" writes device memory, "cpu" writes host memory.
type Transfer struct {
	base
}

func newTransfer(spec *graphdef.OpSpec, _ uint64) (Operator, error) {
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	return &Transfer{base: b}, nil
}

func init() {
	Register("copy", newTransfer)
}

func (op *Transfer) Run(ctx *Context, inputs []*tensors.TensorList) ([]*tensors.TensorList, error) {
	if err := wantInputs(op.name, inputs, 1); err != nil {
		return nil, err
	}
	in := inputs[0]
	out, event, err := in.CopyToSpace(ctx.Pool, ctx.OutputSpace(op.backend), ctx.Stream)
	if err != nil {
		return nil, errors.WithMessagef(err, "operator %q", op.name)
	}
	if event != nil {
		if err = event.Await(); err != nil {
			out.Free()
			return nil, errors.WithMessagef(err, "operator %q: device copy failed", op.name)
		}
	}
	if out.Space().Device == device.GPU && ctx.SetTrace != nil {
		ctx.SetTrace("staged_bytes", strconv.FormatInt(out.SizeBytes(), 10))
	}
	return []*tensors.TensorList{out}, nil
}
