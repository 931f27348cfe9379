package ops

import (
	"github.com/pkg/errors"

	"github.com/gomlx/batchflow/dtypes"
	"github.com/gomlx/batchflow/graphdef"
	"github.com/gomlx/batchflow/tensors"
)

// DataIDTrace is the trace name under which an external source publishes the
// identity token of the batch it produced, when one was set by the caller.
const DataIDTrace = "next_output_data_id"

// ExternalInput is the capability the feed manager needs from an input
// operator: declared metadata, copy policy, and a way to stage the batches
// for the next advance.
type ExternalInput interface {
	Operator
	DeclaredDType() dtypes.DType
	DeclaredNdim() int
	DeclaredLayout() string
	NoCopy() bool
	// FeedCount is the number of staged sub-batches one advance consumes.
	FeedCount() int
	// Stage hands the operator the sub-batches (FeedCount of them) and the
	// identity token for its next Run.
	Stage(batches []*tensors.TensorList, dataID string)
}

// ExternalSource is the graph entry point fed by the caller. Kind
// "external_source"; args: "no_copy" (bool, default false) and "feed_count"
// (int, default 1).
type ExternalSource struct {
	base
	dtype     dtypes.DType
	ndim      int
	layout    string
	noCopy    bool
	feedCount int

	pending []*tensors.TensorList
	dataID  string
}

func newExternalSource(spec *graphdef.OpSpec, _ uint64) (Operator, error) {
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	if len(spec.Inputs) != 0 {
		return nil, errors.Errorf("external_source %q takes no graph inputs", spec.Name)
	}
	dtype := dtypes.InvalidDType
	if spec.DType != "" {
		dtype, err = dtypes.FromName(spec.DType)
		if err != nil {
			return nil, err
		}
	}
	noCopy, err := spec.Args.GetBool("no_copy", false)
	if err != nil {
		return nil, err
	}
	feedCount, err := spec.Args.GetInt("feed_count", 1)
	if err != nil {
		return nil, err
	}
	if feedCount < 1 {
		return nil, errors.Errorf("external_source %q: feed_count must be >= 1, got %d", spec.Name, feedCount)
	}
	return &ExternalSource{
		base:      b,
		dtype:     dtype,
		ndim:      spec.Ndim,
		layout:    spec.Layout,
		noCopy:    noCopy,
		feedCount: int(feedCount),
	}, nil
}

func init() {
	Register("external_source", newExternalSource)
}

func (op *ExternalSource) DeclaredDType() dtypes.DType { return op.dtype }
func (op *ExternalSource) DeclaredNdim() int           { return op.ndim }
func (op *ExternalSource) DeclaredLayout() string      { return op.layout }
func (op *ExternalSource) NoCopy() bool                { return op.noCopy }
func (op *ExternalSource) FeedCount() int              { return op.feedCount }

// Stage implements ExternalInput. The engine calls it right before Run, with
// exactly FeedCount sub-batches.
func (op *ExternalSource) Stage(batches []*tensors.TensorList, dataID string) {
	op.pending = batches
	op.dataID = dataID
}

// Run emits the staged batches as one TensorList. With FeedCount == 1 the
// staged list is passed through; otherwise the sub-batches are concatenated
// into a fresh list.
func (op *ExternalSource) Run(ctx *Context, inputs []*tensors.TensorList) ([]*tensors.TensorList, error) {
	if err := wantInputs(op.name, inputs, 0); err != nil {
		return nil, err
	}
	if len(op.pending) != op.feedCount {
		return nil, errors.Errorf("external_source %q: %d sub-batches staged, feed_count is %d",
			op.name, len(op.pending), op.feedCount)
	}
	if op.dataID != "" && ctx.SetTrace != nil {
		ctx.SetTrace(DataIDTrace, op.dataID)
	}
	pending := op.pending
	op.pending = nil
	op.dataID = ""
	if op.feedCount == 1 {
		return pending, nil
	}
	merged, err := concat(ctx, op, pending)
	if err != nil {
		return nil, err
	}
	return []*tensors.TensorList{merged}, nil
}

// concat merges sub-batches into one list, sample after sample.
func concat(ctx *Context, op Operator, parts []*tensors.TensorList) (*tensors.TensorList, error) {
	dtype := parts[0].DType()
	var shapes [][]int64
	for _, part := range parts {
		if part.DType() != dtype {
			return nil, errors.Errorf("operator %q: sub-batches mix dtypes %s and %s", op.Name(), dtype, part.DType())
		}
		shapes = append(shapes, part.Shapes()...)
	}
	merged, err := tensors.New(ctx.Pool, ctx.OutputSpace(op.Backend()), dtype, shapes, parts[0].Layout())
	if err != nil {
		return nil, err
	}
	out := merged.Bytes()
	var offset int
	for _, part := range parts {
		offset += copy(out[offset:], part.Bytes())
	}
	return merged, nil
}
