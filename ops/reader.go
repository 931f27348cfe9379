package ops

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/gomlx/batchflow/dtypes"
	"github.com/gomlx/batchflow/graphdef"
	"github.com/gomlx/batchflow/tensors"
)

// SequenceReader is a deterministic synthetic reader: sample s of the
// dataset is a float32 tensor whose element e holds float32(s + e). It walks
// its shard of the epoch in order and wraps around, which makes it useful
// both as a data source and as a stateful operator for checkpoint tests.
//
// Kind "sequence_reader"; args: "epoch_size" (int, required), "shard_id"
// (int, default 0), "num_shards" (int, default 1), "pad_last_batch" (bool),
// "stick_to_shard" (bool), "sample_shape" (int list, default [1]).
type SequenceReader struct {
	base
	meta        ReaderMeta
	sampleShape []int64

	position int64 // next sample within the shard
}

func newSequenceReader(spec *graphdef.OpSpec, _ uint64) (Operator, error) {
	b, err := newBase(spec)
	if err != nil {
		return nil, err
	}
	epochSize, err := spec.Args.GetInt("epoch_size", 0)
	if err != nil {
		return nil, err
	}
	if epochSize <= 0 {
		return nil, errors.Errorf("sequence_reader %q: epoch_size must be positive, got %d", spec.Name, epochSize)
	}
	shardID, err := spec.Args.GetInt("shard_id", 0)
	if err != nil {
		return nil, err
	}
	numShards, err := spec.Args.GetInt("num_shards", 1)
	if err != nil {
		return nil, err
	}
	if numShards < 1 || shardID < 0 || shardID >= numShards {
		return nil, errors.Errorf("sequence_reader %q: invalid sharding shard_id=%d num_shards=%d",
			spec.Name, shardID, numShards)
	}
	padLast, err := spec.Args.GetBool("pad_last_batch", false)
	if err != nil {
		return nil, err
	}
	stick, err := spec.Args.GetBool("stick_to_shard", false)
	if err != nil {
		return nil, err
	}
	sampleShape, err := spec.Args.GetIntList("sample_shape", []int64{1})
	if err != nil {
		return nil, err
	}
	shardSize := epochSize / numShards
	if epochSize%numShards != 0 {
		shardSize++
	}
	return &SequenceReader{
		base: b,
		meta: ReaderMeta{
			EpochSize:       epochSize,
			EpochSizePadded: shardSize * numShards,
			NumberOfShards:  int(numShards),
			ShardID:         int(shardID),
			PadLastBatch:    padLast,
			StickToShard:    stick,
		},
		sampleShape: sampleShape,
	}, nil
}

func init() {
	Register("sequence_reader", newSequenceReader)
}

// ReaderMeta implements Reader.
func (op *SequenceReader) ReaderMeta() ReaderMeta { return op.meta }

func (op *SequenceReader) shardSize() int64 {
	return op.meta.EpochSizePadded / int64(op.meta.NumberOfShards)
}

// Run produces ctx.BatchSize samples, advancing the reader's position.
func (op *SequenceReader) Run(ctx *Context, inputs []*tensors.TensorList) ([]*tensors.TensorList, error) {
	if err := wantInputs(op.name, inputs, 0); err != nil {
		return nil, err
	}
	if ctx.BatchSize <= 0 {
		return nil, errors.Errorf("sequence_reader %q: batch size %d", op.name, ctx.BatchSize)
	}
	shapes := make([][]int64, ctx.BatchSize)
	for k := range shapes {
		shapes[k] = op.sampleShape
	}
	out, err := tensors.New(ctx.Pool, ctx.OutputSpace(op.backend), dtypes.Float32, shapes, "")
	if err != nil {
		return nil, err
	}
	data := tensors.FlatData[float32](out)
	perSample := int(tensors.NumElementsOf(op.sampleShape))
	shardBase := int64(op.meta.ShardID) * op.shardSize()
	for k := 0; k < ctx.BatchSize; k++ {
		sample := (shardBase + op.position) % op.meta.EpochSize
		for e := 0; e < perSample; e++ {
			data[k*perSample+e] = float32(sample) + float32(e)
		}
		op.position++
		if op.position >= op.shardSize() {
			op.position = 0
		}
	}
	return []*tensors.TensorList{out}, nil
}

type readerState struct {
	Position int64 `json:"position"`
}

// SaveState implements Stateful.
func (op *SequenceReader) SaveState() ([]byte, error) {
	state, err := json.Marshal(readerState{Position: op.position})
	return state, errors.Wrapf(err, "saving state of reader %q", op.name)
}

// RestoreState implements Stateful.
func (op *SequenceReader) RestoreState(state []byte) error {
	var decoded readerState
	if err := json.Unmarshal(state, &decoded); err != nil {
		return errors.Wrapf(err, "restoring state of reader %q", op.name)
	}
	op.position = decoded.Position
	return nil
}
