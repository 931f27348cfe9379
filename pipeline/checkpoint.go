package pipeline

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/batchflow/dtypes"
	"github.com/gomlx/batchflow/ops"
	"github.com/gomlx/batchflow/tensors"
)

// checkpointMagic prefixes every serialized checkpoint. The trailing digit
// is the format version.
const checkpointMagic = "BFC1"

// ExternalContext carries caller-owned state through a checkpoint: the
// engine stores both blobs verbatim and hands them back on restore. Typical
// use is framework-level iterator state riding along with the pipeline
// state.
type ExternalContext struct {
	PipelineData []byte
	IteratorData []byte
}

type checkpointEnvelope struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	GraphHash string    `json:"graph_hash"`

	PipelineData []byte `json:"pipeline_data,omitempty"`
	IteratorData []byte `json:"iterator_data,omitempty"`

	Inputs    map[string]inputCheckpoint `json:"inputs,omitempty"`
	Operators map[string][]byte          `json:"operators,omitempty"`
}

type inputCheckpoint struct {
	BatchSize  int              `json:"batch_size"`
	NextDataID string           `json:"next_data_id,omitempty"`
	Staged     []feedCheckpoint `json:"staged,omitempty"`
}

type feedCheckpoint struct {
	DataID string    `json:"data_id,omitempty"`
	DType  string    `json:"dtype"`
	Layout string    `json:"layout,omitempty"`
	Shapes [][]int64 `json:"shapes"`
	Data   []byte    `json:"data"`
}

// SerializedCheckpoint captures the pipeline's progress into an opaque blob:
// every stateful operator's state (readers, random generators), the
// staged-but-unconsumed external feeds with their identity tokens, and the
// caller's external context. In-flight and completed-but-unfetched batches
// are NOT captured: the pipeline must be quiescent, with every scheduled
// batch fetched, or the call fails.
//
// Restoring the blob into a fresh instance of the same graph reproduces the
// byte-exact continuation of the run.
func (p *Pipeline) SerializedCheckpoint(external *ExternalContext) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkAlive(); err != nil {
		return nil, err
	}
	if p.scheduled != p.consumed {
		return nil, errors.Errorf("pipeline %s: %d batches still in flight, fetch them before checkpointing",
			p.id, p.scheduled-p.consumed)
	}

	envelope := checkpointEnvelope{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		GraphHash: p.graphHash,
		Inputs:    make(map[string]inputCheckpoint),
		Operators: make(map[string][]byte),
	}
	if external != nil {
		envelope.PipelineData = external.PipelineData
		envelope.IteratorData = external.IteratorData
	}
	for name, in := range p.inputs {
		saved := inputCheckpoint{BatchSize: in.batchSize, NextDataID: in.nextID}
		for _, feed := range in.staged {
			if feed.ready != nil {
				if err := feed.ready.Await(); err != nil {
					return nil, errors.WithMessagef(err, "input %q has a failed asynchronous feed", name)
				}
			}
			data := make([]byte, feed.batch.SizeBytes())
			if err := feed.batch.CopyToBytes(data); err != nil {
				return nil, errors.WithMessagef(err, "checkpointing staged feed of %q", name)
			}
			saved.Staged = append(saved.Staged, feedCheckpoint{
				DataID: feed.dataID,
				DType:  feed.batch.DType().String(),
				Layout: feed.batch.Layout(),
				Shapes: feed.batch.Shapes(),
				Data:   data,
			})
		}
		envelope.Inputs[name] = saved
	}
	for _, op := range p.operators {
		stateful, ok := op.(ops.Stateful)
		if !ok {
			continue
		}
		state, err := stateful.SaveState()
		if err != nil {
			return nil, errors.WithMessagef(err, "checkpointing operator %q", op.Name())
		}
		envelope.Operators[op.Name()] = state
	}

	encoded, err := json.Marshal(&envelope)
	if err != nil {
		return nil, errors.Wrap(err, "serializing checkpoint")
	}
	klog.V(1).Infof("pipeline %s: checkpoint %s taken (%d stateful operators)",
		p.id, envelope.ID, len(envelope.Operators))
	return append([]byte(checkpointMagic), encoded...), nil
}

// RestoreFromCheckpoint rewinds a freshly created pipeline to a checkpoint:
// operator states and staged feeds are reinstated and the caller's external
// context is returned. It must run before any feed or Prefetch, and the
// checkpoint must come from a pipeline of the identical graph (matched by
// content hash); anything else reports ErrInvalidCheckpoint.
func (p *Pipeline) RestoreFromCheckpoint(blob []byte) (*ExternalContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkAlive(); err != nil {
		return nil, err
	}
	if p.started {
		return nil, errors.Errorf("pipeline %s already fed or prefetched, restore needs a fresh instance", p.id)
	}

	if len(blob) < len(checkpointMagic) || !bytes.HasPrefix(blob, []byte(checkpointMagic)) {
		return nil, errors.WithMessagef(ErrInvalidCheckpoint, "missing %q header", checkpointMagic)
	}
	var envelope checkpointEnvelope
	decoder := json.NewDecoder(bytes.NewReader(blob[len(checkpointMagic):]))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&envelope); err != nil {
		return nil, errors.WithMessagef(ErrInvalidCheckpoint, "%v", err)
	}
	if envelope.GraphHash != p.graphHash {
		return nil, errors.WithMessagef(ErrInvalidCheckpoint,
			"checkpoint %s was taken from a different graph", envelope.ID)
	}

	for name, state := range envelope.Operators {
		i := p.opIndex(name)
		if i < 0 {
			return nil, errors.WithMessagef(ErrInvalidCheckpoint, "state for unknown operator %q", name)
		}
		stateful, ok := p.operators[i].(ops.Stateful)
		if !ok {
			return nil, errors.WithMessagef(ErrInvalidCheckpoint, "operator %q holds no state", name)
		}
		if err := stateful.RestoreState(state); err != nil {
			return nil, errors.WithMessagef(err, "restoring operator %q", name)
		}
	}
	for name, saved := range envelope.Inputs {
		in, found := p.inputs[name]
		if !found {
			return nil, errors.WithMessagef(ErrInvalidCheckpoint, "feeds for unknown input %q", name)
		}
		in.batchSize = saved.BatchSize
		in.nextID = saved.NextDataID
		in.staged = nil
		for _, feed := range saved.Staged {
			dtype, err := dtypes.FromName(feed.DType)
			if err != nil {
				return nil, errors.WithMessagef(ErrInvalidCheckpoint, "staged feed of %q: %v", name, err)
			}
			batch, err := tensors.New(p.pool, p.stagingSpace(in, FeedFlags{}), dtype, feed.Shapes, feed.Layout)
			if err != nil {
				return nil, errors.WithMessagef(err, "restoring staged feed of %q", name)
			}
			if err = batch.CopyFrom(feed.Data); err != nil {
				batch.Free()
				return nil, errors.WithMessagef(ErrInvalidCheckpoint, "staged feed of %q: %v", name, err)
			}
			in.staged = append(in.staged, stagedFeed{batch: batch, dataID: feed.DataID})
		}
	}

	klog.V(1).Infof("pipeline %s: restored checkpoint %s from %s",
		p.id, envelope.ID, envelope.CreatedAt.Format(time.RFC3339))
	return &ExternalContext{
		PipelineData: envelope.PipelineData,
		IteratorData: envelope.IteratorData,
	}, nil
}
