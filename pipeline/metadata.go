package pipeline

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/gomlx/batchflow/device"
	"github.com/gomlx/batchflow/ops"
)

// ReaderMetadata returns the epoch and sharding layout of the named reader
// operator. Names that don't resolve to a reader report ErrNotFound.
func (p *Pipeline) ReaderMetadata(name string) (ops.ReaderMeta, error) {
	reader, found := p.readers[name]
	if !found {
		return ops.ReaderMeta{}, errors.WithMessagef(ErrNotFound, "no reader named %q", name)
	}
	return reader.ReaderMeta(), nil
}

// OperatorStats is one operator's execution accounting.
type OperatorStats struct {
	Operator string
	Backend  device.Backend

	// Runs is the number of advances the operator executed.
	Runs int64

	// PeakOutputBytes is the largest batch the operator produced.
	PeakOutputBytes int64
}

// String implements fmt.Stringer.
func (s OperatorStats) String() string {
	return fmt.Sprintf("%s (%s): %d runs, peak output %s",
		s.Operator, s.Backend, s.Runs, humanize.IBytes(uint64(s.PeakOutputBytes)))
}

// ExecutorMetadata returns per-operator execution stats, in graph order. It
// requires the pipeline to have been built with EnableMemoryStats.
func (p *Pipeline) ExecutorMetadata() ([]OperatorStats, error) {
	p.mu.Lock()
	if err := p.checkAlive(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()
	if p.stats == nil {
		return nil, errors.Errorf("pipeline %s was built without EnableMemoryStats", p.id)
	}
	stats := make([]OperatorStats, len(p.operators))
	for i, op := range p.operators {
		stats[i] = OperatorStats{
			Operator:        op.Name(),
			Backend:         op.Backend(),
			Runs:            p.stats[i].runs.Load(),
			PeakOutputBytes: p.stats[i].peakBytes.Load(),
		}
	}
	return stats, nil
}
