package pipeline

import (
	"github.com/pkg/errors"
)

// Operator traces are per-batch key/value diagnostics published by operators
// while their batch runs (for example the "next_output_data_id" of an
// external source). Trace queries read the most recent batch fetched with
// Output or ShareOutput.

// HasOperatorTrace reports whether the named operator published the named
// trace for the current batch.
func (p *Pipeline) HasOperatorTrace(operator, trace string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkAlive(); err != nil {
		return false, err
	}
	if p.active == nil || !p.active.valid {
		return false, errors.WithMessagef(ErrNoActiveOutput, "trace query for %q/%q", operator, trace)
	}
	_, found := p.active.slot.traces[operator][trace]
	return found, nil
}

// OperatorTrace returns the value of the named trace for the current batch.
// A missing operator or trace reports ErrNotFound.
func (p *Pipeline) OperatorTrace(operator, trace string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkAlive(); err != nil {
		return "", err
	}
	if p.active == nil || !p.active.valid {
		return "", errors.WithMessagef(ErrNoActiveOutput, "trace query for %q/%q", operator, trace)
	}
	value, found := p.active.slot.traces[operator][trace]
	if !found {
		return "", errors.WithMessagef(ErrNotFound, "no trace %q on operator %q for this batch", trace, operator)
	}
	return value, nil
}
