package pipeline

import (
	"github.com/pkg/errors"
)

// The engine's error taxonomy. Contract violations are reported at the call
// that detects them and are matched with errors.Is against these sentinels;
// per-batch operator failures are deferred and surface at Output /
// ShareOutput for the failed batch only.
var (
	// ErrUnknownInput reports a feed call addressing a name that is not a
	// registered input operator.
	ErrUnknownInput = errors.New("unknown external input")

	// ErrInvalidBatchSize reports a feed whose sample count does not match
	// the input's configured batch size. The feed is not staged and the
	// input's feed credit is unchanged.
	ErrInvalidBatchSize = errors.New("invalid batch size")

	// ErrFeedCountViolation reports a scheduler advance attempted with fewer
	// staged feeds than an input's required feed count.
	ErrFeedCountViolation = errors.New("feed count violation")

	// ErrPrefetchAlreadyDone reports a second Prefetch without an
	// intervening checkpoint restore.
	ErrPrefetchAlreadyDone = errors.New("prefetch already done")

	// ErrNoActiveOutput reports an output query with no shared batch, or on
	// a released share.
	ErrNoActiveOutput = errors.New("no active output")

	// ErrNotFound reports a missing operator trace, reader or operator name
	// in a diagnostics query.
	ErrNotFound = errors.New("not found")

	// ErrInvalidGraph reports a malformed serialized graph blob at creation.
	ErrInvalidGraph = errors.New("invalid serialized graph")

	// ErrInvalidCheckpoint reports a checkpoint blob whose format or graph
	// hash doesn't match the instance it is restored into.
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")

	// ErrPipelineDestroyed reports any call on a destroyed pipeline.
	ErrPipelineDestroyed = errors.New("pipeline already destroyed")
)
