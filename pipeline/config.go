package pipeline

import (
	"runtime"

	"github.com/pkg/errors"

	"github.com/gomlx/batchflow/graphdef"
	"github.com/gomlx/batchflow/memory"
)

// ExecFlags is the tagged set of execution-mode flags. The zero value is
// fully synchronous single-queue execution.
type ExecFlags struct {
	// Pipelined overlaps the host stage of batch N+1 with the device stage
	// of batch N.
	Pipelined bool

	// Async makes Prefetch and Run return before the scheduled batches
	// complete; Output and ShareOutput become the blocking points.
	Async bool

	// Separated gives the host and device stages independent queue depths.
	// It requires SeparatedQueueDepths and implies Pipelined.
	Separated bool

	// Dynamic lets the scheduler allocate per-batch resources from the pool
	// instead of recycling a static ring of slots. It never reorders
	// batches. It requires Pipelined and Async.
	Dynamic bool
}

// Config is the resolved, immutable execution configuration of a pipeline.
type Config struct {
	MaxBatchSize int
	NumThreads   int
	DeviceNum    int
	Flags        ExecFlags

	// CPUQueueDepth and GPUQueueDepth are equal unless Flags.Separated.
	CPUQueueDepth int
	GPUQueueDepth int

	EnableMemoryStats bool
}

// TotalDepth is the number of advances Prefetch schedules: the depth of the
// device-side queue, which governs how many completed batches the caller can
// drain before the first steady-state Run.
func (c *Config) TotalDepth() int { return c.GPUQueueDepth }

// Builder assembles a pipeline from a serialized graph blob plus override
// parameters. Configuration errors are sticky and returned by Done.
type Builder struct {
	blob []byte
	err  error

	maxBatchSize int
	numThreads   int
	deviceNum    int
	flags        ExecFlags
	uniformDepth int
	cpuDepth     int
	gpuDepth     int
	memStats     bool
	pool         *memory.Pool
}

// FromSerialized starts building a pipeline from a serialized graph blob.
// Unset parameters inherit the values stored in the blob. Call Done to
// deserialize and build.
func FromSerialized(blob []byte) *Builder {
	return &Builder{blob: blob, uniformDepth: 2, deviceNum: -1}
}

// Deserialize creates a pipeline inheriting every parameter from the
// serialized graph, with default queue depth 2.
func Deserialize(blob []byte) (*Pipeline, error) {
	return FromSerialized(blob).Done()
}

// MaxBatchSize overrides the graph's maximum batch size.
func (b *Builder) MaxBatchSize(n int) *Builder {
	if b.err == nil && n <= 0 {
		b.err = errors.Errorf("MaxBatchSize must be positive, got %d", n)
		return b
	}
	b.maxBatchSize = n
	return b
}

// NumThreads sets the host-side worker count used for intra-batch
// parallelism. Defaults to the graph's value, then to the number of CPUs.
func (b *Builder) NumThreads(n int) *Builder {
	if b.err == nil && n <= 0 {
		b.err = errors.Errorf("NumThreads must be positive, got %d", n)
		return b
	}
	b.numThreads = n
	return b
}

// DeviceNum sets the accelerator ordinal the pipeline targets.
func (b *Builder) DeviceNum(n int) *Builder {
	b.deviceNum = n
	return b
}

// ExecFlags replaces the whole execution-flag set at once.
func (b *Builder) ExecFlags(flags ExecFlags) *Builder {
	b.flags = flags
	return b
}

// ExecPipelined sets ExecFlags.Pipelined.
func (b *Builder) ExecPipelined(on bool) *Builder {
	b.flags.Pipelined = on
	return b
}

// ExecAsync sets ExecFlags.Async.
func (b *Builder) ExecAsync(on bool) *Builder {
	b.flags.Async = on
	return b
}

// ExecSeparated sets ExecFlags.Separated. Use SeparatedQueueDepths to give
// the two stage depths.
func (b *Builder) ExecSeparated(on bool) *Builder {
	b.flags.Separated = on
	return b
}

// ExecDynamic sets ExecFlags.Dynamic.
func (b *Builder) ExecDynamic(on bool) *Builder {
	b.flags.Dynamic = on
	return b
}

// QueueDepth sets the uniform prefetch queue depth (default 2). Ignored if
// the flags are Separated.
func (b *Builder) QueueDepth(depth int) *Builder {
	if b.err == nil && depth <= 0 {
		b.err = errors.Errorf("QueueDepth must be positive, got %d", depth)
		return b
	}
	b.uniformDepth = depth
	return b
}

// SeparatedQueueDepths sets independent host and device queue depths; only
// valid together with ExecSeparated.
func (b *Builder) SeparatedQueueDepths(cpuDepth, gpuDepth int) *Builder {
	if b.err == nil && (cpuDepth <= 0 || gpuDepth <= 0) {
		b.err = errors.Errorf("separated queue depths must be positive, got cpu=%d gpu=%d", cpuDepth, gpuDepth)
		return b
	}
	b.cpuDepth = cpuDepth
	b.gpuDepth = gpuDepth
	return b
}

// EnableMemoryStats toggles per-operator memory bookkeeping, read back via
// Pipeline.ExecutorMetadata.
func (b *Builder) EnableMemoryStats(on bool) *Builder {
	b.memStats = on
	return b
}

// WithPool injects the memory pool the pipeline allocates from. Defaults to
// the process-wide memory.Default pool.
func (b *Builder) WithPool(pool *memory.Pool) *Builder {
	b.pool = pool
	return b
}

// Done validates the configuration, deserializes the graph and builds the
// pipeline.
func (b *Builder) Done() (*Pipeline, error) {
	if b.err != nil {
		return nil, b.err
	}
	def, err := graphdef.Parse(b.blob)
	if err != nil {
		return nil, errors.WithMessagef(ErrInvalidGraph, "%v", err)
	}
	config, err := b.resolve(def)
	if err != nil {
		return nil, err
	}
	pool := b.pool
	if pool == nil {
		pool = memory.Default()
	}
	return newPipeline(def, config, pool)
}

func (b *Builder) resolve(def *graphdef.Def) (Config, error) {
	config := Config{
		MaxBatchSize:      def.MaxBatchSize,
		NumThreads:        def.NumThreads,
		DeviceNum:         def.DeviceNum,
		Flags:             b.flags,
		EnableMemoryStats: b.memStats,
	}
	if b.maxBatchSize > 0 {
		config.MaxBatchSize = b.maxBatchSize
	}
	if b.numThreads > 0 {
		config.NumThreads = b.numThreads
	}
	if config.NumThreads <= 0 {
		config.NumThreads = runtime.NumCPU()
	}
	if b.deviceNum >= 0 {
		config.DeviceNum = b.deviceNum
	}

	flags := config.Flags
	if flags.Separated {
		if !flags.Pipelined {
			return config, errors.New("ExecSeparated requires ExecPipelined")
		}
		if b.cpuDepth == 0 || b.gpuDepth == 0 {
			return config, errors.New("ExecSeparated requires SeparatedQueueDepths")
		}
		config.CPUQueueDepth = b.cpuDepth
		config.GPUQueueDepth = b.gpuDepth
	} else {
		if b.cpuDepth != 0 || b.gpuDepth != 0 {
			return config, errors.New("SeparatedQueueDepths given without ExecSeparated")
		}
		config.CPUQueueDepth = b.uniformDepth
		config.GPUQueueDepth = b.uniformDepth
	}
	if flags.Dynamic && !(flags.Pipelined && flags.Async) {
		return config, errors.New("ExecDynamic requires ExecPipelined and ExecAsync")
	}
	return config, nil
}
