package pipeline_test

import (
	"testing"
	"unsafe"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/batchflow/device"
	"github.com/gomlx/batchflow/dtypes"
	"github.com/gomlx/batchflow/graphdef"
	"github.com/gomlx/batchflow/ops"
	"github.com/gomlx/batchflow/pipeline"
)

func f32Bytes(values []float32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&values[0])), len(values)*4)
}

func bytesF32(data []byte) []float32 {
	return unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), len(data)/4)
}

// scalarShapes returns n samples of shape [1].
func scalarShapes(n int) [][]int64 {
	shapes := make([][]int64, n)
	for k := range shapes {
		shapes[k] = []int64{1}
	}
	return shapes
}

// scaleGraph: external source "x" (4 x f32 scalars) -> "scaled" (2*x + 1).
func scaleGraph(t *testing.T) []byte {
	t.Helper()
	def := &graphdef.Def{
		Name:         "scale-test",
		MaxBatchSize: 4,
		Ops: []graphdef.OpSpec{
			{Name: "x", Kind: "external_source", Backend: "cpu", DType: "f32", Ndim: 1},
			{Name: "scaled", Kind: "scale", Backend: "cpu", Inputs: []string{"x"},
				Args: graphdef.NamedValues{"factor": 2.0, "offset": 1.0}},
		},
		Outputs: []graphdef.OutputSpec{{Op: "scaled", Device: "cpu"}},
	}
	return must.M1(def.Serialize())
}

// readerGraph: sequence reader -> uniform noise, fully self-driven.
func readerGraph(t *testing.T) []byte {
	t.Helper()
	def := &graphdef.Def{
		Name:         "reader-test",
		MaxBatchSize: 4,
		Seed:         7,
		Ops: []graphdef.OpSpec{
			{Name: "r", Kind: "sequence_reader", Backend: "cpu",
				Args: graphdef.NamedValues{"epoch_size": 8.0, "sample_shape": []any{2.0}}},
			{Name: "noisy", Kind: "uniform_noise", Backend: "cpu", Inputs: []string{"r"},
				Args: graphdef.NamedValues{"amplitude": 0.5}},
		},
		Outputs: []graphdef.OutputSpec{{Op: "noisy", Device: "cpu"}},
	}
	return must.M1(def.Serialize())
}

func feedF32(t *testing.T, p *pipeline.Pipeline, name string, values []float32) {
	t.Helper()
	require.NoError(t, p.SetExternalInput(name, f32Bytes(values), dtypes.Float32,
		scalarShapes(len(values)), "", pipeline.FeedFlags{}))
}

func outputF32(t *testing.T, b *pipeline.OutputBatch) []float32 {
	t.Helper()
	size := must.M1(b.TensorSize(0))
	data := make([]byte, size)
	require.NoError(t, b.Copy(data, 0, device.CPU, nil, pipeline.FeedFlags{ForceSync: true}))
	return bytesF32(data)
}

func TestPrefetchRunFIFO(t *testing.T) {
	p := must.M1(pipeline.FromSerialized(scaleGraph(t)).QueueDepth(2).Done())
	defer p.Destroy()

	// Before the first prefetch the whole queue must be covered.
	require.Equal(t, 2, must.M1(p.InputFeedCount("x")))

	feedF32(t, p, "x", []float32{0, 1, 2, 3})
	feedF32(t, p, "x", []float32{10, 11, 12, 13})
	require.NoError(t, p.Prefetch())
	require.Equal(t, 1, must.M1(p.InputFeedCount("x")))

	feedF32(t, p, "x", []float32{20, 21, 22, 23})
	require.NoError(t, p.Run())

	// Three batches drain in feed order, each transformed by 2*x + 1.
	want := [][]float32{
		{1, 3, 5, 7},
		{21, 23, 25, 27},
		{41, 43, 45, 47},
	}
	for _, expected := range want {
		batch := must.M1(p.Output())
		require.Equal(t, expected, outputF32(t, batch))
	}

	// Nothing else was scheduled.
	_, err := p.Output()
	require.ErrorIs(t, err, pipeline.ErrNoActiveOutput)
}

func TestPipelinedAsyncScenario(t *testing.T) {
	p := must.M1(pipeline.FromSerialized(scaleGraph(t)).
		QueueDepth(2).ExecPipelined(true).ExecAsync(true).Done())
	defer p.Destroy()

	const batches = 6
	for k := 0; k < 2; k++ {
		feedF32(t, p, "x", []float32{float32(k), float32(k), float32(k), float32(k)})
	}
	require.NoError(t, p.Prefetch())
	for k := 2; k < batches; k++ {
		feedF32(t, p, "x", []float32{float32(k), float32(k), float32(k), float32(k)})
		require.NoError(t, p.Run())
	}
	for k := 0; k < batches; k++ {
		batch := must.M1(p.Output())
		expected := float32(2*k + 1)
		require.Equal(t, []float32{expected, expected, expected, expected}, outputF32(t, batch))
	}
}

func TestRunBeforePrefetch(t *testing.T) {
	p := must.M1(pipeline.Deserialize(scaleGraph(t)))
	defer p.Destroy()
	require.Error(t, p.Run())
}

func TestFeedBatchSizeViolation(t *testing.T) {
	p := must.M1(pipeline.FromSerialized(scaleGraph(t)).QueueDepth(1).Done())
	defer p.Destroy()

	err := p.SetExternalInput("x", f32Bytes([]float32{1, 2, 3}), dtypes.Float32,
		scalarShapes(3), "", pipeline.FeedFlags{})
	require.ErrorIs(t, err, pipeline.ErrInvalidBatchSize)

	// The failed feed consumed no credit: prefetch still wants one feed.
	require.ErrorIs(t, p.Prefetch(), pipeline.ErrFeedCountViolation)

	// A shrunk batch size makes the same feed valid.
	require.NoError(t, p.SetExternalInputBatchSize("x", 3))
	require.NoError(t, p.SetExternalInput("x", f32Bytes([]float32{1, 2, 3}), dtypes.Float32,
		scalarShapes(3), "", pipeline.FeedFlags{}))
	require.NoError(t, p.Prefetch())
	batch := must.M1(p.Output())
	require.Equal(t, []float32{3, 5, 7}, outputF32(t, batch))

	require.ErrorIs(t, p.SetExternalInputBatchSize("x", 5), pipeline.ErrInvalidBatchSize)
	require.ErrorIs(t, p.SetExternalInputBatchSize("nope", 2), pipeline.ErrUnknownInput)
}

func TestSecondPrefetchFails(t *testing.T) {
	p := must.M1(pipeline.FromSerialized(scaleGraph(t)).QueueDepth(1).Done())
	defer p.Destroy()
	feedF32(t, p, "x", []float32{1, 2, 3, 4})
	require.NoError(t, p.Prefetch())
	require.ErrorIs(t, p.Prefetch(), pipeline.ErrPrefetchAlreadyDone)
}

func TestShareOutputAndRelease(t *testing.T) {
	p := must.M1(pipeline.FromSerialized(scaleGraph(t)).QueueDepth(2).Done())
	defer p.Destroy()
	feedF32(t, p, "x", []float32{0, 0, 0, 0})
	feedF32(t, p, "x", []float32{1, 1, 1, 1})
	require.NoError(t, p.Prefetch())

	// Two shares outstanding at once; both stay readable.
	first := must.M1(p.ShareOutput())
	second := must.M1(p.ShareOutput())
	require.Equal(t, []float32{1, 1, 1, 1}, outputF32(t, first))
	require.Equal(t, []float32{3, 3, 3, 3}, outputF32(t, second))

	require.NoError(t, p.OutputRelease())
	_, err := first.NumTensors(0)
	require.ErrorIs(t, err, pipeline.ErrNoActiveOutput)
	require.ErrorIs(t, p.OutputCopy(nil, 0, device.CPU, nil, pipeline.FeedFlags{}), pipeline.ErrNoActiveOutput)

	// The engine keeps going: the next batch comes out fine.
	feedF32(t, p, "x", []float32{2, 2, 2, 2})
	require.NoError(t, p.Run())
	batch := must.M1(p.Output())
	require.Equal(t, []float32{5, 5, 5, 5}, outputF32(t, batch))
}

func TestOutputReleasesPrevious(t *testing.T) {
	p := must.M1(pipeline.FromSerialized(scaleGraph(t)).QueueDepth(2).Done())
	defer p.Destroy()
	feedF32(t, p, "x", []float32{0, 0, 0, 0})
	feedF32(t, p, "x", []float32{1, 1, 1, 1})
	require.NoError(t, p.Prefetch())

	first := must.M1(p.Output())
	second := must.M1(p.Output())
	_, err := first.NumTensors(0)
	require.ErrorIs(t, err, pipeline.ErrNoActiveOutput)
	require.Equal(t, []float32{3, 3, 3, 3}, outputF32(t, second))
}

func TestOutputBatchQueries(t *testing.T) {
	p := must.M1(pipeline.FromSerialized(scaleGraph(t)).QueueDepth(1).Done())
	defer p.Destroy()
	feedF32(t, p, "x", []float32{1, 2, 3, 4})
	require.NoError(t, p.Prefetch())
	batch := must.M1(p.Output())

	require.Equal(t, 4, must.M1(batch.NumTensors(0)))
	require.True(t, must.M1(batch.HasUniformShape(0)))
	require.Equal(t, []int64{1}, must.M1(batch.ShapeAt(0)))
	require.Equal(t, []int64{1}, must.M1(batch.ShapeAtSample(0, 2)))
	require.Equal(t, dtypes.Float32, must.M1(batch.DTypeAt(0)))
	require.EqualValues(t, 4, must.M1(batch.NumElements(0)))
	require.EqualValues(t, 16, must.M1(batch.TensorSize(0)))
	require.Equal(t, 1, must.M1(batch.MaxDimTensors(0)))

	_, err := batch.Tensor(3)
	require.Error(t, err)
}

func TestOutputCopySamplesNilSkip(t *testing.T) {
	p := must.M1(pipeline.FromSerialized(scaleGraph(t)).QueueDepth(1).Done())
	defer p.Destroy()
	feedF32(t, p, "x", []float32{1, 2, 3, 4})
	require.NoError(t, p.Prefetch())
	must.M1(p.Output())

	kept := []float32{-1}
	alsoKept := []float32{-1}
	dsts := [][]byte{f32Bytes(kept), nil, f32Bytes(alsoKept), nil}
	require.NoError(t, p.OutputCopySamples(dsts, 0, device.CPU, nil, pipeline.FeedFlags{ForceSync: true}))
	require.Equal(t, float32(3), kept[0])
	require.Equal(t, float32(7), alsoKept[0])
}

func TestCheckpointRoundTripDeterminism(t *testing.T) {
	blob := readerGraph(t)
	a := must.M1(pipeline.FromSerialized(blob).QueueDepth(1).Done())
	defer a.Destroy()

	require.NoError(t, a.Prefetch())
	must.M1(a.Output())
	require.NoError(t, a.Run())
	must.M1(a.Output())

	external := &pipeline.ExternalContext{
		PipelineData: []byte("framework state"),
		IteratorData: []byte("iterator state"),
	}
	checkpoint := must.M1(a.SerializedCheckpoint(external))

	// Continue the original run for one more batch.
	require.NoError(t, a.Run())
	continued := outputF32(t, must.M1(a.Output()))

	// A fresh instance restored from the checkpoint produces the identical
	// continuation.
	b := must.M1(pipeline.FromSerialized(blob).QueueDepth(1).Done())
	defer b.Destroy()
	restored := must.M1(b.RestoreFromCheckpoint(checkpoint))
	require.Equal(t, external.PipelineData, restored.PipelineData)
	require.Equal(t, external.IteratorData, restored.IteratorData)
	require.NoError(t, b.Prefetch())
	require.Equal(t, continued, outputF32(t, must.M1(b.Output())))
}

func TestCheckpointRejections(t *testing.T) {
	blob := readerGraph(t)
	p := must.M1(pipeline.FromSerialized(blob).QueueDepth(1).Done())
	defer p.Destroy()
	checkpoint := must.M1(p.SerializedCheckpoint(nil))

	// Restore after the run started needs a fresh instance.
	require.NoError(t, p.Prefetch())
	_, err := p.RestoreFromCheckpoint(checkpoint)
	require.Error(t, err)

	// Garbage and cross-graph blobs are rejected.
	fresh := must.M1(pipeline.FromSerialized(blob).QueueDepth(1).Done())
	defer fresh.Destroy()
	_, err = fresh.RestoreFromCheckpoint([]byte("not a checkpoint"))
	require.ErrorIs(t, err, pipeline.ErrInvalidCheckpoint)

	other := must.M1(pipeline.FromSerialized(scaleGraph(t)).QueueDepth(1).Done())
	defer other.Destroy()
	_, err = other.RestoreFromCheckpoint(checkpoint)
	require.ErrorIs(t, err, pipeline.ErrInvalidCheckpoint)
}

func TestCheckpointKeepsStagedFeeds(t *testing.T) {
	blob := scaleGraph(t)
	a := must.M1(pipeline.FromSerialized(blob).QueueDepth(1).Done())
	defer a.Destroy()
	require.NoError(t, a.SetExternalInputDataID("x", "staged-id"))
	feedF32(t, a, "x", []float32{5, 6, 7, 8})
	checkpoint := must.M1(a.SerializedCheckpoint(nil))

	b := must.M1(pipeline.FromSerialized(blob).QueueDepth(1).Done())
	defer b.Destroy()
	must.M1(b.RestoreFromCheckpoint(checkpoint))
	require.NoError(t, b.Prefetch())
	batch := must.M1(b.Output())
	require.Equal(t, []float32{11, 13, 15, 17}, outputF32(t, batch))
	require.Equal(t, "staged-id", must.M1(b.OperatorTrace("x", ops.DataIDTrace)))
}

func TestBadGraphBlob(t *testing.T) {
	_, err := pipeline.Deserialize([]byte("garbage"))
	require.ErrorIs(t, err, pipeline.ErrInvalidGraph)

	blob := scaleGraph(t)
	_, err = pipeline.Deserialize(blob[:len(blob)/2])
	require.ErrorIs(t, err, pipeline.ErrInvalidGraph)

	corrupted := append([]byte{}, blob...)
	corrupted[10] ^= 0xff
	_, err = pipeline.Deserialize(corrupted)
	require.Error(t, err)

	require.False(t, graphdef.IsDeserializable([]byte("garbage")))
	require.True(t, graphdef.IsDeserializable(blob))
}

func TestExecFlagValidation(t *testing.T) {
	blob := scaleGraph(t)

	_, err := pipeline.FromSerialized(blob).ExecDynamic(true).Done()
	require.Error(t, err)

	_, err = pipeline.FromSerialized(blob).ExecSeparated(true).ExecPipelined(true).Done()
	require.Error(t, err)

	_, err = pipeline.FromSerialized(blob).SeparatedQueueDepths(1, 2).Done()
	require.Error(t, err)

	_, err = pipeline.FromSerialized(blob).QueueDepth(0).Done()
	require.Error(t, err)

	p, err := pipeline.FromSerialized(blob).
		ExecPipelined(true).ExecAsync(true).ExecDynamic(true).QueueDepth(2).Done()
	require.NoError(t, err)
	p.Destroy()
}

func TestSeparatedQueues(t *testing.T) {
	p := must.M1(pipeline.FromSerialized(scaleGraph(t)).
		ExecPipelined(true).ExecSeparated(true).SeparatedQueueDepths(2, 3).Done())
	defer p.Destroy()

	// Prefetch covers the device-side depth.
	require.Equal(t, 3, must.M1(p.InputFeedCount("x")))
	for k := 0; k < 3; k++ {
		feedF32(t, p, "x", []float32{float32(k), 0, 0, 0})
	}
	require.NoError(t, p.Prefetch())
	for k := 0; k < 3; k++ {
		batch := must.M1(p.Output())
		require.Equal(t, float32(2*k+1), outputF32(t, batch)[0])
	}
}

func TestDeferredOperatorError(t *testing.T) {
	// "x" declares no dtype here, so an Int32 feed passes the feed checks
	// and the scale operator rejects it during its advance.
	def := &graphdef.Def{
		Name:         "deferred-error",
		MaxBatchSize: 2,
		Ops: []graphdef.OpSpec{
			{Name: "x", Kind: "external_source", Backend: "cpu"},
			{Name: "scaled", Kind: "scale", Backend: "cpu", Inputs: []string{"x"},
				Args: graphdef.NamedValues{"factor": 2.0}},
		},
		Outputs: []graphdef.OutputSpec{{Op: "scaled", Device: "cpu"}},
	}
	p := must.M1(pipeline.FromSerialized(must.M1(def.Serialize())).QueueDepth(2).Done())
	defer p.Destroy()

	good := []float32{1, 2}
	require.NoError(t, p.SetExternalInput("x", f32Bytes(good), dtypes.Float32,
		scalarShapes(2), "", pipeline.FeedFlags{}))
	bad := []int32{1, 2}
	require.NoError(t, p.SetExternalInput("x", unsafe.Slice((*byte)(unsafe.Pointer(&bad[0])), 8),
		dtypes.Int32, scalarShapes(2), "", pipeline.FeedFlags{}))
	require.NoError(t, p.Prefetch())

	// Batch order holds: good, failed, then good again.
	batch := must.M1(p.Output())
	require.Equal(t, []float32{2, 4}, outputF32(t, batch))
	_, err := p.Output()
	require.Error(t, err)
	require.NotErrorIs(t, err, pipeline.ErrNoActiveOutput)

	require.NoError(t, p.SetExternalInput("x", f32Bytes(good), dtypes.Float32,
		scalarShapes(2), "", pipeline.FeedFlags{}))
	require.NoError(t, p.Run())
	batch = must.M1(p.Output())
	require.Equal(t, []float32{2, 4}, outputF32(t, batch))
}

func TestDeprecatedPrefetchVariants(t *testing.T) {
	p := must.M1(pipeline.FromSerialized(scaleGraph(t)).QueueDepth(2).Done())
	defer p.Destroy()
	require.Error(t, p.PrefetchUniform(3))
	require.Error(t, p.PrefetchSeparate(2, 2))

	feedF32(t, p, "x", []float32{0, 0, 0, 0})
	feedF32(t, p, "x", []float32{0, 0, 0, 0})
	require.NoError(t, p.PrefetchUniform(2))
}

func TestZeroCopyAndForceCopy(t *testing.T) {
	// Pass-through graph: the external source IS the output.
	def := &graphdef.Def{
		Name:         "passthrough",
		MaxBatchSize: 2,
		Ops: []graphdef.OpSpec{
			{Name: "x", Kind: "external_source", Backend: "cpu", DType: "f32",
				Args: graphdef.NamedValues{"no_copy": true}},
		},
		Outputs: []graphdef.OutputSpec{{Op: "x", Device: "cpu"}},
	}
	blob := must.M1(def.Serialize())

	// no_copy: the staged batch references the caller's slice, so a
	// mutation before the advance is visible in the output.
	p := must.M1(pipeline.FromSerialized(blob).QueueDepth(1).Done())
	data := []float32{1, 2}
	require.NoError(t, p.SetExternalInput("x", f32Bytes(data), dtypes.Float32,
		scalarShapes(2), "", pipeline.FeedFlags{}))
	data[0] = 99
	require.NoError(t, p.Prefetch())
	require.Equal(t, []float32{99, 2}, outputF32(t, must.M1(p.Output())))
	p.Destroy()

	// ForceCopy overrides the declaration: the engine keeps its own copy.
	p = must.M1(pipeline.FromSerialized(blob).QueueDepth(1).Done())
	defer p.Destroy()
	data = []float32{1, 2}
	require.NoError(t, p.SetExternalInput("x", f32Bytes(data), dtypes.Float32,
		scalarShapes(2), "", pipeline.FeedFlags{ForceCopy: true}))
	data[0] = 99
	require.NoError(t, p.Prefetch())
	require.Equal(t, []float32{1, 2}, outputF32(t, must.M1(p.Output())))
}

func TestAsyncFeedAndSamples(t *testing.T) {
	p := must.M1(pipeline.FromSerialized(scaleGraph(t)).QueueDepth(2).NumThreads(2).Done())
	defer p.Destroy()

	stream := device.NewStream("feeds")
	defer stream.Destroy()

	values := []float32{1, 2, 3, 4}
	require.NoError(t, p.SetExternalInputAsync("x", f32Bytes(values), dtypes.Float32,
		scalarShapes(4), "", stream, pipeline.FeedFlags{}))

	samples := [][]byte{
		f32Bytes([]float32{5}), f32Bytes([]float32{6}),
		f32Bytes([]float32{7}), f32Bytes([]float32{8}),
	}
	require.NoError(t, p.SetExternalInputSamples("x", samples, dtypes.Float32,
		scalarShapes(4), "", pipeline.FeedFlags{}))

	require.NoError(t, p.Prefetch())
	require.Equal(t, []float32{3, 5, 7, 9}, outputF32(t, must.M1(p.Output())))
	require.Equal(t, []float32{11, 13, 15, 17}, outputF32(t, must.M1(p.Output())))
}

func TestTraceLifecycle(t *testing.T) {
	p := must.M1(pipeline.FromSerialized(scaleGraph(t)).QueueDepth(1).Done())
	defer p.Destroy()

	// No batch fetched yet.
	_, err := p.OperatorTrace("x", ops.DataIDTrace)
	require.ErrorIs(t, err, pipeline.ErrNoActiveOutput)

	require.NoError(t, p.SetExternalInputDataID("x", "batch-0"))
	feedF32(t, p, "x", []float32{1, 2, 3, 4})
	require.NoError(t, p.Prefetch())
	must.M1(p.Output())

	require.True(t, must.M1(p.HasOperatorTrace("x", ops.DataIDTrace)))
	require.Equal(t, "batch-0", must.M1(p.OperatorTrace("x", ops.DataIDTrace)))

	require.False(t, must.M1(p.HasOperatorTrace("x", "no_such_trace")))
	_, err = p.OperatorTrace("x", "no_such_trace")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	_, err = p.OperatorTrace("scaled", ops.DataIDTrace)
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestIntrospection(t *testing.T) {
	p := must.M1(pipeline.FromSerialized(scaleGraph(t)).QueueDepth(1).Done())
	defer p.Destroy()

	require.Equal(t, 4, p.MaxBatchSize())
	require.Equal(t, 1, p.NumExternalInputs())
	require.Equal(t, "x", must.M1(p.ExternalInputName(0)))
	require.Equal(t, dtypes.Float32, must.M1(p.ExternalInputDType("x")))
	require.Equal(t, 1, must.M1(p.ExternalInputNdim("x")))
	require.Equal(t, "", must.M1(p.ExternalInputLayout("x")))

	require.Equal(t, 1, p.NumOutputs())
	require.Equal(t, "scaled", must.M1(p.OutputName(0)))
	require.Equal(t, device.CPU, must.M1(p.OutputDevice(0)))
	require.Equal(t, -1, must.M1(p.DeclaredOutputNdim(0)))
	require.Equal(t, dtypes.InvalidDType, must.M1(p.DeclaredOutputDType(0)))

	require.Equal(t, device.BackendCPU, must.M1(p.OperatorBackend("scaled")))
	_, err := p.OperatorBackend("missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)

	_, err = p.ExternalInputDType("missing")
	require.ErrorIs(t, err, pipeline.ErrUnknownInput)
}

func TestReaderAndExecutorMetadata(t *testing.T) {
	p := must.M1(pipeline.FromSerialized(readerGraph(t)).
		QueueDepth(1).EnableMemoryStats(true).Done())
	defer p.Destroy()

	meta := must.M1(p.ReaderMetadata("r"))
	require.EqualValues(t, 8, meta.EpochSize)
	_, err := p.ReaderMetadata("noisy")
	require.ErrorIs(t, err, pipeline.ErrNotFound)

	require.NoError(t, p.Prefetch())
	must.M1(p.Output())

	stats := must.M1(p.ExecutorMetadata())
	require.Len(t, stats, 2)
	for _, s := range stats {
		require.EqualValues(t, 1, s.Runs)
		require.EqualValues(t, 32, s.PeakOutputBytes)
		require.NotEmpty(t, s.String())
	}

	// Without the flag the query fails.
	bare := must.M1(pipeline.FromSerialized(readerGraph(t)).QueueDepth(1).Done())
	defer bare.Destroy()
	_, err = bare.ExecutorMetadata()
	require.Error(t, err)
}

func TestDestroyInvalidatesEverything(t *testing.T) {
	p := must.M1(pipeline.FromSerialized(scaleGraph(t)).QueueDepth(1).Done())
	feedF32(t, p, "x", []float32{1, 2, 3, 4})
	require.NoError(t, p.Prefetch())
	batch := must.M1(p.ShareOutput())

	p.Destroy()
	p.Destroy() // idempotent

	_, err := batch.NumTensors(0)
	require.ErrorIs(t, err, pipeline.ErrNoActiveOutput)
	require.ErrorIs(t, p.Run(), pipeline.ErrPipelineDestroyed)
	require.ErrorIs(t, p.Prefetch(), pipeline.ErrPipelineDestroyed)
	_, err = p.Output()
	require.ErrorIs(t, err, pipeline.ErrPipelineDestroyed)
	err = p.SetExternalInput("x", nil, dtypes.Float32, scalarShapes(4), "", pipeline.FeedFlags{})
	require.ErrorIs(t, err, pipeline.ErrPipelineDestroyed)
}

func TestMixedBackendStaging(t *testing.T) {
	def := &graphdef.Def{
		Name:         "to-device",
		MaxBatchSize: 2,
		Ops: []graphdef.OpSpec{
			{Name: "x", Kind: "external_source", Backend: "cpu", DType: "f32"},
			{Name: "staged", Kind: "copy", Backend: "mixed", Inputs: []string{"x"}},
		},
		Outputs: []graphdef.OutputSpec{{Op: "staged", Device: "gpu"}},
	}
	p := must.M1(pipeline.FromSerialized(must.M1(def.Serialize())).
		QueueDepth(2).ExecPipelined(true).Done())
	defer p.Destroy()

	require.NoError(t, p.SetExternalInput("x", f32Bytes([]float32{1, 2}), dtypes.Float32,
		scalarShapes(2), "", pipeline.FeedFlags{}))
	require.NoError(t, p.SetExternalInput("x", f32Bytes([]float32{3, 4}), dtypes.Float32,
		scalarShapes(2), "", pipeline.FeedFlags{}))
	require.NoError(t, p.Prefetch())

	require.Equal(t, device.GPU, must.M1(p.OutputDevice(0)))
	batch := must.M1(p.Output())
	require.Equal(t, []float32{1, 2}, outputF32(t, batch))
	require.Equal(t, "8", must.M1(p.OperatorTrace("staged", "staged_bytes")))
	batch = must.M1(p.Output())
	require.Equal(t, []float32{3, 4}, outputF32(t, batch))
}

func TestInvalidGraphPlacement(t *testing.T) {
	// A CPU operator cannot read a device-resident producer.
	def := &graphdef.Def{
		Name:         "bad-placement",
		MaxBatchSize: 2,
		Ops: []graphdef.OpSpec{
			{Name: "x", Kind: "external_source", Backend: "cpu"},
			{Name: "staged", Kind: "copy", Backend: "mixed", Inputs: []string{"x"}},
			{Name: "back", Kind: "scale", Backend: "cpu", Inputs: []string{"staged"}},
		},
		Outputs: []graphdef.OutputSpec{{Op: "back", Device: "cpu"}},
	}
	_, err := pipeline.Deserialize(must.M1(def.Serialize()))
	require.ErrorIs(t, err, pipeline.ErrInvalidGraph)
}

func BenchmarkPipelinedThroughput(b *testing.B) {
	blob := must.M1((&graphdef.Def{
		Name:         "bench",
		MaxBatchSize: 4,
		Seed:         1,
		Ops: []graphdef.OpSpec{
			{Name: "r", Kind: "sequence_reader", Backend: "cpu",
				Args: graphdef.NamedValues{"epoch_size": 1024.0, "sample_shape": []any{256.0}}},
			{Name: "n", Kind: "normalize", Backend: "cpu", Inputs: []string{"r"}},
		},
		Outputs: []graphdef.OutputSpec{{Op: "n", Device: "cpu"}},
	}).Serialize())
	p := must.M1(pipeline.FromSerialized(blob).
		QueueDepth(2).ExecPipelined(true).ExecAsync(true).Done())
	defer p.Destroy()
	must.M(p.Prefetch())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		must.M(p.Run())
		must.M1(p.Output())
	}
}
