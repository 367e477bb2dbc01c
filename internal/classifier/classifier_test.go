package classifier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipsight/mediaclass-worker/internal/media"
	"github.com/clipsight/mediaclass-worker/internal/models"
)

type fakeResolver struct {
	t    *testing.T
	data map[string][]byte
}

func (f *fakeResolver) Resolve(ctx context.Context, ref models.MediaReference, mode models.IoMode) (*media.ResolvedMedia, error) {
	data, ok := f.data[ref.Ref()]
	if !ok {
		return nil, models.NewError(models.ErrNotFound, "local file not found").WithInput(ref.Ref())
	}
	if mode == models.IoMemory {
		return media.NewMemory(data), nil
	}
	path := filepath.Join(f.t.TempDir(), "input.bin")
	require.NoError(f.t, os.WriteFile(path, data, 0o644))
	return media.NewFile(path, "", int64(len(data))), nil
}

type fakeExtractor struct {
	duration      float64
	probeBytesErr error
	memoryEmpty   bool
}

func (f *fakeExtractor) ProbeFile(ctx context.Context, path string) (float64, error) {
	return f.duration, nil
}

func (f *fakeExtractor) ProbeBytes(ctx context.Context, data []byte) (float64, error) {
	if f.probeBytesErr != nil {
		return 0, f.probeBytesErr
	}
	return f.duration, nil
}

func (f *fakeExtractor) FrameFromFile(ctx context.Context, path string, ts float64) ([]byte, error) {
	return []byte("frame"), nil
}

func (f *fakeExtractor) FrameFromBytes(ctx context.Context, data []byte, ts float64) ([]byte, error) {
	if f.memoryEmpty {
		return nil, nil
	}
	return []byte("frame"), nil
}

type fakePreparer struct {
	failIndex int // -1 disables
}

func (f *fakePreparer) Prepare(data []byte, shape models.TargetShape, centerCrop bool, index int) (*models.PreparedTensor, error) {
	if f.failIndex >= 0 && index == f.failIndex {
		return nil, models.NewError(models.ErrInvalidInput, "failed to decode image")
	}
	return &models.PreparedTensor{Index: index, Width: shape.Width, Height: shape.Height, Pixels: []uint8{uint8(index)}}, nil
}

type fakeScorer struct {
	labels     []string
	scoresRuns int
	err        error
}

func (f *fakeScorer) Classes() int { return len(f.labels) }

func (f *fakeScorer) Scores(tensors []*models.PreparedTensor) ([][]float32, error) {
	f.scoresRuns++
	if f.err != nil {
		return nil, f.err
	}
	rows := make([][]float32, len(tensors))
	for i := range rows {
		rows[i] = []float32{0.2, 0.5, 0.3}
	}
	return rows, nil
}

func (f *fakeScorer) TopK(row []float32, k int) []models.ClassScore {
	if k <= 0 || k > len(row) {
		k = len(row)
	}
	order := make([]int, len(row))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return row[order[a]] > row[order[b]] })
	top := make([]models.ClassScore, k)
	for rank := 0; rank < k; rank++ {
		top[rank] = models.ClassScore{Label: f.labels[order[rank]], Score: float64(row[order[rank]]), Rank: rank + 1}
	}
	return top
}

type fixture struct {
	resolver  *fakeResolver
	extractor *fakeExtractor
	preparer  *fakePreparer
	scorer    *fakeScorer
	c         *Classifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		resolver: &fakeResolver{t: t, data: map[string][]byte{
			"a.jpg": []byte("aaaa"),
			"b.jpg": []byte("bbbb"),
			"v.mp4": []byte("vvvvvvvv"),
		}},
		extractor: &fakeExtractor{duration: 10},
		preparer:  &fakePreparer{failIndex: -1},
		scorer:    &fakeScorer{labels: []string{"cat", "dog", "bird"}},
	}

	c, err := New(f.resolver, f.extractor, f.preparer, f.scorer, Config{
		Shape:    models.TargetShape{Width: 4, Height: 4},
		Defaults: models.Options{FrameCount: 4, Concurrency: 2},
	})
	require.NoError(t, err)
	f.c = c
	return f
}

func TestNewRequiresShape(t *testing.T) {
	_, err := New(nil, nil, nil, &fakeScorer{labels: []string{"x"}}, Config{})
	assert.Equal(t, models.ErrModelMismatch, models.CodeOf(err))
}

func TestClassifyImage(t *testing.T) {
	f := newFixture(t)

	res, err := f.c.ClassifyImage(context.Background(), models.RefFromString("a.jpg"), models.Options{TopK: 2})
	require.NoError(t, err)

	assert.Equal(t, "a.jpg", res.Input)
	assert.Equal(t, "onnx", res.Backend)
	assert.Equal(t, 3, res.ModelInfo.ClassesCount)
	require.Len(t, res.Predictions, 2)
	assert.Equal(t, "dog", res.Predictions[0].Label)
	assert.Equal(t, 1, res.Predictions[0].Rank)

	for _, key := range []string{"resolve", "prepare", "infer", "total"} {
		assert.Contains(t, res.Timings, key)
	}
}

func TestClassifyImageNotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.c.ClassifyImage(context.Background(), models.RefFromString("missing.jpg"), models.Options{})
	assert.Equal(t, models.ErrNotFound, models.CodeOf(err))
}

func TestClassifyImageSizeExceeded(t *testing.T) {
	f := newFixture(t)

	_, err := f.c.ClassifyImage(context.Background(), models.RefFromString("a.jpg"), models.Options{MaxBytes: 2})
	assert.Equal(t, models.ErrSizeExceeded, models.CodeOf(err))
}

func TestClassifyImageInvalidIoMode(t *testing.T) {
	f := newFixture(t)

	_, err := f.c.ClassifyImage(context.Background(), models.RefFromString("a.jpg"), models.Options{IoMode: "tape"})
	assert.Equal(t, models.ErrInvalidInput, models.CodeOf(err))
}

func TestClassifyImageBatchIsolation(t *testing.T) {
	f := newFixture(t)

	refs := []models.MediaReference{
		models.RefFromString("a.jpg"),
		models.RefFromString("missing.jpg"),
		models.RefFromString("b.jpg"),
	}
	batch, err := f.c.ClassifyImageBatch(context.Background(), refs, models.Options{TopK: 1})
	require.NoError(t, err)
	require.Len(t, batch.Results, 3)

	assert.Equal(t, 0, batch.Results[0].Index)
	assert.NotEmpty(t, batch.Results[0].Predictions)
	assert.Empty(t, batch.Results[0].Error)

	assert.Equal(t, 1, batch.Results[1].Index)
	assert.Equal(t, models.ErrNotFound, batch.Results[1].ErrorCode)
	assert.NotEmpty(t, batch.Results[1].Error)
	assert.Empty(t, batch.Results[1].Predictions)

	assert.Equal(t, 2, batch.Results[2].Index)
	assert.NotEmpty(t, batch.Results[2].Predictions)

	assert.Contains(t, batch.Timings, "total")
}

func TestClassifyVideoMemory(t *testing.T) {
	f := newFixture(t)

	res, err := f.c.ClassifyVideo(context.Background(), models.RefFromString("v.mp4"), models.Options{FrameCount: 4, TopK: 1})
	require.NoError(t, err)

	assert.Equal(t, models.IoMemory, res.IO.Mode)
	assert.False(t, res.IO.FallbackToDisk)
	assert.True(t, res.IO.TempCleaned)
	assert.Equal(t, int64(8), res.IO.SizeBytes)

	require.Len(t, res.Frames, 4)
	for i, frame := range res.Frames {
		assert.Equal(t, i, frame.FrameIndex)
		require.NotNil(t, frame.TimestampSec)
		assert.NotEmpty(t, frame.Predictions)
	}
	assert.Equal(t, 4, res.FramesScored)
	require.NotEmpty(t, res.Aggregate)
	assert.Equal(t, "dog", res.Aggregate[0].Label)

	for _, key := range []string{"resolve", "probe", "sample", "extract", "prepare", "infer", "aggregate", "total"} {
		assert.Contains(t, res.Timings, key)
	}
}

func TestClassifyVideoFallbackOnEmptyExtraction(t *testing.T) {
	f := newFixture(t)
	f.extractor.memoryEmpty = true

	res, err := f.c.ClassifyVideo(context.Background(), models.RefFromString("v.mp4"), models.Options{FrameCount: 3})
	require.NoError(t, err)

	assert.Equal(t, models.IoDisk, res.IO.Mode)
	assert.True(t, res.IO.FallbackToDisk)
	assert.Len(t, res.Frames, 3)
}

func TestClassifyVideoFallbackOnProbeFailure(t *testing.T) {
	f := newFixture(t)
	f.extractor.probeBytesErr = errors.New("moov atom not found")

	res, err := f.c.ClassifyVideo(context.Background(), models.RefFromString("v.mp4"), models.Options{FrameCount: 2})
	require.NoError(t, err)

	assert.Equal(t, models.IoDisk, res.IO.Mode)
	assert.True(t, res.IO.FallbackToDisk)
}

func TestClassifyVideoDiskDoesNotRetry(t *testing.T) {
	f := newFixture(t)
	f.resolver.data["v.mp4"] = nil // still resolvable
	f.extractor.memoryEmpty = true

	// Force the disk path to fail too by using an extractor that never
	// yields frames from files either.
	empty := &fakeExtractor{duration: 10, memoryEmpty: true}
	c, err := New(f.resolver, &emptyFileExtractor{empty}, f.preparer, f.scorer, Config{
		Shape: models.TargetShape{Width: 4, Height: 4},
	})
	require.NoError(t, err)

	_, err = c.ClassifyVideo(context.Background(), models.RefFromString("v.mp4"), models.Options{IoMode: models.IoDisk, FrameCount: 2})
	assert.Equal(t, models.ErrExtractionEmpty, models.CodeOf(err))
}

// emptyFileExtractor drops file-based frames as well.
type emptyFileExtractor struct{ *fakeExtractor }

func (e *emptyFileExtractor) FrameFromFile(ctx context.Context, path string, ts float64) ([]byte, error) {
	return nil, nil
}

func TestClassifyVideoInvalidFrameCount(t *testing.T) {
	f := newFixture(t)

	_, err := f.c.ClassifyVideo(context.Background(), models.RefFromString("v.mp4"), models.Options{FrameCount: -2})
	assert.Equal(t, models.ErrInvalidInput, models.CodeOf(err))
}

func TestClassifyVideoDroppedFrame(t *testing.T) {
	f := newFixture(t)
	f.preparer.failIndex = 1

	res, err := f.c.ClassifyVideo(context.Background(), models.RefFromString("v.mp4"), models.Options{FrameCount: 4})
	require.NoError(t, err)

	// Frame 1 is dropped, the remaining three are scored.
	require.Len(t, res.Frames, 3)
	indices := []int{res.Frames[0].FrameIndex, res.Frames[1].FrameIndex, res.Frames[2].FrameIndex}
	assert.Equal(t, []int{0, 2, 3}, indices)
	assert.Equal(t, 3, res.FramesScored)
}

func TestClassifyVideoTurboSingleScoresCall(t *testing.T) {
	f := newFixture(t)

	_, err := f.c.ClassifyVideo(context.Background(), models.RefFromString("v.mp4"), models.Options{FrameCount: 4, Turbo: true})
	require.NoError(t, err)
	assert.Equal(t, 1, f.scorer.scoresRuns)

	f2 := newFixture(t)
	_, err = f2.c.ClassifyVideo(context.Background(), models.RefFromString("v.mp4"), models.Options{FrameCount: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, f2.scorer.scoresRuns)
}

func TestClassifyMixedOrdering(t *testing.T) {
	f := newFixture(t)

	images := []models.MediaReference{models.RefFromString("a.jpg"), models.RefFromString("b.jpg")}
	videos := []models.MediaReference{models.RefFromString("v.mp4")}

	batch, err := f.c.ClassifyMixed(context.Background(), images, videos, models.Options{FrameCount: 2})
	require.NoError(t, err)
	require.Len(t, batch.Results, 3)

	assert.NotEmpty(t, batch.Results[0].Predictions)
	assert.NotEmpty(t, batch.Results[1].Predictions)
	assert.Nil(t, batch.Results[0].Video)
	require.NotNil(t, batch.Results[2].Video)
	assert.Equal(t, 2, batch.Results[2].Index)
}

func TestClassifyEmptyBatch(t *testing.T) {
	f := newFixture(t)

	batch, err := f.c.ClassifyImageBatch(context.Background(), nil, models.Options{})
	require.NoError(t, err)
	assert.Empty(t, batch.Results)
}
