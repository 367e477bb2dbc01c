// Package classifier orchestrates the media classification pipeline:
// resolve, probe, sample, extract, prepare, infer, aggregate, cleanup.
package classifier

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/clipsight/mediaclass-worker/internal/media"
	"github.com/clipsight/mediaclass-worker/internal/models"
	"github.com/clipsight/mediaclass-worker/internal/pool"
	"github.com/clipsight/mediaclass-worker/internal/sampler"
)

// MediaResolver resolves media references into memory or file form.
type MediaResolver interface {
	Resolve(ctx context.Context, ref models.MediaReference, mode models.IoMode) (*media.ResolvedMedia, error)
}

// Extractor probes durations and extracts still frames, best-effort: a
// frame the decoder cannot serve comes back empty, not as an error.
type Extractor interface {
	ProbeFile(ctx context.Context, path string) (float64, error)
	ProbeBytes(ctx context.Context, data []byte) (float64, error)
	FrameFromFile(ctx context.Context, path string, timestampSec float64) ([]byte, error)
	FrameFromBytes(ctx context.Context, data []byte, timestampSec float64) ([]byte, error)
}

// Preparer converts encoded image bytes into a fixed-shape tensor.
type Preparer interface {
	Prepare(data []byte, shape models.TargetShape, centerCrop bool, index int) (*models.PreparedTensor, error)
}

// Scorer runs batched inference and ranks class scores.
type Scorer interface {
	Classes() int
	Scores(tensors []*models.PreparedTensor) ([][]float32, error)
	TopK(row []float32, k int) []models.ClassScore
}

// Config holds classifier construction parameters.
type Config struct {
	Backend  string
	Shape    models.TargetShape
	Defaults models.Options
}

// Classifier is the top-level pipeline orchestrator. The loaded model and
// label list behind scorer are read-only and shared across concurrent
// requests.
type Classifier struct {
	resolver  MediaResolver
	extractor Extractor
	preparer  Preparer
	scorer    Scorer
	shape     models.TargetShape
	backend   string
	defaults  models.Options
}

// New creates a classifier. The target shape must be fully known before any
// preprocessing begins.
func New(resolver MediaResolver, extractor Extractor, preparer Preparer, scorer Scorer, cfg Config) (*Classifier, error) {
	if !cfg.Shape.Valid() {
		return nil, models.NewError(models.ErrModelMismatch, "model input shape is undefined")
	}

	defaults := cfg.Defaults
	if defaults.IoMode == "" {
		defaults.IoMode = models.IoMemory
	}
	if defaults.FrameCount <= 0 {
		defaults.FrameCount = 8
	}
	if defaults.Concurrency <= 0 {
		defaults.Concurrency = 3
	}

	backend := cfg.Backend
	if backend == "" {
		backend = "onnx"
	}

	return &Classifier{
		resolver:  resolver,
		extractor: extractor,
		preparer:  preparer,
		scorer:    scorer,
		shape:     cfg.Shape,
		backend:   backend,
		defaults:  defaults,
	}, nil
}

// normalize fills unset options from the defaults and validates the rest.
func (c *Classifier) normalize(o models.Options) (models.Options, error) {
	if o.IoMode == "" {
		o.IoMode = c.defaults.IoMode
	}
	if o.IoMode != models.IoMemory && o.IoMode != models.IoDisk {
		return o, models.NewError(models.ErrInvalidInput, "unknown io mode %q", o.IoMode)
	}
	if o.FrameCount == 0 {
		o.FrameCount = c.defaults.FrameCount
	}
	if o.Concurrency <= 0 {
		o.Concurrency = c.defaults.Concurrency
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = c.defaults.MaxBytes
	}
	if o.TopK < 0 {
		o.TopK = 0
	}
	return o, nil
}

func (c *Classifier) modelInfo() models.ModelInfo {
	return models.ModelInfo{ClassesCount: c.scorer.Classes()}
}

// ClassifyImage classifies a single image reference.
func (c *Classifier) ClassifyImage(ctx context.Context, ref models.MediaReference, opts models.Options) (*models.ImageResult, error) {
	o, err := c.normalize(opts)
	if err != nil {
		return nil, err
	}

	tm := newStageTimer()
	start := time.Now()

	resolveStart := time.Now()
	med, err := c.resolver.Resolve(ctx, ref, o.IoMode)
	if err != nil {
		return nil, echoInput(err, ref)
	}
	defer med.Cleanup()
	tm.observe("resolve", resolveStart)

	if err := checkSize(med.Size(), o.MaxBytes); err != nil {
		return nil, echoInput(err, ref)
	}

	prepStart := time.Now()
	data, err := mediaBytes(med)
	if err != nil {
		return nil, err
	}
	tensor, err := c.preparer.Prepare(data, c.shape, o.CenterCrop, 0)
	if err != nil {
		return nil, echoInput(err, ref)
	}
	tm.observe("prepare", prepStart)

	inferStart := time.Now()
	rows, err := c.scorer.Scores([]*models.PreparedTensor{tensor})
	if err != nil {
		return nil, err
	}
	predictions := c.scorer.TopK(rows[0], o.TopK)
	tm.observe("infer", inferStart)

	tm.observe("total", start)
	return &models.ImageResult{
		Input:       ref.String(),
		Backend:     c.backend,
		ModelInfo:   c.modelInfo(),
		Timings:     tm.timings,
		Predictions: predictions,
	}, nil
}

// ClassifyVideo classifies a single video reference. Memory mode is tried
// first (when selected); an attempt that yields no frames falls back to
// disk once, reported through IoDiagnostics rather than hidden.
func (c *Classifier) ClassifyVideo(ctx context.Context, ref models.MediaReference, opts models.Options) (*models.VideoResult, error) {
	o, err := c.normalize(opts)
	if err != nil {
		return nil, err
	}
	if o.FrameCount <= 0 {
		return nil, models.NewError(models.ErrInvalidInput, "frame count must be positive, got %d", o.FrameCount)
	}

	tm := newStageTimer()
	start := time.Now()

	mode := o.IoMode
	fellBack := false
	attempt, err := c.runVideo(ctx, ref, o, mode, tm)
	if err != nil && mode == models.IoMemory && fallbackSignal(err) {
		log.Printf("INFO: memory-mode extraction yielded nothing for %s, retrying through disk: %v", ref, err)
		fellBack = true
		mode = models.IoDisk
		attempt, err = c.runVideo(ctx, ref, o, mode, tm)
	}
	if err != nil {
		return nil, echoInput(err, ref)
	}

	tm.observe("total", start)
	return &models.VideoResult{
		Input:        ref.String(),
		Backend:      c.backend,
		ModelInfo:    c.modelInfo(),
		Timings:      tm.timings,
		Frames:       attempt.frames,
		Aggregate:    attempt.aggregate,
		FramesScored: attempt.framesScored,
		IO: models.IoDiagnostics{
			Mode:           mode,
			FallbackToDisk: fellBack,
			TempCleaned:    attempt.tempCleaned,
			SizeBytes:      attempt.sizeBytes,
			MaxBytes:       o.MaxBytes,
		},
	}, nil
}

// fallbackSignal reports whether a memory-mode failure should trigger the
// one-shot disk retry. Probe failures on piped input count: containers with
// trailing index data cannot be probed through a pipe at all.
func fallbackSignal(err error) bool {
	code := models.CodeOf(err)
	return code == models.ErrExtractionEmpty || code == models.ErrProbeFailed
}

type videoAttempt struct {
	frames       []models.FramePrediction
	aggregate    []models.ClassScore
	framesScored int
	sizeBytes    int64
	tempCleaned  bool
}

// runVideo executes one resolve→probe→sample→extract→prepare→infer→aggregate
// pass in the given io mode. Cleanup of the resolved media is guaranteed on
// every exit path.
func (c *Classifier) runVideo(ctx context.Context, ref models.MediaReference, o models.Options, mode models.IoMode, tm *stageTimer) (att *videoAttempt, err error) {
	att = &videoAttempt{}

	resolveStart := time.Now()
	med, err := c.resolver.Resolve(ctx, ref, mode)
	if err != nil {
		return nil, err
	}
	tm.observe("resolve", resolveStart)
	defer func() {
		med.Cleanup()
		if att != nil {
			att.tempCleaned = med.Cleaned()
		}
	}()

	att.sizeBytes = med.Size()
	if err := checkSize(med.Size(), o.MaxBytes); err != nil {
		return nil, err
	}

	probeStart := time.Now()
	var duration float64
	if med.InMemory() {
		duration, err = c.extractor.ProbeBytes(ctx, med.Bytes())
	} else {
		duration, err = c.extractor.ProbeFile(ctx, med.Path())
	}
	if err != nil {
		return nil, models.WrapError(models.ErrProbeFailed, err, "failed to probe video duration")
	}
	tm.observe("probe", probeStart)

	sampleStart := time.Now()
	timestamps := sampler.Clamp(duration, sampler.Sample(duration, o.FrameCount), sampler.DefaultEndMargin)
	tm.observe("sample", sampleStart)
	if len(timestamps) == 0 {
		return nil, models.NewError(models.ErrProbeFailed, "probed duration %.3fs yields no sample points", duration)
	}

	extractStart := time.Now()
	extractJobs := make([]pool.Job[[]byte], len(timestamps))
	for i := range timestamps {
		ts := timestamps[i]
		extractJobs[i] = func() ([]byte, error) {
			if med.InMemory() {
				return c.extractor.FrameFromBytes(ctx, med.Bytes(), ts)
			}
			return c.extractor.FrameFromFile(ctx, med.Path(), ts)
		}
	}
	extracted := pool.Run(extractJobs, o.Concurrency)
	tm.observe("extract", extractStart)

	type frameBuf struct {
		index int
		ts    float64
		data  []byte
	}
	var bufs []frameBuf
	for i, res := range extracted {
		if res.Err != nil {
			log.Printf("WARNING: frame %d extraction failed: %v", i, res.Err)
			continue
		}
		if len(res.Value) == 0 {
			// Best-effort miss, silently dropped by the extractor.
			continue
		}
		bufs = append(bufs, frameBuf{index: i, ts: timestamps[i], data: res.Value})
	}
	if len(bufs) == 0 {
		return nil, models.NewError(models.ErrExtractionEmpty, "no frames extracted in %s mode", mode)
	}

	prepStart := time.Now()
	prepJobs := make([]pool.Job[*models.PreparedTensor], len(bufs))
	for i := range bufs {
		b := bufs[i]
		prepJobs[i] = func() (*models.PreparedTensor, error) {
			return c.preparer.Prepare(b.data, c.shape, o.CenterCrop, b.index)
		}
	}
	preparedRes := pool.Run(prepJobs, o.Concurrency)
	tm.observe("prepare", prepStart)

	var tensors []*models.PreparedTensor
	var kept []frameBuf
	for i, res := range preparedRes {
		if res.Err != nil {
			log.Printf("WARNING: frame %d preprocessing failed: %v", bufs[i].index, res.Err)
			continue
		}
		tensors = append(tensors, res.Value)
		kept = append(kept, bufs[i])
	}

	acc := NewAccumulator(c.scorer.Classes())
	att.frames = []models.FramePrediction{}

	inferStart := time.Now()
	if o.Turbo {
		// One batched inference over all surviving frames, then a single
		// post-batch reduction into the accumulator.
		rows, err := c.scorer.Scores(tensors)
		if err != nil {
			return nil, err
		}
		for i, row := range rows {
			att.frames = append(att.frames, c.framePrediction(kept[i].index, kept[i].ts, row, o.TopK))
			acc.Add(row)
		}
	} else {
		for i, tensor := range tensors {
			rows, err := c.scorer.Scores([]*models.PreparedTensor{tensor})
			if err != nil {
				return nil, err
			}
			att.frames = append(att.frames, c.framePrediction(kept[i].index, kept[i].ts, rows[0], o.TopK))
			acc.Add(rows[0])
		}
	}
	tm.observe("infer", inferStart)

	aggStart := time.Now()
	att.framesScored = acc.FramesScored()
	if mean := acc.Mean(); len(mean) > 0 {
		att.aggregate = c.scorer.TopK(mean, o.TopK)
	} else {
		att.aggregate = []models.ClassScore{}
	}
	tm.observe("aggregate", aggStart)

	return att, nil
}

func (c *Classifier) framePrediction(index int, ts float64, row []float32, topK int) models.FramePrediction {
	tsCopy := ts
	return models.FramePrediction{
		FrameIndex:   index,
		TimestampSec: &tsCopy,
		Predictions:  c.scorer.TopK(row, topK),
	}
}

// ClassifyImageBatch classifies every reference, one result slot per input.
// Per-item failures become error-tagged entries, never an aborted batch.
func (c *Classifier) ClassifyImageBatch(ctx context.Context, refs []models.MediaReference, opts models.Options) (*models.BatchResult, error) {
	o, err := c.normalize(opts)
	if err != nil {
		return nil, err
	}
	return c.runBatch(ctx, refs, nil, o), nil
}

// ClassifyVideoBatch classifies every video reference, one slot per input.
func (c *Classifier) ClassifyVideoBatch(ctx context.Context, refs []models.MediaReference, opts models.Options) (*models.BatchResult, error) {
	o, err := c.normalize(opts)
	if err != nil {
		return nil, err
	}
	return c.runBatch(ctx, nil, refs, o), nil
}

// ClassifyMixed classifies an image set and a video set in one batch.
// Result indices run over images first, then videos.
func (c *Classifier) ClassifyMixed(ctx context.Context, images, videos []models.MediaReference, opts models.Options) (*models.BatchResult, error) {
	o, err := c.normalize(opts)
	if err != nil {
		return nil, err
	}
	return c.runBatch(ctx, images, videos, o), nil
}

func (c *Classifier) runBatch(ctx context.Context, images, videos []models.MediaReference, o models.Options) *models.BatchResult {
	total := len(images) + len(videos)
	start := time.Now()

	itemTimings := make([]map[string]float64, total)
	jobs := make([]pool.Job[models.BatchEntry], 0, total)

	for i := range images {
		idx, ref := i, images[i]
		jobs = append(jobs, func() (models.BatchEntry, error) {
			res, err := c.ClassifyImage(ctx, ref, o)
			if err != nil {
				return errorEntry(idx, ref, err), nil
			}
			itemTimings[idx] = res.Timings
			return models.BatchEntry{Index: idx, Input: ref.String(), Predictions: res.Predictions}, nil
		})
	}
	for i := range videos {
		idx, ref := len(images)+i, videos[i]
		jobs = append(jobs, func() (models.BatchEntry, error) {
			res, err := c.ClassifyVideo(ctx, ref, o)
			if err != nil {
				return errorEntry(idx, ref, err), nil
			}
			itemTimings[idx] = res.Timings
			return models.BatchEntry{Index: idx, Input: ref.String(), Video: res}, nil
		})
	}

	results := pool.Run(jobs, o.Concurrency)

	entries := make([]models.BatchEntry, total)
	for i, res := range results {
		if res.Err != nil {
			var ref models.MediaReference
			if i < len(images) {
				ref = images[i]
			} else {
				ref = videos[i-len(images)]
			}
			entries[i] = errorEntry(i, ref, res.Err)
			continue
		}
		entries[i] = res.Value
	}

	timings := sumTimings(itemTimings)
	timings["total"] = float64(time.Since(start).Microseconds()) / 1000.0

	return &models.BatchResult{
		Backend:   c.backend,
		ModelInfo: c.modelInfo(),
		Timings:   timings,
		Results:   entries,
	}
}

func errorEntry(index int, ref models.MediaReference, err error) models.BatchEntry {
	return models.BatchEntry{
		Index:     index,
		Input:     ref.String(),
		Error:     err.Error(),
		ErrorCode: models.CodeOf(err),
	}
}

// checkSize enforces the byte ceiling immediately after acquisition, before
// any decode or extraction work.
func checkSize(size, maxBytes int64) error {
	if maxBytes > 0 && size > maxBytes {
		return models.NewError(models.ErrSizeExceeded, "media is %d bytes, ceiling is %d", size, maxBytes)
	}
	return nil
}

func mediaBytes(med *media.ResolvedMedia) ([]byte, error) {
	if med.InMemory() {
		return med.Bytes(), nil
	}
	return os.ReadFile(med.Path())
}

// echoInput attaches the offending reference to classified errors that do
// not carry one yet.
func echoInput(err error, ref models.MediaReference) error {
	var ce *models.Error
	if errors.As(err, &ce) && ce.Input == "" {
		return ce.WithInput(ref.String())
	}
	return err
}

type stageTimer struct {
	timings map[string]float64
}

func newStageTimer() *stageTimer {
	return &stageTimer{timings: make(map[string]float64)}
}

// observe accumulates elapsed milliseconds under name; fallback attempts
// fold into the same stage keys.
func (t *stageTimer) observe(name string, start time.Time) {
	t.timings[name] += float64(time.Since(start).Microseconds()) / 1000.0
}

func sumTimings(items []map[string]float64) map[string]float64 {
	sum := make(map[string]float64)
	for _, item := range items {
		for k, v := range item {
			sum[k] += v
		}
	}
	delete(sum, "total")
	return sum
}
