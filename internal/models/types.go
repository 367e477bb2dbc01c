package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IoMode selects whether acquisition and frame extraction stage media
// through memory or through temporary files.
type IoMode string

const (
	IoMemory IoMode = "memory"
	IoDisk   IoMode = "disk"
)

// ErrorCode identifies a failure class in the pipeline taxonomy.
type ErrorCode string

const (
	ErrInvalidInput    ErrorCode = "InvalidInput"
	ErrNotFound        ErrorCode = "NotFound"
	ErrFetchFailed     ErrorCode = "FetchFailed"
	ErrSizeExceeded    ErrorCode = "SizeExceeded"
	ErrProbeFailed     ErrorCode = "ProbeFailed"
	ErrExtractionEmpty ErrorCode = "ExtractionEmpty"
	ErrModelMismatch   ErrorCode = "ModelMismatch"
	ErrWorkerFailure   ErrorCode = "WorkerFailure"
)

// Error is a classified pipeline failure. Input echoes the offending media
// reference when one is known.
type Error struct {
	Code    ErrorCode
	Message string
	Input   string
	Err     error
}

func (e *Error) Error() string {
	if e.Input != "" {
		return fmt.Sprintf("%s: %s (input: %s)", e.Code, e.Message, e.Input)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying error.
func WrapError(code ErrorCode, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithInput returns a copy of the error carrying the offending input.
func (e *Error) WithInput(input string) *Error {
	clone := *e
	clone.Input = input
	return &clone
}

// CodeOf extracts the error code from err, or "" for unclassified errors.
func CodeOf(err error) ErrorCode {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// MediaReference is one caller-supplied image or video reference: raw bytes,
// a URL, a data URI, base64 text, or a local path. Immutable once built;
// string classification happens in the media resolver.
type MediaReference struct {
	data []byte
	ref  string
}

// RefFromBytes wraps an in-memory media payload.
func RefFromBytes(data []byte) MediaReference {
	return MediaReference{data: data}
}

// RefFromString wraps a textual media reference.
func RefFromString(ref string) MediaReference {
	return MediaReference{ref: ref}
}

// IsBytes reports whether the reference carries a raw payload.
func (r MediaReference) IsBytes() bool { return r.data != nil }

// Bytes returns the raw payload, nil for textual references.
func (r MediaReference) Bytes() []byte { return r.data }

// Ref returns the textual reference, "" for byte payloads.
func (r MediaReference) Ref() string { return r.ref }

// String is the echo form used in results and error messages.
func (r MediaReference) String() string {
	if r.data != nil {
		return fmt.Sprintf("<buffer %d bytes>", len(r.data))
	}
	return r.ref
}

// TargetShape is the model's fixed input width and height.
type TargetShape struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Valid reports whether both dimensions are known positive integers.
func (s TargetShape) Valid() bool {
	return s.Width > 0 && s.Height > 0
}

// PreparedTensor is one decoded image ready for inference: interleaved RGB
// samples (alpha removed) at exactly the target shape. Index is the
// originating request position so results survive pool reordering.
type PreparedTensor struct {
	Index  int
	Width  int
	Height int
	Pixels []uint8
}

// ClassScore is one ranked prediction. Rank is 1-based, assigned after a
// stable descending sort by score.
type ClassScore struct {
	Label string  `json:"classLabel"`
	Score float64 `json:"score"`
	Rank  int     `json:"rank"`
}

// FramePrediction holds the ranked predictions for one sampled video frame.
type FramePrediction struct {
	FrameIndex   int          `json:"frameIndex"`
	TimestampSec *float64     `json:"timestampSec"`
	Predictions  []ClassScore `json:"predictions"`
}

// IoDiagnostics is a per-request snapshot of the I/O strategy taken.
type IoDiagnostics struct {
	Mode           IoMode `json:"mode"`
	FallbackToDisk bool   `json:"fallbackToDisk"`
	TempCleaned    bool   `json:"tempCleaned"`
	SizeBytes      int64  `json:"sizeBytes"`
	MaxBytes       int64  `json:"maxBytes"`
}

// ModelInfo describes the loaded classifier in result envelopes.
type ModelInfo struct {
	ClassesCount int `json:"classesCount"`
}

// ImageResult is the envelope for a single image classification.
type ImageResult struct {
	Input       string             `json:"input"`
	Backend     string             `json:"backend"`
	ModelInfo   ModelInfo          `json:"modelInfo"`
	Timings     map[string]float64 `json:"timings"`
	Predictions []ClassScore       `json:"predictions"`
}

// VideoResult is the envelope for a single video classification.
type VideoResult struct {
	Input        string             `json:"input"`
	Backend      string             `json:"backend"`
	ModelInfo    ModelInfo          `json:"modelInfo"`
	Timings      map[string]float64 `json:"timings"`
	Frames       []FramePrediction  `json:"frames"`
	Aggregate    []ClassScore       `json:"aggregate"`
	FramesScored int                `json:"framesScored"`
	IO           IoDiagnostics      `json:"io"`
}

// BatchEntry is one slot of a batch result. Either Error or the payload
// fields are populated; the slot is never missing.
type BatchEntry struct {
	Index       int          `json:"index"`
	Input       string       `json:"input"`
	Error       string       `json:"error,omitempty"`
	ErrorCode   ErrorCode    `json:"errorCode,omitempty"`
	Predictions []ClassScore `json:"predictions,omitempty"`
	Video       *VideoResult `json:"video,omitempty"`
}

// BatchResult is the envelope for image, video, and mixed batch calls.
// len(Results) always equals the input count, index-aligned to request order.
type BatchResult struct {
	Backend   string             `json:"backend"`
	ModelInfo ModelInfo          `json:"modelInfo"`
	Timings   map[string]float64 `json:"timings"`
	Results   []BatchEntry       `json:"results"`
}

// Options are the per-request knobs of the orchestrator.
type Options struct {
	IoMode      IoMode
	FrameCount  int
	TopK        int
	Turbo       bool
	MaxBytes    int64
	CenterCrop  bool
	Concurrency int
}

// JobPayload is a queued classification job (worker mode).
// Optional fields use pointers for JSON unmarshaling compatibility.
type JobPayload struct {
	JobID      string     `json:"jobId"`
	Kind       string     `json:"kind"` // "image", "video", "imageBatch", "videoBatch", "mixed"
	Inputs     []string   `json:"inputs,omitempty"`
	Images     []string   `json:"images,omitempty"`
	Videos     []string   `json:"videos,omitempty"`
	Options    JobOptions `json:"options"`
	EnqueuedAt *time.Time `json:"enqueuedAt,omitempty"`
}

// JobOptions mirrors Options with optional JSON fields.
type JobOptions struct {
	IoMode      *string `json:"ioMode,omitempty"`
	FrameCount  *int    `json:"frameCount,omitempty"`
	TopK        *int    `json:"topK,omitempty"`
	Turbo       *bool   `json:"turbo,omitempty"`
	MaxBytes    *int64  `json:"maxBytes,omitempty"`
	CenterCrop  *bool   `json:"centerCrop,omitempty"`
	Concurrency *int    `json:"concurrency,omitempty"`
}

// Resolve merges the payload options over the worker defaults.
func (o JobOptions) Resolve(defaults Options) Options {
	opts := defaults
	if o.IoMode != nil {
		opts.IoMode = IoMode(*o.IoMode)
	}
	if o.FrameCount != nil {
		opts.FrameCount = *o.FrameCount
	}
	if o.TopK != nil {
		opts.TopK = *o.TopK
	}
	if o.Turbo != nil {
		opts.Turbo = *o.Turbo
	}
	if o.MaxBytes != nil {
		opts.MaxBytes = *o.MaxBytes
	}
	if o.CenterCrop != nil {
		opts.CenterCrop = *o.CenterCrop
	}
	if o.Concurrency != nil {
		opts.Concurrency = *o.Concurrency
	}
	return opts
}

// ProgressUpdate is published over Redis pub/sub while a job runs.
type ProgressUpdate struct {
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	Progress  float64   `json:"progress"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewJobID returns a fresh job identifier.
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// Config holds process configuration loaded from the environment.
type Config struct {
	RedisURL          string
	PostgresURL       string
	ModelSource       string
	Backend           string
	TempDir           string
	WorkerConcurrency int
	MaxMediaBytes     int64
	FrameCount        int
	TopK              int
	IoMode            string
	Turbo             bool
	CenterCrop        bool
	PrepWorkers       bool
}
