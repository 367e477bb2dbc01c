package inference

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/clipsight/mediaclass-worker/internal/models"
)

// OnnxEngine runs batched inference through an ONNX Runtime session with a
// dynamic batch dimension (NHWC float32 input, one score row per input).
type OnnxEngine struct {
	session *ort.DynamicAdvancedSession
	shape   models.TargetShape

	// ONNX Runtime sessions are not documented as safe for concurrent Run
	// calls over shared tensors, so batches are serialized.
	mu sync.Mutex
}

// NewOnnxEngine initializes the ONNX environment and loads the model.
func NewOnnxEngine(modelPath string, shape models.TargetShape) (*OnnxEngine, error) {
	if !shape.Valid() {
		return nil, models.NewError(models.ErrModelMismatch, "model input shape is undefined")
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"}, nil)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &OnnxEngine{session: session, shape: shape}, nil
}

// Predict implements Engine with a single session run per batch.
func (e *OnnxEngine) Predict(batch [][]float32) ([][]float32, error) {
	if len(batch) == 0 {
		return [][]float32{}, nil
	}

	sampleLen := e.shape.Width * e.shape.Height * 3
	flat := make([]float32, 0, len(batch)*sampleLen)
	for i, row := range batch {
		if len(row) != sampleLen {
			return nil, fmt.Errorf("batch row %d has %d values, want %d", i, len(row), sampleLen)
		}
		flat = append(flat, row...)
	}

	inputShape := ort.NewShape(int64(len(batch)), int64(e.shape.Height), int64(e.shape.Width), 3)
	inputTensor, err := ort.NewTensor(inputShape, flat)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	e.mu.Lock()
	outputs := []ort.Value{nil} // allocated by the runtime
	err = e.session.Run([]ort.Value{inputTensor}, outputs)
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	outTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}
	defer outTensor.Destroy()

	data := outTensor.GetData()
	if len(data)%len(batch) != 0 {
		return nil, fmt.Errorf("output length %d not divisible by batch size %d", len(data), len(batch))
	}
	cols := len(data) / len(batch)

	rows := make([][]float32, len(batch))
	for i := range rows {
		row := make([]float32, cols)
		copy(row, data[i*cols:(i+1)*cols])
		rows[i] = row
	}
	return rows, nil
}

// Close releases the session and the ONNX environment.
func (e *OnnxEngine) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
	ort.DestroyEnvironment()
}
