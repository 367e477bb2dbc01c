// Package inference stacks prepared tensors into batches, runs the engine,
// and ranks class scores.
package inference

import (
	"sort"

	"github.com/clipsight/mediaclass-worker/internal/models"
)

// Engine is the numeric backend: one call per batch, one score row per
// input, columns aligned to the label order.
type Engine interface {
	Predict(batch [][]float32) ([][]float32, error)
}

// Scorer normalizes tensors, invokes the engine once per batch, and
// extracts ranked predictions.
type Scorer struct {
	engine Engine
	labels []string
}

// NewScorer creates a scorer. The label list must be non-empty.
func NewScorer(engine Engine, labels []string) (*Scorer, error) {
	if len(labels) == 0 {
		return nil, models.NewError(models.ErrModelMismatch, "label list is empty")
	}
	return &Scorer{engine: engine, labels: labels}, nil
}

// Classes returns the class count.
func (s *Scorer) Classes() int {
	return len(s.labels)
}

// Labels returns the ordered label list.
func (s *Scorer) Labels() []string {
	return s.labels
}

// Scores runs one batched inference over tensors and returns the raw score
// rows, in tensor order. Pixel samples are mapped into [-1, 1] via
// (p - 127.5) / 127.5, the normalization the model was trained with.
func (s *Scorer) Scores(tensors []*models.PreparedTensor) ([][]float32, error) {
	if len(tensors) == 0 {
		return [][]float32{}, nil
	}

	batch := make([][]float32, len(tensors))
	for i, t := range tensors {
		row := make([]float32, len(t.Pixels))
		for j, p := range t.Pixels {
			row[j] = (float32(p) - 127.5) / 127.5
		}
		batch[i] = row
	}

	rows, err := s.engine.Predict(batch)
	if err != nil {
		return nil, err
	}
	if len(rows) != len(tensors) {
		return nil, models.NewError(models.ErrModelMismatch,
			"engine returned %d rows for %d inputs", len(rows), len(tensors))
	}
	for _, row := range rows {
		if len(row) != len(s.labels) {
			return nil, models.NewError(models.ErrModelMismatch,
				"engine reports %d classes, label list has %d", len(row), len(s.labels))
		}
	}

	return rows, nil
}

// TopK ranks one score row. k <= 0 selects the full class count; k is
// otherwise capped at the class count. Ties keep ascending class index.
func (s *Scorer) TopK(row []float32, k int) []models.ClassScore {
	if k <= 0 || k > len(row) {
		k = len(row)
	}

	order := make([]int, len(row))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return row[order[a]] > row[order[b]]
	})

	top := make([]models.ClassScore, k)
	for rank := 0; rank < k; rank++ {
		idx := order[rank]
		top[rank] = models.ClassScore{
			Label: s.labels[idx],
			Score: float64(row[idx]),
			Rank:  rank + 1,
		}
	}
	return top
}

// Infer is the batched entry point: one engine call, then per-row top-K.
func (s *Scorer) Infer(tensors []*models.PreparedTensor, topK int) ([][]models.ClassScore, error) {
	rows, err := s.Scores(tensors)
	if err != nil {
		return nil, err
	}

	ranked := make([][]models.ClassScore, len(rows))
	for i, row := range rows {
		ranked[i] = s.TopK(row, topK)
	}
	return ranked, nil
}
