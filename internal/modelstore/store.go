// Package modelstore loads and saves classifier artifacts: an ONNX model
// plus a metadata document carrying the ordered label list and input shape.
package modelstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/clipsight/mediaclass-worker/internal/media"
	"github.com/clipsight/mediaclass-worker/internal/models"
)

const (
	modelFile    = "model.onnx"
	metadataFile = "metadata.json"
)

// Metadata describes a stored model.
type Metadata struct {
	Classes     []string `json:"classes"`
	InputShape  []int64  `json:"input_shape,omitempty"`
	OutputShape []int64  `json:"output_shape,omitempty"`
	ImageSize   int      `json:"image_size,omitempty"`
}

// TargetShape derives the model's input width/height. ImageSize wins when
// set; otherwise the trailing H, W of a channels-last input shape are used.
func (m Metadata) TargetShape() models.TargetShape {
	if m.ImageSize > 0 {
		return models.TargetShape{Width: m.ImageSize, Height: m.ImageSize}
	}
	if n := len(m.InputShape); n >= 3 && m.InputShape[n-1] == 3 {
		return models.TargetShape{
			Height: int(m.InputShape[n-3]),
			Width:  int(m.InputShape[n-2]),
		}
	}
	return models.TargetShape{}
}

// Artifacts is a loaded model: a local model path plus its metadata.
type Artifacts struct {
	ModelPath string
	Metadata  Metadata
}

// Store loads artifacts from a local directory or an http(s) base URL.
// Remote artifacts are fetched through the media transport into a cache
// directory.
type Store struct {
	downloader *media.Downloader
	cacheDir   string
}

// NewStore creates a store. cacheDir is created if missing.
func NewStore(downloader *media.Downloader, cacheDir string) (*Store, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create model cache: %w", err)
	}
	return &Store{downloader: downloader, cacheDir: cacheDir}, nil
}

// Load resolves source (directory or base URL holding model.onnx and
// metadata.json) into local artifacts. A missing or empty label list is a
// fatal load error.
func (s *Store) Load(ctx context.Context, source string) (*Artifacts, error) {
	if source == "" {
		return nil, models.NewError(models.ErrInvalidInput, "empty model source")
	}

	var modelPath, metadataPath string
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		dir := filepath.Join(s.cacheDir, uuid.New().String()[:8])
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache dir: %w", err)
		}

		base := strings.TrimSuffix(source, "/")
		var err error
		if modelPath, err = s.fetch(ctx, base+"/"+modelFile, dir, modelFile); err != nil {
			return nil, err
		}
		if metadataPath, err = s.fetch(ctx, base+"/"+metadataFile, dir, metadataFile); err != nil {
			return nil, err
		}
	} else {
		modelPath = filepath.Join(source, modelFile)
		metadataPath = filepath.Join(source, metadataFile)
		if _, err := os.Stat(modelPath); err != nil {
			return nil, models.WrapError(models.ErrNotFound, err, "model file missing").WithInput(source)
		}
	}

	raw, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, models.WrapError(models.ErrNotFound, err, "model metadata missing").WithInput(source)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse model metadata: %w", err)
	}
	if len(meta.Classes) == 0 {
		return nil, models.NewError(models.ErrModelMismatch, "model metadata has no labels").WithInput(source)
	}

	return &Artifacts{ModelPath: modelPath, Metadata: meta}, nil
}

func (s *Store) fetch(ctx context.Context, url, dir, name string) (string, error) {
	tmp, err := s.downloader.DownloadFile(ctx, url, dir)
	if err != nil {
		return "", models.WrapError(models.ErrFetchFailed, err, "failed to fetch model artifact").WithInput(url)
	}

	dst := filepath.Join(dir, name)
	if err := os.Rename(tmp, dst); err != nil {
		return "", fmt.Errorf("failed to place model artifact: %w", err)
	}
	return dst, nil
}

// Save writes artifacts into dir.
func (s *Store) Save(dir string, artifacts *Artifacts) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create target dir: %w", err)
	}

	if err := copyFile(artifacts.ModelPath, filepath.Join(dir, modelFile)); err != nil {
		return fmt.Errorf("failed to copy model: %w", err)
	}

	raw, err := json.MarshalIndent(artifacts.Metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
