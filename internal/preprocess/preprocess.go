// Package preprocess turns encoded image bytes into fixed-shape RGB tensors
// for inference.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"log"

	// Register the decoders the pipeline accepts.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"

	"github.com/clipsight/mediaclass-worker/internal/models"
)

// Config holds preprocessing configuration, threaded explicitly from
// classifier construction. UseWorkers delegates decode/resize work to a
// separate goroutine per call, keeping the scheduling goroutine free; on
// delegation failure the same work runs synchronously instead.
type Config struct {
	UseWorkers bool
}

// Preprocessor converts media buffers into prepared tensors.
type Preprocessor struct {
	useWorkers bool
}

// New creates a preprocessor.
func New(cfg Config) *Preprocessor {
	return &Preprocessor{useWorkers: cfg.UseWorkers}
}

// Prepare decodes data and resizes it to shape. centerCrop selects
// crop-to-fill (cover) semantics; otherwise the image is stretched, ignoring
// aspect ratio. The tensor carries index so it survives pool reordering.
func (p *Preprocessor) Prepare(data []byte, shape models.TargetShape, centerCrop bool, index int) (*models.PreparedTensor, error) {
	if !shape.Valid() {
		return nil, models.NewError(models.ErrModelMismatch, "target shape %dx%d is not fully defined", shape.Width, shape.Height)
	}

	if !p.useWorkers {
		return p.prepare(data, shape, centerCrop, index)
	}

	tensor, err := p.delegate(data, shape, centerCrop, index)
	if err != nil && models.CodeOf(err) == models.ErrWorkerFailure {
		log.Printf("WARNING: preprocessing worker failed, falling back to in-process: %v", err)
		return p.prepare(data, shape, centerCrop, index)
	}
	return tensor, err
}

type prepared struct {
	tensor *models.PreparedTensor
	err    error
}

// delegate runs prepare on a fresh goroutine. A panic over there is the
// delegation failure the caller recovers from, not a request failure.
func (p *Preprocessor) delegate(data []byte, shape models.TargetShape, centerCrop bool, index int) (*models.PreparedTensor, error) {
	done := make(chan prepared, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- prepared{err: models.NewError(models.ErrWorkerFailure, "preprocessing worker panicked: %v", r)}
			}
		}()
		tensor, err := p.prepare(data, shape, centerCrop, index)
		done <- prepared{tensor: tensor, err: err}
	}()

	res := <-done
	return res.tensor, res.err
}

func (p *Preprocessor) prepare(data []byte, shape models.TargetShape, centerCrop bool, index int) (*models.PreparedTensor, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, models.WrapError(models.ErrInvalidInput, err, "failed to decode image")
	}

	var fitted image.Image
	if centerCrop {
		fitted = coverCrop(img, shape.Width, shape.Height)
	} else {
		fitted = resize.Resize(uint(shape.Width), uint(shape.Height), img, resize.Lanczos3)
	}

	bounds := fitted.Bounds()
	if bounds.Dx() != shape.Width || bounds.Dy() != shape.Height {
		// Resize collaborator broke its contract; fatal for this item only.
		return nil, fmt.Errorf("resize produced %dx%d, want %dx%d", bounds.Dx(), bounds.Dy(), shape.Width, shape.Height)
	}

	// Interleaved RGB, alpha dropped.
	pixels := make([]uint8, shape.Width*shape.Height*3)
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := fitted.At(x, y).RGBA()
			pixels[i] = uint8(r >> 8)
			pixels[i+1] = uint8(g >> 8)
			pixels[i+2] = uint8(b >> 8)
			i += 3
		}
	}

	return &models.PreparedTensor{
		Index:  index,
		Width:  shape.Width,
		Height: shape.Height,
		Pixels: pixels,
	}, nil
}

// coverCrop scales the image to fill the target while preserving aspect
// ratio, then crops the overflow around the center.
func coverCrop(img image.Image, width, height int) image.Image {
	srcW := img.Bounds().Dx()
	srcH := img.Bounds().Dy()
	if srcW == 0 || srcH == 0 {
		return resize.Resize(uint(width), uint(height), img, resize.Lanczos3)
	}

	scaleW := float64(width) / float64(srcW)
	scaleH := float64(height) / float64(srcH)
	scale := scaleW
	if scaleH > scale {
		scale = scaleH
	}

	scaledW := int(float64(srcW)*scale + 0.5)
	scaledH := int(float64(srcH)*scale + 0.5)
	if scaledW < width {
		scaledW = width
	}
	if scaledH < height {
		scaledH = height
	}

	scaled := resize.Resize(uint(scaledW), uint(scaledH), img, resize.Lanczos3)

	offX := (scaledW - width) / 2
	offY := (scaledH - height) / 2

	cropped := image.NewRGBA(image.Rect(0, 0, width, height))
	min := scaled.Bounds().Min
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			cropped.Set(x, y, scaled.At(min.X+offX+x, min.Y+offY+y))
		}
	}
	return cropped
}
