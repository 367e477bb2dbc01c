// Package extractor shells out to ffmpeg/ffprobe for duration probing and
// still-frame extraction, over files or in-memory pipes.
package extractor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// FFmpeg locates and drives the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
}

// New verifies the ffmpeg installation.
func New() (*FFmpeg, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found in PATH: %w", err)
	}

	return &FFmpeg{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath}, nil
}

// ProbeFile returns the media duration in seconds.
func (f *FFmpeg) ProbeFile(ctx context.Context, path string) (float64, error) {
	return f.probe(ctx, path, nil)
}

// ProbeBytes probes in-memory media over a stdin pipe. Containers with
// trailing index data (mp4 moov at EOF) routinely fail here; callers treat
// that as the signal to retry through a file.
func (f *FFmpeg) ProbeBytes(ctx context.Context, data []byte) (float64, error) {
	return f.probe(ctx, "pipe:0", data)
}

func (f *FFmpeg) probe(ctx context.Context, input string, stdin []byte) (float64, error) {
	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		"-i", input,
	)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	durationStr := strings.TrimSpace(string(output))
	duration, err := strconv.ParseFloat(durationStr, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %w", durationStr, err)
	}

	return duration, nil
}

// FrameFromFile extracts one JPEG still at the given timestamp. A frame the
// decoder cannot serve comes back as empty output, not an error.
func (f *FFmpeg) FrameFromFile(ctx context.Context, path string, timestampSec float64) ([]byte, error) {
	return f.extract(ctx, path, nil, timestampSec)
}

// FrameFromBytes extracts one JPEG still from in-memory media over pipes.
func (f *FFmpeg) FrameFromBytes(ctx context.Context, data []byte, timestampSec float64) ([]byte, error) {
	return f.extract(ctx, "pipe:0", data, timestampSec)
}

func (f *FFmpeg) extract(ctx context.Context, input string, stdin []byte, timestampSec float64) ([]byte, error) {
	cmd := exec.CommandContext(ctx, f.ffmpegPath,
		"-ss", fmt.Sprintf("%.3f", timestampSec),
		"-i", input,
		"-frames:v", "1",
		"-q:v", "2",
		"-f", "image2",
		"pipe:1",
	)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// Seeks past the usable stream are best-effort misses, reported
		// through empty output by some builds and exit codes by others.
		if stdout.Len() == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("frame extraction failed: %w (stderr: %s)", err, firstLine(stderr.String()))
	}

	return stdout.Bytes(), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
