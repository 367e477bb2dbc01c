// Package media resolves heterogeneous media references (URLs, paths,
// buffers, data URIs, base64 text) into memory buffers or temp-backed files.
package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/clipsight/mediaclass-worker/internal/models"
)

// ResolvedMedia is the concrete form a media reference was turned into:
// either bytes in memory or a file path backed by a temp directory this
// instance exclusively owns until Cleanup runs.
type ResolvedMedia struct {
	bytes   []byte
	path    string
	tempDir string
	size    int64

	cleanOnce sync.Once
	cleaned   bool
}

// NewMemory wraps an in-memory payload as resolved media with no release
// obligation.
func NewMemory(data []byte) *ResolvedMedia {
	return &ResolvedMedia{bytes: data, size: int64(len(data))}
}

// NewFile wraps a file-backed payload. tempDir may be "" when the media owns
// no temporary storage.
func NewFile(path, tempDir string, size int64) *ResolvedMedia {
	return &ResolvedMedia{path: path, tempDir: tempDir, size: size}
}

// InMemory reports whether the media lives in a byte buffer.
func (m *ResolvedMedia) InMemory() bool { return m.path == "" }

// Bytes returns the in-memory payload, nil for file-backed media.
func (m *ResolvedMedia) Bytes() []byte { return m.bytes }

// Path returns the local file path, "" for in-memory media.
func (m *ResolvedMedia) Path() string { return m.path }

// Size returns the resolved payload size in bytes.
func (m *ResolvedMedia) Size() int64 { return m.size }

// Cleanup releases any temp directory this media created. Idempotent and
// failure-tolerant: a second call is a no-op, removal errors are logged,
// never returned.
func (m *ResolvedMedia) Cleanup() {
	m.cleanOnce.Do(func() {
		if m.tempDir != "" {
			if err := os.RemoveAll(m.tempDir); err != nil {
				log.Printf("WARNING: failed to clean temp dir %s: %v", m.tempDir, err)
				return
			}
		}
		m.cleaned = true
	})
}

// Cleaned reports whether Cleanup completed without error.
func (m *ResolvedMedia) Cleaned() bool { return m.cleaned }

// Resolver turns media references into resolved media.
type Resolver struct {
	downloader *Downloader
	tempRoot   string
}

// NewResolver creates a resolver. tempRoot is where per-request temp
// directories are created; it is created if missing.
func NewResolver(downloader *Downloader, tempRoot string) (*Resolver, error) {
	if err := os.MkdirAll(tempRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp root: %w", err)
	}
	return &Resolver{downloader: downloader, tempRoot: tempRoot}, nil
}

// Resolve classifies ref and produces resolved media for the requested
// io mode. Classification order: binary buffer, URL, data URI, base64-looking
// string, local path. A base64-looking string that fails to decode falls
// through to the path attempt instead of erroring here.
func (r *Resolver) Resolve(ctx context.Context, ref models.MediaReference, mode models.IoMode) (*ResolvedMedia, error) {
	if ref.IsBytes() {
		if len(ref.Bytes()) == 0 {
			return nil, models.NewError(models.ErrInvalidInput, "empty media buffer")
		}
		return r.fromBytes(ref.Bytes(), mode)
	}

	s := ref.Ref()
	if s == "" {
		return nil, models.NewError(models.ErrInvalidInput, "empty media reference")
	}

	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return r.fromURL(ctx, s, mode)
	}

	if strings.HasPrefix(s, "data:") {
		data, err := decodeDataURI(s)
		if err != nil {
			return nil, models.WrapError(models.ErrInvalidInput, err, "malformed data URI").WithInput(s)
		}
		return r.fromBytes(data, mode)
	}

	if looksBase64(s) {
		if data, err := base64.StdEncoding.DecodeString(s); err == nil {
			return r.fromBytes(data, mode)
		}
		// Heuristic miss: fall through to the path attempt.
	}

	return r.fromPath(s, mode)
}

func (r *Resolver) fromBytes(data []byte, mode models.IoMode) (*ResolvedMedia, error) {
	if mode == models.IoMemory {
		return &ResolvedMedia{bytes: data, size: int64(len(data))}, nil
	}

	dir, err := r.newTempDir()
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, "input.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to write media file: %w", err)
	}

	return &ResolvedMedia{path: path, tempDir: dir, size: int64(len(data))}, nil
}

func (r *Resolver) fromURL(ctx context.Context, rawURL string, mode models.IoMode) (*ResolvedMedia, error) {
	if mode == models.IoMemory {
		data, err := r.downloader.FetchBytes(ctx, rawURL)
		if err != nil {
			return nil, models.WrapError(models.ErrFetchFailed, err, "failed to fetch media").WithInput(rawURL)
		}
		return &ResolvedMedia{bytes: data, size: int64(len(data))}, nil
	}

	dir, err := r.newTempDir()
	if err != nil {
		return nil, err
	}

	path, err := r.downloader.DownloadFile(ctx, rawURL, dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, models.WrapError(models.ErrFetchFailed, err, "failed to download media").WithInput(rawURL)
	}

	info, err := os.Stat(path)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to stat download: %w", err)
	}

	return &ResolvedMedia{path: path, tempDir: dir, size: info.Size()}, nil
}

func (r *Resolver) fromPath(path string, mode models.IoMode) (*ResolvedMedia, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.NewError(models.ErrNotFound, "local file not found").WithInput(path)
		}
		return nil, models.WrapError(models.ErrNotFound, err, "local file not accessible").WithInput(path)
	}
	if info.IsDir() {
		return nil, models.NewError(models.ErrInvalidInput, "media reference is a directory").WithInput(path)
	}

	if mode == models.IoMemory {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read media file: %w", err)
		}
		return &ResolvedMedia{bytes: data, size: int64(len(data))}, nil
	}

	// Copy into a request-owned temp dir so Cleanup never touches the
	// caller's file.
	dir, err := r.newTempDir()
	if err != nil {
		return nil, err
	}

	dst := filepath.Join(dir, "input"+filepath.Ext(path))
	if err := copyFile(path, dst); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to stage media file: %w", err)
	}

	return &ResolvedMedia{path: dst, tempDir: dir, size: info.Size()}, nil
}

func (r *Resolver) newTempDir() (string, error) {
	dir := filepath.Join(r.tempRoot, fmt.Sprintf("mediaclass-%s", uuid.New().String()[:8]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}
	return dir, nil
}

// looksBase64 reports whether s matches the base64 alphabet with a length
// that is a multiple of 4. This is a heuristic, not a guarantee; a local
// path can satisfy it, which is why decode failure falls through.
func looksBase64(s string) bool {
	if len(s) == 0 || len(s)%4 != 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '+' || c == '/' || c == '=':
		default:
			return false
		}
	}
	return true
}

// decodeDataURI extracts the payload of a data: URI. Base64 payloads are
// decoded, everything else is percent-decoded.
func decodeDataURI(s string) ([]byte, error) {
	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return nil, fmt.Errorf("data URI has no payload separator")
	}

	header := s[len("data:"):comma]
	payload := s[comma+1:]

	if strings.HasSuffix(header, ";base64") {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 payload: %w", err)
		}
		return data, nil
	}

	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid URI payload: %w", err)
	}
	return []byte(decoded), nil
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
		os.Remove(dst)
		return err
	}
	return out.Close()
}
