package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Downloader handles HTTP media fetches with retry logic. Retry policy and
// the request timeout live here; callers never retry on top.
type Downloader struct {
	client       *http.Client
	maxRetries   int
	retryDelay   time.Duration
	maxFileSize  int64
	allowedTypes []string
}

// DownloaderConfig holds configuration for the HTTP transport.
type DownloaderConfig struct {
	MaxRetries   int           // Default: 3
	RetryDelay   time.Duration // Default: 2s
	Timeout      time.Duration // Default: 5min
	MaxFileSize  int64         // Default: 5GB
	AllowedTypes []string      // Default: image/*, video/*, application/octet-stream
}

// NewDownloader creates a downloader with defaults filled in.
func NewDownloader(config *DownloaderConfig) *Downloader {
	if config == nil {
		config = &DownloaderConfig{}
	}

	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 2 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.MaxFileSize == 0 {
		config.MaxFileSize = 5 * 1024 * 1024 * 1024 // 5GB
	}
	if len(config.AllowedTypes) == 0 {
		config.AllowedTypes = []string{"image/", "video/", "application/octet-stream"}
	}

	return &Downloader{
		client: &http.Client{
			Timeout: config.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		maxFileSize:  config.MaxFileSize,
		allowedTypes: config.AllowedTypes,
	}
}

// FetchBytes downloads a URL into memory with retry logic.
func (d *Downloader) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	var buf bytes.Buffer
	err := d.withRetries(ctx, url, func() error {
		buf.Reset()
		return d.fetchAttempt(ctx, url, &buf)
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DownloadFile downloads a URL into a file under destDir with retry logic
// and returns the file path.
func (d *Downloader) DownloadFile(ctx context.Context, url, destDir string) (string, error) {
	var path string
	err := d.withRetries(ctx, url, func() error {
		file, err := os.Create(filepath.Join(destDir, fmt.Sprintf("download-%s.bin", uuid.New().String()[:8])))
		if err != nil {
			return fmt.Errorf("failed to create temp file: %w", err)
		}

		if err := d.fetchAttempt(ctx, url, file); err != nil {
			file.Close()
			os.Remove(file.Name())
			return err
		}
		if err := file.Close(); err != nil {
			os.Remove(file.Name())
			return fmt.Errorf("failed to close file: %w", err)
		}

		path = file.Name()
		return nil
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// withRetries runs attempt up to maxRetries times with exponential backoff,
// skipping retries for non-retryable failures.
func (d *Downloader) withRetries(ctx context.Context, url string, attempt func() error) error {
	var lastErr error

	for n := 1; n <= d.maxRetries; n++ {
		err := attempt()
		if err == nil {
			return nil
		}
		lastErr = err

		if !d.isRetryableError(err) {
			return fmt.Errorf("download failed (non-retryable): %w", err)
		}

		if n < d.maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.retryDelay * time.Duration(n)):
			}
		}
	}

	return fmt.Errorf("download failed after %d attempts for %s: %w", d.maxRetries, url, lastErr)
}

// fetchAttempt performs a single GET and streams the body into dst.
func (d *Downloader) fetchAttempt(ctx context.Context, url string, dst io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "MediaClass-Worker/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, resp.Status),
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if !d.isAllowedContentType(contentType) {
		return &ValidationError{
			Field:   "Content-Type",
			Value:   contentType,
			Message: fmt.Sprintf("unsupported content type: %s", contentType),
		}
	}

	if resp.ContentLength > 0 && resp.ContentLength > d.maxFileSize {
		return &ValidationError{
			Field:   "Content-Length",
			Value:   fmt.Sprintf("%d bytes", resp.ContentLength),
			Message: fmt.Sprintf("file too large: %d bytes (max: %d bytes)", resp.ContentLength, d.maxFileSize),
		}
	}

	_, err = d.copyWithLimit(dst, resp.Body, d.maxFileSize)
	return err
}

// copyWithLimit copies data with a hard size limit.
func (d *Downloader) copyWithLimit(dst io.Writer, src io.Reader, limit int64) (int64, error) {
	limitedReader := io.LimitReader(src, limit+1) // +1 to detect overflow
	written, err := io.Copy(dst, limitedReader)
	if err != nil {
		return written, err
	}

	if written > limit {
		return written, &ValidationError{
			Field:   "file_size",
			Value:   fmt.Sprintf("%d bytes", written),
			Message: fmt.Sprintf("file exceeded size limit: %d bytes (max: %d bytes)", written, limit),
		}
	}

	return written, nil
}

func (d *Downloader) isAllowedContentType(contentType string) bool {
	if contentType == "" {
		// Some servers don't set it.
		return true
	}

	for _, allowed := range d.allowedTypes {
		if len(contentType) >= len(allowed) && contentType[:len(allowed)] == allowed {
			return true
		}
	}

	return false
}

func (d *Downloader) isRetryableError(err error) bool {
	// Validation failures won't improve on retry.
	if _, ok := err.(*ValidationError); ok {
		return false
	}

	// Only 5xx server errors are worth retrying.
	if httpErr, ok := err.(*HTTPError); ok {
		return httpErr.StatusCode >= 500
	}

	return true
}

// HTTPError represents an HTTP status failure.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

// ValidationError represents a response validation failure.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (value: %s)", e.Field, e.Message, e.Value)
}
