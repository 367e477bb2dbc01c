package media

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipsight/mediaclass-worker/internal/models"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(NewDownloader(nil), t.TempDir())
	require.NoError(t, err)
	return r
}

func TestResolveBytesMemory(t *testing.T) {
	r := newTestResolver(t)

	med, err := r.Resolve(context.Background(), models.RefFromBytes([]byte{1, 2, 3}), models.IoMemory)
	require.NoError(t, err)
	defer med.Cleanup()

	assert.True(t, med.InMemory())
	assert.Equal(t, []byte{1, 2, 3}, med.Bytes())
	assert.Equal(t, int64(3), med.Size())
}

func TestResolveBytesDisk(t *testing.T) {
	r := newTestResolver(t)

	med, err := r.Resolve(context.Background(), models.RefFromBytes([]byte("payload")), models.IoDisk)
	require.NoError(t, err)

	assert.False(t, med.InMemory())
	data, err := os.ReadFile(med.Path())
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	med.Cleanup()
	_, err = os.Stat(med.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestResolveEmptyBuffer(t *testing.T) {
	r := newTestResolver(t)

	_, err := r.Resolve(context.Background(), models.RefFromBytes(nil), models.IoMemory)
	assert.Equal(t, models.ErrInvalidInput, models.CodeOf(err))
}

func TestResolveEmptyReference(t *testing.T) {
	r := newTestResolver(t)

	_, err := r.Resolve(context.Background(), models.RefFromString(""), models.IoMemory)
	assert.Equal(t, models.ErrInvalidInput, models.CodeOf(err))
}

func TestResolveDataURIBase64(t *testing.T) {
	r := newTestResolver(t)

	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("pixels"))
	med, err := r.Resolve(context.Background(), models.RefFromString(uri), models.IoMemory)
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(med.Bytes()))
}

func TestResolveDataURIPlain(t *testing.T) {
	r := newTestResolver(t)

	med, err := r.Resolve(context.Background(), models.RefFromString("data:text/plain,hello%20world"), models.IoMemory)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(med.Bytes()))
}

func TestResolveDataURIMalformed(t *testing.T) {
	r := newTestResolver(t)

	_, err := r.Resolve(context.Background(), models.RefFromString("data:image/png;base64"), models.IoMemory)
	assert.Equal(t, models.ErrInvalidInput, models.CodeOf(err))

	_, err = r.Resolve(context.Background(), models.RefFromString("data:image/png;base64,@@@@"), models.IoMemory)
	assert.Equal(t, models.ErrInvalidInput, models.CodeOf(err))
}

func TestResolveBareBase64(t *testing.T) {
	r := newTestResolver(t)

	encoded := base64.StdEncoding.EncodeToString([]byte("raw media bytes"))
	med, err := r.Resolve(context.Background(), models.RefFromString(encoded), models.IoMemory)
	require.NoError(t, err)
	assert.Equal(t, "raw media bytes", string(med.Bytes()))
}

func TestResolveBase64LookalikeFallsThroughToPath(t *testing.T) {
	r := newTestResolver(t)

	// Matches the base64 alphabet and length rule but fails to decode, so
	// resolution falls through to the path attempt.
	_, err := r.Resolve(context.Background(), models.RefFromString("ab=c"), models.IoMemory)
	assert.Equal(t, models.ErrNotFound, models.CodeOf(err))
}

func TestResolveLocalPathMemory(t *testing.T) {
	r := newTestResolver(t)

	path := filepath.Join(t.TempDir(), "clip.bin")
	require.NoError(t, os.WriteFile(path, []byte("file body"), 0o644))

	med, err := r.Resolve(context.Background(), models.RefFromString(path), models.IoMemory)
	require.NoError(t, err)
	assert.True(t, med.InMemory())
	assert.Equal(t, "file body", string(med.Bytes()))
}

func TestResolveLocalPathDiskCopies(t *testing.T) {
	r := newTestResolver(t)

	src := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(src, []byte("video body"), 0o644))

	med, err := r.Resolve(context.Background(), models.RefFromString(src), models.IoDisk)
	require.NoError(t, err)

	assert.NotEqual(t, src, med.Path())
	assert.Equal(t, ".mp4", filepath.Ext(med.Path()))

	med.Cleanup()
	assert.True(t, med.Cleaned())

	// The caller's file survives cleanup.
	_, err = os.Stat(src)
	assert.NoError(t, err)
	_, err = os.Stat(med.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestResolveMissingPath(t *testing.T) {
	r := newTestResolver(t)

	_, err := r.Resolve(context.Background(), models.RefFromString("/no/such/file.bin"), models.IoMemory)
	assert.Equal(t, models.ErrNotFound, models.CodeOf(err))
}

func TestResolveDirectory(t *testing.T) {
	r := newTestResolver(t)

	_, err := r.Resolve(context.Background(), models.RefFromString(t.TempDir()), models.IoMemory)
	assert.Equal(t, models.ErrInvalidInput, models.CodeOf(err))
}

func TestCleanupIdempotent(t *testing.T) {
	r := newTestResolver(t)

	med, err := r.Resolve(context.Background(), models.RefFromBytes([]byte("x")), models.IoDisk)
	require.NoError(t, err)

	med.Cleanup()
	med.Cleanup()
	assert.True(t, med.Cleaned())
}

func TestLooksBase64(t *testing.T) {
	assert.True(t, looksBase64("QUJDRA=="))
	assert.False(t, looksBase64(""))
	assert.False(t, looksBase64("abc"))      // length not a multiple of 4
	assert.False(t, looksBase64("ab c"))     // space outside the alphabet
	assert.False(t, looksBase64("a.mp4xyz")) // dot outside the alphabet
}
