package capture

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	st, err := os.Stat(path)
	require.NoError(t, err)
	return st.Size()
}

func TestWriterAppendsAndTracksSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o644))

	w, err := OpenWriter(path, 1024)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	assert.Equal(t, int64(4), w.Size())

	_, err = w.Write([]byte("new\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(8), w.Size())
	assert.Equal(t, int64(8), fileSize(t, path))
}

func TestWriterRotatesBelowMax(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout.log")
	const max = 200
	w, err := OpenWriter(path, max)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	chunk := bytes.Repeat([]byte("x"), 60)
	for i := 0; i < 50; i++ {
		_, err := w.Write(chunk)
		require.NoError(t, err)
		// Invariant holds after every single write.
		require.LessOrEqual(t, w.Size(), int64(max))
		require.Equal(t, w.Size(), fileSize(t, path))
	}
}

func TestWriterRotationDiscardsAndMarks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout.log")
	w, err := OpenWriter(path, 100)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	_, err = w.Write([]byte(strings.Repeat("a", 90)))
	require.NoError(t, err)
	_, err = w.Write([]byte(strings.Repeat("b", 20)))
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Less(t, len(got), 100)
	assert.NotContains(t, string(got), "aaaa")
	assert.Contains(t, string(got), "log size exceeded, rotated")
}

func TestWriterTinyMaxSkipsMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout.log")
	w, err := OpenWriter(path, 10)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	_, err = w.Write([]byte("0123456789AB"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), w.Size())
	assert.Equal(t, int64(0), fileSize(t, path))
}

func TestWriterOversizedLeftoverIsTruncatedOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout.log")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("z"), 500), 0o644))
	w, err := OpenWriter(path, 100)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	assert.Less(t, w.Size(), int64(100))
}

func TestWriterNoRotationWhenUnbounded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout.log")
	w, err := OpenWriter(path, 0)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()
	_, err = w.Write(bytes.Repeat([]byte("q"), 4096))
	require.NoError(t, err)
	assert.Equal(t, int64(4096), fileSize(t, path))
}

func TestCaptureCollectsChildOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout.log")
	c, err := Start(path, 1<<20, nil)
	require.NoError(t, err)

	cmd := exec.Command("/bin/sh", "-c", "echo to-stdout; echo to-stderr 1>&2")
	cmd.Stdout = c.Stream()
	cmd.Stderr = c.Stream()
	require.NoError(t, cmd.Run())
	c.Notef("child %d exited", 42)

	require.NoError(t, c.Close(2*time.Second))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	s := string(got)
	assert.Contains(t, s, "to-stdout")
	assert.Contains(t, s, "to-stderr")
	assert.Contains(t, s, "guarderd: child 42 exited")
}

func TestCaptureCloseIsIdempotent(t *testing.T) {
	c, err := Start(filepath.Join(t.TempDir(), "stdout.log"), 0, nil)
	require.NoError(t, err)
	require.NoError(t, c.Close(time.Second))
	require.NoError(t, c.Close(time.Second))
}

func TestCaptureCloseWithHeldWriteEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stdout.log")
	c, err := Start(path, 0, nil)
	require.NoError(t, err)

	// A background process keeps the pipe open past Close.
	cmd := exec.Command("/bin/sh", "-c", "sleep 5")
	cmd.Stdout = c.Stream()
	require.NoError(t, cmd.Start())
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	start := time.Now()
	require.NoError(t, c.Close(200*time.Millisecond))
	assert.Less(t, time.Since(start), 3*time.Second)
}
