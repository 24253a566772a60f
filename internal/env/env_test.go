package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeLayering(t *testing.T) {
	e := Empty()
	e.Set("A=1", "B=2", "=bad", "noequals")
	out := e.Merge([]string{"B=3", "C=${A}-${B}"})
	assert.Equal(t, []string{"A=1", "B=3", "C=1-3"}, out)
}

func TestUnknownReferenceKept(t *testing.T) {
	out := Empty().Merge([]string{"X=${NOPE}"})
	assert.Equal(t, []string{"X=${NOPE}"}, out)
}

func TestNewInheritsOS(t *testing.T) {
	t.Setenv("GUARDERD_ENV_TEST", "yes")
	out := New().Merge(nil)
	assert.Contains(t, out, "GUARDERD_ENV_TEST=yes")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.env")
	content := "# comment\n\nexport PORT=8080\nNAME = web \nbroken\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	e := Empty()
	require.NoError(t, e.LoadFile(path))
	assert.Equal(t, []string{"NAME=web", "PORT=8080"}, e.Merge(nil))

	assert.Error(t, e.LoadFile(filepath.Join(t.TempDir(), "missing.env")))
}

func TestWithSetDoesNotMutateReceiver(t *testing.T) {
	a := Empty()
	b := a.WithSet("K", "V")
	assert.Empty(t, a.Merge(nil))
	assert.Equal(t, []string{"K=V"}, b.Merge(nil))
}
