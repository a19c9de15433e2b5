package audit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// replaceFile writes content next to path and renames it into place.
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o600))
	require.NoError(t, os.Rename(tmp, path))
}

func TestPatternWatcher_Reloads(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	path := filepath.Join(t.TempDir(), "patterns.toml")
	require.NoError(t, os.WriteFile(path, []byte("name = \"v1\"\n[[rules]]\nid = \"a\"\nkeywords = [\"a\"]\n"), 0o600))

	var (
		mu       sync.Mutex
		failures int
	)
	w, err := NewPatternWatcher(path, nil, WithReloadHook(func(_ PatternSet, err error) {
		if err != nil {
			mu.Lock()
			failures++
			mu.Unlock()
		}
	}))
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, "v1", w.Patterns().Name)

	w.Start(context.Background())

	replaceFile(t, path, "name = \"v2\"\n[[rules]]\nid = \"b\"\nkeywords = [\"b\"]\n")
	require.Eventually(t, func() bool { return w.Patterns().Name == "v2" }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "b", w.Patterns().Rules[0].ID)

	replaceFile(t, path, "name = [")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return failures > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "v2", w.Patterns().Name)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}

func TestPatternWatcher_InvalidInitialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.toml")
	require.NoError(t, os.WriteFile(path, []byte("[[rules]]\nid = \"a\"\npattern = \"(\"\n"), 0o600))

	_, err := NewPatternWatcher(path, nil)
	assert.ErrorIs(t, err, ErrInvalidRegex)

	_, err = NewPatternWatcher(filepath.Join(t.TempDir(), "missing.toml"), nil)
	assert.Error(t, err)
}

func TestPatternWatcher_CloseWithoutStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.toml")
	require.NoError(t, os.WriteFile(path, []byte("name = \"x\"\n"), 0o600))

	w, err := NewPatternWatcher(path, nil)
	require.NoError(t, err)
	assert.NoError(t, w.Close())
}
