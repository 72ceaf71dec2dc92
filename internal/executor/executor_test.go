package executor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesStdout(t *testing.T) {
	out, err := Exec{}.Run(context.Background(), t.TempDir(), "sh", "-c", "echo '  hello  '")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestRunUsesWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	out, err := Exec{}.Run(context.Background(), dir, "pwd")
	require.NoError(t, err)
	// macOS tmp dirs are symlinked under /private
	assert.True(t, strings.HasSuffix(out, filepath.Base(dir)))
}

func TestRunNonZeroExit(t *testing.T) {
	_, err := Exec{}.Run(context.Background(), "", "sh", "-c", "echo boom >&2; exit 3")
	require.Error(t, err)
	var ee *ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 3, ee.Code)
	assert.Equal(t, "boom", ee.Stderr)
	assert.False(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "exit code 3")
}

func TestRunMissingBinary(t *testing.T) {
	_, err := Exec{}.Run(context.Background(), "", "definitely-not-a-real-binary-xyz")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	var ee *ExitError
	assert.False(t, errors.As(err, &ee))
}

func TestRunDropsInvalidUTF8(t *testing.T) {
	out, err := Exec{}.Run(context.Background(), "", "printf", `a\377b`)
	require.NoError(t, err)
	assert.Equal(t, "ab", out)
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Exec{}.Run(ctx, "", "sleep", "5")
	require.Error(t, err)
}
