package dtacq

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextShot(t *testing.T) {
	tmp := t.TempDir()
	base := filepath.Join(tmp, "data", "deeper", "transient_capture%d")

	shot, err := CurrentShot(base)
	require.NoError(t, err)
	assert.Equal(t, 0, shot)

	const N = 7
	for i := 1; i <= N; i++ {
		shot, ledger, err := NextShot(base)
		require.NoError(t, err)
		assert.Equal(t, i, shot)
		assert.Equal(t, filepath.Join(tmp, "data", "deeper", "SHOT"), ledger)
	}

	contents, err := os.ReadFile(LedgerPath(base))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(contents)), "\n")
	assert.Len(t, lines, N+1)
	assert.Equal(t, "0", lines[0])
	assert.Equal(t, "7", lines[N])

	shot, err = CurrentShot(base)
	require.NoError(t, err)
	assert.Equal(t, N, shot)
}

// The ledger survives "restarts": an existing ledger is continued, not reset.
func TestNextShotExistingLedger(t *testing.T) {
	tmp := t.TempDir()
	base := filepath.Join(tmp, "capture%d")
	require.NoError(t, os.WriteFile(LedgerPath(base), []byte("0\n1\n2\n41\n\n"), 0644))
	shot, _, err := NextShot(base)
	require.NoError(t, err)
	assert.Equal(t, 42, shot)

	contents, err := os.ReadFile(LedgerPath(base))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(contents), "0\n1\n2\n41\n"))
	assert.True(t, strings.HasSuffix(string(contents), "42\n"))
}

// A last line torn by a crash is ended before the next shot is appended.
func TestNextShotTornLine(t *testing.T) {
	base := filepath.Join(t.TempDir(), "capture%d")
	require.NoError(t, os.WriteFile(LedgerPath(base), []byte("0\n1"), 0644))
	shot, _, err := NextShot(base)
	require.NoError(t, err)
	assert.Equal(t, 2, shot)
	shot, _, err = NextShot(base)
	require.NoError(t, err)
	assert.Equal(t, 3, shot)

	contents, err := os.ReadFile(LedgerPath(base))
	require.NoError(t, err)
	assert.Equal(t, "0\n1\n2\n3\n", string(contents))
}

func TestNextShotErrors(t *testing.T) {
	tmp := t.TempDir()
	base := filepath.Join(tmp, "capture%d")
	require.NoError(t, os.WriteFile(LedgerPath(base), []byte("0\nbanana\n\n\n"), 0644))
	_, _, err := NextShot(base)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2:")

	// The directory to hold the ledger is a plain file.
	blocker := filepath.Join(tmp, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	_, _, err = NextShot(filepath.Join(blocker, "capture%d"))
	assert.Error(t, err)
}

func TestNextShotNoDirectory(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	tmp := t.TempDir()
	require.NoError(t, os.Chdir(tmp))
	defer os.Chdir(wd)

	shot, ledger, err := NextShot("capture%d")
	require.NoError(t, err)
	assert.Equal(t, 1, shot)
	assert.Equal(t, LedgerName, ledger)
}
