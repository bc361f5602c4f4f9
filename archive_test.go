package dtacq

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lifdaq/dtacq/internal/npymatrix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeRecord builds a ShotRecord whose channel ch holds values[ch].
func makeRecord(runID string, shot int, values map[int][]float64, order ...int) *ShotRecord {
	rec := &ShotRecord{RunID: runID, ShotNumber: shot, CaptureTime: time.Now()}
	for _, ch := range order {
		v := values[ch]
		raw := make([]int16, len(v))
		for i := range v {
			raw[i] = int16(v[i])
		}
		rec.Channels = append(rec.Channels, ChannelSample{Index: ch, Raw: raw, Converted: v})
	}
	return rec
}

func constant(n int, v float64) []float64 {
	c := make([]float64, n)
	for i := range c {
		c[i] = v
	}
	return c
}

func ramp(n int, start float64) []float64 {
	r := make([]float64, n)
	for i := range r {
		r[i] = start + float64(i)
	}
	return r
}

func TestArchiveAppendGrows(t *testing.T) {
	a := NewArchive(filepath.Join(t.TempDir(), "230101"+ContainerSuffix))
	ok, err := a.Exists("run", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	const M = 5
	for k := 1; k <= M; k++ {
		rec := makeRecord("run", 10+k, map[int][]float64{1: ramp(300, float64(k)), 2: ramp(300, -float64(k))}, 1, 2)
		report, err := a.AppendShot("run", rec)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2}, report.Updated())
		assert.Equal(t, k, report.Columns[1])
		if k == 1 {
			assert.Equal(t, []int{1, 2}, report.Created)
			assert.Empty(t, report.Appended)
		} else {
			assert.Empty(t, report.Created)
			assert.Equal(t, []int{1, 2}, report.Appended)
		}
		assert.Empty(t, report.Duplicates)

		rows, cols, err := a.Shape("run", 1)
		require.NoError(t, err)
		assert.Equal(t, 300, rows)
		assert.Equal(t, k, cols)
	}

	ok, err = a.Exists("run", 2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = a.Exists("run", 3)
	require.NoError(t, err)
	assert.False(t, ok)

	dense, err := a.ReadDataset("run", 2)
	require.NoError(t, err)
	r, c := dense.Dims()
	assert.Equal(t, 300, r)
	assert.Equal(t, M, c)
	assert.Equal(t, -3.0, dense.At(0, 2))
	assert.Equal(t, 299-3.0, dense.At(299, 2))

	attrs, err := a.Attributes("run", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, attrs.Channel)
	assert.Equal(t, 300, attrs.Rows)
	assert.Equal(t, M-1, attrs.MostRecent)
	assert.Equal(t, []int{11, 12, 13, 14, 15}, attrs.Shots)
	assert.False(t, attrs.Created.After(attrs.Updated))
	assert.Empty(t, attrs.Flags)

	runs, err := a.Runs()
	require.NoError(t, err)
	assert.Equal(t, []string{"run"}, runs)
	chans, err := a.Channels("run")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, chans)
}

func TestArchiveRowCountMismatch(t *testing.T) {
	a := NewArchive(filepath.Join(t.TempDir(), "arch"+ContainerSuffix))
	_, err := a.AppendShot("run", makeRecord("run", 1, map[int][]float64{1: ramp(10, 0), 2: ramp(10, 0)}, 1, 2))
	require.NoError(t, err)
	_, err = a.AppendShot("run", makeRecord("run", 2, map[int][]float64{1: ramp(10, 1), 2: ramp(10, 1)}, 1, 2))
	require.NoError(t, err)

	report, err := a.AppendShot("run", makeRecord("run", 3, map[int][]float64{1: ramp(12, 0), 2: ramp(12, 0)}, 1, 2))
	assert.ErrorIs(t, err, ErrRowCountMismatch)
	assert.ErrorIs(t, err, ErrPartialArchiveWrite)
	var mismatch *RowCountMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 10, mismatch.Rows)
	assert.Equal(t, 12, mismatch.Offered)
	assert.Empty(t, report.Updated())

	for _, ch := range []int{1, 2} {
		rows, cols, err := a.Shape("run", ch)
		require.NoError(t, err)
		assert.Equal(t, 10, rows)
		assert.Equal(t, 2, cols)
	}
}

func TestArchivePartialWrite(t *testing.T) {
	a := NewArchive(filepath.Join(t.TempDir(), "arch"+ContainerSuffix))
	// Channel 2 gets an established dataset of a different length.
	_, err := a.AppendShot("run", makeRecord("run", 1, map[int][]float64{2: ramp(8, 0)}, 2))
	require.NoError(t, err)

	rec := makeRecord("run", 2, map[int][]float64{1: ramp(10, 0), 2: ramp(10, 0), 3: ramp(10, 5)}, 1, 2, 3)
	report, err := a.AppendShot("run", rec)
	require.Error(t, err)
	var partial *PartialArchiveWriteError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []int{1, 3}, partial.Updated)
	assert.Contains(t, partial.Failed, 2)
	assert.ErrorIs(t, partial.Failed[2], ErrRowCountMismatch)
	assert.Equal(t, []int{1, 3}, report.Created)

	_, cols, err := a.Shape("run", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, cols)
	_, cols, err = a.Shape("run", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, cols)
}

func TestArchiveDuplicateFlag(t *testing.T) {
	a := NewArchive(filepath.Join(t.TempDir(), "arch"+ContainerSuffix))
	const n = 500
	first := ramp(n, 0)
	_, err := a.AppendShot("run", makeRecord("run", 1, map[int][]float64{1: first}, 1))
	require.NoError(t, err)

	// Identical to the first column between the checked windows, different in both of
	// them: not flagged. The reverse case, equal inside a window and different only
	// outside it, is flagged: either window matching is enough (see the tail case below).
	middle := ramp(n, 0)
	for i := 0; i < DuplicateWindow; i++ {
		middle[i] -= 1000
		middle[n-1-i] += 1000
	}
	report, err := a.AppendShot("run", makeRecord("run", 2, map[int][]float64{1: middle}, 1))
	require.NoError(t, err)
	assert.Empty(t, report.Duplicates)
	attrs, err := a.Attributes("run", 1)
	require.NoError(t, err)
	assert.Empty(t, attrs.Flags)

	// An exact repeat is flagged, and still written.
	report, err = a.AppendShot("run", makeRecord("run", 3, map[int][]float64{1: middle}, 1))
	require.NoError(t, err)
	require.Len(t, report.Duplicates, 1)
	flag := report.Duplicates[0]
	assert.Equal(t, 1, flag.Previous)
	assert.Equal(t, 2, flag.Current)
	assert.Equal(t, "Error in shot 1 or 2", flag.Name)
	_, cols, err := a.Shape("run", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, cols)
	attrs, err = a.Attributes("run", 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Error in shot 1 or 2": 1}, attrs.Flags)

	// A match of only the tail window is enough, however different the rest is.
	tail := ramp(n, 1e6)
	copy(tail[n-DuplicateWindow:], middle[n-DuplicateWindow:])
	report, err = a.AppendShot("run", makeRecord("run", 4, map[int][]float64{1: tail}, 1))
	require.NoError(t, err)
	assert.Len(t, report.Duplicates, 1)
}

func TestArchiveShortRecordsDuplicate(t *testing.T) {
	a := NewArchive(filepath.Join(t.TempDir(), "arch"+ContainerSuffix))
	_, err := a.AppendShot("run", makeRecord("run", 1, map[int][]float64{1: constant(4, 1)}, 1))
	require.NoError(t, err)
	report, err := a.AppendShot("run", makeRecord("run", 2, map[int][]float64{1: constant(4, 1)}, 1))
	require.NoError(t, err)
	assert.Len(t, report.Duplicates, 1)
	report, err = a.AppendShot("run", makeRecord("run", 3, map[int][]float64{1: constant(4, 2)}, 1))
	require.NoError(t, err)
	assert.Empty(t, report.Duplicates)
}

func TestArchiveRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	a := NewArchive(filepath.Join(dir, "arch"+ContainerSuffix))
	good := map[int][]float64{1: constant(4, 1)}
	for _, runID := range []string{"", ".", "..", "a/b", ".hidden"} {
		_, err := a.AppendShot(runID, makeRecord(runID, 1, good, 1))
		assert.Error(t, err, "run ID %q", runID)
	}

	rec := makeRecord("run", 1, good, 1)
	rec.Channels[0].Raw = rec.Channels[0].Raw[:3]
	_, err := a.AppendShot("run", rec)
	assert.Error(t, err)
	_, err = os.Stat(a.Path)
	assert.True(t, os.IsNotExist(err), "a rejected record must not create the archive")
}

func TestArchiveMissing(t *testing.T) {
	a := NewArchive(filepath.Join(t.TempDir(), "none"+ContainerSuffix))
	_, _, err := a.Shape("run", 1)
	assert.ErrorIs(t, err, ErrNoDataset)
	runs, err := a.Runs()
	assert.NoError(t, err)
	assert.Empty(t, runs)

	_, err = a.AppendShot("run", makeRecord("run", 1, map[int][]float64{1: constant(4, 1)}, 1))
	require.NoError(t, err)
	_, err = a.ReadDataset("run", 2)
	assert.ErrorIs(t, err, ErrNoDataset)
	_, err = a.Channels("other")
	assert.ErrorIs(t, err, ErrNoDataset)
}

func TestArchiveRecoversIncompleteColumn(t *testing.T) {
	a := NewArchive(filepath.Join(t.TempDir(), "arch"+ContainerSuffix))
	for k := 1; k <= 2; k++ {
		_, err := a.AppendShot("run", makeRecord("run", k, map[int][]float64{1: constant(16, float64(k))}, 1))
		require.NoError(t, err)
	}
	// Simulate a crash after part of a third column reached the disk.
	path := filepath.Join(a.Path, "run", "Ch01.npy")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write(make([]byte, 40))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = a.AppendShot("run", makeRecord("run", 3, map[int][]float64{1: constant(16, 3)}, 1))
	require.NoError(t, err)
	dense, err := a.ReadDataset("run", 1)
	require.NoError(t, err)
	_, cols := dense.Dims()
	assert.Equal(t, 3, cols)
	for j := 0; j < 3; j++ {
		assert.Equal(t, float64(j+1), dense.At(15, j))
	}

	m, err := npymatrix.OpenReadOnly(path)
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, 3, m.Cols())
}
