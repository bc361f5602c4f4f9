package dtacq

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, dev *SimDevice, cfg AcquisitionConfig, shots int) *Session {
	t.Helper()
	dir := t.TempDir()
	o, err := NewOrchestrator(dev, cfg)
	require.NoError(t, err)
	return &Session{
		Orchestrator: o,
		Archive:      NewArchive(filepath.Join(dir, "240101"+ContainerSuffix)),
		RunID:        "lif",
		Shots:        shots,
		SaveData:     filepath.Join(dir, "data", "transient_capture%d"),
		DeviceKind:   "simulated",
	}
}

func TestSessionThreeSoftShots(t *testing.T) {
	dev := NewSimDevice(2)
	dev.ArmPolls = 2
	dev.Generator = constantGenerator
	s := newTestSession(t, dev, testAcquisitionConfig(0, 4), 3)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, summary.Channels)
	assert.Equal(t, []int{1, 2, 3}, summary.Archived)
	assert.Zero(t, summary.Skipped)
	assert.Zero(t, summary.Duplicates)
	assert.Equal(t, 0, dev.IgnoredSoftTriggers())
	assert.False(t, summary.End.IsZero())
	assert.False(t, summary.End.Before(summary.Start))

	series, n, err := NewAveragingView(s.Archive).Average("lif", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []float64{2, 2, 2, 2}, series)

	require.Len(t, summary.Averages, 2)
	assert.Equal(t, []float64{20, 20, 20, 20}, summary.Averages[1].Series)
	assert.Equal(t, 3, summary.Averages[1].Shots)

	// The ledger holds the seed and one line per archived shot.
	contents, err := os.ReadFile(LedgerPath(s.SaveData))
	require.NoError(t, err)
	assert.Equal(t, "0\n1\n2\n3\n", string(contents))

	attrs, err := s.Archive.Attributes("lif", 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, attrs.Shots)
	assert.Equal(t, 2, attrs.MostRecent)
}

func TestSessionSkipsFailedShot(t *testing.T) {
	dev := NewSimDevice(2)
	dev.Generator = constantGenerator
	dev.FailRead = func(shot, ch int) (int, error) {
		if shot == 2 && ch == 2 {
			return 3, io.ErrUnexpectedEOF
		}
		return 0, nil
	}
	s := newTestSession(t, dev, testAcquisitionConfig(0, 4), 3)

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, []int{1, 2}, summary.Archived, "ledger numbers only count archived shots")

	for _, ch := range []int{1, 2} {
		dense, err := s.Archive.ReadDataset("lif", ch)
		require.NoError(t, err)
		rows, cols := dense.Dims()
		assert.Equal(t, 4, rows)
		assert.Equal(t, 2, cols)
	}
	// Channel 1 of shot 2 was read successfully but must not reach the archive.
	dense, err := s.Archive.ReadDataset("lif", 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, dense.At(0, 0))
	assert.Equal(t, 3.0, dense.At(0, 1))

	series, n, err := NewAveragingView(s.Archive).Average("lif", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []float64{2, 2, 2, 2}, series)
}

func TestSessionRetries(t *testing.T) {
	dev := NewSimDevice(1)
	dev.Generator = constantGenerator
	dev.FailRead = func(shot, ch int) (int, error) {
		if shot == 1 {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, nil
	}
	s := newTestSession(t, dev, testAcquisitionConfig(0, 4), 2)
	s.MaxRetries = 2
	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Retries)
	assert.Zero(t, summary.Skipped)
	assert.Equal(t, []int{1, 2}, summary.Archived)
	assert.Equal(t, 3, dev.Shots())
}

func TestSessionStopsOnConfigError(t *testing.T) {
	dev := NewSimDevice(1)
	dev.RejectConfig = errors.New("bad trigger")
	s := newTestSession(t, dev, testAcquisitionConfig(0, 4), 3)
	summary, err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrConfigRejected)
	assert.Empty(t, summary.Archived)
	assert.False(t, summary.End.IsZero(), "end time is set on early returns too")
	_, err = os.Stat(s.Archive.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestSessionStopsOnRowMismatch(t *testing.T) {
	dev := NewSimDevice(1)
	dev.Generator = constantGenerator
	s := newTestSession(t, dev, testAcquisitionConfig(0, 4), 2)
	_, err := s.Run(context.Background())
	require.NoError(t, err)

	o, err := NewOrchestrator(dev, testAcquisitionConfig(0, 6))
	require.NoError(t, err)
	s.Orchestrator = o
	summary, err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrRowCountMismatch)
	assert.Empty(t, summary.Archived)
	_, cols, err := s.Archive.Shape("lif", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, cols)
}

func TestSessionBadSettings(t *testing.T) {
	dev := NewSimDevice(2)
	s := newTestSession(t, dev, testAcquisitionConfig(0, 4), 0)
	_, err := s.Run(context.Background())
	assert.Error(t, err)

	s.Shots = 1
	s.Channels = []int{3}
	_, err = s.Run(context.Background())
	assert.ErrorIs(t, err, ErrUnknownChannel)

	s.Channels = nil
	s.RunID = "no/slashes"
	_, err = s.Run(context.Background())
	assert.True(t, err != nil && strings.Contains(err.Error(), "run ID"))
}

func TestSessionCanceled(t *testing.T) {
	dev := NewSimDevice(1)
	dev.ArmPolls = 1000000
	s := newTestSession(t, dev, testAcquisitionConfig(0, 4), 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
