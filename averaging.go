package dtacq

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// AveragingView computes shot averages from an Archive. It only reads, and opens the
// archive afresh for every call.
type AveragingView struct {
	archive *Archive
}

// NewAveragingView returns a view of a.
func NewAveragingView(a *Archive) *AveragingView {
	return &AveragingView{archive: a}
}

// ChannelAverage is the mean record of one channel over all archived shots.
type ChannelAverage struct {
	Channel int
	Series  []float64
	Shots   int
}

// Average returns the sample-by-sample mean over every shot of channel ch under runID,
// and the number of shots averaged.
func (v *AveragingView) Average(runID string, ch int) ([]float64, int, error) {
	dense, err := v.archive.ReadDataset(runID, ch)
	if err != nil {
		return nil, 0, err
	}
	rows, cols := dense.Dims()
	series := make([]float64, rows)
	row := make([]float64, cols)
	for i := range series {
		mat.Row(row, i, dense)
		series[i] = stat.Mean(row, nil)
	}
	return series, cols, nil
}

// AverageAll averages each of channels, or every channel in the run if channels is
// empty.
func (v *AveragingView) AverageAll(runID string, channels []int) ([]ChannelAverage, error) {
	if len(channels) == 0 {
		var err error
		if channels, err = v.archive.Channels(runID); err != nil {
			return nil, err
		}
	}
	averages := make([]ChannelAverage, 0, len(channels))
	for _, ch := range channels {
		series, n, err := v.Average(runID, ch)
		if err != nil {
			return averages, fmt.Errorf("averaging run %q %s: %w", runID, ChannelName(ch), err)
		}
		averages = append(averages, ChannelAverage{Channel: ch, Series: series, Shots: n})
	}
	publishUpdate("AVERAGE", averageSummary(runID, averages))
	return averages, nil
}

// AverageStatus is the status-port summary of an averaging pass. Series are not sent.
type AverageStatus struct {
	RunID    string
	Channels []int
	Shots    []int
}

func averageSummary(runID string, averages []ChannelAverage) AverageStatus {
	s := AverageStatus{RunID: runID}
	for _, a := range averages {
		s.Channels = append(s.Channels, a.Channel)
		s.Shots = append(s.Shots, a.Shots)
	}
	return s
}

// TimeAxisMillis returns the time of each of n samples in milliseconds, from 0 to
// n/sampleRate seconds inclusive.
func TimeAxisMillis(n int, sampleRate float64) []float64 {
	if n <= 0 {
		return nil
	}
	axis := make([]float64, n)
	if n == 1 {
		return axis
	}
	return floats.Span(axis, 0, 1000*float64(n)/sampleRate)
}
