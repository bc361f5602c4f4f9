package dtacq

import (
	"fmt"
	"time"
)

// ChannelSample is one channel's data from one shot. Raw and Converted always have the
// same length.
type ChannelSample struct {
	Index     int
	Raw       []int16
	Converted []float64
}

// ShotRecord is everything captured in one shot. It is not modified once assembled;
// WithShotNumber returns a stamped copy.
type ShotRecord struct {
	RunID       string
	ShotNumber  int // 0 until the shot ledger has been incremented
	CaptureTime time.Time
	Channels    []ChannelSample
}

// WithShotNumber returns a copy of sr with ShotNumber set to shot. The sample slices are
// shared.
func (sr *ShotRecord) WithShotNumber(shot int) *ShotRecord {
	stamped := *sr
	stamped.ShotNumber = shot
	return &stamped
}

// Samples is the per-channel sample count, or 0 for a record with no channels.
func (sr *ShotRecord) Samples() int {
	if len(sr.Channels) == 0 {
		return 0
	}
	return len(sr.Channels[0].Converted)
}

// ChannelIndices lists the channels of sr in acquisition order.
func (sr *ShotRecord) ChannelIndices() []int {
	chans := make([]int, len(sr.Channels))
	for i, cs := range sr.Channels {
		chans[i] = cs.Index
	}
	return chans
}

// Validate checks that every channel appears once and all channels have the same,
// nonzero number of samples.
func (sr *ShotRecord) Validate() error {
	if sr.RunID == "" {
		return fmt.Errorf("shot record has no run ID")
	}
	if len(sr.Channels) == 0 {
		return fmt.Errorf("shot record has no channels")
	}
	n := sr.Samples()
	seen := make(map[int]bool)
	for _, cs := range sr.Channels {
		if seen[cs.Index] {
			return fmt.Errorf("%s appears twice in shot record", ChannelName(cs.Index))
		}
		seen[cs.Index] = true
		if len(cs.Raw) != len(cs.Converted) {
			return fmt.Errorf("%s has %d raw and %d converted samples",
				ChannelName(cs.Index), len(cs.Raw), len(cs.Converted))
		}
		if len(cs.Converted) != n || n == 0 {
			return fmt.Errorf("%s has %d samples, want %d (nonzero)", ChannelName(cs.Index), len(cs.Converted), n)
		}
	}
	return nil
}
