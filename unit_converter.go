package dtacq

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// ChannelCalibration is the linear raw-to-volts map of one channel: volts = raw*Gain + Offset.
type ChannelCalibration struct {
	Gain   float64
	Offset float64
}

// Calibration is an immutable snapshot of per-channel calibrations, taken once per shot.
type Calibration struct {
	chans map[int]ChannelCalibration
}

// NewCalibration makes a snapshot holding a copy of cals.
func NewCalibration(cals map[int]ChannelCalibration) Calibration {
	c := Calibration{chans: make(map[int]ChannelCalibration, len(cals))}
	for ch, cc := range cals {
		c.chans[ch] = cc
	}
	return c
}

// Channel returns the calibration of channel ch.
func (c Calibration) Channel(ch int) (ChannelCalibration, bool) {
	cc, ok := c.chans[ch]
	return cc, ok
}

// Channels returns the calibrated channel numbers in increasing order.
func (c Calibration) Channels() []int {
	chans := make([]int, 0, len(c.chans))
	for ch := range c.chans {
		chans = append(chans, ch)
	}
	sort.Ints(chans)
	return chans
}

// UnitConverter converts raw samples to volts with one calibration snapshot.
type UnitConverter struct {
	cal Calibration
}

// NewUnitConverter returns a converter using cal.
func NewUnitConverter(cal Calibration) *UnitConverter {
	return &UnitConverter{cal: cal}
}

// ToPhysical returns raw converted to volts. The result always has len(raw) values.
func (u *UnitConverter) ToPhysical(ch int, raw []int16) ([]float64, error) {
	cc, ok := u.cal.Channel(ch)
	if !ok {
		return nil, fmt.Errorf("%w: no calibration for %s", ErrUnknownChannel, ChannelName(ch))
	}
	volts := make([]float64, len(raw))
	for i, r := range raw {
		volts[i] = float64(r)
	}
	floats.Scale(cc.Gain, volts)
	floats.AddConst(cc.Offset, volts)
	return volts, nil
}
