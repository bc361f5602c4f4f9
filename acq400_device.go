package dtacq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lifdaq/dtacq/internal/acq400"
)

// Acq400Device is a Device backed by a networked D-tAcq ACQ400-series unit.
type Acq400Device struct {
	client *acq400.Client
	nchan  int
}

// NewAcq400Device returns a device for the unit described by cfg. No connection is made
// until the first call.
func NewAcq400Device(cfg DeviceConfig) *Acq400Device {
	return &Acq400Device{client: acq400.NewClient(acq400.Config{
		Host:            cfg.Host,
		SitePortBase:    cfg.SitePortBase,
		ChannelPortBase: cfg.ChannelPortBase,
		MaxBuf:          cfg.MaxBuf,
	})}
}

func formatTrigger(t TriggerSpec) string {
	return fmt.Sprintf("%d,%d,%d", t[0], t[1], t[2])
}

// Configure sets the sync role, the trigger and the transient capture window.
func (d *Acq400Device) Configure(ctx context.Context, role TriggerRole, trigger TriggerSpec, pre, post int) error {
	if err := d.client.Set(ctx, 0, "sync_role", string(role)); err != nil {
		return err
	}
	if err := d.client.Set(ctx, 1, "trg", formatTrigger(trigger)); err != nil {
		return err
	}
	event := TriggerSpec{}
	if pre > 0 {
		event = trigger
	}
	if err := d.client.Set(ctx, 1, "event0", formatTrigger(event)); err != nil {
		return err
	}
	return d.client.Set(ctx, 0, "transient", fmt.Sprintf("PRE=%d POST=%d SOFT_TRIGGER=0", pre, post))
}

// Arm starts a transient capture.
func (d *Acq400Device) Arm(ctx context.Context) error {
	return d.client.Set(ctx, 0, "set_arm", "1")
}

// State reads the first field of the site 0 state knob.
func (d *Acq400Device) State(ctx context.Context) (TransientState, error) {
	reply, err := d.client.Get(ctx, 0, "state")
	if err != nil {
		return StateIdle, err
	}
	fields := strings.Fields(reply)
	if len(fields) == 0 {
		return StateIdle, fmt.Errorf("empty state reply from %s", d.client.Host())
	}
	s, err := strconv.Atoi(fields[0])
	if err != nil || s < int(StateIdle) || s > int(StateCleanup) {
		return StateIdle, fmt.Errorf("state reply %q from %s not understood", reply, d.client.Host())
	}
	return TransientState(s), nil
}

// IsArmed reports whether the unit is in ARM.
func (d *Acq400Device) IsArmed(ctx context.Context) (bool, error) {
	s, err := d.State(ctx)
	return s == StateArm, err
}

// SoftTrigger fires the soft trigger line.
func (d *Acq400Device) SoftTrigger(ctx context.Context) error {
	return d.client.Set(ctx, 0, "soft_trigger", "1")
}

// ReadChannel pulls nsam samples of channel ch from its data port.
func (d *Acq400Device) ReadChannel(ctx context.Context, ch, nsam, width int) ([]byte, error) {
	return d.client.ReadChannel(ctx, ch, nsam*width)
}

// calibrationValues parses a calibration knob: three leading tokens, then one value per
// channel.
func calibrationValues(reply string) ([]float64, error) {
	fields := strings.Fields(reply)
	if len(fields) < 3 {
		return nil, fmt.Errorf("calibration reply %q too short", reply)
	}
	values := make([]float64, 0, len(fields)-3)
	for _, f := range fields[3:] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("calibration value %q: %w", f, err)
		}
		values = append(values, v)
	}
	return values, nil
}

// Calibration reads the gain (ESLO) and offset (EOFF) of each channel from site 1.
func (d *Acq400Device) Calibration(ctx context.Context, channels []int) (Calibration, error) {
	var gains, offsets []float64
	for knob, target := range map[string]*[]float64{"AI_CAL_ESLO": &gains, "AI_CAL_EOFF": &offsets} {
		reply, err := d.client.Get(ctx, 1, knob)
		if err != nil {
			return Calibration{}, err
		}
		if *target, err = calibrationValues(reply); err != nil {
			return Calibration{}, fmt.Errorf("%s: %w", knob, err)
		}
	}
	cals := make(map[int]ChannelCalibration, len(channels))
	for _, ch := range channels {
		if ch < 1 || ch > len(gains) || ch > len(offsets) {
			return Calibration{}, fmt.Errorf("%w: %s has no calibration", ErrUnknownChannel, ChannelName(ch))
		}
		cals[ch] = ChannelCalibration{Gain: gains[ch-1], Offset: offsets[ch-1]}
	}
	return NewCalibration(cals), nil
}

// ChannelCount reads NCHAN once.
func (d *Acq400Device) ChannelCount(ctx context.Context) (int, error) {
	if d.nchan > 0 {
		return d.nchan, nil
	}
	reply, err := d.client.Get(ctx, 0, "NCHAN")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(reply))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("NCHAN reply %q from %s not understood", reply, d.client.Host())
	}
	d.nchan = n
	return n, nil
}

// hasKnob reports whether site 0 answers a query of knob, and its value.
func (d *Acq400Device) hasKnob(ctx context.Context, knob string) (bool, string, error) {
	v, err := d.client.Get(ctx, 0, knob)
	if errors.Is(err, acq400.ErrKnob) {
		return false, "", nil
	}
	return err == nil, v, err
}

// Capabilities asks the unit which optional features it has.
func (d *Acq400Device) Capabilities(ctx context.Context) (Capabilities, error) {
	caps := Capabilities{PrePost: true, MaxSampleWidth: 2}
	lock, _, err := d.hasKnob(ctx, "TIM_CTRL_LOCK")
	if err != nil {
		return caps, err
	}
	caps.TimingLock = lock
	has32, v, err := d.hasKnob(ctx, "data32")
	if err != nil {
		return caps, err
	}
	if has32 && strings.TrimSpace(v) == "1" {
		caps.MaxSampleWidth = 4
	}
	return caps, nil
}

// Close closes the knob connections.
func (d *Acq400Device) Close() error {
	return d.client.Close()
}

// NewDevice makes the Device selected by cfg.Kind.
func NewDevice(cfg DeviceConfig) (Device, error) {
	switch strings.ToLower(cfg.Kind) {
	case "simulated", "sim", "":
		nchan := cfg.Nchan
		if nchan <= 0 {
			nchan = 4
		}
		return NewSimDevice(nchan), nil
	case "acq400", "acq1001":
		if cfg.Host == "" {
			return nil, errors.New("acq400 device needs a host")
		}
		return NewAcq400Device(cfg), nil
	}
	return nil, fmt.Errorf("device kind %q not known", cfg.Kind)
}
