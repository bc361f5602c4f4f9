package dtacq

import (
	"context"
	"fmt"
	"sync"

	"github.com/lifdaq/dtacq/internal/getbytes"
)

// SimDevice is a software digitizer. Each trigger captures a simulated fluorescence
// pulse (pedestal, then a fast rise and slow exponential decay at the trigger) on every
// channel. It follows the real unit's state sequence closely enough to exercise the
// orchestrator, including a configurable arming latency and ignored early soft triggers.
type SimDevice struct {
	Nchan     int
	Cal       map[int]ChannelCalibration // channels missing here get Gain 1, Offset 0
	Caps      Capabilities
	ArmPolls  int // status polls after Arm before the device reports ARM
	Pedestal  float64
	Amplitude float64

	// Generator, if set, replaces the simulated pulse. It returns n raw samples of
	// channel ch for the given shot (shots count from 1).
	Generator func(shot, ch, n int) []int16

	// FailRead, if set, is consulted before every channel read. A non-nil error fails the
	// read; a non-negative keep says how many bytes to deliver with it.
	FailRead func(shot, ch int) (keep int, err error)

	// RejectConfig, if set, is returned by Configure.
	RejectConfig error

	mu                  sync.Mutex
	configured          bool
	pre, post           int
	state               TransientState
	armPending          int
	shot                int
	captured            map[int][]int16
	ignoredSoftTriggers int
	closed              bool
}

// NewSimDevice returns a simulated device with nchan unit-gain channels.
func NewSimDevice(nchan int) *SimDevice {
	return &SimDevice{
		Nchan:     nchan,
		Cal:       make(map[int]ChannelCalibration),
		Caps:      Capabilities{TimingLock: false, PrePost: true, MaxSampleWidth: 2},
		Pedestal:  1000.0,
		Amplitude: 8000.0,
	}
}

// Configure stores the capture window.
func (sd *SimDevice) Configure(ctx context.Context, role TriggerRole, trigger TriggerSpec, pre, post int) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if sd.RejectConfig != nil {
		return sd.RejectConfig
	}
	switch role {
	case RoleMaster, RoleSlave, RoleSolo:
	default:
		return fmt.Errorf("sync_role %q not recognized", role)
	}
	if pre < 0 || post <= 0 {
		return fmt.Errorf("transient PRE=%d POST=%d not allowed", pre, post)
	}
	if pre > 0 && !sd.Caps.PrePost {
		return fmt.Errorf("pre-trigger capture not available")
	}
	sd.pre, sd.post = pre, post
	sd.configured = true
	return nil
}

// Arm starts arming. The device reports ARM after ArmPolls further status polls.
func (sd *SimDevice) Arm(ctx context.Context) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if !sd.configured {
		return fmt.Errorf("arm before configure")
	}
	sd.captured = nil
	sd.armPending = sd.ArmPolls
	if sd.armPending == 0 {
		sd.state = StateArm
	} else {
		sd.state = StateIdle
		sd.armPending++
	}
	return nil
}

// poll advances the simulated state machine by one status query. Lock must be held.
func (sd *SimDevice) poll() TransientState {
	if sd.armPending > 0 {
		sd.armPending--
		if sd.armPending == 0 {
			sd.state = StateArm
		}
	}
	s := sd.state
	if sd.state.triggered() {
		sd.state = StateIdle
	}
	return s
}

// IsArmed reports whether the device is waiting for its trigger.
func (sd *SimDevice) IsArmed(ctx context.Context) (bool, error) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.poll() == StateArm, nil
}

// State returns the transient state.
func (sd *SimDevice) State(ctx context.Context) (TransientState, error) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.poll(), nil
}

// SoftTrigger fires the device if it is armed. Like the real unit, a soft trigger sent
// before the device is armed is silently ignored.
func (sd *SimDevice) SoftTrigger(ctx context.Context) error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if sd.state != StateArm || sd.armPending > 0 {
		sd.ignoredSoftTriggers++
		return nil
	}
	sd.fire()
	return nil
}

// FireExternal delivers a hardware trigger. It reports whether the device was armed.
func (sd *SimDevice) FireExternal() bool {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if sd.state != StateArm || sd.armPending > 0 {
		return false
	}
	sd.fire()
	return true
}

// IgnoredSoftTriggers counts soft triggers that arrived while the device was not armed.
func (sd *SimDevice) IgnoredSoftTriggers() int {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.ignoredSoftTriggers
}

// Shots is the number of triggers the device has captured.
func (sd *SimDevice) Shots() int {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.shot
}

func (sd *SimDevice) fire() {
	sd.shot++
	n := sd.pre + sd.post
	sd.captured = make(map[int][]int16, sd.Nchan)
	for ch := 1; ch <= sd.Nchan; ch++ {
		if sd.Generator != nil {
			sd.captured[ch] = sd.Generator(sd.shot, ch, n)
		} else {
			sd.captured[ch] = sd.pulse(ch, n)
		}
	}
	sd.state = StateRunPost
}

// pulse makes one channel's record: pedestal, then a fast rise and slow decay starting
// at the trigger sample.
func (sd *SimDevice) pulse(ch, n int) []int16 {
	data := make([]int16, n)
	ampl := []float64{sd.Amplitude / float64(ch), -sd.Amplitude / float64(ch)}
	exprate := []float64{.999, .98}
	value := sd.Pedestal
	for i := range data {
		if i >= sd.pre {
			value = sd.Pedestal + ampl[0] + ampl[1]
			ampl[0] *= exprate[0]
			ampl[1] *= exprate[1]
		}
		data[i] = int16(value + 0.5)
	}
	return data
}

// ReadChannel returns the most recent capture of channel ch.
func (sd *SimDevice) ReadChannel(ctx context.Context, ch, nsam, width int) ([]byte, error) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if ch < 1 || ch > sd.Nchan {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChannel, ch)
	}
	if sd.captured == nil {
		return nil, fmt.Errorf("%s: no capture available", ChannelName(ch))
	}
	data := sd.captured[ch]
	if nsam < len(data) {
		data = data[:nsam]
	}

	var raw []byte
	switch width {
	case 2:
		raw = append(raw, getbytes.FromSliceInt16(data)...)
	case 4:
		wide := make([]int32, len(data))
		for i, d := range data {
			wide[i] = int32(d) << 16
		}
		raw = append(raw, getbytes.FromSliceInt32(wide)...)
	default:
		return nil, fmt.Errorf("sample width %d not supported", width)
	}

	if sd.FailRead != nil {
		if keep, err := sd.FailRead(sd.shot, ch); err != nil {
			if keep < 0 || keep > len(raw) {
				keep = len(raw)
			}
			return raw[:keep], err
		}
	}
	return raw, nil
}

// Calibration returns the current calibration of the given channels.
func (sd *SimDevice) Calibration(ctx context.Context, channels []int) (Calibration, error) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	cals := make(map[int]ChannelCalibration, len(channels))
	for _, ch := range channels {
		if ch < 1 || ch > sd.Nchan {
			return Calibration{}, fmt.Errorf("%w: %d", ErrUnknownChannel, ch)
		}
		if cc, ok := sd.Cal[ch]; ok {
			cals[ch] = cc
		} else {
			cals[ch] = ChannelCalibration{Gain: 1}
		}
	}
	return NewCalibration(cals), nil
}

// SetCalibration changes channel ch's calibration. Snapshots already taken keep the old
// values.
func (sd *SimDevice) SetCalibration(ch int, cc ChannelCalibration) {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	sd.Cal[ch] = cc
}

// ChannelCount returns Nchan.
func (sd *SimDevice) ChannelCount(ctx context.Context) (int, error) {
	return sd.Nchan, nil
}

// Capabilities returns Caps.
func (sd *SimDevice) Capabilities(ctx context.Context) (Capabilities, error) {
	return sd.Caps, nil
}

// Close marks the device closed.
func (sd *SimDevice) Close() error {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	sd.closed = true
	return nil
}
