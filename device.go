package dtacq

import (
	"context"
	"fmt"
	"strings"
)

// TriggerRole is the device's place in the clock/trigger distribution.
type TriggerRole string

// Roles understood by ACQ400 units.
const (
	RoleMaster TriggerRole = "master"
	RoleSlave  TriggerRole = "slave"
	RoleSolo   TriggerRole = "solo"
)

// TriggerSpec is the (enable, dx, sense) trigger triple. {1,1,1} selects the front-panel
// or soft trigger line, rising edge.
type TriggerSpec [3]int

// TriggerSource says where the trigger of a shot comes from.
type TriggerSource int

// Trigger sources
const (
	SoftTrigger     TriggerSource = iota // software trigger sent by the orchestrator
	ExternalTrigger                      // hardware event; the orchestrator only waits
)

func (ts TriggerSource) String() string {
	switch ts {
	case SoftTrigger:
		return "soft"
	case ExternalTrigger:
		return "ext"
	}
	return fmt.Sprintf("TriggerSource(%d)", int(ts))
}

// ParseTriggerSource converts "soft" or "ext" (any case) to a TriggerSource.
func ParseTriggerSource(s string) (TriggerSource, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "soft":
		return SoftTrigger, nil
	case "ext", "external":
		return ExternalTrigger, nil
	}
	return SoftTrigger, fmt.Errorf("trigger source %q is not soft or ext", s)
}

// TransientState is the device's transient-capture state, as reported by its status monitor.
type TransientState int

// States of a transient capture, in the order the device passes through them.
const (
	StateIdle TransientState = iota
	StateArm
	StateRunPre
	StateRunPost
	StatePostProcess
	StateCleanup
)

var transientStateNames = []string{"IDLE", "ARM", "RUNPRE", "RUNPOST", "POSTPROCESS", "CLEANUP"}

func (s TransientState) String() string {
	if s >= 0 && int(s) < len(transientStateNames) {
		return transientStateNames[s]
	}
	return fmt.Sprintf("TransientState(%d)", int(s))
}

// triggered reports whether the trigger has been seen in this state.
func (s TransientState) triggered() bool {
	return s == StateRunPost || s == StatePostProcess || s == StateCleanup
}

// Capabilities are the optional device features, negotiated once per run.
type Capabilities struct {
	TimingLock     bool // timing controls are locked down (TIM_CTRL_LOCK present)
	PrePost        bool // pre-trigger capture is supported
	MaxSampleWidth int  // bytes per sample
}

// Device is the hardware capability the acquisition pipeline drives. One orchestrator
// uses a Device at a time; implementations need no internal locking for that use.
type Device interface {
	Configure(ctx context.Context, role TriggerRole, trigger TriggerSpec, pre, post int) error
	Arm(ctx context.Context) error
	IsArmed(ctx context.Context) (bool, error)
	State(ctx context.Context) (TransientState, error)
	SoftTrigger(ctx context.Context) error
	ReadChannel(ctx context.Context, ch, nsam, width int) ([]byte, error)
	Calibration(ctx context.Context, channels []int) (Calibration, error)
	ChannelCount(ctx context.Context) (int, error)
	Capabilities(ctx context.Context) (Capabilities, error)
	Close() error
}

// MapChannels returns the channels to acquire: all of 1..nchan if requested is empty,
// otherwise requested itself after checking each is in range.
func MapChannels(requested []int, nchan int) ([]int, error) {
	if len(requested) == 0 {
		all := make([]int, nchan)
		for i := range all {
			all[i] = i + 1
		}
		return all, nil
	}
	seen := make(map[int]bool)
	for _, ch := range requested {
		if ch < 1 || ch > nchan {
			return nil, fmt.Errorf("%w: %d (device has %d channels)", ErrUnknownChannel, ch, nchan)
		}
		if seen[ch] {
			return nil, fmt.Errorf("channel %d requested twice", ch)
		}
		seen[ch] = true
	}
	out := make([]int, len(requested))
	copy(out, requested)
	return out, nil
}

// ChannelName is the archive dataset name of channel ch, like "Ch01".
func ChannelName(ch int) string {
	return fmt.Sprintf("Ch%02d", ch)
}
