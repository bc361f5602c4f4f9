package dtacq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davecgh/go-spew/spew"
)

// OrchestratorState is the position of an Orchestrator in its shot cycle.
type OrchestratorState int

// Orchestrator states. A shot runs Idle, Armed, Triggered, Collecting, Assembled and
// back to Idle; any failure returns straight to Idle.
const (
	Idle OrchestratorState = iota
	Armed
	Triggered
	Collecting
	Assembled
)

var orchestratorStateNames = []string{"IDLE", "ARMED", "TRIGGERED", "COLLECTING", "ASSEMBLED"}

func (s OrchestratorState) String() string {
	if s >= 0 && int(s) < len(orchestratorStateNames) {
		return orchestratorStateNames[s]
	}
	return fmt.Sprintf("OrchestratorState(%d)", int(s))
}

// OrchestratorStatus is published on the status port at every state change.
type OrchestratorStatus struct {
	State  string
	RunID  string
	Source string
}

// Orchestrator drives one Device through arm, trigger and collect to produce ShotRecords.
// It is not safe for concurrent use; shots are strictly sequential.
type Orchestrator struct {
	device    Device
	reader    *ChannelReader
	config    AcquisitionConfig
	state     OrchestratorState
	caps      Capabilities
	capsKnown bool
	runID     string
}

// NewOrchestrator returns an idle orchestrator for dev.
func NewOrchestrator(dev Device, cfg AcquisitionConfig) (*Orchestrator, error) {
	if dev == nil {
		return nil, errors.New("orchestrator needs a device")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigRejected, err)
	}
	reader := NewChannelReader(dev)
	reader.Timeout = cfg.ReadTimeout
	return &Orchestrator{device: dev, reader: reader, config: cfg}, nil
}

// State returns the current state.
func (o *Orchestrator) State() OrchestratorState {
	return o.state
}

// Config returns the acquisition configuration.
func (o *Orchestrator) Config() AcquisitionConfig {
	return o.config
}

// Device returns the device being driven.
func (o *Orchestrator) Device() Device {
	return o.device
}

func (o *Orchestrator) setState(s OrchestratorState) {
	o.state = s
	publishUpdate("ACQUISITION", OrchestratorStatus{State: s.String(), RunID: o.runID, Source: o.config.Source})
}

// Reset returns the orchestrator to Idle after a failure.
func (o *Orchestrator) Reset() {
	if o.state != Idle {
		o.setState(Idle)
	}
}

func (o *Orchestrator) expect(s OrchestratorState, op string) error {
	if o.state != s {
		return fmt.Errorf("%w: %s requires %v, orchestrator is %v", ErrInvalidState, op, s, o.state)
	}
	return nil
}

// Capabilities returns the device capabilities, asking the device only the first time.
func (o *Orchestrator) Capabilities(ctx context.Context) (Capabilities, error) {
	if o.capsKnown {
		return o.caps, nil
	}
	caps, err := o.device.Capabilities(ctx)
	if err != nil {
		return caps, err
	}
	o.caps, o.capsKnown = caps, true
	if caps.TimingLock {
		UpdateLogger.Println("Device timing controls are locked down")
	}
	if Verbose {
		UpdateLogger.Printf("Device capabilities and acquisition configuration:\n%s",
			spew.Sdump(caps, o.config))
	}
	return caps, nil
}

// Arm configures the capture window and trigger on the device and arms it.
func (o *Orchestrator) Arm(ctx context.Context) error {
	if err := o.expect(Idle, "arm"); err != nil {
		return err
	}
	ctx, cancel := withTimeout(ctx, o.config.ArmTimeout)
	defer cancel()

	caps, err := o.Capabilities(ctx)
	if err != nil {
		return fmt.Errorf("negotiating device capabilities: %w", err)
	}
	pre := 0
	if o.config.CollectPre {
		pre = o.config.PreSamples
	}
	if pre > 0 && !caps.PrePost {
		return fmt.Errorf("%w: device cannot capture before the trigger", ErrConfigRejected)
	}
	if o.config.SampleWidth > caps.MaxSampleWidth && caps.MaxSampleWidth > 0 {
		return fmt.Errorf("%w: %d-byte samples requested, device supplies %d",
			ErrConfigRejected, o.config.SampleWidth, caps.MaxSampleWidth)
	}

	if err := o.device.Configure(ctx, o.config.Role, o.config.Trigger, pre, o.config.PostSamples); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigRejected, err)
	}
	if err := o.device.Arm(ctx); err != nil {
		return fmt.Errorf("arming device: %w", err)
	}
	o.setState(Armed)
	UpdateLogger.Printf("Trigger armed (%s, pre=%d post=%d)", o.config.Source, pre, o.config.PostSamples)
	return nil
}

// Trigger gets the shot triggered. For a soft trigger it waits until the device reports
// ARM, then triggers it; the device would silently ignore an earlier trigger. For an
// external trigger it only waits for the device to see the hardware event.
func (o *Orchestrator) Trigger(ctx context.Context, source TriggerSource) error {
	if err := o.expect(Armed, "trigger"); err != nil {
		return err
	}
	var err error
	switch source {
	case SoftTrigger:
		err = o.softTrigger(ctx)
	case ExternalTrigger:
		err = o.awaitExternal(ctx)
	default:
		err = fmt.Errorf("unknown trigger source %v", source)
	}
	if err != nil {
		o.Reset()
		return &ShotAbortedError{Stage: "trigger", Err: err}
	}
	o.setState(Triggered)
	UpdateLogger.Printf("Triggered (%v)", source)
	return nil
}

func (o *Orchestrator) softTrigger(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, o.config.ArmTimeout)
	defer cancel()
	if err := o.poll(ctx, func() (bool, error) {
		return o.device.IsArmed(ctx)
	}); err != nil {
		return fmt.Errorf("waiting for device to arm: %w", err)
	}
	return o.device.SoftTrigger(ctx)
}

func (o *Orchestrator) awaitExternal(ctx context.Context) error {
	ctx, cancel := withTimeout(ctx, o.config.TriggerTimeout)
	defer cancel()
	sawArm := false
	err := o.poll(ctx, func() (bool, error) {
		s, err := o.device.State(ctx)
		if err != nil {
			return false, err
		}
		if s == StateArm {
			sawArm = true
		}
		// A short capture can finish between two polls.
		return s.triggered() || (sawArm && s == StateIdle), nil
	})
	if err != nil {
		return fmt.Errorf("waiting for external trigger: %w", err)
	}
	return nil
}

// Collect reads, converts and assembles the requested channels, in the order given,
// into one ShotRecord. Any failure abandons the whole shot.
func (o *Orchestrator) Collect(ctx context.Context, runID string, channels []int) (*ShotRecord, error) {
	if err := o.expect(Triggered, "collect"); err != nil {
		return nil, err
	}
	o.setState(Collecting)
	rec, err := o.collect(ctx, runID, channels)
	if err != nil {
		o.Reset()
		return nil, err
	}
	o.setState(Assembled)
	o.setState(Idle)
	return rec, nil
}

func (o *Orchestrator) collect(ctx context.Context, runID string, channels []int) (*ShotRecord, error) {
	if len(channels) == 0 {
		return nil, &ShotAbortedError{Stage: "collect", Err: errors.New("no channels requested")}
	}
	waitCtx, cancel := withTimeout(ctx, o.config.ReadTimeout)
	err := o.poll(waitCtx, func() (bool, error) {
		s, err := o.device.State(waitCtx)
		return s == StateIdle, err
	})
	cancel()
	if err != nil {
		return nil, &ShotAbortedError{Stage: "collect", Err: fmt.Errorf("waiting for capture to finish: %w", err)}
	}

	cal, err := o.device.Calibration(ctx, channels)
	if err != nil {
		return nil, &ShotAbortedError{Stage: "calibration", Err: err}
	}
	conv := NewUnitConverter(cal)
	nsam := o.config.Samples()

	rec := &ShotRecord{RunID: runID, CaptureTime: time.Now(), Channels: make([]ChannelSample, 0, len(channels))}
	for _, ch := range channels {
		tstart := time.Now()
		raw, err := o.reader.Read(ctx, ch, nsam, o.config.SampleWidth)
		if err != nil {
			return nil, &ShotAbortedError{Stage: "read", Channel: ch, Err: err}
		}
		volts, err := conv.ToPhysical(ch, raw)
		if err != nil {
			return nil, &ShotAbortedError{Stage: "conversion", Channel: ch, Err: err}
		}
		if Verbose {
			elapsed := time.Since(tstart).Seconds()
			mb := float64(nsam*o.config.SampleWidth) / 1e6
			UpdateLogger.Printf("%s read %d samples in %.3f s, %.2f MB/s", ChannelName(ch), nsam, elapsed, mb/elapsed)
		}
		rec.Channels = append(rec.Channels, ChannelSample{Index: ch, Raw: raw, Converted: volts})
	}
	return rec, nil
}

// Acquire takes one complete shot: arm, trigger from the configured source, collect.
// On failure the orchestrator is back in Idle.
func (o *Orchestrator) Acquire(ctx context.Context, runID string, channels []int) (*ShotRecord, error) {
	source, err := o.config.TriggerSource()
	if err != nil {
		return nil, err
	}
	o.runID = runID
	if err := o.Arm(ctx); err != nil {
		o.Reset()
		return nil, err
	}
	if err := o.Trigger(ctx, source); err != nil {
		return nil, err
	}
	return o.Collect(ctx, runID, channels)
}

// poll calls done every PollInterval until it reports true, fails, or ctx ends.
func (o *Orchestrator) poll(ctx context.Context, done func() (bool, error)) error {
	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()
	for {
		ok, err := done()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
