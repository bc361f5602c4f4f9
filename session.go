package dtacq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lifdaq/dtacq/internal/shotdb"
)

// Session runs a sequence of shots into one archive run. Shots are strictly sequential.
type Session struct {
	Orchestrator *Orchestrator
	Archive      *Archive
	RunID        string
	Channels     []int  // empty means every channel of the device
	Shots        int    // number of shots to archive (skipped shots count too)
	SaveData     string // shot ledger base path
	MaxRetries   int    // attempts after a recoverable failure before the shot is skipped
	DB           *shotdb.Connection
	DeviceKind   string
}

// SessionSummary reports the outcome of a Session.
type SessionSummary struct {
	RunID      string
	Container  string
	Channels   []int
	Archived   []int // ledger shot numbers of archived shots
	Skipped    int
	Retries    int
	Duplicates int
	Averages   []ChannelAverage `json:"-"`
	Start      time.Time
	End        time.Time
}

// ShotStatus is published on the status port after every archived shot.
type ShotStatus struct {
	RunID      string
	Shot       int
	Index      int // 1-based position in the session
	Of         int
	Columns    int
	Duplicates int
}

// Run takes the session's shots. Recoverable read failures are retried up to MaxRetries
// times and then the shot is skipped; any other error stops the session and is returned
// with the summary so far. When every shot has been taken, each channel is averaged.
func (s *Session) Run(ctx context.Context) (summary SessionSummary, err error) {
	summary = SessionSummary{RunID: s.RunID, Container: s.Archive.Path, Start: time.Now()}
	defer func() { summary.End = time.Now() }()
	if s.Orchestrator == nil || s.Archive == nil {
		return summary, errors.New("session needs an orchestrator and an archive")
	}
	if err := checkRunID(s.RunID); err != nil {
		return summary, err
	}
	if s.Shots <= 0 {
		return summary, fmt.Errorf("shot count %d must be positive", s.Shots)
	}

	dev := s.Orchestrator.Device()
	nchan, err := dev.ChannelCount(ctx)
	if err != nil {
		return summary, fmt.Errorf("reading device channel count: %w", err)
	}
	channels, err := MapChannels(s.Channels, nchan)
	if err != nil {
		return summary, err
	}
	summary.Channels = channels

	cfg := s.Orchestrator.Config()
	runmsg := &shotdb.RunMessage{
		ID:          shotdb.NewID(),
		RunID:       s.RunID,
		Container:   s.Archive.Path,
		DeviceKind:  s.DeviceKind,
		Nchannels:   len(channels),
		NPresamples: cfg.Samples() - cfg.PostSamples,
		NSamples:    cfg.Samples(),
		SampleRate:  cfg.SampleRate,
		Trigger:     cfg.Source,
		Start:       summary.Start,
	}
	s.DB.RecordRun(runmsg)
	defer s.DB.FinishRun(runmsg)

	UpdateLogger.Printf("Starting %d shots of run %q on channels %v", s.Shots, s.RunID, channels)
	for i := 1; i <= s.Shots; i++ {
		rec, err := s.acquire(ctx, channels, &summary)
		if err != nil {
			if isRecoverable(err) {
				summary.Skipped++
				ProblemLogger.Printf("Skipping shot %d of %d in run %q: %v", i, s.Shots, s.RunID, err)
				continue
			}
			return summary, err
		}

		shot, ledger, err := NextShot(s.SaveData)
		if err != nil {
			return summary, fmt.Errorf("incrementing shot ledger: %w", err)
		}
		rec = rec.WithShotNumber(shot)
		report, err := s.Archive.AppendShot(s.RunID, rec)
		if err != nil {
			return summary, err
		}
		summary.Archived = append(summary.Archived, shot)
		summary.Duplicates += len(report.Duplicates)
		cols := report.Columns[channels[0]]
		UpdateLogger.Printf("Shot %d (ledger %s) archived as column %d of run %q", shot, ledger, cols-1, s.RunID)

		publishUpdate("SHOT", ShotStatus{
			RunID: s.RunID, Shot: shot, Index: i, Of: s.Shots, Columns: cols, Duplicates: len(report.Duplicates),
		})
		s.DB.RecordShot(&shotdb.ShotMessage{
			ID:          shotdb.NewID(),
			SessionID:   runmsg.ID,
			ShotNumber:  shot,
			RunID:       s.RunID,
			Channels:    channels,
			NSamples:    rec.Samples(),
			Columns:     cols,
			Duplicates:  len(report.Duplicates),
			CaptureTime: rec.CaptureTime,
		})
	}

	UpdateLogger.Printf("Run %q: %d shots archived, %d skipped, %d flagged as possible duplicates",
		s.RunID, len(summary.Archived), summary.Skipped, summary.Duplicates)
	if len(summary.Archived) == 0 {
		return summary, nil
	}
	summary.Averages, err = NewAveragingView(s.Archive).AverageAll(s.RunID, channels)
	return summary, err
}

// acquire takes one shot, retrying recoverable failures.
func (s *Session) acquire(ctx context.Context, channels []int, summary *SessionSummary) (*ShotRecord, error) {
	for attempt := 0; ; attempt++ {
		rec, err := s.Orchestrator.Acquire(ctx, s.RunID, channels)
		if err == nil {
			return rec, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isRecoverable(err) || attempt >= s.MaxRetries {
			return nil, err
		}
		summary.Retries++
		ProblemLogger.Printf("Retrying shot after recoverable error: %v", err)
	}
}
