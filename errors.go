package dtacq

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error kinds. Test for them with errors.Is.
var (
	ErrConfigRejected      = errors.New("device rejected configuration")
	ErrReadTimeout         = errors.New("channel read timed out")
	ErrReadShortfall       = errors.New("channel read returned too few samples")
	ErrRowCountMismatch    = errors.New("sample count does not match dataset rows")
	ErrPartialArchiveWrite = errors.New("some channels were not archived")
	ErrInvalidState        = errors.New("operation not allowed in current state")
	ErrUnknownChannel      = errors.New("unknown channel")
	ErrNoDataset           = errors.New("no such dataset")
)

// ReadError describes a failed channel read. Kind is ErrReadTimeout or ErrReadShortfall.
type ReadError struct {
	Channel int
	Want    int // samples requested
	Got     int // samples received
	Kind    error
	Err     error
}

func (e *ReadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: read %d of %d samples: %v", ChannelName(e.Channel), e.Got, e.Want, e.Kind)
	}
	return fmt.Sprintf("%s: read %d of %d samples: %v: %v", ChannelName(e.Channel), e.Got, e.Want, e.Kind, e.Err)
}

func (e *ReadError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// RowCountMismatchError says that a shot's length disagrees with an existing dataset.
type RowCountMismatchError struct {
	RunID   string
	Channel int
	Rows    int // established by the first shot
	Offered int
}

func (e *RowCountMismatchError) Error() string {
	return fmt.Sprintf("run %q %s: shot has %d samples, dataset has %d rows",
		e.RunID, ChannelName(e.Channel), e.Offered, e.Rows)
}

func (e *RowCountMismatchError) Unwrap() error { return ErrRowCountMismatch }

// PartialArchiveWriteError lists which channels of a shot were and were not archived.
// Nothing is rolled back.
type PartialArchiveWriteError struct {
	RunID   string
	Updated []int
	Failed  map[int]error
}

func (e *PartialArchiveWriteError) failedChannels() []int {
	chans := make([]int, 0, len(e.Failed))
	for ch := range e.Failed {
		chans = append(chans, ch)
	}
	sort.Ints(chans)
	return chans
}

func (e *PartialArchiveWriteError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %q: archived channels %v, failed:", e.RunID, e.Updated)
	for _, ch := range e.failedChannels() {
		fmt.Fprintf(&b, " [%s: %v]", ChannelName(ch), e.Failed[ch])
	}
	return b.String()
}

// Unwrap exposes ErrPartialArchiveWrite and every per-channel cause.
func (e *PartialArchiveWriteError) Unwrap() []error {
	errs := []error{ErrPartialArchiveWrite}
	for _, ch := range e.failedChannels() {
		errs = append(errs, e.Failed[ch])
	}
	return errs
}

// ShotAbortedError says that a shot was abandoned before it reached the archive.
type ShotAbortedError struct {
	Stage   string
	Channel int // 0 if the failure was not channel-specific
	Err     error
}

func (e *ShotAbortedError) Error() string {
	if e.Channel > 0 {
		return fmt.Sprintf("shot aborted during %s of %s: %v", e.Stage, ChannelName(e.Channel), e.Err)
	}
	return fmt.Sprintf("shot aborted during %s: %v", e.Stage, e.Err)
}

func (e *ShotAbortedError) Unwrap() error { return e.Err }

// isRecoverable reports whether err only spoils the current shot.
func isRecoverable(err error) bool {
	return errors.Is(err, ErrReadTimeout) || errors.Is(err, ErrReadShortfall)
}
