package dtacq

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lifdaq/dtacq/internal/npymatrix"
	"golang.org/x/sys/unix"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

// ContainerSuffix ends the name of every archive container directory.
const ContainerSuffix = ".npa"

// DuplicateWindow is the number of samples at each end of a column compared against the
// previous column when looking for repeated shots.
const DuplicateWindow = 100

const (
	datasetSuffix = ".npy"
	attrsSuffix   = ".attrs.yaml"
	lockName      = ".lock"
)

// DatasetAttributes is the metadata stored beside each channel dataset.
type DatasetAttributes struct {
	Channel    int            `yaml:"channel"`
	Rows       int            `yaml:"rows"`
	MostRecent int            `yaml:"most_recent"` // index of the last column written
	Shots      []int          `yaml:"shots"`       // ledger shot number of each column, 0 if unknown
	Created    time.Time      `yaml:"created"`
	Updated    time.Time      `yaml:"updated"`
	Flags      map[string]int `yaml:"flags,omitempty"`
}

// DuplicateFlag reports that a new column looked like a repeat of the one before it.
type DuplicateFlag struct {
	Channel  int
	Previous int // column indices
	Current  int
	Name     string
}

// AppendReport says what one AppendShot call did.
type AppendReport struct {
	RunID      string
	Shot       int
	Created    []int       // channels whose dataset this shot created
	Appended   []int       // channels whose dataset grew by one column
	Columns    map[int]int // column count of each updated dataset
	Duplicates []DuplicateFlag
}

// Updated lists every channel written, in the record's order.
func (r *AppendReport) Updated() []int {
	chans := append([]int{}, r.Created...)
	chans = append(chans, r.Appended...)
	sort.Ints(chans)
	return chans
}

// Archive is a persistent container of multi-shot datasets: one directory per run ID,
// one growable matrix per channel (rows are samples, columns are shots). The container
// is opened and closed again on every call, holding an exclusive lock while writing and
// a shared lock while reading.
type Archive struct {
	Path string
}

// NewArchive returns the archive stored in directory path. Nothing is touched on disk
// until the first write.
func NewArchive(path string) *Archive {
	return &Archive{Path: path}
}

// archiveHandle is one open-lock-close scope of the archive.
type archiveHandle struct {
	root string
	lock *os.File
}

func (a *Archive) open(exclusive bool) (*archiveHandle, error) {
	if exclusive {
		if err := os.MkdirAll(a.Path, 0755); err != nil {
			return nil, err
		}
	} else if _, err := os.Stat(a.Path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: archive %s does not exist", ErrNoDataset, a.Path)
	}
	lock, err := os.OpenFile(filepath.Join(a.Path, lockName), os.O_RDWR|os.O_CREATE, 0664)
	if errors.Is(err, os.ErrPermission) && !exclusive {
		lock, err = os.Open(filepath.Join(a.Path, lockName))
	}
	if err != nil {
		return nil, err
	}
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(lock.Fd()), how); err != nil {
		lock.Close()
		return nil, fmt.Errorf("locking archive %s: %w", a.Path, err)
	}
	return &archiveHandle{root: a.Path, lock: lock}, nil
}

func (h *archiveHandle) Close() error {
	unix.Flock(int(h.lock.Fd()), unix.LOCK_UN)
	return h.lock.Close()
}

func (h *archiveHandle) datasetPath(runID string, ch int) string {
	return filepath.Join(h.root, runID, ChannelName(ch)+datasetSuffix)
}

func (h *archiveHandle) attrsPath(runID string, ch int) string {
	return filepath.Join(h.root, runID, ChannelName(ch)+attrsSuffix)
}

func (h *archiveHandle) exists(runID string, ch int) (bool, error) {
	_, err := os.Stat(h.datasetPath(runID, ch))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (h *archiveHandle) readAttrs(runID string, ch int) (DatasetAttributes, error) {
	var attrs DatasetAttributes
	contents, err := os.ReadFile(h.attrsPath(runID, ch))
	if errors.Is(err, os.ErrNotExist) {
		return DatasetAttributes{Channel: ch}, nil
	} else if err != nil {
		return attrs, err
	}
	if err := yaml.Unmarshal(contents, &attrs); err != nil {
		return attrs, fmt.Errorf("attributes of run %q %s: %w", runID, ChannelName(ch), err)
	}
	return attrs, nil
}

// writeAttrs replaces the attribute file atomically.
func (h *archiveHandle) writeAttrs(runID string, ch int, attrs DatasetAttributes) error {
	contents, err := yaml.Marshal(attrs)
	if err != nil {
		return err
	}
	path := h.attrsPath(runID, ch)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, contents, 0664); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func checkRunID(runID string) error {
	if runID == "" || runID == "." || runID == ".." || strings.ContainsAny(runID, `/\`) ||
		strings.HasPrefix(runID, ".") {
		return fmt.Errorf("run ID %q is not a usable group name", runID)
	}
	return nil
}

// AppendShot adds rec to the archive as one new column of each channel's dataset under
// runID, creating datasets on the first shot. A column that repeats the first or last
// DuplicateWindow samples of the previous column gets an advisory flag but is still
// written. A sample count that disagrees with an existing dataset fails that channel with
// a RowCountMismatchError and leaves its dataset unchanged. Channels are independent:
// when some fail, the others are still written and the error is a
// *PartialArchiveWriteError.
func (a *Archive) AppendShot(runID string, rec *ShotRecord) (*AppendReport, error) {
	if err := checkRunID(runID); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	h, err := a.open(true)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	if err := os.MkdirAll(filepath.Join(h.root, runID), 0755); err != nil {
		return nil, err
	}

	report := &AppendReport{RunID: runID, Shot: rec.ShotNumber, Columns: make(map[int]int)}
	failed := make(map[int]error)
	now := time.Now()
	for _, cs := range rec.Channels {
		created, cols, flag, err := h.appendChannel(runID, cs, rec.ShotNumber, now)
		if err != nil {
			failed[cs.Index] = err
			ProblemLogger.Printf("Could not archive run %q %s: %v", runID, ChannelName(cs.Index), err)
			continue
		}
		if created {
			report.Created = append(report.Created, cs.Index)
		} else {
			report.Appended = append(report.Appended, cs.Index)
		}
		report.Columns[cs.Index] = cols
		if flag != nil {
			report.Duplicates = append(report.Duplicates, *flag)
			ProblemLogger.Printf("Likely error identified in run %q %s: %s", runID, ChannelName(cs.Index), flag.Name)
			publishUpdate("DUPLICATE", flag)
		}
	}
	UpdateLogger.Printf("Saved shot %d to %s, group %s, datasets %v", rec.ShotNumber, a.Path, runID, report.Updated())

	if len(failed) > 0 {
		return report, &PartialArchiveWriteError{RunID: runID, Updated: report.Updated(), Failed: failed}
	}
	return report, nil
}

// appendChannel writes one channel of a shot and returns whether its dataset was
// created, the new column count and any duplicate flag.
func (h *archiveHandle) appendChannel(runID string, cs ChannelSample, shot int, now time.Time) (bool, int, *DuplicateFlag, error) {
	path := h.datasetPath(runID, cs.Index)
	exists, err := h.exists(runID, cs.Index)
	if err != nil {
		return false, 0, nil, err
	}

	if !exists {
		m, err := npymatrix.Create(path, cs.Converted)
		if err != nil {
			return false, 0, nil, err
		}
		if err := m.Close(); err != nil {
			return false, 0, nil, err
		}
		attrs := DatasetAttributes{
			Channel:    cs.Index,
			Rows:       len(cs.Converted),
			MostRecent: 0,
			Shots:      []int{shot},
			Created:    now,
			Updated:    now,
		}
		return true, 1, nil, h.writeAttrs(runID, cs.Index, attrs)
	}

	m, err := npymatrix.Open(path)
	if err != nil {
		return false, 0, nil, err
	}
	defer m.Close()
	if m.Recovered() > 0 {
		ProblemLogger.Printf("Run %q %s: dropped %d bytes of an incomplete column", runID, ChannelName(cs.Index), m.Recovered())
	}
	if m.Rows() != len(cs.Converted) {
		return false, m.Cols(), nil, &RowCountMismatchError{
			RunID: runID, Channel: cs.Index, Rows: m.Rows(), Offered: len(cs.Converted),
		}
	}
	attrs, err := h.readAttrs(runID, cs.Index)
	if err != nil {
		return false, m.Cols(), nil, err
	}

	flag, err := checkDuplicate(m, cs)
	if err != nil {
		return false, m.Cols(), nil, err
	}
	if flag != nil {
		if attrs.Flags == nil {
			attrs.Flags = make(map[string]int)
		}
		attrs.Flags[flag.Name] = flag.Previous
	}

	if err := m.AppendColumn(cs.Converted); err != nil {
		return false, m.Cols(), nil, err
	}
	cols := m.Cols()
	for len(attrs.Shots) < cols-1 {
		attrs.Shots = append(attrs.Shots, 0)
	}
	attrs.Shots = append(attrs.Shots[:cols-1], shot)
	attrs.Channel = cs.Index
	attrs.Rows = m.Rows()
	attrs.MostRecent = cols - 1
	attrs.Updated = now
	if attrs.Created.IsZero() {
		attrs.Created = now
	}
	return false, cols, flag, h.writeAttrs(runID, cs.Index, attrs)
}

// checkDuplicate compares the head and tail windows of the new column with those of
// the current last column.
func checkDuplicate(m *npymatrix.Matrix, cs ChannelSample) (*DuplicateFlag, error) {
	rows, last := m.Rows(), m.Cols()-1
	if last < 0 {
		return nil, nil
	}
	w := min(DuplicateWindow, rows)
	prevHead, err := m.Window(last, 0, w)
	if err != nil {
		return nil, err
	}
	prevTail, err := m.Window(last, rows-w, w)
	if err != nil {
		return nil, err
	}
	if !floats.Equal(cs.Converted[:w], prevHead) && !floats.Equal(cs.Converted[rows-w:], prevTail) {
		return nil, nil
	}
	return &DuplicateFlag{
		Channel:  cs.Index,
		Previous: last,
		Current:  last + 1,
		Name:     fmt.Sprintf("Error in shot %d or %d", last, last+1),
	}, nil
}

// Exists reports whether channel ch has a dataset under runID.
func (a *Archive) Exists(runID string, ch int) (bool, error) {
	if err := checkRunID(runID); err != nil {
		return false, err
	}
	h, err := a.open(false)
	if errors.Is(err, ErrNoDataset) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	defer h.Close()
	return h.exists(runID, ch)
}

// withDataset opens channel ch's dataset under a shared lock and calls f with it.
func (a *Archive) withDataset(runID string, ch int, f func(h *archiveHandle, m *npymatrix.Matrix) error) error {
	if err := checkRunID(runID); err != nil {
		return err
	}
	h, err := a.open(false)
	if err != nil {
		return err
	}
	defer h.Close()
	m, err := npymatrix.OpenReadOnly(h.datasetPath(runID, ch))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: run %q %s", ErrNoDataset, runID, ChannelName(ch))
	} else if err != nil {
		return err
	}
	defer m.Close()
	return f(h, m)
}

// Shape returns the rows (samples) and columns (shots) of a dataset.
func (a *Archive) Shape(runID string, ch int) (rows, cols int, err error) {
	err = a.withDataset(runID, ch, func(h *archiveHandle, m *npymatrix.Matrix) error {
		rows, cols = m.Rows(), m.Cols()
		return nil
	})
	return
}

// ReadDataset returns a whole dataset, one column per shot.
func (a *Archive) ReadDataset(runID string, ch int) (*mat.Dense, error) {
	var dense *mat.Dense
	err := a.withDataset(runID, ch, func(h *archiveHandle, m *npymatrix.Matrix) error {
		var err error
		dense, err = m.ReadAll()
		return err
	})
	return dense, err
}

// Attributes returns the metadata of a dataset.
func (a *Archive) Attributes(runID string, ch int) (DatasetAttributes, error) {
	var attrs DatasetAttributes
	err := a.withDataset(runID, ch, func(h *archiveHandle, m *npymatrix.Matrix) error {
		var err error
		attrs, err = h.readAttrs(runID, ch)
		return err
	})
	return attrs, err
}

// Runs lists the run IDs in the archive.
func (a *Archive) Runs() ([]string, error) {
	h, err := a.open(false)
	if errors.Is(err, ErrNoDataset) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer h.Close()
	entries, err := os.ReadDir(h.root)
	if err != nil {
		return nil, err
	}
	var runs []string
	for _, e := range entries {
		if e.IsDir() && checkRunID(e.Name()) == nil {
			runs = append(runs, e.Name())
		}
	}
	sort.Strings(runs)
	return runs, nil
}

// Channels lists the channels with a dataset under runID.
func (a *Archive) Channels(runID string) ([]int, error) {
	if err := checkRunID(runID); err != nil {
		return nil, err
	}
	h, err := a.open(false)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	entries, err := os.ReadDir(filepath.Join(h.root, runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no run %q", ErrNoDataset, runID)
	} else if err != nil {
		return nil, err
	}
	var chans []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "Ch") || !strings.HasSuffix(name, datasetSuffix) {
			continue
		}
		ch, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "Ch"), datasetSuffix))
		if err != nil {
			continue
		}
		chans = append(chans, ch)
	}
	sort.Ints(chans)
	return chans, nil
}
