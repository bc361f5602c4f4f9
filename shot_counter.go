package dtacq

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// LedgerName is the file name of the shot ledger, kept in the directory of the save path.
const LedgerName = "SHOT"

// LedgerPath returns the ledger file belonging to basePath, such as
// "data/transient_capture%d" -> "data/SHOT". A basePath without a directory uses ".".
func LedgerPath(basePath string) string {
	return filepath.Join(filepath.Dir(basePath), LedgerName)
}

// NextShot increments the shot ledger for basePath and returns the new shot number and
// the ledger's path. The ledger directory is created if needed. A new ledger starts with
// the line "0", so the first shot is 1. Each call appends one line; history is never
// rewritten.
func NextShot(basePath string) (int, string, error) {
	ledger := LedgerPath(basePath)
	if err := os.MkdirAll(filepath.Dir(ledger), 0755); err != nil {
		return 0, ledger, err
	}

	f, err := os.OpenFile(ledger, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0664)
	if err != nil {
		return 0, ledger, err
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return 0, ledger, fmt.Errorf("locking shot ledger %s: %w", ledger, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	last, err := lastShot(f)
	if errors.Is(err, errEmptyLedger) {
		if _, err := f.WriteString("0\n"); err != nil {
			return 0, ledger, err
		}
		last, err = 0, nil
	}
	if err != nil {
		return 0, ledger, fmt.Errorf("shot ledger %s: %w", ledger, err)
	}

	// A crash mid-append can leave the last line without its newline.
	if err := terminateLastLine(f); err != nil {
		return 0, ledger, err
	}
	shot := last + 1
	if _, err := fmt.Fprintf(f, "%d\n", shot); err != nil {
		return 0, ledger, err
	}
	if err := f.Sync(); err != nil {
		return 0, ledger, err
	}
	return shot, ledger, nil
}

// CurrentShot returns the last shot number recorded in the ledger for basePath, or 0 if
// there is no ledger yet.
func CurrentShot(basePath string) (int, error) {
	f, err := os.Open(LedgerPath(basePath))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	defer f.Close()
	shot, err := lastShot(f)
	if errors.Is(err, errEmptyLedger) {
		return 0, nil
	}
	return shot, err
}

var errEmptyLedger = errors.New("empty ledger")

// lastShot reads f from the start and returns the integer on its last non-blank line.
func lastShot(f *os.File) (int, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return 0, err
	}
	scanner := bufio.NewScanner(f)
	last := ""
	lnum, lastnum := 0, 0
	for scanner.Scan() {
		lnum++
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last, lastnum = line, lnum
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if last == "" {
		return 0, errEmptyLedger
	}
	shot, err := strconv.Atoi(last)
	if err != nil || shot < 0 {
		return 0, fmt.Errorf("line %d: %q is not a non-negative integer", lastnum, last)
	}
	return shot, nil
}

// terminateLastLine appends a newline to f unless it is empty or already ends in one.
func terminateLastLine(f *os.File) error {
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return err
	}
	b := make([]byte, 1)
	if _, err := f.ReadAt(b, info.Size()-1); err != nil {
		return err
	}
	if b[0] == '\n' {
		return nil
	}
	_, err = f.WriteString("\n")
	return err
}
