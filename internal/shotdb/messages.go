package shotdb

import (
	"os"
	"runtime"
	"time"

	"github.com/oklog/ulid/v2"
)

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the activity table: one row per server process.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// NewActivityMessage describes the running process, started now.
func NewActivityMessage(version, githash string) *ActivityMessage {
	host, _ := os.Hostname()
	return &ActivityMessage{
		ID:        NewID(),
		Hostname:  host,
		Githash:   githash,
		Version:   version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     time.Now(),
	}
}

// RunMessage is the information required to make an entry in the runs table: one row
// per acquisition session.
type RunMessage struct {
	ID          string
	RunID       string // archive group name
	Container   string
	DeviceKind  string
	Host        string
	Nchannels   int
	NPresamples int
	NSamples    int
	SampleRate  float64
	Trigger     string
	Start       time.Time
	End         time.Time
}

// ShotMessage is the information required to make an entry in the shots table.
type ShotMessage struct {
	ID          string
	SessionID   string // RunMessage.ID
	ShotNumber  int
	RunID       string
	Channels    []int
	NSamples    int
	Columns     int // dataset columns after this shot
	Duplicates  int
	CaptureTime time.Time
}

// NewID returns a new, time-ordered unique identifier.
func NewID() string {
	return ulid.Make().String()
}
