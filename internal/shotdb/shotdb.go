// Package shotdb records acquisition activity, sessions and shots in a ClickHouse
// database. Every Record call is a no-op when the database is not connected, so the
// acquisition never depends on it.
package shotdb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Connection is a (possibly unconnected) link to the shot database.
type Connection struct {
	conn          clickhouse.Conn
	err           error // guarded by errLock; set by the handler goroutine
	errLock       sync.RWMutex
	activityEntry *ActivityMessage
	runmsg        chan *RunMessage
	shotmsg       chan *ShotMessage
	sync.WaitGroup
}

const databaseName = "dtacq" // official SQL name of the database

const timeFormat = "2006-01-02 15:04:05.000000"

// DefaultAddr is where the ClickHouse server is expected.
const DefaultAddr = "localhost:9000"

// IsConnected reports whether records will reach the database.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.Err() == nil)
}

// Err returns the error that disconnected db, if any.
func (db *Connection) Err() error {
	if db == nil {
		return nil
	}
	db.errLock.RLock()
	defer db.errLock.RUnlock()
	return db.err
}

func (db *Connection) setErr(err error) {
	db.errLock.Lock()
	defer db.errLock.Unlock()
	db.err = err
}

// PingServer checks that a server is alive at addr.
func PingServer(addr string) error {
	db := createConnection(addr)
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %v", db.Err())
	}
	defer db.conn.Close()
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return nil
}

// StartConnection connects to the server at addr, logs the activity and handles records
// until abort is closed. Wait on the returned connection to know when it is finished.
func StartConnection(addr string, activity *ActivityMessage, abort <-chan struct{}) *Connection {
	db := createConnection(addr)
	db.activityEntry = activity
	if !db.IsConnected() {
		return db
	}
	db.logActivity()
	go db.handleConnection(abort)
	return db
}

// DummyConnection returns a connection that records nothing.
func DummyConnection() *Connection {
	return &Connection{}
}

func createConnection(addr string) *Connection {
	db := &Connection{}
	if addr == "" {
		addr = DefaultAddr
	}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("DTACQ_DB_USER"),
		Password: os.Getenv("DTACQ_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "dtacq", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:        []string{addr},
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: 2 * time.Second,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}

	ctx := context.Background()
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		conn.Close()
		db.err = err
		return db
	}
	db.conn = conn
	db.Add(1)
	db.runmsg = make(chan *RunMessage)
	db.shotmsg = make(chan *ShotMessage)
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() || db.activityEntry == nil {
		return
	}
	ae := db.activityEntry
	db.insert("activity", `INSERT INTO activity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, ae.Start.Format(timeFormat), ae.End.Format(timeFormat),
	)
}

func (db *Connection) insert(table, query string, args ...any) {
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(), query, nowait, args...); err != nil {
		fmt.Printf("Error raised on AsyncInsert into %s: %v\n", table, err)
		db.setErr(err)
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case rmsg := <-db.runmsg:
			db.handleRunMessage(rmsg)
		case smsg := <-db.shotmsg:
			db.handleShotMessage(smsg)
		}
	}
}

// Disconnect records the end of the activity and closes the connection.
func (db *Connection) Disconnect() {
	if db.IsConnected() {
		if db.activityEntry != nil {
			db.activityEntry.End = time.Now()
			db.logActivity()
		}
		db.conn.Close()
	}
}

// RecordRun stores a RunMessage. It blocks until the message is accepted, so that a
// session is entered in the DB before any of its shots.
func (db *Connection) RecordRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.runmsg <- msg
}

// FinishRun stores the end time of a session.
func (db *Connection) FinishRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	go func() { db.runmsg <- msg }()
}

// RecordShot stores a ShotMessage without blocking the caller.
func (db *Connection) RecordShot(msg *ShotMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.shotmsg <- msg }()
}

func (db *Connection) handleRunMessage(m *RunMessage) {
	if !db.IsConnected() {
		return
	}
	activityID := ""
	if db.activityEntry != nil {
		activityID = db.activityEntry.ID
	}
	db.insert("runs", `INSERT INTO runs VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, activityID, m.RunID, m.Container, m.DeviceKind, m.Host,
		m.Nchannels, m.NPresamples, m.NSamples, m.SampleRate, m.Trigger,
		m.Start.Format(timeFormat), m.End.Format(timeFormat),
	)
}

func (db *Connection) handleShotMessage(m *ShotMessage) {
	if !db.IsConnected() {
		return
	}
	channels := make([]int32, len(m.Channels))
	for i, ch := range m.Channels {
		channels[i] = int32(ch)
	}
	db.insert("shots", `INSERT INTO shots VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.ShotNumber, m.RunID, channels,
		m.NSamples, m.Columns, m.Duplicates, m.CaptureTime.Format(timeFormat),
	)
}
