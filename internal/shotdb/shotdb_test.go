package shotdb

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
)

func TestDummyConnection(t *testing.T) {
	db := DummyConnection()
	assert.False(t, db.IsConnected())
	assert.NoError(t, db.Err())

	// None of these may block or panic without a server.
	db.RecordRun(&RunMessage{ID: NewID()})
	db.FinishRun(&RunMessage{ID: NewID()})
	db.RecordShot(&ShotMessage{ID: NewID()})
	db.Disconnect()

	var none *Connection
	assert.False(t, none.IsConnected())
	none.RecordShot(&ShotMessage{})
}

func TestUnreachableServer(t *testing.T) {
	abort := make(chan struct{})
	defer close(abort)
	start := time.Now()
	db := StartConnection("127.0.0.1:1", NewActivityMessage("0.0.0", "abc"), abort)
	assert.False(t, db.IsConnected())
	assert.Error(t, db.Err())
	assert.Less(t, time.Since(start), 10*time.Second)
	db.RecordShot(&ShotMessage{ID: NewID()})
}

// The handler goroutine may record an insert error while callers check the connection.
func TestErrConcurrentAccess(t *testing.T) {
	db := DummyConnection()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			db.setErr(errors.New("insert failed"))
		}
	}()
	for i := 0; i < 100; i++ {
		db.IsConnected()
		db.Err()
	}
	wg.Wait()
	assert.EqualError(t, db.Err(), "insert failed")
	assert.False(t, db.IsConnected())
}

func TestIDs(t *testing.T) {
	a, b := NewID(), NewID()
	assert.NotEqual(t, a, b)
	id, err := ulid.Parse(a)
	assert.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ulid.Time(id.Time()), time.Minute)

	am := NewActivityMessage("1.2.3", "deadbeef")
	assert.Equal(t, "1.2.3", am.Version)
	assert.Positive(t, am.CPUs)
	assert.NotEmpty(t, am.GoVersion)
}
