package streamdump

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveStream sends payload to the first client, then closes the connection (or, with
// hold, keeps it open until the test ends).
func serveStream(t *testing.T, payload []byte, hold bool) int {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan struct{})
	t.Cleanup(func() {
		close(done)
		l.Close()
	})
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write(payload)
		if hold {
			<-done
		}
	}()
	return l.Addr().(*net.TCPAddr).Port
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestRunWritesFiles(t *testing.T) {
	payload := pattern(1000)
	port := serveStream(t, payload, false)
	root := t.TempDir()
	stats, err := Run(context.Background(), Config{
		Host: "127.0.0.1", Port: port, Root: root, RxBufLen: 64, FileSize: 300,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), stats.Bytes)
	assert.Equal(t, 4, stats.Files)
	assert.Greater(t, stats.Elapsed, time.Duration(0))
	require.Len(t, stats.Paths, 4)
	assert.Equal(t, filepath.Join(root, "127.0.0.1", "000001", "0000"), stats.Paths[0])

	var joined []byte
	for i, p := range stats.Paths {
		contents, err := os.ReadFile(p)
		require.NoError(t, err)
		if i < 3 {
			assert.Len(t, contents, 300)
		} else {
			assert.Len(t, contents, 100, "remainder goes to a short last file")
		}
		joined = append(joined, contents...)
	}
	assert.Equal(t, payload, joined)
}

func TestRunCycles(t *testing.T) {
	port := serveStream(t, pattern(FilesPerCycle*10+25), false)
	root := t.TempDir()
	stats, err := Run(context.Background(), Config{
		Host: "127.0.0.1", Port: port, Root: root, RxBufLen: 10, FileSize: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, FilesPerCycle+3, stats.Files)
	assert.Equal(t, 2, stats.Cycles)
	assert.Equal(t, filepath.Join(root, "127.0.0.1", "000002", "0000"), stats.Paths[FilesPerCycle])
}

func TestRunTotalDataAndCallback(t *testing.T) {
	port := serveStream(t, pattern(5000), true)
	stats, err := Run(context.Background(), Config{
		Host: "127.0.0.1", Port: port, Root: t.TempDir(), RxBufLen: 100, FileSize: 1000, TotalData: 2000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2000), stats.Bytes)
	assert.Equal(t, 2, stats.Files)

	port = serveStream(t, pattern(5000), true)
	calls := 0
	stats, err = Run(context.Background(), Config{
		Host: "127.0.0.1", Port: port, Root: t.TempDir(), RxBufLen: 100, FileSize: 500,
		Callback: func(path string, data []byte) bool {
			calls++
			return calls == 3
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Files)
	assert.Equal(t, 3, calls)
}

func TestRunRuntime(t *testing.T) {
	port := serveStream(t, pattern(150), true)
	start := time.Now()
	stats, err := Run(context.Background(), Config{
		Host: "127.0.0.1", Port: port, Root: t.TempDir(), FileSize: 1000, Runtime: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int64(150), stats.Bytes)
	assert.Equal(t, 1, stats.Files)
}

func TestRunCompressed(t *testing.T) {
	payload := bytes.Repeat([]byte("acq400 stream "), 100)
	port := serveStream(t, payload, false)
	stats, err := Run(context.Background(), Config{
		Host: "127.0.0.1", Port: port, Root: t.TempDir(), FileSize: len(payload), Compress: true,
	})
	require.NoError(t, err)
	require.Len(t, stats.Paths, 1)
	assert.Equal(t, ".zst", filepath.Ext(stats.Paths[0]))

	compressed, err := os.ReadFile(stats.Paths[0])
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(payload))
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	require.NoError(t, err)
	defer dec.Close()
	raw, err := dec.DecodeAll(compressed, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, raw)
}

func TestRunNoServer(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	_, err = Run(context.Background(), Config{Host: "127.0.0.1", Port: port, Root: t.TempDir()})
	assert.Error(t, err)
}

func TestReceiveBufferLimit(t *testing.T) {
	limit, err := ReceiveBufferLimit()
	if err != nil {
		t.Skipf("sysctl not available: %v", err)
	}
	assert.Positive(t, limit)
}
