// Package streamdump captures the continuous data stream of a digitizer straight to
// disk. Data are written in files of a fixed size, 100 files per numbered cycle
// directory: <Root>/<Host>/000001/0000, 0001, ... 0099, then 000002/0000 and so on.
package streamdump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/lorenzosaino/go-sysctl"
)

// Defaults for the stream service and buffer sizes.
const (
	DefaultPort     = 4210
	DefaultRxBufLen = 4096 * 64
	FilesPerCycle   = 100
)

// Config describes one streaming capture.
type Config struct {
	Host      string
	Port      int
	Root      string
	RxBufLen  int           // largest single receive
	FileSize  int           // bytes per file
	TotalData int64         // stop after this many bytes; 0 means no limit
	Runtime   time.Duration // stop after this long; 0 means no limit
	Compress  bool          // write zstd-compressed files, named like 0000.zst

	// Callback, if set, is called after each file is written. Returning true ends the
	// capture.
	Callback func(path string, data []byte) bool
}

// Stats summarize a capture.
type Stats struct {
	Bytes   int64
	Files   int
	Cycles  int
	Elapsed time.Duration
	Paths   []string
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.RxBufLen <= 0 {
		c.RxBufLen = DefaultRxBufLen
	}
	if c.FileSize <= 0 {
		c.FileSize = c.RxBufLen
	}
	if c.TotalData > 0 && int64(c.FileSize) > c.TotalData {
		c.FileSize = int(c.TotalData)
	}
	return c
}

// ReceiveBufferLimit returns the kernel's limit on socket receive buffers.
func ReceiveBufferLimit() (int, error) {
	v, err := sysctl.Get("net.core.rmem_max")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(v))
}

// writer tracks the cycle directory and file number of the next file.
type writer struct {
	cfg     Config
	base    string
	cycle   int
	num     int
	encoder *zstd.Encoder
	stats   *Stats
}

func (w *writer) dir() string {
	return filepath.Join(w.base, fmt.Sprintf("%06d", w.cycle))
}

func (w *writer) write(data []byte) (string, error) {
	if w.num >= FilesPerCycle {
		w.num = 0
		w.cycle++
	}
	if err := os.MkdirAll(w.dir(), 0755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%04d", w.num)
	if w.cfg.Compress {
		name += ".zst"
	}
	path := filepath.Join(w.dir(), name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	var out io.Writer = f
	if w.encoder != nil {
		w.encoder.Reset(f)
		out = w.encoder
	}
	_, err = out.Write(data)
	if w.encoder != nil {
		err = errors.Join(err, w.encoder.Close())
	}
	if err = errors.Join(err, f.Close()); err != nil {
		return path, err
	}
	w.num++
	w.stats.Files++
	w.stats.Cycles = w.cycle
	w.stats.Paths = append(w.stats.Paths, path)
	return path, nil
}

// Run connects to the stream port and writes files until the runtime or data limit is
// reached, the stream ends, the callback says to stop, or ctx is done. Data received
// but not yet filling a whole file are written to a last, shorter file.
func Run(ctx context.Context, cfg Config) (stats Stats, err error) {
	cfg = cfg.withDefaults()
	start := time.Now()
	defer func() { stats.Elapsed = time.Since(start) }()

	if cfg.Runtime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Runtime)
		defer cancel()
	}
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return stats, err
	}
	defer conn.Close()
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetReadBuffer(4 * cfg.RxBufLen)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	w := &writer{cfg: cfg, base: filepath.Join(cfg.Root, cfg.Host), cycle: 1, stats: &stats}
	if cfg.Compress {
		if w.encoder, err = zstd.NewWriter(nil); err != nil {
			return stats, err
		}
	}

	data := make([]byte, 0, cfg.FileSize)
	rxbuf := make([]byte, cfg.RxBufLen)
	for cfg.TotalData <= 0 || stats.Bytes < cfg.TotalData {
		want := min(cfg.RxBufLen, cfg.FileSize-len(data))
		n, rerr := conn.Read(rxbuf[:want])
		data = append(data, rxbuf[:n]...)
		stats.Bytes += int64(n)

		if len(data) >= cfg.FileSize {
			path, err := w.write(data)
			if err != nil {
				return stats, err
			}
			if cfg.Callback != nil && cfg.Callback(path, data) {
				return stats, nil
			}
			data = data[:0]
		}
		if rerr != nil {
			if ctx.Err() != nil || errors.Is(rerr, io.EOF) {
				break
			}
			return stats, rerr
		}
	}

	if len(data) > 0 {
		if _, err := w.write(data); err != nil {
			return stats, err
		}
	}
	return stats, nil
}
