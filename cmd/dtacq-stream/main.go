// Command dtacq-stream writes a digitizer's continuous data stream to disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/lifdaq/dtacq/internal/acq400"
	"github.com/lifdaq/dtacq/internal/startup"
	"github.com/lifdaq/dtacq/internal/streamdump"
	"github.com/spf13/viper"
)

func main() {
	problems, updates, err := startup.StartLoggers()
	if err != nil {
		fmt.Fprintln(os.Stderr, "dtacq-stream:", err)
		os.Exit(1)
	}
	if err := startup.SetupViper(); err != nil {
		problems.Println(err)
		fmt.Fprintln(os.Stderr, err)
	}
	viper.SetDefault("stream.root", filepath.Join("data", "stream"))
	viper.SetDefault("stream.filesize", 1)
	viper.SetDefault("stream.totaldata", 1)
	viper.SetDefault("stream.runtime", 120*time.Second)

	host := flag.String("host", viper.GetString("device.host"), "digitizer host")
	port := flag.Int("port", acq400.DefaultStreamPort, "stream port")
	root := flag.String("root", viper.GetString("stream.root"), "directory receiving <host>/<cycle>/<file>")
	filesize := flag.Float64("filesize", viper.GetFloat64("stream.filesize"), "file size in units of 200 kB")
	totaldata := flag.Float64("totaldata", viper.GetFloat64("stream.totaldata"), "data to capture in MiB (0 for no limit)")
	runtime := flag.Duration("runtime", viper.GetDuration("stream.runtime"), "capture duration")
	compress := flag.Bool("zstd", viper.GetBool("stream.zstd"), "compress files with zstd")
	verbose := flag.Bool("v", false, "print every file written")
	flag.Parse()
	if *host == "" {
		fmt.Fprintln(os.Stderr, "dtacq-stream: no -host given and none configured")
		os.Exit(2)
	}

	cfg := streamdump.Config{
		Host:      *host,
		Port:      *port,
		Root:      *root,
		RxBufLen:  streamdump.DefaultRxBufLen,
		FileSize:  int(*filesize * 200000),
		TotalData: int64(*totaldata * 0x100000),
		Runtime:   *runtime,
		Compress:  *compress,
	}
	if limit, err := streamdump.ReceiveBufferLimit(); err == nil && limit < 4*cfg.RxBufLen {
		msg := fmt.Sprintf("Warning: net.core.rmem_max is %d bytes, less than the %d requested; data may be lost",
			limit, 4*cfg.RxBufLen)
		fmt.Println(msg)
		problems.Println(msg)
	}
	updates.Printf("Streaming from %s:%d into %s", cfg.Host, cfg.Port, cfg.Root)
	start := time.Now()
	cfg.Callback = func(path string, data []byte) bool {
		if *verbose {
			fmt.Printf("Wrote %s (%d bytes), %.1f s of %.1f s elapsed\n", path, len(data),
				time.Since(start).Seconds(), runtime.Seconds())
		}
		return false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	stats, err := streamdump.Run(ctx, cfg)
	summary := fmt.Sprintf("Streamed %.3f MB into %d files in %.1f s", float64(stats.Bytes)/1e6, stats.Files, stats.Elapsed.Seconds())
	fmt.Println(summary)
	updates.Println(summary)
	if err != nil {
		problems.Println(err)
		fmt.Fprintln(os.Stderr, "dtacq-stream:", err)
		os.Exit(1)
	}
}
