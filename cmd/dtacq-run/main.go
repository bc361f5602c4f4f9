// Command dtacq-run takes a sequence of shots from a digitizer into the archive and
// prints the averaged result.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/lifdaq/dtacq"
	"github.com/lifdaq/dtacq/internal/startup"
	"gonum.org/v1/gonum/floats"
)

func parseChannels(s string) ([]int, error) {
	var chans []int
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		ch, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", f, err)
		}
		chans = append(chans, ch)
	}
	return chans, nil
}

func run() error {
	channels := flag.String("channels", "1,2", "comma-separated channels to acquire (empty for all)")
	shots := flag.Int("shots", 2, "number of shots to average")
	trigger := flag.String("trigger", "", "trigger source, soft or ext (default from config)")
	pre := flag.Float64("pre", -1, "seconds captured before the trigger (default from config)")
	post := flag.Float64("post", -1, "seconds captured after the trigger (default from config)")
	runID := flag.String("run", "6", "run identifier: the archive group shots are averaged in")
	sim := flag.Bool("sim", false, "use the simulated digitizer")
	host := flag.String("host", "", "digitizer host (default from config)")
	retries := flag.Int("retries", 1, "retries of a shot whose channel read failed")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	problems, updates, err := startup.StartLoggers()
	if err != nil {
		return err
	}
	dtacq.ProblemLogger = problems
	dtacq.UpdateLogger = updates

	if err := startup.SetupViper(); err != nil {
		return err
	}
	cfg, err := dtacq.LoadConfig()
	if err != nil {
		return err
	}
	dtacq.Verbose = dtacq.Verbose || *verbose

	if *sim {
		cfg.Device.Kind = "simulated"
	}
	if *host != "" {
		cfg.Device.Kind = "acq400"
		cfg.Device.Host = *host
	}
	if *trigger != "" {
		cfg.Acquisition.Source = *trigger
	}
	if *pre >= 0 || *post >= 0 {
		p, q := float64(cfg.Acquisition.PreSamples)/cfg.Acquisition.SampleRate,
			float64(cfg.Acquisition.PostSamples)/cfg.Acquisition.SampleRate
		if *pre >= 0 {
			p = *pre
		}
		if *post >= 0 {
			q = *post
		}
		cfg.Acquisition.SetWindowSeconds(p, q)
		cfg.Acquisition.CollectPre = cfg.Acquisition.PreSamples > 0
	}
	chans, err := parseChannels(*channels)
	if err != nil {
		return err
	}

	dev, err := dtacq.NewDevice(cfg.Device)
	if err != nil {
		return err
	}
	defer dev.Close()
	if sd, ok := dev.(*dtacq.SimDevice); ok {
		go fireWhenArmed(sd, cfg.Acquisition)
	}
	o, err := dtacq.NewOrchestrator(dev, cfg.Acquisition)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	session := &dtacq.Session{
		Orchestrator: o,
		Archive:      dtacq.NewArchive(cfg.Archive.ContainerPath(time.Now())),
		RunID:        *runID,
		Channels:     chans,
		Shots:        *shots,
		SaveData:     cfg.Archive.SaveData,
		MaxRetries:   *retries,
		DeviceKind:   cfg.Device.Kind,
	}
	start := time.Now()
	summary, err := session.Run(ctx)
	fmt.Printf("Run %q in %s: %d shots archived %v, %d skipped, %d possible duplicates (%.3f s)\n",
		summary.RunID, summary.Container, len(summary.Archived), summary.Archived,
		summary.Skipped, summary.Duplicates, time.Since(start).Seconds())
	if err != nil {
		return err
	}

	for _, avg := range summary.Averages {
		if len(avg.Series) == 0 {
			continue
		}
		t := dtacq.TimeAxisMillis(len(avg.Series), cfg.Acquisition.SampleRate)
		imax := floats.MaxIdx(avg.Series)
		fmt.Printf("%s: %d shots, %d samples, mean %.4f V, peak %.4f V at %.3f ms\n",
			dtacq.ChannelName(avg.Channel), avg.Shots, len(avg.Series),
			floats.Sum(avg.Series)/float64(len(avg.Series)), avg.Series[imax], t[imax])
	}
	return nil
}

// fireWhenArmed supplies external triggers to a simulated device.
func fireWhenArmed(sd *dtacq.SimDevice, cfg dtacq.AcquisitionConfig) {
	if source, _ := cfg.TriggerSource(); source != dtacq.ExternalTrigger {
		return
	}
	for {
		sd.FireExternal()
		time.Sleep(10 * cfg.PollInterval)
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "dtacq-run:", err)
		os.Exit(1)
	}
}
