package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"
	"sync"
	"syscall"

	"github.com/lifdaq/dtacq"
	"github.com/lifdaq/dtacq/internal/shotdb"
	"github.com/lifdaq/dtacq/internal/startup"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	dtacq.Build.Date = buildDate
	dtacq.Build.Githash = githash
	dtacq.Build.Gitdate = gitdate
	dtacq.Build.Summary = fmt.Sprintf("dtacq version %s (git commit %s of %s)", dtacq.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		dtacq.Build.Host = host
	} else {
		dtacq.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	pingDB := flag.Bool("pingdb", false, "check the shot database server and quit")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is dtacq version %s\n", dtacq.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is dtacq version %s (git commit %s)\n", dtacq.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	problems, updates, err := startup.StartLoggers()
	if err != nil {
		panic(err)
	}
	dtacq.ProblemLogger = problems
	dtacq.UpdateLogger = updates
	dtacq.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := startup.SetupViper(); err != nil {
		panic(err)
	}
	cfg, err := dtacq.LoadConfig()
	if err != nil {
		panic(err)
	}

	if *pingDB {
		if err := shotdb.PingServer(cfg.Database.Addr); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	abort := make(chan struct{})
	var closeAbort sync.Once
	stop := func() { closeAbort.Do(func() { close(abort) }) }
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-interrupt
		dtacq.UpdateLogger.Printf("Interrupt received, stopping")
		stop()
	}()

	db := shotdb.DummyConnection()
	if cfg.Database.Enable {
		activity := shotdb.NewActivityMessage(dtacq.Build.Version, githash)
		db = shotdb.StartConnection(cfg.Database.Addr, activity, abort)
		if !db.IsConnected() {
			dtacq.ProblemLogger.Printf("Shot database not connected: %v", db.Err())
		}
	}

	go func() {
		if err := dtacq.RunClientUpdater(dtacq.Ports.Status, abort); err != nil {
			dtacq.ProblemLogger.Printf("Client updater failed: %v", err)
		}
	}()
	if err := dtacq.RunRPCServer(dtacq.Ports.RPC, db, abort, true); err != nil {
		dtacq.ProblemLogger.Println(err)
	}
	stop()
	if db.IsConnected() {
		db.Wait()
	}
}
