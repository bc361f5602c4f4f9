package dtacq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"github.com/lifdaq/dtacq/internal/shotdb"
	"github.com/spf13/viper"
)

// AcquisitionControl is the sub-server that handles configuration and operation of
// the digitizer and its archive.
type AcquisitionControl struct {
	config Config
	device Device
	db     *shotdb.Connection
	cancel context.CancelFunc // stops the running session, if any

	status ServerStatus
	sync.Mutex
}

// ServerStatus the status that AcquisitionControl reports to clients.
type ServerStatus struct {
	Running       bool
	DeviceKind    string
	Host          string
	Nchannels     int
	RunID         string
	Archive       string
	ShotsArchived int
	LastShot      int
}

// NewAcquisitionControl returns a controller using cfg. The device is made on the first
// ConfigureDevice or Acquire call.
func NewAcquisitionControl(cfg Config, db *shotdb.Connection) *AcquisitionControl {
	return &AcquisitionControl{config: cfg, db: db}
}

// ConfigureDevice selects and connects the digitizer.
func (s *AcquisitionControl) ConfigureDevice(args *DeviceConfig, reply *bool) error {
	s.Lock()
	defer s.Unlock()
	*reply = false
	if s.status.Running {
		return fmt.Errorf("cannot change device while acquiring (you should call Stop)")
	}
	UpdateLogger.Printf("ConfigureDevice: kind=%s host=%s", args.Kind, args.Host)
	dev, err := NewDevice(*args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	nchan, err := dev.ChannelCount(ctx)
	if err != nil {
		dev.Close()
		return fmt.Errorf("device %s did not answer: %w", args.Host, err)
	}
	if s.device != nil {
		s.device.Close()
	}
	s.device = dev
	s.config.Device = *args
	s.status.DeviceKind = args.Kind
	s.status.Host = args.Host
	s.status.Nchannels = nchan
	if err := SaveConfig("device", args); err != nil {
		ProblemLogger.Printf("Could not save device configuration: %v", err)
	}
	publishUpdate("DEVICE", args)
	s.broadcastUpdate()
	*reply = true
	return nil
}

// ConfigureAcquisition sets the trigger and capture window used by later shots.
func (s *AcquisitionControl) ConfigureAcquisition(args *AcquisitionConfig, reply *bool) error {
	s.Lock()
	defer s.Unlock()
	*reply = false
	if err := args.Validate(); err != nil {
		return err
	}
	s.config.Acquisition = *args
	if err := SaveConfig("acquisition", args); err != nil {
		ProblemLogger.Printf("Could not save acquisition configuration: %v", err)
	}
	publishUpdate("ACQUISITIONCONFIG", args)
	*reply = true
	return nil
}

// ConfigureArchive sets where shots are archived.
func (s *AcquisitionControl) ConfigureArchive(args *ArchiveConfig, reply *bool) error {
	s.Lock()
	defer s.Unlock()
	*reply = false
	if args.Root == "" || args.DateCode == "" || args.SaveData == "" {
		return errors.New("archive configuration needs Root, DateCode and SaveData")
	}
	s.config.Archive = *args
	if err := SaveConfig("archive", args); err != nil {
		ProblemLogger.Printf("Could not save archive configuration: %v", err)
	}
	*reply = true
	return nil
}

// AcquireRequest asks for a sequence of shots.
type AcquireRequest struct {
	RunID      string
	Channels   []int
	Shots      int
	MaxRetries int
}

// Acquire takes the requested shots and returns when they are done or have failed.
func (s *AcquisitionControl) Acquire(args *AcquireRequest, reply *SessionSummary) error {
	s.Lock()
	if s.status.Running {
		s.Unlock()
		return fmt.Errorf("an acquisition is already running")
	}
	if s.device == nil {
		dev, err := NewDevice(s.config.Device)
		if err != nil {
			s.Unlock()
			return err
		}
		s.device = dev
		s.status.DeviceKind = s.config.Device.Kind
	}
	o, err := NewOrchestrator(s.device, s.config.Acquisition)
	if err != nil {
		s.Unlock()
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	session := &Session{
		Orchestrator: o,
		Archive:      NewArchive(s.config.Archive.ContainerPath(time.Now())),
		RunID:        args.RunID,
		Channels:     args.Channels,
		Shots:        args.Shots,
		SaveData:     s.config.Archive.SaveData,
		MaxRetries:   args.MaxRetries,
		DB:           s.db,
		DeviceKind:   s.config.Device.Kind,
	}
	s.status.Running = true
	s.status.RunID = args.RunID
	s.status.Archive = session.Archive.Path
	s.broadcastUpdate()
	s.Unlock()

	summary, err := session.Run(ctx)
	cancel()

	s.Lock()
	defer s.Unlock()
	s.cancel = nil
	s.status.Running = false
	s.status.ShotsArchived += len(summary.Archived)
	if n := len(summary.Archived); n > 0 {
		s.status.LastShot = summary.Archived[n-1]
	}
	s.broadcastUpdate()
	*reply = summary
	return err
}

// Stop cancels a running acquisition.
func (s *AcquisitionControl) Stop(dummy *string, reply *bool) error {
	s.Lock()
	defer s.Unlock()
	if s.cancel == nil {
		return fmt.Errorf("no acquisition is running")
	}
	UpdateLogger.Println("Stopping acquisition")
	s.cancel()
	*reply = true
	return nil
}

// AverageRequest selects a run to average. An empty Container means today's.
type AverageRequest struct {
	Container string
	RunID     string
	Channels  []int
}

// AverageReply holds per-channel averages and their common time axis.
type AverageReply struct {
	Container  string
	Averages   []ChannelAverage
	TimeMillis []float64
}

// Average computes the shot average of each requested channel of a run.
func (s *AcquisitionControl) Average(args *AverageRequest, reply *AverageReply) error {
	s.Lock()
	container := args.Container
	if container == "" {
		container = s.config.Archive.ContainerPath(time.Now())
	}
	rate := s.config.Acquisition.SampleRate
	s.Unlock()

	averages, err := NewAveragingView(NewArchive(container)).AverageAll(args.RunID, args.Channels)
	if err != nil {
		return err
	}
	reply.Container = container
	reply.Averages = averages
	if len(averages) > 0 {
		reply.TimeMillis = TimeAxisMillis(len(averages[0].Series), rate)
	}
	return nil
}

// broadcastUpdate publishes the status. Lock must be held.
func (s *AcquisitionControl) broadcastUpdate() {
	publishUpdate("STATUS", s.status)
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info
func (s *AcquisitionControl) SendAllStatus(dummy *string, reply *bool) error {
	s.Lock()
	s.broadcastUpdate()
	s.Unlock()
	publishUpdate("SENDALL", 0)
	*reply = true
	return nil
}

// RunRPCServer sets up and runs a permanent JSON-RPC server. It stops when abort is
// closed. If block, it runs until then (or until the listener fails); otherwise it
// returns once the server is listening.
func RunRPCServer(portrpc int, db *shotdb.Connection, abort <-chan struct{}, block bool) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	UpdateLogger.Printf("dtacq is using config file %s\n", viper.ConfigFileUsed())

	// Set up objects to handle remote calls
	control := NewAcquisitionControl(cfg, db)
	server := rpc.NewServer()
	if err := server.Register(control); err != nil {
		return err
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", portrpc))
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				control.Lock()
				control.broadcastUpdate()
				control.Unlock()
			}
		}
	}()
	go func() {
		select {
		case <-abort:
			listener.Close()
		case <-done:
		}
	}()

	serve := func() error {
		defer close(done)
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-abort:
					UpdateLogger.Printf("RPC server stopped\n")
					return nil
				default:
				}
				listener.Close()
				return fmt.Errorf("accept error: %w", err)
			}
			UpdateLogger.Printf("new connection established\n")
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}
	if block {
		return serve()
	}
	go func() {
		if err := serve(); err != nil {
			ProblemLogger.Println(err)
		}
	}()
	return nil
}
