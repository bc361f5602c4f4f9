package dtacq

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// AcquisitionConfig holds everything the orchestrator needs to take shots.
type AcquisitionConfig struct {
	Role           TriggerRole
	Trigger        TriggerSpec
	Source         string // "soft" or "ext"
	PreSamples     int
	PostSamples    int
	CollectPre     bool // capture PreSamples before the trigger
	SampleWidth    int  // bytes per raw sample
	SampleRate     float64
	PollInterval   time.Duration // device status poll period
	ArmTimeout     time.Duration // limit on arming and on waiting for ARM before a soft trigger
	TriggerTimeout time.Duration // limit on waiting for an external trigger
	ReadTimeout    time.Duration // per-channel read limit, and limit on waiting for data
}

// DefaultAcquisitionConfig returns the settings of a typical laser-induced fluorescence
// shot: 5 ms before and 100 ms after the trigger at 2 MS/s, soft trigger.
func DefaultAcquisitionConfig() AcquisitionConfig {
	cfg := AcquisitionConfig{
		Role:           RoleMaster,
		Trigger:        TriggerSpec{1, 1, 1},
		Source:         "soft",
		CollectPre:     true,
		SampleWidth:    2,
		SampleRate:     2e6,
		PollInterval:   20 * time.Millisecond,
		ArmTimeout:     10 * time.Second,
		TriggerTimeout: time.Minute,
		ReadTimeout:    30 * time.Second,
	}
	cfg.SetWindowSeconds(5e-3, 100e-3)
	return cfg
}

// SetWindowSeconds sets the pre- and post-trigger sample counts from durations in seconds.
func (cfg *AcquisitionConfig) SetWindowSeconds(pre, post float64) {
	cfg.PreSamples = int(cfg.SampleRate * pre)
	cfg.PostSamples = int(cfg.SampleRate * post)
}

// Samples is the number of samples per channel per shot.
func (cfg AcquisitionConfig) Samples() int {
	if cfg.CollectPre {
		return cfg.PreSamples + cfg.PostSamples
	}
	return cfg.PostSamples
}

// TriggerSource parses the Source field.
func (cfg AcquisitionConfig) TriggerSource() (TriggerSource, error) {
	return ParseTriggerSource(cfg.Source)
}

// Validate checks the configuration for values no device could accept.
func (cfg AcquisitionConfig) Validate() error {
	if cfg.PostSamples <= 0 {
		return fmt.Errorf("PostSamples=%d, must be positive", cfg.PostSamples)
	}
	if cfg.PreSamples < 0 {
		return fmt.Errorf("PreSamples=%d, must not be negative", cfg.PreSamples)
	}
	if cfg.SampleWidth != 2 && cfg.SampleWidth != 4 {
		return fmt.Errorf("SampleWidth=%d, must be 2 or 4", cfg.SampleWidth)
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("PollInterval=%v, must be positive", cfg.PollInterval)
	}
	if _, err := cfg.TriggerSource(); err != nil {
		return err
	}
	switch cfg.Role {
	case RoleMaster, RoleSlave, RoleSolo:
	default:
		return fmt.Errorf("Role=%q, must be one of master, slave, solo", cfg.Role)
	}
	return nil
}

// DeviceConfig selects and locates the digitizer.
type DeviceConfig struct {
	Kind            string // "simulated" or "acq400"
	Host            string
	SitePortBase    int
	ChannelPortBase int
	MaxBuf          int
	Nchan           int // simulated devices only
}

// ArchiveConfig says where shots are archived. One container is used per DateCode
// period, so by default a new container starts every day.
type ArchiveConfig struct {
	Root     string
	DateCode string // Go time layout
	SaveData string // shot-ledger base path, like "data/transient_capture%d"
}

// DefaultArchiveConfig returns the usual archive locations.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Root:     filepath.Join("data", "acq1001_420_npa"),
		DateCode: "060102",
		SaveData: filepath.Join("data", "transient_capture%d"),
	}
}

// ContainerPath returns the archive container in use at time t.
func (ac ArchiveConfig) ContainerPath(t time.Time) string {
	return filepath.Join(ac.Root, t.Format(ac.DateCode)+ContainerSuffix)
}

// DatabaseConfig locates the optional ClickHouse shot log.
type DatabaseConfig struct {
	Enable bool
	Addr   string
}

// Config is the whole stored configuration.
type Config struct {
	Device      DeviceConfig
	Acquisition AcquisitionConfig
	Archive     ArchiveConfig
	Database    DatabaseConfig
}

// LoadConfig reads the configuration from viper, starting from the defaults.
func LoadConfig() (Config, error) {
	cfg := Config{
		Device:      DeviceConfig{Kind: "simulated", Nchan: 4},
		Acquisition: DefaultAcquisitionConfig(),
		Archive:     DefaultArchiveConfig(),
	}
	for key, target := range map[string]any{
		"device":      &cfg.Device,
		"acquisition": &cfg.Acquisition,
		"archive":     &cfg.Archive,
		"database":    &cfg.Database,
	} {
		if err := viper.UnmarshalKey(key, target); err != nil {
			return cfg, fmt.Errorf("config key %q: %w", key, err)
		}
	}
	Verbose = viper.GetBool("verbose")
	return cfg, nil
}

// SaveConfig stores cfg into viper and writes the config file.
func SaveConfig(key string, value any) error {
	viper.Set(key, value)
	if viper.ConfigFileUsed() == "" {
		return nil
	}
	return viper.WriteConfig()
}
