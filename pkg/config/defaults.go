package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Built-in defaults.
const (
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxConnections  = 50
	DefaultRetryInterval   = 120 * time.Second
	DefaultTransferTimeout = 120 * time.Second
	DefaultBlockSize       = 4096
	DefaultMetricsPort     = 9555
	DefaultServerPort      = 4444
	DefaultPollInterval    = 60 * time.Second
	DefaultWorkDir         = "/var/lib/afd"
)

// GetDefaultConfig returns a configuration with every default filled
// in and no hosts or directories.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults sets default values for any unspecified fields. Zero
// values are replaced, explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	if cfg.WorkDir == "" {
		cfg.WorkDir = DefaultWorkDir
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)
	applyServerDefaults(&cfg.Server)
	for i := range cfg.Hosts {
		applyHostDefaults(&cfg.Hosts[i])
	}
	applyMonitorDefaults(&cfg.Monitor)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	cfg.Level = strings.ToLower(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultMetricsPort
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultServerPort
	}
}

func applyHostDefaults(cfg *HostConfig) {
	if cfg.Protocol == "" {
		cfg.Protocol = "ftp"
	}
	if cfg.Port == 0 {
		cfg.Port = 21
	}
	if cfg.AllowedTransfers == 0 {
		cfg.AllowedTransfers = 2
	}
	if cfg.MaxErrors == 0 {
		cfg.MaxErrors = 10
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.TransferTimeout == 0 {
		cfg.TransferTimeout = DefaultTransferTimeout
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.FileSizeOffset == "" {
		cfg.FileSizeOffset = "none"
	}
}

func applyMonitorDefaults(cfg *MonitorConfig) {
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 60 * time.Second
	}
	for i := range cfg.Peers {
		p := &cfg.Peers[i]
		if p.PollInterval == 0 {
			p.PollInterval = DefaultPollInterval
		}
		if p.Switching == "" {
			p.Switching = "none"
		}
	}
}

// Validate checks the configuration against the struct tags plus the
// cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return err
	}

	seen := make(map[string]bool, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		if seen[h.Alias] {
			return fmt.Errorf("duplicate host alias %q", h.Alias)
		}
		seen[h.Alias] = true
		if h.SecondHostname != "" && h.SecondHostname == h.Hostname {
			return fmt.Errorf("host %q: second_hostname equals hostname", h.Alias)
		}
	}

	dirSeen := make(map[string]bool, len(cfg.Directories))
	for _, d := range cfg.Directories {
		if dirSeen[d.Alias] {
			return fmt.Errorf("duplicate directory alias %q", d.Alias)
		}
		dirSeen[d.Alias] = true
	}
	return nil
}
