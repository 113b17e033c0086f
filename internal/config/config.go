package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Settings holds all runtime configuration. Every protocol timer is
// configurable; none of the defaults are a wire contract.
type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000" yaml:"listen_addr"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data" yaml:"data_path"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"" yaml:"database_path"`
	LogPath      string `envconfig:"LOG_PATH" default:"" yaml:"log_path"`
	AuthDisabled bool   `envconfig:"AUTH_DISABLED" default:"false" yaml:"auth_disabled"`

	// Session lifecycle
	SessionTTL    string `envconfig:"SESSION_TTL" default:"2h" yaml:"session_ttl"`
	SessionGrace  string `envconfig:"SESSION_GRACE" default:"10s" yaml:"session_grace"`
	SweepInterval string `envconfig:"SWEEP_INTERVAL" default:"1m" yaml:"sweep_interval"`

	// Gateway protocol timers
	IdleTimeout    string `envconfig:"IDLE_TIMEOUT" default:"30s" yaml:"idle_timeout"`
	ConnectedDelay string `envconfig:"CONNECTED_DELAY" default:"50ms" yaml:"connected_delay"`
	ResolveRetries int    `envconfig:"RESOLVE_RETRIES" default:"3" yaml:"resolve_retries"`
	ResolveBackoff string `envconfig:"RESOLVE_BACKOFF" default:"100ms" yaml:"resolve_backoff"`
	TokenTTL       string `envconfig:"TOKEN_TTL" default:"8h" yaml:"token_ttl"`

	// Command sandbox
	ExecTimeout string `envconfig:"EXEC_TIMEOUT" default:"30s" yaml:"exec_timeout"`
	SandboxPTY  bool   `envconfig:"SANDBOX_PTY" default:"false" yaml:"sandbox_pty"`

	// Credential source. When RoleARN is empty a static (mock) source is used.
	AWSRegion       string `envconfig:"AWS_REGION" default:"us-east-1" yaml:"aws_region"`
	AWSRoleARN      string `envconfig:"AWS_ROLE_ARN" default:"" yaml:"aws_role_arn"`
	AWSCredDuration string `envconfig:"AWS_CRED_DURATION" default:"1h" yaml:"aws_cred_duration"`
}

var Cfg Settings

// Load populates Cfg from TERMGATE_* environment variables, then applies the
// optional YAML override file named by TERMGATE_CONFIG_FILE.
func Load() {
	if err := envconfig.Process("TERMGATE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if path := os.Getenv("TERMGATE_CONFIG_FILE"); path != "" {
		if err := ApplyFile(path, &Cfg); err != nil {
			log.Fatalf("failed to load config file %s: %v", path, err)
		}
	}
	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = Cfg.DataPath + "/termgate.db"
	}
	if Cfg.LogPath == "" {
		Cfg.LogPath = Cfg.DataPath + "/termgate.log"
	}
}

// ApplyFile overlays YAML values onto already-populated settings. Zero values
// in the file leave the environment/default value in place.
func ApplyFile(path string, s *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var overlay Settings
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	merge(s, &overlay)
	return nil
}

func merge(dst, src *Settings) {
	if src.ListenAddr != "" {
		dst.ListenAddr = src.ListenAddr
	}
	if src.DataPath != "" {
		dst.DataPath = src.DataPath
	}
	if src.DatabasePath != "" {
		dst.DatabasePath = src.DatabasePath
	}
	if src.LogPath != "" {
		dst.LogPath = src.LogPath
	}
	if src.AuthDisabled {
		dst.AuthDisabled = true
	}
	if src.SessionTTL != "" {
		dst.SessionTTL = src.SessionTTL
	}
	if src.SessionGrace != "" {
		dst.SessionGrace = src.SessionGrace
	}
	if src.SweepInterval != "" {
		dst.SweepInterval = src.SweepInterval
	}
	if src.IdleTimeout != "" {
		dst.IdleTimeout = src.IdleTimeout
	}
	if src.ConnectedDelay != "" {
		dst.ConnectedDelay = src.ConnectedDelay
	}
	if src.ResolveRetries != 0 {
		dst.ResolveRetries = src.ResolveRetries
	}
	if src.ResolveBackoff != "" {
		dst.ResolveBackoff = src.ResolveBackoff
	}
	if src.TokenTTL != "" {
		dst.TokenTTL = src.TokenTTL
	}
	if src.ExecTimeout != "" {
		dst.ExecTimeout = src.ExecTimeout
	}
	if src.SandboxPTY {
		dst.SandboxPTY = true
	}
	if src.AWSRegion != "" {
		dst.AWSRegion = src.AWSRegion
	}
	if src.AWSRoleARN != "" {
		dst.AWSRoleARN = src.AWSRoleARN
	}
	if src.AWSCredDuration != "" {
		dst.AWSCredDuration = src.AWSCredDuration
	}
}

// Duration parses a duration setting, falling back to def when the value is
// empty or malformed. Bad values are logged at startup rather than failing a
// live connection later.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("WARNING: invalid duration %q, using %s", value, def)
		return def
	}
	return d
}
