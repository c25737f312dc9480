package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Player   PlayerConfig   `yaml:"player"`
	WM       WMConfig       `yaml:"wm"`
	Liveness LivenessConfig `yaml:"liveness"`
	Debug    bool           `yaml:"debug"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type PlayerConfig struct {
	SocketPath     string `yaml:"socket_path"`
	ExecutablePath string `yaml:"executable_path"`
	ConfigFile     string `yaml:"config_file"`
	SplashPath     string `yaml:"splash_path"`
	AutoStart      bool   `yaml:"auto_start"`
	ForceAutoStart bool   `yaml:"force_auto_start"`

	StartupTimeout time.Duration `yaml:"startup_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	BackoffMin     time.Duration `yaml:"backoff_min"`
	BackoffMax     time.Duration `yaml:"backoff_max"`

	// MalformedFrameLimit is the number of consecutive unparsable lines
	// tolerated before the connection is torn down and re-established.
	MalformedFrameLimit int `yaml:"malformed_frame_limit"`
}

type WMConfig struct {
	SocketPath     string        `yaml:"socket_path"`
	LaunchCommand  string        `yaml:"launch_command"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type LivenessConfig struct {
	// Interval between watchdog pulses. Zero derives the interval from the
	// host process manager's watchdog budget (half of WATCHDOG_USEC).
	Interval      time.Duration `yaml:"interval"`
	HealthTimeout time.Duration `yaml:"health_timeout"`
	MaxFailures   int           `yaml:"max_failures"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8008,
		},
		Player: PlayerConfig{
			SocketPath:          "/run/mpv/mpv.sock",
			ExecutablePath:      "mpv",
			AutoStart:           true,
			ForceAutoStart:      true,
			StartupTimeout:      10 * time.Second,
			RequestTimeout:      5 * time.Second,
			BackoffMin:          250 * time.Millisecond,
			BackoffMax:          5 * time.Second,
			MalformedFrameLimit: 5,
		},
		WM: WMConfig{
			SocketPath:     "/run/wm/control.sock",
			LaunchCommand:  "firefox",
			RequestTimeout: 5 * time.Second,
		},
		Liveness: LivenessConfig{
			HealthTimeout: 2 * time.Second,
			MaxFailures:   3,
		},
	}
}

// Debugf logs only when debug logging is enabled.
func (c *Config) Debugf(format string, args ...any) {
	if c.Debug {
		log.Printf(format, args...)
	}
}

// Load reads the YAML config at path on top of the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the rest of the service cannot act on sensibly.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Player.SocketPath == "" {
		return fmt.Errorf("player.socket_path must be set")
	}
	// force_auto_start only has meaning when auto_start can spawn the
	// process in the first place.
	if c.Player.ForceAutoStart && !c.Player.AutoStart {
		return fmt.Errorf("player.force_auto_start requires player.auto_start")
	}
	if c.Player.MalformedFrameLimit < 1 {
		return fmt.Errorf("player.malformed_frame_limit must be at least 1")
	}
	if c.Player.BackoffMin <= 0 || c.Player.BackoffMax < c.Player.BackoffMin {
		return fmt.Errorf("player backoff bounds invalid: min=%s max=%s", c.Player.BackoffMin, c.Player.BackoffMax)
	}
	if c.Player.RequestTimeout <= 0 {
		return fmt.Errorf("player.request_timeout must be positive")
	}
	if c.Liveness.MaxFailures < 1 {
		return fmt.Errorf("liveness.max_failures must be at least 1")
	}
	return nil
}
