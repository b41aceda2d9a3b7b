// Package config loads ~/.pipebridge/config.toml and the per-instance .env
// credential overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment variables that override the file.
const (
	EnvMattermostURL   = "PIPEBRIDGE_MATTERMOST_URL"
	EnvMattermostToken = "PIPEBRIDGE_MATTERMOST_TOKEN"
)

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func dur(d time.Duration) Duration { return Duration{d} }

// Config represents the global ~/.pipebridge/config.toml.
type Config struct {
	DefaultInstance string `toml:"default_instance"`

	Mattermost Mattermost `toml:"mattermost"`
	WhatsApp   WhatsApp   `toml:"whatsapp"`
	RateLimit  RateLimit  `toml:"ratelimit"`
	Backoff    Backoff    `toml:"backoff"`
	Relay      Relay      `toml:"relay"`
	Pairing    Pairing    `toml:"pairing"`
	Users      Users      `toml:"users"`
	Control    Control    `toml:"control"`
}

type Mattermost struct {
	ServerURL string `toml:"server_url"`
	Token     string `toml:"token"`
}

type WhatsApp struct {
	DeviceName string `toml:"device_name"`
}

type RateLimit struct {
	PerMinute  int      `toml:"per_minute"`
	MinSpacing Duration `toml:"min_spacing"`
}

type Backoff struct {
	Base            Duration `toml:"base"`
	Max             Duration `toml:"max"`
	RecoveredGrace  Duration `toml:"recovered_grace"`
	LongWindow      Duration `toml:"long_window"`
	MaxLongFailures int      `toml:"max_long_failures"`
	ProbePeriod     Duration `toml:"probe_period"`
	StallThreshold  Duration `toml:"stall_threshold"`
	Stagger         Duration `toml:"stagger"`
	Drain           Duration `toml:"drain"`
}

type Relay struct {
	IngestInterval  Duration `toml:"ingest_interval"`
	DeliverInterval Duration `toml:"deliver_interval"`
	IngestBatch     int      `toml:"ingest_batch"`
	DeliverBatch    int      `toml:"deliver_batch"`
	QueueSize       int      `toml:"queue_size"`
	EchoTTL         Duration `toml:"echo_ttl"`
	// TimeZone is an IANA name used for relayed timestamps; empty means local.
	TimeZone string `toml:"time_zone"`
}

type Pairing struct {
	Interval   Duration `toml:"interval"`
	CodeLength int      `toml:"code_length"`
	CodeTTL    Duration `toml:"code_ttl"`
}

type Users struct {
	FlushInterval      Duration `toml:"flush_interval"`
	TimeNoticeInterval Duration `toml:"time_notice_interval"`
	Observe            bool     `toml:"observe"`
}

type Control struct {
	// AdminAddr is the listen address of the HTTP admin server; empty disables it.
	AdminAddr string `toml:"admin_addr"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() *Config {
	return &Config{
		DefaultInstance: "main",
		WhatsApp:        WhatsApp{DeviceName: "pipebridge"},
		RateLimit:       RateLimit{PerMinute: 20, MinSpacing: dur(time.Second)},
		Backoff: Backoff{
			Base:            dur(5 * time.Second),
			Max:             dur(5 * time.Minute),
			RecoveredGrace:  dur(5 * time.Minute),
			LongWindow:      dur(10 * time.Minute),
			MaxLongFailures: 3,
			ProbePeriod:     dur(10 * time.Second),
			StallThreshold:  dur(2 * time.Minute),
			Stagger:         dur(2 * time.Second),
			Drain:           dur(5 * time.Second),
		},
		Relay: Relay{
			IngestInterval:  dur(2 * time.Second),
			DeliverInterval: dur(4 * time.Second),
			IngestBatch:     20,
			DeliverBatch:    3,
			QueueSize:       100,
			EchoTTL:         dur(10 * time.Minute),
		},
		Pairing: Pairing{
			Interval:   dur(3 * time.Second),
			CodeLength: 8,
			CodeTTL:    dur(24 * time.Hour),
		},
		Users: Users{
			FlushInterval:      dur(20 * time.Second),
			TimeNoticeInterval: dur(20 * time.Second),
			Observe:            true,
		},
		Control: Control{AdminAddr: "127.0.0.1:9478"},
	}
}

// Load reads config from the given path on top of Default. Returns nil and
// the error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load that treats a missing file as empty.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// ApplyEnv overrides credentials from envFile (if it exists) and then from
// the process environment, which wins.
func (c *Config) ApplyEnv(envFile string) error {
	fileVars := map[string]string{}
	if envFile != "" {
		vars, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			fileVars = vars
		case !errors.Is(err, os.ErrNotExist):
			return fmt.Errorf("read %s: %w", envFile, err)
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok
	}
	if v, ok := lookup(EnvMattermostURL); ok {
		c.Mattermost.ServerURL = v
	}
	if v, ok := lookup(EnvMattermostToken); ok {
		c.Mattermost.Token = v
	}
	return nil
}

// Location resolves Relay.TimeZone.
func (c *Config) Location() (*time.Location, error) {
	if c.Relay.TimeZone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Relay.TimeZone)
}

// Validate checks the settings the daemon cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Mattermost.ServerURL == "" {
		errs = append(errs, fmt.Errorf("mattermost.server_url is required (or set %s)", EnvMattermostURL))
	}
	if c.Mattermost.Token == "" {
		errs = append(errs, fmt.Errorf("mattermost.token is required (or set %s)", EnvMattermostToken))
	}
	if c.RateLimit.PerMinute < 1 {
		errs = append(errs, errors.New("ratelimit.per_minute must be positive"))
	}
	if c.Pairing.CodeLength < 4 {
		errs = append(errs, errors.New("pairing.code_length must be at least 4"))
	}
	if c.Backoff.MaxLongFailures < 1 {
		errs = append(errs, errors.New("backoff.max_long_failures must be positive"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("relay.time_zone: %w", err))
	}
	return errors.Join(errs...)
}
