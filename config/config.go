// Package config holds the comparison's settings: built-in defaults, an
// optional TOML file overlay and validation.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nisschay/sshcompare/battery"
	"github.com/nisschay/sshcompare/report"
)

// Spawn modes for servers that are not already running.
const (
	SpawnProcess   = "process"
	SpawnInProcess = "in-process"
	SpawnNone      = "none"
)

var ErrInvalid = errors.New("config: invalid")

// Config is the full set of comparison settings.
type Config struct {
	Host    string
	TCPPort int
	UDPPort int

	NumCommands int
	FileSizes   []int
	Pattern     string
	Seed        int64

	OutDir      string
	MetricsFile string
	ReportFile  string
	ChartFile   string

	Spawn       string
	Isolate     bool
	MetricsAddr string
	LogLevel    string

	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	AckTimeout      time.Duration
	MaxRetries      int
	ResponseTimeout time.Duration
	WelcomeTimeout  time.Duration

	IdleTimeout time.Duration
	MaxUpload   int
}

// Default returns the settings the comparison has always run with.
func Default() Config {
	bat := battery.DefaultConfig()
	names := report.DefaultNames()

	return Config{
		Host:    "127.0.0.1",
		TCPPort: 2222,
		UDPPort: 2223,

		NumCommands: bat.NumCommands,
		FileSizes:   bat.FileSizes,
		Pattern:     bat.Pattern,

		OutDir:      ".",
		MetricsFile: names.Metrics,
		ReportFile:  names.Report,
		ChartFile:   names.Chart,

		Spawn:    SpawnProcess,
		LogLevel: "info",

		DialTimeout:     5 * time.Second,
		ReadTimeout:     5 * time.Second,
		AckTimeout:      time.Second,
		MaxRetries:      5,
		ResponseTimeout: 2 * time.Second,
		WelcomeTimeout:  2 * time.Second,

		IdleTimeout: 60 * time.Second,
		MaxUpload:   64 << 20,
	}
}

// TCPAddr returns host:port of the TCP server.
func (c Config) TCPAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.TCPPort))
}

// UDPAddr returns host:port of the UDP server.
func (c Config) UDPAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.UDPPort))
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Host) == "":
		return fmt.Errorf("%w: host is empty", ErrInvalid)
	case !validPort(c.TCPPort):
		return fmt.Errorf("%w: tcp_port %d out of range", ErrInvalid, c.TCPPort)
	case !validPort(c.UDPPort):
		return fmt.Errorf("%w: udp_port %d out of range", ErrInvalid, c.UDPPort)
	case c.NumCommands < 0:
		return fmt.Errorf("%w: num_commands %d is negative", ErrInvalid, c.NumCommands)
	case c.Pattern != battery.PatternFill && c.Pattern != battery.PatternRandom:
		return fmt.Errorf("%w: pattern %q (expected fill or random)", ErrInvalid, c.Pattern)
	case c.MaxRetries < 1:
		return fmt.Errorf("%w: max_retries %d must be at least 1", ErrInvalid, c.MaxRetries)
	case c.MaxUpload < 0:
		return fmt.Errorf("%w: max_upload %d is negative", ErrInvalid, c.MaxUpload)
	}

	// A zero max_upload means no limit, as the servers read it.
	for _, size := range c.FileSizes {
		if size < 0 {
			return fmt.Errorf("%w: file size %d is negative", ErrInvalid, size)
		}
		if c.MaxUpload > 0 && size > c.MaxUpload {
			return fmt.Errorf("%w: file size %d exceeds max_upload %d", ErrInvalid, size, c.MaxUpload)
		}
	}

	switch c.Spawn {
	case SpawnProcess, SpawnInProcess, SpawnNone:
	default:
		return fmt.Errorf("%w: spawn %q (expected %s, %s or %s)",
			ErrInvalid, c.Spawn, SpawnProcess, SpawnInProcess, SpawnNone)
	}

	files := []struct{ key, value string }{
		{"metrics_file", c.MetricsFile},
		{"report_file", c.ReportFile},
		{"chart_file", c.ChartFile},
	}

	for _, f := range files {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: %s is empty", ErrInvalid, f.key)
		}
	}

	return nil
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}

// fileConfig maps config.toml keys onto Config.
type fileConfig struct {
	Host            string `toml:"host"`
	TCPPort         int    `toml:"tcp_port"`
	UDPPort         int    `toml:"udp_port"`
	NumCommands     int    `toml:"num_commands"`
	FileSizes       []int  `toml:"file_sizes"`
	Pattern         string `toml:"pattern"`
	Seed            int64  `toml:"seed"`
	OutDir          string `toml:"out_dir"`
	MetricsFile     string `toml:"metrics_file"`
	ReportFile      string `toml:"report_file"`
	ChartFile       string `toml:"chart_file"`
	Spawn           string `toml:"spawn"`
	Isolate         bool   `toml:"isolate"`
	MetricsAddr     string `toml:"metrics_addr"`
	LogLevel        string `toml:"log_level"`
	DialTimeout     string `toml:"dial_timeout"`
	ReadTimeout     string `toml:"read_timeout"`
	AckTimeout      string `toml:"ack_timeout"`
	MaxRetries      int    `toml:"max_retries"`
	ResponseTimeout string `toml:"response_timeout"`
	WelcomeTimeout  string `toml:"welcome_timeout"`
	IdleTimeout     string `toml:"idle_timeout"`
	MaxUpload       int    `toml:"max_upload"`
}

// Load overlays the keys defined in the TOML file at path onto Default and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("tcp_port") {
		cfg.TCPPort = raw.TCPPort
	}
	if meta.IsDefined("udp_port") {
		cfg.UDPPort = raw.UDPPort
	}
	if meta.IsDefined("num_commands") {
		cfg.NumCommands = raw.NumCommands
	}
	if meta.IsDefined("file_sizes") {
		cfg.FileSizes = raw.FileSizes
	}
	if meta.IsDefined("pattern") {
		cfg.Pattern = strings.TrimSpace(raw.Pattern)
	}
	if meta.IsDefined("seed") {
		cfg.Seed = raw.Seed
	}
	if meta.IsDefined("out_dir") {
		cfg.OutDir = strings.TrimSpace(raw.OutDir)
	}
	if meta.IsDefined("metrics_file") {
		cfg.MetricsFile = strings.TrimSpace(raw.MetricsFile)
	}
	if meta.IsDefined("report_file") {
		cfg.ReportFile = strings.TrimSpace(raw.ReportFile)
	}
	if meta.IsDefined("chart_file") {
		cfg.ChartFile = strings.TrimSpace(raw.ChartFile)
	}
	if meta.IsDefined("spawn") {
		cfg.Spawn = strings.TrimSpace(raw.Spawn)
	}
	if meta.IsDefined("isolate") {
		cfg.Isolate = raw.Isolate
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("max_retries") {
		cfg.MaxRetries = raw.MaxRetries
	}
	if meta.IsDefined("max_upload") {
		cfg.MaxUpload = raw.MaxUpload
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"dial_timeout", raw.DialTimeout, &cfg.DialTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"ack_timeout", raw.AckTimeout, &cfg.AckTimeout},
		{"response_timeout", raw.ResponseTimeout, &cfg.ResponseTimeout},
		{"welcome_timeout", raw.WelcomeTimeout, &cfg.WelcomeTimeout},
		{"idle_timeout", raw.IdleTimeout, &cfg.IdleTimeout},
	}

	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}

		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("load config: %s: %w", d.key, err)
		}

		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	return cfg, nil
}
