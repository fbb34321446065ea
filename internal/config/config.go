package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"nodie/internal/quality"
)

const (
	AppName              = "nodie"
	EnvPrefix            = "NODIE"
	EnvConfigDir         = "NODIE_CONFIG_DIR"
	DefaultAPIURL        = "https://nodie.host/api"
	DefaultHeartbeatSec  = 30
	DefaultSpeedtestSec  = 300
	DefaultUploadSec     = 60
	DefaultRequestSec    = 10
	DefaultProbeSec      = 30
	DefaultStopSec       = 2
	DefaultLogLevel      = "info"
	DefaultControlAddr   = "127.0.0.1:47821"
	DefaultLatencyURL    = "https://www.google.com/favicon.ico"
	DefaultDownloadURL   = "https://speed.cloudflare.com/__down?bytes=25000000"
	DefaultUploadURL     = "https://speed.cloudflare.com/__up"
	DefaultLatencyProbes = 3
	DefaultUploadBytes   = 2_000_000
	DefaultBackoffBase   = 1
	DefaultBackoffMax    = 60
)

var DefaultSTUNServers = []string{"stun.l.google.com:19302", "stun.cloudflare.com:3478"}

// Config holds node settings. Values are read once at start.
type Config struct {
	APIURL               string         `yaml:"api_url" mapstructure:"api_url"`
	HeartbeatIntervalSec int            `yaml:"heartbeat_interval_sec" mapstructure:"heartbeat_interval_sec"`
	SpeedtestIntervalSec int            `yaml:"speedtest_interval_sec" mapstructure:"speedtest_interval_sec"`
	UploadIntervalSec    int            `yaml:"upload_interval_sec" mapstructure:"upload_interval_sec"`
	RequestTimeoutSec    int            `yaml:"request_timeout_sec" mapstructure:"request_timeout_sec"`
	ProbeTimeoutSec      int            `yaml:"probe_timeout_sec" mapstructure:"probe_timeout_sec"`
	StopTimeoutSec       int            `yaml:"stop_timeout_sec" mapstructure:"stop_timeout_sec"`
	LogLevel             string         `yaml:"log_level" mapstructure:"log_level"`
	AutoReconnect        bool           `yaml:"auto_reconnect" mapstructure:"auto_reconnect"`
	ControlAddr          string         `yaml:"control_addr" mapstructure:"control_addr"`
	LedgerPath           string         `yaml:"ledger_path,omitempty" mapstructure:"ledger_path"`
	STUNServers          []string       `yaml:"stun_servers" mapstructure:"stun_servers"`
	Probe                ProbeConfig    `yaml:"probe" mapstructure:"probe"`
	Backoff              BackoffConfig  `yaml:"backoff" mapstructure:"backoff"`
	Policy               quality.Policy `yaml:"policy" mapstructure:"policy"`
}

// ProbeConfig points the speed probe at its measurement endpoints.
type ProbeConfig struct {
	LatencyURL     string `yaml:"latency_url" mapstructure:"latency_url"`
	DownloadURL    string `yaml:"download_url" mapstructure:"download_url"`
	UploadURL      string `yaml:"upload_url" mapstructure:"upload_url"`
	UploadBytes    int    `yaml:"upload_bytes" mapstructure:"upload_bytes"`
	LatencySamples int    `yaml:"latency_samples" mapstructure:"latency_samples"`
}

// BackoffConfig bounds the reconnect delay.
type BackoffConfig struct {
	BaseSec int `yaml:"base_sec" mapstructure:"base_sec"`
	MaxSec  int `yaml:"max_sec" mapstructure:"max_sec"`
}

func (c Config) HeartbeatInterval() time.Duration { return seconds(c.HeartbeatIntervalSec) }
func (c Config) SpeedtestInterval() time.Duration { return seconds(c.SpeedtestIntervalSec) }
func (c Config) UploadInterval() time.Duration    { return seconds(c.UploadIntervalSec) }
func (c Config) RequestTimeout() time.Duration    { return seconds(c.RequestTimeoutSec) }
func (c Config) ProbeTimeout() time.Duration      { return seconds(c.ProbeTimeoutSec) }
func (c Config) StopTimeout() time.Duration       { return seconds(c.StopTimeoutSec) }

func seconds(v int) time.Duration { return time.Duration(v) * time.Second }

// Dir returns the configuration directory, creating it if needed.
func Dir() (string, error) {
	dir := os.Getenv(EnvConfigDir)
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(base, AppName)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func FilePath(dir string) string   { return filepath.Join(dir, "config.yaml") }
func PIDPath(dir string) string    { return filepath.Join(dir, "nodie.pid") }
func StatePath(dir string) string  { return filepath.Join(dir, "state.yaml") }
func LogPath(dir string) string    { return filepath.Join(dir, "logs", "nodie.log") }
func KeyringDir(dir string) string { return filepath.Join(dir, "keyring") }

// ResolveLedgerPath returns the configured ledger path or the default
// location inside dir.
func (c Config) ResolveLedgerPath(dir string) string {
	if c.LedgerPath != "" {
		return c.LedgerPath
	}
	return filepath.Join(dir, "ledger.db")
}

// Default returns a config with every default applied.
func Default() Config {
	var cfg Config
	cfg.AutoReconnect = true
	ApplyDefaults(&cfg)
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	p := quality.DefaultPolicy()
	v.SetDefault("api_url", DefaultAPIURL)
	v.SetDefault("heartbeat_interval_sec", DefaultHeartbeatSec)
	v.SetDefault("speedtest_interval_sec", DefaultSpeedtestSec)
	v.SetDefault("upload_interval_sec", DefaultUploadSec)
	v.SetDefault("request_timeout_sec", DefaultRequestSec)
	v.SetDefault("probe_timeout_sec", DefaultProbeSec)
	v.SetDefault("stop_timeout_sec", DefaultStopSec)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("auto_reconnect", true)
	v.SetDefault("control_addr", DefaultControlAddr)
	v.SetDefault("ledger_path", "")
	v.SetDefault("stun_servers", DefaultSTUNServers)
	v.SetDefault("probe.latency_url", DefaultLatencyURL)
	v.SetDefault("probe.download_url", DefaultDownloadURL)
	v.SetDefault("probe.upload_url", DefaultUploadURL)
	v.SetDefault("probe.upload_bytes", DefaultUploadBytes)
	v.SetDefault("probe.latency_samples", DefaultLatencyProbes)
	v.SetDefault("backoff.base_sec", DefaultBackoffBase)
	v.SetDefault("backoff.max_sec", DefaultBackoffMax)
	v.SetDefault("policy.good_threshold_mbps", p.GoodThresholdMbps)
	v.SetDefault("policy.good_rate", p.GoodRate)
	v.SetDefault("policy.bad_rate", p.BadRate)
	v.SetDefault("policy.residential_multiplier", p.ResidentialMultiplier)
	v.SetDefault("policy.datacenter_multiplier", p.DatacenterMultiplier)
	return v
}

func readInto(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Load reads the YAML config at path (a missing file yields defaults) and
// applies NODIE_* environment overrides.
func Load(path string) (Config, error) {
	v := newViper()
	if err := readInto(v, path); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	ApplyDefaults(&cfg)
	return cfg, nil
}

// Set updates a single key (dotted for nested keys) and writes the file.
func Set(path, key, value string) (Config, error) {
	v := newViper()
	if err := readInto(v, path); err != nil {
		return Config{}, err
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if !isKnownKey(v, key) {
		return Config{}, fmt.Errorf("unknown config key %q", key)
	}
	v.Set(key, parseValue(key, value))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, Save(path, cfg)
}

// Keys lists every settable key in sorted order.
func Keys() []string {
	keys := newViper().AllKeys()
	sort.Strings(keys)
	return keys
}

func isKnownKey(v *viper.Viper, key string) bool {
	for _, k := range v.AllKeys() {
		if k == key {
			return true
		}
	}
	return false
}

func parseValue(key, value string) any {
	if key == "stun_servers" {
		return splitList(value)
	}
	lower := strings.ToLower(value)
	if lower == "true" || lower == "false" {
		return lower == "true"
	}
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.APIURL) == "" {
		return fmt.Errorf("api_url is required")
	}
	if !strings.HasPrefix(cfg.APIURL, "http://") && !strings.HasPrefix(cfg.APIURL, "https://") {
		return fmt.Errorf("api_url must be an http(s) URL")
	}
	for name, v := range map[string]int{
		"heartbeat_interval_sec": cfg.HeartbeatIntervalSec,
		"speedtest_interval_sec": cfg.SpeedtestIntervalSec,
		"upload_interval_sec":    cfg.UploadIntervalSec,
		"request_timeout_sec":    cfg.RequestTimeoutSec,
		"probe_timeout_sec":      cfg.ProbeTimeoutSec,
		"stop_timeout_sec":       cfg.StopTimeoutSec,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if cfg.Backoff.MaxSec < cfg.Backoff.BaseSec {
		return fmt.Errorf("backoff.max_sec must be >= backoff.base_sec")
	}
	return cfg.Policy.Validate()
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.HeartbeatIntervalSec == 0 {
		cfg.HeartbeatIntervalSec = DefaultHeartbeatSec
	}
	if cfg.SpeedtestIntervalSec == 0 {
		cfg.SpeedtestIntervalSec = DefaultSpeedtestSec
	}
	if cfg.UploadIntervalSec == 0 {
		cfg.UploadIntervalSec = DefaultUploadSec
	}
	if cfg.RequestTimeoutSec == 0 {
		cfg.RequestTimeoutSec = DefaultRequestSec
	}
	if cfg.ProbeTimeoutSec == 0 {
		cfg.ProbeTimeoutSec = DefaultProbeSec
	}
	if cfg.StopTimeoutSec == 0 {
		cfg.StopTimeoutSec = DefaultStopSec
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.ControlAddr == "" {
		cfg.ControlAddr = DefaultControlAddr
	}
	if len(cfg.STUNServers) == 0 {
		cfg.STUNServers = append([]string(nil), DefaultSTUNServers...)
	}
	if cfg.Probe.LatencyURL == "" {
		cfg.Probe.LatencyURL = DefaultLatencyURL
	}
	if cfg.Probe.DownloadURL == "" {
		cfg.Probe.DownloadURL = DefaultDownloadURL
	}
	if cfg.Probe.LatencySamples == 0 {
		cfg.Probe.LatencySamples = DefaultLatencyProbes
	}
	if cfg.Backoff.BaseSec == 0 {
		cfg.Backoff.BaseSec = DefaultBackoffBase
	}
	if cfg.Backoff.MaxSec == 0 {
		cfg.Backoff.MaxSec = DefaultBackoffMax
	}
	if cfg.Policy == (quality.Policy{}) {
		cfg.Policy = quality.DefaultPolicy()
	}
}
