// Package config loads the stack definition and supervisor settings from a
// TOML file (viper), environment overrides and built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/stackvisor/internal/env"
	"github.com/loykin/stackvisor/internal/logger"
	"github.com/loykin/stackvisor/internal/service"
)

// EnvPrefix prefixes environment overrides, e.g. STACKVISOR_LOG_DIR.
const EnvPrefix = "STACKVISOR"

type HealthConfig struct {
	Attempts int           `toml:"attempts" mapstructure:"attempts"`
	Interval time.Duration `toml:"interval" mapstructure:"interval"`
}

type ContainerConfig struct {
	Binary string `toml:"binary" mapstructure:"binary"`
	Prefix string `toml:"prefix" mapstructure:"prefix"`
}

type HistoryConfig struct {
	// DSNs lists history sinks; the first sqlite DSN also serves the
	// history command. Empty disables history.
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

type MetricsConfig struct {
	// Textfile is written after every command in node-exporter format.
	Textfile string `toml:"textfile" mapstructure:"textfile"`
}

type ServerConfig struct {
	Listen   string    `toml:"listen" mapstructure:"listen"`
	BasePath string    `toml:"base_path" mapstructure:"base_path"`
	TLS      TLSConfig `toml:"tls" mapstructure:"tls"`
}

// TLSConfig enables HTTPS for serve. CertFile and KeyFile win over Dir;
// with Dir and AutoGenerate a self-signed pair is created on first use.
type TLSConfig struct {
	Enabled      bool   `toml:"enabled" mapstructure:"enabled"`
	CertFile     string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string `toml:"key_file" mapstructure:"key_file"`
	Dir          string `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool   `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string `toml:"min_version" mapstructure:"min_version"` // "1.2" or "1.3"
}

type ServiceConfig struct {
	Name       string   `toml:"name" mapstructure:"name"`
	Command    string   `toml:"command" mapstructure:"command"`
	Image      string   `toml:"image" mapstructure:"image"`
	Args       []string `toml:"args" mapstructure:"args"`
	Port       int      `toml:"port" mapstructure:"port"`
	HealthPath string   `toml:"health_path" mapstructure:"health_path"`
	LogFile    string   `toml:"log_file" mapstructure:"log_file"`
	Tier       int      `toml:"tier" mapstructure:"tier"`
	WorkDir    string   `toml:"workdir" mapstructure:"workdir"`
	Env        []string `toml:"env" mapstructure:"env"`
	Match      string   `toml:"match" mapstructure:"match"`
}

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	RegistryDir string          `toml:"registry_dir" mapstructure:"registry_dir"`
	LogDir      string          `toml:"log_dir" mapstructure:"log_dir"`
	Env         []string        `toml:"env" mapstructure:"env"`
	EnvFiles    []string        `toml:"env_files" mapstructure:"env_files"`
	Settle      time.Duration   `toml:"settle" mapstructure:"settle"`
	Grace       time.Duration   `toml:"grace" mapstructure:"grace"`
	Cooldown    time.Duration   `toml:"cooldown" mapstructure:"cooldown"`
	Workers     int             `toml:"workers" mapstructure:"workers"`
	Evictor     string          `toml:"evictor" mapstructure:"evictor"`
	Health      HealthConfig    `toml:"health" mapstructure:"health"`
	Container   ContainerConfig `toml:"container" mapstructure:"container"`
	Log         logger.Config   `toml:"log" mapstructure:"log"`
	History     HistoryConfig   `toml:"history" mapstructure:"history"`
	Metrics     MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
	Server      ServerConfig    `toml:"server" mapstructure:"server"`
	Services    []ServiceConfig `toml:"services" mapstructure:"services"`
}

// Config is the resolved configuration handed to every component.
type Config struct {
	FileConfig
	// Path of the loaded file; empty when the built-in stack is used.
	Path        string
	Descriptors []service.Descriptor
	GlobalEnv   *env.Env
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("registry_dir", filepath.Join(os.TempDir(), "stackvisor"))
	v.SetDefault("log_dir", "logs")
	v.SetDefault("settle", 3*time.Second)
	v.SetDefault("grace", 2*time.Second)
	v.SetDefault("cooldown", 2*time.Second)
	v.SetDefault("workers", 4)
	v.SetDefault("evictor", "auto")
	v.SetDefault("health.attempts", 5)
	v.SetDefault("health.interval", 2*time.Second)
	v.SetDefault("container.binary", "docker")
	v.SetDefault("container.prefix", "stackvisor-")
	v.SetDefault("log.slog.level", string(logger.LevelInfo))
	v.SetDefault("log.slog.format", string(logger.FormatText))
	v.SetDefault("log.slog.color", true)
	v.SetDefault("log.slog.timestamps", false)
	v.SetDefault("log.slog.source", false)
	v.SetDefault("log.slog.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)
	v.SetDefault("history.dsns", []string{})
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("server.listen", "127.0.0.1:7070")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.min_version", "1.3")
}

// Load reads path, or uses the built-in chatbot stack when path is empty.
// A file that defines no services is ErrNoServices.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", service.ErrInvalidConfig, path, err)
		}
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("%w: %v", service.ErrInvalidConfig, err)
	}
	if path == "" {
		fc.Services = DefaultServices()
	} else if len(fc.Services) == 0 {
		return nil, fmt.Errorf("%w: %s", service.ErrNoServices, path)
	}
	return resolve(fc, path)
}

func resolve(fc FileConfig, path string) (*Config, error) {
	base := "."
	if path != "" {
		base = filepath.Dir(path)
	}
	ge := env.New()
	for _, p := range fc.EnvFiles {
		pairs, err := LoadEnvFile(abs(base, p))
		if err != nil {
			return nil, fmt.Errorf("%w: env file: %v", service.ErrInvalidConfig, err)
		}
		for _, kv := range pairs {
			k, val, _ := strings.Cut(kv, "=")
			ge.Set(k, val)
		}
	}
	for _, kv := range fc.Env {
		k, val, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: env entry %q is not KEY=VALUE", service.ErrInvalidConfig, kv)
		}
		ge.Set(k, val)
	}

	fc.RegistryDir = abs(base, ge.Expand(fc.RegistryDir))
	fc.LogDir = abs(base, ge.Expand(fc.LogDir))
	if fc.Log.Slog.Path != "" {
		fc.Log.Slog.Path = abs(base, ge.Expand(fc.Log.Slog.Path))
	}
	if fc.Metrics.Textfile != "" {
		fc.Metrics.Textfile = abs(base, ge.Expand(fc.Metrics.Textfile))
	}
	fc.Log.File.Dir = fc.LogDir
	for i, dsn := range fc.History.DSNs {
		fc.History.DSNs[i] = resolveDSN(base, ge.Expand(dsn))
	}
	for _, p := range []*string{&fc.Server.TLS.CertFile, &fc.Server.TLS.KeyFile, &fc.Server.TLS.Dir} {
		*p = abs(base, ge.Expand(*p))
	}

	cfg := &Config{FileConfig: fc, Path: path, GlobalEnv: ge}
	seen := make(map[string]bool, len(fc.Services))
	for _, sc := range fc.Services {
		d := sc.descriptor(ge, base)
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("%w: duplicate service %q", service.ErrInvalidConfig, d.Name)
		}
		seen[d.Name] = true
		cfg.Descriptors = append(cfg.Descriptors, d.WithDefaults(fc.LogDir))
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (sc ServiceConfig) descriptor(ge *env.Env, base string) service.Descriptor {
	d := service.Descriptor{
		Name:       strings.TrimSpace(sc.Name),
		Command:    ge.Expand(sc.Command),
		Image:      ge.Expand(sc.Image),
		Port:       sc.Port,
		HealthPath: sc.HealthPath,
		Tier:       sc.Tier,
		Match:      sc.Match,
	}
	for _, a := range sc.Args {
		d.Args = append(d.Args, ge.Expand(a))
	}
	for _, kv := range sc.Env {
		d.Env = append(d.Env, ge.Expand(kv))
	}
	if sc.WorkDir != "" {
		d.WorkDir = abs(base, ge.Expand(sc.WorkDir))
	}
	if sc.LogFile != "" {
		d.LogFile = abs(base, ge.Expand(sc.LogFile))
	}
	return d
}

func (c *Config) validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers must not be negative", service.ErrInvalidConfig)
	}
	if c.Settle < 0 || c.Grace < 0 || c.Cooldown < 0 || c.Health.Interval < 0 {
		return fmt.Errorf("%w: durations must not be negative", service.ErrInvalidConfig)
	}
	switch c.Evictor {
	case "", "auto", "psutil", "lsof":
	default:
		return fmt.Errorf("%w: unknown evictor %q", service.ErrInvalidConfig, c.Evictor)
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "") != (t.KeyFile == "") {
		return fmt.Errorf("%w: server.tls needs both cert_file and key_file", service.ErrInvalidConfig)
	}
	ports := map[int]string{}
	for _, d := range c.Descriptors {
		if other, ok := ports[d.Port]; ok {
			return fmt.Errorf("%w: services %s and %s share port %d", service.ErrInvalidConfig, other, d.Name, d.Port)
		}
		ports[d.Port] = d.Name
	}
	return nil
}

// resolveDSN anchors relative sqlite paths at base. Other schemes pass through.
func resolveDSN(base, dsn string) string {
	dsn = strings.TrimSpace(dsn)
	const scheme = "sqlite://"
	switch {
	case strings.HasPrefix(strings.ToLower(dsn), scheme):
		p := dsn[len(scheme):]
		if p == "" || p == ":memory:" {
			return dsn
		}
		return scheme + abs(base, p)
	case !strings.Contains(dsn, "://"):
		return abs(base, dsn)
	default:
		return dsn
	}
}

func abs(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// LoadEnvFile parses a simple .env file and returns "KEY=VALUE" entries in
// file order. Blank lines and lines starting with # are ignored.
func LoadEnvFile(path string) ([]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i > 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)
			out = append(out, k+"="+v)
		}
	}
	return out, nil
}
