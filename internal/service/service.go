package service

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Kind selects the ProcessHost that runs a service.
type Kind string

const (
	KindNative    Kind = "native"
	KindContainer Kind = "container"
)

// Descriptor is the static definition of one managed service.
// It is loaded once at startup and never mutated afterwards.
type Descriptor struct {
	Name       string   `json:"name"`
	Command    string   `json:"command,omitempty"`     // native command line
	Image      string   `json:"image,omitempty"`       // container image reference
	Args       []string `json:"args,omitempty"`        // extra container arguments
	Port       int      `json:"port"`                  // bound TCP port
	HealthPath string   `json:"health_path,omitempty"` // HTTP health path; empty means TCP only
	LogFile    string   `json:"log_file"`
	Tier       int      `json:"tier"` // lower tiers start first and stop last
	WorkDir    string   `json:"work_dir,omitempty"`
	Env        []string `json:"env,omitempty"`
	Match      string   `json:"match,omitempty"` // command-line substring for the orphan sweep
}

// Kind reports which host runs the service. Image wins over Command.
func (d Descriptor) Kind() Kind {
	if d.Image != "" {
		return KindContainer
	}
	return KindNative
}

// HTTP reports whether the service follows the HTTP health convention.
func (d Descriptor) HTTP() bool { return d.HealthPath != "" }

// Validate checks a single descriptor in isolation.
func (d Descriptor) Validate() error {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return fmt.Errorf("%w: service name is required", ErrInvalidConfig)
	}
	if strings.ContainsAny(name, " \t\n\r/\\<>:\"|?*") {
		return fmt.Errorf("%w: service %q: name contains invalid characters", ErrInvalidConfig, name)
	}
	hasCmd := strings.TrimSpace(d.Command) != ""
	hasImage := strings.TrimSpace(d.Image) != ""
	switch {
	case hasCmd && hasImage:
		return fmt.Errorf("%w: service %q: command and image are mutually exclusive", ErrInvalidConfig, name)
	case !hasCmd && !hasImage:
		return fmt.Errorf("%w: service %q requires command or image", ErrInvalidConfig, name)
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("%w: service %q: port %d out of range", ErrInvalidConfig, name, d.Port)
	}
	if d.HealthPath != "" && !strings.HasPrefix(d.HealthPath, "/") {
		return fmt.Errorf("%w: service %q: health_path must start with '/'", ErrInvalidConfig, name)
	}
	for i, kv := range d.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("%w: service %q: env[%d] %q must be KEY=VALUE", ErrInvalidConfig, name, i, kv)
		}
	}
	return nil
}

// WithDefaults fills the log file from logDir when unset.
func (d Descriptor) WithDefaults(logDir string) Descriptor {
	if d.LogFile == "" && logDir != "" {
		d.LogFile = filepath.Join(logDir, d.Name+".log")
	}
	return d
}

// State is the lifecycle position of a ServiceRecord.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateStopping State = "stopping"
)

// Record is the persisted identity of a launched service.
// At most one live record exists per service name.
type Record struct {
	Name       string    `json:"name"`
	Kind       Kind      `json:"kind"`
	ID         string    `json:"id"` // pid for native services, container id otherwise
	StartUnix  int64     `json:"start_unix,omitempty"`
	LaunchedAt time.Time `json:"launched_at"`
	State      State     `json:"state"`
}

// HealthResult is the outcome of one health-check cycle. Not persisted.
type HealthResult struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Attempts int    `json:"attempts"`
	Err      error  `json:"-"`
}

// LastError returns the last probe error message, or "".
func (r HealthResult) LastError() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
