package stackvisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/stackvisor/internal/clock"
	cfg "github.com/loykin/stackvisor/internal/config"
	"github.com/loykin/stackvisor/internal/health"
	"github.com/loykin/stackvisor/internal/history"
	"github.com/loykin/stackvisor/internal/history/factory"
	"github.com/loykin/stackvisor/internal/host"
	"github.com/loykin/stackvisor/internal/launcher"
	"github.com/loykin/stackvisor/internal/lifecycle"
	"github.com/loykin/stackvisor/internal/logsink"
	"github.com/loykin/stackvisor/internal/metrics"
	"github.com/loykin/stackvisor/internal/probe"
	"github.com/loykin/stackvisor/internal/registry"
	iapi "github.com/loykin/stackvisor/internal/server"
	"github.com/loykin/stackvisor/internal/service"
	itls "github.com/loykin/stackvisor/internal/tls"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Descriptor = service.Descriptor

type Summary = lifecycle.Summary

type StatusLine = lifecycle.StatusLine

type HistoryEvent = history.Event

// Error taxonomy.
var (
	ErrPortConflict       = service.ErrPortConflict
	ErrSpawnFailure       = service.ErrSpawnFailure
	ErrHealthCheckTimeout = service.ErrHealthCheckTimeout
	ErrRegistryCorruption = service.ErrRegistryCorruption
	ErrInvalidConfig      = service.ErrInvalidConfig
	ErrNoServices         = service.ErrNoServices
	ErrUnknownService     = service.ErrUnknownService
)

// ErrNoHistory is returned by History when no readable history sink is configured.
var ErrNoHistory = errors.New("no sqlite history configured")

// LoadConfig reads a TOML file, or the built-in chatbot stack when path is empty.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Stack is a fully wired supervisor for one configuration.
type Stack struct {
	*lifecycle.Controller

	cfg    *Config
	sinks  []history.Sink
	reader history.Reader
}

// Open wires every component from c. Close releases the history sinks.
func Open(c *Config, log *slog.Logger) (*Stack, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.Default()
	}
	clk := clock.Real()

	native := host.NewNative()
	hosts := host.Set{
		Native:    native,
		Container: host.NewContainer(c.Container.Binary, c.Container.Prefix, c.Grace),
	}
	reg, err := registry.New(c.RegistryDir, hosts)
	if err != nil {
		return nil, err
	}
	resolver, err := probe.NewResolver(c.Evictor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	pr := probe.New(probe.DefaultDialTimeout, c.Health.Interval)

	s := &Stack{cfg: c}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	if err := s.openHistory(log); err != nil {
		_ = s.Close()
		return nil, err
	}

	l := &launcher.Launcher{
		Registry: reg,
		Hosts:    hosts,
		Evictor:  &host.PortEvictor{Resolver: resolver, Host: native, Grace: c.Grace, Clock: clk},
		Probe:    pr,
		Logs:     logsink.New(c.Log.File),
		Env:      c.GlobalEnv,
		Clock:    clk,
		History:  history.Multi(s.sinks),
		Log:      log,
		Settle:   c.Settle,
		Grace:    c.Grace,
	}
	ctl, err := lifecycle.New(c.Descriptors)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	ctl.Launcher = l
	ctl.Checker = &health.Checker{Probe: pr, Clock: clk, Attempts: c.Health.Attempts, Interval: c.Health.Interval}
	ctl.Registry = reg
	ctl.Probe = pr
	ctl.Sweeper = &lifecycle.ProcessSweeper{Host: native, Grace: c.Grace, Clock: clk}
	ctl.Clock = clk
	ctl.Log = log
	ctl.Workers = c.Workers
	ctl.Cooldown = c.Cooldown
	s.Controller = ctl
	return s, nil
}

func (s *Stack) openHistory(log *slog.Logger) error {
	for _, dsn := range s.cfg.History.DSNs {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			return fmt.Errorf("%w: history %q: %v", ErrInvalidConfig, dsn, err)
		}
		s.sinks = append(s.sinks, sink)
		if r, ok := sink.(history.Reader); ok && s.reader == nil {
			s.reader = r
		}
		log.Debug("history sink enabled", "dsn", dsn)
	}
	return nil
}

// Config returns the configuration the stack was opened with.
func (s *Stack) Config() *Config { return s.cfg }

// History lists recorded events, newest first.
func (s *Stack) History(ctx context.Context, svc string, limit int) ([]HistoryEvent, error) {
	if s.reader == nil {
		return nil, ErrNoHistory
	}
	if svc != "" {
		if _, err := s.Lookup(svc); err != nil {
			return nil, err
		}
	}
	return s.reader.List(ctx, svc, limit)
}

// ExportMetrics writes the metrics textfile when one is configured.
func (s *Stack) ExportMetrics() error {
	return metrics.WriteTextfile(s.cfg.Metrics.Textfile, prometheus.DefaultGatherer)
}

// NewHTTPServer returns the status/health/metrics API for the [server]
// section. TLSConfig is set when server.tls is enabled; serve it with
// ListenAndServeTLS("", "").
func (s *Stack) NewHTTPServer() (*http.Server, error) {
	srv := iapi.NewServer(s.cfg.Server.Listen, s.cfg.Server.BasePath, s.Controller)
	tc, err := itls.Setup(s.cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("%w: server.tls: %v", ErrInvalidConfig, err)
	}
	srv.TLSConfig = tc
	return srv, nil
}

// Close releases history sinks.
func (s *Stack) Close() error {
	var errs []error
	for _, sink := range s.sinks {
		if c, ok := sink.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	s.sinks = nil
	return errors.Join(errs...)
}
