// Package launcher starts and stops single services: it clears the port,
// spawns the service detached, records its identity and gives it a short
// settle window before a single reachability probe.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/stackvisor/internal/clock"
	"github.com/loykin/stackvisor/internal/env"
	"github.com/loykin/stackvisor/internal/history"
	"github.com/loykin/stackvisor/internal/host"
	"github.com/loykin/stackvisor/internal/logsink"
	"github.com/loykin/stackvisor/internal/metrics"
	"github.com/loykin/stackvisor/internal/registry"
	"github.com/loykin/stackvisor/internal/service"
)

const (
	DefaultSettle = 3 * time.Second
	DefaultGrace  = 2 * time.Second
)

// PortProber reports whether a local port accepts connections.
type PortProber interface {
	IsOpen(ctx context.Context, port int) bool
}

// Launcher owns the per-service start and stop sequences.
type Launcher struct {
	Registry *registry.Registry
	Hosts    host.Set
	Evictor  host.Evictor
	Probe    PortProber
	Logs     *logsink.Sink
	Env      *env.Env
	Clock    clock.Clock
	History  history.Sink
	Log      *slog.Logger

	Settle time.Duration // wait between spawn and the first probe
	Grace  time.Duration // graceful stop window before a forced kill
}

func (l *Launcher) clock() clock.Clock {
	if l.Clock == nil {
		return clock.Real()
	}
	return l.Clock
}

func (l *Launcher) log() *slog.Logger {
	if l.Log == nil {
		return slog.Default()
	}
	return l.Log
}

func (l *Launcher) grace() time.Duration {
	if l.Grace <= 0 {
		return DefaultGrace
	}
	return l.Grace
}

func (l *Launcher) settle() time.Duration {
	if l.Settle < 0 {
		return 0
	}
	if l.Settle == 0 {
		return DefaultSettle
	}
	return l.Settle
}

// Launch starts d from scratch and returns its record. A previous instance
// of d is terminated first and any other listener on d's port is evicted.
// Only a spawn failure is an error; a service that is not reachable after
// the settle window is recorded as degraded.
func (l *Launcher) Launch(ctx context.Context, d service.Descriptor) (service.Record, error) {
	begin := time.Now()
	log := l.log().With("service", d.Name)

	unlock, err := l.Registry.Lock(d.Name)
	if err != nil {
		return service.Record{}, err
	}
	defer unlock()

	if err := l.retire(ctx, d.Name); err != nil {
		// the old record stays so stop and status still see that instance
		err = fmt.Errorf("%w: %s: previous instance still alive: %v", service.ErrSpawnFailure, d.Name, err)
		l.launchFailed(ctx, d, err)
		return service.Record{}, err
	}
	l.clearPort(ctx, d, log)
	if err := ctx.Err(); err != nil {
		return service.Record{}, err
	}

	h, err := l.Hosts.For(d.Kind())
	if err != nil {
		l.launchFailed(ctx, d, err)
		return service.Record{}, err
	}
	logFile, err := l.Logs.Open(d.LogFile)
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", service.ErrSpawnFailure, d.Name, err)
		l.launchFailed(ctx, d, err)
		return service.Record{}, err
	}
	var procEnv []string
	if l.Env != nil && d.Kind() == service.KindNative {
		procEnv = l.Env.Merge(d.Env)
	}
	handle, err := h.Spawn(ctx, d, procEnv, logFile)
	// the child holds its own descriptor
	_ = logFile.Close()
	if err != nil {
		l.launchFailed(ctx, d, err)
		return service.Record{}, err
	}

	rec := service.Record{
		Name:       d.Name,
		Kind:       d.Kind(),
		ID:         handle.ID,
		StartUnix:  handle.StartUnix,
		LaunchedAt: l.clock().Now(),
		State:      service.StateStarting,
	}
	if err := l.Registry.Record(rec); err != nil {
		// the process is running but undiscoverable; do not leave it behind
		_ = host.Terminate(context.WithoutCancel(ctx), h, handle.ID, handle.StartUnix, l.grace(), l.clock())
		err = fmt.Errorf("record %s: %w", d.Name, err)
		l.launchFailed(ctx, d, err)
		return service.Record{}, err
	}
	log.Info("spawned", "kind", rec.Kind, "id", rec.ID, "port", d.Port, "log", d.LogFile)

	if err := l.clock().Sleep(ctx, l.settle()); err != nil {
		// interrupted: the record stays so stop can find the service
		return rec, err
	}

	rec.State = service.StateRunning
	if !l.Probe.IsOpen(ctx, d.Port) {
		rec.State = service.StateDegraded
		if !h.Alive(ctx, rec.ID, rec.StartUnix) {
			log.Warn("process exited during settle window", "log", d.LogFile)
		} else {
			log.Warn("port not reachable after settle window", "port", d.Port, "settle", l.settle())
		}
	}
	if err := l.Registry.Record(rec); err != nil {
		log.Warn("update record", "error", err)
	}
	metrics.ObserveLaunch(d.Name, string(rec.State), time.Since(begin).Seconds())
	metrics.SetUp(d.Name, rec.State == service.StateRunning)
	l.emit(ctx, history.Event{Type: history.EventLaunch, Service: d.Name, Kind: rec.Kind, ID: rec.ID, State: rec.State})
	return rec, nil
}

// retire terminates a live recorded instance of name and drops its record.
// The record is kept when termination fails. Must be called with the name
// lock held.
func (l *Launcher) retire(ctx context.Context, name string) error {
	rec, ok, err := l.Registry.Lookup(name)
	if err != nil {
		l.log().Warn("dropped corrupt registry entry", "service", name, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	if l.Registry.IsAlive(ctx, rec) {
		h, err := l.Hosts.For(rec.Kind)
		if err != nil {
			return err
		}
		if err := host.Terminate(ctx, h, rec.ID, rec.StartUnix, l.grace(), l.clock()); err != nil {
			return err
		}
		metrics.IncStop(name)
		l.emit(ctx, history.Event{Type: history.EventStop, Service: name, Kind: rec.Kind, ID: rec.ID, Detail: "replaced by new launch"})
	}
	return l.Registry.Remove(name)
}

// clearPort evicts whatever still listens on d's port. Conflicts are
// resolved here and only logged.
func (l *Launcher) clearPort(ctx context.Context, d service.Descriptor, log *slog.Logger) {
	if !l.Probe.IsOpen(ctx, d.Port) {
		return
	}
	log.Warn("port already in use", "port", d.Port, "error", service.ErrPortConflict)
	if l.Evictor == nil {
		return
	}
	pids, err := l.Evictor.EvictPort(ctx, d.Port)
	if err != nil {
		log.Warn("evict port", "port", d.Port, "error", err)
	}
	if len(pids) > 0 {
		log.Info("evicted stale listeners", "port", d.Port, "pids", pids)
		metrics.AddEvictions(d.Port, len(pids))
		l.emit(ctx, history.Event{Type: history.EventEvict, Service: d.Name, Detail: fmt.Sprintf("port=%d pids=%v", d.Port, pids)})
	}
	if !l.waitClosed(ctx, d.Port) {
		log.Warn("port still in use after eviction", "port", d.Port)
	}
}

func (l *Launcher) waitClosed(ctx context.Context, port int) bool {
	clk := l.clock()
	deadline := clk.Now().Add(l.grace())
	for l.Probe.IsOpen(ctx, port) {
		if !clk.Now().Before(deadline) {
			return false
		}
		if clk.Sleep(ctx, 100*time.Millisecond) != nil {
			return false
		}
	}
	return true
}

func (l *Launcher) launchFailed(ctx context.Context, d service.Descriptor, err error) {
	l.log().Error("launch failed", "service", d.Name, "error", err)
	metrics.ObserveLaunch(d.Name, "failed", 0)
	metrics.SetUp(d.Name, false)
	l.emit(ctx, history.Event{Type: history.EventLaunch, Service: d.Name, Kind: d.Kind(), Detail: err.Error()})
}

func (l *Launcher) emit(ctx context.Context, e history.Event) {
	if l.History == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = l.clock().Now()
	}
	if err := l.History.Send(context.WithoutCancel(ctx), e); err != nil {
		l.log().Debug("history send", "error", err)
	}
}

// StopResult describes what Stop found.
type StopResult string

const (
	StopNotRunning StopResult = "not running"
	StopStopped    StopResult = "stopped"
	StopStale      StopResult = "stale record removed"
	StopFailed     StopResult = "stop failed"
)

// Stop terminates the recorded instance of name and removes its record.
// A record whose process is already gone is simply removed. The record is
// kept when the process cannot be terminated.
func (l *Launcher) Stop(ctx context.Context, name string) (StopResult, error) {
	unlock, err := l.Registry.Lock(name)
	if err != nil {
		return StopFailed, err
	}
	defer unlock()

	rec, ok, err := l.Registry.Lookup(name)
	if err != nil {
		if errors.Is(err, service.ErrRegistryCorruption) {
			l.log().Warn("dropped corrupt registry entry", "service", name, "error", err)
			return StopNotRunning, nil
		}
		return StopFailed, err
	}
	if !ok {
		return StopNotRunning, nil
	}
	if !l.Registry.IsAlive(ctx, rec) {
		metrics.SetUp(name, false)
		return StopStale, l.Registry.Remove(name)
	}

	rec.State = service.StateStopping
	if err := l.Registry.Record(rec); err != nil {
		l.log().Warn("update record", "service", name, "error", err)
	}
	h, err := l.Hosts.For(rec.Kind)
	if err != nil {
		return StopFailed, err
	}
	if err := host.Terminate(ctx, h, rec.ID, rec.StartUnix, l.grace(), l.clock()); err != nil {
		return StopFailed, fmt.Errorf("terminate %s (%s): %w", name, rec.ID, err)
	}
	metrics.IncStop(name)
	metrics.SetUp(name, false)
	l.emit(ctx, history.Event{Type: history.EventStop, Service: name, Kind: rec.Kind, ID: rec.ID})
	return StopStopped, l.Registry.Remove(name)
}
