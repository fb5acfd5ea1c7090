// Package lifecycle orchestrates the whole stack: tiered start, reverse
// stop, restart, status reconciliation, health and log access.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/stackvisor/internal/clock"
	"github.com/loykin/stackvisor/internal/health"
	"github.com/loykin/stackvisor/internal/launcher"
	"github.com/loykin/stackvisor/internal/metrics"
	"github.com/loykin/stackvisor/internal/registry"
	"github.com/loykin/stackvisor/internal/service"
)

const DefaultCooldown = 2 * time.Second

// Controller drives every service of a stack.
type Controller struct {
	Services []service.Descriptor
	Launcher *launcher.Launcher
	Checker  *health.Checker
	Registry *registry.Registry
	Probe    launcher.PortProber
	Sweeper  Sweeper // optional
	Clock    clock.Clock
	Log      *slog.Logger

	Workers  int           // concurrent launches per tier; <=0 means the tier size
	Cooldown time.Duration // pause between stop and start on restart
}

// New validates services and returns a Controller for them. An empty set is
// ErrNoServices.
func New(services []service.Descriptor) (*Controller, error) {
	if len(services) == 0 {
		return nil, service.ErrNoServices
	}
	seen := make(map[string]bool, len(services))
	for _, d := range services {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("%w: duplicate service %q", service.ErrInvalidConfig, d.Name)
		}
		seen[d.Name] = true
	}
	return &Controller{Services: services}, nil
}

func (c *Controller) clock() clock.Clock {
	if c.Clock == nil {
		return clock.Real()
	}
	return c.Clock
}

func (c *Controller) log() *slog.Logger {
	if c.Log == nil {
		return slog.Default()
	}
	return c.Log
}

// Lookup returns the descriptor named name.
func (c *Controller) Lookup(name string) (service.Descriptor, error) {
	for _, d := range c.Services {
		if d.Name == name {
			return d, nil
		}
	}
	return service.Descriptor{}, fmt.Errorf("%w: %q", service.ErrUnknownService, name)
}

// tiers groups services by tier, ascending. Declaration order is kept
// within a tier.
func (c *Controller) tiers() [][]service.Descriptor {
	by := map[int][]service.Descriptor{}
	var keys []int
	for _, d := range c.Services {
		if _, ok := by[d.Tier]; !ok {
			keys = append(keys, d.Tier)
		}
		by[d.Tier] = append(by[d.Tier], d)
	}
	sort.Ints(keys)
	out := make([][]service.Descriptor, 0, len(keys))
	for _, k := range keys {
		out = append(out, by[k])
	}
	return out
}

// each runs fn for every service of tier through the worker pool and
// stores results in declaration order. fn must not fail the group.
func (c *Controller) each(ctx context.Context, tier []service.Descriptor, fn func(context.Context, service.Descriptor) Outcome) []Outcome {
	out := make([]Outcome, len(tier))
	var g errgroup.Group
	limit := c.Workers
	if limit <= 0 {
		limit = len(tier)
	}
	g.SetLimit(limit)
	for i, d := range tier {
		g.Go(func() error {
			if ctx.Err() != nil {
				out[i] = Outcome{Service: d.Name, State: "skipped", Skipped: true}
				return nil
			}
			out[i] = fn(ctx, d)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func skipped(action Action, tiers [][]service.Descriptor) []Outcome {
	var out []Outcome
	for _, tier := range tiers {
		for _, d := range tier {
			out = append(out, Outcome{Service: d.Name, Action: action, State: "skipped", Skipped: true})
		}
	}
	return out
}

// StartAll launches every service tier by tier, then health-checks the
// launched ones. A failing service never blocks its siblings or later tiers.
func (c *Controller) StartAll(ctx context.Context) Summary {
	sum := Summary{Action: ActionStart}
	tiers := c.tiers()
	var launched []service.Descriptor
	index := map[string]int{}
	for ti, tier := range tiers {
		if ctx.Err() != nil {
			for _, o := range skipped(ActionStart, tiers[ti:]) {
				sum.add(o)
			}
			break
		}
		c.log().Debug("starting tier", "tier", tier[0].Tier, "services", len(tier))
		for _, o := range c.each(ctx, tier, c.startOne) {
			o.Action = ActionStart
			if o.Err == nil && !o.Skipped {
				index[o.Service] = len(sum.Outcomes)
				launched = append(launched, c.mustLookup(o.Service))
			}
			sum.add(o)
		}
	}
	if len(launched) == 0 || ctx.Err() != nil {
		return sum
	}
	for _, o := range c.each(ctx, launched, c.checkOne) {
		i := index[o.Service]
		sum.Outcomes[i].Health = o.Health
		if o.Skipped {
			continue
		}
		sum.Outcomes[i].State = o.State
		if o.Err != nil {
			sum.Outcomes[i].Err = o.Err
			sum.Outcomes[i].Error = o.Err.Error()
		}
	}
	return sum
}

func (c *Controller) mustLookup(name string) service.Descriptor {
	d, _ := c.Lookup(name)
	return d
}

func (c *Controller) startOne(ctx context.Context, d service.Descriptor) Outcome {
	rec, err := c.Launcher.Launch(ctx, d)
	o := Outcome{Service: d.Name, State: string(rec.State), ID: rec.ID, Err: err}
	if err != nil && rec.ID == "" {
		o.State = "failed"
	}
	return o
}

func (c *Controller) checkOne(ctx context.Context, d service.Descriptor) Outcome {
	// the result only applies to the instance recorded when the check began
	before, found, _ := c.Registry.Lookup(d.Name)
	res := c.Checker.Check(ctx, d)
	metrics.ObserveHealth(d.Name, res.Healthy)
	state := service.StateDegraded
	if res.Healthy {
		state = service.StateHealthy
	}
	o := Outcome{Service: d.Name, Action: ActionHealth, State: string(state), Health: &res, Err: res.Err}
	if ctx.Err() != nil && !res.Healthy {
		o.State, o.Skipped, o.Err = "skipped", true, nil
		return o
	}
	if found {
		if err := c.Registry.SetState(d.Name, before.ID, state); err != nil {
			c.log().Debug("update state", "service", d.Name, "error", err)
		}
		o.ID = before.ID
	}
	return o
}

// StopAll stops every service in reverse tier order, then sweeps orphans.
// Records of services no longer configured are stopped first. Stopping an
// already stopped stack is a no-op.
func (c *Controller) StopAll(ctx context.Context) Summary {
	sum := Summary{Action: ActionStop}

	if extra := c.unconfigured(); len(extra) > 0 {
		for _, o := range c.each(ctx, extra, c.stopOne) {
			o.Action = ActionStop
			sum.add(o)
		}
	}
	tiers := c.tiers()
	for i := len(tiers) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			for _, o := range skipped(ActionStop, reversed(tiers[:i+1])) {
				sum.add(o)
			}
			return sum
		}
		for _, o := range c.each(ctx, tiers[i], c.stopOne) {
			o.Action = ActionStop
			sum.add(o)
		}
	}
	if c.Sweeper != nil {
		var patterns []string
		for _, d := range c.Services {
			if d.Match != "" {
				patterns = append(patterns, d.Match)
			}
		}
		pids, err := c.Sweeper.Sweep(ctx, patterns)
		if err != nil {
			c.log().Warn("orphan sweep", "error", err)
		}
		sum.Swept = pids
	}
	return sum
}

func reversed(tiers [][]service.Descriptor) [][]service.Descriptor {
	out := make([][]service.Descriptor, 0, len(tiers))
	for i := len(tiers) - 1; i >= 0; i-- {
		out = append(out, tiers[i])
	}
	return out
}

// unconfigured returns pseudo descriptors for registry records whose
// service is not part of the current configuration.
func (c *Controller) unconfigured() []service.Descriptor {
	recs, err := c.Registry.List()
	if err != nil {
		return nil
	}
	var out []service.Descriptor
	for _, r := range recs {
		if _, err := c.Lookup(r.Name); err != nil {
			out = append(out, service.Descriptor{Name: r.Name})
		}
	}
	return out
}

func (c *Controller) stopOne(ctx context.Context, d service.Descriptor) Outcome {
	res, err := c.Launcher.Stop(ctx, d.Name)
	return Outcome{Service: d.Name, State: string(res), Err: err}
}

// RestartAll stops the stack, waits for the cooldown and starts it again.
// The returned summary lists both phases.
func (c *Controller) RestartAll(ctx context.Context) Summary {
	stop := c.StopAll(ctx)
	sum := Summary{Action: ActionRestart, Swept: stop.Swept}
	sum.Outcomes = append(sum.Outcomes, stop.Outcomes...)

	cool := c.Cooldown
	if cool <= 0 {
		cool = DefaultCooldown
	}
	if err := c.clock().Sleep(ctx, cool); err != nil {
		for _, o := range skipped(ActionStart, c.tiers()) {
			sum.add(o)
		}
		return sum
	}
	start := c.StartAll(ctx)
	sum.Outcomes = append(sum.Outcomes, start.Outcomes...)
	return sum
}

// Health checks every service and records healthy or degraded for those
// with a registry entry.
func (c *Controller) Health(ctx context.Context) Summary {
	sum := Summary{Action: ActionHealth}
	for _, o := range c.each(ctx, c.Services, c.checkOne) {
		o.Action = ActionHealth
		sum.add(o)
	}
	return sum
}
