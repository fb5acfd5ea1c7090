package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/stackvisor/internal/host"
	"github.com/loykin/stackvisor/internal/metrics"
	"github.com/loykin/stackvisor/internal/service"
)

// Status labels beyond the recorded service.State values.
const (
	StatusStopped   = "stopped"
	StatusCrashed   = "crashed"   // a record existed but its process was gone; record removed
	StatusUnmanaged = "unmanaged" // port held by something stackvisor did not launch
)

// StatusLine is the observed state of one service.
type StatusLine struct {
	Service    string       `json:"service"`
	Port       int          `json:"port"`
	PortOpen   bool         `json:"port_open"`
	Status     string       `json:"status"`
	Kind       service.Kind `json:"kind"`
	ID         string       `json:"id,omitempty"`
	LaunchedAt time.Time    `json:"launched_at,omitempty"`
	RSSBytes   uint64       `json:"rss_bytes,omitempty"`
}

// Status reports every service, reconciling stale records by removing them.
func (c *Controller) Status(ctx context.Context) []StatusLine {
	out := make([]StatusLine, len(c.Services))
	for i, d := range c.Services {
		out[i] = c.statusOne(ctx, d)
	}
	return out
}

func (c *Controller) statusOne(ctx context.Context, d service.Descriptor) StatusLine {
	line := StatusLine{Service: d.Name, Port: d.Port, Kind: d.Kind(), Status: StatusStopped}
	line.PortOpen = c.Probe.IsOpen(ctx, d.Port)

	unlock, err := c.Registry.Lock(d.Name)
	if err != nil {
		c.log().Warn("status lock", "service", d.Name, "error", err)
		return line
	}
	defer unlock()

	rec, ok, err := c.Registry.Lookup(d.Name)
	if err != nil && errors.Is(err, service.ErrRegistryCorruption) {
		c.log().Warn("dropped corrupt registry entry", "service", d.Name, "error", err)
	}
	switch {
	case ok && c.Registry.IsAlive(ctx, rec):
		line.Status = string(rec.State)
		line.Kind = rec.Kind
		line.ID = rec.ID
		line.LaunchedAt = rec.LaunchedAt
		if rec.Kind == service.KindNative {
			line.RSSBytes = residentBytes(ctx, rec.ID)
		}
	case ok:
		if err := c.Registry.Remove(d.Name); err != nil {
			c.log().Warn("remove stale record", "service", d.Name, "error", err)
		}
		line.Status = StatusCrashed
	case line.PortOpen:
		line.Status = StatusUnmanaged
	}
	metrics.SetUp(d.Name, line.ID != "")
	return line
}

func residentBytes(ctx context.Context, id string) uint64 {
	pid, err := host.ParsePID(id)
	if err != nil {
		return 0
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0
	}
	mi, err := p.MemoryInfoWithContext(ctx)
	if err != nil || mi == nil {
		return 0
	}
	return mi.RSS
}

// WriteStatus renders lines as an aligned table.
func WriteStatus(w io.Writer, lines []StatusLine) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SERVICE\tPORT\tLISTENING\tSTATUS\tKIND\tID\tRSS\tUPTIME")
	for _, l := range lines {
		listening := "no"
		if l.PortOpen {
			listening = "yes"
		}
		id, rss, up := "-", "-", "-"
		if l.ID != "" {
			id = shortID(l.ID)
		}
		if l.RSSBytes > 0 {
			rss = fmt.Sprintf("%.1fM", float64(l.RSSBytes)/(1024*1024))
		}
		if !l.LaunchedAt.IsZero() {
			up = time.Since(l.LaunchedAt).Truncate(time.Second).String()
		}
		_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n", l.Service, l.Port, listening, l.Status, l.Kind, id, rss, up)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
