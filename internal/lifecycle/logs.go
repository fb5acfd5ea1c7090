package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/stackvisor/internal/logsink"
	"github.com/loykin/stackvisor/internal/service"
)

// Logs writes the last lines of one service's log file, or of every
// service when name is "" or "all", and keeps streaming when follow is set.
func (c *Controller) Logs(ctx context.Context, name string, lines int, follow bool, w io.Writer) error {
	targets := c.Services
	if name != "" && name != "all" {
		d, err := c.Lookup(name)
		if err != nil {
			return err
		}
		targets = []service.Descriptor{d}
	}
	single := len(targets) == 1
	for _, d := range targets {
		if !single {
			_, _ = fmt.Fprintf(w, "==> %s (%s) <==\n", d.Name, d.LogFile)
		}
		if err := logsink.Tail(d.LogFile, lines, w); err != nil {
			return fmt.Errorf("%s: %w", d.Name, err)
		}
	}
	if !follow {
		return nil
	}
	if single {
		return logsink.Follow(ctx, targets[0].LogFile, w)
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range targets {
		pw := &prefixWriter{mu: &mu, w: w, prefix: []byte(d.Name + " | ")}
		g.Go(func() error { return logsink.Follow(gctx, d.LogFile, pw) })
	}
	return g.Wait()
}

// prefixWriter labels each line with the service name; writers share mu so
// lines from different services do not interleave.
type prefixWriter struct {
	mu      *sync.Mutex
	w       io.Writer
	prefix  []byte
	partial bool
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var buf bytes.Buffer
	for _, line := range bytes.SplitAfter(b, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		if !p.partial {
			buf.Write(p.prefix)
		}
		buf.Write(line)
		p.partial = line[len(line)-1] != '\n'
	}
	if _, err := p.w.Write(buf.Bytes()); err != nil {
		return 0, err
	}
	return len(b), nil
}
