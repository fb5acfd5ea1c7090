package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/loykin/stackvisor"
	"github.com/loykin/stackvisor/internal/lifecycle"
	"github.com/loykin/stackvisor/internal/logger"
	"github.com/loykin/stackvisor/internal/service"
	"github.com/loykin/stackvisor/pkg/client"
)

const shutdownTimeout = 5 * time.Second

type command struct {
	global *GlobalFlags
	stdout io.Writer
	stderr io.Writer
}

func newCommand(stdout, stderr io.Writer) *command {
	return &command{global: &GlobalFlags{}, stdout: stdout, stderr: stderr}
}

func (c *command) logger(cfg logger.Config) *slog.Logger {
	if c.global.LogLevel != "" {
		cfg.Slog.Level = logger.Level(c.global.LogLevel)
	}
	if c.global.LogFormat != "" {
		cfg.Slog.Format = logger.Format(c.global.LogFormat)
	}
	if cfg.Slog.Path != "" {
		return cfg.NewSlogger()
	}
	return cfg.NewSloggerTo(c.stderr)
}

// open loads the config and wires a stack. The returned func exports
// metrics and releases resources; call it once the command is done.
func (c *command) open() (*stackvisor.Stack, func(), error) {
	cfg, err := stackvisor.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading config: %w", err)
	}
	log := c.logger(cfg.Log)
	s, err := stackvisor.Open(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return s, func() {
		if err := s.ExportMetrics(); err != nil {
			log.Warn("write metrics textfile", "path", cfg.Metrics.Textfile, "error", err)
		}
		_ = s.Close()
	}, nil
}

func (c *command) printSummary(sum stackvisor.Summary, asJSON bool) {
	if asJSON {
		printJSON(c.stdout, sum)
		return
	}
	sum.Print(c.stdout)
}

// Start launches the stack; any launch or health failure fails the command.
func (c *command) Start(ctx context.Context, f SummaryFlags) error {
	s, done, err := c.open()
	if err != nil {
		return err
	}
	defer done()
	sum := s.StartAll(ctx)
	c.printSummary(sum, f.JSON)
	return sum.Err()
}

// Stop fails only when a service could not be terminated.
func (c *command) Stop(ctx context.Context, f SummaryFlags) error {
	s, done, err := c.open()
	if err != nil {
		return err
	}
	defer done()
	sum := s.StopAll(ctx)
	c.printSummary(sum, f.JSON)
	return sum.Err()
}

func (c *command) Restart(ctx context.Context, f SummaryFlags) error {
	s, done, err := c.open()
	if err != nil {
		return err
	}
	defer done()
	sum := s.RestartAll(ctx)
	c.printSummary(sum, f.JSON)
	return sum.Err()
}

func (c *command) Health(ctx context.Context, f SummaryFlags) error {
	s, done, err := c.open()
	if err != nil {
		return err
	}
	defer done()
	sum := s.Controller.Health(ctx)
	c.printSummary(sum, f.JSON)
	return sum.Err()
}

// Status never fails on service state, only on bad configuration.
func (c *command) Status(ctx context.Context, f StatusFlags) error {
	if f.APIUrl != "" {
		return c.remoteStatus(ctx, f)
	}
	s, done, err := c.open()
	if err != nil {
		return err
	}
	defer done()
	lines := s.Status(ctx)
	if f.JSON {
		printJSON(c.stdout, lines)
		return nil
	}
	return lifecycle.WriteStatus(c.stdout, lines)
}

func (c *command) remoteStatus(ctx context.Context, f StatusFlags) error {
	api, err := client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
	if err != nil {
		return err
	}
	rows, err := api.Status(ctx)
	if err != nil {
		return fmt.Errorf("server at %s: %w", f.APIUrl, err)
	}
	if f.JSON {
		printJSON(c.stdout, rows)
		return nil
	}
	lines := make([]lifecycle.StatusLine, len(rows))
	for i, r := range rows {
		lines[i] = lifecycle.StatusLine{
			Service: r.Service, Port: r.Port, PortOpen: r.PortOpen, Status: r.Status,
			Kind: service.Kind(r.Kind), ID: r.ID, LaunchedAt: r.LaunchedAt, RSSBytes: r.RSSBytes,
		}
	}
	return lifecycle.WriteStatus(c.stdout, lines)
}

func (c *command) Logs(ctx context.Context, name string, f LogsFlags) error {
	s, done, err := c.open()
	if err != nil {
		return err
	}
	defer done()
	if f.Lines < 0 {
		return fmt.Errorf("%w: --lines must not be negative", stackvisor.ErrInvalidConfig)
	}
	return s.Logs(ctx, name, f.Lines, f.Follow, c.stdout)
}

func (c *command) Serve(ctx context.Context, f ServeFlags) error {
	s, done, err := c.open()
	if err != nil {
		return err
	}
	defer done()
	if f.BasePath != "" {
		s.Config().Server.BasePath = f.BasePath
	}
	srv, err := s.NewHTTPServer()
	if err != nil {
		return err
	}
	if f.Listen != "" {
		srv.Addr = f.Listen
	}
	s.Log.Info("serving", "addr", srv.Addr, "base", s.Config().Server.BasePath, "tls", srv.TLSConfig != nil)

	errCh := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	s.Log.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func (c *command) History(ctx context.Context, name string, f HistoryFlags) error {
	s, done, err := c.open()
	if err != nil {
		return err
	}
	defer done()
	events, err := s.History(ctx, name, f.Limit)
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(c.stdout, events)
		return nil
	}
	for _, e := range events {
		line := fmt.Sprintf("%s  %-6s %-14s", e.OccurredAt.Local().Format(time.DateTime), e.Type, e.Service)
		if e.ID != "" {
			line += " " + e.ID
		}
		if e.State != "" {
			line += " " + string(e.State)
		}
		if e.Detail != "" {
			line += ": " + e.Detail
		}
		_, _ = fmt.Fprintln(c.stdout, line)
	}
	return nil
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}
