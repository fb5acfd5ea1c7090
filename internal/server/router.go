package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/stackvisor/internal/lifecycle"
	"github.com/loykin/stackvisor/internal/metrics"
	"github.com/loykin/stackvisor/internal/service"
)

// Backend is the part of the lifecycle controller exposed over HTTP.
type Backend interface {
	Status(ctx context.Context) []lifecycle.StatusLine
	Health(ctx context.Context) lifecycle.Summary
	StartAll(ctx context.Context) lifecycle.Summary
	StopAll(ctx context.Context) lifecycle.Summary
	Logs(ctx context.Context, name string, lines int, follow bool, w io.Writer) error
}

// Router provides embeddable HTTP handlers for the stack.
// Endpoints:
//
//	GET  {basePath}/status           query: name=... (optional)
//	GET  {basePath}/health
//	POST {basePath}/start
//	POST {basePath}/stop
//	GET  {basePath}/logs             query: name=..., lines=N (default 100)
//	GET  {basePath}/metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	backend  Backend
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(b Backend, basePath string) *Router {
	return &Router{backend: b, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/health", r.handleHealth)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.GET("/logs", r.handleLogs)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer returns an http.Server for addr serving this router.
// The caller runs ListenAndServe and Shutdown.
func NewServer(addr, basePath string, b Backend) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(b, basePath).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// start and stop run settle windows and health checks
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type summaryResp struct {
	OK bool `json:"ok"`
	lifecycle.Summary
}

func (r *Router) handleStatus(c *gin.Context) {
	lines := r.backend.Status(c.Request.Context())
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusOK, lines)
		return
	}
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-]"})
		return
	}
	for _, l := range lines {
		if l.Service == name {
			writeJSON(c, http.StatusOK, l)
			return
		}
	}
	writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown service " + strconv.Quote(name)})
}

func (r *Router) handleHealth(c *gin.Context) {
	r.writeSummary(c, r.backend.Health(c.Request.Context()))
}

func (r *Router) handleStart(c *gin.Context) {
	r.writeSummary(c, r.backend.StartAll(c.Request.Context()))
}

func (r *Router) handleStop(c *gin.Context) {
	r.writeSummary(c, r.backend.StopAll(c.Request.Context()))
}

func (r *Router) writeSummary(c *gin.Context, s lifecycle.Summary) {
	code := http.StatusOK
	if !s.OK() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(c, code, summaryResp{OK: s.OK(), Summary: s})
}

const defaultLogLines = 100

func (r *Router) handleLogs(c *gin.Context) {
	name := c.Query("name")
	if name != "" && !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-]"})
		return
	}
	lines := defaultLogLines
	if v := c.Query("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "lines must be a non-negative integer"})
			return
		}
		lines = n
	}
	var buf bytes.Buffer
	if err := r.backend.Logs(c.Request.Context(), name, lines, false, &buf); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, service.ErrUnknownService) {
			code = http.StatusNotFound
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", buf.Bytes())
}
