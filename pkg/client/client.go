// Package client talks to the HTTP API served by "stackvisor serve".
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// ErrNotFound is returned for unknown services.
var ErrNotFound = errors.New("not found")

// Client provides HTTP client functionality to communicate with a stackvisor server
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds each request. Start and stop run whole settle and
	// health windows, so keep it generous.
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	TLS     *TLSClientConfig
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path, e.g. the generated tls_ca.crt
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:7070/api",
		Timeout: 5 * time.Minute,
	}
}

// New creates a new API client.
func New(config Config) (*Client, error) {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil {
		tlsConfig, err := setupClientTLS(*config.TLS)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// IsReachable checks if the server is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("server unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Status returns every service row.
func (c *Client) Status(ctx context.Context) ([]ServiceStatus, error) {
	var out []ServiceStatus
	err := c.getJSON(ctx, "/status", &out)
	return out, err
}

// ServiceStatus returns the row of one service.
func (c *Client) ServiceStatus(ctx context.Context, name string) (ServiceStatus, error) {
	var out ServiceStatus
	err := c.getJSON(ctx, "/status?name="+url.QueryEscape(name), &out)
	return out, err
}

// Health runs a health check of every service. A failed check is reported
// through Summary.OK, not as an error.
func (c *Client) Health(ctx context.Context) (Summary, error) {
	return c.summary(ctx, http.MethodGet, "/health")
}

// Start starts the stack on the server.
func (c *Client) Start(ctx context.Context) (Summary, error) {
	return c.summary(ctx, http.MethodPost, "/start")
}

// Stop stops the stack on the server.
func (c *Client) Stop(ctx context.Context) (Summary, error) {
	return c.summary(ctx, http.MethodPost, "/stop")
}

// Logs returns the last lines of one service log, or of all when name is empty.
func (c *Client) Logs(ctx context.Context, name string, lines int) (string, error) {
	q := url.Values{}
	if name != "" {
		q.Set("name", name)
	}
	q.Set("lines", strconv.Itoa(lines))
	resp, err := c.do(ctx, http.MethodGet, "/logs?"+q.Encode())
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", c.handleErrorResponse(resp)
	}
	b, err := io.ReadAll(resp.Body)
	return string(b), err
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config TLSClientConfig) (*tls.Config, error) {
	// #nosec G402 SkipVerify is an explicit opt-in for self-signed local servers
	tlsConfig := &tls.Config{
		InsecureSkipVerify: config.SkipVerify,
		ServerName:         config.ServerName,
		MinVersion:         tls.VersionTLS12,
	}
	if config.CACert != "" {
		if err := loadCACert(tlsConfig, config.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}

func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// summary decodes orchestration results; the server answers 503 when any
// service failed but still sends the full summary.
func (c *Client) summary(ctx context.Context, method, path string) (Summary, error) {
	var out Summary
	resp, err := c.do(ctx, method, path)
	if err != nil {
		return out, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return out, c.handleErrorResponse(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode summary: %w", err)
	}
	return out, nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, errorResp.Error)
	}
	return fmt.Errorf("API error: %s", errorResp.Error)
}
