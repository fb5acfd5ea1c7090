package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// DefaultDialTimeout bounds every TCP probe so orchestration stays responsive.
const DefaultDialTimeout = time.Second

// Probe tests whether local ports accept connections. It has no side effects.
type Probe struct {
	Host        string        // defaults to localhost
	DialTimeout time.Duration // capped at DefaultDialTimeout
	HTTP        *http.Client
}

// New returns a Probe with the given dial and HTTP timeouts.
func New(dialTimeout, httpTimeout time.Duration) *Probe {
	if dialTimeout <= 0 || dialTimeout > DefaultDialTimeout {
		dialTimeout = DefaultDialTimeout
	}
	if httpTimeout <= 0 {
		httpTimeout = 2 * time.Second
	}
	return &Probe{
		Host:        "localhost",
		DialTimeout: dialTimeout,
		HTTP: &http.Client{
			Timeout: httpTimeout,
			// a redirect is still a response
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
}

func (p *Probe) addr(port int) string {
	h := p.Host
	if h == "" {
		h = "localhost"
	}
	return net.JoinHostPort(h, strconv.Itoa(port))
}

// Dial returns nil when something is listening on port.
func (p *Probe) Dial(ctx context.Context, port int) error {
	d := net.Dialer{Timeout: p.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", p.addr(port))
	if err != nil {
		return err
	}
	_ = conn.Close()
	return nil
}

// IsOpen reports whether port is accepting TCP connections.
func (p *Probe) IsOpen(ctx context.Context, port int) bool {
	return p.Dial(ctx, port) == nil
}

// Reach returns nil when the service on port is reachable. With a path it
// issues an HTTP GET and treats any response, including non-2xx, as reachable.
// Without a path it falls back to a TCP dial.
func (p *Probe) Reach(ctx context.Context, port int, path string) error {
	if path == "" {
		return p.Dial(ctx, port)
	}
	url := "http://" + p.addr(port) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := p.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	_ = resp.Body.Close()
	return nil
}

// IsHealthy is Reach reduced to a boolean plus the underlying error.
func (p *Probe) IsHealthy(ctx context.Context, port int, path string) (bool, error) {
	err := p.Reach(ctx, port, path)
	return err == nil, err
}

// ErrNoResolver is returned when no listener resolution backend is usable.
var ErrNoResolver = errors.New("no listener resolver available")
