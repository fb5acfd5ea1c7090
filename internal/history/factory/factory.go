package factory

import (
	"errors"
	"net/url"
	"strings"

	"github.com/loykin/stackvisor/internal/history"
	"github.com/loykin/stackvisor/internal/history/opensearch"
	"github.com/loykin/stackvisor/internal/history/sqlite"
)

// NewSinkFromDSN creates a history sink based on DSN format.
// Supported formats:
//   - "opensearch://host:port/index" (plain HTTP), "opensearchs://host:port/index" (HTTPS)
//   - "sqlite:///path/to/file.db" or "sqlite://:memory:"
//   - "/path/to/file.db" (defaults to SQLite)
//
// Only SQLite sinks also implement history.Reader.
func NewSinkFromDSN(dsn string) (history.Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty DSN")
	}
	lower := strings.ToLower(dsn)

	if strings.HasPrefix(lower, "opensearch://") || strings.HasPrefix(lower, "opensearchs://") {
		return parseOpenSearchDSN(dsn)
	}
	if strings.HasPrefix(lower, "sqlite://") || !strings.Contains(dsn, "://") {
		return sqlite.New(dsn)
	}
	return nil, errors.New("unsupported DSN format: " + dsn)
}

func parseOpenSearchDSN(dsn string) (history.Sink, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, errors.New("opensearch DSN without host: " + dsn)
	}
	scheme := "http"
	if strings.EqualFold(u.Scheme, "opensearchs") {
		scheme = "https"
	}
	return opensearch.New(scheme+"://"+u.Host, strings.Trim(u.Path, "/")), nil
}
