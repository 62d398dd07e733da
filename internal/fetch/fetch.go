// Package fetch builds warm fetch functions that pull cacheable payloads
// from an HTTP upstream.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/stokercache/stoker/internal/observability"
	"github.com/stokercache/stoker/internal/warming"
)

// maxBodyBytes caps one warm payload. Entries past this size would dominate
// the store tiers anyway.
const maxBodyBytes = 8 << 20

type Builder struct {
	logger   *slog.Logger
	client   *http.Client
	base     *url.URL
	startNow func() time.Time // for tests
}

func NewBuilder(logger *slog.Logger, client *http.Client, base string) (*Builder, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream url %q must be absolute", base)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Builder{
		logger:   logger,
		client:   client,
		base:     u,
		startNow: time.Now,
	}, nil
}

// Build returns the fetch function for one upstream path. The params a task
// carries become the query string at call time, so a re-registered task picks
// up its new params without rebuilding.
func (b *Builder) Build(path string, _ map[string]string) warming.FetchFunc {
	return func(ctx context.Context, params map[string]string) ([]byte, error) {
		return b.fetch(ctx, path, params)
	}
}

func (b *Builder) fetch(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	u := b.base.JoinPath(path)
	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := b.startNow()
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	dur := time.Since(start)
	observability.ObserveUpstreamLatency(b.base.Host, dur.Seconds())
	b.logger.Debug("warm fetch done",
		"path", path,
		"status", resp.StatusCode,
		"duration", dur.String())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, string(msg))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
