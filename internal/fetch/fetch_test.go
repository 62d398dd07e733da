package fetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

type upstreamRecorder struct {
	mu         sync.Mutex
	lastPath   string
	lastQuery  url.Values
	lastAccept string
	status     int
	body       string
}

func (u *upstreamRecorder) handler(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.lastPath = r.URL.Path
	u.lastQuery = r.URL.Query()
	u.lastAccept = r.Header.Get("Accept")
	status, body := u.status, u.body
	u.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func (u *upstreamRecorder) snapshot() (string, url.Values, string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastPath, u.lastQuery, u.lastAccept
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewBuilder_RejectsRelativeURL(t *testing.T) {
	if _, err := NewBuilder(discardLogger(), nil, "/api/v1"); err == nil {
		t.Fatalf("expected error for relative upstream url")
	}
	if _, err := NewBuilder(discardLogger(), nil, "http://\x7f"); err == nil {
		t.Fatalf("expected error for unparsable url")
	}
}

func TestBuild_PathAndParamsReachUpstream(t *testing.T) {
	up := &upstreamRecorder{body: `{"price":"67000.5"}`}
	srv := httptest.NewServer(http.HandlerFunc(up.handler))
	defer srv.Close()

	b, err := NewBuilder(discardLogger(), srv.Client(), srv.URL+"/api/v1")
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}

	fn := b.Build("ticker", nil)
	body, err := fn(context.Background(), map[string]string{
		"symbol":   "BTC-USDT",
		"interval": "1m",
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != `{"price":"67000.5"}` {
		t.Fatalf("body=%q", body)
	}

	path, query, accept := up.snapshot()
	if path != "/api/v1/ticker" {
		t.Fatalf("path=%q want /api/v1/ticker", path)
	}
	if query.Get("symbol") != "BTC-USDT" || query.Get("interval") != "1m" {
		t.Fatalf("query=%v", query)
	}
	if accept != "application/json" {
		t.Fatalf("accept=%q", accept)
	}
}

func TestBuild_CallTimeParamsWin(t *testing.T) {
	up := &upstreamRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(up.handler))
	defer srv.Close()

	b, err := NewBuilder(discardLogger(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}

	// build-time params are ignored; the task's current params decide
	fn := b.Build("depth", map[string]string{"symbol": "OLD"})
	if _, err := fn(context.Background(), map[string]string{"symbol": "ETH-USDT"}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	_, query, _ := up.snapshot()
	if got := query.Get("symbol"); got != "ETH-USDT" {
		t.Fatalf("symbol=%q want ETH-USDT", got)
	}
}

func TestFetch_NonSuccessStatusIsError(t *testing.T) {
	up := &upstreamRecorder{status: http.StatusBadGateway, body: "upstream broken"}
	srv := httptest.NewServer(http.HandlerFunc(up.handler))
	defer srv.Close()

	b, err := NewBuilder(discardLogger(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}

	_, err = b.Build("ticker", nil)(context.Background(), nil)
	if err == nil {
		t.Fatalf("expected error for 502")
	}
}

func TestFetch_HonorsContextCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	b, err := NewBuilder(discardLogger(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = b.Build("slow", nil)(ctx, nil)
	if err == nil {
		t.Fatalf("expected context error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("fetch ignored cancellation, took %s", elapsed)
	}
}
