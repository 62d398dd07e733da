package observability

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("metrics scrape: %v", err)
	}
	t.Cleanup(func() {
		if cerr := resp.Body.Close(); cerr != nil {
			t.Fatalf("close body: %v", cerr)
		}
	})
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	return string(b)
}

func TestTierCounters_LabelsAndIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, true)

	IncTierHit("l1")
	IncTierMiss("l3")
	IncTierMiss("l3")

	out := scrape(t, reg)

	exp1 := `cache_results_total{outcome="hit",tier="l1"} 1`
	exp2 := `cache_results_total{outcome="miss",tier="l3"} 2`
	if !strings.Contains(out, exp1) {
		t.Fatalf("expected %q in metrics; got:\n%s", exp1, out)
	}
	if !strings.Contains(out, exp2) {
		t.Fatalf("expected %q in metrics; got:\n%s", exp2, out)
	}
}

func TestObserveCacheOp_StatusLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, true)

	ObserveCacheOp("ping", nil, 0.001)
	ObserveCacheOp("expire", errors.New("boom"), 0.002)

	out := scrape(t, reg)

	if !strings.Contains(out, `cache_op_total{op="ping",status="ok"} 1`) {
		t.Fatalf("missing ok ping sample:\n%s", out)
	}
	if !strings.Contains(out, `cache_op_total{op="expire",status="error"} 1`) {
		t.Fatalf("missing error expire sample:\n%s", out)
	}
	if !strings.Contains(out, `redis_operation_duration_seconds_bucket`) {
		t.Fatalf("missing histogram buckets for redis_operation_duration_seconds:\n%s", out)
	}
}

func TestWarmCycleInstruments(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, true)

	ObserveWarmTask("warmed")
	ObserveWarmTask("fetch_timeout")
	ObserveWarmCycle("peak", 0.125, 7)

	out := scrape(t, reg)

	if !strings.Contains(out, `warm_tasks_total{result="warmed"} 1`) {
		t.Fatalf("missing warmed sample:\n%s", out)
	}
	if !strings.Contains(out, `warm_cycles_total{session="peak"} 1`) {
		t.Fatalf("missing cycle sample:\n%s", out)
	}
	if !strings.Contains(out, `warm_due_tasks 7`) {
		t.Fatalf("missing due gauge:\n%s", out)
	}
}

func TestDisabled_NoRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	Init(reg, false)

	IncTierHit("l2")
	SetHealthScore(88)

	out := scrape(t, reg)
	if strings.Contains(out, "cache_results_total") || strings.Contains(out, "cache_health_score") {
		t.Fatalf("disabled init should not register instruments; got:\n%s", out)
	}
}
