package metrics

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stokercache/stoker/internal/observability"
)

func assertHasMetricLine(t *testing.T, body, metric string, wantLabels ...string) {
	t.Helper()
	for ln := range strings.SplitSeq(body, "\n") {
		if !strings.HasPrefix(ln, metric+"{") {
			continue
		}
		ok := true
		for _, s := range wantLabels {
			if !strings.Contains(ln, s) {
				ok = false
				break
			}
		}
		if ok && (len(ln) > 0 && ln[len(ln)-1] >= '0' && ln[len(ln)-1] <= '9') {
			return
		}
	}
	t.Fatalf("expected a %s line with labels %v; got:\n%s", metric, wantLabels, body)
}

func Test_SharedInstruments_CustomRegistry_Smoke(t *testing.T) {
	p := Init(BuildInfo{Version: "test"})
	observability.Init(p.Registerer(), true)

	observability.ObserveCacheOp("set", nil, 0.002)
	observability.ObserveCacheOp("get", errors.New("boom"), 0.004)
	observability.IncTierHit("l1")
	observability.IncTierMiss("l2")
	observability.ObserveWarmTask("warmed")
	observability.ObserveWarmCycle("peak", 0.120, 7)
	observability.SetTrackedKeysGauge(3)
	observability.IncPredictedHot()
	observability.SetHealthScore(87.5)
	observability.IncAlert("l1_hit_rate")
	observability.ObserveUpstreamLatency("upstream.example", 0.050)
	observability.ObserveHTTP(http.MethodGet, "/warm/stats", http.StatusOK, 0.001)

	body := scrape(t, p)
	mustContain := []string{
		`redis_operation_duration_seconds_count`,
		`warm_cycle_duration_seconds_bucket`,
		`upstream_request_duration_seconds_bucket`,
		`warm_due_tasks 7`,
		`tracker_keys 3`,
		`cache_health_score 87.5`,
	}
	for _, s := range mustContain {
		if !strings.Contains(body, s) {
			t.Fatalf("expected metrics to contain %q;\n---\n%s", s, body)
		}
	}

	assertHasMetricLine(t, body, "cache_op_total", `op="set"`, `status="ok"`)
	assertHasMetricLine(t, body, "cache_op_total", `op="get"`, `status="error"`)
	assertHasMetricLine(t, body, "cache_results_total", `outcome="hit"`, `tier="l1"`)
	assertHasMetricLine(t, body, "cache_results_total", `outcome="miss"`, `tier="l2"`)
	assertHasMetricLine(t, body, "warm_tasks_total", `result="warmed"`)
	assertHasMetricLine(t, body, "warm_cycles_total", `session="peak"`)
	assertHasMetricLine(t, body, "cache_alerts_total", `type="l1_hit_rate"`)
	if !strings.Contains(body, "tracker_predicted_hot_total 1") {
		t.Fatalf("expected tracker_predicted_hot_total counter;\n---\n%s", body)
	}
	assertHasMetricLine(t, body, "http_requests_total",
		`method="GET"`, `route="/warm/stats"`, `status="200"`)
	assertHasMetricLine(t, body, "stoker_build_info", `version="test"`)
}
