package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the daemon-level configuration. Kafka consumer and producer
// settings live with their packages (pkg/invalidation/kafka, warmevents),
// which read their own env.
type Config struct {
	Addr                string
	LogLevel            string
	MetricsEnabled      bool
	RedisAddr           string
	L1MaxEntries        int
	UpstreamBaseURL     string
	ManifestPath        string
	FetchTimeout        time.Duration
	StoreOpTimeout      time.Duration
	SessionTZ           string
	HotPredictThreshold int
	HotPredictWindow    time.Duration
	AnalyzeInterval     time.Duration
	TTLOverrides        map[string]time.Duration
	PriorityBlend       bool
}

func FromEnv() Config {
	return Config{
		Addr:                getenv("ADDR", ":8090"),
		LogLevel:            getenv("LOG_LEVEL", "info"),
		MetricsEnabled:      getbool("METRICS_ENABLED", true),
		RedisAddr:           getenv("REDIS_ADDR", "localhost:6379"),
		L1MaxEntries:        getint("L1_MAX_ENTRIES", 10000),
		UpstreamBaseURL:     getenv("UPSTREAM_URL", "http://localhost:8081"),
		ManifestPath:        getenv("MANIFEST_PATH", ""),
		FetchTimeout:        getduration("FETCH_TIMEOUT", 5*time.Second),
		StoreOpTimeout:      getduration("STORE_OP_TIMEOUT", 250*time.Millisecond),
		SessionTZ:           getenv("SESSION_TZ", "UTC"),
		HotPredictThreshold: getint("HOT_PREDICT_THRESHOLD", 10),
		HotPredictWindow:    getduration("HOT_PREDICT_WINDOW", 5*time.Minute),
		AnalyzeInterval:     getduration("ANALYZE_INTERVAL", time.Minute),
		TTLOverrides:        parseDurationMap(getenv("WARM_TTL_OVERRIDES", "")),
		PriorityBlend:       getbool("PRIORITY_BLEND_ENABLED", false),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// parse "ohlcv=5m,ticker=30s" into map
func parseDurationMap(s string) map[string]time.Duration {
	out := map[string]time.Duration{}
	s = strings.TrimSpace(s)
	if s == "" {
		return out
	}
	parts := strings.SplitSeq(s, ",")
	for p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		v := strings.TrimSpace(kv[1])
		if k == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err == nil {
			out[k] = d
		}
	}
	return out
}
