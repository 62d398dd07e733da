package warming

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stokercache/stoker/internal/store/keys"
)

// ManifestTask is one task definition in the YAML manifest. TTL is a Go
// duration string ("30s", "5m"). A task with no explicit key gets a
// deterministic one built from namespace and params.
type ManifestTask struct {
	Key       string            `yaml:"key"`
	Namespace string            `yaml:"namespace"`
	Path      string            `yaml:"path"`
	Params    map[string]string `yaml:"params"`
	Priority  string            `yaml:"priority"`
	TTL       string            `yaml:"ttl"`
	Enabled   bool              `yaml:"enabled"`
}

type Manifest struct {
	Tasks []ManifestTask `yaml:"tasks"`
}

func LoadManifest(path string) (Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

// FetchBuilder turns a manifest path+params into the fetch function for the
// task. Keeps the registry transport-agnostic.
type FetchBuilder func(path string, params map[string]string) FetchFunc

// RegisterManifest registers every enabled manifest task, returning how many
// were registered. ttlOvr overrides TTLs by namespace.
func RegisterManifest(reg *Registry, m Manifest, build FetchBuilder, ttlOvr map[string]time.Duration) (int, error) {
	if build == nil {
		return 0, fmt.Errorf("manifest: fetch builder is required")
	}

	n := 0
	for i, mt := range m.Tasks {
		if !mt.Enabled {
			continue
		}

		key := strings.TrimSpace(mt.Key)
		ns := strings.TrimSpace(mt.Namespace)
		if key == "" {
			if ns == "" {
				return n, fmt.Errorf("manifest task %d: key or namespace required", i)
			}
			key = keys.Key(ns, mt.Params)
		}
		if ns == "" {
			ns, _, _ = strings.Cut(key, ":")
		}

		prio := Medium
		if mt.Priority != "" {
			p, err := ParsePriority(mt.Priority)
			if err != nil {
				return n, fmt.Errorf("manifest task %d (%s): %w", i, key, err)
			}
			prio = p
		}

		ttl, err := time.ParseDuration(mt.TTL)
		if err != nil {
			return n, fmt.Errorf("manifest task %d (%s): ttl: %w", i, key, err)
		}
		if ovr, ok := ttlOvr[ns]; ok {
			ttl = ovr
		}

		task := Task{
			Key:      key,
			Priority: prio,
			Fetch:    build(mt.Path, mt.Params),
			Params:   mt.Params,
			TTL:      ttl,
		}
		if err := reg.Register(task); err != nil {
			return n, fmt.Errorf("manifest task %d: %w", i, err)
		}
		n++
	}
	return n, nil
}
