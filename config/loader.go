// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"eagle/metering/shared/logger"
	"eagle/metering/tenancy"
)

// TenantConfigFile is the root structure of the tenant configuration file.
type TenantConfigFile struct {
	Version  string                      `yaml:"version"`
	Defaults TenantFileConfig            `yaml:"defaults"`
	Tenants  map[string]TenantFileConfig `yaml:"tenants"`
}

// TenantFileConfig is one tenant block. Unset fields inherit from the tier
// defaults and then from the file's defaults block.
type TenantFileConfig struct {
	Tier                  string   `yaml:"tier,omitempty"`
	RequestsPerWindow     *int     `yaml:"requests_per_window,omitempty"`
	WindowSeconds         *int     `yaml:"window_seconds,omitempty"`
	MaxConcurrency        *int     `yaml:"max_concurrency,omitempty"`
	QueueDepth            *int     `yaml:"queue_depth,omitempty"`
	Granularities         []string `yaml:"granularities,omitempty"`
	AuditRetentionDays    *int     `yaml:"audit_retention_days,omitempty"`
	RawEventRetentionDays *int     `yaml:"raw_event_retention_days,omitempty"`
}

const (
	defaultAuditRetentionDays    = 365
	defaultRawEventRetentionDays = 90
)

var envVarRegex = regexp.MustCompile(`\$\{[^}]+\}|\$[A-Za-z_][A-Za-z0-9_]*`)

// expandEnvVars replaces ${VAR}, ${VAR:-default} and $VAR references.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		defaultVal := ""
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			varName = varName[:idx]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultVal
	})
}

// ParseTenantConfig parses and validates a tenant configuration document.
// Invalid values are rejected, never clamped.
func ParseTenantConfig(data []byte) (*Snapshot, error) {
	var file TenantConfigFile
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &file); err != nil {
		return nil, fmt.Errorf("failed to parse tenant config: %w", err)
	}

	base := TenantSettings{
		Tier:          TierStandard,
		Limits:        tierDefaults[TierStandard],
		Granularities: []string{GranularityHour, GranularityDay},
		Retention: RetentionPolicy{
			AuditRetentionDays:    defaultAuditRetentionDays,
			RawEventRetentionDays: defaultRawEventRetentionDays,
		},
	}
	defaults, err := resolve("", file.Defaults, base)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Version:  file.Version,
		LoadedAt: time.Now().UTC(),
		Defaults: defaults,
		tenants:  make(map[string]TenantSettings, len(file.Tenants)),
	}
	for raw, tc := range file.Tenants {
		if strings.TrimSpace(raw) == "" {
			return nil, &ValidationError{Field: "tenants", Problem: "contains an empty tenant id"}
		}
		// keys are matched against resolved identities, which are lowercased
		id, ok := tenancy.NormalizeTenantID(raw)
		if !ok {
			return nil, &ValidationError{TenantID: raw, Field: "tenants", Problem: fmt.Sprintf("%q is not a valid tenant id", raw)}
		}
		if _, dup := snap.tenants[id]; dup {
			return nil, &ValidationError{TenantID: id, Field: "tenants", Problem: fmt.Sprintf("%q collides with another tenant after normalization", raw)}
		}
		inherited := defaults
		// a tier named on the tenant replaces the inherited limits
		if tc.Tier != "" && tc.Tier != string(defaults.Tier) {
			limits, ok := tierDefaults[Tier(tc.Tier)]
			if !ok {
				return nil, &ValidationError{TenantID: id, Field: "tier", Problem: fmt.Sprintf("%q is not a known tier", tc.Tier)}
			}
			inherited.Limits = limits
		}
		settings, err := resolve(id, tc, inherited)
		if err != nil {
			return nil, err
		}
		settings.TenantID = id
		settings.Retention.TenantID = id
		snap.tenants[id] = settings
	}
	return snap, nil
}

func resolve(tenantID string, fc TenantFileConfig, base TenantSettings) (TenantSettings, error) {
	out := base
	out.Granularities = append([]string(nil), base.Granularities...)

	if fc.Tier != "" {
		if _, ok := tierDefaults[Tier(fc.Tier)]; !ok {
			return out, &ValidationError{TenantID: tenantID, Field: "tier", Problem: fmt.Sprintf("%q is not a known tier", fc.Tier)}
		}
		out.Tier = Tier(fc.Tier)
		if tenantID == "" {
			out.Limits = tierDefaults[out.Tier]
		}
	}

	if fc.RequestsPerWindow != nil {
		if *fc.RequestsPerWindow < 0 {
			return out, &ValidationError{TenantID: tenantID, Field: "requests_per_window", Problem: "must not be negative"}
		}
		out.Limits.RequestsPerWindow = *fc.RequestsPerWindow
	}
	if fc.WindowSeconds != nil {
		if *fc.WindowSeconds <= 0 {
			return out, &ValidationError{TenantID: tenantID, Field: "window_seconds", Problem: "must be greater than zero"}
		}
		out.Limits.Window = time.Duration(*fc.WindowSeconds) * time.Second
	}
	if fc.MaxConcurrency != nil {
		if *fc.MaxConcurrency < 0 {
			return out, &ValidationError{TenantID: tenantID, Field: "max_concurrency", Problem: "must not be negative"}
		}
		out.Limits.MaxConcurrency = *fc.MaxConcurrency
	}
	if fc.QueueDepth != nil {
		if *fc.QueueDepth < 0 {
			return out, &ValidationError{TenantID: tenantID, Field: "queue_depth", Problem: "must not be negative"}
		}
		out.Limits.QueueDepth = *fc.QueueDepth
	}
	if fc.Granularities != nil {
		if len(fc.Granularities) == 0 {
			return out, &ValidationError{TenantID: tenantID, Field: "granularities", Problem: "must name at least one granularity"}
		}
		seen := map[string]bool{}
		out.Granularities = out.Granularities[:0]
		for _, g := range fc.Granularities {
			if g != GranularityHour && g != GranularityDay {
				return out, &ValidationError{TenantID: tenantID, Field: "granularities", Problem: fmt.Sprintf("%q is not hour or day", g)}
			}
			if !seen[g] {
				seen[g] = true
				out.Granularities = append(out.Granularities, g)
			}
		}
	}
	if fc.AuditRetentionDays != nil {
		if *fc.AuditRetentionDays <= 0 {
			return out, &ValidationError{TenantID: tenantID, Field: "audit_retention_days", Problem: "must be greater than zero"}
		}
		out.Retention.AuditRetentionDays = *fc.AuditRetentionDays
	}
	if fc.RawEventRetentionDays != nil {
		if *fc.RawEventRetentionDays <= 0 {
			return out, &ValidationError{TenantID: tenantID, Field: "raw_event_retention_days", Problem: "must be greater than zero"}
		}
		out.Retention.RawEventRetentionDays = *fc.RawEventRetentionDays
	}
	return out, nil
}

// ChangeSet describes one successful reload.
type ChangeSet struct {
	Previous *Snapshot
	Current  *Snapshot
	Changed  []string
}

// TenantConfigLoader holds the current tenant configuration and reloads it
// from disk without restarting the process.
type TenantConfigLoader struct {
	path        string
	current     atomic.Pointer[Snapshot]
	mu          sync.Mutex
	subscribers []func(ChangeSet)
	logger      *logger.Logger
}

// NewTenantConfigLoader loads path. The initial load must succeed.
func NewTenantConfigLoader(path string) (*TenantConfigLoader, error) {
	l := &TenantConfigLoader{path: path, logger: logger.New("config")}
	if _, err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// NewStaticLoader wraps an already parsed snapshot. Reload is a no-op error.
func NewStaticLoader(snap *Snapshot) *TenantConfigLoader {
	l := &TenantConfigLoader{logger: logger.New("config")}
	l.current.Store(snap)
	return l
}

// Snapshot returns the active configuration.
func (l *TenantConfigLoader) Snapshot() *Snapshot {
	return l.current.Load()
}

// Known reports whether tenantID is configured in the active snapshot.
func (l *TenantConfigLoader) Known(tenantID string) bool {
	return l.Snapshot().Known(tenantID)
}

// Limits returns the active admission limits for tenantID.
func (l *TenantConfigLoader) Limits(tenantID string) (TenantLimits, bool) {
	return l.Snapshot().Limits(tenantID)
}

// Retention returns the active retention policy for tenantID.
func (l *TenantConfigLoader) Retention(tenantID string) RetentionPolicy {
	return l.Snapshot().Retention(tenantID)
}

// Granularities returns the active bucket granularities for tenantID.
func (l *TenantConfigLoader) Granularities(tenantID string) []string {
	return l.Snapshot().Granularities(tenantID)
}

// TenantIDs returns the configured tenants.
func (l *TenantConfigLoader) TenantIDs() []string {
	return l.Snapshot().TenantIDs()
}

// Subscribe registers fn to run after every successful reload.
func (l *TenantConfigLoader) Subscribe(fn func(ChangeSet)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = append(l.subscribers, fn)
}

// Reload re-reads the file. On failure the previous snapshot stays active.
func (l *TenantConfigLoader) Reload() (ChangeSet, error) {
	if l.path == "" {
		return ChangeSet{}, fmt.Errorf("tenant config loader has no file")
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return ChangeSet{}, fmt.Errorf("failed to read tenant config %s: %w", l.path, err)
	}
	snap, err := ParseTenantConfig(data)
	if err != nil {
		return ChangeSet{}, err
	}

	l.mu.Lock()
	prev := l.current.Load()
	l.current.Store(snap)
	subs := append([]func(ChangeSet){}, l.subscribers...)
	l.mu.Unlock()

	cs := ChangeSet{Previous: prev, Current: snap, Changed: diff(prev, snap)}
	for _, fn := range subs {
		fn(cs)
	}
	return cs, nil
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so editors that replace the file are handled.
func (l *TenantConfigLoader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", l.path, err)
	}

	target := filepath.Clean(l.path)
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce = time.After(100 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("", "", "Config watcher error", map[string]interface{}{"error": err.Error()})
		case <-debounce:
			debounce = nil
			cs, err := l.Reload()
			if err != nil {
				l.logger.Error("", "", "Rejected tenant config reload, keeping previous snapshot", map[string]interface{}{
					"path":  l.path,
					"error": err.Error(),
				})
				continue
			}
			l.logger.Info("", "", "Tenant config reloaded", map[string]interface{}{
				"version":         cs.Current.Version,
				"changed_tenants": cs.Changed,
			})
		}
	}
}
