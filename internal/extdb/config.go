// Package extdb manages connections to external tenant databases: a keyed
// configuration source plus a bounded registry of connection pools.
//
// Tenant connection definitions live in a JSON or YAML file keyed by
// connection name (e.g. "EXTERNAL-qa"). Key resolution is case-insensitive
// and tries environment qualifiers in order: "site-env", "site_env",
// "site.env", then bare "site". Per-key pool overrides may be expressed
// either as a scalar ("pool: 20" meaning max open connections) or as a
// structured map; both collapse into one PoolOverrides value here so the
// rest of the pipeline only ever sees a single shape.
package extdb

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TenantKey is the normalized, case-insensitive identifier of one logical
// external destination (site × environment). It resolves to exactly one
// pool slot in the registry.
type TenantKey string

// Key builds the tenant key for a site and optional environment.
func Key(site, environment string) TenantKey {
	site = strings.TrimSpace(site)
	environment = strings.TrimSpace(environment)
	if environment == "" {
		return TenantKey(strings.ToLower(site))
	}
	return TenantKey(strings.ToLower(site + "-" + environment))
}

// PoolOverrides are the per-key pool settings after normalization. Zero
// values mean "use the global default".
type PoolOverrides struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// ConnSpec is one resolved tenant connection definition.
type ConnSpec struct {
	Driver    string
	DSN       string
	User      string
	Password  string
	Overrides PoolOverrides
}

// Defaults are the global pool settings merged under per-key overrides.
type Defaults struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Merged returns the effective pool settings for a spec: per-key values win,
// defaults fill the gaps.
func (d Defaults) Merged(o PoolOverrides) PoolOverrides {
	out := PoolOverrides{
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		ConnMaxIdleTime: d.ConnMaxIdleTime,
	}
	if o.MaxOpenConns > 0 {
		out.MaxOpenConns = o.MaxOpenConns
	}
	if o.MaxIdleConns > 0 {
		out.MaxIdleConns = o.MaxIdleConns
	}
	if o.ConnMaxLifetime > 0 {
		out.ConnMaxLifetime = o.ConnMaxLifetime
	}
	if o.ConnMaxIdleTime > 0 {
		out.ConnMaxIdleTime = o.ConnMaxIdleTime
	}
	return out
}

// ConnConfig holds the tenant connection definitions, keyed by lowercased
// connection name.
type ConnConfig struct {
	specs map[string]ConnSpec
}

// LoadConnFile reads tenant connection definitions from path, accepting
// JSON first and YAML as a fallback.
func LoadConnFile(path string) (*ConnConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connection file: %w", err)
	}
	return ParseConnConfig(raw)
}

// ParseConnConfig parses connection definitions from JSON or YAML bytes.
func ParseConnConfig(raw []byte) (*ConnConfig, error) {
	var entries map[string]map[string]any
	if err := json.Unmarshal(raw, &entries); err != nil {
		if yamlErr := yaml.Unmarshal(raw, &entries); yamlErr != nil {
			return nil, fmt.Errorf("connection config is neither JSON nor YAML: %w", yamlErr)
		}
	}
	cfg := &ConnConfig{specs: make(map[string]ConnSpec, len(entries))}
	for key, fields := range entries {
		spec, err := normalizeSpec(fields)
		if err != nil {
			return nil, fmt.Errorf("connection %q: %w", key, err)
		}
		cfg.specs[strings.ToLower(strings.TrimSpace(key))] = spec
	}
	return cfg, nil
}

// NewConnConfig builds a ConnConfig from already-normalized specs. Intended
// for tests and programmatic setup.
func NewConnConfig(specs map[string]ConnSpec) *ConnConfig {
	cfg := &ConnConfig{specs: make(map[string]ConnSpec, len(specs))}
	for k, v := range specs {
		cfg.specs[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return cfg
}

// Resolve finds the spec for a site and optional environment, trying
// "site-env", "site_env", "site.env", then "site". The boolean reports
// whether a spec was found; the TenantKey is the key that matched.
func (c *ConnConfig) Resolve(site, environment string) (ConnSpec, TenantKey, bool) {
	site = strings.ToLower(strings.TrimSpace(site))
	environment = strings.ToLower(strings.TrimSpace(environment))
	if environment != "" {
		for _, sep := range []string{"-", "_", "."} {
			k := site + sep + environment
			if spec, ok := c.specs[k]; ok {
				return spec, TenantKey(k), true
			}
		}
	}
	spec, ok := c.specs[site]
	return spec, TenantKey(site), ok
}

// Keys returns the configured connection names (lowercased). Values are not
// exposed to avoid leaking credentials.
func (c *ConnConfig) Keys() []string {
	out := make([]string, 0, len(c.specs))
	for k := range c.specs {
		out = append(out, k)
	}
	return out
}

// normalizeSpec collapses the raw map shape of one connection entry into a
// ConnSpec. The "pool" field may be a scalar (max open connections) or a
// structured map with named fields.
func normalizeSpec(fields map[string]any) (ConnSpec, error) {
	spec := ConnSpec{
		Driver:   toString(firstOf(fields, "driver", "dbType", "type")),
		DSN:      toString(firstOf(fields, "dsn", "url", "host")),
		User:     toString(fields["user"]),
		Password: toString(fields["password"]),
	}
	if spec.Driver == "" {
		spec.Driver = "sqlite"
	}
	if strings.TrimSpace(spec.DSN) == "" {
		return spec, fmt.Errorf("missing dsn")
	}

	switch raw := firstOf(fields, "pool", "hikari").(type) {
	case nil:
	case map[string]any:
		spec.Overrides = overridesFromMap(raw)
	case map[any]any:
		normalized := make(map[string]any, len(raw))
		for k, v := range raw {
			normalized[toString(k)] = v
		}
		spec.Overrides = overridesFromMap(normalized)
	case string:
		// A structured override may arrive as an embedded JSON string.
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err == nil {
			spec.Overrides = overridesFromMap(m)
		} else if n, convErr := strconv.Atoi(strings.TrimSpace(raw)); convErr == nil {
			spec.Overrides.MaxOpenConns = n
		} else {
			return spec, fmt.Errorf("invalid pool override %q", raw)
		}
	default:
		if n, ok := toInt(raw); ok {
			spec.Overrides.MaxOpenConns = n
		} else {
			return spec, fmt.Errorf("invalid pool override of type %T", raw)
		}
	}
	return spec, nil
}

func overridesFromMap(m map[string]any) PoolOverrides {
	var o PoolOverrides
	if n, ok := toInt(firstOf(m, "maxOpenConns", "maximumPoolSize", "max_open_conns")); ok {
		o.MaxOpenConns = n
	}
	if n, ok := toInt(firstOf(m, "maxIdleConns", "minimumIdle", "max_idle_conns")); ok {
		o.MaxIdleConns = n
	}
	if ms, ok := toInt(firstOf(m, "connMaxLifetimeMs", "idleTimeoutMs", "conn_max_lifetime_ms")); ok {
		o.ConnMaxLifetime = time.Duration(ms) * time.Millisecond
	}
	if ms, ok := toInt(firstOf(m, "connMaxIdleTimeMs", "conn_max_idle_time_ms")); ok {
		o.ConnMaxIdleTime = time.Duration(ms) * time.Millisecond
	}
	return o
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprintf("%v", v))
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case nil:
		return 0, false
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i, true
		}
	}
	return 0, false
}
