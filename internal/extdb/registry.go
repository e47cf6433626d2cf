package extdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite" // registers the pure-Go "sqlite" driver
	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ErrNoConfig is returned when a connection is requested for a tenant key
// with no configuration. There is no fallback pool; the key is unusable
// until configuration is fixed. Other keys are unaffected.
var ErrNoConfig = errors.New("no external db configuration for key")

// PoolCreationError wraps a failure to build the pool for one tenant key.
type PoolCreationError struct {
	Key TenantKey
	Err error
}

func (e *PoolCreationError) Error() string {
	return fmt.Sprintf("create pool %q: %v", e.Key, e.Err)
}

func (e *PoolCreationError) Unwrap() error { return e.Err }

// poolEntry is one live pool slot. The *sql.DB lives behind the collector's
// atomic pointer so a recreate can swap it without a metrics gap.
type poolEntry struct {
	key       TenantKey
	createdAt time.Time
	collector *poolStatsCollector
}

func (e *poolEntry) db() *sql.DB { return e.collector.db.Load() }

// PoolStats is a point-in-time snapshot of one pool, keyed for the admin
// surface.
type PoolStats struct {
	Key       string    `json:"key"`
	Open      int       `json:"open"`
	InUse     int       `json:"in_use"`
	Idle      int       `json:"idle"`
	WaitCount int64     `json:"wait_count"`
	MaxOpen   int       `json:"max_open"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry owns a bounded cache of external connection pools keyed by
// tenant key. Pools are created lazily on first acquire; construction is
// single-flight per key, so concurrent callers for one new key block on a
// single build without contending on unrelated keys. When the cache is
// full the least-recently-used slot is evicted: its pool is closed
// (draining, in-flight connections are released gracefully by database/sql)
// and its metric series removed.
type Registry struct {
	conns    *ConnConfig
	defaults Defaults
	cache    *ttlcache.Cache[TenantKey, *poolEntry]
	loader   ttlcache.Loader[TenantKey, *poolEntry]
	promReg  prometheus.Registerer
	log      zerolog.Logger

	mu       sync.Mutex // serializes recreate/evict against each other
	loadErrs sync.Map   // TenantKey -> error from the most recent failed build

	constructions atomic.Int64
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// MaxPools bounds the number of live pools; LRU eviction on overflow.
	MaxPools int
	// TTL evicts pools untouched for this long.
	TTL time.Duration
	// Defaults are the global pool settings merged under per-key overrides.
	Defaults Defaults
	// Registerer receives per-pool collectors; nil means the default
	// Prometheus registerer.
	Registerer prometheus.Registerer
	Logger     zerolog.Logger
}

// NewRegistry builds a Registry over the given tenant connection config.
func NewRegistry(conns *ConnConfig, opts RegistryOptions) *Registry {
	if opts.MaxPools <= 0 {
		opts.MaxPools = 50
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	r := &Registry{
		conns:    conns,
		defaults: opts.Defaults,
		promReg:  opts.Registerer,
		log:      opts.Logger,
	}
	r.cache = ttlcache.New[TenantKey, *poolEntry](
		ttlcache.WithTTL[TenantKey, *poolEntry](opts.TTL),
		ttlcache.WithCapacity[TenantKey, *poolEntry](uint64(opts.MaxPools)),
	)
	r.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[TenantKey, *poolEntry]) {
		entry := item.Value()
		if entry == nil {
			return
		}
		r.promReg.Unregister(entry.collector)
		if db := entry.db(); db != nil {
			if err := db.Close(); err != nil {
				r.log.Warn().Err(err).Str("pool", string(entry.key)).Msg("closing evicted pool")
			}
		}
		r.log.Debug().Str("pool", string(entry.key)).Int("reason", int(reason)).Msg("pool evicted")
	})
	// Suppressed loader: one construction per key regardless of concurrent
	// callers.
	base := ttlcache.LoaderFunc[TenantKey, *poolEntry](
		func(cache *ttlcache.Cache[TenantKey, *poolEntry], key TenantKey) *ttlcache.Item[TenantKey, *poolEntry] {
			entry, err := r.buildEntry(key)
			if err != nil {
				r.loadErrs.Store(key, err)
				return nil
			}
			r.loadErrs.Delete(key)
			return cache.Set(key, entry, ttlcache.DefaultTTL)
		},
	)
	r.loader = ttlcache.NewSuppressedLoader[TenantKey, *poolEntry](base, nil)
	go r.cache.Start()
	return r
}

// buildEntry constructs the pool and registers its collector. Called only
// from the suppressed loader and from Recreate.
func (r *Registry) buildEntry(key TenantKey) (*poolEntry, error) {
	spec, ok := r.specFor(key)
	if !ok {
		return nil, &PoolCreationError{Key: key, Err: ErrNoConfig}
	}
	db, err := r.open(spec)
	if err != nil {
		return nil, &PoolCreationError{Key: key, Err: err}
	}
	entry := &poolEntry{
		key:       key,
		createdAt: time.Now().UTC(),
		collector: newPoolStatsCollector(key, db),
	}
	if err := r.promReg.Register(entry.collector); err != nil {
		// Metrics are best-effort; the pool itself is usable.
		r.log.Warn().Err(err).Str("pool", string(key)).Msg("registering pool collector")
	}
	r.constructions.Add(1)
	r.log.Info().Str("pool", string(key)).Msg("external pool created")
	return entry, nil
}

func (r *Registry) specFor(key TenantKey) (ConnSpec, bool) {
	spec, _, ok := r.conns.Resolve(string(key), "")
	return spec, ok
}

func (r *Registry) open(spec ConnSpec) (*sql.DB, error) {
	db, err := sql.Open(spec.Driver, spec.DSN)
	if err != nil {
		return nil, err
	}
	eff := r.defaults.Merged(spec.Overrides)
	if eff.MaxOpenConns > 0 {
		db.SetMaxOpenConns(eff.MaxOpenConns)
	}
	if eff.MaxIdleConns > 0 {
		db.SetMaxIdleConns(eff.MaxIdleConns)
	}
	if eff.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(eff.ConnMaxLifetime)
	}
	if eff.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(eff.ConnMaxIdleTime)
	}
	return db, nil
}

// ResolveKey maps a (site, environment) pair onto the configured tenant key,
// or ErrNoConfig when nothing matches.
func (r *Registry) ResolveKey(site, environment string) (TenantKey, error) {
	_, key, ok := r.conns.Resolve(site, environment)
	if !ok {
		return "", &PoolCreationError{Key: Key(site, environment), Err: ErrNoConfig}
	}
	return key, nil
}

// Acquire returns a connection from the pool for the resolved tenant key,
// creating the pool on first use. Acquiring may block up to the pool's
// limits; transient connection errors surface to the caller and are not
// retried here.
func (r *Registry) Acquire(ctx context.Context, site, environment string) (*sql.Conn, TenantKey, error) {
	key, err := r.ResolveKey(site, environment)
	if err != nil {
		return nil, "", err
	}
	db, err := r.dbFor(key)
	if err != nil {
		return nil, key, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, key, fmt.Errorf("acquire connection for %q: %w", key, err)
	}
	return conn, key, nil
}

// DB returns the shared pool handle for a tenant key, creating it on first
// use. Intended for callers that manage statement scope themselves.
func (r *Registry) DB(site, environment string) (*sql.DB, TenantKey, error) {
	key, err := r.ResolveKey(site, environment)
	if err != nil {
		return nil, "", err
	}
	db, err := r.dbFor(key)
	return db, key, err
}

func (r *Registry) dbFor(key TenantKey) (*sql.DB, error) {
	item := r.cache.Get(key, ttlcache.WithLoader[TenantKey, *poolEntry](r.loader))
	if item == nil || item.Value() == nil {
		if v, ok := r.loadErrs.Load(key); ok {
			return nil, v.(error)
		}
		return nil, &PoolCreationError{Key: key, Err: ErrNoConfig}
	}
	return item.Value().db(), nil
}

// Recreate atomically replaces the pool for a key. The new pool is fully
// constructed and instrumented before the old one is closed; the metric
// series for the key stays live through the swap because the collector is
// reused with its pool pointer exchanged.
func (r *Registry) Recreate(key TenantKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	spec, ok := r.specFor(key)
	if !ok {
		return &PoolCreationError{Key: key, Err: ErrNoConfig}
	}
	fresh, err := r.open(spec)
	if err != nil {
		return &PoolCreationError{Key: key, Err: err}
	}

	item := r.cache.Get(key, ttlcache.WithDisableTouchOnHit[TenantKey, *poolEntry]())
	if item == nil || item.Value() == nil {
		entry := &poolEntry{
			key:       key,
			createdAt: time.Now().UTC(),
			collector: newPoolStatsCollector(key, fresh),
		}
		if regErr := r.promReg.Register(entry.collector); regErr != nil {
			r.log.Warn().Err(regErr).Str("pool", string(key)).Msg("registering pool collector")
		}
		r.constructions.Add(1)
		r.cache.Set(key, entry, ttlcache.DefaultTTL)
		return nil
	}

	entry := item.Value()
	old := entry.collector.swap(fresh)
	entry.createdAt = time.Now().UTC()
	r.constructions.Add(1)
	if old != nil {
		if closeErr := old.Close(); closeErr != nil {
			r.log.Warn().Err(closeErr).Str("pool", string(key)).Msg("closing replaced pool")
		}
	}
	r.log.Info().Str("pool", string(key)).Msg("external pool recreated")
	return nil
}

// Evict closes and removes the pool for a key, deregistering its metrics.
// A later acquire recreates it from configuration.
func (r *Registry) Evict(key TenantKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Delete(key)
}

// Stats returns a snapshot of all live pools.
func (r *Registry) Stats() []PoolStats {
	items := r.cache.Items()
	out := make([]PoolStats, 0, len(items))
	for _, item := range items {
		entry := item.Value()
		if entry == nil {
			continue
		}
		db := entry.db()
		if db == nil {
			continue
		}
		s := db.Stats()
		out = append(out, PoolStats{
			Key:       string(entry.key),
			Open:      s.OpenConnections,
			InUse:     s.InUse,
			Idle:      s.Idle,
			WaitCount: s.WaitCount,
			MaxOpen:   s.MaxOpenConnections,
			CreatedAt: entry.createdAt,
		})
	}
	return out
}

// Constructions reports how many pool builds have happened; used to verify
// single-flight construction in tests.
func (r *Registry) Constructions() int64 { return r.constructions.Load() }

// Close evicts every pool and stops the cache janitor.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.DeleteAll()
	r.cache.Stop()
}
