// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package tenant maps the tenant of a request to its execution context.

Tenants with the database strategy run on their own pool, created on first use and kept until the
tenant disappears from the registry. Their configuration lives in the metastore of their own
database, so resolved models are cached per package and tenant.

Tenants with the rls strategy share the central database. Each request pins one connection, opens a
transaction and sets app.tenant_id with SET LOCAL; releasing the context ends the transaction and
returns the connection.
*/
package tenant

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lib/pq"

	"github.com/relabs-tech/architect/core/crud"
	"github.com/relabs-tech/architect/core/csql"
	"github.com/relabs-tech/architect/core/logger"
	"github.com/relabs-tech/architect/core/metastore"
	"github.com/relabs-tech/architect/core/modelcache"
)

// ErrUnknownTenant is returned for tenant ids that are not in the registry
var ErrUnknownTenant = errors.New("unknown tenant")

// DefaultMaxConns is the default connection limit of tenant pools
const DefaultMaxConns = 10

// Context is the execution context of one request
type Context struct {
	Tenant Tenant
	// Target executes entity statements
	Target crud.Target
	// ConfigDB holds the metastore for the tenant
	ConfigDB *csql.DB
	// DataDB is the database the tenant's entities live in, for DDL
	DataDB *sql.DB
	// RLSTenant is the tenant id for row-level security inserts, empty for the database strategy
	RLSTenant string

	release func(error) error
}

// Store returns the metastore of the tenant
func (c *Context) Store() *metastore.Store {
	return metastore.New(c.ConfigDB)
}

// CacheKey returns the model cache key of a package for this tenant
func (c *Context) CacheKey(packageID string) string {
	if c.Tenant.Strategy == StrategyDatabase {
		return modelcache.Key(packageID, c.Tenant.ID)
	}
	return modelcache.Key(packageID, "")
}

// Executor returns a CRUD executor on the context's target
func (c *Context) Executor() *crud.Executor {
	return crud.New(c.Target, "", c.RLSTenant)
}

// Release ends the request. For pinned connections the transaction commits if failure is nil
// and rolls back otherwise.
func (c *Context) Release(failure error) error {
	if c.release == nil {
		return nil
	}
	return c.release(failure)
}

// tenantPool counts the requests using it. A retired pool is no longer handed out and closes
// when its last user releases it.
type tenantPool struct {
	url     string
	db      *csql.DB
	users   int
	retired bool
}

// Resolver resolves tenant ids to execution contexts
type Resolver struct {
	central  *csql.DB
	maxConns int

	registry atomic.Pointer[Registry]

	mu      sync.RWMutex
	pools   map[string]*tenantPool
	opening sync.Mutex
}

// NewResolver returns a resolver over the central database. maxConns limits every tenant pool.
func NewResolver(central *csql.DB, registry *Registry, maxConns int) *Resolver {
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	r := &Resolver{
		central:  central,
		maxConns: maxConns,
		pools:    map[string]*tenantPool{},
	}
	r.registry.Store(registry)
	return r
}

// Registry returns the current registry
func (r *Resolver) Registry() *Registry {
	return r.registry.Load()
}

// Central returns the central database
func (r *Resolver) Central() *csql.DB {
	return r.central
}

// Resolve returns the execution context of a tenant. The caller must call Release on it.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (*Context, error) {
	t, ok := r.Registry().Get(tenantID)
	if !ok {
		return nil, ErrUnknownTenant
	}

	switch t.Strategy {
	case StrategyDatabase:
		pool, err := r.acquire(ctx, t)
		if err != nil {
			return nil, err
		}
		return &Context{
			Tenant:   t,
			Target:   crud.NewPoolTarget(pool.db.DB),
			ConfigDB: pool.db,
			DataDB:   pool.db.DB,
			release: func(error) error {
				r.releasePool(pool)
				return nil
			},
		}, nil
	}

	data := r.central
	var pool *tenantPool
	if t.DatabaseURL != "" {
		var err error
		if pool, err = r.acquire(ctx, t); err != nil {
			return nil, err
		}
		data = pool.db
	}
	pinned, err := crud.Pin(ctx, data.DB, `SET LOCAL app.tenant_id = `+pq.QuoteLiteral(t.ID))
	if err != nil {
		r.releasePool(pool)
		return nil, err
	}
	return &Context{
		Tenant:    t,
		Target:    pinned,
		ConfigDB:  r.central,
		DataDB:    data.DB,
		RLSTenant: t.ID,
		release: func(failure error) error {
			defer r.releasePool(pool)
			return pinned.Release(failure)
		},
	}, nil
}

// acquire returns the pool of a tenant with a database url, creating it on first use, and
// counts the caller as a user until releasePool
func (r *Resolver) acquire(ctx context.Context, t Tenant) (*tenantPool, error) {
	if pool := r.lookup(t); pool != nil {
		return pool, nil
	}

	// opens are serialized so concurrent first requests share one pool
	r.opening.Lock()
	defer r.opening.Unlock()
	if pool := r.lookup(t); pool != nil {
		return pool, nil
	}

	created, err := r.open(ctx, t)
	if err != nil {
		return nil, err
	}
	pool := &tenantPool{url: t.DatabaseURL, db: created, users: 1}
	r.mu.Lock()
	if existing, ok := r.pools[t.ID]; ok {
		r.retire(existing)
	}
	r.pools[t.ID] = pool
	r.mu.Unlock()
	return pool, nil
}

// lookup returns the current pool of t with one more user, nil if there is none for its url
func (r *Resolver) lookup(t Tenant) *tenantPool {
	r.mu.Lock()
	defer r.mu.Unlock()
	pool, ok := r.pools[t.ID]
	if !ok || pool.url != t.DatabaseURL {
		return nil
	}
	pool.users++
	return pool
}

func (r *Resolver) releasePool(pool *tenantPool) {
	if pool == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	pool.users--
	if pool.retired && pool.users == 0 {
		pool.db.Close()
	}
}

// retire takes a pool out of service. It must be called with r.mu held; the caller takes the
// pool out of r.pools.
func (r *Resolver) retire(pool *tenantPool) {
	pool.retired = true
	if pool.users == 0 {
		pool.db.Close()
	}
}

func (r *Resolver) open(ctx context.Context, t Tenant) (*csql.DB, error) {
	rlog := logger.FromContext(ctx)
	if err := csql.EnsureDatabaseExists(ctx, t.DatabaseURL); err != nil {
		rlog.WithError(err).Errorln("Error 5102: cannot create tenant database")
		return nil, err
	}
	db, err := csql.Open(ctx, t.DatabaseURL, r.central.Schema)
	if err != nil {
		rlog.WithError(err).Errorln("Error 5103: cannot open tenant database")
		return nil, err
	}
	db.SetMaxOpenConns(r.maxConns)
	if t.Strategy == StrategyDatabase {
		if err = metastore.New(db).Bootstrap(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	rlog.Infoln("opened pool for tenant", t.ID)
	return db, nil
}

// PoolCount returns the number of open tenant pools
func (r *Resolver) PoolCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pools)
}

// Reload replaces the registry with the rows of _sys_tenants and retires the pools of tenants
// which are gone or whose database url changed. Retired pools close once the requests using them
// are released.
func (r *Resolver) Reload(ctx context.Context) (*Registry, error) {
	registry, err := LoadRegistry(ctx, metastore.New(r.central))
	if err != nil {
		return nil, err
	}
	r.registry.Store(registry)

	r.mu.Lock()
	for id, pool := range r.pools {
		if t, ok := registry.Get(id); !ok || t.DatabaseURL != pool.url {
			delete(r.pools, id)
			r.retire(pool)
		}
	}
	r.mu.Unlock()
	return registry, nil
}

// Close closes all tenant pools
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, pool := range r.pools {
		pool.db.Close()
		delete(r.pools, id)
	}
}
