// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package modelcache caches resolved models by cache key.

Keys are "<package>" for tenants sharing the central metastore and "<package>:<tenant>" for tenants
with their own database. A miss loads the package configuration from the tenant's metastore and
resolves it. Models are immutable once published, readers never see a partially built model.
*/
package modelcache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relabs-tech/architect/core/config"
	"github.com/relabs-tech/architect/core/logger"
	"github.com/relabs-tech/architect/core/metastore"
)

// Broadcaster distributes invalidations between replicas
type Broadcaster interface {
	PublishInvalidation(ctx context.Context, keys []string) error
	SubscribeInvalidations(ctx context.Context, drop func(ctx context.Context, keys []string)) error
}

// LoadError is returned when a stored configuration cannot be loaded or resolved
type LoadError struct {
	PackageID string
	Err       error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("cannot load model of package %s: %s", e.PackageID, e.Err)
}

// Unwrap returns the underlying error
func (e *LoadError) Unwrap() error {
	return e.Err
}

// Key returns the cache key of a package. tenantID is empty for tenants sharing the central metastore.
func Key(packageID, tenantID string) string {
	if tenantID == "" {
		return packageID
	}
	return packageID + ":" + tenantID
}

// Cache maps cache keys to resolved models
type Cache struct {
	mu          sync.RWMutex
	models      map[string]*config.ResolvedModel
	broadcaster Broadcaster
	lookups     *prometheus.CounterVec
}

// New returns an empty cache
func New() *Cache {
	return &Cache{
		models: map[string]*config.ResolvedModel{},
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "architect_model_cache_lookups_total",
			Help: "Model cache lookups by result.",
		}, []string{"result"}),
	}
}

// Collector returns the lookup counter for registration with prometheus
func (c *Cache) Collector() prometheus.Collector {
	return c.lookups
}

// Peek returns the cached model for key without loading
func (c *Cache) Peek(key string) (*config.ResolvedModel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[key]
	return m, ok
}

// Get returns the model for key, loading and resolving packageID from store on a miss
func (c *Cache) Get(ctx context.Context, key, packageID string, store *metastore.Store) (*config.ResolvedModel, error) {
	if m, ok := c.Peek(key); ok {
		c.lookups.WithLabelValues("hit").Inc()
		return m, nil
	}
	c.lookups.WithLabelValues("miss").Inc()
	m, err := Load(ctx, store, packageID)
	if err != nil {
		return nil, err
	}
	c.Put(m, key)
	logger.FromContext(ctx).Debugf("loaded model %s with %d entities", key, len(m.Entities))
	return m, nil
}

// Put publishes a model under all keys on this replica
func (c *Cache) Put(m *config.ResolvedModel, keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		c.models[key] = m
	}
}

// Replace publishes a model under keys and tells other replicas to drop them
func (c *Cache) Replace(ctx context.Context, m *config.ResolvedModel, keys ...string) {
	c.Put(m, keys...)
	c.publish(ctx, keys)
}

// Invalidate drops keys on this replica and on all others
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	c.Drop(ctx, keys)
	c.publish(ctx, keys)
}

// Drop drops keys on this replica only
func (c *Cache) Drop(ctx context.Context, keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.models, key)
	}
	logger.FromContext(ctx).Debugf("dropped models %v", keys)
}

// Keys returns all cached keys in sorted order
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.models))
	for key := range c.models {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (c *Cache) publish(ctx context.Context, keys []string) {
	c.mu.RLock()
	b := c.broadcaster
	c.mu.RUnlock()
	if b == nil {
		return
	}
	if err := b.PublishInvalidation(ctx, keys); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 5301: cannot publish invalidation")
	}
}

// Listen connects the cache to other replicas: local invalidations are published with b and
// invalidations of other replicas drop local entries, until ctx is done.
func (c *Cache) Listen(ctx context.Context, b Broadcaster) error {
	if err := b.SubscribeInvalidations(ctx, c.Drop); err != nil {
		return err
	}
	c.mu.Lock()
	c.broadcaster = b
	c.mu.Unlock()
	return nil
}

// Load loads the stored configuration of a package and resolves it. The default package falls back
// to the most recently installed package when it has no configuration of its own, and to an empty
// model when nothing is installed.
func Load(ctx context.Context, store *metastore.Store, packageID string) (*config.ResolvedModel, error) {
	source := packageID
	if packageID == config.DefaultPackageID {
		has, err := store.HasConfig(ctx, packageID)
		if err != nil {
			return nil, &LoadError{PackageID: packageID, Err: err}
		}
		if !has {
			latest, err := store.LatestPackage(ctx)
			if err != nil {
				return nil, &LoadError{PackageID: packageID, Err: err}
			}
			if latest == nil {
				return config.EmptyModel(), nil
			}
			source = latest.ID
		}
	}
	c, err := store.LoadFullConfig(ctx, source)
	if err != nil {
		return nil, &LoadError{PackageID: source, Err: err}
	}
	m, err := config.Resolve(c)
	if err != nil {
		return nil, &LoadError{PackageID: source, Err: err}
	}
	return m, nil
}
