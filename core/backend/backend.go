// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relabs-tech/architect/core/backend/kss"
	"github.com/relabs-tech/architect/core/config"
	"github.com/relabs-tech/architect/core/crud"
	"github.com/relabs-tech/architect/core/csql"
	"github.com/relabs-tech/architect/core/installer"
	"github.com/relabs-tech/architect/core/logger"
	"github.com/relabs-tech/architect/core/metastore"
	"github.com/relabs-tech/architect/core/modelcache"
	"github.com/relabs-tech/architect/core/notify"
	"github.com/relabs-tech/architect/core/tenant"
)

// DefaultTenantHeader is the request header carrying the tenant id
const DefaultTenantHeader = "X-Tenant-ID"

// DefaultName is the service name reported by /info and /version
const DefaultName = "architect"

// Backend is the configuration driven rest backend
type Backend struct {
	name         string
	tenantHeader string
	db           *csql.DB
	router       *mux.Router
	resolver     *tenant.Resolver
	cache        *modelcache.Cache
	installer    *installer.Installer
	notifier     notify.Notifier
	archives     kss.Driver
	registry     *prometheus.Registry
	metrics      *metrics
}

// Builder is a builder helper for the Backend
type Builder struct {
	// DB is the central database. Its schema holds the metastore. This is mandatory.
	DB *csql.DB
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// TenantHeader is the request header carrying the tenant id. Defaults to X-Tenant-ID.
	TenantHeader string
	// MaxTenantConns limits the pool of every tenant database. This is optional.
	MaxTenantConns int
	// Notifier receives configuration change events. This is optional.
	Notifier notify.Notifier
	// Broadcaster shares model cache invalidations with other replicas. This is optional.
	Broadcaster modelcache.Broadcaster
	// KssConfiguration configures the store for installed package archives. This is optional.
	KssConfiguration kss.Configuration
	// Name is reported by /info and /version. Defaults to architect.
	Name string
}

// New realizes the actual backend. It creates the metastore relations (if they do not exist),
// loads the tenant registry and adds all routes to the router.
func New(ctx context.Context, bb *Builder) *Backend {
	if bb.DB == nil {
		panic("DB is missing")
	}
	if bb.Router == nil {
		panic("Router is missing")
	}
	rlog := logger.FromContext(ctx)

	store := metastore.New(bb.DB)
	if err := store.Bootstrap(ctx); err != nil {
		panic(fmt.Errorf("cannot bootstrap metastore: %w", err))
	}
	registry, err := tenant.LoadRegistry(ctx, store)
	if err != nil {
		panic(fmt.Errorf("cannot load tenant registry: %w", err))
	}
	archives, err := kss.New(ctx, bb.KssConfiguration)
	if err != nil {
		panic(fmt.Errorf("cannot create archive store: %w", err))
	}

	b := &Backend{
		name:         bb.Name,
		tenantHeader: bb.TenantHeader,
		db:           bb.DB,
		router:       bb.Router,
		resolver:     tenant.NewResolver(bb.DB, registry, bb.MaxTenantConns),
		cache:        modelcache.New(),
		notifier:     bb.Notifier,
		archives:     archives,
		registry:     prometheus.NewRegistry(),
	}
	if b.name == "" {
		b.name = DefaultName
	}
	if b.tenantHeader == "" {
		b.tenantHeader = DefaultTenantHeader
	}
	if b.notifier == nil {
		b.notifier = notify.Nop{}
	}
	if bb.Broadcaster != nil {
		if err := b.cache.Listen(ctx, bb.Broadcaster); err != nil {
			panic(fmt.Errorf("cannot subscribe to model invalidations: %w", err))
		}
	}
	b.installer = installer.New(b.cache, b.notifier)
	b.metrics = newMetrics(b)

	logger.AddRequestID(b.router)
	b.handleCORS()
	b.handleCompression()
	b.handleMetrics(b.router)
	b.handleCommon(b.router)
	b.handleConfig(b.router)
	b.handleTenants(b.router)
	b.handleStatistics(b.router)
	b.handleKV(b.router)
	b.handleEntities(b.router)

	rlog.Infof("backend ready with %d tenants", registry.Len())
	return b
}

// Router returns the router with all routes
func (b *Backend) Router() *mux.Router {
	return b.router
}

// Resolver returns the tenant resolver
func (b *Backend) Resolver() *tenant.Resolver {
	return b.resolver
}

// Cache returns the model cache
func (b *Backend) Cache() *modelcache.Cache {
	return b.cache
}

// Installer returns the package installer
func (b *Backend) Installer() *installer.Installer {
	return b.installer
}

// Close closes all tenant pools. The central database stays open.
func (b *Backend) Close() {
	b.resolver.Close()
}

// centralContext is the execution context for installs when no tenant is registered
func (b *Backend) centralContext() *tenant.Context {
	return &tenant.Context{
		Tenant:   tenant.Tenant{Strategy: tenant.StrategyRLS},
		Target:   crud.NewPoolTarget(b.db.DB),
		ConfigDB: b.db,
		DataDB:   b.db.DB,
	}
}

// InstallDir installs the package stored in dir for every registered tenant, or into the central
// database when no tenant is registered.
func (b *Backend) InstallDir(ctx context.Context, dir string) ([]*installer.Result, error) {
	bundle, err := installer.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	tenants := b.resolver.Registry().List()
	if len(tenants) == 0 {
		result, err := b.install(ctx, b.centralContext(), bundle)
		if err != nil {
			return nil, err
		}
		return []*installer.Result{result}, nil
	}

	results := make([]*installer.Result, 0, len(tenants))
	for _, t := range tenants {
		tctx, err := b.resolver.Resolve(ctx, t.ID)
		if err != nil {
			return results, err
		}
		tenantCtx, _ := logger.ContextWithLoggerTenant(ctx, t.ID)
		result, err := b.install(tenantCtx, tctx, bundle)
		if releaseErr := tctx.Release(err); err == nil {
			err = releaseErr
		}
		if err != nil {
			return results, fmt.Errorf("cannot install %s for tenant %s: %w", bundle.Manifest.ID, t.ID, err)
		}
		results = append(results, result)
	}
	return results, nil
}

func (b *Backend) install(ctx context.Context, tctx *tenant.Context, bundle *installer.Bundle) (*installer.Result, error) {
	result, err := b.installer.Install(ctx, tctx, bundle)
	if err != nil {
		b.metrics.installs.WithLabelValues("failed").Inc()
		return nil, err
	}
	b.metrics.installs.WithLabelValues("ok").Inc()
	return result, nil
}

// tenantHandler serves a request within a tenant. It returns the status and body to write, a nil
// body writes the status only.
type tenantHandler func(r *http.Request, tctx *tenant.Context) (int, interface{}, error)

// withTenant resolves the tenant of the request, runs h and releases the tenant context before
// the response is written, so a failing commit is still reported to the client.
func (b *Backend) withTenant(h tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get(b.tenantHeader)
		if tenantID == "" {
			writeError(w, r, BadRequest("missing %s header", b.tenantHeader))
			return
		}
		ctx, rlog := logger.ContextWithLoggerTenant(r.Context(), tenantID)
		r = r.WithContext(ctx)
		rlog.Debugln("called route for", r.URL, r.Method)

		tctx, err := b.resolver.Resolve(ctx, tenantID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		status, body, err := h(r, tctx)
		if releaseErr := tctx.Release(err); err == nil {
			err = releaseErr
		}
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, status, body)
	}
}

// model returns the resolved model of a package for the tenant
func (b *Backend) model(ctx context.Context, tctx *tenant.Context, packageID string) (*config.ResolvedModel, error) {
	return b.cache.Get(ctx, tctx.CacheKey(packageID), packageID, tctx.Store())
}

// packageID returns the package addressed by the request
func packageID(r *http.Request) string {
	if id, ok := mux.Vars(r)["package_id"]; ok {
		return id
	}
	return config.DefaultPackageID
}
