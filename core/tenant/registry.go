// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package tenant

import (
	"context"
	"fmt"

	"github.com/relabs-tech/architect/core/logger"
	"github.com/relabs-tech/architect/core/metastore"
)

// Strategy is the isolation strategy of a tenant
type Strategy string

// isolation strategies
const (
	// StrategyDatabase gives the tenant its own database
	StrategyDatabase Strategy = "database"
	// StrategyRLS isolates the tenant by row-level security in a shared database
	StrategyRLS Strategy = "rls"
)

// Tenant is a valid entry of the tenant registry
type Tenant struct {
	ID          string   `json:"id"`
	Strategy    Strategy `json:"strategy"`
	DatabaseURL string   `json:"-"`
	Comment     string   `json:"comment,omitempty"`
}

// Validate checks the invariants of the tenant's strategy
func (t Tenant) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("tenant id is empty")
	}
	switch t.Strategy {
	case StrategyDatabase:
		if t.DatabaseURL == "" {
			return fmt.Errorf("tenant %s uses strategy database without a database url", t.ID)
		}
	case StrategyRLS:
	default:
		return fmt.Errorf("tenant %s has unknown strategy '%s'", t.ID, t.Strategy)
	}
	return nil
}

// Registry is an immutable set of tenants. Reloads build a new registry.
type Registry struct {
	tenants map[string]Tenant
	ordered []Tenant
}

// NewRegistry builds a registry from registry rows. Invalid rows are logged and skipped.
func NewRegistry(ctx context.Context, rows []metastore.TenantRow) *Registry {
	rlog := logger.FromContext(ctx)
	r := &Registry{tenants: map[string]Tenant{}, ordered: []Tenant{}}
	for _, row := range rows {
		t := Tenant{
			ID:          row.ID,
			Strategy:    Strategy(row.Strategy),
			DatabaseURL: row.DatabaseURL,
			Comment:     row.Comment,
		}
		if err := t.Validate(); err != nil {
			rlog.WithError(err).Errorln("Error 5101: skipping tenant registry row")
			continue
		}
		r.tenants[t.ID] = t
		r.ordered = append(r.ordered, t)
	}
	return r
}

// LoadRegistry loads the registry from _sys_tenants
func LoadRegistry(ctx context.Context, store *metastore.Store) (*Registry, error) {
	rows, err := store.Tenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot load tenant registry: %w", err)
	}
	return NewRegistry(ctx, rows), nil
}

// Get returns the tenant with the given id
func (r *Registry) Get(id string) (Tenant, bool) {
	t, ok := r.tenants[id]
	return t, ok
}

// List returns all tenants ordered by id
func (r *Registry) List() []Tenant {
	return r.ordered
}

// Len returns the number of tenants
func (r *Registry) Len() int {
	return len(r.ordered)
}
