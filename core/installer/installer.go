// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package installer installs configuration packages.

A package is a manifest plus one record list per configuration kind. Installing writes all record
lists under the package id in one metastore transaction, in dependency order, records the manifest,
migrates the tenant's database once and publishes the resolved model.

The metastore transaction commits before the migration runs. A migration failure after the commit
leaves the new configuration stored and is reported to the caller; a repeated install with the same
records is a no-op for the metastore and retries the migration.
*/
package installer

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/architect/core/config"
	"github.com/relabs-tech/architect/core/logger"
	"github.com/relabs-tech/architect/core/metastore"
	"github.com/relabs-tech/architect/core/migration"
	"github.com/relabs-tech/architect/core/modelcache"
	"github.com/relabs-tech/architect/core/notify"
	"github.com/relabs-tech/architect/core/schema"
	"github.com/relabs-tech/architect/core/tenant"
)

// DefaultSchemaID is the id of the schema synthesized from the manifest
const DefaultSchemaID = "default"

// dependencies lists the kinds that must be written before each kind
var dependencies = map[config.Kind][]config.Kind{
	config.KindSchemas:       {},
	config.KindEnums:         {config.KindSchemas},
	config.KindTables:        {config.KindSchemas},
	config.KindColumns:       {config.KindTables},
	config.KindIndexes:       {config.KindSchemas, config.KindTables},
	config.KindRelationships: {config.KindSchemas, config.KindTables, config.KindColumns},
	config.KindAPIEntities:   {config.KindTables},
	config.KindKVStores:      {config.KindSchemas},
}

// Order returns the kinds in the order they are written: every kind after its dependencies,
// ties broken by storage order.
func Order() []config.Kind {
	order := make([]config.Kind, 0, len(config.Kinds))
	done := map[config.Kind]bool{}
	for len(order) < len(config.Kinds) {
		progress := false
		for _, kind := range config.Kinds {
			if done[kind] {
				continue
			}
			ready := true
			for _, dep := range dependencies[kind] {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				order = append(order, kind)
				done[kind] = true
				progress = true
			}
		}
		if !progress {
			panic("cyclic configuration kind dependencies")
		}
	}
	return order
}

// BundleError is returned for malformed packages: a bad archive, manifest or record list
type BundleError struct {
	Message string
}

func (e *BundleError) Error() string {
	return e.Message
}

func bundleError(format string, args ...interface{}) error {
	return &BundleError{Message: fmt.Sprintf(format, args...)}
}

// Manifest is the package description
type Manifest struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
	// Schema is the name of the database schema all records of the package live in
	Schema string `json:"schema"`
}

// Bundle is a parsed package
type Bundle struct {
	Manifest Manifest
	// RawManifest is the manifest as uploaded, it is stored verbatim
	RawManifest json.RawMessage
	// Records holds the record lists found in the package. Kinds without a file are absent.
	Records map[config.Kind][]json.RawMessage
}

// ParseManifest decodes and checks a manifest
func ParseManifest(data []byte) (Manifest, json.RawMessage, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return Manifest{}, nil, bundleError("invalid manifest.json: %s", err)
	}
	if fields == nil {
		return Manifest{}, nil, bundleError("manifest.json must be an object")
	}
	var m Manifest
	for _, field := range []struct {
		name   string
		target *string
	}{
		{"id", &m.ID},
		{"name", &m.Name},
		{"version", &m.Version},
		{"schema", &m.Schema},
	} {
		s, ok := fields[field.name].(string)
		if !ok || s == "" {
			return Manifest{}, nil, bundleError("manifest must have '%s' (string)", field.name)
		}
		*field.target = s
	}
	return m, json.RawMessage(append([]byte(nil), data...)), nil
}

// Result is the outcome of an install
type Result struct {
	Package json.RawMessage `json:"package"`
	// Applied lists the written kinds in write order
	Applied []config.Kind `json:"applied"`
	// Version is the stored package version
	Version int64 `json:"version"`
}

// Installer installs packages into the metastore of a tenant
type Installer struct {
	cache    *modelcache.Cache
	notifier notify.Notifier
}

// New returns an installer publishing models to cache and change events to notifier
func New(cache *modelcache.Cache, notifier notify.Notifier) *Installer {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Installer{cache: cache, notifier: notifier}
}

// records returns the record lists to write, with the synthesized schema and default schema ids
func (b *Bundle) records() (map[config.Kind][]json.RawMessage, error) {
	out := map[config.Kind][]json.RawMessage{}
	schemaRecord, _ := json.Marshal(config.Schema{ID: DefaultSchemaID, Name: b.Manifest.Schema})
	out[config.KindSchemas] = []json.RawMessage{schemaRecord}

	for _, kind := range config.Kinds {
		if kind == config.KindSchemas {
			continue
		}
		raw, ok := b.Records[kind]
		if !ok {
			if kind == config.KindKVStores {
				continue
			}
			raw = []json.RawMessage{}
		}
		var stamp []string
		switch kind {
		case config.KindEnums, config.KindTables, config.KindIndexes:
			stamp = []string{"schema_id"}
		case config.KindRelationships:
			stamp = []string{"from_schema_id", "to_schema_id"}
		}
		stamped := make([]json.RawMessage, 0, len(raw))
		for i, record := range raw {
			if len(stamp) == 0 {
				stamped = append(stamped, record)
				continue
			}
			var fields map[string]interface{}
			if err := json.Unmarshal(record, &fields); err != nil || fields == nil {
				return nil, bundleError("%s[%d]: config records must be JSON objects", kind, i)
			}
			for _, key := range stamp {
				if _, ok := fields[key]; !ok {
					fields[key] = DefaultSchemaID
				}
			}
			encoded, err := json.Marshal(fields)
			if err != nil {
				return nil, err
			}
			stamped = append(stamped, encoded)
		}
		out[kind] = stamped
	}
	return out, nil
}

// Install installs the bundle into the tenant's metastore and database.
//
// The records are checked structurally and referentially before anything is written. Invalid
// records fail with a *BundleError or a *config.ConfigError and leave the metastore untouched.
func (in *Installer) Install(ctx context.Context, tctx *tenant.Context, bundle *Bundle) (*Result, error) {
	rlog := logger.FromContext(ctx)
	packageID := bundle.Manifest.ID

	records, err := bundle.records()
	if err != nil {
		return nil, err
	}
	order := make([]config.Kind, 0, len(records))
	for _, kind := range Order() {
		if _, ok := records[kind]; ok {
			order = append(order, kind)
		}
	}

	candidate := &config.FullConfig{}
	for _, kind := range order {
		document, err := json.Marshal(records[kind])
		if err != nil {
			return nil, err
		}
		if err := schema.ValidateRecords(string(kind), document); err != nil {
			return nil, bundleError("invalid %s: %s", kind, err)
		}
		if err := candidate.Decode(kind, records[kind]); err != nil {
			return nil, bundleError("invalid %s: %s", kind, err)
		}
	}
	if _, err := config.Resolve(candidate); err != nil {
		return nil, err
	}

	store := tctx.Store()
	var results []metastore.ReplaceResult
	err = store.InTx(ctx, func(tx *sql.Tx) error {
		results = results[:0]
		for _, kind := range order {
			result, err := store.ReplaceTx(ctx, tx, kind, packageID, records[kind])
			if err != nil {
				return fmt.Errorf("cannot replace %s: %w", kind, err)
			}
			results = append(results, result)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	version, err := store.UpsertPackage(ctx, packageID, bundle.RawManifest)
	if err != nil {
		return nil, err
	}

	full, err := store.LoadFullConfig(ctx, packageID)
	if err != nil {
		return nil, err
	}
	if err := migration.Apply(ctx, tctx.DataDB, full); err != nil {
		rlog.WithError(err).Errorf("Error 5401: package %s stored but not migrated", packageID)
		return nil, err
	}
	model, err := config.Resolve(full)
	if err != nil {
		return nil, err
	}
	in.cache.Replace(ctx, model, tctx.CacheKey(packageID), tctx.CacheKey(config.DefaultPackageID))

	for _, result := range results {
		if !result.Changed {
			continue
		}
		in.notify(ctx, notify.Event{
			Type:      notify.EventConfigReplaced,
			PackageID: packageID,
			TenantID:  tctx.Tenant.ID,
			Kind:      string(result.Kind),
			Version:   result.Version,
		})
	}
	in.notify(ctx, notify.Event{
		Type:      notify.EventPackageInstalled,
		PackageID: packageID,
		TenantID:  tctx.Tenant.ID,
		Version:   version,
	})

	rlog.Infof("installed package %s version %s (%d) for tenant %s", packageID, bundle.Manifest.Version, version, tctx.Tenant.ID)
	return &Result{Package: bundle.RawManifest, Applied: order, Version: version}, nil
}

func (in *Installer) notify(ctx context.Context, event notify.Event) {
	if err := in.notifier.Notify(ctx, event); err != nil {
		logger.FromContext(ctx).WithError(err).Errorf("Error 5402: cannot publish %s event", event.Type)
	}
}
