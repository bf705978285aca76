// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package installer

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/joeshaw/envdecode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/architect/core/config"
	"github.com/relabs-tech/architect/core/crud"
	"github.com/relabs-tech/architect/core/csql"
	"github.com/relabs-tech/architect/core/metastore"
	"github.com/relabs-tech/architect/core/modelcache"
	"github.com/relabs-tech/architect/core/notify"
	"github.com/relabs-tech/architect/core/tenant"
)

// TestService holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type TestService struct {
	Postgres string `env:"POSTGRES" description:"the connection string for the Postgres DB"`
}

var testService TestService

func TestMain(m *testing.M) {
	if err := envdecode.Decode(&testService); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		panic(err)
	}
	code := m.Run()
	os.Exit(code)
}

const ordersManifest = `{"id":"orders_pkg","name":"Orders","version":"1.0.0","schema":"_installer_unit_test_data_"}`

var ordersFiles = map[string]string{
	"tables.json": `[{"id":"orders","name":"orders","primary_key":"id"}]`,
	"columns/columns.json": `[
		{"id":"orders.id","table_id":"orders","name":"id","type":"uuid","nullable":false,"default":{"expression":"gen_random_uuid()"}},
		{"id":"orders.total","table_id":"orders","name":"total","type":"numeric","nullable":false}
	]`,
	"api_entities.json": `[{"entity_id":"orders","path_segment":"orders",
		"operations":["read","create","update","delete","bulk_create","bulk_update"]}]`,
}

func zipped(t *testing.T, prefix string, manifest string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	all := map[string]string{"manifest.json": manifest}
	for name, content := range files {
		all[name] = content
	}
	for name, content := range all {
		f, err := w.Create(prefix + name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestOrder(t *testing.T) {
	assert.Equal(t, []config.Kind{
		config.KindSchemas,
		config.KindEnums,
		config.KindTables,
		config.KindColumns,
		config.KindIndexes,
		config.KindRelationships,
		config.KindAPIEntities,
		config.KindKVStores,
	}, Order())

	position := map[config.Kind]int{}
	for i, kind := range Order() {
		position[kind] = i
	}
	for kind, deps := range dependencies {
		for _, dep := range deps {
			assert.Less(t, position[dep], position[kind], "%s before %s", dep, kind)
		}
	}
}

func TestParseManifest(t *testing.T) {
	m, raw, err := ParseManifest([]byte(ordersManifest))
	require.NoError(t, err)
	assert.Equal(t, Manifest{ID: "orders_pkg", Name: "Orders", Version: "1.0.0", Schema: "_installer_unit_test_data_"}, m)
	assert.JSONEq(t, ordersManifest, string(raw))

	for _, broken := range []string{
		`[]`,
		`{"id":"x","name":"x","version":"1"}`,
		`{"id":"x","name":"x","version":1,"schema":"s"}`,
		`not json`,
	} {
		_, _, err := ParseManifest([]byte(broken))
		var bundleErr *BundleError
		assert.ErrorAs(t, err, &bundleErr, broken)
	}
}

func TestReadArchive(t *testing.T) {
	for _, prefix := range []string{"", "orders/"} {
		bundle, err := ReadArchive(zipped(t, prefix, ordersManifest, ordersFiles))
		require.NoError(t, err, prefix)
		assert.Equal(t, "orders_pkg", bundle.Manifest.ID)
		assert.Len(t, bundle.Records[config.KindTables], 1)
		assert.Len(t, bundle.Records[config.KindColumns], 2)
		_, ok := bundle.Records[config.KindEnums]
		assert.False(t, ok)
	}

	_, err := ReadArchive([]byte("not a zip"))
	var bundleErr *BundleError
	assert.ErrorAs(t, err, &bundleErr)

	_, err = ReadArchive(zipped(t, "", ordersManifest, map[string]string{"tables.json": `{"id":"orders"}`}))
	assert.ErrorAs(t, err, &bundleErr)
}

func TestReadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(ordersManifest), 0o644))
	for name, content := range ordersFiles {
		require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	bundle, err := ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, bundle.Records[config.KindAPIEntities], 1)

	_, err = ReadDir(t.TempDir())
	var bundleErr *BundleError
	assert.ErrorAs(t, err, &bundleErr)
}

func TestRecordsStampSchemaIDs(t *testing.T) {
	bundle := &Bundle{
		Manifest: Manifest{ID: "p", Schema: "shop"},
		Records: map[config.Kind][]json.RawMessage{
			config.KindTables:        {json.RawMessage(`{"id":"a","name":"a","primary_key":"id"}`), json.RawMessage(`{"id":"b","schema_id":"other","name":"b","primary_key":"id"}`)},
			config.KindRelationships: {json.RawMessage(`{"id":"r","from_table_id":"a","from_column_id":"a.x","to_table_id":"b","to_column_id":"b.id"}`)},
			config.KindColumns:       {json.RawMessage(`{"id":"a.id","table_id":"a","name":"id","type":"uuid"}`)},
		},
	}
	records, err := bundle.records()
	require.NoError(t, err)

	assert.JSONEq(t, `{"id":"default","name":"shop"}`, string(records[config.KindSchemas][0]))
	assert.JSONEq(t, `{"id":"a","schema_id":"default","name":"a","primary_key":"id"}`, string(records[config.KindTables][0]))
	assert.JSONEq(t, `{"id":"b","schema_id":"other","name":"b","primary_key":"id"}`, string(records[config.KindTables][1]))
	assert.JSONEq(t, `{"id":"r","from_schema_id":"default","to_schema_id":"default","from_table_id":"a",
		"from_column_id":"a.x","to_table_id":"b","to_column_id":"b.id"}`, string(records[config.KindRelationships][0]))
	assert.JSONEq(t, `{"id":"a.id","table_id":"a","name":"id","type":"uuid"}`, string(records[config.KindColumns][0]))
	assert.Equal(t, []json.RawMessage{}, records[config.KindEnums])
	_, ok := records[config.KindKVStores]
	assert.False(t, ok)
}

func requireTenantContext(t *testing.T) (context.Context, *tenant.Context) {
	t.Helper()
	if testService.Postgres == "" {
		t.Skip("POSTGRES not set")
	}
	ctx := context.Background()
	db, err := csql.Open(ctx, testService.Postgres, "_installer_unit_test_")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.ClearSchema()
	require.NoError(t, csql.DropSchema(ctx, db.DB, "_installer_unit_test_data_"))
	require.NoError(t, metastore.New(db).Bootstrap(ctx))
	return ctx, &tenant.Context{
		Tenant:   tenant.Tenant{ID: "t1", Strategy: tenant.StrategyRLS},
		Target:   crud.NewPoolTarget(db.DB),
		ConfigDB: db,
		DataDB:   db.DB,
	}
}

func TestInstall(t *testing.T) {
	ctx, tctx := requireTenantContext(t)
	cache := modelcache.New()
	recorder := &notify.Recorder{}
	in := New(cache, recorder)

	bundle, err := ReadArchive(zipped(t, "", ordersManifest, ordersFiles))
	require.NoError(t, err)
	result, err := in.Install(ctx, tctx, bundle)
	require.NoError(t, err)
	assert.Equal(t, []config.Kind{"schemas", "enums", "tables", "columns", "indexes", "relationships", "api_entities"}, result.Applied)
	assert.Equal(t, int64(1), result.Version)

	for _, key := range []string{"orders_pkg", "_default"} {
		m, ok := cache.Peek(key)
		require.True(t, ok, key)
		_, ok = m.EntityByPath("orders")
		assert.True(t, ok, key)
	}

	var exists bool
	require.NoError(t, tctx.DataDB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = $1 AND table_name = 'orders');`,
		"_installer_unit_test_data_").Scan(&exists))
	assert.True(t, exists)

	installed := 0
	for _, event := range recorder.Events {
		assert.Equal(t, "t1", event.TenantID)
		if event.Type == notify.EventPackageInstalled {
			installed++
		}
	}
	assert.Equal(t, 1, installed)
	assert.Greater(t, len(recorder.Events), 1)

	// identical reinstall keeps the version and replaces nothing
	recorder.Events = nil
	result, err = in.Install(ctx, tctx, bundle)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Version)
	require.Len(t, recorder.Events, 1)
	assert.Equal(t, notify.EventPackageInstalled, recorder.Events[0].Type)

	bumped, err := ReadArchive(zipped(t, "", `{"id":"orders_pkg","name":"Orders","version":"1.0.1","schema":"_installer_unit_test_data_"}`, ordersFiles))
	require.NoError(t, err)
	result, err = in.Install(ctx, tctx, bumped)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Version)

	packages, err := tctx.Store().Packages(ctx)
	require.NoError(t, err)
	require.Len(t, packages, 1)
	assert.Equal(t, "1.0.1", packages[0].SemanticVersion)
}

func TestInstallRejectsDanglingReference(t *testing.T) {
	ctx, tctx := requireTenantContext(t)
	files := map[string]string{
		"api_entities.json": `[{"entity_id":"ghost","path_segment":"ghosts","operations":["read"]}]`,
	}
	bundle, err := ReadArchive(zipped(t, "", `{"id":"broken","name":"Broken","version":"1","schema":"_installer_unit_test_data_"}`, files))
	require.NoError(t, err)

	_, err = New(modelcache.New(), nil).Install(ctx, tctx, bundle)
	var configErr *config.ConfigError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, config.ErrMissingReference, configErr.Kind)

	p, err := tctx.Store().GetPackage(ctx, "broken")
	require.NoError(t, err)
	assert.Nil(t, p)
	has, err := tctx.Store().HasConfig(ctx, "broken")
	require.NoError(t, err)
	assert.False(t, has)
}
