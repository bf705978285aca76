// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package metastore

import (
	"context"
	"os"
	"testing"

	"github.com/goccy/go-json"
	"github.com/joeshaw/envdecode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/architect/core/config"
	"github.com/relabs-tech/architect/core/csql"
)

// TestService holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type TestService struct {
	Postgres string `env:"POSTGRES" description:"the connection string for the Postgres DB"`
	store    *Store
}

var testService TestService

func TestMain(m *testing.M) {
	if err := envdecode.Decode(&testService); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		panic(err)
	}
	if testService.Postgres != "" {
		db := csql.OpenWithSchema(testService.Postgres, "_metastore_unit_test_")
		defer db.Close()
		db.ClearSchema()
		testService.store = New(db)
		if err := testService.store.Bootstrap(context.Background()); err != nil {
			panic(err)
		}
	}
	code := m.Run()
	os.Exit(code)
}

func requireStore(t *testing.T) *Store {
	t.Helper()
	if testService.store == nil {
		t.Skip("POSTGRES not set")
	}
	return testService.store
}

func raw(records ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(records))
	for i, r := range records {
		out[i] = json.RawMessage(r)
	}
	return out
}

func TestRecordID(t *testing.T) {
	id, err := RecordID(config.KindTables, json.RawMessage(`{"id":"orders"}`))
	require.NoError(t, err)
	assert.Equal(t, "orders", id)

	id, err = RecordID(config.KindAPIEntities, json.RawMessage(`{"entity_id":"orders","path_segment":"orders"}`))
	require.NoError(t, err)
	assert.Equal(t, "orders", id)

	_, err = RecordID(config.KindTables, json.RawMessage(`{"entity_id":"orders"}`))
	assert.Error(t, err)
	_, err = RecordID(config.KindTables, json.RawMessage(`[1]`))
	assert.Error(t, err)
}

func TestPayloadsEqual(t *testing.T) {
	current := map[string]json.RawMessage{"a": json.RawMessage(`{"id": "a", "name": "x", "n": 1}`)}

	equal, err := payloadsEqual(current, map[string]json.RawMessage{"a": json.RawMessage(`{"n":1,"name":"x","id":"a"}`)})
	require.NoError(t, err)
	assert.True(t, equal)

	equal, err = payloadsEqual(current, map[string]json.RawMessage{"a": json.RawMessage(`{"n":2,"name":"x","id":"a"}`)})
	require.NoError(t, err)
	assert.False(t, equal)

	equal, err = payloadsEqual(current, map[string]json.RawMessage{"b": json.RawMessage(`{"id":"b"}`)})
	require.NoError(t, err)
	assert.False(t, equal)

	equal, err = payloadsEqual(current, map[string]json.RawMessage{})
	require.NoError(t, err)
	assert.False(t, equal)
}

func TestReplaceVersionLaw(t *testing.T) {
	store := requireStore(t)
	ctx := context.Background()
	pkg := "version_law"

	first := raw(`{"id":"a","name":"alpha"}`, `{"id":"b","name":"beta"}`)
	result, err := store.Replace(ctx, config.KindSchemas, pkg, first)
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, int64(1), result.Version)
	assert.Equal(t, 2, result.Count)

	// identical records, different key order, do not bump the version
	result, err = store.Replace(ctx, config.KindSchemas, pkg, raw(`{"name":"beta","id":"b"}`, `{"name":"alpha","id":"a"}`))
	require.NoError(t, err)
	assert.False(t, result.Changed)
	assert.Equal(t, int64(1), result.Version)
	history, err := store.HistoryCount(ctx, config.KindSchemas, pkg)
	require.NoError(t, err)
	assert.Equal(t, 0, history)

	// a change bumps by one and moves every live row into history
	result, err = store.Replace(ctx, config.KindSchemas, pkg, raw(`{"id":"a","name":"alpha2"}`))
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, int64(2), result.Version)
	history, err = store.HistoryCount(ctx, config.KindSchemas, pkg)
	require.NoError(t, err)
	assert.Equal(t, 2, history)

	version, err := store.Version(ctx, config.KindSchemas, pkg)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	records, err := store.Records(ctx, config.KindSchemas, pkg)
	require.NoError(t, err)
	require.Len(t, records, 1)

	// other packages are untouched
	version, err = store.Version(ctx, config.KindSchemas, "other")
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)
}

func TestReplaceVersionAfterEmpty(t *testing.T) {
	store := requireStore(t)
	ctx := context.Background()
	pkg := "version_after_empty"

	steps := []struct {
		records []json.RawMessage
		version int64
		live    int
		history int
	}{
		{raw(`{"id":"a","name":"alpha"}`), 1, 1, 0},
		{raw(), 2, 0, 1},
		{raw(`{"id":"a","name":"alpha"}`), 3, 1, 1},
		{raw(`{"id":"a","name":"alpha2"}`), 4, 1, 2},
		{raw(), 5, 0, 3},
		// empty onto empty is no change
		{raw(), 5, 0, 3},
	}
	for i, step := range steps {
		result, err := store.Replace(ctx, config.KindTables, pkg, step.records)
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, step.version, result.Version, "step %d", i)

		version, err := store.Version(ctx, config.KindTables, pkg)
		require.NoError(t, err)
		assert.Equal(t, step.version, version, "step %d", i)

		records, err := store.Records(ctx, config.KindTables, pkg)
		require.NoError(t, err)
		assert.Len(t, records, step.live, "step %d", i)

		history, err := store.HistoryCount(ctx, config.KindTables, pkg)
		require.NoError(t, err)
		assert.Equal(t, step.history, history, "step %d", i)
	}
}

func TestReplaceRejectsDuplicateIDs(t *testing.T) {
	store := requireStore(t)
	_, err := store.Replace(context.Background(), config.KindTables, "dup", raw(`{"id":"a"}`, `{"id":"a"}`))
	assert.Error(t, err)
	records, err := store.Records(context.Background(), config.KindTables, "dup")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestLoadFullConfig(t *testing.T) {
	store := requireStore(t)
	ctx := context.Background()
	pkg := "full"
	_, err := store.Replace(ctx, config.KindSchemas, pkg, raw(`{"id":"default","name":"full"}`))
	require.NoError(t, err)
	_, err = store.Replace(ctx, config.KindTables, pkg, raw(`{"id":"t","name":"t","primary_key":"id"}`))
	require.NoError(t, err)
	_, err = store.Replace(ctx, config.KindColumns, pkg, raw(`{"id":"t.id","table_id":"t","name":"id","type":"uuid"}`))
	require.NoError(t, err)
	_, err = store.Replace(ctx, config.KindAPIEntities, pkg, raw(`{"entity_id":"t","path_segment":"things","operations":["read"]}`))
	require.NoError(t, err)

	c, err := store.LoadFullConfig(ctx, pkg)
	require.NoError(t, err)
	model, err := config.Resolve(c)
	require.NoError(t, err)
	_, ok := model.EntityByPath("things")
	assert.True(t, ok)

	has, err := store.HasConfig(ctx, pkg)
	require.NoError(t, err)
	assert.True(t, has)
	has, err = store.HasConfig(ctx, "nothing_here")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestUpsertPackage(t *testing.T) {
	store := requireStore(t)
	ctx := context.Background()

	v1 := json.RawMessage(`{"id":"shop","name":"Shop","version":"1.0.0","schema":"shop"}`)
	version, err := store.UpsertPackage(ctx, "shop", v1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	version, err = store.UpsertPackage(ctx, "shop", v1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	v2 := json.RawMessage(`{"id":"shop","name":"Shop","version":"1.0.1","schema":"shop"}`)
	version, err = store.UpsertPackage(ctx, "shop", v2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	p, err := store.GetPackage(ctx, "shop")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "1.0.1", p.SemanticVersion)
	assert.Equal(t, int64(2), p.Version)

	latest, err := store.LatestPackage(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "shop", latest.ID)

	history, err := store.PackageHistory(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0"}, history)

	missing, err := store.GetPackage(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPackageHistoryOnlyOnSemverChange(t *testing.T) {
	store := requireStore(t)
	ctx := context.Background()
	manifest := func(semver string) json.RawMessage {
		return json.RawMessage(`{"id":"books","name":"Books","version":"` + semver + `","schema":"books"}`)
	}

	installs := []struct {
		semver  string
		version int64
		history []string
	}{
		{"1.0.0", 1, []string{}},
		{"1.0.0", 1, []string{}},
		{"1.1.0", 2, []string{"1.0.0"}},
		{"1.1.0", 2, []string{"1.0.0"}},
		{"1.1.0", 2, []string{"1.0.0"}},
		{"2.0.0", 3, []string{"1.0.0", "1.1.0"}},
	}
	for i, install := range installs {
		version, err := store.UpsertPackage(ctx, "books", manifest(install.semver))
		require.NoError(t, err, "install %d", i)
		assert.Equal(t, install.version, version, "install %d", i)

		history, err := store.PackageHistory(ctx, "books")
		require.NoError(t, err)
		assert.Equal(t, install.history, history, "install %d", i)
	}
}

func TestTenants(t *testing.T) {
	store := requireStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutTenant(ctx, TenantRow{ID: "t1", Strategy: "rls"}))
	require.NoError(t, store.PutTenant(ctx, TenantRow{ID: "t0", Strategy: "database", DatabaseURL: "postgres://x/y", Comment: "c"}))
	require.NoError(t, store.PutTenant(ctx, TenantRow{ID: "t1", Strategy: "rls", Comment: "updated"}))

	tenants, err := store.Tenants(ctx)
	require.NoError(t, err)
	require.Len(t, tenants, 2)
	assert.Equal(t, "t0", tenants[0].ID)
	assert.Equal(t, "postgres://x/y", tenants[0].DatabaseURL)
	assert.Equal(t, "updated", tenants[1].Comment)

	require.NoError(t, store.DeleteTenant(ctx, "t0"))
	require.NoError(t, store.DeleteTenant(ctx, "t1"))
}

func TestKV(t *testing.T) {
	store := requireStore(t)
	ctx := context.Background()
	kv := store.KV("tenant", "pkg", "prefs")
	other := store.KV("other-tenant", "pkg", "prefs")

	_, found, err := kv.Read(ctx, "theme")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, kv.Write(ctx, "theme", json.RawMessage(`{"dark":true}`)))
	require.NoError(t, kv.Write(ctx, "lang", json.RawMessage(`"de"`)))
	require.NoError(t, kv.Write(ctx, "lang", json.RawMessage(`"en"`)))

	items, err := kv.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "lang", items[0].Key)
	assert.JSONEq(t, `"en"`, string(items[0].Value))
	assert.Equal(t, "theme", items[1].Key)

	items, err = other.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	deleted, err := kv.Delete(ctx, "theme")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = kv.Delete(ctx, "theme")
	require.NoError(t, err)
	assert.False(t, deleted)
}
