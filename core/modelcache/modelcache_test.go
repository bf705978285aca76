// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package modelcache_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/joeshaw/envdecode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/architect/core/config"
	"github.com/relabs-tech/architect/core/csql"
	"github.com/relabs-tech/architect/core/metastore"
	"github.com/relabs-tech/architect/core/modelcache"
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

type loopback struct {
	mu        sync.Mutex
	published [][]string
	drop      func(ctx context.Context, keys []string)
}

func (l *loopback) PublishInvalidation(ctx context.Context, keys []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.published = append(l.published, keys)
	return nil
}

func (l *loopback) SubscribeInvalidations(ctx context.Context, drop func(ctx context.Context, keys []string)) error {
	l.drop = drop
	return nil
}

func TestKey(t *testing.T) {
	assert.Equal(t, "shop", modelcache.Key("shop", ""))
	assert.Equal(t, "shop:t1", modelcache.Key("shop", "t1"))
}

func TestPutReplaceInvalidate(t *testing.T) {
	ctx := context.Background()
	cache := modelcache.New()
	model := config.EmptyModel()

	cache.Put(model, "_default", "shop")
	m, ok := cache.Peek("shop")
	require.True(t, ok)
	assert.Same(t, model, m)
	assert.Equal(t, []string{"_default", "shop"}, cache.Keys())

	b := &loopback{}
	require.NoError(t, cache.Listen(ctx, b))

	cache.Replace(ctx, model, "other")
	cache.Invalidate(ctx, "shop")
	_, ok = cache.Peek("shop")
	assert.False(t, ok)
	assert.Equal(t, [][]string{{"other"}, {"shop"}}, b.published)

	// invalidations from other replicas drop local entries without publishing again
	b.drop(ctx, []string{"other"})
	assert.Equal(t, []string{"_default"}, cache.Keys())
	assert.Len(t, b.published, 2)
}

func requireStore(t *testing.T) *metastore.Store {
	t.Helper()
	if testService.Postgres == "" {
		t.Skip("POSTGRES not set")
	}
	db, err := csql.Open(context.Background(), testService.Postgres, "_modelcache_unit_test_")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.ClearSchema()
	store := metastore.New(db)
	require.NoError(t, store.Bootstrap(context.Background()))
	return store
}

func TestLoadFallsBackToLatestPackage(t *testing.T) {
	ctx := context.Background()
	store := requireStore(t)
	cache := modelcache.New()

	m, err := cache.Get(ctx, "_default", config.DefaultPackageID, store)
	require.NoError(t, err)
	assert.Empty(t, m.Entities)

	records := map[config.Kind]string{
		config.KindSchemas:     `[{"id":"default","name":"shop"}]`,
		config.KindTables:      `[{"id":"orders","name":"orders","primary_key":"id"}]`,
		config.KindColumns:     `[{"id":"orders.id","table_id":"orders","name":"id","type":"uuid"}]`,
		config.KindAPIEntities: `[{"entity_id":"orders","path_segment":"orders","operations":["read"]}]`,
	}
	for kind, document := range records {
		var raw []json.RawMessage
		require.NoError(t, json.Unmarshal([]byte(document), &raw))
		_, err := store.Replace(ctx, kind, "shop", raw)
		require.NoError(t, err)
	}
	_, err = store.UpsertPackage(ctx, "shop", json.RawMessage(`{"id":"shop","name":"Shop","version":"1.0.0","schema":"shop"}`))
	require.NoError(t, err)

	// still cached
	m, err = cache.Get(ctx, "_default", config.DefaultPackageID, store)
	require.NoError(t, err)
	assert.Empty(t, m.Entities)

	cache.Invalidate(ctx, "_default")
	m, err = cache.Get(ctx, "_default", config.DefaultPackageID, store)
	require.NoError(t, err)
	_, ok := m.EntityByPath("orders")
	assert.True(t, ok)
}

func TestLoadError(t *testing.T) {
	ctx := context.Background()
	store := requireStore(t)
	var raw []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(`[{"id":"orders","name":"orders","schema_id":"ghost","primary_key":"id"}]`), &raw))
	_, err := store.Replace(ctx, config.KindTables, "broken", raw)
	require.NoError(t, err)

	_, err = modelcache.New().Get(ctx, "broken", "broken", store)
	var loadErr *modelcache.LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "broken", loadErr.PackageID)
	var configErr *config.ConfigError
	assert.ErrorAs(t, err, &configErr)
}
