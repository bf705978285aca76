// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package crud

import (
	"math"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/architect/core/config"
)

func TestConvertValue(t *testing.T) {
	zone := time.FixedZone("CET", 3600)
	moment := time.Date(2024, 1, 2, 13, 4, 5, 123456000, zone)

	assert.Nil(t, convertValue("TEXT", false, nil))
	assert.Equal(t, int64(7), convertValue("INT4", false, int64(7)))
	assert.Equal(t, 1.5, convertValue("FLOAT8", false, 1.5))
	assert.Equal(t, "NaN", convertValue("FLOAT8", false, math.NaN()))
	assert.Equal(t, true, convertValue("BOOL", false, true))
	assert.Equal(t, "2024-01-02T12:04:05.123456Z", convertValue("TIMESTAMPTZ", false, moment))
	assert.Equal(t, "2024-01-02T13:04:05.123456", convertValue("TIMESTAMP", false, moment))
	assert.Equal(t, "2024-01-02", convertValue("DATE", false, moment))
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", convertValue("UUID", false, []byte("6ba7b810-9dad-11d1-80b4-00c04fd430c8")))
	assert.Equal(t, json.RawMessage(`{"a":1}`), convertValue("JSONB", false, []byte(`{"a":1}`)))
	assert.Equal(t, json.Number("12.50"), convertValue("NUMERIC", false, []byte("12.50")))
	assert.Equal(t, json.Number("12.50"), convertValue("TEXT", true, "12.50"))
	assert.Equal(t, "NaN", convertValue("TEXT", true, "NaN"))
	assert.Equal(t, "draft", convertValue("TEXT", false, "draft"))
	assert.Equal(t, []interface{}{"a", nil, "b c"}, convertValue("_TEXT", false, []byte(`{a,NULL,"b c"}`)))
	assert.Equal(t, []interface{}{json.Number("1"), json.Number("2")}, convertValue("_INT4", false, []byte(`{1,2}`)))
}

func TestNormalizeIncluded(t *testing.T) {
	related := resolvedBooks(t)

	value, err := normalizeIncluded(related, json.RawMessage(`{"id":"x","price":12.50,"created_at":"2024-01-02T13:04:05.5+01:00"}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{
		"id":         "x",
		"price":      json.Number("12.50"),
		"created_at": "2024-01-02T12:04:05.5Z",
	}, value)

	value, err = normalizeIncluded(related, json.RawMessage(`[]`))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{}, value)

	value, err = normalizeIncluded(related, nil)
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestStripSensitive(t *testing.T) {
	e := resolvedBooks(t)
	e.SensitiveColumns = map[string]bool{"secret": true}
	rows := []Row{{"id": "a", "secret": "x"}, {"id": "b"}}
	StripSensitive(e, rows...)
	assert.Equal(t, []Row{{"id": "a"}, {"id": "b"}}, rows)
}

func resolvedBooks(t *testing.T) *config.ResolvedEntity {
	t.Helper()
	model, err := config.Resolve(&config.FullConfig{
		Schemas: []config.Schema{{ID: "default", Name: "s"}},
		Tables:  []config.Table{{ID: "books", Name: "books", PrimaryKey: config.PrimaryKey{"id"}}},
		Columns: []config.Column{
			{ID: "books.id", TableID: "books", Name: "id", Type: config.ColumnType{Name: "text"}},
			{ID: "books.price", TableID: "books", Name: "price", Type: config.ColumnType{Name: "numeric"}},
		},
		APIEntities: []config.APIEntity{{EntityID: "books", PathSegment: "books", Operations: []config.Operation{config.OperationRead}}},
	})
	require.NoError(t, err)
	e, ok := model.EntityByPath("books")
	require.True(t, ok)
	return e
}
