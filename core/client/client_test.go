// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package client

import (
	"net/http"
	"os"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	code := m.Run()
	os.Exit(code)
}

func TestEntityPaths(t *testing.T) {
	client := NewWithRouter(nil)

	orders := client.Entity("orders")
	assert.Equal(t, "/api/v1/orders", orders.Path())
	assert.Equal(t, "/api/v1/orders/42", orders.Item(42).Path())
	assert.Equal(t, "/api/v1/orders/bulk", orders.itemPath("bulk"))

	scoped := orders.InPackage("shop").WithParameter("limit", "5").WithFilter("createdAt", "2024-01-01T00:00:00Z")
	assert.Equal(t, "/api/v1/package/shop/orders?createdAt=2024-01-01T00%3A00%3A00Z&limit=5", scoped.Path())
	assert.Equal(t, "/api/v1/package/shop/orders/a%2Fb?createdAt=2024-01-01T00%3A00%3A00Z&limit=5", scoped.Item("a/b").Path())

	// parameters do not leak into the entity they were derived from
	assert.Equal(t, "/api/v1/orders", orders.Path())
}

func TestWithHeaderCopies(t *testing.T) {
	base := NewWithRouter(nil)
	a := base.WithTenant("a")
	b := base.WithTenant("b")
	assert.Empty(t, base.defaultHeaders)
	assert.Equal(t, "a", a.defaultHeaders[TenantHeader])
	assert.Equal(t, "b", b.defaultHeaders[TenantHeader])
}

func TestErrorEnvelope(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/fail", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "t1", r.Header.Get(TenantHeader))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"not_found","message":"unknown entity fail"}}`))
	})

	status, err := NewWithRouter(router).WithTenant("t1").RawGet("/fail", nil)
	assert.Equal(t, http.StatusNotFound, status)
	var clientErr *Error
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, "not_found", clientErr.Code)
	assert.Equal(t, "unknown entity fail", clientErr.Message)
}
