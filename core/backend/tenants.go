// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/architect/core/logger"
)

// handleTenants adds the tenant registry routes. They are not tenant scoped.
func (b *Backend) handleTenants(router *mux.Router) {
	logger.Default().Debugln("tenants")
	logger.Default().Debugln("  handle tenants route: /api/v1/tenants GET")
	router.HandleFunc("/api/v1/tenants", func(w http.ResponseWriter, r *http.Request) {
		tenants := b.resolver.Registry().List()
		writeJSON(w, r, http.StatusOK, many(tenants, len(tenants)))
	}).Methods(http.MethodOptions, http.MethodGet)

	logger.Default().Debugln("  handle tenants route: /api/v1/tenants/reload POST")
	router.HandleFunc("/api/v1/tenants/reload", func(w http.ResponseWriter, r *http.Request) {
		registry, err := b.resolver.Reload(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		logger.FromContext(r.Context()).Infof("reloaded tenant registry with %d tenants", registry.Len())
		tenants := registry.List()
		writeJSON(w, r, http.StatusOK, many(tenants, len(tenants)))
	}).Methods(http.MethodOptions, http.MethodPost)
}
