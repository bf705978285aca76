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
	"github.com/relabs-tech/architect/core/metastore"
)

// Health is returned by /health and /ready
type Health struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
}

func (b *Backend) handleCommon(router *mux.Router) {
	logger.Default().Debugln("common")
	logger.Default().Debugln("  handle health route: /health GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, Health{Status: "ok"})
	}).Methods(http.MethodOptions, http.MethodGet)

	logger.Default().Debugln("  handle readiness route: /ready GET")
	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := metastore.New(b.db).Ping(r.Context()); err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorln("Error 5503: database not ready")
			writeJSON(w, r, http.StatusServiceUnavailable, Health{Status: "degraded", Database: "unavailable"})
			return
		}
		writeJSON(w, r, http.StatusOK, Health{Status: "ok", Database: "ok"})
	}).Methods(http.MethodOptions, http.MethodGet)

	b.handleVersion(router)
}
