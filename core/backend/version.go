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

var (
	// Version is the version of the curent build
	Version = "unset"
)

// BuildInfo is returned by /version and /info
type BuildInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (b *Backend) handleVersion(router *mux.Router) {
	logger.Default().Debugln("version")
	logger.Default().Debugln("  handle version route: /version GET")
	logger.Default().Debugln("  handle version route: /info GET")
	version := func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, BuildInfo{Name: b.name, Version: Version})
	}
	router.HandleFunc("/version", version).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/info", version).Methods(http.MethodOptions, http.MethodGet)
}
