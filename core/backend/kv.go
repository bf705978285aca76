// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/architect/core/logger"
	"github.com/relabs-tech/architect/core/metastore"
	"github.com/relabs-tech/architect/core/tenant"
)

func (b *Backend) handleKV(router *mux.Router) {
	logger.Default().Debugln("key/value")
	logger.Default().Debugln("  handle kv route: /api/v1/package/{package_id}/kv/{namespace} GET")
	router.HandleFunc("/api/v1/package/{package_id}/kv/{namespace}", b.withTenant(b.listKV)).
		Methods(http.MethodOptions, http.MethodGet)
	logger.Default().Debugln("  handle kv route: /api/v1/package/{package_id}/kv/{namespace}/{key} GET PUT DELETE")
	router.HandleFunc("/api/v1/package/{package_id}/kv/{namespace}/{key}", b.withTenant(b.readKV)).
		Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/api/v1/package/{package_id}/kv/{namespace}/{key}", b.withTenant(b.writeKV)).
		Methods(http.MethodPut)
	router.HandleFunc("/api/v1/package/{package_id}/kv/{namespace}/{key}", b.withTenant(b.deleteKV)).
		Methods(http.MethodDelete)
}

// kv returns the accessor of the namespace addressed by the request, which must be declared in
// the package's kv_stores
func (b *Backend) kv(r *http.Request, tctx *tenant.Context) (metastore.KVAccessor, error) {
	pkg := packageID(r)
	model, err := b.model(r.Context(), tctx, pkg)
	if err != nil {
		return metastore.KVAccessor{}, err
	}
	namespace := mux.Vars(r)["namespace"]
	if !model.KVNamespaces[namespace] {
		return metastore.KVAccessor{}, NotFound("unknown namespace %s", namespace)
	}
	return tctx.Store().KV(tctx.Tenant.ID, pkg, namespace), nil
}

func (b *Backend) listKV(r *http.Request, tctx *tenant.Context) (int, interface{}, error) {
	kv, err := b.kv(r, tctx)
	if err != nil {
		return 0, nil, err
	}
	items, err := kv.List(r.Context())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, many(items, len(items)), nil
}

func (b *Backend) readKV(r *http.Request, tctx *tenant.Context) (int, interface{}, error) {
	kv, err := b.kv(r, tctx)
	if err != nil {
		return 0, nil, err
	}
	key := mux.Vars(r)["key"]
	value, ok, err := kv.Read(r.Context(), key)
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, NotFound("unknown key %s", key)
	}
	return http.StatusOK, Single{Data: value}, nil
}

func (b *Backend) writeKV(r *http.Request, tctx *tenant.Context) (int, interface{}, error) {
	kv, err := b.kv(r, tctx)
	if err != nil {
		return 0, nil, err
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return 0, nil, BadRequest("cannot read body: %s", err)
	}
	if !json.Valid(body) {
		return 0, nil, BadRequest("body must be JSON")
	}
	value := json.RawMessage(body)
	if err := kv.Write(r.Context(), mux.Vars(r)["key"], value); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, Single{Data: value}, nil
}

func (b *Backend) deleteKV(r *http.Request, tctx *tenant.Context) (int, interface{}, error) {
	kv, err := b.kv(r, tctx)
	if err != nil {
		return 0, nil, err
	}
	key := mux.Vars(r)["key"]
	found, err := kv.Delete(r.Context(), key)
	if err != nil {
		return 0, nil, err
	}
	if !found {
		return 0, nil, NotFound("unknown key %s", key)
	}
	return http.StatusNoContent, nil, nil
}
