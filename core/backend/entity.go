// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/architect/core/config"
	"github.com/relabs-tech/architect/core/crud"
	"github.com/relabs-tech/architect/core/logger"
	"github.com/relabs-tech/architect/core/sqlbuilder"
	"github.com/relabs-tech/architect/core/tenant"
)

// reserved query parameters of list requests
const (
	paramLimit   = "limit"
	paramOffset  = "offset"
	paramInclude = "include"
)

// handleEntities adds the entity routes, package scoped first so that /api/v1/package/... never
// resolves to an entity called "package"
func (b *Backend) handleEntities(router *mux.Router) {
	logger.Default().Debugln("entities")
	for _, prefix := range []string{"/api/v1/package/{package_id}", "/api/v1"} {
		logger.Default().Debugln("  handle entity routes:", prefix+"/{path}")
		router.HandleFunc(prefix+"/{path}/bulk", b.withTenant(b.bulkCreate)).
			Methods(http.MethodOptions, http.MethodPost)
		router.HandleFunc(prefix+"/{path}/bulk", b.withTenant(b.bulkUpdate)).
			Methods(http.MethodPatch)
		router.HandleFunc(prefix+"/{path}/{id}", b.withTenant(b.readEntity)).
			Methods(http.MethodOptions, http.MethodGet)
		router.HandleFunc(prefix+"/{path}/{id}", b.withTenant(b.updateEntity)).
			Methods(http.MethodPatch)
		router.HandleFunc(prefix+"/{path}/{id}", b.withTenant(b.deleteEntity)).
			Methods(http.MethodDelete)
		router.HandleFunc(prefix+"/{path}", b.withTenant(b.listEntities)).
			Methods(http.MethodOptions, http.MethodGet)
		router.HandleFunc(prefix+"/{path}", b.withTenant(b.createEntity)).
			Methods(http.MethodPost)
	}
}

// entity returns the model of the addressed package and the entity bound to the path, if op is
// allowed on it
func (b *Backend) entity(r *http.Request, tctx *tenant.Context, op config.Operation) (*config.ResolvedModel, *config.ResolvedEntity, error) {
	model, err := b.model(r.Context(), tctx, packageID(r))
	if err != nil {
		return nil, nil, err
	}
	path := mux.Vars(r)["path"]
	e, ok := model.EntityByPath(path)
	if !ok {
		return nil, nil, NotFound("unknown entity %s", path)
	}
	if !e.Allows(op) {
		return nil, nil, BadRequest("operation %s is not allowed on %s", op, path)
	}
	return model, e, nil
}

// parseID converts an id from the request path according to the primary key kind of e
func parseID(e *config.ResolvedEntity, s string) (interface{}, error) {
	switch e.PKKind {
	case config.PKUUID:
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, BadRequest("invalid id %q", s)
		}
		return id.String(), nil
	case config.PKBigInt, config.PKInt:
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, BadRequest("invalid id %q", s)
		}
		return id, nil
	}
	return s, nil
}

// queryValue converts a filter value from the query string according to the column type. Values
// for all other types stay text and are cast by the statement.
func queryValue(col config.ColumnInfo, s string) (interface{}, error) {
	switch col.Type {
	case "smallint", "integer", "int", "int2", "int4", "int8", "bigint", "serial", "bigserial", "smallserial":
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, BadRequest("invalid integer %q for %s", s, ToCamel(col.Name))
		}
		return i, nil
	case "boolean", "bool":
		v, err := strconv.ParseBool(s)
		if err != nil {
			return nil, BadRequest("invalid boolean %q for %s", s, ToCamel(col.Name))
		}
		return v, nil
	}
	return s, nil
}

// listParams are the parsed query parameters of a list request
type listParams struct {
	limit    int
	offset   int
	includes []string
	filters  []sqlbuilder.Filter
}

func parseListParams(r *http.Request, e *config.ResolvedEntity) (*listParams, error) {
	p := &listParams{}
	query := r.URL.Query()
	names := make([]string, 0, len(query))
	for name := range query {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := query.Get(name)
		switch name {
		case paramLimit, paramOffset:
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, BadRequest("invalid %s %q", name, value)
			}
			if name == paramLimit {
				p.limit = n
			} else {
				p.offset = n
			}
		case paramInclude:
			for _, include := range strings.Split(value, ",") {
				if include = strings.TrimSpace(include); include != "" {
					p.includes = append(p.includes, ToSnake(include))
				}
			}
		default:
			col, ok := e.Column(ToSnake(name))
			if !ok {
				return nil, BadRequest("unknown filter %s", name)
			}
			v, err := queryValue(col, value)
			if err != nil {
				return nil, err
			}
			p.filters = append(p.filters, sqlbuilder.Filter{Column: col.Name, Value: v})
		}
	}
	return p, nil
}

// requestObject decodes a JSON object body with snake_case keys
func requestObject(r *http.Request) (map[string]interface{}, error) {
	var body map[string]interface{}
	if err := decodeBody(r, &body); err != nil {
		return nil, err
	}
	if body == nil {
		return nil, BadRequest("body must be a JSON object")
	}
	return keysToSnake(body), nil
}

// requestArray decodes a JSON array of objects with snake_case keys
func requestArray(r *http.Request) ([]map[string]interface{}, error) {
	var items []map[string]interface{}
	if err := decodeBody(r, &items); err != nil {
		return nil, err
	}
	if items == nil {
		return nil, BadRequest("body must be a JSON array")
	}
	for i, item := range items {
		if item == nil {
			return nil, BadRequest("item %d must be a JSON object", i)
		}
		items[i] = keysToSnake(item)
	}
	return items, nil
}

func (b *Backend) listEntities(r *http.Request, tctx *tenant.Context) (int, interface{}, error) {
	model, e, err := b.entity(r, tctx, config.OperationRead)
	if err != nil {
		return 0, nil, err
	}
	p, err := parseListParams(r, e)
	if err != nil {
		return 0, nil, err
	}
	rows, err := tctx.Executor().ListWithIncludes(r.Context(), model, e, p.includes, p.filters, p.limit, p.offset)
	if err != nil {
		return 0, nil, err
	}
	crud.StripSensitive(e, rows...)
	return http.StatusOK, many(camelRows(rows, p.includes), len(rows)), nil
}

// readEntity returns one row. Includes are attached with the batch form.
func (b *Backend) readEntity(r *http.Request, tctx *tenant.Context) (int, interface{}, error) {
	model, e, err := b.entity(r, tctx, config.OperationRead)
	if err != nil {
		return 0, nil, err
	}
	id, err := parseID(e, mux.Vars(r)["id"])
	if err != nil {
		return 0, nil, err
	}
	var includes []string
	for _, include := range strings.Split(r.URL.Query().Get(paramInclude), ",") {
		if include = strings.TrimSpace(include); include != "" {
			includes = append(includes, ToSnake(include))
		}
	}

	executor := tctx.Executor()
	row, err := executor.Read(r.Context(), e, id)
	if err != nil {
		return 0, nil, err
	}
	if err := executor.AttachIncludes(r.Context(), model, e, []crud.Row{row}, includes); err != nil {
		return 0, nil, err
	}
	crud.StripSensitive(e, row)
	return http.StatusOK, Single{Data: camelRow(row, includes)}, nil
}

func (b *Backend) createEntity(r *http.Request, tctx *tenant.Context) (int, interface{}, error) {
	_, e, err := b.entity(r, tctx, config.OperationCreate)
	if err != nil {
		return 0, nil, err
	}
	body, err := requestObject(r)
	if err != nil {
		return 0, nil, err
	}
	if err := config.ValidateBody(body, e.Validation); err != nil {
		return 0, nil, err
	}
	row, err := tctx.Executor().Create(r.Context(), e, body)
	if err != nil {
		return 0, nil, err
	}
	crud.StripSensitive(e, row)
	return http.StatusCreated, Single{Data: camelRow(row, nil)}, nil
}

func (b *Backend) updateEntity(r *http.Request, tctx *tenant.Context) (int, interface{}, error) {
	_, e, err := b.entity(r, tctx, config.OperationUpdate)
	if err != nil {
		return 0, nil, err
	}
	id, err := parseID(e, mux.Vars(r)["id"])
	if err != nil {
		return 0, nil, err
	}
	body, err := requestObject(r)
	if err != nil {
		return 0, nil, err
	}
	if err := config.ValidatePartial(body, e.Validation); err != nil {
		return 0, nil, err
	}
	row, err := tctx.Executor().Update(r.Context(), e, id, body)
	if err != nil {
		return 0, nil, err
	}
	crud.StripSensitive(e, row)
	return http.StatusOK, Single{Data: camelRow(row, nil)}, nil
}

func (b *Backend) deleteEntity(r *http.Request, tctx *tenant.Context) (int, interface{}, error) {
	_, e, err := b.entity(r, tctx, config.OperationDelete)
	if err != nil {
		return 0, nil, err
	}
	id, err := parseID(e, mux.Vars(r)["id"])
	if err != nil {
		return 0, nil, err
	}
	if _, err := tctx.Executor().Delete(r.Context(), e, id); err != nil {
		return 0, nil, err
	}
	return http.StatusNoContent, nil, nil
}

func (b *Backend) bulkCreate(r *http.Request, tctx *tenant.Context) (int, interface{}, error) {
	_, e, err := b.entity(r, tctx, config.OperationBulkCreate)
	if err != nil {
		return 0, nil, err
	}
	items, err := requestArray(r)
	if err != nil {
		return 0, nil, err
	}
	if err := sqlbuilder.CheckBulk(len(items)); err != nil {
		return 0, nil, Validation(err.Error(), nil)
	}
	for _, item := range items {
		if err := config.ValidateBody(item, e.Validation); err != nil {
			return 0, nil, err
		}
	}
	rows, err := tctx.Executor().BulkCreate(r.Context(), e, items)
	if err != nil {
		return 0, nil, err
	}
	crud.StripSensitive(e, rows...)
	return http.StatusCreated, many(camelRows(rows, nil), len(rows)), nil
}

func (b *Backend) bulkUpdate(r *http.Request, tctx *tenant.Context) (int, interface{}, error) {
	_, e, err := b.entity(r, tctx, config.OperationBulkUpdate)
	if err != nil {
		return 0, nil, err
	}
	items, err := requestArray(r)
	if err != nil {
		return 0, nil, err
	}
	if err := sqlbuilder.CheckBulk(len(items)); err != nil {
		return 0, nil, Validation(err.Error(), nil)
	}
	for _, item := range items {
		if err := config.ValidatePartial(item, e.Validation); err != nil {
			return 0, nil, err
		}
	}
	rows, err := tctx.Executor().BulkUpdate(r.Context(), e, items)
	if err != nil {
		return 0, nil, err
	}
	crud.StripSensitive(e, rows...)
	return http.StatusOK, many(camelRows(rows, nil), len(rows)), nil
}
