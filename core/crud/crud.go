// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package crud executes the statements of the sql builder on an execution target and converts the
result rows into JSON objects.

An Executor is bound to one target for the duration of a request. Single-row operations return
ErrRowNotFound when the statement yields no row.
*/
package crud

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/architect/core/config"
	"github.com/relabs-tech/architect/core/sqlbuilder"
)

// ErrRowNotFound is returned when a statement that must yield a row yields none
var ErrRowNotFound = errors.New("row not found")

// Executor runs CRUD operations for one request
type Executor struct {
	target Target
	// schema replaces the declared schema of entities if not empty
	schema string
	// rlsTenant is appended as tenant_id on insert if not empty
	rlsTenant string
}

// New returns an executor for target. schema overrides the declared schema of all entities when
// not empty, rlsTenant is set for tenants isolated by row-level security.
func New(target Target, schema, rlsTenant string) *Executor {
	return &Executor{target: target, schema: schema, rlsTenant: rlsTenant}
}

func (x *Executor) query(ctx context.Context, q Querier, e *config.ResolvedEntity, query sqlbuilder.Query) ([]Row, error) {
	rows, err := q.QueryContext(ctx, query.SQL, query.Params...)
	if err != nil {
		return nil, err
	}
	return scanRows(rows, e)
}

func (x *Executor) queryOne(ctx context.Context, q Querier, e *config.ResolvedEntity, query sqlbuilder.Query) (Row, error) {
	rows, err := x.query(ctx, q, e, query)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrRowNotFound
	}
	return rows[0], nil
}

// List returns the rows of e matching all filters, ordered by primary key
func (x *Executor) List(ctx context.Context, e *config.ResolvedEntity, filters []sqlbuilder.Filter, limit, offset int) ([]Row, error) {
	query, err := sqlbuilder.SelectList(e, filters, limit, offset, x.schema)
	if err != nil {
		return nil, err
	}
	return x.query(ctx, x.target, e, query)
}

// ListWithIncludes is List with the named includes attached in a single query. To-one includes are
// an object or nil, to-many includes an array.
func (x *Executor) ListWithIncludes(ctx context.Context, model *config.ResolvedModel, e *config.ResolvedEntity, includes []string, filters []sqlbuilder.Filter, limit, offset int) ([]Row, error) {
	if len(includes) == 0 {
		return x.List(ctx, e, filters, limit, offset)
	}
	query, err := sqlbuilder.SelectListWithIncludes(model, e, includes, filters, limit, offset, x.schema)
	if err != nil {
		return nil, err
	}
	rows, err := x.query(ctx, x.target, e, query)
	if err != nil {
		return nil, err
	}
	for _, name := range includes {
		inc, _ := e.Include(name)
		related, _ := model.EntityByPath(inc.Name)
		for _, row := range rows {
			raw, _ := row[name].(json.RawMessage)
			value, err := normalizeIncluded(related, raw)
			if err != nil {
				return nil, fmt.Errorf("cannot decode include %s: %w", name, err)
			}
			if value == nil && inc.Direction == config.ToMany {
				value = []interface{}{}
			}
			row[name] = value
		}
	}
	return rows, nil
}

// Read returns the row of e with the given primary key
func (x *Executor) Read(ctx context.Context, e *config.ResolvedEntity, id interface{}) (Row, error) {
	query, err := sqlbuilder.SelectByID(e, id, x.schema)
	if err != nil {
		return nil, err
	}
	return x.queryOne(ctx, x.target, e, query)
}

// FetchWhereColumnIn returns the rows of e whose column takes one of values
func (x *Executor) FetchWhereColumnIn(ctx context.Context, e *config.ResolvedEntity, column string, values []interface{}) ([]Row, error) {
	query, err := sqlbuilder.SelectWhereIn(e, column, values, x.schema)
	if err != nil {
		return nil, err
	}
	return x.query(ctx, x.target, e, query)
}

// AttachIncludes attaches the named includes to rows with one batch query per include. It yields
// the same shape as ListWithIncludes.
func (x *Executor) AttachIncludes(ctx context.Context, model *config.ResolvedModel, e *config.ResolvedEntity, rows []Row, includes []string) error {
	for _, name := range includes {
		inc, ok := e.Include(name)
		if !ok {
			return &sqlbuilder.InputError{Message: "unknown include " + name}
		}
		related, ok := model.EntityByPath(inc.Name)
		if !ok {
			return &sqlbuilder.InputError{Message: "unknown include " + name}
		}

		seen := map[string]bool{}
		values := []interface{}{}
		for _, row := range rows {
			v := row[inc.OurColumn]
			if v == nil {
				continue
			}
			key := fmt.Sprint(v)
			if !seen[key] {
				seen[key] = true
				values = append(values, v)
			}
		}
		relatedRows, err := x.FetchWhereColumnIn(ctx, related, inc.TheirColumn, values)
		if err != nil {
			return err
		}
		StripSensitive(related, relatedRows...)
		stripUnprojected(related, relatedRows)

		byKey := map[string][]interface{}{}
		for _, r := range relatedRows {
			key := fmt.Sprint(r[inc.TheirColumn])
			byKey[key] = append(byKey[key], r)
		}
		for _, row := range rows {
			matches := []interface{}{}
			if v := row[inc.OurColumn]; v != nil {
				if found, ok := byKey[fmt.Sprint(v)]; ok {
					matches = found
				}
			}
			if inc.Direction == config.ToOne {
				if len(matches) == 0 {
					row[name] = nil
				} else {
					row[name] = matches[0]
				}
				continue
			}
			row[name] = matches
		}
	}
	return nil
}

// stripUnprojected drops keys that are not columns of the entity
func stripUnprojected(e *config.ResolvedEntity, rows []Row) {
	for _, row := range rows {
		for name := range row {
			if !e.HasColumn(name) {
				delete(row, name)
			}
		}
	}
}

// Create inserts body into e and returns the created row
func (x *Executor) Create(ctx context.Context, e *config.ResolvedEntity, body map[string]interface{}) (Row, error) {
	return x.create(ctx, x.target, e, body)
}

func (x *Executor) create(ctx context.Context, q Querier, e *config.ResolvedEntity, body map[string]interface{}) (Row, error) {
	query, err := sqlbuilder.Insert(e, body, x.schema, x.rlsTenant)
	if err != nil {
		return nil, err
	}
	return x.queryOne(ctx, q, e, query)
}

// Update applies body to the row of e with the given primary key and returns the updated row
func (x *Executor) Update(ctx context.Context, e *config.ResolvedEntity, id interface{}, body map[string]interface{}) (Row, error) {
	return x.update(ctx, x.target, e, id, body)
}

func (x *Executor) update(ctx context.Context, q Querier, e *config.ResolvedEntity, id interface{}, body map[string]interface{}) (Row, error) {
	query, err := sqlbuilder.UpdateIn(e, id, body, x.schema)
	if err != nil {
		return nil, err
	}
	return x.queryOne(ctx, q, e, query)
}

// Delete deletes the row of e with the given primary key and returns it
func (x *Executor) Delete(ctx context.Context, e *config.ResolvedEntity, id interface{}) (Row, error) {
	query, err := sqlbuilder.Delete(e, id, x.schema)
	if err != nil {
		return nil, err
	}
	return x.queryOne(ctx, x.target, e, query)
}

// BulkCreate inserts all bodies atomically
func (x *Executor) BulkCreate(ctx context.Context, e *config.ResolvedEntity, bodies []map[string]interface{}) ([]Row, error) {
	if err := sqlbuilder.CheckBulk(len(bodies)); err != nil {
		return nil, err
	}
	result := make([]Row, 0, len(bodies))
	err := x.target.Batch(ctx, func(q Querier) error {
		for _, body := range bodies {
			row, err := x.create(ctx, q, e, body)
			if err != nil {
				return err
			}
			result = append(result, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// BulkUpdate updates all items atomically. Every item must carry the primary key; if any item
// addresses a missing row, nothing is updated and ErrRowNotFound is returned.
func (x *Executor) BulkUpdate(ctx context.Context, e *config.ResolvedEntity, items []map[string]interface{}) ([]Row, error) {
	if err := sqlbuilder.CheckBulk(len(items)); err != nil {
		return nil, err
	}
	for i, item := range items {
		if item[e.PK()] == nil {
			return nil, &sqlbuilder.InputError{Message: fmt.Sprintf("item %d misses the primary key %s", i, e.PK())}
		}
	}
	result := make([]Row, 0, len(items))
	err := x.target.Batch(ctx, func(q Querier) error {
		for _, item := range items {
			row, err := x.update(ctx, q, e, item[e.PK()], item)
			if err != nil {
				return err
			}
			result = append(result, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
