// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package sqlbuilder builds parameterized SQL for the CRUD operations of a resolved entity.

Identifiers come only from the resolved model and are always quoted; values are always bound as
positional parameters $1..$n. Parameters for columns with a type hint are cast, for example
$1::timestamptz, so that string-encoded values bind correctly. Numeric and custom-typed columns are
projected as text so the driver returns a stable textual form.

Every entry point takes an optional schema that replaces the entity's declared schema.
*/
package sqlbuilder

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/relabs-tech/architect/core/config"
)

// List and bulk limits
const (
	DefaultLimit = 100
	MaxLimit     = 1000
	MaxBulk      = 100
)

// TenantColumn is the column that carries the tenant under row-level security
const TenantColumn = "tenant_id"

// Query is a SQL statement with its positional parameters
type Query struct {
	SQL    string
	Params []interface{}
}

// Filter is an equality condition on a column
type Filter struct {
	Column string
	Value  interface{}
}

// InputError is returned when a request refers to something the entity does not have
type InputError struct {
	Message string
}

func (e *InputError) Error() string {
	return e.Message
}

func inputError(format string, args ...interface{}) error {
	return &InputError{Message: fmt.Sprintf(format, args...)}
}

// ClampLimit returns the effective list limit: DefaultLimit when unset, at most MaxLimit
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// CheckBulk returns an error when a bulk request carries more than MaxBulk items
func CheckBulk(n int) error {
	if n > MaxBulk {
		return inputError("bulk operations are limited to %d items, got %d", MaxBulk, n)
	}
	return nil
}

type builder struct {
	sql    strings.Builder
	params []interface{}
}

// param binds v for col and returns its placeholder, with a cast if the column has a type hint
func (b *builder) param(col config.ColumnInfo, v interface{}) (string, error) {
	bound, err := Bind(col, v)
	if err != nil {
		return "", err
	}
	b.params = append(b.params, bound)
	placeholder := "$" + strconv.Itoa(len(b.params))
	if col.PgType != "" {
		placeholder += "::" + col.PgType
	}
	return placeholder, nil
}

func (b *builder) rawParam(v interface{}) string {
	b.params = append(b.params, v)
	return "$" + strconv.Itoa(len(b.params))
}

func (b *builder) query() Query {
	return Query{SQL: b.sql.String(), Params: b.params}
}

func quote(name string) string {
	return pq.QuoteIdentifier(name)
}

// Table returns the qualified table of e, with schema replacing the declared schema if not empty
func Table(e *config.ResolvedEntity, schema string) string {
	if schema == "" {
		schema = e.SchemaName
	}
	return quote(schema) + "." + quote(e.TableName)
}

// projection renders the column list. alias qualifies columns when not empty.
func projection(e *config.ResolvedEntity, alias string) string {
	prefix := ""
	if alias != "" {
		prefix = alias + "."
	}
	cols := make([]string, len(e.Columns))
	for i, c := range e.Columns {
		if c.ReadAsText {
			cols[i] = prefix + quote(c.Name) + "::text AS " + quote(c.Name)
		} else {
			cols[i] = prefix + quote(c.Name)
		}
	}
	return strings.Join(cols, ", ")
}

func pkColumn(e *config.ResolvedEntity) config.ColumnInfo {
	col, _ := e.Column(e.PK())
	return col
}

// SelectByID selects one row by its primary key
func SelectByID(e *config.ResolvedEntity, id interface{}, schema string) (Query, error) {
	b := &builder{}
	placeholder, err := b.param(pkColumn(e), id)
	if err != nil {
		return Query{}, err
	}
	fmt.Fprintf(&b.sql, "SELECT %s FROM %s WHERE %s = %s",
		projection(e, ""), Table(e, schema), quote(e.PK()), placeholder)
	return b.query(), nil
}

func (b *builder) where(e *config.ResolvedEntity, alias string, filters []Filter) error {
	prefix := ""
	if alias != "" {
		prefix = alias + "."
	}
	for i, f := range filters {
		col, ok := e.Column(f.Column)
		if !ok {
			return inputError("unknown filter column %s", f.Column)
		}
		placeholder, err := b.param(col, f.Value)
		if err != nil {
			return err
		}
		if i == 0 {
			b.sql.WriteString(" WHERE ")
		} else {
			b.sql.WriteString(" AND ")
		}
		b.sql.WriteString(prefix + quote(f.Column) + " = " + placeholder)
	}
	return nil
}

func (b *builder) page(e *config.ResolvedEntity, alias string, limit, offset int) {
	prefix := ""
	if alias != "" {
		prefix = alias + "."
	}
	fmt.Fprintf(&b.sql, " ORDER BY %s%s LIMIT %d", prefix, quote(e.PK()), ClampLimit(limit))
	if offset > 0 {
		fmt.Fprintf(&b.sql, " OFFSET %d", offset)
	}
}

// SelectList selects rows matching all filters, ordered by primary key
func SelectList(e *config.ResolvedEntity, filters []Filter, limit, offset int, schema string) (Query, error) {
	b := &builder{}
	fmt.Fprintf(&b.sql, "SELECT %s FROM %s", projection(e, ""), Table(e, schema))
	if err := b.where(e, "", filters); err != nil {
		return Query{}, err
	}
	b.page(e, "", limit, offset)
	return b.query(), nil
}

// SelectWhereIn selects rows whose column takes one of values. An empty value list selects nothing.
func SelectWhereIn(e *config.ResolvedEntity, column string, values []interface{}, schema string) (Query, error) {
	col, ok := e.Column(column)
	if !ok {
		return Query{}, inputError("unknown column %s", column)
	}
	b := &builder{}
	fmt.Fprintf(&b.sql, "SELECT %s FROM %s WHERE ", projection(e, ""), Table(e, schema))
	if len(values) == 0 {
		b.sql.WriteString("1=0")
		return b.query(), nil
	}
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholder, err := b.param(col, v)
		if err != nil {
			return Query{}, err
		}
		placeholders[i] = placeholder
	}
	fmt.Fprintf(&b.sql, "%s IN (%s) ORDER BY %s", quote(column), strings.Join(placeholders, ", "), quote(e.PK()))
	return b.query(), nil
}

// IncludeColumns lists the projected columns of a related entity inside include payloads.
// Sensitive columns never enter an include.
func IncludeColumns(related *config.ResolvedEntity) []config.ColumnInfo {
	cols := make([]config.ColumnInfo, 0, len(related.Columns))
	for _, c := range related.Columns {
		if !related.SensitiveColumns[c.Name] {
			cols = append(cols, c)
		}
	}
	return cols
}

// SelectListWithIncludes selects rows like SelectList and adds one JSON column per include, rendered as
// a correlated subquery: row_to_json for to-one, a json_agg array for to-many.
func SelectListWithIncludes(model *config.ResolvedModel, e *config.ResolvedEntity, includes []string, filters []Filter, limit, offset int, schema string) (Query, error) {
	const alias = `"t"`
	b := &builder{}
	columns := []string{projection(e, alias)}
	for i, name := range includes {
		inc, ok := e.Include(name)
		if !ok {
			return Query{}, inputError("unknown include %s", name)
		}
		related, ok := model.EntityByPath(inc.Name)
		if !ok {
			return Query{}, inputError("unknown include %s", name)
		}
		sub := fmt.Sprintf(`"i%d"`, i)
		relatedCols := IncludeColumns(related)
		names := make([]string, len(relatedCols))
		for j, c := range relatedCols {
			names[j] = sub + "." + quote(c.Name)
		}
		inner := fmt.Sprintf("SELECT %s FROM %s %s WHERE %s.%s = %s.%s",
			strings.Join(names, ", "), Table(related, schema), sub, sub, quote(inc.TheirColumn), alias, quote(inc.OurColumn))
		var column string
		if inc.Direction == config.ToOne {
			column = fmt.Sprintf("(SELECT row_to_json(sub) FROM (%s LIMIT 1) sub) AS %s", inner, quote(inc.Name))
		} else {
			column = fmt.Sprintf("(SELECT COALESCE(json_agg(row_to_json(sub)), '[]'::json) FROM (%s ORDER BY %s.%s) sub) AS %s",
				inner, sub, quote(related.PK()), quote(inc.Name))
		}
		columns = append(columns, column)
	}
	fmt.Fprintf(&b.sql, "SELECT %s FROM %s %s", strings.Join(columns, ", "), Table(e, schema), alias)
	if err := b.where(e, alias, filters); err != nil {
		return Query{}, err
	}
	b.page(e, alias, limit, offset)
	return b.query(), nil
}

// returning renders the RETURNING list, adding the tenant column under row-level security
func returning(e *config.ResolvedEntity, rlsTenantID string) string {
	list := projection(e, "")
	if rlsTenantID != "" && !e.HasColumn(TenantColumn) {
		list += ", " + quote(TenantColumn)
	}
	return list
}

// Insert inserts one row. Only columns present in body are written, so database defaults apply to
// the others; the primary key is written only if body carries it. With rlsTenantID set, the tenant
// column is appended and any tenant_id in body is ignored.
func Insert(e *config.ResolvedEntity, body map[string]interface{}, schema, rlsTenantID string) (Query, error) {
	b := &builder{}
	var columns, values []string
	for _, col := range e.Columns {
		v, present := body[col.Name]
		if !present {
			continue
		}
		if rlsTenantID != "" && col.Name == TenantColumn {
			continue
		}
		placeholder, err := b.param(col, v)
		if err != nil {
			return Query{}, err
		}
		columns = append(columns, quote(col.Name))
		values = append(values, placeholder)
	}
	if rlsTenantID != "" {
		columns = append(columns, quote(TenantColumn))
		values = append(values, b.rawParam(rlsTenantID))
	}
	if len(columns) == 0 {
		fmt.Fprintf(&b.sql, "INSERT INTO %s DEFAULT VALUES RETURNING %s", Table(e, schema), returning(e, rlsTenantID))
		return b.query(), nil
	}
	fmt.Fprintf(&b.sql, "INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		Table(e, schema), strings.Join(columns, ", "), strings.Join(values, ", "), returning(e, rlsTenantID))
	return b.query(), nil
}

// Update sets the body columns of one row and touches updated_at. The primary key, tenant_id and
// updated_at itself are never taken from body. Without any column to set, Update selects the row.
func Update(e *config.ResolvedEntity, id interface{}, body map[string]interface{}) (Query, error) {
	return UpdateIn(e, id, body, "")
}

// UpdateIn is Update with a schema override
func UpdateIn(e *config.ResolvedEntity, id interface{}, body map[string]interface{}, schema string) (Query, error) {
	b := &builder{}
	var sets []string
	for _, col := range e.Columns {
		if col.Name == e.PK() || col.Name == TenantColumn || col.Name == "updated_at" {
			continue
		}
		v, present := body[col.Name]
		if !present {
			continue
		}
		placeholder, err := b.param(col, v)
		if err != nil {
			return Query{}, err
		}
		sets = append(sets, quote(col.Name)+" = "+placeholder)
	}
	if len(sets) == 0 {
		return SelectByID(e, id, schema)
	}
	if e.HasColumn("updated_at") {
		sets = append(sets, quote("updated_at")+" = NOW()")
	}
	placeholder, err := b.param(pkColumn(e), id)
	if err != nil {
		return Query{}, err
	}
	fmt.Fprintf(&b.sql, "UPDATE %s SET %s WHERE %s = %s RETURNING %s",
		Table(e, schema), strings.Join(sets, ", "), quote(e.PK()), placeholder, projection(e, ""))
	return b.query(), nil
}

// Delete deletes one row by primary key and returns it
func Delete(e *config.ResolvedEntity, id interface{}, schema string) (Query, error) {
	b := &builder{}
	placeholder, err := b.param(pkColumn(e), id)
	if err != nil {
		return Query{}, err
	}
	fmt.Fprintf(&b.sql, "DELETE FROM %s WHERE %s = %s RETURNING *", Table(e, schema), quote(e.PK()), placeholder)
	return b.query(), nil
}
