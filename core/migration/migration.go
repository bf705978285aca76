// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package migration renders the configuration of a package as additive DDL and applies it.

Statements are emitted in the order PostgreSQL dependencies require: schemas, enums, tables, indexes
and foreign keys. Every statement is safe to run again: schemas, tables and indexes use IF NOT EXISTS,
while enum types, foreign keys and comments tolerate the "already exists" failure. Existing tables
are never altered.
*/
package migration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/relabs-tech/architect/core/config"
	"github.com/relabs-tech/architect/core/logger"
)

// Phase is the dependency phase of a statement
type Phase string

// all phases in execution order
const (
	PhaseSchema     Phase = "schema"
	PhaseEnum       Phase = "enum"
	PhaseTable      Phase = "table"
	PhaseIndex      Phase = "index"
	PhaseForeignKey Phase = "foreign_key"
	PhaseComment    Phase = "comment"
)

// Statement is one DDL statement
type Statement struct {
	Phase Phase
	SQL   string
	// Tolerated statements may fail because the object already exists
	Tolerated bool
}

// implicit timestamp columns, added unless the table declares them
var implicitColumnDefs = []struct{ name, def string }{
	{"created_at", "TIMESTAMPTZ NOT NULL DEFAULT NOW()"},
	{"updated_at", "TIMESTAMPTZ NOT NULL DEFAULT NOW()"},
	{"archived_at", "TIMESTAMPTZ"},
}

// Plan validates the configuration and renders its DDL. Plan does not touch the database.
func Plan(c *config.FullConfig) ([]Statement, error) {
	if err := config.Validate(c); err != nil {
		return nil, err
	}
	var statements []Statement
	if len(c.Schemas) == 0 {
		return statements, nil
	}
	defaultSchemaID := c.Schemas[0].ID

	schemaNames := map[string]string{}
	for _, s := range c.Schemas {
		schemaNames[s.ID] = s.Name
	}
	schemaOf := func(id string) string {
		if id == "" {
			id = defaultSchemaID
		}
		return schemaNames[id]
	}
	tablesByID := map[string]config.Table{}
	for _, t := range c.Tables {
		tablesByID[t.ID] = t
	}
	columnsByID := map[string]config.Column{}
	columnsByTable := map[string][]config.Column{}
	for _, col := range c.Columns {
		columnsByID[col.ID] = col
		columnsByTable[col.TableID] = append(columnsByTable[col.TableID], col)
	}
	enumTypes := map[string]string{}
	for _, e := range c.Enums {
		enumTypes[strings.ToLower(e.Name)] = qualified(schemaOf(e.SchemaID), e.Name)
	}
	var comments []Statement
	comment := func(object, text string) {
		if text == "" {
			return
		}
		comments = append(comments, Statement{
			Phase:     PhaseComment,
			SQL:       `COMMENT ON ` + object + ` IS ` + pq.QuoteLiteral(text),
			Tolerated: true,
		})
	}

	for _, s := range c.Schemas {
		statements = append(statements, Statement{
			Phase: PhaseSchema,
			SQL:   `CREATE SCHEMA IF NOT EXISTS ` + pq.QuoteIdentifier(s.Name),
		})
		comment(`SCHEMA `+pq.QuoteIdentifier(s.Name), s.Comment)
	}

	for _, e := range c.Enums {
		values := make([]string, len(e.Values))
		for i, v := range e.Values {
			values[i] = pq.QuoteLiteral(v)
		}
		statements = append(statements, Statement{
			Phase:     PhaseEnum,
			SQL:       `CREATE TYPE ` + qualified(schemaOf(e.SchemaID), e.Name) + ` AS ENUM (` + strings.Join(values, ", ") + `)`,
			Tolerated: true,
		})
		comment(`TYPE `+qualified(schemaOf(e.SchemaID), e.Name), e.Comment)
	}

	for _, t := range c.Tables {
		tableName := qualified(schemaOf(t.SchemaID), t.Name)
		var defs []string
		declared := map[string]bool{}
		for _, col := range columnsByTable[t.ID] {
			declared[col.Name] = true
			def := pq.QuoteIdentifier(col.Name) + " " + columnType(col.Type, enumTypes)
			if !col.IsNullable() {
				def += " NOT NULL"
			}
			if col.Default != nil {
				def += " DEFAULT " + col.Default.SQL()
			}
			defs = append(defs, def)
			comment(`COLUMN `+tableName+`.`+pq.QuoteIdentifier(col.Name), col.Comment)
		}
		for _, implicit := range implicitColumnDefs {
			if !declared[implicit.name] {
				defs = append(defs, pq.QuoteIdentifier(implicit.name)+" "+implicit.def)
			}
		}
		defs = append(defs, "PRIMARY KEY ("+quoteList(t.PrimaryKey)+")")
		for _, unique := range t.Unique {
			defs = append(defs, "UNIQUE ("+quoteList(unique)+")")
		}
		for _, check := range t.Check {
			defs = append(defs, "CONSTRAINT "+pq.QuoteIdentifier(check.Name)+" CHECK ("+check.Expression+")")
		}
		statements = append(statements, Statement{
			Phase: PhaseTable,
			SQL:   "CREATE TABLE IF NOT EXISTS " + tableName + " (\n  " + strings.Join(defs, ",\n  ") + "\n)",
		})
		comment(`TABLE `+tableName, t.Comment)
	}

	for _, idx := range c.Indexes {
		table := tablesByID[idx.TableID]
		var parts []string
		for _, col := range idx.Columns {
			if col.Expression != "" {
				parts = append(parts, col.Expression)
				continue
			}
			part := pq.QuoteIdentifier(col.Name)
			if col.Direction != "" {
				part += " " + strings.ToUpper(col.Direction)
			}
			if col.Nulls != "" {
				part += " NULLS " + strings.ToUpper(col.Nulls)
			}
			parts = append(parts, part)
		}
		method := idx.Method
		if method == "" {
			method = "btree"
		}
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		sql := fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s USING %s (%s)",
			unique, pq.QuoteIdentifier(idx.Name), qualified(schemaOf(table.SchemaID), table.Name), method, strings.Join(parts, ", "))
		if len(idx.Include) > 0 {
			sql += " INCLUDE (" + quoteList(idx.Include) + ")"
		}
		if idx.Where != "" {
			sql += " WHERE " + idx.Where
		}
		statements = append(statements, Statement{Phase: PhaseIndex, SQL: sql, Tolerated: true})
	}

	for _, r := range c.Relationships {
		from := tablesByID[r.FromTableID]
		to := tablesByID[r.ToTableID]
		fromSchema := r.FromSchemaID
		if fromSchema == "" {
			fromSchema = from.SchemaID
		}
		toSchema := r.ToSchemaID
		if toSchema == "" {
			toSchema = to.SchemaID
		}
		name := r.Name
		if name == "" {
			name = r.ID
		}
		statements = append(statements, Statement{
			Phase: PhaseForeignKey,
			SQL: fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s) ON UPDATE %s ON DELETE %s",
				qualified(schemaOf(fromSchema), from.Name),
				pq.QuoteIdentifier(name),
				pq.QuoteIdentifier(columnsByID[r.FromColumnID].Name),
				qualified(schemaOf(toSchema), to.Name),
				pq.QuoteIdentifier(columnsByID[r.ToColumnID].Name),
				action(r.OnUpdate),
				action(r.OnDelete)),
			Tolerated: true,
		})
	}

	return append(statements, comments...), nil
}

// Apply renders the DDL for the configuration and executes it on db. Failures of tolerated
// statements are logged at debug level.
func Apply(ctx context.Context, db *sql.DB, c *config.FullConfig) error {
	statements, err := Plan(c)
	if err != nil {
		return err
	}
	rlog := logger.FromContext(ctx)
	for _, statement := range statements {
		if _, err := db.ExecContext(ctx, statement.SQL); err != nil {
			if statement.Tolerated {
				rlog.Debugf("tolerated %s statement failure: %s", statement.Phase, err)
				continue
			}
			return fmt.Errorf("migration %s failed: %w", statement.Phase, err)
		}
	}
	rlog.Debugf("applied %d migration statements", len(statements))
	return nil
}

// columnType renders a column type. Simple names that match a configured enum are schema-qualified,
// names that already carry a schema pass through.
func columnType(t config.ColumnType, enumTypes map[string]string) string {
	if len(t.Params) == 0 {
		if qualifiedEnum, ok := enumTypes[strings.ToLower(t.Name)]; ok {
			return qualifiedEnum
		}
	}
	return t.String()
}

func action(a string) string {
	if a == "" {
		return "NO ACTION"
	}
	return strings.ToUpper(a)
}

func qualified(schema, name string) string {
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(name)
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = pq.QuoteIdentifier(n)
	}
	return strings.Join(quoted, ", ")
}
