// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package config

import (
	"strings"
)

// implicit timestamp columns added to every table unless declared
var implicitColumns = []struct {
	name       string
	hasDefault bool
}{
	{"created_at", true},
	{"updated_at", true},
	{"archived_at", false},
}

// ImplicitColumnNames returns the names of the timestamp columns every table carries
func ImplicitColumnNames() []string {
	names := make([]string, len(implicitColumns))
	for i, c := range implicitColumns {
		names[i] = c.name
	}
	return names
}

// Resolve validates the configuration and builds the resolved model. Resolve is pure: the same
// configuration always yields an equal model with the same entity order.
func Resolve(c *FullConfig) (*ResolvedModel, error) {
	if err := Validate(c); err != nil {
		return nil, err
	}
	model := EmptyModel()
	for _, kv := range c.KVStores {
		model.KVNamespaces[kv.Namespace] = true
	}
	if c.isEmpty() {
		return model, nil
	}
	defaultSchemaID, _ := c.DefaultSchemaID()

	schemaNames := map[string]string{}
	for _, s := range c.Schemas {
		schemaNames[s.ID] = s.Name
	}
	tablesByID := map[string]*Table{}
	for i := range c.Tables {
		tablesByID[c.Tables[i].ID] = &c.Tables[i]
	}
	columnsByTable := map[string][]Column{}
	columnsByID := map[string]Column{}
	for _, col := range c.Columns {
		columnsByTable[col.TableID] = append(columnsByTable[col.TableID], col)
		columnsByID[col.ID] = col
	}
	enumTypes := map[string]string{}
	for _, e := range c.Enums {
		schemaName := schemaNames[schemaIDOr(e.SchemaID, defaultSchemaID)]
		enumTypes[strings.ToLower(e.Name)] = quoteIdent(schemaName) + "." + quoteIdent(e.Name)
	}
	// the first API binding of a table is the one includes point to
	pathByTable := map[string]string{}
	for _, api := range c.APIEntities {
		if _, ok := pathByTable[api.EntityID]; !ok {
			pathByTable[api.EntityID] = api.PathSegment
		}
	}

	for _, api := range c.APIEntities {
		table := tablesByID[api.EntityID]
		schemaName, ok := schemaNames[schemaIDOr(table.SchemaID, defaultSchemaID)]
		if !ok {
			return nil, missingReference("schema", table.SchemaID)
		}
		tableColumns := columnsByTable[table.ID]

		var pkColumn *Column
		for i := range tableColumns {
			if tableColumns[i].Name == table.PrimaryKey[0] {
				pkColumn = &tableColumns[i]
				break
			}
		}
		if pkColumn == nil {
			return nil, &ConfigError{Kind: ErrInvalidPrimaryKey, ID: table.ID, Column: table.PrimaryKey[0]}
		}

		entity := &ResolvedEntity{
			TableID:          table.ID,
			SchemaName:       schemaName,
			TableName:        table.Name,
			PathSegment:      api.PathSegment,
			PKColumns:        append([]string{}, table.PrimaryKey...),
			PKKind:           InferPKKind(pkColumn.Type.Name),
			Operations:       map[Operation]bool{},
			SensitiveColumns: map[string]bool{},
			Validation:       map[string]ValidationRule{},
			columnIndex:      map[string]int{},
		}
		for _, op := range api.Operations {
			entity.Operations[op] = true
		}
		for _, s := range api.SensitiveColumns {
			entity.SensitiveColumns[s] = true
		}
		for col, rule := range api.Validation {
			entity.Validation[col] = rule
		}

		isPK := map[string]bool{}
		for _, pk := range table.PrimaryKey {
			isPK[pk] = true
		}
		for _, col := range tableColumns {
			pgType := PgTypeHint(col.Type.Name, enumTypes)
			entity.addColumn(ColumnInfo{
				Name:       col.Name,
				Type:       strings.ToLower(col.Type.Name),
				PrimaryKey: isPK[col.Name],
				Nullable:   col.IsNullable() && !isPK[col.Name],
				HasDefault: col.Default != nil,
				PgType:     pgType,
				ReadAsText: readAsText(pgType),
			})
		}
		for _, implicit := range implicitColumns {
			if entity.HasColumn(implicit.name) {
				continue
			}
			entity.addColumn(ColumnInfo{
				Name:       implicit.name,
				Type:       "timestamptz",
				Nullable:   !implicit.hasDefault,
				HasDefault: implicit.hasDefault,
				PgType:     "timestamptz",
				Implicit:   true,
			})
		}

		entity.Includes = resolveIncludes(table.ID, c.Relationships, columnsByID, pathByTable)
		model.Entities = append(model.Entities, entity)
		model.byPath[entity.PathSegment] = entity
	}
	return model, nil
}

func (e *ResolvedEntity) addColumn(col ColumnInfo) {
	e.columnIndex[col.Name] = len(e.Columns)
	e.Columns = append(e.Columns, col)
}

// resolveIncludes scans the relationships once per direction. Includes are only emitted towards
// tables that have an API binding; the first relationship wins when two would share a name.
func resolveIncludes(tableID string, relationships []Relationship, columnsByID map[string]Column, pathByTable map[string]string) []IncludeSpec {
	var includes []IncludeSpec
	seen := map[string]bool{}
	add := func(spec IncludeSpec) {
		if seen[spec.Name] {
			return
		}
		seen[spec.Name] = true
		includes = append(includes, spec)
	}
	for _, r := range relationships {
		if r.FromTableID != tableID {
			continue
		}
		related, ok := pathByTable[r.ToTableID]
		if !ok {
			continue
		}
		add(IncludeSpec{
			Name:        related,
			Direction:   ToOne,
			OurColumn:   columnsByID[r.FromColumnID].Name,
			TheirColumn: columnsByID[r.ToColumnID].Name,
		})
	}
	for _, r := range relationships {
		if r.ToTableID != tableID {
			continue
		}
		related, ok := pathByTable[r.FromTableID]
		if !ok {
			continue
		}
		add(IncludeSpec{
			Name:        related,
			Direction:   ToMany,
			OurColumn:   columnsByID[r.ToColumnID].Name,
			TheirColumn: columnsByID[r.FromColumnID].Name,
		})
	}
	return includes
}

// InferPKKind infers the primary key kind from the declared type name. The test is a case-insensitive
// substring match in the order uuid, bigserial|bigint, serial|integer|int, with text as fallback.
func InferPKKind(typeName string) PKKind {
	t := strings.ToLower(typeName)
	switch {
	case strings.Contains(t, "uuid"):
		return PKUUID
	case strings.Contains(t, "bigserial"), strings.Contains(t, "bigint"):
		return PKBigInt
	case strings.Contains(t, "serial"), strings.Contains(t, "integer"), strings.Contains(t, "int"):
		return PKInt
	}
	return PKText
}

// PgTypeHint returns the cast used when binding values to a column of the given declared type.
// Custom types (schema-qualified names and configured enums) come first, then the builtin
// types timestamptz, timestamp, date, uuid and numeric. Array types get no cast.
func PgTypeHint(typeName string, enumTypes map[string]string) string {
	t := strings.ToLower(strings.TrimSpace(typeName))
	if t == "" || strings.HasSuffix(t, "[]") {
		return ""
	}
	if qualified, ok := enumTypes[t]; ok {
		return qualified
	}
	if strings.Contains(t, ".") {
		parts := strings.SplitN(typeName, ".", 2)
		return quoteIdent(parts[0]) + "." + quoteIdent(parts[1])
	}
	switch {
	case strings.Contains(t, "timestamptz"), strings.Contains(t, "timestamp with time zone"):
		return "timestamptz"
	case strings.Contains(t, "timestamp"):
		return "timestamp"
	case strings.Contains(t, "date"):
		return "date"
	case strings.Contains(t, "uuid"):
		return "uuid"
	case strings.Contains(t, "numeric"), strings.Contains(t, "decimal"):
		return "numeric"
	}
	return ""
}

func readAsText(pgType string) bool {
	return pgType == "numeric" || strings.Contains(pgType, ".")
}

// quoteIdent quotes an identifier by doubling internal double quotes
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
