// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package config

// DefaultSchemaID returns the id of the first schema. Records that omit their schema_id
// belong to it.
func (c *FullConfig) DefaultSchemaID() (string, error) {
	if len(c.Schemas) == 0 {
		return "", validationError("at least one schema required (set manifest.schema)")
	}
	return c.Schemas[0].ID, nil
}

func schemaIDOr(id, fallback string) string {
	if id == "" {
		return fallback
	}
	return id
}

// ReservedPathSegments are taken by fixed routes and cannot name an api entity
var ReservedPathSegments = map[string]bool{
	"config":     true,
	"package":    true,
	"tenants":    true,
	"statistics": true,
	"kv":         true,
	"metrics":    true,
}

// Validate checks the referential integrity of the configuration. It returns the first
// violation as a *ConfigError. An empty configuration is valid.
func Validate(c *FullConfig) error {
	if c.isEmpty() {
		return nil
	}
	defaultSchemaID, err := c.DefaultSchemaID()
	if err != nil {
		return err
	}

	schemaIDs := map[string]bool{}
	for _, s := range c.Schemas {
		schemaIDs[s.ID] = true
	}
	tableIDs := map[string]bool{}
	for _, t := range c.Tables {
		tableIDs[t.ID] = true
	}
	columnIDs := map[string]bool{}
	columnsByTable := map[string]map[string]bool{}
	for _, col := range c.Columns {
		columnIDs[col.ID] = true
		if columnsByTable[col.TableID] == nil {
			columnsByTable[col.TableID] = map[string]bool{}
		}
		columnsByTable[col.TableID][col.Name] = true
	}

	for _, e := range c.Enums {
		sid := schemaIDOr(e.SchemaID, defaultSchemaID)
		if !schemaIDs[sid] {
			return missingReference("schema", sid)
		}
	}

	for _, t := range c.Tables {
		sid := schemaIDOr(t.SchemaID, defaultSchemaID)
		if !schemaIDs[sid] {
			return missingReference("schema", sid)
		}
		if len(t.PrimaryKey) == 0 {
			return &ConfigError{Kind: ErrInvalidPrimaryKey, ID: t.ID}
		}
		for _, pk := range t.PrimaryKey {
			if !columnsByTable[t.ID][pk] {
				return &ConfigError{Kind: ErrInvalidPrimaryKey, ID: t.ID, Column: pk}
			}
		}
	}

	for _, col := range c.Columns {
		if !tableIDs[col.TableID] {
			return missingReference("table", col.TableID)
		}
	}

	for _, idx := range c.Indexes {
		sid := schemaIDOr(idx.SchemaID, defaultSchemaID)
		if !schemaIDs[sid] {
			return missingReference("schema", sid)
		}
		if !tableIDs[idx.TableID] {
			return missingReference("table", idx.TableID)
		}
	}

	for _, r := range c.Relationships {
		switch {
		case !schemaIDs[schemaIDOr(r.FromSchemaID, defaultSchemaID)]:
			return missingReference("schema", r.FromSchemaID)
		case !schemaIDs[schemaIDOr(r.ToSchemaID, defaultSchemaID)]:
			return missingReference("schema", r.ToSchemaID)
		case !tableIDs[r.FromTableID]:
			return missingReference("table", r.FromTableID)
		case !tableIDs[r.ToTableID]:
			return missingReference("table", r.ToTableID)
		case !columnIDs[r.FromColumnID]:
			return missingReference("column", r.FromColumnID)
		case !columnIDs[r.ToColumnID]:
			return missingReference("column", r.ToColumnID)
		}
	}

	pathSegments := map[string]bool{}
	for _, api := range c.APIEntities {
		if !tableIDs[api.EntityID] {
			return missingReference("table", api.EntityID)
		}
		if ReservedPathSegments[api.PathSegment] {
			return validationError("api entity %s: path segment %s is reserved", api.EntityID, api.PathSegment)
		}
		if pathSegments[api.PathSegment] {
			return &ConfigError{Kind: ErrDuplicatePathSegment, ID: api.PathSegment}
		}
		pathSegments[api.PathSegment] = true
		for _, op := range api.Operations {
			if !op.valid() {
				return validationError("api entity %s: unknown operation %s", api.PathSegment, op)
			}
		}
	}

	namespaces := map[string]bool{}
	for _, kv := range c.KVStores {
		if kv.Namespace == "" {
			return validationError("kv store %s: namespace is empty", kv.ID)
		}
		if namespaces[kv.Namespace] {
			return validationError("kv store %s: duplicate namespace %s", kv.ID, kv.Namespace)
		}
		namespaces[kv.Namespace] = true
	}
	return nil
}

func (c *FullConfig) isEmpty() bool {
	return len(c.Schemas) == 0 && len(c.Enums) == 0 && len(c.Tables) == 0 && len(c.Columns) == 0 &&
		len(c.Indexes) == 0 && len(c.Relationships) == 0 && len(c.APIEntities) == 0
}

func (o Operation) valid() bool {
	switch o {
	case OperationRead, OperationCreate, OperationUpdate, OperationDelete, OperationBulkCreate, OperationBulkUpdate:
		return true
	}
	return false
}
