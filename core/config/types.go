// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package config holds the declarative data model of a package and turns it into a resolved model.

Raw records arrive as JSON arrays per kind (schemas, enums, tables, columns, indexes, relationships,
api_entities, kv_stores). Validate checks referential integrity, Resolve builds the runtime entities
with their primary-key kind, casts hints and include graph.
*/
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Kind is a configuration record kind
type Kind string

// all supported configuration kinds
const (
	KindSchemas       Kind = "schemas"
	KindEnums         Kind = "enums"
	KindTables        Kind = "tables"
	KindColumns       Kind = "columns"
	KindIndexes       Kind = "indexes"
	KindRelationships Kind = "relationships"
	KindAPIEntities   Kind = "api_entities"
	KindKVStores      Kind = "kv_stores"
)

// Kinds lists every configuration kind in storage order
var Kinds = []Kind{
	KindSchemas,
	KindEnums,
	KindTables,
	KindColumns,
	KindIndexes,
	KindRelationships,
	KindAPIEntities,
	KindKVStores,
}

// ParseKind returns the kind for s, or false if s is not a known kind
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// DefaultPackageID is the package id used for configuration that is posted directly, without a package install.
const DefaultPackageID = "_default"

// Schema is a physical PostgreSQL schema
type Schema struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Comment string `json:"comment,omitempty"`
}

// Enum is an enumeration type owned by a schema
type Enum struct {
	ID       string   `json:"id"`
	SchemaID string   `json:"schema_id,omitempty"`
	Name     string   `json:"name"`
	Values   []string `json:"values"`
	Comment  string   `json:"comment,omitempty"`
}

// Check is a named table check constraint. The expression is emitted verbatim.
type Check struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

// PrimaryKey is either a single column name or a list of column names.
// In JSON it is a string or an array of strings.
type PrimaryKey []string

// UnmarshalJSON accepts a string or an array of strings
func (p *PrimaryKey) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*p = PrimaryKey{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("primary_key must be a string or an array of strings")
	}
	*p = PrimaryKey(list)
	return nil
}

// MarshalJSON renders a single-column key as a string
func (p PrimaryKey) MarshalJSON() ([]byte, error) {
	if len(p) == 1 {
		return json.Marshal(p[0])
	}
	return json.Marshal([]string(p))
}

// Table is a table owned by a schema
type Table struct {
	ID         string     `json:"id"`
	SchemaID   string     `json:"schema_id,omitempty"`
	Name       string     `json:"name"`
	Comment    string     `json:"comment,omitempty"`
	PrimaryKey PrimaryKey `json:"primary_key"`
	Unique     [][]string `json:"unique,omitempty"`
	Check      []Check    `json:"check,omitempty"`
}

// ColumnType is a column type descriptor, either a simple name like "text" or a parameterized
// name like {"name":"varchar","params":[64]}.
type ColumnType struct {
	Name   string `json:"name"`
	Params []int  `json:"params,omitempty"`
}

// UnmarshalJSON accepts a string or an object with name and params
func (t *ColumnType) UnmarshalJSON(data []byte) error {
	var simple string
	if err := json.Unmarshal(data, &simple); err == nil {
		*t = ColumnType{Name: simple}
		return nil
	}
	var parameterized struct {
		Name   string `json:"name"`
		Params []int  `json:"params"`
	}
	if err := json.Unmarshal(data, &parameterized); err != nil {
		return fmt.Errorf("column type must be a string or an object with name and params")
	}
	*t = ColumnType{Name: parameterized.Name, Params: parameterized.Params}
	return nil
}

// MarshalJSON renders a type without params as a plain string
func (t ColumnType) MarshalJSON() ([]byte, error) {
	if len(t.Params) == 0 {
		return json.Marshal(t.Name)
	}
	type plain ColumnType
	return json.Marshal(plain(t))
}

// String renders the type as used in DDL, name or name(p1,p2)
func (t ColumnType) String() string {
	if len(t.Params) == 0 {
		return t.Name
	}
	params := make([]string, len(t.Params))
	for i, p := range t.Params {
		params[i] = strconv.Itoa(p)
	}
	return t.Name + "(" + strings.Join(params, ",") + ")"
}

// ColumnDefault is a column default value. Both literals and expressions are emitted verbatim.
// In JSON it is a string, {"expression": "..."}, or {"value": "..."} / {"literal": "..."}.
type ColumnDefault struct {
	Literal    string
	Expression string
}

// SQL returns the default as emitted into DDL
func (d ColumnDefault) SQL() string {
	if d.Expression != "" {
		return d.Expression
	}
	return d.Literal
}

// UnmarshalJSON accepts a string or an object with expression, value or literal
func (d *ColumnDefault) UnmarshalJSON(data []byte) error {
	var literal string
	if err := json.Unmarshal(data, &literal); err == nil {
		*d = ColumnDefault{Literal: literal}
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("column default must be a string or an object")
	}
	if expr, ok := obj["expression"].(string); ok {
		*d = ColumnDefault{Expression: expr}
		return nil
	}
	for _, key := range []string{"value", "literal"} {
		if lit, ok := obj[key].(string); ok {
			*d = ColumnDefault{Literal: lit}
			return nil
		}
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	return fmt.Errorf(`column default must be a string, {"expression": "..."} or {"value": "..."}; got object with keys %v`, keys)
}

// MarshalJSON renders the default in the same forms it was read from
func (d ColumnDefault) MarshalJSON() ([]byte, error) {
	if d.Expression != "" {
		return json.Marshal(map[string]string{"expression": d.Expression})
	}
	return json.Marshal(d.Literal)
}

// Column is a column of a table
type Column struct {
	ID       string         `json:"id"`
	TableID  string         `json:"table_id"`
	Name     string         `json:"name"`
	Type     ColumnType     `json:"type"`
	Nullable *bool          `json:"nullable,omitempty"`
	Default  *ColumnDefault `json:"default,omitempty"`
	Comment  string         `json:"comment,omitempty"`
}

// IsNullable returns whether the column accepts NULL. Columns are nullable unless declared otherwise.
func (c Column) IsNullable() bool {
	return c.Nullable == nil || *c.Nullable
}

// IndexColumn is one entry of an index column list: a plain column name, a column with
// direction and nulls ordering, or an expression.
type IndexColumn struct {
	Name       string
	Direction  string
	Nulls      string
	Expression string
}

// UnmarshalJSON accepts a string, {"name","direction","nulls"} or {"expression"}
func (c *IndexColumn) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*c = IndexColumn{Name: name}
		return nil
	}
	var obj struct {
		Name       string `json:"name"`
		Direction  string `json:"direction"`
		Nulls      string `json:"nulls"`
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("index column must be a string or an object")
	}
	if obj.Name == "" && obj.Expression == "" {
		return fmt.Errorf("index column object needs a name or an expression")
	}
	*c = IndexColumn{Name: obj.Name, Direction: obj.Direction, Nulls: obj.Nulls, Expression: obj.Expression}
	return nil
}

// MarshalJSON renders a plain column name as a string
func (c IndexColumn) MarshalJSON() ([]byte, error) {
	switch {
	case c.Expression != "":
		return json.Marshal(map[string]string{"expression": c.Expression})
	case c.Direction == "" && c.Nulls == "":
		return json.Marshal(c.Name)
	}
	obj := map[string]string{"name": c.Name}
	if c.Direction != "" {
		obj["direction"] = c.Direction
	}
	if c.Nulls != "" {
		obj["nulls"] = c.Nulls
	}
	return json.Marshal(obj)
}

// Index is a table index
type Index struct {
	ID       string        `json:"id"`
	SchemaID string        `json:"schema_id,omitempty"`
	TableID  string        `json:"table_id"`
	Name     string        `json:"name"`
	Method   string        `json:"method,omitempty"`
	Unique   bool          `json:"unique,omitempty"`
	Columns  []IndexColumn `json:"columns"`
	Include  []string      `json:"include,omitempty"`
	Where    string        `json:"where,omitempty"`
	Comment  string        `json:"comment,omitempty"`
}

// Relationship is a foreign key from (from_table, from_column) to (to_table, to_column)
type Relationship struct {
	ID           string `json:"id"`
	FromSchemaID string `json:"from_schema_id"`
	FromTableID  string `json:"from_table_id"`
	FromColumnID string `json:"from_column_id"`
	ToSchemaID   string `json:"to_schema_id"`
	ToTableID    string `json:"to_table_id"`
	ToColumnID   string `json:"to_column_id"`
	OnUpdate     string `json:"on_update,omitempty"`
	OnDelete     string `json:"on_delete,omitempty"`
	Name         string `json:"name,omitempty"`
}

// ValidationRule holds the request body rules for one column
type ValidationRule struct {
	Required  *bool         `json:"required,omitempty"`
	Format    string        `json:"format,omitempty"`
	MaxLength *int          `json:"max_length,omitempty"`
	MinLength *int          `json:"min_length,omitempty"`
	Pattern   string        `json:"pattern,omitempty"`
	Allowed   []interface{} `json:"allowed,omitempty"`
	Minimum   *float64      `json:"minimum,omitempty"`
	Maximum   *float64      `json:"maximum,omitempty"`
}

// Operation is an operation permitted on an API entity
type Operation string

// all supported entity operations
const (
	OperationRead       Operation = "read"
	OperationCreate     Operation = "create"
	OperationUpdate     Operation = "update"
	OperationDelete     Operation = "delete"
	OperationBulkCreate Operation = "bulk_create"
	OperationBulkUpdate Operation = "bulk_update"
)

// APIEntity binds a table to a URL path segment
type APIEntity struct {
	EntityID         string                    `json:"entity_id"`
	PathSegment      string                    `json:"path_segment"`
	Operations       []Operation               `json:"operations"`
	SensitiveColumns []string                  `json:"sensitive_columns,omitempty"`
	Validation       map[string]ValidationRule `json:"validation,omitempty"`
}

// KVStore binds a logical key/value namespace
type KVStore struct {
	ID        string `json:"id"`
	Namespace string `json:"namespace"`
	Comment   string `json:"comment,omitempty"`
}

// FullConfig is the complete configuration of one package
type FullConfig struct {
	Schemas       []Schema
	Enums         []Enum
	Tables        []Table
	Columns       []Column
	Indexes       []Index
	Relationships []Relationship
	APIEntities   []APIEntity
	KVStores      []KVStore
}

// Decode fills the records of kind from their raw JSON payloads
func (c *FullConfig) Decode(kind Kind, payloads []json.RawMessage) error {
	decode := func(target interface{}) error {
		raw, err := json.Marshal(payloads)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return &ConfigError{Kind: ErrLoad, Message: fmt.Sprintf("cannot decode %s: %s", kind, err)}
		}
		return nil
	}
	if payloads == nil {
		payloads = []json.RawMessage{}
	}
	switch kind {
	case KindSchemas:
		return decode(&c.Schemas)
	case KindEnums:
		return decode(&c.Enums)
	case KindTables:
		return decode(&c.Tables)
	case KindColumns:
		return decode(&c.Columns)
	case KindIndexes:
		return decode(&c.Indexes)
	case KindRelationships:
		return decode(&c.Relationships)
	case KindAPIEntities:
		return decode(&c.APIEntities)
	case KindKVStores:
		return decode(&c.KVStores)
	}
	return &ConfigError{Kind: ErrLoad, Message: fmt.Sprintf("unknown config kind %s", kind)}
}
