// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package config

// PKKind is the kind of a primary key, used to parse ids from request paths
type PKKind string

// all primary key kinds
const (
	PKUUID   PKKind = "uuid"
	PKBigInt PKKind = "bigint"
	PKInt    PKKind = "int"
	PKText   PKKind = "text"
)

// IncludeDirection is the direction of an include
type IncludeDirection string

// include directions
const (
	// ToOne means this entity holds the foreign key
	ToOne IncludeDirection = "to_one"
	// ToMany means the related entity holds the foreign key
	ToMany IncludeDirection = "to_many"
)

// IncludeSpec describes a related entity that can be attached to responses with ?include=name
type IncludeSpec struct {
	// Name is the path segment of the related entity
	Name      string
	Direction IncludeDirection
	// OurColumn is our foreign key for to-one, or our referenced column for to-many
	OurColumn string
	// TheirColumn is their referenced column for to-one, or their foreign key for to-many
	TheirColumn string
}

// ColumnInfo is a resolved column
type ColumnInfo struct {
	Name string
	// Type is the declared type name in lower case, without parameters
	Type       string
	PrimaryKey bool
	Nullable   bool
	HasDefault bool
	// PgType is the cast applied to bind parameters, for example timestamptz or "sample"."status".
	// Empty if no cast is needed.
	PgType string
	// ReadAsText is set for numeric and custom types which are projected as text
	ReadAsText bool
	// Implicit is set for the injected created_at, updated_at and archived_at columns
	Implicit bool
}

// ResolvedEntity is the runtime view of an API-bound table
type ResolvedEntity struct {
	TableID     string
	SchemaName  string
	TableName   string
	PathSegment string
	PKColumns   []string
	PKKind      PKKind
	Columns     []ColumnInfo
	Operations  map[Operation]bool
	// SensitiveColumns are stripped from every response
	SensitiveColumns map[string]bool
	Includes         []IncludeSpec
	Validation       map[string]ValidationRule

	columnIndex map[string]int
}

// PK returns the column addressed by single-id operations
func (e *ResolvedEntity) PK() string {
	return e.PKColumns[0]
}

// Column returns the column with the given name
func (e *ResolvedEntity) Column(name string) (ColumnInfo, bool) {
	i, ok := e.columnIndex[name]
	if !ok {
		return ColumnInfo{}, false
	}
	return e.Columns[i], true
}

// HasColumn returns true if the entity has a column with the given name
func (e *ResolvedEntity) HasColumn(name string) bool {
	_, ok := e.columnIndex[name]
	return ok
}

// Allows returns true if the operation is permitted by the API binding
func (e *ResolvedEntity) Allows(op Operation) bool {
	return e.Operations[op]
}

// Include returns the include spec with the given name
func (e *ResolvedEntity) Include(name string) (IncludeSpec, bool) {
	for _, inc := range e.Includes {
		if inc.Name == name {
			return inc, true
		}
	}
	return IncludeSpec{}, false
}

// ResolvedModel is the resolved API surface of one package
type ResolvedModel struct {
	// Entities in the order of their API bindings
	Entities []*ResolvedEntity
	// KVNamespaces holds the declared key/value namespaces
	KVNamespaces map[string]bool

	byPath map[string]*ResolvedEntity
}

// EntityByPath returns the entity bound to the path segment
func (m *ResolvedModel) EntityByPath(pathSegment string) (*ResolvedEntity, bool) {
	if m == nil {
		return nil, false
	}
	e, ok := m.byPath[pathSegment]
	return e, ok
}

// EmptyModel returns a model without entities
func EmptyModel() *ResolvedModel {
	return &ResolvedModel{byPath: map[string]*ResolvedEntity{}, KVNamespaces: map[string]bool{}}
}
