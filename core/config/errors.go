// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package config

import "fmt"

// ErrorKind classifies a ConfigError
type ErrorKind string

// all configuration error kinds
const (
	ErrMissingReference     ErrorKind = "missing_reference"
	ErrInvalidPrimaryKey    ErrorKind = "invalid_primary_key"
	ErrDuplicatePathSegment ErrorKind = "duplicate_path_segment"
	ErrLoad                 ErrorKind = "load"
	ErrValidation           ErrorKind = "validation"
)

// ConfigError is returned by Validate, Resolve and the loaders
type ConfigError struct {
	Kind ErrorKind
	// RefKind is the kind of the missing reference, for example "schema" or "table"
	RefKind string
	// ID is the offending id: the missing reference, the table or the path segment
	ID string
	// Column is set for ErrInvalidPrimaryKey
	Column  string
	Message string
}

func (e *ConfigError) Error() string {
	switch e.Kind {
	case ErrMissingReference:
		return fmt.Sprintf("missing reference: %s id '%s'", e.RefKind, e.ID)
	case ErrInvalidPrimaryKey:
		return fmt.Sprintf("invalid primary key: table %s column %s", e.ID, e.Column)
	case ErrDuplicatePathSegment:
		return fmt.Sprintf("duplicate path segment: %s", e.ID)
	case ErrLoad:
		return "config load: " + e.Message
	}
	return "validation: " + e.Message
}

func missingReference(refKind, id string) error {
	return &ConfigError{Kind: ErrMissingReference, RefKind: refKind, ID: id}
}

func validationError(format string, args ...interface{}) error {
	return &ConfigError{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}
