// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package schema

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/xeipuuv/gojsonschema"
)

// Violation is one schema violation inside a record list. Field is the path of the offending
// value, starting with the record index, for example "2.primary_key".
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// InvalidRecordsError is returned when a record list does not match the schema of its kind
type InvalidRecordsError struct {
	Kind       string
	Violations []Violation
}

func (e *InvalidRecordsError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Field + ": " + v.Message
	}
	return fmt.Sprintf("invalid %s records: %s", e.Kind, strings.Join(parts, "; "))
}

// RecordSchemas holds one compiled JSON schema per configuration kind
type RecordSchemas struct {
	byKind map[string]*gojsonschema.Schema
}

// LoadRecordSchemas compiles the schemas in fsys. Every <kind>.json at the top level validates
// the record list of that kind; the files in refs/ hold shared definitions and may be referenced
// by their $id.
func LoadRecordSchemas(fsys fs.FS) (*RecordSchemas, error) {
	refs, err := readSchemas(fsys, "refs")
	if err != nil {
		return nil, err
	}
	kinds, err := readSchemas(fsys, ".")
	if err != nil {
		return nil, err
	}

	schemas := &RecordSchemas{byKind: make(map[string]*gojsonschema.Schema, len(kinds))}
	for kind, document := range kinds {
		loader := gojsonschema.NewSchemaLoader()
		for name, ref := range refs {
			if err := loader.AddSchemas(gojsonschema.NewBytesLoader(ref)); err != nil {
				return nil, fmt.Errorf("cannot add shared schema %s: %w", name, err)
			}
		}
		compiled, err := loader.Compile(gojsonschema.NewBytesLoader(document))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema of %s: %w", kind, err)
		}
		schemas.byKind[kind] = compiled
	}
	return schemas, nil
}

// readSchemas returns the JSON files of dir by base name. Each must carry a $id.
func readSchemas(fsys fs.FS, dir string) (map[string][]byte, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("cannot read schema dir %s: %w", dir, err)
	}
	documents := map[string][]byte{}
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("cannot read schema %s: %w", entry.Name(), err)
		}
		var header struct {
			ID string `json:"$id"`
		}
		if err := json.Unmarshal(data, &header); err != nil {
			return nil, fmt.Errorf("parse error in schema %s: %w", entry.Name(), err)
		}
		if header.ID == "" {
			return nil, fmt.Errorf("schema %s does not contain $id", entry.Name())
		}
		documents[strings.TrimSuffix(entry.Name(), ".json")] = data
	}
	return documents, nil
}

// Kinds returns the configuration kinds with a schema, sorted
func (s *RecordSchemas) Kinds() []string {
	kinds := make([]string, 0, len(s.byKind))
	for kind := range s.byKind {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Has returns true if there is a schema for kind
func (s *RecordSchemas) Has(kind string) bool {
	_, ok := s.byKind[kind]
	return ok
}

// Validate validates a JSON record list of kind. A mismatch is returned as *InvalidRecordsError.
func (s *RecordSchemas) Validate(kind string, records []byte) error {
	compiled, ok := s.byKind[kind]
	if !ok {
		return fmt.Errorf("unknown config kind %s", kind)
	}
	result, err := compiled.Validate(gojsonschema.NewBytesLoader(records))
	if err != nil {
		return &InvalidRecordsError{Kind: kind, Violations: []Violation{{Field: "(root)", Message: err.Error()}}}
	}
	if result.Valid() {
		return nil
	}
	invalid := &InvalidRecordsError{Kind: kind}
	for _, e := range result.Errors() {
		invalid.Violations = append(invalid.Violations, Violation{Field: e.Field(), Message: e.Description()})
	}
	return invalid
}
