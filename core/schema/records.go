// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package schema

import (
	"embed"
	"fmt"
	"io/fs"
	"sync"
)

//go:embed records
var recordsFS embed.FS

var (
	builtin     *RecordSchemas
	builtinErr  error
	builtinOnce sync.Once
)

// Builtin returns the record schemas embedded in the binary, compiled once
func Builtin() (*RecordSchemas, error) {
	builtinOnce.Do(func() {
		sub, err := fs.Sub(recordsFS, "records")
		if err != nil {
			builtinErr = err
			return
		}
		builtin, builtinErr = LoadRecordSchemas(sub)
	})
	return builtin, builtinErr
}

// ValidateRecords validates a JSON array of configuration records of the given kind against
// the builtin schemas
func ValidateRecords(kind string, records []byte) error {
	schemas, err := Builtin()
	if err != nil {
		return fmt.Errorf("cannot load record schemas: %w", err)
	}
	return schemas.Validate(kind, records)
}
