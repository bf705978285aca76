// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package sqlbuilder

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relabs-tech/architect/core/config"
)

// Bind converts a decoded JSON value into a driver value for col.
//
// Numbers keep their textual form for numeric columns and become int64 where they are integral,
// float64 otherwise. Objects and arrays bind as JSON text, except for array columns which bind as
// PostgreSQL arrays. Every non-null value of a json or jsonb column binds as JSON text, scalar
// strings included. UUID columns reject strings that are not UUIDs.
func Bind(col config.ColumnInfo, v interface{}) (interface{}, error) {
	if v != nil && (col.Type == "json" || col.Type == "jsonb") {
		return jsonText(col, v)
	}
	switch value := v.(type) {
	case nil:
		return nil, nil
	case bool, int64, float64:
		return value, nil
	case int:
		return int64(value), nil
	case json.Number:
		if col.PgType == "numeric" {
			return value.String(), nil
		}
		if i, err := value.Int64(); err == nil {
			return i, nil
		}
		f, err := value.Float64()
		if err != nil {
			return nil, inputError("invalid number %s for column %s", value, col.Name)
		}
		return f, nil
	case string:
		if col.PgType == "uuid" {
			id, err := uuid.Parse(value)
			if err != nil {
				return nil, inputError("invalid uuid %q for column %s", value, col.Name)
			}
			return id.String(), nil
		}
		return value, nil
	case []interface{}:
		if strings.HasSuffix(col.Type, "[]") {
			elements := make([]sql.NullString, len(value))
			for i, e := range value {
				if e != nil {
					elements[i] = sql.NullString{String: elementText(e), Valid: true}
				}
			}
			return pq.Array(elements), nil
		}
	}
	return jsonText(col, v)
}

func jsonText(col config.ColumnInfo, v interface{}) (interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, inputError("cannot bind value for column %s: %s", col.Name, err)
	}
	return string(raw), nil
}

func elementText(v interface{}) string {
	switch e := v.(type) {
	case string:
		return e
	case json.Number:
		return e.String()
	case bool:
		return strconv.FormatBool(e)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
