// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package crud

import (
	"bytes"
	"database/sql"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq"

	"github.com/relabs-tech/architect/core/config"
)

// Row is one result row as a JSON object
type Row = map[string]interface{}

// time layouts for values without zone
const (
	timestampLayout = "2006-01-02T15:04:05.999999"
	dateLayout      = "2006-01-02"
	timeLayout      = "15:04:05.999999"
)

// scanRows converts all rows into JSON objects. Numeric columns of e that arrive as text are turned
// back into JSON numbers.
func scanRows(rows *sql.Rows, e *config.ResolvedEntity) ([]Row, error) {
	defer rows.Close()
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	numericText := make([]bool, len(columnTypes))
	for i, ct := range columnTypes {
		if col, ok := e.Column(ct.Name()); ok && col.PgType == "numeric" {
			numericText[i] = true
		}
	}

	result := []Row{}
	values := make([]interface{}, len(columnTypes))
	pointers := make([]interface{}, len(columnTypes))
	for i := range values {
		pointers[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}
		row := make(Row, len(columnTypes))
		for i, ct := range columnTypes {
			row[ct.Name()] = convertValue(ct.DatabaseTypeName(), numericText[i], values[i])
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// convertValue maps a driver value to a JSON value, guided by the database type name
func convertValue(dbType string, numericText bool, v interface{}) interface{} {
	switch value := v.(type) {
	case nil:
		return nil
	case int64, bool:
		return value
	case float64:
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return strconv.FormatFloat(value, 'g', -1, 64)
		}
		return value
	case time.Time:
		switch dbType {
		case "TIMESTAMP":
			return value.Format(timestampLayout)
		case "DATE":
			return value.Format(dateLayout)
		case "TIME":
			return value.Format(timeLayout)
		case "TIMETZ":
			return value.Format(timeLayout + "Z07:00")
		}
		return value.UTC().Format(time.RFC3339Nano)
	case string:
		if numericText {
			return numberOrString(value)
		}
		return value
	case []byte:
		return convertBytes(dbType, numericText, value)
	}
	return v
}

func convertBytes(dbType string, numericText bool, value []byte) interface{} {
	switch {
	case dbType == "JSON" || dbType == "JSONB":
		return json.RawMessage(bytes.Clone(value))
	case dbType == "NUMERIC" || numericText:
		return numberOrString(string(value))
	case strings.HasPrefix(dbType, "_"):
		var elements []sql.NullString
		if err := pq.Array(&elements).Scan(value); err != nil {
			return string(value)
		}
		numeric := isNumericArray(dbType)
		result := make([]interface{}, len(elements))
		for i, element := range elements {
			switch {
			case !element.Valid:
				result[i] = nil
			case numeric:
				result[i] = numberOrString(element.String)
			default:
				result[i] = element.String
			}
		}
		return result
	}
	return string(value)
}

func isNumericArray(dbType string) bool {
	switch dbType {
	case "_INT2", "_INT4", "_INT8", "_FLOAT4", "_FLOAT8", "_NUMERIC":
		return true
	}
	return false
}

// numberOrString returns s as a JSON number if it is a finite float
func numberOrString(s string) interface{} {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return s
	}
	return json.Number(s)
}

// normalizeIncluded brings a value rendered by row_to_json into the shape scanRows produces for
// related, so both include forms yield the same JSON.
func normalizeIncluded(related *config.ResolvedEntity, raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var value interface{}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	switch v := value.(type) {
	case map[string]interface{}:
		normalizeObject(related, v)
		return v, nil
	case []interface{}:
		for _, element := range v {
			if obj, ok := element.(map[string]interface{}); ok {
				normalizeObject(related, obj)
			}
		}
		return v, nil
	}
	return value, nil
}

func normalizeObject(related *config.ResolvedEntity, obj map[string]interface{}) {
	for name, value := range obj {
		s, ok := value.(string)
		if !ok {
			continue
		}
		col, ok := related.Column(name)
		if !ok {
			continue
		}
		if col.PgType == "timestamptz" {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				obj[name] = t.UTC().Format(time.RFC3339Nano)
			}
		}
	}
}

// StripSensitive removes the sensitive columns of e from rows
func StripSensitive(e *config.ResolvedEntity, rows ...Row) {
	if len(e.SensitiveColumns) == 0 {
		return
	}
	for _, row := range rows {
		for name := range e.SensitiveColumns {
			delete(row, name)
		}
	}
}
