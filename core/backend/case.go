// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"strings"
	"unicode"

	"github.com/relabs-tech/architect/core/crud"
)

// ToCamel converts a snake_case identifier to camelCase: every underscore is dropped and the
// character following it is upper-cased.
func ToCamel(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	upper := false
	for _, c := range s {
		switch {
		case c == '_':
			upper = true
		case upper:
			b.WriteRune(unicode.ToUpper(c))
			upper = false
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

// ToSnake converts a camelCase identifier to snake_case: every upper-case character is lowered
// and, unless it is the first character, prefixed with an underscore.
func ToSnake(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, c := range s {
		if unicode.IsUpper(c) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(c))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// keysToSnake returns obj with its top-level keys in snake_case. Nested values are kept as they are.
func keysToSnake(obj map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		out[ToSnake(k)] = v
	}
	return out
}

// keysToCamel returns obj with its top-level keys in camelCase
func keysToCamel(obj map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		out[ToCamel(k)] = v
	}
	return out
}

// camelRow renders a row for the client. Column keys and the keys of included objects are
// camelCased; the content of json columns is left alone.
func camelRow(row crud.Row, includes []string) map[string]interface{} {
	out := keysToCamel(row)
	for _, name := range includes {
		key := ToCamel(name)
		switch included := out[key].(type) {
		case map[string]interface{}:
			out[key] = keysToCamel(included)
		case []interface{}:
			items := make([]interface{}, len(included))
			for i, item := range included {
				if obj, ok := item.(map[string]interface{}); ok {
					items[i] = keysToCamel(obj)
				} else {
					items[i] = item
				}
			}
			out[key] = items
		}
	}
	return out
}

func camelRows(rows []crud.Row, includes []string) []map[string]interface{} {
	out := make([]map[string]interface{}, len(rows))
	for i, row := range rows {
		out[i] = camelRow(row, includes)
	}
	return out
}
