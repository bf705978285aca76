// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package config

import (
	"fmt"
	"net/mail"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// RuleViolation is returned by ValidateBody and ValidatePartial when a body breaks a validation rule
type RuleViolation struct {
	Column  string
	Message string
}

func (e *RuleViolation) Error() string {
	return e.Message
}

func violation(column, format string, args ...interface{}) error {
	return &RuleViolation{Column: column, Message: fmt.Sprintf(format, args...)}
}

// ValidateBody checks body against all rules, including required. Rules are evaluated in column order.
func ValidateBody(body map[string]interface{}, rules map[string]ValidationRule) error {
	for _, column := range sortedRuleColumns(rules) {
		rule := rules[column]
		value, present := body[column]
		if rule.Required != nil && *rule.Required && (!present || value == nil) {
			return violation(column, "%s is required", column)
		}
		if present {
			if err := validateField(column, value, rule); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidatePartial checks only the fields present in body. Missing required fields are not reported.
func ValidatePartial(body map[string]interface{}, rules map[string]ValidationRule) error {
	for _, column := range sortedRuleColumns(rules) {
		value, present := body[column]
		if !present {
			continue
		}
		if err := validateField(column, value, rules[column]); err != nil {
			return err
		}
	}
	return nil
}

func sortedRuleColumns(rules map[string]ValidationRule) []string {
	columns := make([]string, 0, len(rules))
	for column := range rules {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return columns
}

func validateField(column string, value interface{}, rule ValidationRule) error {
	if value == nil {
		return nil
	}
	s, isString := value.(string)
	n, isNumber := asFloat(value)

	if isString {
		switch strings.ToLower(rule.Format) {
		case "email":
			if addr, err := mail.ParseAddress(s); err != nil || addr.Address != s {
				return violation(column, "%s must be a valid email", column)
			}
		case "uuid":
			if _, err := uuid.Parse(s); err != nil {
				return violation(column, "%s must be a valid UUID", column)
			}
		}
		if rule.MaxLength != nil && len(s) > *rule.MaxLength {
			return violation(column, "%s must be at most %d characters", column, *rule.MaxLength)
		}
		if rule.MinLength != nil && len(s) < *rule.MinLength {
			return violation(column, "%s must be at least %d characters", column, *rule.MinLength)
		}
	}
	if rule.Pattern != "" {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return violation(column, "invalid pattern for %s", column)
		}
		if isString && !re.MatchString(s) {
			return violation(column, "%s does not match required pattern", column)
		}
	}
	if len(rule.Allowed) > 0 {
		found := false
		for _, allowed := range rule.Allowed {
			if valuesEqual(value, allowed) {
				found = true
				break
			}
		}
		if !found {
			shown := rule.Allowed
			if len(shown) > 5 {
				shown = shown[:5]
			}
			return violation(column, "%s must be one of: %v", column, shown)
		}
	}
	if isNumber {
		if rule.Minimum != nil && n < *rule.Minimum {
			return violation(column, "%s must be at least %v", column, *rule.Minimum)
		}
		if rule.Maximum != nil && n > *rule.Maximum {
			return violation(column, "%s must be at most %v", column, *rule.Maximum)
		}
	}
	return nil
}

// asFloat converts JSON numbers, decoded with or without UseNumber, to float64
func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func valuesEqual(a, b interface{}) bool {
	if fa, ok := asFloat(a); ok {
		fb, ok := asFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
