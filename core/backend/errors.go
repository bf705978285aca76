// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/lib/pq"

	"github.com/relabs-tech/architect/core/backend/kss"
	"github.com/relabs-tech/architect/core/config"
	"github.com/relabs-tech/architect/core/crud"
	"github.com/relabs-tech/architect/core/installer"
	"github.com/relabs-tech/architect/core/logger"
	"github.com/relabs-tech/architect/core/modelcache"
	"github.com/relabs-tech/architect/core/sqlbuilder"
	"github.com/relabs-tech/architect/core/tenant"
)

// error codes of the error envelope
const (
	CodeConfig     = "config_error"
	CodeNotFound   = "not_found"
	CodeValidation = "validation_error"
	CodeDatabase   = "database_error"
	CodeConflict   = "conflict"
	CodeBadRequest = "bad_request"
)

// APIError is an error with its HTTP representation
type APIError struct {
	Code    string      `json:"code"`
	Status  int         `json:"-"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// NotFound returns a not_found error
func NotFound(format string, args ...interface{}) *APIError {
	return &APIError{Code: CodeNotFound, Status: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

// BadRequest returns a bad_request error
func BadRequest(format string, args ...interface{}) *APIError {
	return &APIError{Code: CodeBadRequest, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Validation returns a validation_error with optional details
func Validation(message string, details interface{}) *APIError {
	return &APIError{Code: CodeValidation, Status: http.StatusUnprocessableEntity, Message: message, Details: details}
}

// Conflict returns a conflict error
func Conflict(message string) *APIError {
	return &APIError{Code: CodeConflict, Status: http.StatusConflict, Message: message}
}

// ConfigFailure returns a config_error. status is 422 for submitted configuration and 500 for
// stored configuration which cannot be loaded.
func ConfigFailure(status int, message string) *APIError {
	return &APIError{Code: CodeConfig, Status: status, Message: message}
}

// Database returns a database_error. The message never contains driver details.
func Database() *APIError {
	return &APIError{Code: CodeDatabase, Status: http.StatusInternalServerError, Message: "database error"}
}

// classify maps an error of the core packages to its HTTP representation
func classify(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, crud.ErrRowNotFound) || errors.Is(err, sql.ErrNoRows) {
		return NotFound("not found")
	}
	if errors.Is(err, tenant.ErrUnknownTenant) {
		return NotFound("unknown tenant")
	}
	if errors.Is(err, kss.ErrNotFound) {
		return NotFound("archive not found")
	}

	var inputErr *sqlbuilder.InputError
	if errors.As(err, &inputErr) {
		return BadRequest("%s", inputErr.Message)
	}
	var bundleErr *installer.BundleError
	if errors.As(err, &bundleErr) {
		return BadRequest("%s", bundleErr.Message)
	}
	var violation *config.RuleViolation
	if errors.As(err, &violation) {
		return Validation(violation.Error(), map[string]string{"column": ToCamel(violation.Column)})
	}
	var loadErr *modelcache.LoadError
	if errors.As(err, &loadErr) {
		return ConfigFailure(http.StatusInternalServerError, loadErr.Error())
	}
	var configErr *config.ConfigError
	if errors.As(err, &configErr) {
		return ConfigFailure(http.StatusUnprocessableEntity, configErr.Error())
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "23503":
			return Conflict(pqErr.Message)
		case "22P02", "22007", "22008":
			return BadRequest("%s", pqErr.Message)
		case "23502", "23514":
			var details interface{}
			if pqErr.Column != "" {
				details = map[string]string{"column": ToCamel(pqErr.Column)}
			}
			return Validation(pqErr.Message, details)
		}
	}
	return Database()
}

type errorEnvelope struct {
	Error *APIError `json:"error"`
}

// writeError writes the error envelope. Server side failures are logged with the original error.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := classify(err)
	rlog := logger.FromContext(r.Context())
	if apiErr.Status >= http.StatusInternalServerError {
		rlog.WithError(err).Errorf("Error 5501: %s %s failed", r.Method, r.URL.Path)
	} else {
		rlog.WithError(err).Debugf("%s %s rejected with %s", r.Method, r.URL.Path, apiErr.Code)
	}
	writeJSON(w, r, apiErr.Status, errorEnvelope{Error: apiErr})
}
