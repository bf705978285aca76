// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/relabs-tech/architect/core/backend/kss"
	"github.com/relabs-tech/architect/core/config"
	"github.com/relabs-tech/architect/core/crud"
	"github.com/relabs-tech/architect/core/installer"
	"github.com/relabs-tech/architect/core/modelcache"
	"github.com/relabs-tech/architect/core/sqlbuilder"
	"github.com/relabs-tech/architect/core/tenant"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"api error", BadRequest("bad"), http.StatusBadRequest, CodeBadRequest},
		{"row not found", fmt.Errorf("read: %w", crud.ErrRowNotFound), http.StatusNotFound, CodeNotFound},
		{"unknown tenant", tenant.ErrUnknownTenant, http.StatusNotFound, CodeNotFound},
		{"missing archive", kss.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{"input", &sqlbuilder.InputError{Message: "unknown column x"}, http.StatusBadRequest, CodeBadRequest},
		{"bundle", &installer.BundleError{Message: "missing manifest.json"}, http.StatusBadRequest, CodeBadRequest},
		{"rule", &config.RuleViolation{Column: "full_name", Message: "too long"}, http.StatusUnprocessableEntity, CodeValidation},
		{"config", &config.ConfigError{Kind: config.ErrMissingReference, RefKind: "table", ID: "orders"}, http.StatusUnprocessableEntity, CodeConfig},
		{"load", &modelcache.LoadError{PackageID: "shop", Err: errors.New("gone")}, http.StatusInternalServerError, CodeConfig},
		{"unique", &pq.Error{Code: "23505", Message: "duplicate key"}, http.StatusConflict, CodeConflict},
		{"foreign key", &pq.Error{Code: "23503", Message: "violates foreign key"}, http.StatusConflict, CodeConflict},
		{"syntax", &pq.Error{Code: "22P02", Message: "invalid input syntax"}, http.StatusBadRequest, CodeBadRequest},
		{"not null", &pq.Error{Code: "23502", Message: "null value", Column: "total"}, http.StatusUnprocessableEntity, CodeValidation},
		{"other pq", &pq.Error{Code: "42P01", Message: "relation does not exist"}, http.StatusInternalServerError, CodeDatabase},
		{"other", errors.New("connection reset"), http.StatusInternalServerError, CodeDatabase},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := classify(tt.err)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.code, apiErr.Code)
		})
	}
}

func TestClassifyDetails(t *testing.T) {
	apiErr := classify(&config.RuleViolation{Column: "full_name", Message: "too long"})
	assert.Equal(t, map[string]string{"column": "fullName"}, apiErr.Details)

	apiErr = classify(&pq.Error{Code: "23502", Message: "null value", Column: "unit_price"})
	assert.Equal(t, map[string]string{"column": "unitPrice"}, apiErr.Details)

	// database internals never reach the client
	apiErr = classify(&pq.Error{Code: "42P01", Message: `relation "secret" does not exist`})
	assert.Equal(t, "database error", apiErr.Message)
}
