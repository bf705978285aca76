// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/architect/core/logger"
)

// Meta is the meta block of list responses
type Meta struct {
	Count int `json:"count"`
}

// Single is the envelope of responses with one object
type Single struct {
	Data interface{} `json:"data"`
}

// Many is the envelope of responses with a list
type Many struct {
	Data interface{} `json:"data"`
	Meta Meta        `json:"meta"`
}

func many(data interface{}, count int) Many {
	return Many{Data: data, Meta: Meta{Count: count}}
}

// writeJSON writes v with status. A nil v writes the status only, an archive is written as is.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	if tagged, ok := v.(taggedBody); ok {
		w.Header().Set("Etag", tagged.etag)
		v = tagged.body
	}
	if v == nil {
		w.WriteHeader(status)
		return
	}
	if zip, ok := v.(archive); ok {
		w.Header().Set("Content-Type", "application/zip")
		w.WriteHeader(status)
		w.Write(zip)
		return
	}
	data, err := json.MarshalNoEscape(v)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 5502: cannot encode response")
		http.Error(w, "Error 5502", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// decodeBody decodes a JSON request body into v, keeping numbers as json.Number
func decodeBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(v); err != nil {
		return BadRequest("invalid JSON body: %s", err)
	}
	return nil
}
