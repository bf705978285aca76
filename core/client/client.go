// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package client provides easy and fast in-process access to a REST api

Instead of marshalling HTTP, the client talks directly to the mux router. The client
is the tool of choice if one request handler needs to call other handlers to fulfill
its task. It is also perfectly suited for unit tests.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// TenantHeader is the header WithTenant sets
const TenantHeader = "X-Tenant-ID"

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	ctx        context.Context

	defaultHeaders map[string]string
}

// Error is returned for responses with an unexpected status
type Error struct {
	Status int
	// Code and Message are taken from the error envelope, if there is one
	Code    string
	Message string
	Body    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("handler returned wrong status code: got %v. Error: %s", e.Status, e.Body)
}

func newError(status int, body []byte) *Error {
	e := &Error{Status: status, Body: strings.TrimSpace(string(body))}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		e.Code = envelope.Error.Code
		e.Message = envelope.Error.Message
	}
	return e
}

// NewWithRouter creates a client to make pseudo-REST requests to the backend,
// through the mux router
//
// WithTenant() adds the tenant header to every request.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the backend
func NewWithURL(url string) Client {
	return Client{
		url:            url,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := make(map[string]string, len(c.defaultHeaders)+1)
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	headers[key] = value
	c.defaultHeaders = headers
	return c
}

// WithTenant returns a new client sending requests for the tenant
func (c Client) WithTenant(tenantID string) Client {
	return c.WithHeader(TenantHeader, tenantID)
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context of the client
func (c Client) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// do sends a request and returns the status, the header and the body of the response
func (c Client) do(method, path string, header map[string]string, body io.Reader) (int, http.Header, []byte, error) {
	r, err := http.NewRequestWithContext(c.Context(), method, c.url+path, body)
	if err != nil {
		return 0, nil, nil, err
	}
	for key, value := range c.defaultHeaders {
		r.Header.Set(key, value)
	}
	for key, value := range header {
		r.Header.Set(key, value)
	}

	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res := rec.Result()
		return res.StatusCode, res.Header, rec.Body.Bytes(), nil
	}
	res, err := c.httpClient.Do(r)
	if err != nil {
		return http.StatusInternalServerError, nil, nil, err
	}
	defer res.Body.Close()
	resBody, _ := io.ReadAll(res.Body)
	return res.StatusCode, res.Header, resBody, nil
}

// decode stores the response body in result. A *[]byte result receives the raw body.
func decode(resBody []byte, result interface{}) error {
	if len(resBody) == 0 || result == nil {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = resBody
		return nil
	}
	return json.Unmarshal(resBody, result)
}

func encode(method, path string, body interface{}) (io.Reader, error) {
	if body == nil {
		return nil, nil
	}
	j, ok := body.([]byte)
	if !ok {
		var err error
		j, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s to %s: %w", method, path, err)
		}
	}
	return bytes.NewReader(j), nil
}

func (c Client) send(method, path string, header map[string]string, body interface{}, result interface{}, expected ...int) (int, http.Header, error) {
	reader, err := encode(method, path, body)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	if reader != nil {
		if header == nil {
			header = map[string]string{}
		}
		if _, ok := header["Content-Type"]; !ok {
			header["Content-Type"] = "application/json"
		}
	}
	status, resHeader, resBody, err := c.do(method, path, header, reader)
	if err != nil {
		return status, resHeader, err
	}
	for _, s := range expected {
		if status == s {
			return status, resHeader, decode(resBody, result)
		}
	}
	return status, resHeader, newError(status, resBody)
}

// RawGet retrieves the resource at path and expects 200 or 204
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, _, err := c.RawGetWithHeader(path, nil, result)
	return status, err
}

// RawGetWithHeader retrieves the resource at path with additional headers and returns the
// response header
func (c Client) RawGetWithHeader(path string, header map[string]string, result interface{}) (int, http.Header, error) {
	return c.send(http.MethodGet, path, header, nil, result, http.StatusOK, http.StatusNoContent, http.StatusNotModified)
}

// RawPost posts body to path and expects 201 or 200
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	return c.RawPostWithHeader(path, nil, body, result)
}

// RawPostWithHeader posts body to path with additional headers
func (c Client) RawPostWithHeader(path string, header map[string]string, body interface{}, result interface{}) (int, error) {
	status, _, err := c.send(http.MethodPost, path, header, body, result, http.StatusCreated, http.StatusOK)
	return status, err
}

// RawPut puts body to path and expects 200, 201 or 204
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	status, _, err := c.send(http.MethodPut, path, nil, body, result, http.StatusOK, http.StatusCreated, http.StatusNoContent)
	return status, err
}

// RawPatch patches path with body and expects 200, 201 or 204
func (c Client) RawPatch(path string, body interface{}, result interface{}) (int, error) {
	status, _, err := c.send(http.MethodPatch, path, nil, body, result, http.StatusOK, http.StatusCreated, http.StatusNoContent)
	return status, err
}

// RawDelete deletes the resource at path and expects 204
func (c Client) RawDelete(path string) (int, error) {
	status, _, err := c.send(http.MethodDelete, path, nil, nil, nil, http.StatusNoContent)
	return status, err
}

// PostMultipart posts data as the form file "file" to path and expects 200
func (c Client) PostMultipart(path string, data []byte, result interface{}) (int, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	fw, err := w.CreateFormFile("file", "package.zip")
	if err != nil {
		return 0, err
	}
	if _, err = fw.Write(data); err != nil {
		return 0, err
	}
	w.Close()

	status, _, resBody, err := c.do(http.MethodPost, path, map[string]string{"Content-Type": w.FormDataContentType()}, &b)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK {
		return status, newError(status, resBody)
	}
	return status, decode(resBody, result)
}

// Entity represents the routes of an API entity
type Entity struct {
	client      *Client
	packageID   string
	pathSegment string
	parameters  url.Values
}

// Entity returns a new entity client for the path segment in the default package
func (c Client) Entity(pathSegment string) Entity {
	return Entity{client: &c, pathSegment: pathSegment}
}

// InPackage returns a new entity client addressing the entity in a package
func (e Entity) InPackage(packageID string) Entity {
	e.packageID = packageID
	return e
}

// WithParameter returns a new entity client with a query parameter added
func (e Entity) WithParameter(key string, value string) Entity {
	parameters := url.Values{}
	for k, v := range e.parameters {
		parameters[k] = append([]string(nil), v...)
	}
	parameters.Add(key, value)
	e.parameters = parameters
	return e
}

// WithFilter is a shortcut for WithParameter
func (e Entity) WithFilter(column string, value string) Entity {
	return e.WithParameter(column, value)
}

// Path returns the collection path of the entity, with parameters in sorted order
func (e Entity) Path() string {
	path := "/api/v1"
	if e.packageID != "" {
		path += "/package/" + e.packageID
	}
	path += "/" + e.pathSegment
	if len(e.parameters) == 0 {
		return path
	}
	keys := make([]string, 0, len(e.parameters))
	for k := range e.parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	query := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range e.parameters[k] {
			query = append(query, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return path + "?" + strings.Join(query, "&")
}

func (e Entity) itemPath(suffix string) string {
	path := e.Path()
	query := ""
	if i := strings.Index(path, "?"); i >= 0 {
		path, query = path[:i], path[i:]
	}
	return path + "/" + url.PathEscape(suffix) + query
}

// List lists the entity. result receives the envelope.
func (e Entity) List(result interface{}) (int, error) {
	return e.client.RawGet(e.Path(), result)
}

// Create creates an entity and expects 201
func (e Entity) Create(body interface{}, result interface{}) (int, error) {
	status, _, err := e.client.send(http.MethodPost, e.Path(), nil, body, result, http.StatusCreated)
	return status, err
}

// BulkCreate creates all items and expects 201
func (e Entity) BulkCreate(items interface{}, result interface{}) (int, error) {
	status, _, err := e.client.send(http.MethodPost, e.itemPath("bulk"), nil, items, result, http.StatusCreated)
	return status, err
}

// BulkUpdate patches all items, each carrying its primary key
func (e Entity) BulkUpdate(items interface{}, result interface{}) (int, error) {
	return e.client.RawPatch(e.itemPath("bulk"), items, result)
}

// Item represents one entity row
type Item struct {
	entity Entity
	id     string
}

// Item returns a new item client
func (e Entity) Item(id interface{}) Item {
	return Item{entity: e, id: fmt.Sprint(id)}
}

// Path returns the path of the item
func (i Item) Path() string {
	return i.entity.itemPath(i.id)
}

// Read reads the item
func (i Item) Read(result interface{}) (int, error) {
	return i.entity.client.RawGet(i.Path(), result)
}

// Patch updates the item with the fields in body
func (i Item) Patch(body interface{}, result interface{}) (int, error) {
	return i.entity.client.RawPatch(i.Path(), body, result)
}

// Delete deletes the item
func (i Item) Delete() (int, error) {
	return i.entity.client.RawDelete(i.Path())
}

// KV represents a key/value namespace of a package
type KV struct {
	client *Client
	path   string
}

// KV returns a new key/value client
func (c Client) KV(packageID, namespace string) KV {
	return KV{client: &c, path: "/api/v1/package/" + packageID + "/kv/" + namespace}
}

// List lists all items of the namespace
func (k KV) List(result interface{}) (int, error) {
	return k.client.RawGet(k.path, result)
}

// Get reads the value of key
func (k KV) Get(key string, result interface{}) (int, error) {
	return k.client.RawGet(k.path+"/"+url.PathEscape(key), result)
}

// Put writes the value of key
func (k KV) Put(key string, value interface{}, result interface{}) (int, error) {
	return k.client.RawPut(k.path+"/"+url.PathEscape(key), value, result)
}

// Delete deletes key
func (k KV) Delete(key string) (int, error) {
	return k.client.RawDelete(k.path + "/" + url.PathEscape(key))
}
