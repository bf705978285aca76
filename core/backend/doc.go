// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package backend implements the configuration driven backend

A backend manages PostgreSQL schemas described by configuration records and provides an
auto-generated RESTful-API for them. The configuration is stored in the metastore and can be
posted kind by kind for the default package, or installed as a package archive.

Configuration

A package consists of a manifest and one JSON array per configuration kind:

	manifest.json      {"id":"shop","name":"Shop","version":"1.0.0","schema":"shop"}
	tables.json        [{"id":"orders","name":"orders","primary_key":"id"}]
	columns.json       [{"id":"orders.id","table_id":"orders","name":"id","type":"uuid",
	                     "default":{"expression":"gen_random_uuid()"}}]
	api_entities.json  [{"entity_id":"orders","path_segment":"orders",
	                     "operations":["read","create","update","delete"]}]

Enums, indexes, relationships and kv_stores are optional. The schema record is derived from the
manifest. Installing the package creates the schema, the tables and their constraints; nothing is
ever dropped.

This configuration creates the following REST routes:

	GET    /api/v1/orders
	POST   /api/v1/orders
	GET    /api/v1/orders/{id}
	PATCH  /api/v1/orders/{id}
	DELETE /api/v1/orders/{id}
	POST   /api/v1/orders/bulk
	PATCH  /api/v1/orders/bulk

The same routes exist below /api/v1/package/{package_id} for every installed package. The
unprefixed routes serve the default package, which falls back to the most recently installed
package when nothing was posted for it.

Tenants

Every configuration and entity request carries the tenant in the X-Tenant-ID header. Tenants
with the database strategy own a database with its own metastore. Tenants with the rls strategy
share the central database; their statements run in a transaction on a pinned connection with
app.tenant_id set, and inserts fill the tenant_id column.

Requests and responses

Request keys are camelCase and become snake_case column names. Response keys are camelCase.
Lists are returned as

	{"data":[...],"meta":{"count":2}}

single objects as {"data":{...}} and errors as

	{"error":{"code":"not_found","message":"..."}}

List requests accept limit (default 100, at most 1000), offset, include (comma separated path
segments of related entities) and equality filters on any column:

	GET /api/v1/users?createdAt=2024-01-01T00:00:00Z&include=books

Bulk requests carry at most 100 items and run in one transaction.

Key/value stores

Namespaces declared in kv_stores get tenant scoped key/value routes:

	GET    /api/v1/package/{package_id}/kv/{namespace}
	GET    /api/v1/package/{package_id}/kv/{namespace}/{key}
	PUT    /api/v1/package/{package_id}/kv/{namespace}/{key}
	DELETE /api/v1/package/{package_id}/kv/{namespace}/{key}

Operations

/health, /ready, /version, /info and /metrics serve liveness, readiness, build information and
Prometheus metrics. /api/v1/tenants lists the tenant registry and /api/v1/tenants/reload reloads
it. /api/v1/statistics reports row counts and table sizes of the tenant's entities.
*/
package backend
