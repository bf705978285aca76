// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package migration_test

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"

	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/architect/core/config"
	"github.com/relabs-tech/architect/core/migration"
)

// TestService holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type TestService struct {
	Postgres string `env:"POSTGRES" description:"the connection string for the Postgres DB"`
	db       *sql.DB
}

var testService TestService

func TestMain(m *testing.M) {
	if err := envdecode.Decode(&testService); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		panic(err)
	}
	if testService.Postgres != "" {
		db, err := sql.Open("postgres", testService.Postgres)
		if err != nil {
			panic(err)
		}
		testService.db = db
	}
	code := m.Run()
	os.Exit(code)
}

func shop() *config.FullConfig {
	notNull := false
	return &config.FullConfig{
		Schemas: []config.Schema{{ID: "default", Name: "_migration_unit_test_", Comment: "shop's schema"}},
		Enums:   []config.Enum{{ID: "status", Name: "order_status", Values: []string{"open", "it's done"}}},
		Tables: []config.Table{
			{ID: "customers", Name: "customers", PrimaryKey: config.PrimaryKey{"id"}, Unique: [][]string{{"email"}}},
			{ID: "orders", Name: "orders", PrimaryKey: config.PrimaryKey{"id"},
				Check: []config.Check{{Name: "positive_total", Expression: "total >= 0"}}},
		},
		Columns: []config.Column{
			{ID: "customers.id", TableID: "customers", Name: "id", Type: config.ColumnType{Name: "uuid"},
				Default: &config.ColumnDefault{Expression: "gen_random_uuid()"}},
			{ID: "customers.email", TableID: "customers", Name: "email", Type: config.ColumnType{Name: "varchar", Params: []int{128}}},
			{ID: "orders.id", TableID: "orders", Name: "id", Type: config.ColumnType{Name: "uuid"},
				Default: &config.ColumnDefault{Expression: "gen_random_uuid()"}},
			{ID: "orders.customer_id", TableID: "orders", Name: "customer_id", Type: config.ColumnType{Name: "uuid"}},
			{ID: "orders.total", TableID: "orders", Name: "total", Type: config.ColumnType{Name: "numeric", Params: []int{10, 2}}, Nullable: &notNull},
			{ID: "orders.status", TableID: "orders", Name: "status", Type: config.ColumnType{Name: "order_status"},
				Default: &config.ColumnDefault{Literal: "'open'"}},
			{ID: "orders.created_at", TableID: "orders", Name: "created_at", Type: config.ColumnType{Name: "timestamptz"}},
		},
		Indexes: []config.Index{
			{ID: "orders_by_customer", TableID: "orders", Name: "orders_by_customer",
				Columns: []config.IndexColumn{{Name: "customer_id"}, {Name: "created_at", Direction: "desc", Nulls: "last"}},
				Include: []string{"total"}, Where: "archived_at IS NULL"},
			{ID: "orders_lower", TableID: "orders", Name: "orders_lower", Unique: true, Method: "btree",
				Columns: []config.IndexColumn{{Expression: "(status::text)"}}},
		},
		Relationships: []config.Relationship{
			{ID: "orders_customer", FromTableID: "orders", FromColumnID: "orders.customer_id",
				ToTableID: "customers", ToColumnID: "customers.id", OnDelete: "cascade"},
		},
	}
}

func TestPlanOrder(t *testing.T) {
	statements, err := migration.Plan(shop())
	require.NoError(t, err)

	order := map[migration.Phase]int{
		migration.PhaseSchema: 0, migration.PhaseEnum: 1, migration.PhaseTable: 2,
		migration.PhaseIndex: 3, migration.PhaseForeignKey: 4, migration.PhaseComment: 5,
	}
	last := 0
	for _, s := range statements {
		assert.GreaterOrEqual(t, order[s.Phase], last, s.SQL)
		last = order[s.Phase]
	}
	assert.Equal(t, migration.PhaseSchema, statements[0].Phase)
	assert.Equal(t, `CREATE SCHEMA IF NOT EXISTS "_migration_unit_test_"`, statements[0].SQL)
}

func TestPlanStatements(t *testing.T) {
	statements, err := migration.Plan(shop())
	require.NoError(t, err)
	byPhase := map[migration.Phase][]migration.Statement{}
	for _, s := range statements {
		byPhase[s.Phase] = append(byPhase[s.Phase], s)
	}

	require.Len(t, byPhase[migration.PhaseEnum], 1)
	enum := byPhase[migration.PhaseEnum][0]
	assert.True(t, enum.Tolerated)
	assert.Equal(t, `CREATE TYPE "_migration_unit_test_"."order_status" AS ENUM ('open', 'it''s done')`, enum.SQL)

	require.Len(t, byPhase[migration.PhaseTable], 2)
	customers := byPhase[migration.PhaseTable][0].SQL
	assert.False(t, byPhase[migration.PhaseTable][0].Tolerated)
	assert.Contains(t, customers, `CREATE TABLE IF NOT EXISTS "_migration_unit_test_"."customers"`)
	assert.Contains(t, customers, `"id" uuid DEFAULT gen_random_uuid()`)
	assert.Contains(t, customers, `"email" varchar(128)`)
	assert.Contains(t, customers, `"created_at" TIMESTAMPTZ NOT NULL DEFAULT NOW()`)
	assert.Contains(t, customers, `"updated_at" TIMESTAMPTZ NOT NULL DEFAULT NOW()`)
	assert.Contains(t, customers, `"archived_at" TIMESTAMPTZ`)
	assert.Contains(t, customers, `PRIMARY KEY ("id")`)
	assert.Contains(t, customers, `UNIQUE ("email")`)

	orders := byPhase[migration.PhaseTable][1].SQL
	assert.Contains(t, orders, `"total" numeric(10,2) NOT NULL`)
	assert.Contains(t, orders, `"status" "_migration_unit_test_"."order_status" DEFAULT 'open'`)
	assert.Contains(t, orders, `CONSTRAINT "positive_total" CHECK (total >= 0)`)
	// declared created_at is not injected twice
	assert.Equal(t, 1, strings.Count(orders, `"created_at"`))

	require.Len(t, byPhase[migration.PhaseIndex], 2)
	assert.Equal(t,
		`CREATE INDEX IF NOT EXISTS "orders_by_customer" ON "_migration_unit_test_"."orders" USING btree ("customer_id", "created_at" DESC NULLS LAST) INCLUDE ("total") WHERE archived_at IS NULL`,
		byPhase[migration.PhaseIndex][0].SQL)
	assert.Equal(t,
		`CREATE UNIQUE INDEX IF NOT EXISTS "orders_lower" ON "_migration_unit_test_"."orders" USING btree ((status::text))`,
		byPhase[migration.PhaseIndex][1].SQL)

	require.Len(t, byPhase[migration.PhaseForeignKey], 1)
	assert.Equal(t,
		`ALTER TABLE "_migration_unit_test_"."orders" ADD CONSTRAINT "orders_customer" FOREIGN KEY ("customer_id") REFERENCES "_migration_unit_test_"."customers" ("id") ON UPDATE NO ACTION ON DELETE CASCADE`,
		byPhase[migration.PhaseForeignKey][0].SQL)

	require.Len(t, byPhase[migration.PhaseComment], 1)
	assert.Equal(t, `COMMENT ON SCHEMA "_migration_unit_test_" IS 'shop''s schema'`, byPhase[migration.PhaseComment][0].SQL)
}

func TestPlanRejectsInvalidConfig(t *testing.T) {
	c := shop()
	c.Columns[0].TableID = "ghost"
	_, err := migration.Plan(c)
	assert.Error(t, err)

	statements, err := migration.Plan(&config.FullConfig{})
	require.NoError(t, err)
	assert.Empty(t, statements)
}

func TestApplyIsIdempotent(t *testing.T) {
	if testService.db == nil {
		t.Skip("POSTGRES not set")
	}
	ctx := context.Background()
	db := testService.db
	_, err := db.Exec(`DROP SCHEMA IF EXISTS "_migration_unit_test_" CASCADE`)
	require.NoError(t, err)

	require.NoError(t, migration.Apply(ctx, db, shop()))
	require.NoError(t, migration.Apply(ctx, db, shop()))

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = '_migration_unit_test_'`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	err = db.QueryRow(`SELECT COUNT(*) FROM information_schema.table_constraints
WHERE table_schema = '_migration_unit_test_' AND constraint_type = 'FOREIGN KEY'`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = db.Exec(`INSERT INTO "_migration_unit_test_"."orders" (total) VALUES (12.5)`)
	require.NoError(t, err)
	var status string
	err = db.QueryRow(`SELECT status::text FROM "_migration_unit_test_"."orders"`).Scan(&status)
	require.NoError(t, err)
	assert.Equal(t, "open", status)
}
