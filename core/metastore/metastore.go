// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package metastore persists configuration records, package manifests, the tenant registry and
tenant-scoped key/value data in the _sys_* tables of the metastore schema.

Configuration records are stored per kind and package. Every meaningful write copies the live rows
into a _history sibling and bumps the version by one; writes of identical records are no-ops.
*/
package metastore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/architect/core/config"
	"github.com/relabs-tech/architect/core/csql"
)

// Store is the metastore in one database
type Store struct {
	db *csql.DB
}

// New returns a metastore on db. Call Bootstrap before first use.
func New(db *csql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database
func (s *Store) DB() *csql.DB {
	return s.db
}

// SysTable returns the _sys_ table name for kind
func SysTable(kind config.Kind) string {
	return "_sys_" + string(kind)
}

func historyTable(table string) string {
	return table + "_history"
}

// Bootstrap creates the metastore schema and all _sys_* tables. It is idempotent and adds
// columns that earlier deployments lack.
func (s *Store) Bootstrap(ctx context.Context) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + csql.QuoteIdentifier(s.db.Schema) + `;`,
	}
	for _, kind := range config.Kinds {
		table := SysTable(kind)
		statements = append(statements,
			`CREATE TABLE IF NOT EXISTS `+s.db.Table(table)+` (
id TEXT NOT NULL,
package_id TEXT NOT NULL,
payload JSONB NOT NULL,
updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
version BIGINT NOT NULL DEFAULT 1,
PRIMARY KEY (id, package_id)
);`,
			`ALTER TABLE `+s.db.Table(table)+` ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 1;`,
			`ALTER TABLE `+s.db.Table(table)+` ADD COLUMN IF NOT EXISTS package_id TEXT NOT NULL DEFAULT `+
				csql.QuoteLiteral(config.DefaultPackageID)+`;`,
			`CREATE TABLE IF NOT EXISTS `+s.db.Table(historyTable(table))+` (
id TEXT NOT NULL,
package_id TEXT NOT NULL,
payload JSONB NOT NULL,
version BIGINT NOT NULL,
created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
PRIMARY KEY (id, package_id, version)
);`,
			`ALTER TABLE `+s.db.Table(historyTable(table))+` ADD COLUMN IF NOT EXISTS package_id TEXT NOT NULL DEFAULT `+
				csql.QuoteLiteral(config.DefaultPackageID)+`;`,
		)
	}
	statements = append(statements,
		`CREATE TABLE IF NOT EXISTS `+s.db.Table("_sys_packages")+` (
id TEXT PRIMARY KEY,
payload JSONB NOT NULL,
updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
version BIGINT NOT NULL DEFAULT 1,
semantic_version TEXT
);`,
		`ALTER TABLE `+s.db.Table("_sys_packages")+` ADD COLUMN IF NOT EXISTS semantic_version TEXT;`,
		`CREATE TABLE IF NOT EXISTS `+s.db.Table("_sys_packages_history")+` (
id TEXT NOT NULL,
payload JSONB NOT NULL,
version BIGINT NOT NULL,
created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
semantic_version TEXT,
PRIMARY KEY (id, version)
);`,
		`ALTER TABLE `+s.db.Table("_sys_packages_history")+` ADD COLUMN IF NOT EXISTS semantic_version TEXT;`,
		`CREATE TABLE IF NOT EXISTS `+s.db.Table("_sys_config_versions")+` (
kind TEXT NOT NULL,
package_id TEXT NOT NULL,
version BIGINT NOT NULL,
PRIMARY KEY (kind, package_id)
);`,
		`CREATE TABLE IF NOT EXISTS `+s.db.Table("_sys_tenants")+` (
id TEXT PRIMARY KEY,
strategy TEXT NOT NULL,
database_url TEXT,
updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
comment TEXT
);`,
		`CREATE TABLE IF NOT EXISTS `+s.db.Table("_sys_kv_data")+` (
tenant_id TEXT NOT NULL,
package_id TEXT NOT NULL,
namespace TEXT NOT NULL,
key TEXT NOT NULL,
value JSONB NOT NULL,
updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
PRIMARY KEY (tenant_id, package_id, namespace, key)
);`,
	)
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("cannot bootstrap metastore: %w", err)
		}
	}
	logrus.Debugln("metastore ready in schema", s.db.Schema)
	return nil
}

// InTx runs f in a transaction. The transaction is committed when f returns nil and rolled
// back otherwise.
func (s *Store) InTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err = f(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Ping checks the database connection with SELECT 1
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}
