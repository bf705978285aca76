// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package csql wraps database/sql for PostgreSQL with a metastore schema and a few helpers
for creating databases and quoting identifiers.
*/
package csql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// DB encapsulates a standard sql.DB with the schema of the metastore
type DB struct {
	*sql.DB
	Schema string
}

// ErrNoRows is returned by Scan when QueryRow doesn't return a
// row. In such a case, QueryRow returns a placeholder *Row value that
// defers this error until a Scan.
var ErrNoRows = sql.ErrNoRows

// DefaultSchema is the metastore schema used when none is configured
const DefaultSchema = "architect"

// Open opens a postgres database and pings it. The metastore schema is not created here,
// see metastore.Bootstrap.
func Open(ctx context.Context, dataSourceName, schema string) (*DB, error) {
	logrus.Infoln("connecting to postgres database:", redact(dataSourceName))
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, err
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if len(schema) == 0 {
		schema = DefaultSchema
	}
	return &DB{DB: db, Schema: schema}, nil
}

// OpenWithSchema opens a postgres database with a schema and panics on failure. The schema
// gets created if it does not exist yet.
func OpenWithSchema(dataSourceName, schema string) *DB {
	db, err := Open(context.Background(), dataSourceName, schema)
	if err != nil {
		panic(err)
	}
	logrus.Infoln("selected database schema:", db.Schema)
	if _, err = db.Exec(`CREATE SCHEMA IF NOT EXISTS ` + QuoteIdentifier(db.Schema) + `;`); err != nil {
		panic(err)
	}
	return db
}

// Table returns the schema-qualified name of a metastore table
func (db *DB) Table(name string) string {
	return QuoteIdentifier(db.Schema) + "." + QuoteIdentifier(name)
}

// ClearSchema clears all the data contained in the database's schema
// Technically this is done by dropping the schema and then recreating it
func (db *DB) ClearSchema() {
	if db.Schema == "public" {
		panic("refuse to drop public schema")
	}
	_, err := db.Exec(`DROP SCHEMA IF EXISTS ` + QuoteIdentifier(db.Schema) + ` CASCADE;
	CREATE SCHEMA IF NOT EXISTS ` + QuoteIdentifier(db.Schema) + `;`)
	if err != nil {
		logrus.Errorln("clear schema error:", db.Schema, err.Error())
	}
}

// DropSchema drops an arbitrary schema with all its objects. Used by tests to reset data schemas.
func DropSchema(ctx context.Context, db *sql.DB, schema string) error {
	if schema == "public" {
		return fmt.Errorf("refuse to drop public schema")
	}
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS `+QuoteIdentifier(schema)+` CASCADE;`)
	return err
}

// EnsureDatabaseExists creates the database named in dataSourceName if it does not exist yet.
// It connects to the administrative database postgres on the same server to do so.
func EnsureDatabaseExists(ctx context.Context, dataSourceName string) error {
	adminURL, name, err := AdminURL(dataSourceName)
	if err != nil {
		return err
	}
	if name == "" || name == "postgres" {
		return nil
	}
	admin, err := sql.Open("postgres", adminURL)
	if err != nil {
		return err
	}
	defer admin.Close()

	var exists bool
	err = admin.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists)
	if err != nil {
		return fmt.Errorf("cannot check for database %s: %w", name, err)
	}
	if exists {
		return nil
	}
	logrus.Infoln("creating database", name)
	if _, err = admin.ExecContext(ctx, `CREATE DATABASE `+QuoteIdentifier(name)); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "42P04" {
			// created concurrently
			return nil
		}
		return fmt.Errorf("cannot create database %s: %w", name, err)
	}
	return nil
}

// AdminURL returns the URL of the postgres administrative database on the same server, and the
// name of the database addressed by dataSourceName
func AdminURL(dataSourceName string) (string, string, error) {
	u, err := url.Parse(dataSourceName)
	if err != nil || u.Scheme == "" {
		return "", "", fmt.Errorf("invalid database url")
	}
	name := strings.TrimPrefix(u.Path, "/")
	u.Path = "/postgres"
	return u.String(), name, nil
}

// QuoteIdentifier quotes an identifier by doubling internal double quotes
func QuoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

// QuoteLiteral quotes a string literal for use in statements that cannot take parameters,
// for example SET LOCAL
func QuoteLiteral(literal string) string {
	return pq.QuoteLiteral(literal)
}

func redact(dataSourceName string) string {
	u, err := url.Parse(dataSourceName)
	if err != nil || u.User == nil {
		return dataSourceName
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}
