// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/architect/core/config"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ReplaceResult is the outcome of a replace of one kind for one package
type ReplaceResult struct {
	Kind config.Kind
	// Count is the number of records written, 0 if unchanged
	Count int
	// Version is the version after the write
	Version int64
	// Changed is false when the incoming records were deep-equal to the stored ones
	Changed bool
}

// RecordID returns the storage id of a configuration record: its id, or for api_entities its
// entity_id when id is absent.
func RecordID(kind config.Kind, record json.RawMessage) (string, error) {
	var ids struct {
		ID       *string `json:"id"`
		EntityID *string `json:"entity_id"`
	}
	if err := json.Unmarshal(record, &ids); err != nil {
		return "", &config.ConfigError{Kind: config.ErrValidation, Message: "config records must be JSON objects"}
	}
	switch {
	case ids.ID != nil && *ids.ID != "":
		return *ids.ID, nil
	case kind == config.KindAPIEntities && ids.EntityID != nil && *ids.EntityID != "":
		return *ids.EntityID, nil
	}
	return "", &config.ConfigError{
		Kind:    config.ErrValidation,
		Message: "each config record must have an 'id' field (or 'entity_id' for api_entities)",
	}
}

// Replace replaces the records of kind for a package in its own transaction
func (s *Store) Replace(ctx context.Context, kind config.Kind, packageID string, records []json.RawMessage) (ReplaceResult, error) {
	var result ReplaceResult
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = s.ReplaceTx(ctx, tx, kind, packageID, records)
		return err
	})
	return result, err
}

// ReplaceTx replaces the records of kind for a package within tx. Incoming records that are
// deep-equal to the stored ones leave everything untouched. Otherwise the live rows are copied
// into history at their version, deleted, and the new rows are inserted with the next version.
func (s *Store) ReplaceTx(ctx context.Context, tx *sql.Tx, kind config.Kind, packageID string, records []json.RawMessage) (ReplaceResult, error) {
	result := ReplaceResult{Kind: kind}
	table := s.db.Table(SysTable(kind))
	history := s.db.Table(historyTable(SysTable(kind)))

	incoming := make(map[string]json.RawMessage, len(records))
	ids := make([]string, 0, len(records))
	for _, record := range records {
		id, err := RecordID(kind, record)
		if err != nil {
			return result, err
		}
		if _, duplicate := incoming[id]; duplicate {
			return result, &config.ConfigError{Kind: config.ErrValidation, Message: fmt.Sprintf("duplicate %s id '%s'", kind, id)}
		}
		incoming[id] = record
		ids = append(ids, id)
	}

	var err error
	result.Version, err = s.currentVersion(ctx, tx, kind, packageID)
	if err != nil {
		return result, fmt.Errorf("cannot read version of %s: %w", kind, err)
	}

	current, err := payloadsByID(ctx, tx, table, packageID)
	if err != nil {
		return result, err
	}
	unchanged, err := payloadsEqual(current, incoming)
	if err != nil {
		return result, err
	}
	if unchanged {
		return result, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+history+` (id, package_id, payload, version, created_at)
SELECT id, package_id, payload, version, updated_at FROM `+table+` WHERE package_id = $1;`,
		packageID)
	if err != nil {
		return result, fmt.Errorf("cannot write history of %s: %w", kind, err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE package_id = $1;`, packageID); err != nil {
		return result, fmt.Errorf("cannot delete %s: %w", kind, err)
	}

	result.Version++
	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+s.db.Table("_sys_config_versions")+` (kind, package_id, version) VALUES ($1, $2, $3)
ON CONFLICT (kind, package_id) DO UPDATE SET version = $3;`,
		string(kind), packageID, result.Version)
	if err != nil {
		return result, fmt.Errorf("cannot write version of %s: %w", kind, err)
	}
	for _, id := range ids {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO `+table+` (id, package_id, payload, updated_at, version) VALUES ($1, $2, $3, NOW(), $4);`,
			id, packageID, string(incoming[id]), result.Version)
		if err != nil {
			return result, fmt.Errorf("cannot insert %s '%s': %w", kind, id, err)
		}
	}
	result.Count = len(ids)
	result.Changed = true
	return result, nil
}

func payloadsByID(ctx context.Context, q querier, table, packageID string) (map[string]json.RawMessage, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, payload FROM `+table+` WHERE package_id = $1;`, packageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	current := map[string]json.RawMessage{}
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		current[id] = json.RawMessage(payload)
	}
	return current, rows.Err()
}

// payloadsEqual compares two id→payload maps semantically. Stored JSONB payloads are
// normalized by the database, so the comparison is on decoded values.
func payloadsEqual(current, incoming map[string]json.RawMessage) (bool, error) {
	if len(current) != len(incoming) {
		return false, nil
	}
	for id, record := range incoming {
		existing, ok := current[id]
		if !ok {
			return false, nil
		}
		var a, b interface{}
		if err := json.Unmarshal(existing, &a); err != nil {
			return false, err
		}
		if err := json.Unmarshal(record, &b); err != nil {
			return false, err
		}
		if !reflect.DeepEqual(a, b) {
			return false, nil
		}
	}
	return true, nil
}

// Records returns the stored records of kind for a package, ordered by id
func (s *Store) Records(ctx context.Context, kind config.Kind, packageID string) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM `+s.db.Table(SysTable(kind))+` WHERE package_id = $1 ORDER BY id;`,
		packageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := []json.RawMessage{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		records = append(records, json.RawMessage(payload))
	}
	return records, rows.Err()
}

// Version returns the current version of kind for a package, 0 if nothing was ever written
func (s *Store) Version(ctx context.Context, kind config.Kind, packageID string) (int64, error) {
	return s.currentVersion(ctx, s.db, kind, packageID)
}

// currentVersion returns the last version written for kind and package. It never decreases,
// also not when a replace left no live rows. Rows written before the counter existed are
// covered by the live and history maxima.
func (s *Store) currentVersion(ctx context.Context, q querier, kind config.Kind, packageID string) (int64, error) {
	var version int64
	err := q.QueryRowContext(ctx,
		`SELECT GREATEST(
COALESCE((SELECT version FROM `+s.db.Table("_sys_config_versions")+` WHERE kind = $1 AND package_id = $2), 0),
COALESCE((SELECT MAX(version) FROM `+s.db.Table(SysTable(kind))+` WHERE package_id = $2), 0),
COALESCE((SELECT MAX(version) FROM `+s.db.Table(historyTable(SysTable(kind)))+` WHERE package_id = $2), 0));`,
		string(kind), packageID).Scan(&version)
	return version, err
}

// HistoryCount returns the number of history rows of kind for a package
func (s *Store) HistoryCount(ctx context.Context, kind config.Kind, packageID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+s.db.Table(historyTable(SysTable(kind)))+` WHERE package_id = $1;`,
		packageID).Scan(&count)
	return count, err
}

// HasConfig returns true if any configuration record is stored for the package
func (s *Store) HasConfig(ctx context.Context, packageID string) (bool, error) {
	for _, kind := range config.Kinds {
		var exists bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM `+s.db.Table(SysTable(kind))+` WHERE package_id = $1);`,
			packageID).Scan(&exists)
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

// LoadFullConfig loads all stored records of a package into a FullConfig. Decoding failures
// are returned as config.ConfigError with kind ErrLoad.
func (s *Store) LoadFullConfig(ctx context.Context, packageID string) (*config.FullConfig, error) {
	c := &config.FullConfig{}
	for _, kind := range config.Kinds {
		records, err := s.Records(ctx, kind, packageID)
		if err != nil {
			return nil, fmt.Errorf("cannot load %s: %w", kind, err)
		}
		if err := c.Decode(kind, records); err != nil {
			return nil, err
		}
	}
	return c, nil
}
