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
	"time"

	"github.com/goccy/go-json"
)

// Package is a stored package manifest
type Package struct {
	ID              string          `json:"id"`
	Payload         json.RawMessage `json:"manifest"`
	Version         int64           `json:"version"`
	SemanticVersion string          `json:"semantic_version,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// UpsertPackage stores the manifest of a package. The version is bumped only when the semantic
// version (the manifest's "version" string) changes; identical re-installs keep their version and
// write no history.
func (s *Store) UpsertPackage(ctx context.Context, id string, manifest json.RawMessage) (int64, error) {
	var semver struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(manifest, &semver); err != nil {
		return 0, fmt.Errorf("invalid manifest: %w", err)
	}

	var newVersion int64
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		var (
			oldPayload []byte
			oldVersion int64
			oldSemver  sql.NullString
		)
		err := tx.QueryRowContext(ctx,
			`SELECT payload, version, semantic_version FROM `+s.db.Table("_sys_packages")+` WHERE id = $1 FOR UPDATE;`,
			id).Scan(&oldPayload, &oldVersion, &oldSemver)
		switch {
		case err == sql.ErrNoRows:
			newVersion = 1
		case err != nil:
			return err
		case oldSemver.Valid && oldSemver.String == semver.Version:
			newVersion = oldVersion
		default:
			newVersion = oldVersion + 1
		}

		if err == nil && newVersion != oldVersion {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO `+s.db.Table("_sys_packages_history")+` (id, payload, version, created_at, semantic_version)
VALUES ($1, $2, $3, NOW(), $4);`,
				id, string(oldPayload), oldVersion, oldSemver)
			if err != nil {
				return fmt.Errorf("cannot write package history: %w", err)
			}
		}

		semverParam := sql.NullString{String: semver.Version, Valid: semver.Version != ""}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO `+s.db.Table("_sys_packages")+` (id, payload, updated_at, version, semantic_version)
VALUES ($1, $2, NOW(), $3, $4)
ON CONFLICT (id) DO UPDATE SET payload = $2, updated_at = NOW(), version = $3, semantic_version = $4;`,
			id, string(manifest), newVersion, semverParam)
		return err
	})
	return newVersion, err
}

// PackageHistory returns the semantic versions a package was replaced from, oldest first
func (s *Store) PackageHistory(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(semantic_version, '') FROM `+s.db.Table("_sys_packages_history")+` WHERE id = $1 ORDER BY version;`,
		id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	versions := []string{}
	for rows.Next() {
		var semver string
		if err := rows.Scan(&semver); err != nil {
			return nil, err
		}
		versions = append(versions, semver)
	}
	return versions, rows.Err()
}

// Packages returns all stored packages ordered by id
func (s *Store) Packages(ctx context.Context) ([]Package, error) {
	return s.queryPackages(ctx, `ORDER BY id`)
}

// LatestPackage returns the most recently installed package, or nil if there is none
func (s *Store) LatestPackage(ctx context.Context) (*Package, error) {
	packages, err := s.queryPackages(ctx, `ORDER BY updated_at DESC, id LIMIT 1`)
	if err != nil || len(packages) == 0 {
		return nil, err
	}
	return &packages[0], nil
}

// GetPackage returns the package with id, or nil if there is none
func (s *Store) GetPackage(ctx context.Context, id string) (*Package, error) {
	packages, err := s.queryPackages(ctx, `AND id = $1`, id)
	if err != nil || len(packages) == 0 {
		return nil, err
	}
	return &packages[0], nil
}

func (s *Store) queryPackages(ctx context.Context, clause string, args ...interface{}) ([]Package, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, version, semantic_version, updated_at FROM `+s.db.Table("_sys_packages")+` WHERE TRUE `+clause+`;`,
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	packages := []Package{}
	for rows.Next() {
		var (
			p       Package
			payload []byte
			semver  sql.NullString
		)
		if err := rows.Scan(&p.ID, &payload, &p.Version, &semver, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Payload = json.RawMessage(payload)
		p.SemanticVersion = semver.String
		packages = append(packages, p)
	}
	return packages, rows.Err()
}
