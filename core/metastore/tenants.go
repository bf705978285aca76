// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package metastore

import (
	"context"
	"database/sql"
	"time"
)

// TenantRow is a row of _sys_tenants
type TenantRow struct {
	ID          string    `json:"id"`
	Strategy    string    `json:"strategy"`
	DatabaseURL string    `json:"database_url,omitempty"`
	Comment     string    `json:"comment,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Tenants returns all rows of the tenant registry ordered by id
func (s *Store) Tenants(ctx context.Context) ([]TenantRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, strategy, database_url, comment, updated_at FROM `+s.db.Table("_sys_tenants")+` ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tenants := []TenantRow{}
	for rows.Next() {
		var (
			t                    TenantRow
			databaseURL, comment sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Strategy, &databaseURL, &comment, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.DatabaseURL = databaseURL.String
		t.Comment = comment.String
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// PutTenant inserts or replaces a tenant registry row
func (s *Store) PutTenant(ctx context.Context, t TenantRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Table("_sys_tenants")+` (id, strategy, database_url, comment, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (id) DO UPDATE SET strategy = $2, database_url = $3, comment = $4, updated_at = NOW();`,
		t.ID, t.Strategy,
		sql.NullString{String: t.DatabaseURL, Valid: t.DatabaseURL != ""},
		sql.NullString{String: t.Comment, Valid: t.Comment != ""})
	return err
}

// DeleteTenant removes a tenant registry row
func (s *Store) DeleteTenant(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+s.db.Table("_sys_tenants")+` WHERE id = $1;`, id)
	return err
}
