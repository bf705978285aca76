// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package metastore

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/architect/core/csql"
)

// KVItem is one entry of a key/value namespace
type KVItem struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"-"`
}

// KVAccessor accesses one namespace of the key/value data of a tenant and package
type KVAccessor struct {
	TenantID  string
	PackageID string
	Namespace string
	store     *Store
}

// KV returns an accessor for the key/value data of a tenant, package and namespace
func (s *Store) KV(tenantID, packageID, namespace string) KVAccessor {
	return KVAccessor{
		TenantID:  tenantID,
		PackageID: packageID,
		Namespace: namespace,
		store:     s,
	}
}

func (a KVAccessor) table() string {
	return a.store.db.Table("_sys_kv_data")
}

// List returns all items of the namespace ordered by key
func (a KVAccessor) List(ctx context.Context) ([]KVItem, error) {
	rows, err := a.store.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM `+a.table()+`
WHERE tenant_id = $1 AND package_id = $2 AND namespace = $3 ORDER BY key;`,
		a.TenantID, a.PackageID, a.Namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []KVItem{}
	for rows.Next() {
		var (
			item  KVItem
			value []byte
		)
		if err := rows.Scan(&item.Key, &value, &item.UpdatedAt); err != nil {
			return nil, err
		}
		item.Value = json.RawMessage(value)
		items = append(items, item)
	}
	return items, rows.Err()
}

// Read reads the value of key. It returns false if there is no value.
func (a KVAccessor) Read(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var value []byte
	err := a.store.db.QueryRowContext(ctx,
		`SELECT value FROM `+a.table()+`
WHERE tenant_id = $1 AND package_id = $2 AND namespace = $3 AND key = $4;`,
		a.TenantID, a.PackageID, a.Namespace, key).Scan(&value)
	if err == csql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cannot read key '%s': %w", key, err)
	}
	return json.RawMessage(value), true, nil
}

// Write writes the value of key, replacing any previous value
func (a KVAccessor) Write(ctx context.Context, key string, value json.RawMessage) error {
	res, err := a.store.db.ExecContext(ctx,
		`INSERT INTO `+a.table()+` (tenant_id, package_id, namespace, key, value, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (tenant_id, package_id, namespace, key) DO UPDATE SET value = $5, updated_at = NOW();`,
		a.TenantID, a.PackageID, a.Namespace, key, string(value))
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("could not write key %s", key)
	}
	return nil
}

// Delete deletes key. It returns false if there was no such key.
func (a KVAccessor) Delete(ctx context.Context, key string) (bool, error) {
	res, err := a.store.db.ExecContext(ctx,
		`DELETE FROM `+a.table()+`
WHERE tenant_id = $1 AND package_id = $2 AND namespace = $3 AND key = $4;`,
		a.TenantID, a.PackageID, a.Namespace, key)
	if err != nil {
		return false, err
	}
	count, err := res.RowsAffected()
	return count > 0, err
}
