package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/wavs-labs/wavs/pkg/types"
)

// ServiceKV is a view of the key-value table scoped to one service.
// The service id prefix is applied here; a component holding a
// ServiceKV cannot name another service's keys.
type ServiceKV struct {
	store     *Store
	serviceID types.ServiceID
}

// KV returns the key-value view for a service.
func (s *Store) KV(serviceID types.ServiceID) *ServiceKV {
	return &ServiceKV{store: s, serviceID: serviceID}
}

// Get returns the value for key, or (nil, false) when absent.
func (kv *ServiceKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	row := kv.store.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE service_id = ? AND key = ?`,
		string(kv.serviceID), key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kv get: %w", err)
	}
	return value, true, nil
}

// Set writes a key.
func (kv *ServiceKV) Set(ctx context.Context, key string, value []byte) error {
	_, err := kv.store.db.ExecContext(ctx,
		`INSERT INTO kv (service_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (service_id, key) DO UPDATE SET value = excluded.value`,
		string(kv.serviceID), key, value)
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (kv *ServiceKV) Delete(ctx context.Context, key string) error {
	_, err := kv.store.db.ExecContext(ctx,
		`DELETE FROM kv WHERE service_id = ? AND key = ?`,
		string(kv.serviceID), key)
	if err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// Keys lists the keys in this service's namespace.
func (kv *ServiceKV) Keys(ctx context.Context) ([]string, error) {
	rows, err := kv.store.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE service_id = ? ORDER BY key`,
		string(kv.serviceID))
	if err != nil {
		return nil, fmt.Errorf("kv keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
