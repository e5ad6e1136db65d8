package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wavs-labs/wavs/pkg/types"
)

// ErrServiceNotFound is returned by lookups for unknown service ids.
var ErrServiceNotFound = errors.New("service not found")

// SaveService inserts a service, assigning the next free HD index.
// The index assignment is the bijective service → signing-key mapping,
// so it happens inside the insert transaction.
func (s *Store) SaveService(ctx context.Context, svc *types.Service) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next uint32
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(hd_index), -1) + 1 FROM services`)
	if err := row.Scan(&next); err != nil {
		return fmt.Errorf("allocate hd index: %w", err)
	}
	svc.HDIndex = next

	definition, err := json.Marshal(svc)
	if err != nil {
		return fmt.Errorf("marshal service: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO services (service_id, hd_index, definition) VALUES (?, ?, ?)`,
		string(svc.ID), next, definition,
	)
	if err != nil {
		return fmt.Errorf("insert service %s: %w", svc.ID, err)
	}
	return tx.Commit()
}

// UpdateService rewrites a service definition. The HD index never
// changes after registration.
func (s *Store) UpdateService(ctx context.Context, svc *types.Service) error {
	definition, err := json.Marshal(svc)
	if err != nil {
		return fmt.Errorf("marshal service: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE services SET definition = ?, updated_at = CURRENT_TIMESTAMP WHERE service_id = ?`,
		definition, string(svc.ID),
	)
	if err != nil {
		return fmt.Errorf("update service %s: %w", svc.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrServiceNotFound
	}
	return nil
}

// LoadService reads one service by id.
func (s *Store) LoadService(ctx context.Context, id types.ServiceID) (*types.Service, error) {
	var definition []byte
	row := s.db.QueryRowContext(ctx,
		`SELECT definition FROM services WHERE service_id = ?`, string(id))
	if err := row.Scan(&definition); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrServiceNotFound
		}
		return nil, fmt.Errorf("load service %s: %w", id, err)
	}
	var svc types.Service
	if err := json.Unmarshal(definition, &svc); err != nil {
		return nil, fmt.Errorf("decode service %s: %w", id, err)
	}
	return &svc, nil
}

// ListServices reads every stored service.
func (s *Store) ListServices(ctx context.Context) ([]*types.Service, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition FROM services ORDER BY hd_index`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var services []*types.Service
	for rows.Next() {
		var definition []byte
		if err := rows.Scan(&definition); err != nil {
			return nil, err
		}
		var svc types.Service
		if err := json.Unmarshal(definition, &svc); err != nil {
			return nil, fmt.Errorf("decode service: %w", err)
		}
		services = append(services, &svc)
	}
	return services, rows.Err()
}

// DeleteService removes a service and its key-value namespace.
func (s *Store) DeleteService(ctx context.Context, id types.ServiceID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM services WHERE service_id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("delete service %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrServiceNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE service_id = ?`, string(id)); err != nil {
		return fmt.Errorf("clear kv for %s: %w", id, err)
	}
	return tx.Commit()
}
