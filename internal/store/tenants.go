package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"jobbroker/internal/models"
)

// CreateTenantParams collects inputs required to insert a tenant.
type CreateTenantParams struct {
	ID          string
	Name        string
	Weight      int
	MaxInflight int
	APIKey      string
}

// CreateTenant inserts a tenant, updating policy fields on id conflict so
// admin re-registration is idempotent.
func (s *Store) CreateTenant(ctx context.Context, p CreateTenantParams) (models.Tenant, error) {
	if p.Weight <= 0 {
		p.Weight = 1
	}
	if p.MaxInflight <= 0 {
		p.MaxInflight = 100
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, weight, max_inflight, api_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, weight = EXCLUDED.weight,
			max_inflight = EXCLUDED.max_inflight, api_key = EXCLUDED.api_key,
			updated_at = EXCLUDED.updated_at
	`, p.ID, p.Name, p.Weight, p.MaxInflight, emptyToNil(p.APIKey), now)
	if err != nil {
		return models.Tenant{}, fmt.Errorf("insert tenant: %w", err)
	}
	return s.GetTenant(ctx, p.ID)
}

// GetTenant fetches a tenant by id.
func (s *Store) GetTenant(ctx context.Context, id string) (models.Tenant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, weight, max_inflight, api_key, created_at, updated_at
		FROM tenants WHERE id = $1
	`, id)
	return scanTenant(row)
}

// GetTenantByAPIKey resolves a tenant from its API key for request auth.
func (s *Store) GetTenantByAPIKey(ctx context.Context, apiKey string) (models.Tenant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, weight, max_inflight, api_key, created_at, updated_at
		FROM tenants WHERE api_key = $1
	`, apiKey)
	return scanTenant(row)
}

// ListTenants returns all tenants ordered by id.
func (s *Store) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, weight, max_inflight, api_key, created_at, updated_at
		FROM tenants ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	var out []models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTenant(row pgx.Row) (models.Tenant, error) {
	var (
		t      models.Tenant
		apiKey pgtype.Text
	)
	err := row.Scan(&t.ID, &t.Name, &t.Weight, &t.MaxInflight, &apiKey, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Tenant{}, fmt.Errorf("tenant: %w", ErrNotFound)
	}
	if err != nil {
		return models.Tenant{}, fmt.Errorf("scan tenant: %w", err)
	}
	t.APIKey = textPtr(apiKey)
	return t, nil
}
