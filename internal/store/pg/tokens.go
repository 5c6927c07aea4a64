package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dropDatabas3/hapass/internal/store"
)

const tokenCols = `id, slug, label, created_at, expires_at, revoked, last_accessed, ip_allowlist`

func scanToken(row pgx.Row) (*store.Token, error) {
	var t store.Token
	var ipJSON *string
	err := row.Scan(&t.ID, &t.Slug, &t.Label, &t.CreatedAt, &t.ExpiresAt, &t.Revoked, &t.LastAccessed, &ipJSON)
	if err == pgx.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if ipJSON != nil {
		_ = json.Unmarshal([]byte(*ipJSON), &t.IPAllowlist)
	}
	return &t, nil
}

func (s *Store) CreateToken(ctx context.Context, label, slug string, entityIDs []string, expiresAt int64, ipAllowlist []string) (*store.Token, error) {
	id := uuid.NewString()
	now := time.Now().Unix()

	var ipJSON *string
	if len(ipAllowlist) > 0 {
		b, err := json.Marshal(ipAllowlist)
		if err != nil {
			return nil, err
		}
		js := string(b)
		ipJSON = &js
	}

	entityIDs = dedupe(entityIDs)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO tokens (id, slug, label, created_at, expires_at, ip_allowlist)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, slug, label, now, expiresAt, ipJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("pg: insert token: %w", err)
	}
	for _, eid := range entityIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO token_entities (token_id, entity_id) VALUES ($1, $2)`, id, eid); err != nil {
			return nil, fmt.Errorf("pg: insert token entity: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s.GetTokenByID(ctx, id)
}

func (s *Store) GetTokenBySlug(ctx context.Context, slug string) (*store.Token, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tokenCols+` FROM tokens WHERE slug = $1`, slug)
	return scanToken(row)
}

func (s *Store) GetTokenByID(ctx context.Context, id string) (*store.Token, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tokenCols+` FROM tokens WHERE id = $1`, id)
	return scanToken(row)
}

func (s *Store) ListTokens(ctx context.Context) ([]store.Token, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.id, t.slug, t.label, t.created_at, t.expires_at, t.revoked,
		       t.last_accessed, t.ip_allowlist, COUNT(te.entity_id)
		FROM tokens t
		LEFT JOIN token_entities te ON te.token_id = t.id
		GROUP BY t.id
		ORDER BY t.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Token
	for rows.Next() {
		var t store.Token
		var ipJSON *string
		if err := rows.Scan(&t.ID, &t.Slug, &t.Label, &t.CreatedAt, &t.ExpiresAt,
			&t.Revoked, &t.LastAccessed, &ipJSON, &t.EntityCount); err != nil {
			return nil, err
		}
		if ipJSON != nil {
			_ = json.Unmarshal([]byte(*ipJSON), &t.IPAllowlist)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetTokenEntities(ctx context.Context, tokenID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id FROM token_entities WHERE token_id = $1 ORDER BY entity_id`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) UpdateTokenEntities(ctx context.Context, id string, entityIDs []string) error {
	entityIDs = dedupe(entityIDs)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM token_entities WHERE token_id = $1`, id); err != nil {
		return err
	}
	for _, eid := range entityIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO token_entities (token_id, entity_id) VALUES ($1, $2)`, id, eid); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) UpdateTokenExpiry(ctx context.Context, id string, expiresAt int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE tokens SET expires_at = $1 WHERE id = $2`, expiresAt, id)
	return err
}

func (s *Store) RevokeToken(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE tokens SET revoked = TRUE WHERE id = $1`, id)
	return err
}

func (s *Store) UnrevokeToken(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE tokens SET revoked = FALSE WHERE id = $1`, id)
	return err
}

func (s *Store) DeleteToken(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Detach audit rows first so history survives the token.
	if _, err := tx.Exec(ctx, `UPDATE access_log SET token_id = NULL WHERE token_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM tokens WHERE id = $1`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) TouchToken(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tokens SET last_accessed = $1 WHERE id = $2`, time.Now().Unix(), id)
	return err
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
