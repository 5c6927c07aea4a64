package pg

import (
	"context"
	"time"

	"github.com/dropDatabas3/hapass/internal/security/token"
)

func (s *Store) CreateAdminSession(ctx context.Context, ttlSeconds int64) (string, error) {
	id, err := token.GenerateOpaque(32)
	if err != nil {
		return "", err
	}
	now := time.Now().Unix()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO admin_sessions (id, created_at, expires_at)
		VALUES ($1, $2, $3)`,
		id, now, now+ttlSeconds,
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) GetAdminSession(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM admin_sessions WHERE id = $1 AND expires_at > $2`,
		sessionID, time.Now().Unix(),
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) DeleteAdminSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM admin_sessions WHERE id = $1`, sessionID)
	return err
}
