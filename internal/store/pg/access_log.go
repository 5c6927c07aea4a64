package pg

import (
	"context"
	"time"

	"github.com/dropDatabas3/hapass/internal/config"
	"github.com/dropDatabas3/hapass/internal/store"
)

func (s *Store) LogAccess(ctx context.Context, e store.AccessEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO access_log (token_id, ts, event_type, entity_id, service, ip_address, user_agent)
		VALUES (NULLIF($1,''), $2, $3, NULLIF($4,''), NULLIF($5,''), NULLIF($6,''), NULLIF($7,''))`,
		e.TokenID, time.Now().Unix(), e.EventType, e.EntityID, e.Service, e.IPAddress, e.UserAgent,
	)
	return err
}

// CleanupOldData prunes audit rows past retention, expired admin sessions,
// and revoked or naturally expired tokens. Never-expires tokens are kept.
func (s *Store) CleanupOldData(ctx context.Context, retentionDays int) error {
	now := time.Now().Unix()
	cutoff := now - int64(retentionDays)*86400

	if _, err := s.pool.Exec(ctx, `DELETE FROM access_log WHERE ts < $1`, cutoff); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM admin_sessions WHERE expires_at < $1`, now); err != nil {
		return err
	}
	// Detach audit references before removing the tokens themselves.
	if _, err := s.pool.Exec(ctx, `
		UPDATE access_log SET token_id = NULL
		WHERE token_id IN (
			SELECT id FROM tokens
			WHERE (revoked OR expires_at < $1) AND expires_at != $2
		)`, now, config.NeverExpires); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		DELETE FROM tokens
		WHERE (revoked OR expires_at < $1) AND expires_at != $2`,
		now, config.NeverExpires)
	return err
}
