package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/postline/backend/internal/models"
)

// PostgresCredentialStore implements CredentialStore on database/sql.
type PostgresCredentialStore struct {
	db *sql.DB
}

func NewPostgresCredentialStore(db *sql.DB) *PostgresCredentialStore {
	return &PostgresCredentialStore{db: db}
}

const userColumns = `id, x_id, username, name, timezone, access_token, refresh_token, token_expiry, created_at, updated_at`

func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	var accessToken, refreshToken sql.NullString
	var tokenExpiry sql.NullTime
	err := row.Scan(&u.ID, &u.XID, &u.Username, &u.Name, &u.Timezone,
		&accessToken, &refreshToken, &tokenExpiry, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.AccessToken = accessToken.String
	u.RefreshToken = refreshToken.String
	if tokenExpiry.Valid {
		t := tokenExpiry.Time
		u.TokenExpiry = &t
	}
	return &u, nil
}

func (s *PostgresCredentialStore) GetByID(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM public.users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *PostgresCredentialStore) GetByXID(ctx context.Context, xID string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM public.users WHERE x_id = $1`, xID)
	return scanUser(row)
}

// Upsert inserts a user keyed by x_id, refreshing profile fields and tokens on
// conflict. Used by the auth callback after the external OAuth handshake.
func (s *PostgresCredentialStore) Upsert(ctx context.Context, u *models.User) (*models.User, error) {
	id := u.ID
	if id == "" {
		id = uuid.New().String()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO public.users (id, x_id, username, name, timezone, access_token, refresh_token, token_expiry, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (x_id) DO UPDATE SET
			username = EXCLUDED.username,
			name = COALESCE(EXCLUDED.name, public.users.name),
			timezone = COALESCE(EXCLUDED.timezone, public.users.timezone),
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_expiry = EXCLUDED.token_expiry,
			updated_at = NOW()
		RETURNING `+userColumns,
		id, u.XID, u.Username, u.Name, u.Timezone,
		nullString(u.AccessToken), nullString(u.RefreshToken), nullTime(u.TokenExpiry))
	return scanUser(row)
}

func (s *PostgresCredentialStore) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.users
		   SET access_token = $2,
		       refresh_token = $3,
		       token_expiry = $4,
		       updated_at = NOW()
		 WHERE id = $1`,
		id, accessToken, refreshToken, expiry)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
