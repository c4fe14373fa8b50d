package store

import (
	"context"
	"database/sql"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/postline/backend/internal/models"
)

// PostgresPostRepository implements PostRepository on database/sql.
type PostgresPostRepository struct {
	db *sql.DB
}

func NewPostgresPostRepository(db *sql.DB) *PostgresPostRepository {
	return &PostgresPostRepository{db: db}
}

const postColumns = `id, user_id, content, status, x_post_id, scheduled_for, attempt_count, last_error, last_attempt_at, created_at, updated_at`

func scanPostRow(row *sql.Row) (*models.Post, error) {
	var p models.Post
	var xPostID, lastError sql.NullString
	var lastAttemptAt sql.NullTime
	err := row.Scan(&p.ID, &p.UserID, &p.Content, &p.Status, &xPostID,
		&p.ScheduledFor, &p.AttemptCount, &lastError, &lastAttemptAt,
		&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	applyNullable(&p, xPostID, lastError, lastAttemptAt)
	return &p, nil
}

func applyNullable(p *models.Post, xPostID, lastError sql.NullString, lastAttemptAt sql.NullTime) {
	if xPostID.Valid {
		v := xPostID.String
		p.XPostID = &v
	}
	if lastError.Valid {
		v := lastError.String
		p.LastError = &v
	}
	if lastAttemptAt.Valid {
		t := lastAttemptAt.Time
		p.LastAttemptAt = &t
	}
}

func (r *PostgresPostRepository) Create(ctx context.Context, p *models.Post) (*models.Post, error) {
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := p.Status
	if status == "" {
		status = models.PostStatusPending
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO public.posts (id, user_id, content, status, scheduled_for, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING `+postColumns,
		id, p.UserID, p.Content, status, p.ScheduledFor)
	out, err := scanPostRow(row)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, ErrDuplicateContent
		}
		return nil, err
	}
	return out, nil
}

func (r *PostgresPostRepository) GetByID(ctx context.Context, id string) (*models.Post, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM public.posts WHERE id = $1`, id)
	return scanPostRow(row)
}

func (r *PostgresPostRepository) ListByUser(ctx context.Context, userID string) ([]models.Post, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM public.posts WHERE user_id = $1 ORDER BY scheduled_for ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

func collectPosts(rows *sql.Rows) ([]models.Post, error) {
	posts := []models.Post{}
	for rows.Next() {
		var p models.Post
		var xPostID, lastError sql.NullString
		var lastAttemptAt sql.NullTime
		if err := rows.Scan(&p.ID, &p.UserID, &p.Content, &p.Status, &xPostID,
			&p.ScheduledFor, &p.AttemptCount, &lastError, &lastAttemptAt,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		applyNullable(&p, xPostID, lastError, lastAttemptAt)
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return posts, nil
}

// Update applies the provided fields. Any edit to a failed post resets it to
// pending and clears its attempt budget so the dispatcher picks it up again.
func (r *PostgresPostRepository) Update(ctx context.Context, id string, content *string, scheduledFor *time.Time) (*models.Post, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE public.posts
		   SET content = COALESCE($2, content),
		       scheduled_for = COALESCE($3, scheduled_for),
		       status = CASE WHEN status = 'failed' THEN 'pending' ELSE status END,
		       attempt_count = CASE WHEN status = 'failed' THEN 0 ELSE attempt_count END,
		       last_error = CASE WHEN status = 'failed' THEN NULL ELSE last_error END,
		       updated_at = NOW()
		 WHERE id = $1
		RETURNING `+postColumns,
		id, content, scheduledFor)
	out, err := scanPostRow(row)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, ErrDuplicateContent
		}
		return nil, err
	}
	return out, nil
}

func (r *PostgresPostRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM public.posts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// claimTTL must outlive a dispatch pass so a live claim blocks overlapping
// passes, while a claim left by a crashed pass eventually expires.
const claimTTL = `INTERVAL '5 minutes'`

func (r *PostgresPostRepository) ListDue(ctx context.Context, cutoff time.Time, maxAttempts int) ([]models.Post, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+postColumns+`
		  FROM public.posts
		 WHERE status IN ('pending', 'failed')
		   AND attempt_count < $2
		   AND scheduled_for <= $1
		   AND (claimed_at IS NULL OR claimed_at < NOW() - `+claimTTL+`)
		 ORDER BY scheduled_for ASC`,
		cutoff, maxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

// Claim races overlapping passes for a post before any external call is
// made. The guarded UPDATE lets exactly one caller through.
func (r *PostgresPostRepository) Claim(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE public.posts
		   SET claimed_at = NOW(),
		       updated_at = NOW()
		 WHERE id = $1
		   AND status IN ('pending', 'failed')
		   AND (claimed_at IS NULL OR claimed_at < NOW() - `+claimTTL+`)`,
		id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *PostgresPostRepository) MarkPosted(ctx context.Context, id, xPostID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE public.posts
		   SET status = 'posted',
		       x_post_id = $2,
		       last_error = NULL,
		       claimed_at = NULL,
		       last_attempt_at = NOW(),
		       updated_at = NOW()
		 WHERE id = $1
		   AND status <> 'posted'`,
		id, xPostID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresPostRepository) MarkFailed(ctx context.Context, id, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE public.posts
		   SET status = 'failed',
		       last_error = $2,
		       attempt_count = attempt_count + 1,
		       claimed_at = NULL,
		       last_attempt_at = NOW(),
		       updated_at = NOW()
		 WHERE id = $1
		   AND status <> 'posted'`,
		id, truncateReason(reason, 400))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// truncateReason cuts on a rune boundary; a mid-rune cut would produce
// invalid UTF-8 that Postgres rejects, making the failure write itself fail.
func truncateReason(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
