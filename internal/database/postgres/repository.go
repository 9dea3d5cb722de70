package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shortloop-dev/shortloop/internal/database"
	"github.com/shortloop-dev/shortloop/internal/models"
)

type urlRecord struct {
	ID          int64          `db:"id"`
	ShortCode   string         `db:"short_code"`
	OriginalURL string         `db:"original_url"`
	ClickCount  int64          `db:"click_count"`
	OwnerID     sql.NullString `db:"owner_id"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (r *urlRecord) ToURL() *models.URL {
	return &models.URL{
		ID:          r.ID,
		ShortCode:   r.ShortCode,
		OriginalURL: r.OriginalURL,
		ClickCount:  r.ClickCount,
		OwnerID:     r.OwnerID.String,
		CreatedAt:   r.CreatedAt,
	}
}

// URLRepository is the authoritative persistent store for short URL mappings.
// Uniqueness of short codes is enforced by the store itself, which is what
// makes concurrent and residual insert attempts safe.
type URLRepository struct {
	db *sqlx.DB
}

func NewURLRepository(db *sqlx.DB) *URLRepository {
	return &URLRepository{
		db: db,
	}
}

// Insert persists a new mapping. A duplicate short code yields
// database.ErrShortCodeExists.
func (r *URLRepository) Insert(ctx context.Context, shortCode, originalURL, ownerID string) (*models.URL, error) {
	const op = "database.postgres.URLRepository.Insert"

	rec := new(urlRecord)
	query := `INSERT INTO urls(short_code, original_url, owner_id)
		VALUES ($1, $2, NULLIF($3, ''))
		RETURNING *`

	err := r.db.GetContext(ctx, rec, query, shortCode, originalURL, ownerID)
	if err != nil {
		if isUniqueViolationError(err) {
			return nil, fmt.Errorf("%s: %w", op, database.ErrShortCodeExists)
		}

		return nil, fmt.Errorf("%s: failed to insert url record: %w", op, err)
	}

	return rec.ToURL(), nil
}

// FindAndIncrementClicks resolves a short code and bumps its click count in
// the same statement, so the authoritative count is incremented exactly once
// per successful lookup.
func (r *URLRepository) FindAndIncrementClicks(ctx context.Context, shortCode string) (*models.URL, error) {
	const op = "database.postgres.URLRepository.FindAndIncrementClicks"

	rec := new(urlRecord)
	query := `UPDATE urls
		SET click_count = click_count + 1
		WHERE short_code = $1
		RETURNING *`

	err := r.db.GetContext(ctx, rec, query, shortCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, database.ErrURLNotFound)
		}

		return nil, fmt.Errorf("%s: failed to get url record: %w", op, err)
	}

	return rec.ToURL(), nil
}

// FindByShortCode retrieves a mapping without touching its click count.
func (r *URLRepository) FindByShortCode(ctx context.Context, shortCode string) (*models.URL, error) {
	const op = "database.postgres.URLRepository.FindByShortCode"

	rec := new(urlRecord)
	query := `SELECT * FROM urls WHERE short_code = $1`

	err := r.db.GetContext(ctx, rec, query, shortCode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, database.ErrURLNotFound)
		}

		return nil, fmt.Errorf("%s: failed to get url record: %w", op, err)
	}

	return rec.ToURL(), nil
}

// Health reports whether the store currently answers pings.
func (r *URLRepository) Health(ctx context.Context) database.Health {
	if err := r.db.PingContext(ctx); err != nil {
		return database.HealthDisconnected
	}

	return database.HealthConnected
}
