package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrShareNotFound  = errors.New("share not found")
	ErrTokenHashTaken = errors.New("token hash already exists")
	ErrQuotaReached   = errors.New("download quota reached")
)

const uniqueViolation = "23505"

// Repository provides CRUD operations for shares.
type Repository struct {
	db *DB
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a share and its file rows in one transaction.
// Returns ErrTokenHashTaken when the token hash collides with an
// existing share.
func (r *Repository) Create(ctx context.Context, share *Share) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO shares (
			id, token_hash, expires_at, max_downloads, download_count,
			password_protected, password_hash, client_encrypted, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		share.ID,
		share.TokenHash,
		share.ExpiresAt,
		share.MaxDownloads,
		share.DownloadCount,
		share.PasswordProtected,
		share.PasswordHash,
		share.ClientEncrypted,
		share.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrTokenHashTaken
		}
		return fmt.Errorf("failed to create share: %w", err)
	}

	for i, f := range share.Files {
		_, err = tx.Exec(ctx, `
			INSERT INTO share_files (share_id, file_index, name, size, content_type, storage_key)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, share.ID, i, f.Name, f.Size, nullable(f.ContentType), f.StorageKey)
		if err != nil {
			return fmt.Errorf("failed to create share file: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit share: %w", err)
	}
	return nil
}

// GetByTokenHash retrieves a share and its files by the peppered token hash.
func (r *Repository) GetByTokenHash(ctx context.Context, hash string) (*Share, error) {
	share := &Share{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, token_hash, expires_at, max_downloads, download_count,
			   password_protected, password_hash, client_encrypted, created_at
		FROM shares WHERE token_hash = $1
	`, hash).Scan(
		&share.ID,
		&share.TokenHash,
		&share.ExpiresAt,
		&share.MaxDownloads,
		&share.DownloadCount,
		&share.PasswordProtected,
		&share.PasswordHash,
		&share.ClientEncrypted,
		&share.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrShareNotFound
		}
		return nil, fmt.Errorf("failed to get share: %w", err)
	}

	files, err := r.filesForShare(ctx, share.ID)
	if err != nil {
		return nil, err
	}
	share.Files = files
	return share, nil
}

// ConsumeDownload atomically increments the download counter, refusing at
// the quota ceiling. The guard and the increment are a single UPDATE so two
// concurrent redemptions can never both consume the last unit.
// Returns the post-increment count.
func (r *Repository) ConsumeDownload(ctx context.Context, id string) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx, `
		UPDATE shares
		SET download_count = download_count + 1
		WHERE id = $1
		  AND (max_downloads IS NULL OR download_count < max_downloads)
		RETURNING download_count
	`, id).Scan(&count)
	if err == nil {
		return count, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to consume download: %w", err)
	}

	// No row updated: either the share is gone or the quota is spent.
	var exists bool
	if err := r.db.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM shares WHERE id = $1)", id,
	).Scan(&exists); err != nil {
		return 0, fmt.Errorf("failed to check share existence: %w", err)
	}
	if !exists {
		return 0, ErrShareNotFound
	}
	return 0, ErrQuotaReached
}

// PurgeExpired deletes all shares whose expiry has passed. File rows go with
// them via CASCADE. Idempotent; returns the number of shares removed.
func (r *Repository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		"DELETE FROM shares WHERE expires_at IS NOT NULL AND expires_at < $1", now)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired shares: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetExpired returns all shares past their expiry, with files, so the purge
// sweep can remove their blob objects before dropping the rows.
func (r *Repository) GetExpired(ctx context.Context, now time.Time) ([]*Share, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, token_hash, expires_at, max_downloads, download_count,
			   password_protected, password_hash, client_encrypted, created_at
		FROM shares WHERE expires_at IS NOT NULL AND expires_at < $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired shares: %w", err)
	}
	defer rows.Close()

	var shares []*Share
	for rows.Next() {
		share := &Share{}
		if err := rows.Scan(
			&share.ID,
			&share.TokenHash,
			&share.ExpiresAt,
			&share.MaxDownloads,
			&share.DownloadCount,
			&share.PasswordProtected,
			&share.PasswordHash,
			&share.ClientEncrypted,
			&share.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan expired share: %w", err)
		}
		shares = append(shares, share)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, share := range shares {
		files, err := r.filesForShare(ctx, share.ID)
		if err != nil {
			return nil, err
		}
		share.Files = files
	}
	return shares, nil
}

// GetStats returns aggregate server statistics.
func (r *Repository) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE expires_at IS NULL OR expires_at > NOW()),
			COALESCE(SUM(download_count), 0)
		FROM shares
	`).Scan(
		&stats.TotalShares,
		&stats.ActiveShares,
		&stats.TotalDownloads,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	err = r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(f.size), 0)
		FROM share_files f
		JOIN shares s ON s.id = f.share_id
		WHERE s.expires_at IS NULL OR s.expires_at > NOW()
	`).Scan(&stats.BytesShared)
	if err != nil {
		return nil, fmt.Errorf("failed to get storage stats: %w", err)
	}

	return stats, nil
}

func (r *Repository) filesForShare(ctx context.Context, shareID string) ([]ShareFile, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT name, size, content_type, storage_key
		FROM share_files WHERE share_id = $1
		ORDER BY file_index
	`, shareID)
	if err != nil {
		return nil, fmt.Errorf("failed to query share files: %w", err)
	}
	defer rows.Close()

	var files []ShareFile
	for rows.Next() {
		var f ShareFile
		var contentType *string
		if err := rows.Scan(&f.Name, &f.Size, &contentType, &f.StorageKey); err != nil {
			return nil, fmt.Errorf("failed to scan share file: %w", err)
		}
		if contentType != nil {
			f.ContentType = *contentType
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
