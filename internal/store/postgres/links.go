package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/unklstewy/securelinks/internal/models"
	"github.com/unklstewy/securelinks/internal/store"
)

const linkColumns = `id, media_id, format_id, link_hash, expires_at, active, created_at, download_count, copy_count`

// LinkStore persists secure links in the secure_links table.
type LinkStore struct {
	db DB
}

// NewLinkStore creates a link store on db.
func NewLinkStore(db DB) *LinkStore {
	return &LinkStore{db: db}
}

func scanLink(row pgx.Row) (*models.SecureLink, error) {
	var l models.SecureLink
	err := row.Scan(&l.ID, &l.MediaID, &l.FormatID, &l.Hash, &l.ExpiresAt, &l.Active, &l.CreatedAt, &l.DownloadCount, &l.CopyCount)
	if err != nil {
		return nil, err
	}
	l.ExpiresAt = l.ExpiresAt.UTC()
	l.CreatedAt = l.CreatedAt.UTC()
	return &l, nil
}

// Create inserts link and fills in its ID and CreatedAt.
func (s *LinkStore) Create(ctx context.Context, link *models.SecureLink) error {
	createdAt := link.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO secure_links (media_id, format_id, link_hash, expires_at, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query, link.MediaID, link.FormatID, link.Hash, link.ExpiresAt, link.Active, createdAt).
		Scan(&link.ID, &link.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert link: %w", mapErr(err))
	}
	link.CreatedAt = link.CreatedAt.UTC()
	return nil
}

// GetByID loads a link by primary key.
func (s *LinkStore) GetByID(ctx context.Context, id int64) (*models.SecureLink, error) {
	link, err := scanLink(s.db.QueryRow(ctx, `SELECT `+linkColumns+` FROM secure_links WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get link %d: %w", id, mapErr(err))
	}
	return link, nil
}

// GetByHash loads a link by its hash.
func (s *LinkStore) GetByHash(ctx context.Context, hash string) (*models.SecureLink, error) {
	link, err := scanLink(s.db.QueryRow(ctx, `SELECT `+linkColumns+` FROM secure_links WHERE link_hash = $1`, hash))
	if err != nil {
		return nil, fmt.Errorf("failed to get link by hash: %w", mapErr(err))
	}
	return link, nil
}

// FindActive returns the newest active, unexpired link for the pair.
func (s *LinkStore) FindActive(ctx context.Context, mediaID, formatID int64, now time.Time) (*models.SecureLink, error) {
	query := `SELECT ` + linkColumns + `
		FROM secure_links
		WHERE media_id = $1 AND format_id = $2 AND active AND expires_at > $3
		ORDER BY id DESC
		LIMIT 1`
	link, err := scanLink(s.db.QueryRow(ctx, query, mediaID, formatID, now))
	if err != nil {
		return nil, fmt.Errorf("failed to find active link: %w", mapErr(err))
	}
	return link, nil
}

// List returns links matching filter, newest first, and the total match count.
func (s *LinkStore) List(ctx context.Context, filter store.LinkFilter) ([]*models.SecureLink, int, error) {
	var (
		conds []string
		args  []any
	)
	if filter.MediaID != nil {
		args = append(args, *filter.MediaID)
		conds = append(conds, fmt.Sprintf("media_id = $%d", len(args)))
	}
	if filter.FormatID != nil {
		args = append(args, *filter.FormatID)
		conds = append(conds, fmt.Sprintf("format_id = $%d", len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		conds = append(conds, fmt.Sprintf("active = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM secure_links`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count links: %w", err)
	}

	query := `SELECT ` + linkColumns + ` FROM secure_links` + where + ` ORDER BY id DESC`
	query += limitClause(&args, filter.Limit, filter.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	links := make([]*models.SecureLink, 0)
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan link: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating link rows: %w", err)
	}
	return links, total, nil
}

// SetActive toggles the active flag of a link.
func (s *LinkStore) SetActive(ctx context.Context, id int64, active bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE secure_links SET active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to update link %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// DeactivatePair marks every active link of the pair inactive.
func (s *LinkStore) DeactivatePair(ctx context.Context, mediaID, formatID int64) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE secure_links SET active = FALSE WHERE media_id = $1 AND format_id = $2 AND active`,
		mediaID, formatID)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate links: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Delete removes a link.
func (s *LinkStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM secure_links WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete link %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// IncrementUsage bumps the counter for action in a single UPDATE.
func (s *LinkStore) IncrementUsage(ctx context.Context, id int64, action models.ActionKind) error {
	var query string
	switch action {
	case models.ActionDownload:
		query = `UPDATE secure_links SET download_count = download_count + 1 WHERE id = $1`
	case models.ActionCopy:
		query = `UPDATE secure_links SET copy_count = copy_count + 1 WHERE id = $1`
	default:
		return nil
	}

	tag, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to increment usage for link %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CountActive counts usable links.
func (s *LinkStore) CountActive(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM secure_links WHERE active AND expires_at > $1`, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active links: %w", err)
	}
	return n, nil
}

func limitClause(args *[]any, limit, offset int) string {
	clause := ""
	if limit > 0 {
		*args = append(*args, limit)
		clause += fmt.Sprintf(" LIMIT $%d", len(*args))
	}
	if offset > 0 {
		*args = append(*args, offset)
		clause += fmt.Sprintf(" OFFSET $%d", len(*args))
	}
	return clause
}
