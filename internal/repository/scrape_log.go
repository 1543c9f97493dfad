package repository

import (
	"context"
	"time"

	"apparel/catalog/internal/domain"

	"github.com/jackc/pgx/v5"
)

// AppendScrapeLog inserts one task log row. Existing rows are never
// modified.
func (s *Store) AppendScrapeLog(ctx context.Context, entry domain.ScrapeLogEntry) (int64, error) {
	const op = "append_scrape_log"
	if err := validateScrapeLog(entry); err != nil {
		return 0, wrap(op, err)
	}

	conn, err := s.acquire(ctx)
	if err != nil {
		return 0, wrap(op, err)
	}
	defer conn.Release()

	var id int64
	err = conn.QueryRow(ctx, `
		INSERT INTO scrape_logs (task_id, platform, category, status, records_found, records_saved,
			error_message, started_at, completed_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		entry.TaskID, entry.Platform.String(), entry.Category, entry.Status.String(),
		entry.RecordsFound, entry.RecordsSaved, entry.ErrorMessage,
		entry.StartedAt, entry.CompletedAt, entry.Duration.Milliseconds(),
	).Scan(&id)
	if err != nil {
		return 0, wrap(op, err)
	}
	return id, nil
}

// AddHotComment stores a comment for a product. A comment already stored
// with the same text gets its counters refreshed.
func (s *Store) AddHotComment(ctx context.Context, c domain.HotComment) (int64, error) {
	const op = "add_hot_comment"
	if err := validateHotComment(c); err != nil {
		return 0, wrap(op, err)
	}

	conn, err := s.acquire(ctx)
	if err != nil {
		return 0, wrap(op, err)
	}
	defer conn.Release()

	captured := c.CapturedAt
	if captured.IsZero() {
		captured = s.now().UTC()
	}

	var id int64
	err = conn.QueryRow(ctx, `
		INSERT INTO hot_comments (product_id, text, author, author_followers, likes, replies, commented_at, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (product_id, text) DO UPDATE SET
			author_followers = EXCLUDED.author_followers,
			likes = EXCLUDED.likes,
			replies = EXCLUDED.replies,
			captured_at = EXCLUDED.captured_at
		RETURNING id`,
		c.ProductID, c.Text, c.Author, c.AuthorFollowers, c.Likes, c.Replies, nullTime(c.CommentedAt), captured,
	).Scan(&id)
	if err != nil {
		return 0, wrap(op, err)
	}
	return id, nil
}

// GetHotComments returns the most liked comments of a product.
func (s *Store) GetHotComments(ctx context.Context, productID string, limit int) ([]domain.HotComment, error) {
	const op = "get_hot_comments"
	if limit <= 0 {
		limit = 20
	}

	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
		SELECT id, product_id, text, author, author_followers, likes, replies, commented_at, captured_at
		FROM hot_comments
		WHERE product_id = $1
		ORDER BY likes DESC, id
		LIMIT $2`, productID, limit)
	if err != nil {
		return nil, wrap(op, err)
	}
	comments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.HotComment, error) {
		var (
			c           domain.HotComment
			commentedAt *time.Time
		)
		err := row.Scan(&c.ID, &c.ProductID, &c.Text, &c.Author, &c.AuthorFollowers, &c.Likes, &c.Replies, &commentedAt, &c.CapturedAt)
		if commentedAt != nil {
			c.CommentedAt = *commentedAt
		}
		return c, err
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	return comments, nil
}

// Stats is a row count summary of the store.
type Stats struct {
	Products         int64 `json:"products"`
	ActiveProducts   int64 `json:"active_products"`
	PriceHistory     int64 `json:"price_history"`
	HotComments      int64 `json:"hot_comments"`
	ScrapeLogs       int64 `json:"scrape_logs"`
	NewProductsToday int64 `json:"new_products_today"`
	FailedTasksToday int64 `json:"failed_tasks_today"`
}

func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	const op = "get_stats"
	conn, err := s.acquire(ctx)
	if err != nil {
		return Stats{}, wrap(op, err)
	}
	defer conn.Release()

	now := s.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var st Stats
	err = conn.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM products),
			(SELECT COUNT(*) FROM products WHERE is_active),
			(SELECT COUNT(*) FROM price_history),
			(SELECT COUNT(*) FROM hot_comments),
			(SELECT COUNT(*) FROM scrape_logs),
			(SELECT COUNT(*) FROM products WHERE first_seen_at >= $1),
			(SELECT COUNT(*) FROM scrape_logs WHERE status = 'failed' AND started_at >= $1)`,
		dayStart,
	).Scan(&st.Products, &st.ActiveProducts, &st.PriceHistory, &st.HotComments, &st.ScrapeLogs,
		&st.NewProductsToday, &st.FailedTasksToday)
	if err != nil {
		return Stats{}, wrap(op, err)
	}
	return st, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}
