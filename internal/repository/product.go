package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"apparel/catalog/internal/domain"

	"github.com/jackc/pgx/v5"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// UpsertOutcome says what UpsertProduct did.
type UpsertOutcome string

const (
	UpsertInserted  UpsertOutcome = "inserted"
	UpsertUpdated   UpsertOutcome = "updated"
	UpsertUnchanged UpsertOutcome = "unchanged"
)

const productColumns = `product_id, title, platform, category, price, original_price, currency,
	rating, review_count, sales_count, product_url, store_name, image_urls, keywords,
	quality_score, data_quality_score, source_id, first_seen_at, last_updated_at,
	scraped_at, is_active`

// UpsertProduct inserts p or updates the stored row with the same
// product_id. Concurrent calls for one product serialize on a transaction
// scoped advisory lock; calls for different products do not block each
// other. A changed price appends a price history entry before the product
// row is overwritten. Input identical to the stored row changes nothing.
func (s *Store) UpsertProduct(ctx context.Context, p domain.Product) (string, bool, error) {
	outcome, err := s.upsertProduct(ctx, p)
	if err != nil {
		return "", false, err
	}
	return p.ProductID, outcome == UpsertInserted, nil
}

// UpsertProductOutcome is UpsertProduct reporting the finer outcome.
func (s *Store) UpsertProductOutcome(ctx context.Context, p domain.Product) (UpsertOutcome, error) {
	return s.upsertProduct(ctx, p)
}

func (s *Store) upsertProduct(ctx context.Context, p domain.Product) (UpsertOutcome, error) {
	const op = "upsert_product"
	if err := validateProduct(p); err != nil {
		return "", wrap(op, err)
	}

	conn, err := s.acquire(ctx)
	if err != nil {
		return "", wrap(op, err)
	}
	defer conn.Release()

	fp := fingerprint(p)
	now := s.now().UTC()
	var outcome UpsertOutcome

	err = pgx.BeginTxFunc(ctx, conn, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, p.ProductID); err != nil {
			return fmt.Errorf("failed to lock product: %w", err)
		}

		var (
			storedPrice       float64
			storedFingerprint string
			storedActive      bool
		)
		err := tx.QueryRow(ctx,
			`SELECT price, fingerprint, is_active FROM products WHERE product_id = $1 FOR UPDATE`,
			p.ProductID,
		).Scan(&storedPrice, &storedFingerprint, &storedActive)

		switch {
		case errors.Is(err, pgx.ErrNoRows):
			if err := insertProduct(ctx, tx, p, fp, now); err != nil {
				return err
			}
			outcome = UpsertInserted
			return appendPriceHistory(ctx, tx, p, now)

		case err != nil:
			return fmt.Errorf("failed to read product: %w", err)

		case storedFingerprint == fp && storedActive == p.IsActive:
			outcome = UpsertUnchanged
			return nil
		}

		if storedPrice != p.Price {
			if err := appendPriceHistory(ctx, tx, p, now); err != nil {
				return err
			}
			s.metrics.IncPriceChange()
		}
		outcome = UpsertUpdated
		return updateProduct(ctx, tx, p, fp, now)
	})
	if err != nil {
		return "", wrap(op, err)
	}

	s.metrics.IncUpsert(string(outcome))
	return outcome, nil
}

func insertProduct(ctx context.Context, tx pgx.Tx, p domain.Product, fp string, now time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO products (`+productColumns+`, fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $18, $19, $20, $21)`,
		p.ProductID, p.Title, p.Platform.String(), p.Category.String(), p.Price, p.OriginalPrice, p.Currency,
		p.Rating, p.ReviewCount, p.SalesCount, p.ProductURL, p.StoreName, nonNil(p.ImageURLs), nonNil(p.Keywords),
		p.QualityScore, p.DataQualityScore, p.SourceID, now, scrapedAt(p, now), p.IsActive, fp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert product: %w", err)
	}
	return nil
}

func updateProduct(ctx context.Context, tx pgx.Tx, p domain.Product, fp string, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE products SET
			title = $2, category = $3, price = $4, original_price = $5, currency = $6,
			rating = $7, review_count = $8, sales_count = $9, product_url = $10, store_name = $11,
			image_urls = $12, keywords = $13, quality_score = $14, data_quality_score = $15,
			source_id = $16, scraped_at = $17, is_active = $18, fingerprint = $19, last_updated_at = $20
		WHERE product_id = $1`,
		p.ProductID, p.Title, p.Category.String(), p.Price, p.OriginalPrice, p.Currency,
		p.Rating, p.ReviewCount, p.SalesCount, p.ProductURL, p.StoreName,
		nonNil(p.ImageURLs), nonNil(p.Keywords), p.QualityScore, p.DataQualityScore,
		p.SourceID, scrapedAt(p, now), p.IsActive, fp, now,
	)
	if err != nil {
		return fmt.Errorf("failed to update product: %w", err)
	}
	return nil
}

func appendPriceHistory(ctx context.Context, tx pgx.Tx, p domain.Product, now time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO price_history (product_id, price, original_price, discount_percent, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`,
		p.ProductID, p.Price, p.OriginalPrice, domain.DiscountPercent(p.Price, p.OriginalPrice), now,
	)
	if err != nil {
		return fmt.Errorf("failed to append price history: %w", err)
	}
	return nil
}

// fingerprint hashes the fields an upsert may overwrite. Timestamps are
// left out so a re-scrape of unchanged data is a no-op.
func fingerprint(p domain.Product) string {
	payload, _ := json.Marshal(struct {
		Title            string
		Category         domain.Category
		Price            float64
		OriginalPrice    *float64
		Currency         string
		Rating           *float64
		ReviewCount      int64
		SalesCount       *int64
		ProductURL       string
		StoreName        string
		ImageURLs        []string
		Keywords         []string
		QualityScore     float64
		DataQualityScore int
		SourceID         string
	}{
		p.Title, p.Category, p.Price, p.OriginalPrice, p.Currency, p.Rating, p.ReviewCount,
		p.SalesCount, p.ProductURL, p.StoreName, nonNil(p.ImageURLs), nonNil(p.Keywords),
		p.QualityScore, p.DataQualityScore, p.SourceID,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func scrapedAt(p domain.Product, now time.Time) time.Time {
	if p.ScrapedAt.IsZero() {
		return now
	}
	return p.ScrapedAt.UTC()
}

// ProductFilter narrows GetProducts. Zero values mean no restriction.
type ProductFilter struct {
	Platform   domain.Platform
	Category   domain.Category
	MinPrice   *float64
	MaxPrice   *float64
	ActiveOnly bool
	Limit      int
	Offset     int
}

// where renders the filter as a SQL condition with positional args.
func (f ProductFilter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Platform != "" {
		add("platform = $%d", f.Platform.String())
	}
	if f.Category != "" {
		add("category = $%d", f.Category.String())
	}
	if f.MinPrice != nil {
		add("price >= $%d", *f.MinPrice)
	}
	if f.MaxPrice != nil {
		add("price <= $%d", *f.MaxPrice)
	}
	if f.ActiveOnly {
		conds = append(conds, "is_active")
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (f ProductFilter) page() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	return min(limit, maxPageSize), max(f.Offset, 0)
}

// GetProducts returns products newest update first.
func (s *Store) GetProducts(ctx context.Context, filter ProductFilter) ([]domain.Product, error) {
	const op = "get_products"
	if filter.Platform != "" && !filter.Platform.Valid() {
		return nil, wrap(op, violation("unknown platform %q", filter.Platform))
	}
	if filter.Category != "" && !filter.Category.Valid() {
		return nil, wrap(op, violation("unknown category %q", filter.Category))
	}

	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer conn.Release()

	where, args := filter.where()
	limit, offset := filter.page()
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM products%s ORDER BY last_updated_at DESC, product_id LIMIT $%d OFFSET $%d`,
		productColumns, where, len(args)-1, len(args))

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return nil, wrap(op, err)
	}
	return products, nil
}

func scanProduct(row pgx.CollectableRow) (domain.Product, error) {
	var (
		p                  domain.Product
		platform, category string
	)
	err := row.Scan(
		&p.ProductID, &p.Title, &platform, &category, &p.Price, &p.OriginalPrice, &p.Currency,
		&p.Rating, &p.ReviewCount, &p.SalesCount, &p.ProductURL, &p.StoreName, &p.ImageURLs, &p.Keywords,
		&p.QualityScore, &p.DataQualityScore, &p.SourceID, &p.FirstSeenAt, &p.LastUpdatedAt,
		&p.ScrapedAt, &p.IsActive,
	)
	p.Platform = domain.Platform(platform)
	p.Category = domain.Category(category)
	return p, err
}

// DeactivateProduct marks a product inactive. Products are never deleted.
func (s *Store) DeactivateProduct(ctx context.Context, productID string) error {
	const op = "deactivate_product"
	conn, err := s.acquire(ctx)
	if err != nil {
		return wrap(op, err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx,
		`UPDATE products SET is_active = FALSE, last_updated_at = $2 WHERE product_id = $1 AND is_active`,
		productID, s.now().UTC())
	if err != nil {
		return wrap(op, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE product_id = $1)`, productID).Scan(&exists); err != nil {
			return wrap(op, err)
		}
		if !exists {
			return wrap(op, fmt.Errorf("%w: product %s", ErrNotFound, productID))
		}
	}
	return nil
}

// GetPriceHistory returns entries recorded at or after since, oldest first.
func (s *Store) GetPriceHistory(ctx context.Context, productID string, since time.Time) ([]domain.PriceHistoryEntry, error) {
	const op = "get_price_history"
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `
		SELECT id, product_id, price, original_price, discount_percent, recorded_at
		FROM price_history
		WHERE product_id = $1 AND recorded_at >= $2
		ORDER BY recorded_at, id`, productID, since)
	if err != nil {
		return nil, wrap(op, err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PriceHistoryEntry, error) {
		var e domain.PriceHistoryEntry
		err := row.Scan(&e.ID, &e.ProductID, &e.Price, &e.OriginalPrice, &e.DiscountPercent, &e.RecordedAt)
		return e, err
	})
	if err != nil {
		return nil, wrap(op, err)
	}
	return entries, nil
}

// CleanupPriceHistory deletes entries recorded before the horizon.
func (s *Store) CleanupPriceHistory(ctx context.Context, before time.Time) (int64, error) {
	const op = "cleanup_price_history"
	conn, err := s.acquire(ctx)
	if err != nil {
		return 0, wrap(op, err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `DELETE FROM price_history WHERE recorded_at < $1`, before)
	if err != nil {
		return 0, wrap(op, err)
	}
	return tag.RowsAffected(), nil
}
