package repository

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"

	"apparel/catalog/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrPoolExhausted means no connection became free within the acquire
	// timeout. The caller may retry the operation.
	ErrPoolExhausted = errors.New("connection pool exhausted")
	// ErrConstraintViolation means the write would break a catalog invariant
	// and was rejected.
	ErrConstraintViolation = errors.New("constraint violation")
	ErrIO                  = errors.New("storage io error")
	ErrNotFound            = errors.New("not found")
	ErrBackupIntegrity     = errors.New("backup integrity check failed")
)

// OpError records which store operation failed.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("repository %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// wrap attaches op to err and maps driver failures onto the store's error
// kinds.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var opErr *OpError
	if errors.As(err, &opErr) {
		return err
	}
	return &OpError{Op: op, Err: classify(err)}
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrPoolExhausted),
		errors.Is(err, ErrConstraintViolation),
		errors.Is(err, ErrIO),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrBackupIntegrity):
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"): // integrity_constraint_violation class
			return fmt.Errorf("%w: %s (%s)", ErrConstraintViolation, pgErr.Message, pgErr.ConstraintName)
		case pgErr.Code == "53300": // too_many_connections
			return fmt.Errorf("%w: %s", ErrPoolExhausted, pgErr.Message)
		}
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConstraintViolation, fmt.Sprintf(format, args...))
}

// validateProduct enforces the catalog invariants before any SQL runs.
func validateProduct(p domain.Product) error {
	switch {
	case strings.TrimSpace(p.ProductID) == "":
		return violation("product_id is required")
	case strings.TrimSpace(p.Title) == "":
		return violation("title is required")
	case !p.Platform.Valid():
		return violation("unknown platform %q", p.Platform)
	case !p.Category.Valid():
		return violation("unknown category %q", p.Category)
	case math.IsNaN(p.Price) || math.IsInf(p.Price, 0) || p.Price <= 0:
		return violation("price must be > 0, got %v", p.Price)
	case p.OriginalPrice != nil && (math.IsNaN(*p.OriginalPrice) || *p.OriginalPrice <= 0):
		return violation("original_price must be > 0, got %v", *p.OriginalPrice)
	case p.Rating != nil && (math.IsNaN(*p.Rating) || *p.Rating < 0 || *p.Rating > 5):
		return violation("rating must be within [0, 5], got %v", *p.Rating)
	case p.ReviewCount < 0:
		return violation("review_count must be >= 0, got %d", p.ReviewCount)
	case p.SalesCount != nil && *p.SalesCount < 0:
		return violation("sales_count must be >= 0, got %d", *p.SalesCount)
	case p.DataQualityScore < 0 || p.DataQualityScore > 100:
		return violation("data_quality_score must be within [0, 100], got %d", p.DataQualityScore)
	}

	u, err := url.Parse(p.ProductURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return violation("product_url must be absolute, got %q", p.ProductURL)
	}
	return nil
}

func validateScrapeLog(e domain.ScrapeLogEntry) error {
	switch {
	case !e.Platform.Valid():
		return violation("unknown platform %q", e.Platform)
	case e.Status != domain.ScrapeStatusSuccess && e.Status != domain.ScrapeStatusPartialFailure && e.Status != domain.ScrapeStatusFailed:
		return violation("unknown status %q", e.Status)
	case e.RecordsFound < 0 || e.RecordsSaved < 0:
		return violation("record counts must be >= 0")
	case e.CompletedAt.Before(e.StartedAt):
		return violation("completed_at before started_at")
	}
	return nil
}

func validateHotComment(c domain.HotComment) error {
	switch {
	case strings.TrimSpace(c.ProductID) == "":
		return violation("product_id is required")
	case strings.TrimSpace(c.Text) == "":
		return violation("comment text is required")
	case c.AuthorFollowers < 0 || c.Likes < 0 || c.Replies < 0:
		return violation("comment counters must be >= 0")
	}
	return nil
}
