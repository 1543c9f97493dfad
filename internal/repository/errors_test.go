package repository

import (
	"context"
	"errors"
	"math"
	"testing"

	"apparel/catalog/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
)

func validProduct() domain.Product {
	rating := 4.2
	return domain.Product{
		ProductID:        "abc123",
		Title:            "Red Hoodie",
		Platform:         domain.PlatformMarketplace,
		Category:         domain.CategoryHoodie,
		Price:            29.99,
		Currency:         "USD",
		Rating:           &rating,
		ProductURL:       "https://a.com/1",
		DataQualityScore: 80,
		IsActive:         true,
	}
}

func TestValidateProduct(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *domain.Product)
		wantErr bool
	}{
		{name: "valid", mutate: func(p *domain.Product) {}},
		{name: "missing id", mutate: func(p *domain.Product) { p.ProductID = "" }, wantErr: true},
		{name: "missing title", mutate: func(p *domain.Product) { p.Title = "  " }, wantErr: true},
		{name: "unknown platform", mutate: func(p *domain.Product) { p.Platform = "mall" }, wantErr: true},
		{name: "unknown category", mutate: func(p *domain.Product) { p.Category = "jacket" }, wantErr: true},
		{name: "zero price", mutate: func(p *domain.Product) { p.Price = 0 }, wantErr: true},
		{name: "nan price", mutate: func(p *domain.Product) { p.Price = math.NaN() }, wantErr: true},
		{name: "rating above five", mutate: func(p *domain.Product) { r := 5.1; p.Rating = &r }, wantErr: true},
		{name: "negative reviews", mutate: func(p *domain.Product) { p.ReviewCount = -1 }, wantErr: true},
		{name: "negative sales", mutate: func(p *domain.Product) { s := int64(-3); p.SalesCount = &s }, wantErr: true},
		{name: "relative url", mutate: func(p *domain.Product) { p.ProductURL = "/item/1" }, wantErr: true},
		{name: "quality score range", mutate: func(p *domain.Product) { p.DataQualityScore = 101 }, wantErr: true},
		{name: "no rating is fine", mutate: func(p *domain.Product) { p.Rating = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProduct()
			tt.mutate(&p)
			err := validateProduct(p)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validateProduct() err = %v, wantErr %t", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrConstraintViolation) {
				t.Fatalf("expected ErrConstraintViolation, got %v", err)
			}
		})
	}
}

func TestWrapClassifiesDriverErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "unique", err: &pgconn.PgError{Code: "23505", ConstraintName: "products_pkey"}, want: ErrConstraintViolation},
		{name: "check", err: &pgconn.PgError{Code: "23514"}, want: ErrConstraintViolation},
		{name: "too many connections", err: &pgconn.PgError{Code: "53300"}, want: ErrPoolExhausted},
		{name: "syntax", err: &pgconn.PgError{Code: "42601"}, want: ErrIO},
		{name: "context", err: context.DeadlineExceeded, want: ErrIO},
		{name: "already classified", err: ErrPoolExhausted, want: ErrPoolExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrap("op", tt.err)
			if !errors.Is(err, tt.want) {
				t.Fatalf("wrap(%v) = %v, want %v", tt.err, err, tt.want)
			}
			var opErr *OpError
			if !errors.As(err, &opErr) || opErr.Op != "op" {
				t.Fatalf("expected *OpError with op, got %T", err)
			}
		})
	}

	if !errors.Is(wrap("op", context.Canceled), context.Canceled) {
		t.Fatalf("original cause must stay reachable")
	}
	if wrap("op", nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestValidateScrapeLog(t *testing.T) {
	entry := domain.ScrapeLogEntry{Platform: domain.PlatformVideoPlatform, Status: domain.ScrapeStatusFailed}
	if err := validateScrapeLog(entry); err != nil {
		t.Fatalf("valid entry rejected: %v", err)
	}
	entry.Status = "done"
	if err := validateScrapeLog(entry); !errors.Is(err, ErrConstraintViolation) {
		t.Fatalf("expected violation, got %v", err)
	}
}
