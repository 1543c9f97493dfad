// Package export writes accepted products to flat files.
package export

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"apparel/catalog/internal/domain"
)

var csvHeader = []string{
	"product_id", "platform", "category", "title", "price", "original_price", "currency",
	"discount_percent", "rating", "review_count", "sales_count", "store_name", "product_url",
	"keywords", "quality_score", "data_quality_score", "scraped_at",
}

// CSVWriter writes one product per row.
type CSVWriter struct {
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVWriter creates filename and writes the header row.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	if err := writer.Write(csvHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("flush csv header: %w", err)
	}

	return &CSVWriter{file: f, writer: writer}, nil
}

func (cw *CSVWriter) Write(products []domain.Product) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, p := range products {
		if err := cw.writer.Write(csvRow(p)); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

func csvRow(p domain.Product) []string {
	return []string{
		p.ProductID,
		p.Platform.String(),
		p.Category.String(),
		p.Title,
		formatPrice(p.Price),
		optionalFloat(p.OriginalPrice, formatPrice),
		p.Currency,
		strconv.Itoa(domain.DiscountPercent(p.Price, p.OriginalPrice)),
		optionalFloat(p.Rating, func(v float64) string { return strconv.FormatFloat(v, 'f', 1, 64) }),
		strconv.FormatInt(p.ReviewCount, 10),
		optionalInt(p.SalesCount),
		p.StoreName,
		p.ProductURL,
		strings.Join(p.Keywords, " "),
		strconv.FormatFloat(p.QualityScore, 'f', 2, 64),
		strconv.Itoa(p.DataQualityScore),
		p.ScrapedAt.UTC().Format(time.RFC3339),
	}
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func optionalFloat(v *float64, format func(float64) string) string {
	if v == nil {
		return ""
	}
	return format(*v)
}

func optionalInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		cw.file.Close()
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// JSONWriter writes newline-delimited JSON, hot comments included.
type JSONWriter struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

func NewJSONWriter(filename string) (*JSONWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create json file: %w", err)
	}

	buffer := bufio.NewWriter(f)
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	return &JSONWriter{file: f, writer: buffer, encoder: encoder}, nil
}

func (jw *JSONWriter) Write(products []domain.Product) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, p := range products {
		if err := jw.encoder.Encode(p); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
	}
	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return nil
}

func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		jw.file.Close()
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// Files names the outputs of one export.
type Files struct {
	CSV   string
	JSONL string
	Count int
}

// WriteProducts exports products into dir as products_<timestamp>.csv and
// products_<timestamp>.jsonl.
func WriteProducts(dir string, at time.Time, products []domain.Product) (Files, error) {
	stamp := at.UTC().Format("20060102_150405")
	files := Files{
		CSV:   filepath.Join(dir, "products_"+stamp+".csv"),
		JSONL: filepath.Join(dir, "products_"+stamp+".jsonl"),
		Count: len(products),
	}

	csvWriter, err := NewCSVWriter(files.CSV)
	if err != nil {
		return Files{}, fmt.Errorf("failed to create CSV writer: %w", err)
	}
	jsonWriter, err := NewJSONWriter(files.JSONL)
	if err != nil {
		csvWriter.Close()
		return Files{}, fmt.Errorf("failed to create JSON writer: %w", err)
	}

	var errs []error
	if err := csvWriter.Write(products); err != nil {
		errs = append(errs, fmt.Errorf("CSV write failed: %w", err))
	}
	if err := jsonWriter.Write(products); err != nil {
		errs = append(errs, fmt.Errorf("JSON write failed: %w", err))
	}
	if err := csvWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("CSV close failed: %w", err))
	}
	if err := jsonWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("JSON close failed: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return Files{}, err
	}
	return files, nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
