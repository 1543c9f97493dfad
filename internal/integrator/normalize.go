package integrator

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"apparel/catalog/internal/domain"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/unicode/norm"
)

const (
	maxTitleRunes   = 200
	canonicalFields = 12
	warningPenalty  = 10
	defaultCurrency = "USD"
)

var (
	priceNumberRegex = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?`)
	ratingRegex      = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	countRegex       = regexp.MustCompile(`(\d[\d,]*(?:\.\d+)?)\s*(?:([kKwW])\b|(万))?`)
	isoCurrencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)
)

// Checked in order: "sweatshirt" contains "tshirt".
var categoryKeywords = []struct {
	category domain.Category
	keywords []string
}{
	{domain.CategoryHoodie, []string{"hoodie", "hooded", "卫衣", "连帽衫", "帽衫", "拉链衫"}},
	{domain.CategorySweatshirt, []string{"sweatshirt", "sweater", "crewneck", "毛衣", "针织衫", "长袖衫", "套头衫"}},
	{domain.CategoryTShirt, []string{"t-shirt", "t shirt", "tshirt", "tee", "t恤", "短袖", "短袖衫"}},
}

var currencySymbols = []struct {
	symbol   string
	currency string
}{
	{"US$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "CNY"},
	{"元", "CNY"},
	{"RMB", "CNY"},
	{"CNY", "CNY"},
	{"EUR", "EUR"},
	{"GBP", "GBP"},
	{"USD", "USD"},
	{"$", "USD"},
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "but": {}, "for": {}, "with": {}, "are": {}, "was": {},
	"were": {}, "been": {}, "have": {}, "has": {}, "had": {}, "does": {}, "did": {},
	"will": {}, "would": {}, "could": {}, "should": {}, "may": {}, "might": {},
	"can": {}, "this": {}, "that": {}, "these": {}, "those": {}, "from": {},
	"new": {}, "sale": {}, "free": {}, "shipping": {},
	"我们": {}, "你们": {}, "他们": {},
}

var errInvalidURL = errors.New("invalid url")

// normalized is one raw record after the map phase.
type normalized struct {
	index int
	raw   domain.RawRecord

	product  domain.Product
	warnings []Warning
	present  int // canonical fields carried by the record
	tokens   map[string]struct{}

	rawPrice  string
	rawRating string
	rawURL    string
	priceOK   bool
}

func normalizeRecord(index int, rec domain.RawRecord, now time.Time) *normalized {
	n := &normalized{
		index:     index,
		raw:       rec,
		rawPrice:  strings.TrimSpace(rec.Price),
		rawRating: strings.TrimSpace(rec.Rating),
		rawURL:    strings.TrimSpace(rec.ProductURL),
	}
	p := &n.product
	p.Platform = rec.Platform
	p.SourceID = strings.TrimSpace(rec.SourceID)
	p.StoreName = cleanText(rec.StoreName)
	p.IsActive = true
	p.ScrapedAt = rec.ScrapedAt.UTC()
	if rec.ScrapedAt.IsZero() {
		p.ScrapedAt = now.UTC()
	}

	title, truncated := cleanTitle(rec.Title)
	p.Title = title
	if truncated {
		n.warn(WarnTitleTruncated)
	}

	p.Price, n.priceOK = parsePrice(n.rawPrice)
	currency, explicit := inferCurrency(rec.Currency, n.rawPrice)
	p.Currency = currency

	if raw := strings.TrimSpace(rec.OriginalPrice); raw != "" {
		if v, ok := parsePrice(raw); ok && v > 0 {
			p.OriginalPrice = &v
			if n.priceOK && v < p.Price {
				n.warn(WarnOriginalBelowPrice)
			}
		} else {
			n.warn(WarnInvalidOriginalPrice)
		}
	}

	if n.rawRating != "" {
		if v, ok := parseRating(n.rawRating); ok {
			p.Rating = &v
		} else {
			n.warn(WarnInvalidRating)
		}
	}

	if raw := strings.TrimSpace(rec.ReviewCount); raw != "" {
		if v, ok := parseCount(raw); ok {
			p.ReviewCount = v
		} else {
			n.warn(WarnInvalidReviewCount)
		}
	}
	if raw := strings.TrimSpace(rec.SalesCount); raw != "" {
		if v, ok := parseCount(raw); ok {
			p.SalesCount = &v
		} else {
			n.warn(WarnInvalidSalesCount)
		}
	}

	category, mapped := mapCategory(rec.Category, p.Title)
	p.Category = category
	if !mapped && strings.TrimSpace(rec.Category) != "" {
		n.warn(WarnCategoryUnmapped)
	}

	if n.rawURL != "" {
		if u, err := normalizeURL(n.rawURL); err == nil {
			p.ProductURL = u
		}
	}

	for _, img := range rec.ImageURLs {
		if strings.TrimSpace(img) == "" {
			continue
		}
		u, err := normalizeURL(img)
		if err != nil {
			n.warn(WarnInvalidImageURL)
			continue
		}
		if !slices.Contains(p.ImageURLs, u) {
			p.ImageURLs = append(p.ImageURLs, u)
		}
	}

	p.Keywords = extractKeywords(p.Title)
	n.tokens = titleTokens(p.Title)
	p.ProductID = productID(p.Platform, p.SourceID, p.ProductURL)
	p.HotComments = hotComments(p.ProductID, rec.Comments, p.ScrapedAt)

	n.present = countPresent(n, explicit, mapped)
	return n
}

func (n *normalized) warn(w Warning) {
	if !slices.Contains(n.warnings, w) {
		n.warnings = append(n.warnings, w)
	}
}

func countPresent(n *normalized, currencyExplicit, categoryMapped bool) int {
	p := n.product
	present := 0
	for _, ok := range []bool{
		p.Title != "",
		n.priceOK,
		p.OriginalPrice != nil,
		currencyExplicit,
		p.Rating != nil,
		strings.TrimSpace(n.raw.ReviewCount) != "",
		p.SalesCount != nil,
		p.ProductURL != "",
		p.StoreName != "",
		len(p.ImageURLs) > 0,
		categoryMapped,
		p.SourceID != "",
	} {
		if ok {
			present++
		}
	}
	return present
}

// cleanTitle strips markup, folds compatibility characters and collapses
// whitespace. The bool reports truncation.
func cleanTitle(s string) (string, bool) {
	s = cleanText(s)
	if utf8.RuneCountInString(s) <= maxTitleRunes {
		return s, false
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:maxTitleRunes])), true
}

func cleanText(s string) string {
	if strings.ContainsAny(s, "<&") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			s = doc.Text()
		}
	}
	s = norm.NFKC.String(s)
	return strings.Join(strings.Fields(s), " ")
}

// parsePrice reads the first number in s, dropping currency symbols and
// thousands separators. A lone comma followed by two digits is a decimal
// comma.
func parsePrice(s string) (float64, bool) {
	s = norm.NFKC.String(strings.TrimSpace(s))
	m := priceNumberRegex.FindString(s)
	if m == "" {
		return 0, false
	}
	if !strings.Contains(m, ".") {
		if i := strings.LastIndex(m, ","); i >= 0 && len(m)-i-1 == 2 && strings.Count(m, ",") == 1 {
			m = m[:i] + "." + m[i+1:]
		}
	}
	m = strings.ReplaceAll(m, ",", "")
	v, err := strconv.ParseFloat(m, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	if v > 0 && strings.HasPrefix(s, "-") {
		v = -v
	}
	return math.Round(v*100) / 100, true
}

// inferCurrency prefers an explicit ISO code, then a symbol in the price
// text. The bool is false when the default was used.
func inferCurrency(explicit, priceText string) (string, bool) {
	code := strings.ToUpper(strings.TrimSpace(explicit))
	if code == "RMB" {
		code = "CNY"
	}
	if isoCurrencyRegex.MatchString(code) {
		return code, true
	}
	text := strings.ToUpper(norm.NFKC.String(priceText))
	for _, cs := range currencySymbols {
		if strings.Contains(text, cs.symbol) {
			return cs.currency, true
		}
	}
	return defaultCurrency, false
}

func parseRating(s string) (float64, bool) {
	m := ratingRegex.FindString(norm.NFKC.String(s))
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return math.Round(v*100) / 100, true
}

// parseCount understands thousands separators and the k/w/万 suffixes.
func parseCount(s string) (int64, bool) {
	m := countRegex.FindStringSubmatch(norm.NFKC.String(s))
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0, false
	}
	switch m[2] + m[3] {
	case "k", "K":
		v *= 1_000
	case "w", "W", "万":
		v *= 10_000
	}
	return int64(math.Round(v)), true
}

// mapCategory matches the source category first and falls back to the
// title. Unmatched input maps to other.
func mapCategory(category, title string) (domain.Category, bool) {
	for _, text := range []string{category, title} {
		text = strings.ToLower(norm.NFKC.String(text))
		if strings.TrimSpace(text) == "" {
			continue
		}
		for _, ck := range categoryKeywords {
			for _, kw := range ck.keywords {
				if strings.Contains(text, kw) {
					return ck.category, true
				}
			}
		}
	}
	return domain.CategoryOther, false
}

// normalizeURL defaults the scheme to https, lower-cases the host and drops
// the fragment.
func normalizeURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return "", errInvalidURL
	case strings.HasPrefix(s, "//"):
		s = "https:" + s
	case !strings.Contains(s, "://"):
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", errInvalidURL
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errInvalidURL
	}
	if u.Hostname() == "" || strings.ContainsAny(u.Host, " \t") {
		return "", errInvalidURL
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

// extractKeywords returns sorted unique title words longer than two runes.
func extractKeywords(title string) []string {
	words := strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var out []string
	for _, w := range words {
		if utf8.RuneCountInString(w) <= 2 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		out = append(out, w)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// titleTokens is the token set used for fuzzy matching. Punctuation inside
// a word is dropped so "T-Shirt" and "Tshirt" compare equal.
func titleTokens(title string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, field := range strings.Fields(strings.ToLower(title)) {
		var b strings.Builder
		for _, r := range field {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				b.WriteRune(r)
			}
		}
		if b.Len() > 0 {
			tokens[b.String()] = struct{}{}
		}
	}
	return tokens
}

// productID is stable per platform listing: the source id when known,
// otherwise the normalized product URL.
func productID(platform domain.Platform, sourceID, productURL string) string {
	key := "url:" + productURL
	if sourceID != "" {
		key = "sid:" + sourceID
	}
	sum := sha256.Sum256([]byte(platform.String() + "|" + key))
	return hex.EncodeToString(sum[:16])
}

func hotComments(productID string, comments []domain.RawComment, capturedAt time.Time) []domain.HotComment {
	var out []domain.HotComment
	for _, c := range comments {
		text := cleanText(c.Text)
		if text == "" {
			continue
		}
		out = append(out, domain.HotComment{
			ProductID:       productID,
			Text:            text,
			Author:          cleanText(c.Author),
			AuthorFollowers: max(c.AuthorFollowers, 0),
			Likes:           max(c.Likes, 0),
			Replies:         max(c.Replies, 0),
			CommentedAt:     c.CommentedAt.UTC(),
			CapturedAt:      capturedAt,
		})
	}
	return out
}
