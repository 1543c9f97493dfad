// Package integrator turns raw fetcher records into validated, deduplicated
// products.
package integrator

import (
	"context"
	"time"

	"apparel/catalog/internal/config"
	"apparel/catalog/internal/domain"
	"apparel/catalog/internal/metrics"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	PriceCeiling   float64
	FuzzyThreshold float64
	PriceTolerance float64
	Workers        int
}

func OptionsFromConfig(cfg config.IntegratorConfig) Options {
	return Options{
		PriceCeiling:   cfg.PriceCeiling,
		FuzzyThreshold: cfg.FuzzyThreshold,
		PriceTolerance: cfg.PriceTolerance,
		Workers:        cfg.Workers,
	}
}

// Rejection pairs a dropped record with the reason it was dropped.
type Rejection struct {
	Record domain.RawRecord
	Err    ValidationError
}

type Result struct {
	Accepted []domain.Product
	Rejected []Rejection
	Report   QualityReport
}

type Integrator struct {
	opts    Options
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(opts Options, m *metrics.Metrics) *Integrator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Integrator{opts: opts, metrics: m, now: time.Now}
}

// Integrate normalizes and validates every record in parallel, then
// removes duplicates once the whole batch is visible. Bad records are
// reported in the result, never as an error; the error is only set when ctx
// ends before the batch is processed.
func (i *Integrator) Integrate(ctx context.Context, raw []domain.RawRecord) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	now := i.now()
	normalizedRecords := make([]*normalized, len(raw))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.opts.Workers)
	for idx := range raw {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			normalizedRecords[idx] = normalizeRecord(idx, raw[idx], now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var (
		valid    = make([]*normalized, 0, len(normalizedRecords))
		rejected []Rejection
	)
	for _, n := range normalizedRecords {
		if verr := validate(n, i.opts.PriceCeiling); verr != nil {
			rejected = append(rejected, Rejection{Record: n.raw, Err: *verr})
			i.metrics.AddProcessed(string(verr.Reason), 1)
			continue
		}
		valid = append(valid, n)
	}

	survivors, exactDupes := dedupExact(valid)
	survivors, fuzzyDupes := dedupFuzzy(survivors, i.opts.FuzzyThreshold, i.opts.PriceTolerance)
	i.metrics.AddDuplicates("exact", exactDupes)
	i.metrics.AddDuplicates("fuzzy", fuzzyDupes)

	accepted := make([]domain.Product, 0, len(survivors))
	for _, n := range survivors {
		p := n.product
		p.DataQualityScore = dataQualityScore(n.present, len(n.warnings))
		p.QualityScore = popularityScore(p, n.present)
		accepted = append(accepted, p)
	}
	i.metrics.AddProcessed("accepted", len(accepted))

	result := Result{
		Accepted: accepted,
		Rejected: rejected,
		Report:   buildReport(len(raw), accepted, rejected, exactDupes+fuzzyDupes),
	}

	log.WithFields(log.Fields{
		"total":      result.Report.TotalProcessed,
		"accepted":   result.Report.AcceptedCount,
		"rejected":   result.Report.RejectedCount,
		"duplicates": result.Report.DuplicatesRemoved,
	}).Infof("🧹 Integrated batch, average data quality %.2f", result.Report.AverageQualityScore)

	return result, nil
}
