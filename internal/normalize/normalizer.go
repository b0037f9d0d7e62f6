// Package normalize turns typed provider payloads into canonical records and
// scores how far the result can be trusted.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"marketdata/internal/logger"
	"marketdata/internal/provider"
	"marketdata/internal/symbol"
)

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock overrides the time source used for ages and stamps.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// Normalizer is safe for concurrent use. For a fixed clock its output is a
// pure function of the input.
type Normalizer struct {
	now      func() time.Time
	validate *validator.Validate
	log      *logger.Entry
}

// New builds a Normalizer.
func New(log *logger.Log, opts ...Option) *Normalizer {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(f reflect.Value) any {
		if d, ok := f.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})

	n := &Normalizer{
		now:      time.Now,
		validate: v,
		log:      log.WithComponent("normalize"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize converts raw into canonical records and attaches metadata and a
// quality report. It never returns an error: failures, including panics,
// yield a NormalizedData with StatusFailed, no records, and the reason as an
// issue.
func (n *Normalizer) Normalize(raw *provider.RawResponse, info symbol.Info) (out *NormalizedData) {
	now := n.now().UTC()
	out = &NormalizedData{
		Symbol:   info.Normalized,
		Metadata: Metadata{NormalizedAt: now},
	}
	if raw != nil {
		out.DataType, out.Source = raw.DataType, raw.Source
	}

	defer func() {
		if r := recover(); r != nil {
			n.fail(out, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := n.normalize(out, raw, info, now); err != nil {
		n.fail(out, err)
	}
	return out
}

func (n *Normalizer) fail(out *NormalizedData, err error) {
	out.Status = StatusFailed
	out.Records = emptyRecords(out.DataType)
	out.Quality = QualityReport{Level: LevelInvalid, Issues: []string{err.Error()}}
	out.Metadata.Completeness, out.Metadata.Freshness, out.Metadata.Quality = 0, 0, 0
	n.log.WithFields(logger.Fields{
		"symbol":    out.Symbol,
		"data_type": out.DataType,
		"source":    out.Source,
	}).WithError(err).Warn("normalization failed")
}

func (n *Normalizer) normalize(out *NormalizedData, raw *provider.RawResponse, info symbol.Info, now time.Time) error {
	if raw == nil {
		return errors.New("nil response")
	}

	// Step 1: metadata.
	body, err := json.Marshal(raw.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	sum := sha256.Sum256(body)
	out.Metadata.Checksum = hex.EncodeToString(sum[:])

	limit := maxAge(raw.DataType)
	var age time.Duration
	ref, dated := referenceTime(raw)
	if dated {
		age = max(now.Sub(ref), 0)
	}

	complete := completeness(raw.Payload)
	fresh := 0.0
	if dated {
		fresh = freshness(age, limit)
	}
	out.Metadata.Completeness = complete
	out.Metadata.Freshness = fresh
	out.Metadata.Quality = mean(complete, fresh)

	// Step 3 first: the quality report reads the converted values.
	records, err := convert(raw, info)
	if err != nil {
		return err
	}

	// Step 2: quality report.
	report := QualityReport{
		Completeness: complete,
		Accuracy:     accuracy(records),
		Timeliness:   0.3,
	}
	if dated {
		report.Timeliness = timeliness(age, limit)
	} else {
		report.Issues = append(report.Issues, "payload carries no timestamp")
	}
	var anomalies []string
	report.Consistency, anomalies = consistency(records)
	report.Anomalies = len(anomalies)
	report.Issues = append(report.Issues, anomalies...)
	if complete < 1 {
		report.Issues = append(report.Issues, fmt.Sprintf("completeness %.2f", complete))
	}

	// Step 4: validation.
	kept, dropped, reasons := n.filter(records)
	report.Issues = append(report.Issues, reasons...)
	report.Overall = mean(report.Completeness, report.Accuracy, report.Timeliness, report.Consistency)
	report.Level = LevelFor(report.Overall)

	out.Records = kept
	out.Quality = report
	out.Dropped = dropped
	switch {
	case dropped > 0 && reflect.ValueOf(kept).Len() == 0:
		out.Status = StatusFailed
		out.Quality.Level = LevelInvalid
	case dropped > 0:
		out.Status = StatusPartial
	default:
		out.Status = StatusSuccess
	}
	return nil
}

// filter drops records failing validation. Lists are kept partially rather
// than rejected wholesale.
func (n *Normalizer) filter(records any) (any, int, []string) {
	switch rs := records.(type) {
	case []PriceBar:
		return keepValid(n.validate, rs)
	case []Quote:
		return keepValid(n.validate, rs)
	case []CompanyProfile:
		return keepValid(n.validate, rs)
	case []NewsArticle:
		return keepValid(n.validate, rs)
	case []FinancialStatement:
		return keepValid(n.validate, rs)
	case []InstitutionalFlow:
		return keepValid(n.validate, rs)
	default:
		return records, 0, nil
	}
}

func keepValid[T any](v *validator.Validate, records []T) (any, int, []string) {
	kept := make([]T, 0, len(records))
	var reasons []string
	for i, r := range records {
		if err := v.Struct(r); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 {
				reasons = append(reasons, fmt.Sprintf("record %d dropped: %s failed %s", i, verrs[0].Field(), verrs[0].Tag()))
			} else {
				reasons = append(reasons, fmt.Sprintf("record %d dropped: %v", i, err))
			}
			continue
		}
		kept = append(kept, r)
	}
	return kept, len(records) - len(kept), reasons
}
