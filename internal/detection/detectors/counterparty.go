package detectors

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
)

// CounterpartyConfig tunes the issuer-behavior rules.
type CounterpartyConfig struct {
	HistoryWindow           time.Duration `koanf:"history_window" validate:"gt=0"`
	MinHistoryInvoices      int           `koanf:"min_history_invoices" validate:"gte=2"`
	MinSuspicious           int           `koanf:"min_suspicious" validate:"gte=1"`
	LowTotal                float64       `koanf:"low_total" validate:"gt=0"`
	HighTotal               float64       `koanf:"high_total" validate:"gt=0"`
	CheapItemValue          float64       `koanf:"cheap_item_value" validate:"gt=0"`
	CheapItemShare          float64       `koanf:"cheap_item_share" validate:"gt=0,lte=1"`
	MinZSamples             int           `koanf:"min_z_samples" validate:"gte=2"`
	ZThreshold              float64       `koanf:"z_threshold" validate:"gt=0"`
	FrequencyWindow         time.Duration `koanf:"frequency_window" validate:"gt=0"`
	MinFrequencyInvoices    int           `koanf:"min_frequency_invoices" validate:"gte=2"`
	MaxMeanInterval         time.Duration `koanf:"max_mean_interval" validate:"gt=0"`
	ConcentrationMinSamples int           `koanf:"concentration_min_samples" validate:"gte=2"`
	RecipientShare          float64       `koanf:"recipient_share" validate:"gt=0,lte=1"`
	Confidence              float64       `koanf:"confidence" validate:"gt=0,lte=1"`
}

// DefaultCounterpartyConfig returns the production thresholds
func DefaultCounterpartyConfig() CounterpartyConfig {
	return CounterpartyConfig{
		HistoryWindow:           90 * 24 * time.Hour,
		MinHistoryInvoices:      5,
		MinSuspicious:           3,
		LowTotal:                100,
		HighTotal:               1_000_000,
		CheapItemValue:          10,
		CheapItemShare:          0.5,
		MinZSamples:             10,
		ZThreshold:              3,
		FrequencyWindow:         30 * 24 * time.Hour,
		MinFrequencyInvoices:    5,
		MaxMeanInterval:         time.Hour,
		ConcentrationMinSamples: 10,
		RecipientShare:          0.8,
		Confidence:              0.7,
	}
}

// Counterparty profiles the issuer's own emission behavior over the
// lookback window: habitual suspicious documents, totals far outside the
// issuer's distribution, machine-gun emission rates and single-buyer
// concentration.
type Counterparty struct {
	cfg CounterpartyConfig
}

// NewCounterparty builds the detector
func NewCounterparty(cfg CounterpartyConfig) (*Counterparty, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &Counterparty{cfg: cfg}, nil
}

func (d *Counterparty) Name() string { return "counterparty_risk" }

func (d *Counterparty) Method() fraud.DetectionMethod { return fraud.MethodRule }

func (d *Counterparty) Detect(ctx context.Context, scope detection.Scope) ([]fraud.Detection, error) {
	if scope.ItemLevel() {
		return nil, nil
	}
	inv := scope.Invoice
	history := d.issuerHistory(scope)
	if len(history) == 0 {
		return nil, nil
	}

	var detections []fraud.Detection

	if det, ok, err := d.suspiciousHabit(history); err != nil {
		return nil, err
	} else if ok {
		detections = append(detections, det)
	}

	if det, ok, err := d.totalOutlier(history, inv.TotalAmount.ToFloat64()); err != nil {
		return nil, err
	} else if ok {
		detections = append(detections, det)
	}

	if det, ok, err := d.emissionRate(history, inv.IssuedAt); err != nil {
		return nil, err
	} else if ok {
		detections = append(detections, det)
	}

	if det, ok, err := d.recipientConcentration(history); err != nil {
		return nil, err
	} else if ok {
		detections = append(detections, det)
	}

	return detections, nil
}

// issuerHistory keeps feed rows issued by the same company inside the
// lookback, excluding the invoice under analysis.
func (d *Counterparty) issuerHistory(scope detection.Scope) []fraud.TransactionRecord {
	inv := scope.Invoice
	cutoff := inv.IssuedAt.Add(-d.cfg.HistoryWindow)
	history := make([]fraud.TransactionRecord, 0, len(scope.History))
	for _, r := range scope.History {
		if r.AccessKey.Equal(inv.AccessKey) || !r.Issuer.Equal(inv.Issuer) {
			continue
		}
		if r.IssuedAt.Before(cutoff) || !r.IssuedAt.Before(inv.IssuedAt) {
			continue
		}
		history = append(history, r)
	}
	return history
}

// recordLooksSuspicious applies the per-document heuristics: totals
// outside the plausible band, mostly token-priced items, or generic
// catch-all descriptions.
func (d *Counterparty) recordLooksSuspicious(r fraud.TransactionRecord) bool {
	if r.TotalValue < d.cfg.LowTotal || r.TotalValue > d.cfg.HighTotal {
		return true
	}
	if len(r.Items) > 0 {
		cheap := 0
		for _, it := range r.Items {
			if it.Value < d.cfg.CheapItemValue {
				cheap++
			}
		}
		if float64(cheap)/float64(len(r.Items)) > d.cfg.CheapItemShare {
			return true
		}
		for _, it := range r.Items {
			if isGenericDescription(it.Description) {
				return true
			}
		}
	}
	return false
}

func (d *Counterparty) suspiciousHabit(history []fraud.TransactionRecord) (fraud.Detection, bool, error) {
	if len(history) < d.cfg.MinHistoryInvoices {
		return fraud.Detection{}, false, nil
	}
	suspicious := 0
	for _, r := range history {
		if d.recordLooksSuspicious(r) {
			suspicious++
		}
	}
	if suspicious < d.cfg.MinSuspicious {
		return fraud.Detection{}, false, nil
	}

	ratio := float64(suspicious) / float64(len(history))
	det, err := fraud.NewDetection(fraud.KindCounterpartyRisk,
		minFloat(100, ratio*100), d.cfg.Confidence,
		"Issuer habitually emits suspicious documents",
		[]string{fmt.Sprintf("%d of the issuer's %d invoices in the last %d days look suspicious",
			suspicious, len(history), int(d.cfg.HistoryWindow.Hours()/24))},
		fraud.MethodRule)
	if err != nil {
		return fraud.Detection{}, false, err
	}
	return det, true, nil
}

func (d *Counterparty) totalOutlier(history []fraud.TransactionRecord, total float64) (fraud.Detection, bool, error) {
	if len(history) < d.cfg.MinZSamples {
		return fraud.Detection{}, false, nil
	}
	totals := make([]float64, len(history))
	for i, r := range history {
		totals[i] = r.TotalValue
	}
	m := mean(totals)
	sd := stdDev(totals)
	if sd == 0 {
		return fraud.Detection{}, false, nil
	}
	z := (total - m) / sd
	if math.Abs(z) <= d.cfg.ZThreshold {
		return fraud.Detection{}, false, nil
	}

	det, err := fraud.NewDetection(fraud.KindCounterpartyRisk,
		minFloat(100, math.Abs(z)*20), d.cfg.Confidence,
		"Invoice total sits far outside the issuer's own distribution",
		[]string{fmt.Sprintf("total R$%.2f is %.1f standard deviations from the issuer mean R$%.2f",
			total, z, m)},
		fraud.MethodRule)
	if err != nil {
		return fraud.Detection{}, false, err
	}
	return det, true, nil
}

func (d *Counterparty) emissionRate(history []fraud.TransactionRecord, issuedAt time.Time) (fraud.Detection, bool, error) {
	cutoff := issuedAt.Add(-d.cfg.FrequencyWindow)
	times := make([]time.Time, 0, len(history)+1)
	for _, r := range history {
		if !r.IssuedAt.Before(cutoff) {
			times = append(times, r.IssuedAt)
		}
	}
	times = append(times, issuedAt)
	if len(times) < d.cfg.MinFrequencyInvoices {
		return fraud.Detection{}, false, nil
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	var totalGap time.Duration
	for i := 1; i < len(times); i++ {
		totalGap += times[i].Sub(times[i-1])
	}
	meanGap := totalGap / time.Duration(len(times)-1)
	if meanGap >= d.cfg.MaxMeanInterval {
		return fraud.Detection{}, false, nil
	}

	hours := meanGap.Hours()
	score := 100.0
	if hours > 0 {
		score = minFloat(100, (1/hours)*20)
	}
	det, err := fraud.NewDetection(fraud.KindCounterpartyRisk, score, d.cfg.Confidence,
		"Issuer emits invoices at an implausible rate",
		[]string{fmt.Sprintf("%d invoices in %d days with a mean interval of %.0f minutes",
			len(times), int(d.cfg.FrequencyWindow.Hours()/24), meanGap.Minutes())},
		fraud.MethodRule)
	if err != nil {
		return fraud.Detection{}, false, err
	}
	return det, true, nil
}

func (d *Counterparty) recipientConcentration(history []fraud.TransactionRecord) (fraud.Detection, bool, error) {
	if len(history) < d.cfg.ConcentrationMinSamples {
		return fraud.Detection{}, false, nil
	}
	counts := make(map[string]int)
	sampled := 0
	for _, r := range history {
		if r.Recipient.IsEmpty() {
			continue
		}
		counts[r.Recipient.String()]++
		sampled++
	}
	if sampled < d.cfg.ConcentrationMinSamples {
		return fraud.Detection{}, false, nil
	}

	top, topRecipient := 0, ""
	for recipient, c := range counts {
		if c > top || (c == top && recipient < topRecipient) {
			top, topRecipient = c, recipient
		}
	}
	share := float64(top) / float64(sampled)
	if share <= d.cfg.RecipientShare {
		return fraud.Detection{}, false, nil
	}

	det, err := fraud.NewDetection(fraud.KindCounterpartyRisk,
		minFloat(100, share*100), d.cfg.Confidence,
		"Issuer sells almost exclusively to one recipient",
		[]string{fmt.Sprintf("%.0f%% of %d recent invoices go to recipient %s",
			share*100, sampled, topRecipient)},
		fraud.MethodRule)
	if err != nil {
		return fraud.Detection{}, false, err
	}
	return det, true, nil
}
