package detectors

import (
	"context"
	"fmt"
	"time"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
)

// nationalHolidays are the fixed-date Brazilian national holidays, keyed
// "MM-DD". Movable holidays (Carnival, Easter) are deliberately out.
var nationalHolidays = map[string]string{
	"01-01": "New Year's Day",
	"04-21": "Tiradentes",
	"05-01": "Labour Day",
	"09-07": "Independence Day",
	"10-12": "Our Lady of Aparecida",
	"11-02": "All Souls' Day",
	"11-15": "Republic Day",
	"12-25": "Christmas",
}

// TemporalConfig tunes the emission-time rules.
type TemporalConfig struct {
	HistoryWindow           time.Duration `koanf:"history_window" validate:"gt=0"`
	WeekendMinCount         int           `koanf:"weekend_min_count" validate:"gte=2"`
	HolidayMinCount         int           `koanf:"holiday_min_count" validate:"gte=2"`
	ConcentrationWindow     time.Duration `koanf:"concentration_window" validate:"gt=0"`
	ConcentrationMinSamples int           `koanf:"concentration_min_samples" validate:"gte=2"`
	ConcentrationShare      float64       `koanf:"concentration_share" validate:"gt=0,lte=1"`
	Confidence              float64       `koanf:"confidence" validate:"gt=0,lte=1"`
}

// DefaultTemporalConfig returns the production thresholds
func DefaultTemporalConfig() TemporalConfig {
	return TemporalConfig{
		HistoryWindow:           90 * 24 * time.Hour,
		WeekendMinCount:         5,
		HolidayMinCount:         3,
		ConcentrationWindow:     30 * 24 * time.Hour,
		ConcentrationMinSamples: 5,
		ConcentrationShare:      0.7,
		Confidence:              0.7,
	}
}

// Temporal flags emission instants that do not fit commercial activity:
// deep-night issues, habitual weekend and holiday emission, and issuers
// that concentrate everything on a single weekday.
type Temporal struct {
	cfg TemporalConfig
}

// NewTemporal builds the detector
func NewTemporal(cfg TemporalConfig) (*Temporal, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &Temporal{cfg: cfg}, nil
}

func (d *Temporal) Name() string { return "temporal_anomaly" }

func (d *Temporal) Method() fraud.DetectionMethod { return fraud.MethodRule }

func (d *Temporal) Detect(ctx context.Context, scope detection.Scope) ([]fraud.Detection, error) {
	if scope.ItemLevel() {
		return nil, nil
	}
	inv := scope.Invoice
	history := d.issuerHistory(scope)

	var detections []fraud.Detection

	if det, ok, err := d.oddHour(inv.IssuedAt); err != nil {
		return nil, err
	} else if ok {
		detections = append(detections, det)
	}

	if det, ok, err := d.weekendHabit(inv.IssuedAt, history); err != nil {
		return nil, err
	} else if ok {
		detections = append(detections, det)
	}

	if det, ok, err := d.holidayHabit(inv.IssuedAt, history); err != nil {
		return nil, err
	} else if ok {
		detections = append(detections, det)
	}

	if det, ok, err := d.weekdayConcentration(inv.IssuedAt, history); err != nil {
		return nil, err
	} else if ok {
		detections = append(detections, det)
	}

	return detections, nil
}

func (d *Temporal) issuerHistory(scope detection.Scope) []fraud.TransactionRecord {
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

func (d *Temporal) oddHour(issuedAt time.Time) (fraud.Detection, bool, error) {
	hour := issuedAt.Hour()
	var score float64
	switch {
	case hour <= 4:
		score = 50
	case hour >= 22 || hour <= 6:
		score = 30
	default:
		return fraud.Detection{}, false, nil
	}

	det, err := fraud.NewDetection(fraud.KindTemporalAnomaly, score, d.cfg.Confidence,
		fmt.Sprintf("Invoice issued at %02d:%02d, outside commercial hours",
			hour, issuedAt.Minute()),
		[]string{fmt.Sprintf("emission at %s", issuedAt.Format("2006-01-02 15:04"))},
		fraud.MethodRule)
	if err != nil {
		return fraud.Detection{}, false, err
	}
	return det, true, nil
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func holidayName(t time.Time) (string, bool) {
	name, ok := nationalHolidays[t.Format("01-02")]
	return name, ok
}

func (d *Temporal) weekendHabit(issuedAt time.Time, history []fraud.TransactionRecord) (fraud.Detection, bool, error) {
	if !isWeekend(issuedAt) {
		return fraud.Detection{}, false, nil
	}
	count := 1
	for _, r := range history {
		if isWeekend(r.IssuedAt) {
			count++
		}
	}
	if count < d.cfg.WeekendMinCount {
		return fraud.Detection{}, false, nil
	}

	det, err := fraud.NewDetection(fraud.KindTemporalAnomaly,
		minFloat(100, float64(count)*15), d.cfg.Confidence,
		"Issuer habitually emits on weekends",
		[]string{fmt.Sprintf("%d weekend emissions in the last %d days",
			count, int(d.cfg.HistoryWindow.Hours()/24))},
		fraud.MethodRule)
	if err != nil {
		return fraud.Detection{}, false, err
	}
	return det, true, nil
}

func (d *Temporal) holidayHabit(issuedAt time.Time, history []fraud.TransactionRecord) (fraud.Detection, bool, error) {
	name, ok := holidayName(issuedAt)
	if !ok {
		return fraud.Detection{}, false, nil
	}
	count := 1
	for _, r := range history {
		if _, hit := holidayName(r.IssuedAt); hit {
			count++
		}
	}
	if count < d.cfg.HolidayMinCount {
		return fraud.Detection{}, false, nil
	}

	det, err := fraud.NewDetection(fraud.KindTemporalAnomaly,
		minFloat(100, float64(count)*20), d.cfg.Confidence,
		fmt.Sprintf("Invoice issued on a national holiday (%s)", name),
		[]string{fmt.Sprintf("%d holiday emissions in the last %d days",
			count, int(d.cfg.HistoryWindow.Hours()/24))},
		fraud.MethodRule)
	if err != nil {
		return fraud.Detection{}, false, err
	}
	return det, true, nil
}

func (d *Temporal) weekdayConcentration(issuedAt time.Time, history []fraud.TransactionRecord) (fraud.Detection, bool, error) {
	cutoff := issuedAt.Add(-d.cfg.ConcentrationWindow)
	counts := make(map[time.Weekday]int)
	samples := 1
	counts[issuedAt.Weekday()]++
	for _, r := range history {
		if r.IssuedAt.Before(cutoff) {
			continue
		}
		counts[r.IssuedAt.Weekday()]++
		samples++
	}
	if samples < d.cfg.ConcentrationMinSamples {
		return fraud.Detection{}, false, nil
	}

	top, topDay := 0, time.Sunday
	for day := time.Sunday; day <= time.Saturday; day++ {
		if counts[day] > top {
			top, topDay = counts[day], day
		}
	}
	share := float64(top) / float64(samples)
	if share <= d.cfg.ConcentrationShare {
		return fraud.Detection{}, false, nil
	}

	det, err := fraud.NewDetection(fraud.KindTemporalAnomaly,
		minFloat(100, share*100), d.cfg.Confidence,
		fmt.Sprintf("Issuer concentrates emissions on %s", topDay),
		[]string{fmt.Sprintf("%.0f%% of %d recent emissions fall on a %s",
			share*100, samples, topDay)},
		fraud.MethodRule)
	if err != nil {
		return fraud.Detection{}, false, err
	}
	return det, true, nil
}
