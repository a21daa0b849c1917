package detectors

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/invoice"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
)

// SplittingConfig tunes the value-splitting rules.
type SplittingConfig struct {
	Window              time.Duration `koanf:"window" validate:"gt=0"`
	BurstWindow         time.Duration `koanf:"burst_window" validate:"gt=0"`
	Ceiling             float64       `koanf:"ceiling" validate:"gt=0"`
	MinWindowInvoices   int           `koanf:"min_window_invoices" validate:"gte=2"`
	MinBurstInvoices    int           `koanf:"min_burst_invoices" validate:"gte=2"`
	ClusterJaccard      float64       `koanf:"cluster_jaccard" validate:"gt=0,lte=1"`
	ResaleConcentration float64       `koanf:"resale_concentration" validate:"gt=0,lte=1"`
	Confidence          float64       `koanf:"confidence" validate:"gt=0,lte=1"`
}

// DefaultSplittingConfig returns the production thresholds
func DefaultSplittingConfig() SplittingConfig {
	return SplittingConfig{
		Window:              24 * time.Hour,
		BurstWindow:         2 * time.Hour,
		Ceiling:             10_000,
		MinWindowInvoices:   2,
		MinBurstInvoices:    3,
		ClusterJaccard:      0.8,
		ResaleConcentration: 0.7,
		Confidence:          0.8,
	}
}

// Splitting flags invoices that look like one operation broken into
// several documents to stay under a declaration ceiling. The window is
// every feed record sharing the issuer or the recipient inside the
// lookback, and the invoice under analysis always counts as part of it.
type Splitting struct {
	cfg SplittingConfig
}

// NewSplitting builds the detector
func NewSplitting(cfg SplittingConfig) (*Splitting, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return &Splitting{cfg: cfg}, nil
}

func (d *Splitting) Name() string { return "value_splitting" }

func (d *Splitting) Method() fraud.DetectionMethod { return fraud.MethodRule }

func (d *Splitting) Detect(ctx context.Context, scope detection.Scope) ([]fraud.Detection, error) {
	if scope.ItemLevel() {
		return nil, nil
	}
	inv := scope.Invoice
	window := d.windowRecords(scope)
	total := inv.TotalAmount.ToFloat64()

	var detections []fraud.Detection

	n := len(window) + 1
	sum := total
	for _, r := range window {
		sum += r.TotalValue
	}
	if n >= d.cfg.MinWindowInvoices && sum > d.cfg.Ceiling {
		score := minFloat(100, sum/d.cfg.Ceiling*50) + minFloat(50, float64(n)*10)
		det, err := fraud.NewDetection(fraud.KindValueSplitting, fraud.ClampScore(score), d.cfg.Confidence,
			fmt.Sprintf("%d invoices between the same parties within %dh add up to R$%.2f",
				n, int(d.cfg.Window.Hours()), sum),
			[]string{fmt.Sprintf("combined value R$%.2f exceeds the R$%.2f ceiling across %d invoices",
				sum, d.cfg.Ceiling, n)},
			fraud.MethodRule)
		if err != nil {
			return nil, err
		}
		detections = append(detections, det)
	}

	burstCutoff := inv.IssuedAt.Add(-d.cfg.BurstWindow)
	burstN, burstSum := 1, total
	for _, r := range window {
		if !r.IssuedAt.Before(burstCutoff) {
			burstN++
			burstSum += r.TotalValue
		}
	}
	if burstN >= d.cfg.MinBurstInvoices {
		score := minFloat(100, float64(burstN)*20)
		evidence := []string{fmt.Sprintf("%d invoices issued within %d hours of each other",
			burstN, int(d.cfg.BurstWindow.Hours()))}
		if burstSum > d.cfg.Ceiling {
			score += 30
			evidence = append(evidence, fmt.Sprintf("the burst totals R$%.2f, above the R$%.2f ceiling",
				burstSum, d.cfg.Ceiling))
		}
		det, err := fraud.NewDetection(fraud.KindValueSplitting, fraud.ClampScore(score), d.cfg.Confidence,
			fmt.Sprintf("Burst of %d invoices in under %dh between the same parties",
				burstN, int(d.cfg.BurstWindow.Hours())),
			evidence, fraud.MethodRule)
		if err != nil {
			return nil, err
		}
		detections = append(detections, det)
	}

	clusterDets, err := d.productClusters(inv, window)
	if err != nil {
		return nil, err
	}
	detections = append(detections, clusterDets...)

	resaleDet, ok, err := d.resaleConcentration(inv, window)
	if err != nil {
		return nil, err
	}
	if ok {
		detections = append(detections, resaleDet)
	}

	return detections, nil
}

// windowRecords selects feed rows sharing the issuer or the recipient,
// issued inside the lookback and strictly before the invoice itself.
func (d *Splitting) windowRecords(scope detection.Scope) []fraud.TransactionRecord {
	inv := scope.Invoice
	cutoff := inv.IssuedAt.Add(-d.cfg.Window)
	window := make([]fraud.TransactionRecord, 0, len(scope.History))
	for _, r := range scope.History {
		if r.AccessKey.Equal(inv.AccessKey) {
			continue
		}
		if !r.Issuer.Equal(inv.Issuer) && !r.Recipient.Equal(inv.Recipient) {
			continue
		}
		if r.IssuedAt.Before(cutoff) || !r.IssuedAt.Before(inv.IssuedAt) {
			continue
		}
		window = append(window, r)
	}
	return window
}

type clusterItem struct {
	invoice string
	desc    string
	value   float64
	ncm     values.NCM
}

// productClusters groups items across the window by shared classification
// code or near-identical description, then flags clusters that span two or
// more invoices and carry more than half the ceiling.
func (d *Splitting) productClusters(inv *invoice.Invoice, window []fraud.TransactionRecord) ([]fraud.Detection, error) {
	var items []clusterItem
	for i := range inv.Items {
		item := &inv.Items[i]
		items = append(items, clusterItem{
			invoice: inv.AccessKey.String(),
			desc:    item.Description,
			value:   item.TotalPriceFloat(),
			ncm:     item.DeclaredNCM,
		})
	}
	for _, r := range window {
		for _, it := range r.Items {
			items = append(items, clusterItem{
				invoice: r.AccessKey.String(),
				desc:    it.Description,
				value:   it.Value,
				ncm:     it.NCM,
			})
		}
	}
	if len(items) < 2 {
		return nil, nil
	}

	parent := make([]int, len(items))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(i, j int) {
		ri, rj := find(i), find(j)
		if ri != rj {
			parent[rj] = ri
		}
	}

	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			sameCode := !items[i].ncm.IsEmpty() && items[i].ncm.Equal(items[j].ncm)
			if sameCode || descriptionJaccard(items[i].desc, items[j].desc) >= d.cfg.ClusterJaccard {
				union(i, j)
			}
		}
	}

	type cluster struct {
		first    int
		value    float64
		invoices map[string]struct{}
		label    string
	}
	clusters := make(map[int]*cluster)
	for i, item := range items {
		root := find(i)
		c, ok := clusters[root]
		if !ok {
			c = &cluster{first: i, invoices: make(map[string]struct{}), label: item.desc}
			clusters[root] = c
		}
		c.value += item.value
		c.invoices[item.invoice] = struct{}{}
	}

	var qualifying []*cluster
	for _, c := range clusters {
		if len(c.invoices) >= 2 && c.value > d.cfg.Ceiling/2 {
			qualifying = append(qualifying, c)
		}
	}
	sort.Slice(qualifying, func(i, j int) bool {
		if qualifying[i].value != qualifying[j].value {
			return qualifying[i].value > qualifying[j].value
		}
		return qualifying[i].first < qualifying[j].first
	})

	var detections []fraud.Detection
	for _, c := range qualifying {
		span := len(c.invoices)
		score := minFloat(100, float64(span)*15+c.value/1000)
		det, err := fraud.NewDetection(fraud.KindValueSplitting, score, d.cfg.Confidence,
			fmt.Sprintf("Similar products split across %d invoices", span),
			[]string{fmt.Sprintf("%q and similar items spread over %d invoices total R$%.2f",
				c.label, span, c.value)},
			fraud.MethodRule)
		if err != nil {
			return nil, err
		}
		detections = append(detections, det)
	}
	return detections, nil
}

// resaleConcentration checks how much of the window's operations use the
// merchandise-for-resale operation codes.
func (d *Splitting) resaleConcentration(inv *invoice.Invoice, window []fraud.TransactionRecord) (fraud.Detection, bool, error) {
	var total, resale int
	for i := range inv.Items {
		code := inv.Items[i].CFOP
		if code.IsEmpty() {
			continue
		}
		total++
		if code.IsResale() {
			resale++
		}
	}
	for _, r := range window {
		for _, code := range r.CFOPs {
			if code.IsEmpty() {
				continue
			}
			total++
			if code.IsResale() {
				resale++
			}
		}
	}
	if total == 0 {
		return fraud.Detection{}, false, nil
	}

	concentration := float64(resale) / float64(total)
	if concentration <= d.cfg.ResaleConcentration {
		return fraud.Detection{}, false, nil
	}

	det, err := fraud.NewDetection(fraud.KindValueSplitting,
		minFloat(100, concentration*100), d.cfg.Confidence,
		"Window operations concentrate on merchandise-for-resale codes",
		[]string{fmt.Sprintf("%.0f%% of %d operation codes in the window are resale codes",
			concentration*100, total)},
		fraud.MethodRule)
	if err != nil {
		return fraud.Detection{}, false, err
	}
	return det, true, nil
}
