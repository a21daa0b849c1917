package detectors

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection/graph"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/errors"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
)

// CollusionConfig tunes the counterparty-collusion rules.
type CollusionConfig struct {
	MinScore               float64       `koanf:"min_score" validate:"gte=0,lte=100"`
	MaxCycleDepth          int           `koanf:"max_cycle_depth" validate:"gte=2,lte=8"`
	MaxCycles              int           `koanf:"max_cycles" validate:"gte=1"`
	PingPongWindow         time.Duration `koanf:"ping_pong_window" validate:"gt=0"`
	PingPongMinEach        int           `koanf:"ping_pong_min_each" validate:"gte=2"`
	ReappearanceWindow     time.Duration `koanf:"reappearance_window" validate:"gt=0"`
	AppreciationThreshold  float64       `koanf:"appreciation_threshold" validate:"gt=0"`
	ConcentrationThreshold float64       `koanf:"concentration_threshold" validate:"gt=0,lte=1"`
	HighTotalThreshold     float64       `koanf:"high_total_threshold" validate:"gt=0"`
	Confidence             float64       `koanf:"confidence" validate:"gt=0,lte=1"`
}

// DefaultCollusionConfig returns the production thresholds
func DefaultCollusionConfig() CollusionConfig {
	return CollusionConfig{
		MinScore:               40,
		MaxCycleDepth:          4,
		MaxCycles:              3,
		PingPongWindow:         30 * 24 * time.Hour,
		PingPongMinEach:        3,
		ReappearanceWindow:     180 * 24 * time.Hour,
		AppreciationThreshold:  50,
		ConcentrationThreshold: 0.7,
		HighTotalThreshold:     50_000,
		Confidence:             0.75,
	}
}

// Collusion looks for structured flows between the invoice's two parties:
// declared relationships, circular value paths, alternating sales, value
// reappearance with appreciation, and concentration on a single buyer.
type Collusion struct {
	cfg           CollusionConfig
	graphs        detection.GraphProvider
	relationships detection.RelationshipProvider
}

// NewCollusion builds the detector. The relationship provider may be nil;
// the known-relationship rule is then skipped.
func NewCollusion(cfg CollusionConfig, graphs detection.GraphProvider, relationships detection.RelationshipProvider) (*Collusion, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if graphs == nil {
		return nil, errors.NewValidationError("INVALID_DETECTOR_CONFIG",
			"collusion detector requires a transaction graph provider")
	}
	return &Collusion{cfg: cfg, graphs: graphs, relationships: relationships}, nil
}

func (d *Collusion) Name() string { return "counterparty_collusion" }

func (d *Collusion) Method() fraud.DetectionMethod { return fraud.MethodRule }

func (d *Collusion) Detect(ctx context.Context, scope detection.Scope) ([]fraud.Detection, error) {
	if scope.ItemLevel() {
		return nil, nil
	}
	inv := scope.Invoice
	issuer, recipient := inv.Issuer, inv.Recipient
	if issuer.IsEmpty() || recipient.IsEmpty() || issuer.Equal(recipient) {
		return nil, nil
	}

	g, err := d.graphs.TransactionGraph(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "loading transaction graph")
	}

	var score float64
	var evidence []string

	if d.relationships != nil {
		known, err := d.relationships.KnownRelationship(ctx, issuer, recipient)
		if err == nil && known {
			score += 25
			evidence = append(evidence, fmt.Sprintf(
				"issuer %s and recipient %s have a declared relationship",
				issuer.Formatted(), recipient.Formatted()))
		}
	}

	cycles := g.FindCycles(recipient, issuer, d.cfg.MaxCycleDepth, d.cfg.MaxCycles)
	if len(cycles) > 0 {
		score += 40
		for _, cycle := range cycles {
			evidence = append(evidence, fmt.Sprintf(
				"circular flow %s", formatCycle(cycle)))
		}
	}

	if out, in, follows := d.pingPong(g, issuer, recipient, inv.IssuedAt); out >= d.cfg.PingPongMinEach && in >= d.cfg.PingPongMinEach && follows >= d.cfg.PingPongMinEach {
		score += 30
		evidence = append(evidence, fmt.Sprintf(
			"%d sales and %d purchases between the parties in the last %d days, %d of them alternating",
			out, in, int(d.cfg.PingPongWindow.Hours()/24), follows))
	}

	if ev, ok := d.valueReappearance(g, scope, inv.TotalAmount.ToFloat64()); ok {
		score += 35
		evidence = append(evidence, ev)
	}

	if conc := g.Concentration(issuer, recipient); conc > d.cfg.ConcentrationThreshold {
		score += 20
		evidence = append(evidence, fmt.Sprintf(
			"%.0f%% of the issuer's outgoing transactions go to this recipient", conc*100))
	}

	total := inv.TotalAmount.ToFloat64()
	if total > d.cfg.HighTotalThreshold {
		score += 10
		evidence = append(evidence, fmt.Sprintf(
			"invoice total R$%.2f exceeds R$%.2f", total, d.cfg.HighTotalThreshold))
	}

	score = fraud.ClampScore(score)
	if score < d.cfg.MinScore || len(evidence) == 0 {
		return nil, nil
	}

	det, err := fraud.NewDetection(fraud.KindCounterpartyCollusion, score, d.cfg.Confidence,
		fmt.Sprintf("Transaction structure between %s and %s suggests coordinated activity",
			issuer.Formatted(), recipient.Formatted()),
		evidence, fraud.MethodRule)
	if err != nil {
		return nil, err
	}
	return []fraud.Detection{det}, nil
}

// pingPong counts transactions each way inside the window ending at the
// issue instant, plus how many inbound legs follow some outbound leg.
func (d *Collusion) pingPong(g *graph.TransactionGraph, issuer, recipient values.CNPJ, issuedAt time.Time) (out, in, follows int) {
	cutoff := issuedAt.Add(-d.cfg.PingPongWindow)
	outbound := withinWindow(g.TransactionsBetweenSince(issuer, recipient, cutoff), issuedAt)
	inbound := withinWindow(g.TransactionsBetweenSince(recipient, issuer, cutoff), issuedAt)

	for _, back := range inbound {
		for _, fwd := range outbound {
			if fwd.IssuedAt.Before(back.IssuedAt) {
				follows++
				break
			}
		}
	}
	return len(outbound), len(inbound), follows
}

// valueReappearance scans prior recipient→issuer transactions, newest
// first, for one that shares a classification code with the current items
// and came back more than the appreciation threshold higher.
func (d *Collusion) valueReappearance(g *graph.TransactionGraph, scope detection.Scope, total float64) (string, bool) {
	inv := scope.Invoice
	cutoff := inv.IssuedAt.Add(-d.cfg.ReappearanceWindow)
	priors := withinWindow(g.TransactionsBetweenSince(inv.Recipient, inv.Issuer, cutoff), inv.IssuedAt)
	codes := inv.NCMCodes()

	for i := len(priors) - 1; i >= 0; i-- {
		prior := priors[i]
		if prior.TotalValue <= 0 || !sharesNCM(prior, codes) {
			continue
		}
		appreciation := (total - prior.TotalValue) / prior.TotalValue * 100
		if appreciation > d.cfg.AppreciationThreshold {
			days := int(inv.IssuedAt.Sub(prior.IssuedAt).Hours() / 24)
			return fmt.Sprintf(
				"goods sold by the recipient %d days ago for R$%.2f return at R$%.2f (+%.0f%%)",
				days, prior.TotalValue, total, appreciation), true
		}
	}
	return "", false
}

// withinWindow drops records issued at or after the analysis instant, so
// feed rows newer than the invoice never count as its history.
func withinWindow(records []fraud.TransactionRecord, until time.Time) []fraud.TransactionRecord {
	kept := records[:0:0]
	for _, r := range records {
		if r.IssuedAt.Before(until) {
			kept = append(kept, r)
		}
	}
	return kept
}

func sharesNCM(record fraud.TransactionRecord, codes []values.NCM) bool {
	for _, code := range codes {
		if record.HasNCM(code) {
			return true
		}
	}
	return false
}

func formatCycle(cycle []string) string {
	parts := make([]string, len(cycle))
	for i, node := range cycle {
		if cnpj, err := values.NewCNPJ(node); err == nil {
			parts[i] = cnpj.Formatted()
		} else {
			parts[i] = node
		}
	}
	return strings.Join(parts, " -> ")
}
