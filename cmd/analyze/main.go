// The analyze command runs the fraud engine over invoice JSON files
// without any backing services: reference data and transaction history
// are loaded from optional JSON files into in-memory providers, and the
// analysis results are printed to stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/detection/detectors"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/fraud"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/invoice"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/domain/values"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/infrastructure/config"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/infrastructure/repository"
	"github.com/fiscalwatch/nfe-fraud-engine/internal/infrastructure/telemetry"
)

var (
	configPath    = flag.String("config", "", "path to configuration file")
	inputFile     = flag.String("file", "", "analyze a single invoice JSON file")
	inputDir      = flag.String("dir", "", "analyze every *.json file in a directory")
	referenceFile = flag.String("reference", "", "JSON file with market prices, tax rates and known relationships")
	historyFile   = flag.String("history", "", "JSON file with the historical transaction feed")
	pretty        = flag.Bool("pretty", false, "indent the JSON output")
)

// analysisInput mirrors the API request body: one invoice plus the
// optional upstream classifier output.
type analysisInput struct {
	Invoice         *invoice.Invoice         `json:"invoice"`
	Classifications []invoice.Classification `json:"classifications,omitempty"`
}

// fileResult is one line of the batch output.
type fileResult struct {
	File     string                `json:"file"`
	Analysis *fraud.AnalysisResult `json:"analysis,omitempty"`
	Error    string                `json:"error,omitempty"`
}

func main() {
	flag.Parse()

	logger := telemetry.SetupLogger("info")
	slog.SetDefault(logger)

	if (*inputFile == "") == (*inputDir == "") {
		logger.Error("exactly one of -file or -dir is required")
		os.Exit(1)
	}

	if err := run(logger); err != nil {
		logger.Error("analysis failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	references, history, priors, err := loadProviders(*referenceFile, *historyFile)
	if err != nil {
		return err
	}

	engine, err := buildEngine(cfg, references, history, priors, logger)
	if err != nil {
		return fmt.Errorf("building detection engine: %w", err)
	}

	ctx := context.Background()
	if *inputFile != "" {
		return analyzeOne(ctx, engine, *inputFile, logger)
	}
	return analyzeDir(ctx, engine, *inputDir, logger)
}

func analyzeOne(ctx context.Context, engine *detection.Service, path string, logger *slog.Logger) error {
	input, err := readInput(path)
	if err != nil {
		return err
	}
	set, err := invoice.NewClassificationSet(input.Classifications)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	result, err := engine.Analyze(ctx, input.Invoice, set)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	logger.Info("invoice analyzed",
		"file", path,
		"risk_score", result.RiskScore,
		"risk_level", result.RiskLevel.String(),
		"detections", len(result.Detections),
	)
	return writeJSON(result)
}

func analyzeDir(ctx context.Context, engine *detection.Service, dir string, logger *slog.Logger) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return fmt.Errorf("listing %s: %w", dir, err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no *.json files in %s", dir)
	}
	sort.Strings(files)

	out := make([]fileResult, len(files))
	items := make([]detection.BatchItem, 0, len(files))
	submitted := make([]int, 0, len(files))

	for i, file := range files {
		out[i].File = file
		input, err := readInput(file)
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		set, err := invoice.NewClassificationSet(input.Classifications)
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		items = append(items, detection.BatchItem{Invoice: input.Invoice, Classifications: set})
		submitted = append(submitted, i)
	}

	results, err := engine.AnalyzeBatch(ctx, items)
	if err != nil {
		return fmt.Errorf("batch analysis: %w", err)
	}

	succeeded := 0
	for pos, res := range results {
		i := submitted[pos]
		if res.Err != nil {
			out[i].Error = res.Err.Error()
			continue
		}
		out[i].Analysis = res.Result
		succeeded++
	}

	logger.Info("batch analyzed",
		"files", len(files),
		"succeeded", succeeded,
		"failed", len(files)-succeeded,
	)
	if err := writeJSON(out); err != nil {
		return err
	}
	if succeeded == 0 {
		return fmt.Errorf("no file analyzed successfully")
	}
	return nil
}

func readInput(path string) (*analysisInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var input analysisInput
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if input.Invoice == nil {
		return nil, fmt.Errorf("%s: missing invoice object", path)
	}
	if err := input.Invoice.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &input, nil
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	if *pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFrom(path, false)
	}
	return config.Load()
}

// referenceData is the on-disk shape of the -reference file.
type referenceData struct {
	MarketPrices []fraud.PriceStats `json:"market_prices"`
	TaxRates     []struct {
		NCM  values.NCM `json:"ncm"`
		Rate float64    `json:"rate"`
	} `json:"tax_rates"`
	Descriptions []struct {
		NCM         values.NCM `json:"ncm"`
		Description string     `json:"description"`
	} `json:"ncm_descriptions"`
	Relationships []struct {
		A values.CNPJ `json:"a"`
		B values.CNPJ `json:"b"`
	} `json:"relationships"`
}

func loadProviders(referencePath, historyPath string) (*repository.MemoryReferenceData, *repository.MemoryTransactionHistory, *repository.MemoryDetectionHistory, error) {
	references := repository.NewMemoryReferenceData()
	if referencePath != "" {
		data, err := os.ReadFile(referencePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("reading reference file: %w", err)
		}
		var ref referenceData
		if err := json.Unmarshal(data, &ref); err != nil {
			return nil, nil, nil, fmt.Errorf("decoding reference file: %w", err)
		}

		for _, stats := range ref.MarketPrices {
			if stats.Source == "" {
				stats.Source = fraud.PriceSourceMarket
			}
			references.SetMarketStats(stats)
		}
		for _, rate := range ref.TaxRates {
			references.SetTaxRate(rate.NCM, rate.Rate)
		}
		for _, desc := range ref.Descriptions {
			references.SetDescription(desc.NCM, desc.Description)
		}
		for _, rel := range ref.Relationships {
			references.AddRelationship(rel.A, rel.B)
		}
	}

	history := repository.NewMemoryTransactionHistory()
	if historyPath != "" {
		data, err := os.ReadFile(historyPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("reading history file: %w", err)
		}
		var records []fraud.TransactionRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, nil, nil, fmt.Errorf("decoding history file: %w", err)
		}
		history.Add(records...)
	}

	return references, history, repository.NewMemoryDetectionHistory(), nil
}

// buildEngine mirrors the API wiring over the in-memory providers. The
// CLI runs uncached: every invocation is a fresh analysis.
func buildEngine(
	cfg *config.Config,
	references *repository.MemoryReferenceData,
	history *repository.MemoryTransactionHistory,
	priors *repository.MemoryDetectionHistory,
	logger *slog.Logger,
) (*detection.Service, error) {
	dc := cfg.Detection

	collusion, err := detectors.NewCollusion(dc.Collusion, history, references)
	if err != nil {
		return nil, err
	}
	splitting, err := detectors.NewSplitting(dc.Splitting)
	if err != nil {
		return nil, err
	}
	counterparty, err := detectors.NewCounterparty(dc.Counterparty)
	if err != nil {
		return nil, err
	}
	temporal, err := detectors.NewTemporal(dc.Temporal)
	if err != nil {
		return nil, err
	}
	consistency, err := detectors.NewValueConsistency(dc.ValueConsistency)
	if err != nil {
		return nil, err
	}
	underpricing, err := detectors.NewUnderpricing(dc.Underpricing, references, history, priors)
	if err != nil {
		return nil, err
	}
	classification, err := detectors.NewClassification(dc.Classification, references, references, nil)
	if err != nil {
		return nil, err
	}

	registry := detection.NewRegistry()
	for _, d := range []detection.Detector{
		collusion, splitting, counterparty, temporal, consistency,
		underpricing, classification,
	} {
		if err := registry.Register(d); err != nil {
			return nil, err
		}
	}

	refiner, err := detectors.NewPatternRefiner(dc.Refinement, history)
	if err != nil {
		return nil, err
	}

	return detection.NewService(dc.Service, registry, refiner, nil, history, invoice.RealClock{}, logger)
}
