// Benchmark tool for testing Shrike against labeled duplicate data.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/leads.csv
//
// This tool:
//  1. Reads labeled lead data (CSV with a cluster_id column marking true duplicates)
//  2. Feeds each lead through the detection cascade in arrival order
//  3. Compares Shrike's verdict (duplicate / unique) with the cluster labels
//  4. Calculates precision, recall, F1-score, and confusion matrix
//
// Expected CSV columns: lead_id, cluster_id, email, phone, name, address, postal_code.
// Leads sharing a cluster_id are true duplicates of each other; every lead
// after the first of its cluster should be flagged.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opensource-crm/shrike/internal/domain"
	"github.com/opensource-crm/shrike/internal/match"
	"github.com/opensource-crm/shrike/internal/repository"
)

// LabeledLead is a row from the benchmark dataset.
type LabeledLead struct {
	LeadID    string
	ClusterID string
	Payload   map[string]string
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int64 // Duplicate flagged as duplicate
	FalsePositives int64 // Unique flagged as duplicate
	TrueNegatives  int64 // Unique passed as unique
	FalseNegatives int64 // Duplicate passed as unique (missed dup!)

	TotalProcessed  int64
	TotalDuplicates int64
	TotalUnique     int64
	TotalErrors     int64

	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to labeled leads CSV file")
	dbPath := flag.String("db", "", "SQLite path for the scratch store (default: temp file)")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for leads")
	limit := flag.Int("limit", 10000, "Maximum leads to process (0 = all)")
	threshold := flag.Float64("threshold", 0.7, "Candidate similarity threshold")
	fuzzy := flag.Bool("fuzzy", true, "Enable fuzzy matching strategies")
	verbose := flag.Bool("verbose", false, "Print each lead result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/leads.csv")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	// Keep engine logs out of the report
	slog.SetDefault(slog.New(slog.NewJSONHandler(io.Discard, nil)))

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          SHRIKE BENCHMARK - Duplicate Detection               ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Threshold:   %.2f\n", *threshold)
	fmt.Printf("Fuzzy:       %v\n", *fuzzy)
	fmt.Println()

	// Read labeled lead data
	fmt.Printf("Reading labeled leads from %s...\n", *csvPath)
	leads, err := readLeadsCSV(*csvPath, *limit)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d leads\n", len(leads))

	// Count true duplicates: every lead after the first of its cluster
	clusterSizes := make(map[string]int)
	dupCount := 0
	for _, l := range leads {
		if l.ClusterID != "" && clusterSizes[l.ClusterID] > 0 {
			dupCount++
		}
		clusterSizes[l.ClusterID]++
	}
	fmt.Printf("  - Duplicates: %d (%.2f%%)\n", dupCount, 100*float64(dupCount)/float64(len(leads)))
	fmt.Printf("  - Unique:     %d (%.2f%%)\n", len(leads)-dupCount, 100*float64(len(leads)-dupCount)/float64(len(leads)))

	// Build a scratch store and detection stack
	path := *dbPath
	if path == "" {
		dir, err := os.MkdirTemp("", "shrike-benchmark-*")
		if err != nil {
			fmt.Printf("ERROR: Failed to create temp dir: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)
		path = filepath.Join(dir, "benchmark.db")
	}

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: path,
	})
	if err != nil {
		fmt.Printf("ERROR: Failed to create repository: %v\n", err)
		os.Exit(1)
	}
	defer repo.Close()

	ctx := context.Background()

	cfg := domain.DefaultDetectionConfig(*tenantID)
	cfg.Threshold = *threshold
	cfg.FuzzyMatchingEnabled = *fuzzy
	if err := repo.PutDetectionConfig(ctx, *tenantID, cfg); err != nil {
		fmt.Printf("ERROR: Failed to store detection config: %v\n", err)
		os.Exit(1)
	}

	finder := match.NewFinder(repo, repo, nil)

	// Run benchmark: leads arrive in dataset order
	fmt.Println("\nRunning benchmark...")
	startTime := time.Now()
	metrics := runBenchmark(ctx, repo, finder, *tenantID, leads, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, duration)
}

func readLeadsCSV(path string, limit int) ([]LabeledLead, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"lead_id", "cluster_id"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	payloadFields := []string{
		domain.FieldEmail,
		domain.FieldPhone,
		domain.FieldName,
		domain.FieldAddress,
		domain.FieldPostalCode,
	}

	var leads []LabeledLead
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		payload := make(map[string]string)
		for _, field := range payloadFields {
			if idx, ok := colIndex[field]; ok && record[idx] != "" {
				payload[field] = record[idx]
			}
		}
		if len(payload) == 0 {
			continue
		}

		leads = append(leads, LabeledLead{
			LeadID:    record[colIndex["lead_id"]],
			ClusterID: record[colIndex["cluster_id"]],
			Payload:   payload,
		})

		if limit > 0 && len(leads) >= limit {
			break
		}
	}

	return leads, nil
}

func runBenchmark(ctx context.Context, repo domain.Repository, finder *match.Finder, tenantID string, leads []LabeledLead, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Leads must be processed sequentially: whether a lead is a
	// duplicate depends on which of its cluster arrived before it.
	seen := make(map[string]bool)

	for _, l := range leads {
		start := time.Now()
		found, err := finder.FindDuplicate(ctx, tenantID, l.Payload)
		metrics.ProcessingTimeMs += time.Since(start).Milliseconds()
		metrics.TotalProcessed++

		if err != nil {
			metrics.TotalErrors++
			if verbose {
				fmt.Printf("ERROR: %s -> %v\n", l.LeadID, err)
			}
			continue
		}

		actual := l.ClusterID != "" && seen[l.ClusterID]
		predicted := found != nil

		if actual {
			metrics.TotalDuplicates++
		} else {
			metrics.TotalUnique++
		}

		switch {
		case predicted && actual:
			metrics.TruePositives++
		case predicted && !actual:
			metrics.FalsePositives++
		case !predicted && !actual:
			metrics.TrueNegatives++
		default: // !predicted && actual
			metrics.FalseNegatives++
		}

		if verbose {
			status := "✓"
			if predicted != actual {
				status = "✗"
			}
			strategy := "-"
			if found != nil {
				strategy = found.Strategy
			}
			fmt.Printf("%s %-12s | Cluster: %-8s | Dup: %-5v | Shrike: %-18s\n",
				status, l.LeadID, l.ClusterID, actual, strategy)
		}

		seen[l.ClusterID] = true

		// Register the lead so later cluster members can match it
		now := time.Now().UTC()
		if err := repo.SaveLead(ctx, tenantID, &domain.Lead{
			ID:        l.LeadID,
			TenantID:  tenantID,
			Payload:   l.Payload,
			Status:    domain.LeadStatusActive,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}); err != nil {
			metrics.TotalErrors++
			if verbose {
				fmt.Printf("ERROR: save %s -> %v\n", l.LeadID, err)
			}
		}
	}

	return metrics
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:   %d\n", m.TotalProcessed)
	fmt.Printf("   Total Duplicates:  %d\n", m.TotalDuplicates)
	fmt.Printf("   Total Unique:      %d\n", m.TotalUnique)
	fmt.Printf("   Errors:            %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                    DUP         UNIQ")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  D  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           U  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	// Calculate metrics
	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flagged leads, how many were real duplicates)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of duplicates, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	// Detection rate analysis
	fmt.Printf("\n🔍 DETECTION ANALYSIS\n")
	if m.TotalDuplicates > 0 {
		detectionRate := float64(m.TruePositives) / float64(m.TotalDuplicates) * 100
		missRate := float64(m.FalseNegatives) / float64(m.TotalDuplicates) * 100
		fmt.Printf("   Duplicates Caught: %d / %d (%.2f%%)\n", m.TruePositives, m.TotalDuplicates, detectionRate)
		fmt.Printf("   Duplicates Missed: %d / %d (%.2f%%) ⚠️\n", m.FalseNegatives, m.TotalDuplicates, missRate)
	}
	if m.TotalUnique > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalUnique) * 100
		fmt.Printf("   False Flags:       %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalUnique, falseAlarmRate)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		lps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f leads/sec\n", lps)
	}

	// Interpretation
	fmt.Printf("\n💡 INTERPRETATION\n")
	if recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - catching most duplicates")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but missing some duplicates")
	} else if recall >= 0.5 {
		fmt.Println("   ⚠️  Moderate recall - significant duplicates being missed")
	} else {
		fmt.Println("   ❌ Poor recall - most duplicates are being missed!")
	}

	if precision >= 0.5 {
		fmt.Println("   ✅ Good precision - flags are meaningful")
	} else if precision >= 0.2 {
		fmt.Println("   ⚠️  Low precision - many false flags")
	} else {
		fmt.Println("   ❌ Very low precision - mostly false flags")
	}

	fmt.Println()
}
