// Benchmark tool for replaying PaySim fraud data against Harrier.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/paysim.csv -url http://localhost:8080
//
// Each row is sent to POST /score as the originating account's transaction.
// The verdict (is_fraud) is compared with the PaySim label and the tool
// reports a confusion matrix, detection metrics and latency percentiles.
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// PaySimTransaction represents a row from the PaySim dataset
type PaySimTransaction struct {
	Step     int
	Type     string
	Amount   decimal.Decimal
	NameOrig string
	NameDest string
	IsFraud  bool
}

// ScoreRequest is the Harrier API request format
type ScoreRequest struct {
	UserID          string          `json:"user_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	MerchantName    string          `json:"merchant_name"`
	TransactionType string          `json:"transaction_type"`
	Country         string          `json:"country"`
	City            string          `json:"city"`
	Latitude        float64         `json:"latitude"`
	Longitude       float64         `json:"longitude"`
	DeviceID        string          `json:"device_id"`
}

// ScoreResponse is the subset of the Harrier response the benchmark reads
type ScoreResponse struct {
	TransactionID    string   `json:"transaction_id"`
	FraudScore       float64  `json:"fraud_score"`
	RiskLevel        string   `json:"risk_level"`
	IsFraud          bool     `json:"is_fraud"`
	IsBlocked        bool     `json:"is_blocked"`
	TriggeredRules   []string `json:"triggered_rules"`
	ProcessingTimeMs float64  `json:"processing_time_ms"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud flagged
	FalsePositives int64 // Non-fraud flagged
	TrueNegatives  int64 // Non-fraud approved
	FalseNegatives int64 // Fraud approved (missed fraud!)

	TotalProcessed int64
	TotalFraud     int64
	TotalNonFraud  int64
	TotalBlocked   int64
	TotalErrors    int64

	mu        sync.Mutex
	latencies []time.Duration // round trip
	server    []float64       // processing_time_ms reported by Harrier
}

func (m *Metrics) observe(rtt time.Duration, serverMs float64) {
	m.mu.Lock()
	m.latencies = append(m.latencies, rtt)
	m.server = append(m.server, serverMs)
	m.mu.Unlock()
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to PaySim CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Harrier base URL")
	country := flag.String("country", "US", "Country sent with every transaction")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudOnly := flag.Bool("fraud-only", false, "Only test fraud transactions")
	sampleRate := flag.Float64("sample", 1.0, "Sample rate for non-fraud (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/paysim.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("HARRIER BENCHMARK - PaySim replay")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Harrier URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Fraud Only:  %v\n", *fraudOnly)
	fmt.Printf("Sample Rate: %.2f\n", *sampleRate)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Harrier not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Harrier is running:")
		fmt.Println("  go run ./cmd/harrier")
		os.Exit(1)
	}
	fmt.Println("Harrier is healthy")

	fmt.Printf("\nReading PaySim data from %s...\n", *csvPath)
	transactions, err := readPaySimCSV(*csvPath, *limit, *fraudOnly, *sampleRate)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(transactions) == 0 {
		fmt.Println("ERROR: no transactions selected")
		os.Exit(1)
	}
	fmt.Printf("Loaded %d transactions\n", len(transactions))

	fraudCount := 0
	for _, tx := range transactions {
		if tx.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud:     %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(transactions)))
	fmt.Printf("  - Non-fraud: %d (%.2f%%)\n", len(transactions)-fraudCount, 100*float64(len(transactions)-fraudCount)/float64(len(transactions)))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(transactions, *baseURL, *country, *workers, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readPaySimCSV(path string, limit int, fraudOnly bool, sampleRate float64) ([]PaySimTransaction, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(col)] = i
	}
	for _, col := range []string{"step", "type", "amount", "nameorig", "namedest", "isfraud"} {
		if _, ok := colIndex[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var transactions []PaySimTransaction
	sampleCounter := 0

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		isFraud := record[colIndex["isfraud"]] == "1"
		if fraudOnly && !isFraud {
			continue
		}
		if !isFraud && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				continue
			}
		}

		amount, err := decimal.NewFromString(record[colIndex["amount"]])
		if err != nil || !amount.IsPositive() {
			continue
		}
		step, _ := strconv.Atoi(record[colIndex["step"]])

		transactions = append(transactions, PaySimTransaction{
			Step:     step,
			Type:     strings.ToLower(record[colIndex["type"]]),
			Amount:   amount,
			NameOrig: record[colIndex["nameorig"]],
			NameDest: record[colIndex["namedest"]],
			IsFraud:  isFraud,
		})

		if limit > 0 && len(transactions) >= limit {
			break
		}
	}

	return transactions, nil
}

func runBenchmark(transactions []PaySimTransaction, baseURL, country string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan PaySimTransaction, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for tx := range work {
				start := time.Now()
				result, err := scoreTransaction(client, baseURL, country, tx)
				elapsed := time.Since(start)

				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", tx.NameOrig, err)
					}
					continue
				}
				metrics.observe(elapsed, result.ProcessingTimeMs)

				if tx.IsFraud {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalNonFraud, 1)
				}
				if result.IsBlocked {
					atomic.AddInt64(&metrics.TotalBlocked, 1)
				}

				predicted := result.IsFraud
				actual := tx.IsFraud

				switch {
				case predicted && actual:
					atomic.AddInt64(&metrics.TruePositives, 1)
				case predicted && !actual:
					atomic.AddInt64(&metrics.FalsePositives, 1)
				case !predicted && !actual:
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				default:
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "ok  "
					if predicted != actual {
						status = "MISS"
					}
					name := tx.NameOrig
					if len(name) > 10 {
						name = name[:10]
					}
					fmt.Printf("%s %-10s | Type: %-8s | Amount: %14s | Fraud: %-5v | Harrier: %6.2f %-6s | Rules: %s\n",
						status,
						name,
						tx.Type,
						tx.Amount.StringFixed(2),
						tx.IsFraud,
						result.FraudScore,
						result.RiskLevel,
						strings.Join(result.TriggeredRules, ","),
					)
				}
			}
		}()
	}

	for _, tx := range transactions {
		work <- tx
	}
	close(work)

	wg.Wait()

	return metrics
}

func scoreTransaction(client *http.Client, baseURL, country string, tx PaySimTransaction) (*ScoreResponse, error) {
	// PaySim has no location or device data; every account is pinned to one
	// device so only amount and velocity behaviour drive the rules.
	req := ScoreRequest{
		UserID:          tx.NameOrig,
		Amount:          tx.Amount,
		Currency:        "USD",
		MerchantName:    tx.NameDest,
		TransactionType: tx.Type,
		Country:         country,
		City:            "PaySim",
		Latitude:        40.7128,
		Longitude:       -74.0060,
		DeviceID:        "paysim-" + tx.NameOrig,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result ScoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func percentile[T any](sorted []T, p float64) T {
	var zero T
	if len(sorted) == 0 {
		return zero
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Non-Fraud:  %d\n", m.TotalNonFraud)
	fmt.Printf("   Blocked:          %d\n", m.TotalBlocked)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                      Predicted")
	fmt.Println("                  FRAUD      OK")
	fmt.Printf("   Actual  F   %8d  %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("          NF   %8d  %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

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

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Printf("   Accuracy:   %.4f\n", accuracy)

	m.mu.Lock()
	latencies := slices.Clone(m.latencies)
	server := slices.Clone(m.server)
	m.mu.Unlock()
	slices.Sort(latencies)
	slices.Sort(server)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if len(latencies) > 0 {
		fmt.Printf("   Throughput:       %.2f tx/sec\n", float64(len(latencies))/duration.Seconds())
		fmt.Printf("   Round trip p50:   %v\n", percentile(latencies, 0.50).Round(time.Microsecond))
		fmt.Printf("   Round trip p99:   %v\n", percentile(latencies, 0.99).Round(time.Microsecond))
		fmt.Printf("   Scoring p50:      %.2f ms\n", percentile(server, 0.50))
		fmt.Printf("   Scoring p99:      %.2f ms\n", percentile(server, 0.99))
		if p99 := percentile(server, 0.99); p99 >= 100 {
			fmt.Println("   WARNING: scoring p99 is over the 100 ms budget")
		}
	}

	fmt.Println()
}
