// Benchmark tool for replaying labelled transactions against Kestrel.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/transactions.csv -url http://localhost:8080
//
// This tool:
//  1. Reads a customer transaction CSV export (the importer's format)
//  2. Sends each transaction to POST /predict
//  3. Compares the predicted class with the actual class from history
//  4. Reports agreement, a per-class confusion matrix and the rule vs ML share
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/importer"
)

// numClasses covers None, APP and ATO.
const numClasses = 3

// Metrics tracks benchmark results.
type Metrics struct {
	mu sync.Mutex

	// Confusion[actual][predicted]
	Confusion [numClasses][numClasses]int64

	// OutOfRange counts responses whose classes fall outside the matrix.
	OutOfRange int64

	RuleBased int64
	MLBased   int64

	TotalProcessed int64
	TotalErrors    int64
	ErrorsByStatus map[int]int64

	ProcessingTimeMs int64
}

func (m *Metrics) record(actual, predicted int, fraudType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case strings.HasSuffix(fraudType, "("+string(domain.OriginRule)+")"):
		m.RuleBased++
	case strings.HasSuffix(fraudType, "("+string(domain.OriginModel)+")"):
		m.MLBased++
	}

	if actual < 0 || actual >= numClasses || predicted < 0 || predicted >= numClasses {
		m.OutOfRange++
		return
	}
	m.Confusion[actual][predicted]++
}

func (m *Metrics) fail(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalErrors++
	if m.ErrorsByStatus == nil {
		m.ErrorsByStatus = make(map[int]int64)
	}
	m.ErrorsByStatus[status]++
}

// statusError carries the HTTP status of a failed request.
type statusError struct {
	status int
	detail string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.detail)
}

func main() {
	csvPath := flag.String("csv", "", "Path to a customer transaction CSV export")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 10000, "Maximum transactions to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudOnly := flag.Bool("fraud-only", false, "Only replay rows labelled as fraud")
	verbose := flag.Bool("verbose", false, "Print each transaction result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/transactions.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("KESTREL BENCHMARK")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Fraud Only:  %v\n", *fraudOnly)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	fmt.Printf("\nReading transactions from %s...\n", *csvPath)
	requests, err := readTransactions(*csvPath, *limit, *fraudOnly)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	if len(requests) == 0 {
		fmt.Println("ERROR: no usable transactions in CSV")
		os.Exit(1)
	}
	fmt.Printf("Loaded %d transactions\n", len(requests))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(requests, *baseURL, *workers, *verbose)
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

func readTransactions(path string, limit int, fraudOnly bool) ([]domain.ScoreRequest, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rows, stats, err := importer.NewReader(logger).Read(file)
	if err != nil {
		return nil, err
	}
	if stats.Skipped > 0 {
		fmt.Printf("  skipped %d unusable rows %v\n", stats.Skipped, stats.Reasons)
	}

	var requests []domain.ScoreRequest
	for _, row := range rows {
		if fraudOnly && row.FraudLabel == 0 {
			continue
		}
		requests = append(requests, domain.ScoreRequest{
			CustomerID:      row.CustomerID,
			TransactionType: row.TransactionType,
			Amount:          &row.Amount,
			DeviceType:      row.DeviceType,
			PaymentMethod:   row.PaymentMethod,
		})
		if limit > 0 && len(requests) >= limit {
			break
		}
	}
	return requests, nil
}

func runBenchmark(requests []domain.ScoreRequest, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}
	actualClass := classIndex()

	work := make(chan domain.ScoreRequest, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for req := range work {
				start := time.Now()
				result, err := predict(client, baseURL, req)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					status := 0
					if se, ok := err.(*statusError); ok {
						status = se.status
					}
					metrics.fail(status)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", req.CustomerID, err)
					}
					continue
				}

				actual, ok := actualClass[result.ActualFraudType]
				if !ok {
					actual = -1
				}
				metrics.record(actual, result.Prediction, result.FraudType)

				if verbose {
					mark := "ok "
					if actual != result.Prediction {
						mark = "MISS"
					}
					fmt.Printf("%s %-12s | Type: %-12s | Amount: %12.2f | Actual: %-5s | Kestrel: %s\n",
						mark,
						req.CustomerID,
						req.TransactionType,
						*req.Amount,
						result.ActualFraudType,
						result.FraudType,
					)
				}
			}
		}()
	}

	for _, req := range requests {
		work <- req
	}
	close(work)

	wg.Wait()

	return metrics
}

// classIndex maps fraud type names back to class codes.
func classIndex() map[string]int {
	out := make(map[string]int)
	for code, name := range domain.DefaultFraudTypes() {
		out[name] = int(code)
	}
	return out
}

func predict(client *http.Client, baseURL string, req domain.ScoreRequest) (*domain.ScoreResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/predict", bytes.NewReader(body))
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
		var e struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return nil, &statusError{status: resp.StatusCode, detail: e.Detail}
	}

	var result domain.ScoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	names := domain.DefaultFraudTypes()

	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDATASET\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)
	for status, n := range m.ErrorsByStatus {
		fmt.Printf("     status %d:      %d\n", status, n)
	}
	if m.OutOfRange > 0 {
		fmt.Printf("   Unmapped class:   %d\n", m.OutOfRange)
	}

	fmt.Printf("\nCONFUSION MATRIX (rows actual, columns predicted)\n")
	fmt.Printf("   %-8s", "")
	for p := 0; p < numClasses; p++ {
		fmt.Printf(" %10s", names.Name(domain.ClassCode(p)))
	}
	fmt.Println()

	var agree, scored int64
	for a := 0; a < numClasses; a++ {
		fmt.Printf("   %-8s", names.Name(domain.ClassCode(a)))
		for p := 0; p < numClasses; p++ {
			n := m.Confusion[a][p]
			fmt.Printf(" %10d", n)
			scored += n
			if a == p {
				agree += n
			}
		}
		fmt.Println()
	}

	fmt.Printf("\nAGREEMENT\n")
	if scored > 0 {
		fmt.Printf("   Prediction == actual:  %d / %d (%.2f%%)\n", agree, scored, 100*float64(agree)/float64(scored))
	}
	for c := 0; c < numClasses; c++ {
		var tp, predicted, actual int64
		for k := 0; k < numClasses; k++ {
			predicted += m.Confusion[k][c]
			actual += m.Confusion[c][k]
		}
		tp = m.Confusion[c][c]

		precision, recall := float64(0), float64(0)
		if predicted > 0 {
			precision = float64(tp) / float64(predicted)
		}
		if actual > 0 {
			recall = float64(tp) / float64(actual)
		}
		fmt.Printf("   %-5s precision %.4f  recall %.4f\n", names.Name(domain.ClassCode(c)), precision, recall)
	}

	fmt.Printf("\nTIER SHARE\n")
	if tiered := m.RuleBased + m.MLBased; tiered > 0 {
		fmt.Printf("   Rule-Based:  %d (%.2f%%)\n", m.RuleBased, 100*float64(m.RuleBased)/float64(tiered))
		fmt.Printf("   ML-Based:    %d (%.2f%%)\n", m.MLBased, 100*float64(m.MLBased)/float64(tiered))
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		tps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f tx/sec\n", tps)
	}

	fmt.Println()
}
