package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	idsFile     string
	authToken   string
	replayRate  float64
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Idempotent replays
	success201    uint64 // Created
	fail422       uint64 // Insufficient funds and other rejections
	fail503       uint64 // Contention, retries exhausted
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.StringVar(&idsFile, "accounts", "accounts.txt", "File with one account id per line, as written by the seeder")
	flag.StringVar(&authToken, "token", os.Getenv("AUTH_TOKEN"), "Bearer token for the API")
	flag.Float64Var(&replayRate, "replay", 0.05, "Fraction of requests that resend the previous idempotency key")
}

func main() {
	flag.Parse()
	accounts, err := loadAccounts(idsFile)
	if err != nil {
		log.Fatalf("Loading accounts: %v", err)
	}
	if len(accounts) < 2 {
		log.Fatalf("Need at least two accounts in %s, got %d", idsFile, len(accounts))
	}
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s | Accounts: %d", workload, concurrency, duration, len(accounts))

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := range concurrency {
		go worker(&wg, start, i, accounts)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func loadAccounts(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var ids []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			ids = append(ids, line)
		}
	}
	return ids, sc.Err()
}

func worker(wg *sync.WaitGroup, start time.Time, id int, accounts []string) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	var lastKey string
	var lastBody []byte
	for n := 0; time.Since(start) < duration; n++ {
		key, body := lastKey, lastBody
		if key == "" || rand.Float64() >= replayRate {
			from, to := pickAccounts(accounts)
			key = fmt.Sprintf("bench-%d-%d-%d", id, n, time.Now().UnixNano())
			body, _ = json.Marshal(map[string]any{
				"from_account_id": from,
				"to_account_id":   to,
				"amount":          "1.00",
			})
			lastKey, lastBody = key, body
		}

		req, _ := http.NewRequest(http.MethodPost, targetURL+"/api/v1/transactions/transfer", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)
		if authToken != "" {
			req.Header.Set("Authorization", "Bearer "+authToken)
		}

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
		case http.StatusOK:
			atomic.AddUint64(&success200, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&fail422, 1)
		case http.StatusServiceUnavailable:
			atomic.AddUint64(&fail503, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func pickAccounts(accounts []string) (string, string) {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic moves money between the first two accounts
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return accounts[0], accounts[1]
			}
			return accounts[1], accounts[0]
		}
	}

	// Uniform Random
	a := rand.IntN(len(accounts))
	b := rand.IntN(len(accounts))
	for a == b {
		b = rand.IntN(len(accounts))
	}
	return accounts[a], accounts[b]
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f422 := atomic.LoadUint64(&fail422)
	f503 := atomic.LoadUint64(&fail503)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var contentionRate float64
	if total > 0 {
		contentionRate = float64(f503) / float64(total) * 100
	}

	results := map[string]any{
		"workload":            workload,
		"duration_sec":        d.Seconds(),
		"total_requests":      total,
		"throughput_tps":      tps,
		"success_created":     s201,
		"success_replay":      s200,
		"rejected":            f422,
		"contention":          f503,
		"contention_rate_pct": contentionRate,
		"errors":              fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("Saving results: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
