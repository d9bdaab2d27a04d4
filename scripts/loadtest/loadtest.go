package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	mrand "math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/arohanajit/simplecql/internal/config"
	"github.com/arohanajit/simplecql/internal/cql"
	"github.com/arohanajit/simplecql/internal/session"
)

// Configuration options
var (
	table          string
	numThreads     int
	duration       time.Duration
	readWriteRatio float64
	keyCount       int
	valueSize      int
	reportInterval time.Duration
	keyPrefix      string
	outputFile     string
	requestsPerSec int
	warmupKeyCount int
)

// Stats collects per-request outcomes and latencies
type Stats struct {
	TotalRequests   int64
	SuccessRequests int64
	FailedRequests  int64
	ReadRequests    int64
	WriteRequests   int64
	TotalLatency    int64 // in microseconds
	MinLatency      int64 // in microseconds
	MaxLatency      int64 // in microseconds
	Latencies       []int64
	Outcomes        map[string]int64
	StartTime       time.Time
	EndTime         time.Time
	RequestsPerSec  float64
	AverageLatency  float64 // in milliseconds
	P50Latency      float64 // in milliseconds
	P90Latency      float64 // in milliseconds
	P99Latency      float64 // in milliseconds
	ErrorRate       float64
	mu              sync.Mutex
}

func NewStats() *Stats {
	return &Stats{
		MinLatency: math.MaxInt64,
		Latencies:  make([]int64, 0, 100000),
		Outcomes:   make(map[string]int64),
		StartTime:  time.Now(),
	}
}

// Record adds one finished request
func (s *Stats) Record(read bool, latency time.Duration, err error) {
	if read {
		atomic.AddInt64(&s.ReadRequests, 1)
	} else {
		atomic.AddInt64(&s.WriteRequests, 1)
	}
	atomic.AddInt64(&s.TotalRequests, 1)
	if err == nil {
		atomic.AddInt64(&s.SuccessRequests, 1)
	} else {
		atomic.AddInt64(&s.FailedRequests, 1)
	}

	micros := latency.Microseconds()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Outcomes[outcome(err)]++
	s.TotalLatency += micros
	s.Latencies = append(s.Latencies, micros)
	if micros < s.MinLatency {
		s.MinLatency = micros
	}
	if micros > s.MaxLatency {
		s.MaxLatency = micros
	}
}

func outcome(err error) string {
	var (
		timeoutErr *cql.TimeoutError
		queryErr   *cql.QueryError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, cql.ErrNoHostAvailable):
		return "no_host"
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &queryErr):
		return "query_error"
	default:
		return "other"
	}
}

func percentile(sorted []int64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx]) / 1000.0
}

func (s *Stats) CalculateStats() {
	s.EndTime = time.Now()
	elapsed := s.EndTime.Sub(s.StartTime).Seconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	sort.Slice(s.Latencies, func(i, j int) bool {
		return s.Latencies[i] < s.Latencies[j]
	})

	if elapsed > 0 {
		s.RequestsPerSec = float64(s.TotalRequests) / elapsed
	}
	if len(s.Latencies) > 0 {
		s.AverageLatency = float64(s.TotalLatency) / float64(len(s.Latencies)) / 1000.0
		s.P50Latency = percentile(s.Latencies, 0.5)
		s.P90Latency = percentile(s.Latencies, 0.9)
		s.P99Latency = percentile(s.Latencies, 0.99)
	} else {
		s.MinLatency = 0
	}
	if s.TotalRequests > 0 {
		s.ErrorRate = float64(s.FailedRequests) / float64(s.TotalRequests) * 100.0
	}
}

func (s *Stats) PrintStats() {
	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration: %.2f seconds\n", s.EndTime.Sub(s.StartTime).Seconds())
	fmt.Printf("Total Requests: %d (%d reads, %d writes)\n", s.TotalRequests, s.ReadRequests, s.WriteRequests)
	fmt.Printf("Failed Requests: %d\n", s.FailedRequests)
	fmt.Printf("Requests/sec: %.2f\n", s.RequestsPerSec)
	fmt.Printf("Error Rate: %.2f%%\n", s.ErrorRate)

	fmt.Println("\n=== Latency (ms) ===")
	fmt.Printf("Min: %.2f  Max: %.2f  Average: %.2f\n", float64(s.MinLatency)/1000.0, float64(s.MaxLatency)/1000.0, s.AverageLatency)
	fmt.Printf("P50: %.2f  P90: %.2f  P99: %.2f\n", s.P50Latency, s.P90Latency, s.P99Latency)

	fmt.Println("\n=== Outcomes ===")
	for name, count := range s.Outcomes {
		fmt.Printf("%s: %d\n", name, count)
	}
}

func (s *Stats) WriteToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	fmt.Fprintln(file, "metric,value")
	fmt.Fprintf(file, "duration_seconds,%.2f\n", s.EndTime.Sub(s.StartTime).Seconds())
	fmt.Fprintf(file, "total_requests,%d\n", s.TotalRequests)
	fmt.Fprintf(file, "failed_requests,%d\n", s.FailedRequests)
	fmt.Fprintf(file, "requests_per_second,%.2f\n", s.RequestsPerSec)
	fmt.Fprintf(file, "error_rate,%.2f\n", s.ErrorRate)
	fmt.Fprintf(file, "avg_latency_ms,%.2f\n", s.AverageLatency)
	fmt.Fprintf(file, "p50_latency_ms,%.2f\n", s.P50Latency)
	fmt.Fprintf(file, "p90_latency_ms,%.2f\n", s.P90Latency)
	fmt.Fprintf(file, "p99_latency_ms,%.2f\n", s.P99Latency)
	for name, count := range s.Outcomes {
		fmt.Fprintf(file, "outcome_%s,%d\n", name, count)
	}
	return nil
}

func randomValue() string {
	buffer := make([]byte, valueSize)
	rand.Read(buffer)
	return base64.RawURLEncoding.EncodeToString(buffer)[:valueSize]
}

func insertQuery() string {
	return fmt.Sprintf("INSERT INTO %s (key, value) VALUES (?, ?)", table)
}

func selectQuery() string {
	return fmt.Sprintf("SELECT value FROM %s WHERE key = ?", table)
}

func worker(ctx context.Context, s *session.Session, stats *Stats, throttle <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	rng := mrand.New(mrand.NewSource(time.Now().UnixNano()))

	for {
		select {
		case <-ctx.Done():
			return
		case <-throttle:
		}

		key := fmt.Sprintf("%s%d", keyPrefix, rng.Intn(keyCount))
		read := rng.Float64() < readWriteRatio

		start := time.Now()
		var err error
		if read {
			_, err = s.ExecutePrepared(ctx, selectQuery(), key)
		} else {
			_, err = s.ExecutePrepared(ctx, insertQuery(), key, randomValue())
		}
		if ctx.Err() != nil {
			return
		}
		stats.Record(read, time.Since(start), err)
	}
}

func reportProgress(ctx context.Context, stats *Stats) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	prev := int64(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := atomic.LoadInt64(&stats.TotalRequests)
			fmt.Printf("[%s] Requests: %d (%.2f/sec), Failed: %d\n",
				time.Now().Format("15:04:05"),
				current,
				float64(current-prev)/reportInterval.Seconds(),
				atomic.LoadInt64(&stats.FailedRequests))
			prev = current
		}
	}
}

func warmup(ctx context.Context, s *session.Session) {
	fmt.Printf("Warming up with %d keys...\n", warmupKeyCount)
	for i := 0; i < warmupKeyCount; i++ {
		key := fmt.Sprintf("%s%d", keyPrefix, i)
		if _, err := s.ExecutePrepared(ctx, insertQuery(), key, randomValue()); err != nil {
			log.Printf("Warmup insert failed: %v", err)
		}
	}
}

// throttleFeed issues one token per request, paced when rps > 0
func throttleFeed(ctx context.Context, rps, capacity int) <-chan struct{} {
	throttle := make(chan struct{}, capacity)
	go func() {
		var tick <-chan time.Time
		if rps > 0 {
			ticker := time.NewTicker(time.Second / time.Duration(rps))
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			if tick != nil {
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
			}
			select {
			case <-ctx.Done():
				return
			case throttle <- struct{}{}:
			}
		}
	}()
	return throttle
}

func main() {
	flag.StringVar(&table, "table", "loadtest.kv", "Table with text columns key and value")
	flag.IntVar(&numThreads, "threads", 8, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.Float64Var(&readWriteRatio, "read-ratio", 0.8, "Read/write ratio (0.8 = 80% reads)")
	flag.IntVar(&keyCount, "keys", 10000, "Number of unique keys to use")
	flag.IntVar(&valueSize, "value-size", 100, "Size of each value in bytes")
	flag.DurationVar(&reportInterval, "report-interval", time.Second, "Progress report interval")
	flag.StringVar(&keyPrefix, "key-prefix", "loadtest-key-", "Prefix for keys")
	flag.StringVar(&outputFile, "output", "loadtest-results.csv", "Output file for results")
	flag.IntVar(&requestsPerSec, "rps", 0, "Target requests per second (0 = unlimited)")
	flag.IntVar(&warmupKeyCount, "warmup-keys", 100, "Number of keys to pre-populate during warmup")
	flag.Parse()

	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	logger, err := config.NewLogger("warn")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	fmt.Println("=== Load Test Configuration ===")
	fmt.Printf("Seeds: %v\n", cfg.Seeds)
	fmt.Printf("Table: %s\n", table)
	fmt.Printf("Threads: %d  Duration: %s  Read ratio: %.2f  Target RPS: %d\n", numThreads, duration, readWriteRatio, requestsPerSec)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := session.Connect(ctx, cfg, session.WithLogger(logger))
	if err != nil {
		logger.Fatal("Failed to connect", zap.Error(err))
	}
	defer s.Close()

	warmup(ctx, s)

	runCtx, stop := context.WithTimeout(ctx, duration)
	defer stop()

	stats := NewStats()
	throttle := throttleFeed(runCtx, requestsPerSec, numThreads)
	go reportProgress(runCtx, stats)

	var wg sync.WaitGroup
	for i := 0; i < numThreads; i++ {
		wg.Add(1)
		go worker(runCtx, s, stats, throttle, &wg)
	}
	wg.Wait()

	stats.CalculateStats()
	stats.PrintStats()

	if err := stats.WriteToFile(outputFile); err != nil {
		log.Printf("Error writing results to file: %v", err)
	} else {
		fmt.Printf("\nResults written to %s\n", outputFile)
	}
}
