// Command flowload drives GET /flows with a Zipf-skewed mix of zone names
// and records per-request latency. Cold zones show the computation cost;
// concurrent first requests for one zone show single-flight waiting.
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohammed-shakir/taz-flow-cache/internal/core/httpclient"
)

type Config struct {
	BaseURL        string
	Zones          string
	Concurrency    int
	Duration       time.Duration
	ZipfS          float64
	ZipfV          float64
	OutputPrefix   string
	RequestTimeout time.Duration
	AppendTS       bool
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "base", "http://localhost:8090", "flowsvc base URL including any prefix")
	flag.StringVar(&cfg.Zones, "zones", "", "comma-separated zone names (default: GET /zone-names)")
	flag.IntVar(&cfg.Concurrency, "concurrency", 32, "Concurrent workers")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "Test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/flowload", "Output file prefix (JSON/CSV)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 3*time.Minute, "Per-request timeout")
	flag.BoolVar(&cfg.AppendTS, "append-ts", true, "Append a UTC timestamp to the output prefix")
	flag.Parse()
	return cfg
}

type sample struct {
	Timestamp time.Time
	Latency   time.Duration
	Status    int
	ErrorMsg  string
	Zone      string
}

type summary struct {
	StartTime     time.Time `json:"start"`
	EndTime       time.Time `json:"end"`
	DurationSec   float64   `json:"duration_sec"`
	TotalRequests int64     `json:"total"`
	SuccessCount  int64     `json:"success"`
	ErrorCount    int64     `json:"errors"`
	ThroughputRPS float64   `json:"throughput_rps"`
	P50Ms         float64   `json:"p50_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	MaxMs         float64   `json:"max_ms"`
	Concurrency   int       `json:"concurrency"`
	ZipfS         float64   `json:"zipf_s"`
	ZipfV         float64   `json:"zipf_v"`
	Zones         int       `json:"zones"`
	BaseURL       string    `json:"base"`
}

type aggregate struct {
	total, success, errors int64
	latMs                  []float64
}

func main() {
	cfg := loadConfig()
	if cfg.ZipfS <= 1 || cfg.ZipfV < 1 {
		log.Fatalf("zipf needs s > 1 and v >= 1")
	}
	client := httpclient.NewOutbound(cfg.RequestTimeout)

	zones, err := resolveZones(context.Background(), client, cfg.BaseURL, cfg.Zones)
	if err != nil {
		log.Fatalf("zones: %v", err)
	}
	if len(zones) == 0 {
		log.Fatalf("no zones to request")
	}

	prefix := cfg.OutputPrefix
	if cfg.AppendTS {
		prefix = fmt.Sprintf("%s_%s", prefix, time.Now().UTC().Format("20060102_150405Z"))
	}
	if err := os.MkdirAll(filepath.Dir(prefix), 0o750); err != nil {
		log.Fatalf("mkdir results: %v", err)
	}
	csvPath, jsonPath := prefix+"_samples.csv", prefix+"_summary.json"
	csvFile, err := os.Create(filepath.Clean(csvPath))
	if err != nil {
		log.Fatalf("open csv: %v", err)
	}
	defer func() { _ = csvFile.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	samples := make(chan sample, 4096)
	results := make(chan aggregate, 1)
	go collect(csv.NewWriter(csvFile), samples, results)

	start := time.Now()
	log.Printf("flowload start base=%s dur=%s conc=%d zipf(s=%.2f,v=%.2f) zones=%d",
		cfg.BaseURL, cfg.Duration, cfg.Concurrency, cfg.ZipfS, cfg.ZipfV, len(zones))

	seed := time.Now().UnixNano()
	flowsURL := strings.TrimRight(cfg.BaseURL, "/") + "/flows"

	var wg sync.WaitGroup
	for id := range cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed + int64(id) + 1))
			zipf := rand.NewZipf(r, cfg.ZipfS, cfg.ZipfV, uint64(len(zones)-1))
			for ctx.Err() == nil {
				zone := zones[zipf.Uint64()]
				s := request(ctx, client, flowsURL, zone)
				select {
				case samples <- s:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	wg.Wait()
	close(samples)
	agg := <-results
	end := time.Now()
	elapsed := end.Sub(start).Seconds()

	sort.Float64s(agg.latMs)
	s := summary{
		StartTime:     start.UTC(),
		EndTime:       end.UTC(),
		DurationSec:   elapsed,
		TotalRequests: agg.total,
		SuccessCount:  agg.success,
		ErrorCount:    agg.errors,
		ThroughputRPS: float64(agg.total) / elapsed,
		P50Ms:         percentile(agg.latMs, 50),
		P95Ms:         percentile(agg.latMs, 95),
		P99Ms:         percentile(agg.latMs, 99),
		MaxMs:         percentile(agg.latMs, 100),
		Concurrency:   cfg.Concurrency,
		ZipfS:         cfg.ZipfS,
		ZipfV:         cfg.ZipfV,
		Zones:         len(zones),
		BaseURL:       cfg.BaseURL,
	}
	if f, err := os.Create(filepath.Clean(jsonPath)); err == nil {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		_ = enc.Encode(s)
		_ = f.Close()
	}

	log.Printf("done: total=%d succ=%d err=%d thr=%.2f rps p50=%.1fms p95=%.1fms p99=%.1fms max=%.1fms",
		s.TotalRequests, s.SuccessCount, s.ErrorCount, s.ThroughputRPS, s.P50Ms, s.P95Ms, s.P99Ms, s.MaxMs)
	log.Printf("wrote %s and %s", jsonPath, csvPath)
}

func request(ctx context.Context, client *http.Client, flowsURL, zone string) sample {
	u := flowsURL + "?" + url.Values{"dest_name": {zone}}.Encode()
	s := sample{Timestamp: time.Now(), Zone: zone}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	req.Header.Set("Accept", "application/geo+json")
	resp, err := client.Do(req)
	s.Latency = time.Since(s.Timestamp)
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	s.Status = resp.StatusCode
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.ErrorMsg = fmt.Sprintf("status=%d", resp.StatusCode)
	}
	return s
}

func collect(w *csv.Writer, in <-chan sample, out chan<- aggregate) {
	_ = w.Write([]string{"timestamp", "latency_ms", "status", "error", "zone"})
	var agg aggregate
	for s := range in {
		agg.total++
		ms := float64(s.Latency.Microseconds()) / 1000.0
		if s.ErrorMsg == "" {
			agg.success++
			agg.latMs = append(agg.latMs, ms)
		} else {
			agg.errors++
		}
		_ = w.Write([]string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			fmt.Sprintf("%.3f", ms),
			fmt.Sprintf("%d", s.Status),
			s.ErrorMsg,
			s.Zone,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		log.Printf("csv flush error: %v", err)
	}
	out <- agg
}

// percentile interpolates linearly over sorted values. NaN when empty.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	k := (p / 100.0) * float64(len(sorted)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	d := k - f
	return sorted[i]*(1-d) + sorted[i+1]*d
}
