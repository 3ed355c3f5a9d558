// Package main provides melange-bench, an in-process throughput benchmark
// for melange databases.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/melangedb/melange"
)

// Config holds all benchmark configuration.
type Config struct {
	Root   string
	Counts []int
	OutDir string

	CacheCapacityBytes int64
	LeafFanout         int
	SmartFlush         bool
	ValueSize          int
}

// Result holds one benchmark phase's outcome for one dataset size.
type Result struct {
	Label    string
	Count    int
	Elapsed  time.Duration
	OpsPerUs float64
}

func main() {
	cfg := Config{}

	flags := flag.NewFlagSet("melange-bench", flag.ContinueOnError)
	flags.StringVar(&cfg.Root, "root", filepath.Join(os.TempDir(), "melange-bench"), "scratch directory for benchmark databases")
	flags.StringVar(&cfg.OutDir, "out", ".benchmarks", "output directory for reports")
	countsStr := flags.String("counts", "1000,100000", "comma-separated list of entry counts to benchmark")
	flags.Int64Var(&cfg.CacheCapacityBytes, "cache-bytes", 64<<20, "ObjectCache capacity per tree")
	flags.IntVar(&cfg.LeafFanout, "leaf-fanout", 1024, "leaf fanout before a split")
	flags.BoolVar(&cfg.SmartFlush, "smart-flush", true, "use adaptive SmartFlush instead of a fixed interval")
	flags.IntVar(&cfg.ValueSize, "value-size", 64, "value size in bytes")

	flags.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: melange-bench [flags]\n\n")
		fmt.Fprint(os.Stderr, "Benchmarks sequential insert, random point lookup, and prefix scan throughput.\n\n")
		fmt.Fprint(os.Stderr, "Flags:\n")
		flags.PrintDefaults()
	}

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			return
		}

		os.Exit(2)
	}

	for _, s := range strings.Split(*countsStr, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}

		n, err := strconv.Atoi(s)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid count %q: %v\n", s, err)
			os.Exit(1)
		}

		cfg.Counts = append(cfg.Counts, n)
	}

	if len(cfg.Counts) == 0 {
		fmt.Fprint(os.Stderr, "no counts specified\n")
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.OutDir, 0o750); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create output directory: %v\n", err)
		os.Exit(1)
	}

	if err := run(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "benchmark failed: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *Config) error {
	timestamp := time.Now().UTC().Format("20060102-150405")
	outFile := filepath.Join(cfg.OutDir, fmt.Sprintf("melange_bench_%s.md", timestamp))

	var report strings.Builder

	report.WriteString(fmt.Sprintf("## Run %s\n\n", time.Now().UTC().Format(time.RFC3339)))
	report.WriteString(fmt.Sprintf("- cache bytes: %d\n", cfg.CacheCapacityBytes))
	report.WriteString(fmt.Sprintf("- leaf fanout: %d\n", cfg.LeafFanout))
	report.WriteString(fmt.Sprintf("- smart flush: %v\n", cfg.SmartFlush))
	report.WriteString(fmt.Sprintf("- value size: %d\n\n", cfg.ValueSize))

	report.WriteString("| Phase | Count | Elapsed | Ops/sec |\n")
	report.WriteString("|:---|---:|---:|---:|\n")

	for _, count := range cfg.Counts {
		dir := filepath.Join(cfg.Root, strconv.Itoa(count))
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("clearing %s: %w", dir, err)
		}

		results, err := benchOne(cfg, dir, count)
		if err != nil {
			return fmt.Errorf("count %d: %w", count, err)
		}

		for _, r := range results {
			report.WriteString(fmt.Sprintf("| %s | %d | %s | %.0f |\n", r.Label, r.Count, r.Elapsed, r.OpsPerUs))
		}
	}

	if err := os.WriteFile(outFile, []byte(report.String()), 0o600); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}

	fmt.Fprintf(os.Stderr, "wrote %s\n", outFile)

	return nil
}

func benchOne(cfg *Config, dir string, count int) ([]Result, error) {
	opts := melange.DefaultOptions(dir)
	opts.CacheCapacityBytes = cfg.CacheCapacityBytes
	opts.LeafFanout = cfg.LeafFanout
	opts.SmartFlush.Enabled = cfg.SmartFlush

	if !cfg.SmartFlush {
		opts.FlushEveryMs = 1000
	}

	db, err := melange.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	defer db.Close()

	t, err := db.Tree("bench")
	if err != nil {
		return nil, fmt.Errorf("creating tree: %w", err)
	}

	keys := make([][]byte, count)
	value := make([]byte, cfg.ValueSize)

	for i := range value {
		value[i] = byte(i)
	}

	for i := 0; i < count; i++ {
		keys[i] = []byte(fmt.Sprintf("key-%010d", i))
	}

	fmt.Fprintf(os.Stderr, "--- insert: %d entries ---\n", count)

	start := time.Now()

	for _, k := range keys {
		if err := t.Put(k, value); err != nil {
			return nil, fmt.Errorf("put: %w", err)
		}
	}

	insertElapsed := time.Since(start)

	fmt.Fprintf(os.Stderr, "--- random lookup: %d entries ---\n", count)

	rng := rand.New(rand.NewSource(1))
	order := rng.Perm(count)

	start = time.Now()

	for _, idx := range order {
		if _, _, err := t.Get(keys[idx]); err != nil {
			return nil, fmt.Errorf("get: %w", err)
		}
	}

	lookupElapsed := time.Since(start)

	fmt.Fprintf(os.Stderr, "--- prefix scan: %d entries ---\n", count)

	start = time.Now()

	scanned := 0

	err = t.ScanPrefix(nil, func(_, _ []byte) bool {
		scanned++
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	scanElapsed := time.Since(start)

	return []Result{
		{Label: "insert", Count: count, Elapsed: insertElapsed, OpsPerUs: opsPerSec(count, insertElapsed)},
		{Label: "random lookup", Count: count, Elapsed: lookupElapsed, OpsPerUs: opsPerSec(count, lookupElapsed)},
		{Label: "prefix scan", Count: scanned, Elapsed: scanElapsed, OpsPerUs: opsPerSec(scanned, scanElapsed)},
	}, nil
}

func opsPerSec(n int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}

	return float64(n) / elapsed.Seconds()
}
