// Command benchmark measures write and read throughput of a running qubedb node.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"qubedb/pkg/client"
	"qubedb/pkg/record"
)

type result struct {
	total, ok, failed int
	duration          time.Duration
	latencies         []time.Duration
}

func (r result) print(name string) {
	fmt.Printf("%s:\n", name)
	fmt.Printf("  ops:        %d ok, %d failed\n", r.ok, r.failed)
	fmt.Printf("  duration:   %v\n", r.duration)
	fmt.Printf("  throughput: %.2f ops/sec\n", float64(r.ok)/r.duration.Seconds())
	if len(r.latencies) == 0 {
		return
	}
	slices.Sort(r.latencies)
	pct := func(p float64) time.Duration { return r.latencies[int(p*float64(len(r.latencies)-1))] }
	fmt.Printf("  latency:    p50=%v p99=%v max=%v\n", pct(0.5), pct(0.99), r.latencies[len(r.latencies)-1])
}

// run spreads ops over workers goroutines and records every latency.
func run(ctx context.Context, ops, workers int, op func(ctx context.Context, i int) error) result {
	var (
		mu  sync.Mutex
		res = result{total: ops, latencies: make([]time.Duration, 0, ops)}
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	start := time.Now()
	for i := 0; i < ops; i++ {
		g.Go(func() error {
			opStart := time.Now()
			err := op(ctx, i)
			lat := time.Since(opStart)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.failed++
			} else {
				res.ok++
			}
			res.latencies = append(res.latencies, lat)
			return nil
		})
	}
	_ = g.Wait()
	res.duration = time.Since(start)
	return res
}

func main() {
	ops := flag.Int("ops", 1000, "operations per test")
	workers := flag.Int("workers", 10, "concurrent workers")
	flag.Parse()

	baseURL := "http://localhost:8080"
	if flag.NArg() > 0 {
		baseURL = flag.Arg(0)
	}

	fmt.Println("=== qubedb benchmark ===")
	fmt.Printf("target: %s, ops: %d, workers: %d\n\n", baseURL, *ops, *workers)

	resp, err := http.Get(baseURL + "/health")
	if err != nil || resp.StatusCode != http.StatusOK {
		fmt.Printf("node %s is not available: %v\n", baseURL, err)
		os.Exit(1)
	}
	resp.Body.Close()

	c := client.New(baseURL)
	ctx := context.Background()
	row := func(i int) *record.Record {
		return record.NewRow("bench", fmt.Sprintf("key:%d", i), map[string]any{"i": i, "at": time.Now().UnixNano()})
	}

	run(ctx, *ops, 1, func(ctx context.Context, i int) error {
		return c.Put(ctx, row(i))
	}).print("sequential writes")

	run(ctx, *ops, *workers, func(ctx context.Context, i int) error {
		return c.Put(ctx, row(i))
	}).print("concurrent writes")

	run(ctx, *ops, *workers, func(ctx context.Context, i int) error {
		_, err := c.Get(ctx, row(i).ID, false)
		return err
	}).print("stale reads")

	run(ctx, *ops, *workers, func(ctx context.Context, i int) error {
		_, err := c.Get(ctx, row(i).ID, true)
		return err
	}).print("linearizable reads")

	run(ctx, *ops, *workers, func(ctx context.Context, i int) error {
		vec := []float32{float32(i), float32(i % 7), 1}
		return c.Put(ctx, record.NewVector("bench_vectors", fmt.Sprintf("v:%d", i), vec))
	}).print("vector writes")
}
