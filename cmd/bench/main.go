// Concurrent benchmark for rendezvousd operations.
//
// Supports multiple modes: set (write-only), get (wait+read), add
// (counter increment), compareset (CAS loop), and wait (single-key WAIT
// woken by a SET). Each worker dials a persistent TCP connection, so
// the benchmark measures operation latency rather than TCP connect
// overhead.
//
// Usage:
//
//	go run ./cmd/bench [--mode set] [--workers 10] [--rounds 50] [--key bench] \
//	    [--server 127.0.0.1:29500]
package main

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"github.com/arjbhandari/rendezvousd/client"
)

func main() {
	mode := pflag.String("mode", "set", "benchmark mode: set, get, add, compareset, wait")
	workers := pflag.Int("workers", 10, "number of concurrent workers")
	rounds := pflag.Int("rounds", 50, "operations per worker")
	key := pflag.String("key", "bench", "key prefix")
	addr := pflag.String("server", "127.0.0.1:29500", "rendezvousd server address")
	valueSize := pflag.Int("value-size", 32, "value size in bytes (set and get modes)")
	pflag.Parse()

	fmt.Printf("bench: mode=%s, %d workers x %d rounds (key_prefix=%q, server=%s)\n\n",
		*mode, *workers, *rounds, *key, *addr)

	var workerFn func(key, addr string, rounds, valueSize int) ([]float64, error)
	switch *mode {
	case "set":
		workerFn = workerSet
	case "get":
		workerFn = workerGet
	case "add":
		workerFn = workerAdd
	case "compareset":
		workerFn = workerCompareSet
	case "wait":
		workerFn = workerWait
	default:
		fmt.Fprintf(os.Stderr, "unknown mode: %s (valid: set, get, add, compareset, wait)\n", *mode)
		os.Exit(1)
	}

	type result struct {
		latencies []float64
		err       error
	}
	results := make([]result, *workers)
	var wg sync.WaitGroup

	wallStart := time.Now()
	for i := range *workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			workerKey := fmt.Sprintf("%s_%d", *key, rand.IntN(9900000)+100000)
			lats, err := workerFn(workerKey, *addr, *rounds, *valueSize)
			results[id] = result{latencies: lats, err: err}
		}(i)
	}
	wg.Wait()
	wall := time.Since(wallStart).Seconds()

	var all []float64
	for i, r := range results {
		if r.err != nil {
			fmt.Fprintf(os.Stderr, "worker %d error: %v\n", i, r.err)
			os.Exit(1)
		}
		all = append(all, r.latencies...)
	}

	totalOps := len(all)
	sort.Float64s(all)

	mn := mean(all)
	minimum := all[0]
	maximum := all[totalOps-1]
	p50 := percentile(all, 50)
	p99 := percentile(all, 99)
	sd := stdev(all, mn)

	fmt.Printf("  total ops : %d\n", totalOps)
	fmt.Printf("  wall time : %.3fs\n", wall)
	fmt.Printf("  throughput: %.1f ops/s\n", float64(totalOps)/wall)
	fmt.Println()
	fmt.Printf("  mean      : %.3f ms\n", mn*1000)
	fmt.Printf("  min       : %.3f ms\n", minimum*1000)
	fmt.Printf("  max       : %.3f ms\n", maximum*1000)
	fmt.Printf("  p50       : %.3f ms\n", p50*1000)
	fmt.Printf("  p99       : %.3f ms\n", p99*1000)
	fmt.Printf("  stdev     : %.3f ms\n", sd*1000)
}

// ---------------------------------------------------------------------------
// Set mode: unconditional write per round
// ---------------------------------------------------------------------------

func workerSet(key, addr string, rounds, valueSize int) ([]float64, error) {
	c, err := client.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer c.Close()

	value := make([]byte, valueSize)
	latencies := make([]float64, 0, rounds)
	for i := range rounds {
		t0 := time.Now()
		if err := c.Set(fmt.Sprintf("%s_%d", key, i), value); err != nil {
			return nil, fmt.Errorf("set: %w", err)
		}
		latencies = append(latencies, time.Since(t0).Seconds())
	}
	return latencies, nil
}

// ---------------------------------------------------------------------------
// Get mode: write then wait+read per round (measures the WAIT+GET path)
// ---------------------------------------------------------------------------

func workerGet(key, addr string, rounds, valueSize int) ([]float64, error) {
	writer, err := client.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial writer: %w", err)
	}
	defer writer.Close()
	reader, err := client.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial reader: %w", err)
	}
	defer reader.Close()

	value := make([]byte, valueSize)
	latencies := make([]float64, 0, rounds)
	for i := range rounds {
		k := fmt.Sprintf("%s_%d", key, i)
		if err := writer.Set(k, value); err != nil {
			return nil, fmt.Errorf("set: %w", err)
		}
		t0 := time.Now()
		if _, err := reader.Get(k); err != nil {
			return nil, fmt.Errorf("get: %w", err)
		}
		latencies = append(latencies, time.Since(t0).Seconds())
	}
	return latencies, nil
}

// ---------------------------------------------------------------------------
// Add mode: counter increment per round
// ---------------------------------------------------------------------------

func workerAdd(key, addr string, rounds, _ int) ([]float64, error) {
	c, err := client.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer c.Close()

	latencies := make([]float64, 0, rounds)
	for range rounds {
		t0 := time.Now()
		if _, err := c.Add(key, 1); err != nil {
			return nil, fmt.Errorf("add: %w", err)
		}
		latencies = append(latencies, time.Since(t0).Seconds())
	}
	return latencies, nil
}

// ---------------------------------------------------------------------------
// CompareSet mode: CAS-retry increment loop per round
// ---------------------------------------------------------------------------

func workerCompareSet(key, addr string, rounds, _ int) ([]float64, error) {
	c, err := client.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer c.Close()

	if err := c.Set(key, []byte("0")); err != nil {
		return nil, fmt.Errorf("initial set: %w", err)
	}

	latencies := make([]float64, 0, rounds)
	for range rounds {
		t0 := time.Now()
		for {
			cur, err := c.Get(key)
			if err != nil {
				return nil, fmt.Errorf("get: %w", err)
			}
			n, err := strconv.ParseInt(string(cur), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse: %w", err)
			}
			desired := []byte(strconv.FormatInt(n+1, 10))
			got, err := c.CompareSet(key, cur, desired)
			if err != nil {
				return nil, fmt.Errorf("compareset: %w", err)
			}
			if string(got) == string(desired) {
				break
			}
		}
		latencies = append(latencies, time.Since(t0).Seconds())
	}
	return latencies, nil
}

// ---------------------------------------------------------------------------
// Wait mode: WAIT on a fresh key that a second connection SETs about 1ms
// later, repeated (measures registration/wakeup latency)
// ---------------------------------------------------------------------------

func workerWait(key, addr string, rounds, _ int) ([]float64, error) {
	setter, err := client.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("dial setter: %w", err)
	}
	defer setter.Close()
	waiter, err := client.Dial(addr, client.WithTimeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("dial waiter: %w", err)
	}
	defer waiter.Close()

	latencies := make([]float64, 0, rounds)
	for i := range rounds {
		k := fmt.Sprintf("%s_%d", key, i)
		var wg sync.WaitGroup
		var waitErr error
		wg.Add(1)
		t0 := time.Now()
		go func() {
			defer wg.Done()
			waitErr = waiter.Wait([]string{k}, 5*time.Second)
		}()
		time.Sleep(time.Millisecond)
		if err := setter.Set(k, []byte("x")); err != nil {
			return nil, fmt.Errorf("set: %w", err)
		}
		wg.Wait()
		if waitErr != nil {
			return nil, fmt.Errorf("wait: %w", waitErr)
		}
		latencies = append(latencies, time.Since(t0).Seconds())
	}
	return latencies, nil
}

// ---------------------------------------------------------------------------
// Stats helpers
// ---------------------------------------------------------------------------

func mean(data []float64) float64 {
	var sum float64
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

func stdev(data []float64, mean float64) float64 {
	if len(data) < 2 {
		return 0
	}
	var sum float64
	for _, v := range data {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(data)-1))
}

func percentile(sorted []float64, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := pct / 100.0 * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
