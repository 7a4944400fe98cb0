// Long-running soak test for rendezvousd.
//
// Exercises every operation (set, compareset, add, get, wait, watch,
// check, deletekey, getnumkeys) in a loop, checking for correctness
// after each round and comparing key counts before/after each cycle to
// detect leaked keys. Runs until interrupted.
//
// Usage:
//
//	go run ./cmd/soak [--server 127.0.0.1:29500] [--workers 4] [--rounds-per-cycle 20]
package main

import (
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/arjbhandari/rendezvousd/client"
)

func main() {
	addr := pflag.String("server", "127.0.0.1:29500", "rendezvousd server address")
	workers := pflag.Int("workers", 4, "concurrent workers per operation test")
	roundsPerCycle := pflag.Int("rounds-per-cycle", 20, "operations per worker per cycle")
	pflag.Parse()

	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Printf("soak: server=%s workers=%d rounds/cycle=%d", *addr, *workers, *roundsPerCycle)
	log.Printf("soak: press Ctrl-C to stop")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	var cycle int
	for {
		select {
		case <-stop:
			log.Printf("soak: stopped after %d cycles", cycle)
			return
		default:
		}

		cycle++
		t0 := time.Now()
		prefix := fmt.Sprintf("soak_%d_%d", cycle, rand.IntN(999999))

		before, err := numKeys(*addr)
		if err != nil {
			log.Fatalf("FAIL [getnumkeys-before]: %v", err)
		}

		runTest("set-get", func() error { return testSetGet(*addr, prefix, *workers, *roundsPerCycle) })
		runTest("compareset", func() error { return testCompareSet(*addr, prefix, *workers, *roundsPerCycle) })
		runTest("add", func() error { return testAdd(*addr, prefix, *workers, *roundsPerCycle) })
		runTest("wait", func() error { return testWait(*addr, prefix, *roundsPerCycle) })
		runTest("watch", func() error { return testWatch(*addr, prefix, *roundsPerCycle) })
		runTest("check", func() error { return testCheck(*addr, prefix, *roundsPerCycle) })
		runTest("deletekey", func() error { return testDeleteKey(*addr, prefix, *workers, *roundsPerCycle) })

		after, err := numKeys(*addr)
		if err != nil {
			log.Fatalf("FAIL [getnumkeys-after]: %v", err)
		}
		if after != before {
			log.Fatalf("FAIL [leak-check]: key count before=%d after=%d (cycle left keys behind)", before, after)
		}

		log.Printf("cycle %d complete (%.1fs)", cycle, time.Since(t0).Seconds())
	}
}

func runTest(name string, fn func() error) {
	if err := fn(); err != nil {
		log.Fatalf("FAIL [%s]: %v", name, err)
	}
}

func numKeys(addr string) (int64, error) {
	c, err := client.Dial(addr)
	if err != nil {
		return 0, fmt.Errorf("dial: %w", err)
	}
	defer c.Close()
	return c.GetNumKeys()
}

// ---------------------------------------------------------------------------
// Set/Get: write then wait+read per round (verify value round-trips)
// ---------------------------------------------------------------------------

func testSetGet(addr, prefix string, workers, rounds int) error {
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for w := range workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c, err := client.Dial(addr)
			if err != nil {
				errs[id] = fmt.Errorf("dial: %w", err)
				return
			}
			defer c.Close()

			key := fmt.Sprintf("%s_kv_%d", prefix, id)
			for r := range rounds {
				val := fmt.Sprintf("value_%d_%d", id, r)
				if err := c.Set(key, []byte(val)); err != nil {
					errs[id] = fmt.Errorf("set round %d: %w", r, err)
					return
				}
				got, err := c.Get(key)
				if err != nil {
					errs[id] = fmt.Errorf("get round %d: %w", r, err)
					return
				}
				if string(got) != val {
					errs[id] = fmt.Errorf("get round %d: got %q, want %q", r, got, val)
					return
				}
			}
			if _, err := c.DeleteKey(key); err != nil {
				errs[id] = fmt.Errorf("cleanup delete: %w", err)
			}
		}(w)
	}
	wg.Wait()
	return firstErr(errs)
}

// ---------------------------------------------------------------------------
// CompareSet: concurrent CAS-retry increment on a shared key
// ---------------------------------------------------------------------------

func testCompareSet(addr, prefix string, workers, rounds int) error {
	key := fmt.Sprintf("%s_cas", prefix)

	c0, err := client.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if err := c0.Set(key, []byte("0")); err != nil {
		c0.Close()
		return fmt.Errorf("initial set: %w", err)
	}
	c0.Close()

	var wg sync.WaitGroup
	errs := make([]error, workers)

	for w := range workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c, err := client.Dial(addr)
			if err != nil {
				errs[id] = fmt.Errorf("dial: %w", err)
				return
			}
			defer c.Close()

			for r := range rounds {
				for attempt := 0; attempt < 1000; attempt++ {
					cur, err := c.Get(key)
					if err != nil {
						errs[id] = fmt.Errorf("get round %d: %w", r, err)
						return
					}
					n, err := strconv.ParseInt(string(cur), 10, 64)
					if err != nil {
						errs[id] = fmt.Errorf("parse round %d: %w", r, err)
						return
					}
					desired := []byte(strconv.FormatInt(n+1, 10))
					got, err := c.CompareSet(key, cur, desired)
					if err != nil {
						errs[id] = fmt.Errorf("compareset round %d: %w", r, err)
						return
					}
					if string(got) == string(desired) {
						break
					}
				}
			}
		}(w)
	}
	wg.Wait()
	if err := firstErr(errs); err != nil {
		return err
	}

	c1, err := client.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial verify: %w", err)
	}
	defer c1.Close()

	val, err := c1.Get(key)
	if err != nil {
		return fmt.Errorf("final get: %w", err)
	}
	got, err := strconv.ParseInt(string(val), 10, 64)
	if err != nil {
		return fmt.Errorf("final parse: %w", err)
	}
	want := int64(workers * rounds)
	if got != want {
		return fmt.Errorf("cas counter: got %d, want %d", got, want)
	}

	if _, err := c1.DeleteKey(key); err != nil {
		return fmt.Errorf("cleanup delete: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Add: concurrent increments, verify final total
// ---------------------------------------------------------------------------

func testAdd(addr, prefix string, workers, rounds int) error {
	key := fmt.Sprintf("%s_add", prefix)
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for w := range workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c, err := client.Dial(addr)
			if err != nil {
				errs[id] = fmt.Errorf("dial: %w", err)
				return
			}
			defer c.Close()

			for r := range rounds {
				if _, err := c.Add(key, 1); err != nil {
					errs[id] = fmt.Errorf("add round %d: %w", r, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	if err := firstErr(errs); err != nil {
		return err
	}

	c, err := client.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial verify: %w", err)
	}
	defer c.Close()

	val, err := c.Get(key)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	got, err := strconv.ParseInt(string(val), 10, 64)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	want := int64(workers * rounds)
	if got != want {
		return fmt.Errorf("add counter: got %d, want %d", got, want)
	}

	if _, err := c.DeleteKey(key); err != nil {
		return fmt.Errorf("cleanup delete: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Wait: producer/consumer rendezvous via WAIT + SET
// ---------------------------------------------------------------------------

func testWait(addr, prefix string, rounds int) error {
	setter, err := client.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial setter: %w", err)
	}
	defer setter.Close()
	waiter, err := client.Dial(addr, client.WithTimeout(5*time.Second))
	if err != nil {
		return fmt.Errorf("dial waiter: %w", err)
	}
	defer waiter.Close()

	for r := range rounds {
		key := fmt.Sprintf("%s_wait_%d", prefix, r)
		var wg sync.WaitGroup
		var waitErr error
		wg.Add(1)
		go func() {
			defer wg.Done()
			waitErr = waiter.Wait([]string{key}, 5*time.Second)
		}()
		time.Sleep(5 * time.Millisecond)
		if err := setter.Set(key, []byte("ready")); err != nil {
			return fmt.Errorf("set round %d: %w", r, err)
		}
		wg.Wait()
		if waitErr != nil {
			return fmt.Errorf("wait round %d: %w", r, waitErr)
		}
		if _, err := setter.DeleteKey(key); err != nil {
			return fmt.Errorf("cleanup round %d: %w", r, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Watch: verify push notifications for SET mutations
// ---------------------------------------------------------------------------

func testWatch(addr, prefix string, rounds int) error {
	key := fmt.Sprintf("%s_watch", prefix)

	watcher, err := client.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial watcher: %w", err)
	}
	defer watcher.Close()

	events := make(chan struct{}, rounds)
	if err := watcher.WatchKey(key, func(old, new []byte) {
		select {
		case events <- struct{}{}:
		default:
		}
	}); err != nil {
		return fmt.Errorf("watchkey: %w", err)
	}

	writer, err := client.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial writer: %w", err)
	}
	defer writer.Close()

	for r := range rounds {
		if err := writer.Set(key, []byte(fmt.Sprintf("v%d", r))); err != nil {
			return fmt.Errorf("set round %d: %w", r, err)
		}
	}

	deadline := time.After(5 * time.Second)
	count := 0
drain:
	for count < rounds {
		select {
		case <-events:
			count++
		case <-deadline:
			break drain
		}
	}
	if count != rounds {
		return fmt.Errorf("watch: received %d/%d notifications", count, rounds)
	}

	if _, err := writer.DeleteKey(key); err != nil {
		return fmt.Errorf("cleanup delete: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Check: non-blocking presence query across a mixed key set
// ---------------------------------------------------------------------------

func testCheck(addr, prefix string, rounds int) error {
	c, err := client.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer c.Close()

	present := fmt.Sprintf("%s_check_present", prefix)
	absent := fmt.Sprintf("%s_check_absent", prefix)
	if err := c.Set(present, []byte("x")); err != nil {
		return fmt.Errorf("set: %w", err)
	}

	for range rounds {
		ok, err := c.Check([]string{present})
		if err != nil {
			return fmt.Errorf("check present: %w", err)
		}
		if !ok {
			return fmt.Errorf("check: %q reported absent", present)
		}
		ok, err = c.Check([]string{present, absent})
		if err != nil {
			return fmt.Errorf("check mixed: %w", err)
		}
		if ok {
			return fmt.Errorf("check: mixed set reported ready despite absent key")
		}
	}

	if _, err := c.DeleteKey(present); err != nil {
		return fmt.Errorf("cleanup delete: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// DeleteKey: concurrent set+delete, verify idempotent second delete
// ---------------------------------------------------------------------------

func testDeleteKey(addr, prefix string, workers, rounds int) error {
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for w := range workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c, err := client.Dial(addr)
			if err != nil {
				errs[id] = fmt.Errorf("dial: %w", err)
				return
			}
			defer c.Close()

			key := fmt.Sprintf("%s_del_%d", prefix, id)
			for r := range rounds {
				if err := c.Set(key, []byte("x")); err != nil {
					errs[id] = fmt.Errorf("set round %d: %w", r, err)
					return
				}
				existed, err := c.DeleteKey(key)
				if err != nil {
					errs[id] = fmt.Errorf("delete round %d: %w", r, err)
					return
				}
				if !existed {
					errs[id] = fmt.Errorf("delete round %d: key reported absent after set", r)
					return
				}
				existed, err = c.DeleteKey(key)
				if err != nil {
					errs[id] = fmt.Errorf("second delete round %d: %w", r, err)
					return
				}
				if existed {
					errs[id] = fmt.Errorf("second delete round %d: not idempotent", r)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	return firstErr(errs)
}

func firstErr(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
