// Package testutil holds generic test helpers shared by this repo's
// packages: standing up a dispatcher on a random port and waiting for an
// eventually-true condition.
package testutil

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arjbhandari/rendezvousd/internal/dispatcher"
	"github.com/arjbhandari/rendezvousd/internal/events"
	"github.com/arjbhandari/rendezvousd/internal/store"
)

// StartDispatcher brings up a dispatcher on a random loopback port backed
// by a fresh store and event bus, and returns its address plus a cleanup
// function that stops it and waits for its goroutine to exit.
func StartDispatcher(t *testing.T) (addr string, st *store.Store, bus *events.Bus, cleanup func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	st = store.New()
	bus = events.NewBus()
	d := dispatcher.New(ln, st, bus, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()

	return ln.Addr().String(), st, bus, func() {
		cancel()
		<-done
	}
}

// Eventually polls cond every interval until it returns true or timeout
// elapses, failing the test if it never does.
func Eventually(t *testing.T, timeout, interval time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		time.Sleep(interval)
	}
}
