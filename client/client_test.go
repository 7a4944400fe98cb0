package client

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

func startTestServer(t *testing.T) (addr string, cleanup func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	d := dispatcher.New(ln, store.New(), events.NewBus(), zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()

	return ln.Addr().String(), func() {
		cancel()
		<-done
	}
}

func TestSetGet(t *testing.T) {
	addr, cleanup := startTestServer(t)
	defer cleanup()

	c, err := Dial(addr, WithTimeout(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Set("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	v, err := c.Get("k")
	if err != nil || string(v) != "v" {
		t.Fatalf("got %q,%v want v,nil", v, err)
	}
}

func TestGetTimesOutWhenNeverWritten(t *testing.T) {
	addr, cleanup := startTestServer(t)
	defer cleanup()

	c, err := Dial(addr, WithTimeout(150*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_, err = c.Get("never")
	if err != ErrTimeout {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

func TestCompareSetAndAdd(t *testing.T) {
	addr, cleanup := startTestServer(t)
	defer cleanup()

	c, err := Dial(addr, WithTimeout(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Set("k", []byte("old")); err != nil {
		t.Fatal(err)
	}
	reply, err := c.CompareSet("k", []byte("old"), []byte("new"))
	if err != nil || string(reply) != "new" {
		t.Fatalf("got %q,%v want new,nil", reply, err)
	}

	n, err := c.Add("counter", 5)
	if err != nil || n != 5 {
		t.Fatalf("got %d,%v want 5,nil", n, err)
	}
	n, err = c.Add("counter", 3)
	if err != nil || n != 8 {
		t.Fatalf("got %d,%v want 8,nil", n, err)
	}
}

func TestDeleteAndGetNumKeys(t *testing.T) {
	addr, cleanup := startTestServer(t)
	defer cleanup()

	c, err := Dial(addr, WithTimeout(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))

	n, err := c.GetNumKeys()
	if err != nil || n != 2 {
		t.Fatalf("got %d,%v want 2,nil", n, err)
	}

	erased, err := c.DeleteKey("a")
	if err != nil || !erased {
		t.Fatalf("got %v,%v want true,nil", erased, err)
	}
	erased, err = c.DeleteKey("a")
	if err != nil || erased {
		t.Fatalf("second delete got %v,%v want false,nil", erased, err)
	}
}

func TestWatchKeyInvokesCallback(t *testing.T) {
	addr, cleanup := startTestServer(t)
	defer cleanup()

	c, err := Dial(addr, WithTimeout(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	events := make(chan [2]string, 4)
	if err := c.WatchKey("k", func(old, new []byte) {
		events <- [2]string{string(old), string(new)}
	}); err != nil {
		t.Fatal(err)
	}

	// A setter on a second connection so the watch socket is free to read.
	setter, err := Dial(addr, WithTimeout(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	defer setter.Close()

	if err := setter.Set("k", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := setter.Set("k", []byte("v2")); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev != [2]string{"", "v1"} {
			t.Fatalf("got %v, want [\"\", \"v1\"]", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first watch event")
	}
	select {
	case ev := <-events:
		if ev != [2]string{"v1", "v2"} {
			t.Fatalf("got %v, want [v1, v2]", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second watch event")
	}
}

func TestBarrierWaitForWorkers(t *testing.T) {
	addr, cleanup := startTestServer(t)
	defer cleanup()

	const n = 3
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		isServer := i == 0
		go func(isServer bool) {
			c, err := Dial(addr,
				WithTimeout(5*time.Second),
				WithWaitWorkers(true),
				WithNumWorkers(n),
				WithIsServer(isServer))
			if err == nil {
				c.Close()
			}
			results <- err
		}(isServer)
	}

	for i := 0; i < n; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Fatal(err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for barrier participants")
		}
	}
}
