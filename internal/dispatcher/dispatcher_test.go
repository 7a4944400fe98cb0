package dispatcher

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arjbhandari/rendezvousd/internal/events"
	"github.com/arjbhandari/rendezvousd/internal/store"
	"github.com/arjbhandari/rendezvousd/internal/wire"
)

func startDispatcher(t *testing.T) (addr string, cleanup func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	log := zap.NewNop().Sugar()
	d := New(ln, store.New(), events.NewBus(), log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()

	return ln.Addr().String(), func() {
		cancel()
		d.Shutdown()
		<-done
	}
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func sendSet(t *testing.T, conn net.Conn, key string, value []byte) {
	t.Helper()
	if err := wire.WriteByteTag(conn, byte(wire.Set)); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteString(conn, key); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteBytes(conn, value); err != nil {
		t.Fatal(err)
	}
}

func sendGet(t *testing.T, conn net.Conn, key string) []byte {
	t.Helper()
	if err := wire.WriteByteTag(conn, byte(wire.Get)); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteString(conn, key); err != nil {
		t.Fatal(err)
	}
	v, err := wire.ReadBytes(conn)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func sendWait(t *testing.T, conn net.Conn, keys []string) {
	t.Helper()
	if err := wire.WriteByteTag(conn, byte(wire.Wait)); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteSize(conn, uint64(len(keys))); err != nil {
		t.Fatal(err)
	}
	for _, k := range keys {
		if err := wire.WriteString(conn, k); err != nil {
			t.Fatal(err)
		}
	}
}

func recvWaitResponse(t *testing.T, conn net.Conn) wire.WaitResponse {
	t.Helper()
	b, err := wire.ReadByteTag(conn)
	if err != nil {
		t.Fatal(err)
	}
	return wire.WaitResponse(b)
}

func sendCompareSet(t *testing.T, conn net.Conn, key string, expected, desired []byte) []byte {
	t.Helper()
	if err := wire.WriteByteTag(conn, byte(wire.CompareSet)); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteString(conn, key); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteBytes(conn, expected); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteBytes(conn, desired); err != nil {
		t.Fatal(err)
	}
	v, err := wire.ReadBytes(conn)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func sendGetNumKeys(t *testing.T, conn net.Conn) int64 {
	t.Helper()
	if err := wire.WriteByteTag(conn, byte(wire.GetNumKeys)); err != nil {
		t.Fatal(err)
	}
	n, err := wire.ReadInt64(conn)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func sendDeleteKey(t *testing.T, conn net.Conn, key string) int64 {
	t.Helper()
	if err := wire.WriteByteTag(conn, byte(wire.DeleteKey)); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteString(conn, key); err != nil {
		t.Fatal(err)
	}
	n, err := wire.ReadInt64(conn)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func sendWatchKey(t *testing.T, conn net.Conn, key string) {
	t.Helper()
	if err := wire.WriteByteTag(conn, byte(wire.WatchKey)); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteString(conn, key); err != nil {
		t.Fatal(err)
	}
}

func recvKeyUpdated(t *testing.T, conn net.Conn) (key string, old, new []byte) {
	t.Helper()
	tag, err := wire.ReadByteTag(conn)
	if err != nil {
		t.Fatal(err)
	}
	if wire.WatchResponse(tag) != wire.KeyUpdated {
		t.Fatalf("got tag %d, want KEY_UPDATED", tag)
	}
	key, err = wire.ReadString(conn)
	if err != nil {
		t.Fatal(err)
	}
	old, err = wire.ReadBytes(conn)
	if err != nil {
		t.Fatal(err)
	}
	new, err = wire.ReadBytes(conn)
	if err != nil {
		t.Fatal(err)
	}
	return key, old, new
}

// S2-ish: wait-then-set wakeup.
func TestWaitThenSetWakesWaiter(t *testing.T) {
	addr, cleanup := startDispatcher(t)
	defer cleanup()

	waiter := dial(t, addr)
	defer waiter.Close()
	sendWait(t, waiter, []string{"x"})

	setter := dial(t, addr)
	defer setter.Close()
	sendSet(t, setter, "x", []byte("hi"))

	if got := recvWaitResponse(t, waiter); got != wire.StopWaiting {
		t.Fatalf("got %d, want STOP_WAITING", got)
	}

	v := sendGet(t, waiter, "x")
	if string(v) != "hi" {
		t.Fatalf("got %q, want hi", v)
	}
}

// S3: compare_set happy path.
func TestCompareSetHappy(t *testing.T) {
	addr, cleanup := startDispatcher(t)
	defer cleanup()

	conn := dial(t, addr)
	defer conn.Close()

	sendSet(t, conn, "k", []byte("old"))
	reply := sendCompareSet(t, conn, "k", []byte("old"), []byte("new"))
	if string(reply) != "new" {
		t.Fatalf("got %q, want new", reply)
	}
	if v := sendGet(t, conn, "k"); string(v) != "new" {
		t.Fatalf("got %q, want new", v)
	}
}

// S4: compare_set mismatch.
func TestCompareSetMismatch(t *testing.T) {
	addr, cleanup := startDispatcher(t)
	defer cleanup()

	conn := dial(t, addr)
	defer conn.Close()

	sendSet(t, conn, "k", []byte("old"))
	reply := sendCompareSet(t, conn, "k", []byte("nope"), []byte("new"))
	if string(reply) != "old" {
		t.Fatalf("got %q, want old", reply)
	}
	if v := sendGet(t, conn, "k"); string(v) != "old" {
		t.Fatalf("got %q, want old", v)
	}
}

// S5-ish: watch broadcast order and pairs on a single watcher connection.
func TestWatchBroadcast(t *testing.T) {
	addr, cleanup := startDispatcher(t)
	defer cleanup()

	watcher := dial(t, addr)
	defer watcher.Close()
	sendWatchKey(t, watcher, "k")

	setter := dial(t, addr)
	defer setter.Close()
	sendSet(t, setter, "k", []byte("v1"))
	sendSet(t, setter, "k", []byte("v2"))

	key, old, newv := recvKeyUpdated(t, watcher)
	if key != "k" || len(old) != 0 || string(newv) != "v1" {
		t.Fatalf("first event: key=%q old=%q new=%q", key, old, newv)
	}
	key, old, newv = recvKeyUpdated(t, watcher)
	if key != "k" || string(old) != "v1" || string(newv) != "v2" {
		t.Fatalf("second event: key=%q old=%q new=%q", key, old, newv)
	}
}

// S6: disconnect mid-wait must not disturb other peers.
func TestDisconnectMidWaitDoesNotAffectOthers(t *testing.T) {
	addr, cleanup := startDispatcher(t)
	defer cleanup()

	waiter := dial(t, addr)
	sendWait(t, waiter, []string{"y"})
	waiter.Close() // hard disconnect while blocked

	other := dial(t, addr)
	defer other.Close()

	// The dispatcher must stay responsive to other peers regardless of
	// whether it has processed the disconnected waiter's purge yet.
	sendGetNumKeys(t, other)

	sendSet(t, other, "y", []byte("v"))
	if n := sendGetNumKeys(t, other); n != 1 {
		t.Fatalf("got %d keys, want 1", n)
	}
}

func TestDeleteKeyIsIdempotent(t *testing.T) {
	addr, cleanup := startDispatcher(t)
	defer cleanup()

	conn := dial(t, addr)
	defer conn.Close()

	sendSet(t, conn, "k", []byte("v"))
	if n := sendDeleteKey(t, conn, "k"); n != 1 {
		t.Fatalf("first delete got %d, want 1", n)
	}
	if n := sendDeleteKey(t, conn, "k"); n != 0 {
		t.Fatalf("second delete got %d, want 0", n)
	}
}

func TestGetNumKeys(t *testing.T) {
	addr, cleanup := startDispatcher(t)
	defer cleanup()

	conn := dial(t, addr)
	defer conn.Close()

	sendSet(t, conn, "a", []byte("1"))
	sendSet(t, conn, "b", []byte("2"))
	if n := sendGetNumKeys(t, conn); n != 2 {
		t.Fatalf("got %d, want 2", n)
	}
}

func TestUnknownTagPurgesConnection(t *testing.T) {
	addr, cleanup := startDispatcher(t)
	defer cleanup()

	conn := dial(t, addr)
	defer conn.Close()

	if err := wire.WriteByteTag(conn, 0xFF); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(buf)
	if err == nil {
		t.Fatal("expected connection to be closed after unknown tag")
	}

	// server stays up for other peers
	other := dial(t, addr)
	defer other.Close()
	sendGetNumKeys(t, other)
}
