package watch

import (
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/arjbhandari/rendezvousd/internal/wire"
)

func TestWatchListenerInvokesCallback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			serverConnCh <- c
		}
	}()

	l, err := Dial(ln.Addr().String(), zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	received := make(chan struct{ old, new string }, 1)
	l.AddCallback("/k", func(old, new []byte) {
		received <- struct{ old, new string }{string(old), string(new)}
	})

	serverConn := <-serverConnCh
	defer serverConn.Close()

	if err := wire.WriteByteTag(serverConn, byte(wire.KeyUpdated)); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteString(serverConn, "/k"); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteBytes(serverConn, []byte("old")); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteBytes(serverConn, []byte("new")); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-received:
		if ev.old != "old" || ev.new != "new" {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
}

func TestWatchListenerUnexpectedTagIsFatal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	serverConnCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			serverConnCh <- c
		}
	}()

	l, err := Dial(ln.Addr().String(), zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}

	serverConn := <-serverConnCh
	defer serverConn.Close()

	if err := wire.WriteByteTag(serverConn, 0xFF); err != nil {
		t.Fatal(err)
	}

	l.Close()
	if l.Err() == nil {
		t.Fatal("expected a fatal error after unexpected tag")
	}
}
