// Package watch implements the client-side Watch Listener: a dedicated
// background worker holding one persistent socket to the server, decoding
// KEY_UPDATED pushes and invoking the caller's registered callback
// synchronously. It is the role-flipped counterpart of a server-side
// wildcard watch manager — this store's watch responsibility is entirely
// client-side, so there is no wildcard matching here, just an exact
// key-to-callback map.
package watch

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/arjbhandari/rendezvousd/internal/wire"
)

// Callback is invoked once per KEY_UPDATED event for a watched key, with
// the old and new values as raw bytes. It runs synchronously on the
// listener's worker goroutine: it must not block indefinitely and must
// tolerate being called from a goroutine other than the one that
// registered it.
type Callback func(old, new []byte)

// Listener owns one persistent socket to the server and the callback map
// keyed by prefixed key. Construct with Dial.
type Listener struct {
	conn net.Conn
	log  *zap.SugaredLogger

	mu        sync.Mutex
	callbacks map[string]Callback

	done chan struct{}
	err  error
}

// Dial opens the watch listener's dedicated socket and starts its read
// loop. The caller must register every callback with AddCallback *before*
// issuing the corresponding WatchKey request on this same connection —
// registration and the request share the socket, so registering first
// avoids racing an immediate first event.
func Dial(addr string, log *zap.SugaredLogger) (*Listener, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("watch: dial: %w", err)
	}
	l := &Listener{
		conn:      conn,
		log:       log,
		callbacks: make(map[string]Callback),
		done:      make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

// Conn exposes the underlying socket so the client stub can write
// WatchKey requests on the same connection the listener reads from.
func (l *Listener) Conn() net.Conn {
	return l.conn
}

// AddCallback registers cb for prefixedKey. See Dial's ordering note.
func (l *Listener) AddCallback(prefixedKey string, cb Callback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.callbacks[prefixedKey] = cb
}

// RemoveCallback drops any registered callback for prefixedKey.
func (l *Listener) RemoveCallback(prefixedKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.callbacks, prefixedKey)
}

func (l *Listener) readLoop() {
	defer close(l.done)
	for {
		tag, err := wire.ReadByteTag(l.conn)
		if err != nil {
			l.err = err
			return
		}
		if wire.WatchResponse(tag) != wire.KeyUpdated {
			l.err = fmt.Errorf("watch: unexpected response tag %d", tag)
			return
		}
		key, err := wire.ReadString(l.conn)
		if err != nil {
			l.err = err
			return
		}
		old, err := wire.ReadBytes(l.conn)
		if err != nil {
			l.err = err
			return
		}
		newValue, err := wire.ReadBytes(l.conn)
		if err != nil {
			l.err = err
			return
		}

		l.mu.Lock()
		cb := l.callbacks[key]
		l.mu.Unlock()
		if cb == nil {
			l.log.Debugw("watch event for unregistered key", "key", key)
			continue
		}
		cb(old, newValue)
	}
}

// Close closes the underlying socket and waits for the read loop to exit.
func (l *Listener) Close() error {
	err := l.conn.Close()
	<-l.done
	return err
}

// Err returns the error that terminated the read loop, if any. Valid only
// after Close or after the loop has otherwise exited.
func (l *Listener) Err() error {
	return l.err
}
