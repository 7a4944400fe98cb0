// Package client implements the rendezvous store's client stub: a
// request/reply socket to the server plus, when a caller registers a
// watch, a second persistent socket driven by internal/watch.
package client

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arjbhandari/rendezvousd/internal/watch"
	"github.com/arjbhandari/rendezvousd/internal/wire"
)

// Sentinel errors returned by client operations.
var (
	ErrTimeout       = errors.New("rendezvousd: timeout")
	ErrClosed        = errors.New("rendezvousd: client closed")
	ErrEmptyKey      = errors.New("rendezvousd: empty key")
	ErrInvalidArg    = errors.New("rendezvousd: invalid argument")
	ErrUnexpectedTag = errors.New("rendezvousd: unexpected response tag")
)

// NoTimeout disables the per-call receive deadline. Pass it as the
// timeout to construct a client (or a Wait call) that blocks
// indefinitely, matching the reference NO_TIMEOUT sentinel.
const NoTimeout time.Duration = 0

// keyPrefix partitions the user keyspace from the one internal key.
const keyPrefix = "/"

// initKey is the internal barrier counter key. It is transmitted without
// keyPrefix, unlike every user-visible key.
const initKey = "init/"

// DefaultDialTimeout bounds the initial TCP connect.
const DefaultDialTimeout = 10 * time.Second

// barrierPollInterval is the sleep between GET(init_key) polls performed
// by the server host during wait_for_workers.
const barrierPollInterval = 10 * time.Millisecond

// Option configures a Client at construction time.
type Option func(*options)

type options struct {
	numWorkers  int
	isServer    bool
	waitWorkers bool
	timeout     time.Duration
	log         *zap.SugaredLogger
}

// WithNumWorkers sets the expected worker-group size used by the barrier.
func WithNumWorkers(n int) Option { return func(o *options) { o.numWorkers = n } }

// WithIsServer marks this client as running on the same host as the
// server, enabling the GET-polling half of wait_for_workers.
func WithIsServer(v bool) Option { return func(o *options) { o.isServer = v } }

// WithWaitWorkers enables the construction-time barrier.
func WithWaitWorkers(v bool) Option { return func(o *options) { o.waitWorkers = v } }

// WithTimeout sets the default per-call receive timeout. Pass NoTimeout
// for an indefinite wait.
func WithTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

// WithLogger attaches a structured logger; defaults to a no-op logger.
func WithLogger(log *zap.SugaredLogger) Option { return func(o *options) { o.log = log } }

// Client is the rendezvous store's client stub. Construct with Dial.
type Client struct {
	addr    string
	timeout time.Duration
	log     *zap.SugaredLogger

	mu   sync.Mutex
	conn net.Conn

	watchMu  sync.Mutex
	listener *watch.Listener
}

// Dial connects to the server at addr, runs the wait_for_workers barrier
// if WithWaitWorkers/WithNumWorkers were given, and returns a ready
// Client. If any construction step fails, every resource already
// acquired is closed in reverse order before the error is returned.
func Dial(addr string, opts ...Option) (*Client, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop().Sugar()
	}

	var acquired []func()
	cleanup := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i]()
		}
	}

	dialer := &net.Dialer{Timeout: DefaultDialTimeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rendezvousd: connect: %w", err)
	}
	acquired = append(acquired, func() { conn.Close() })

	c := &Client{addr: addr, timeout: o.timeout, log: o.log, conn: conn}

	if o.waitWorkers && o.numWorkers > 0 {
		if err := c.waitForWorkers(o.numWorkers, o.isServer); err != nil {
			cleanup()
			return nil, fmt.Errorf("rendezvousd: barrier: %w", err)
		}
	}

	return c, nil
}

// GetHost returns the configured server host.
func (c *Client) GetHost() string {
	host, _, _ := net.SplitHostPort(c.addr)
	return host
}

// GetPort returns the configured server port.
func (c *Client) GetPort() string {
	_, port, _ := net.SplitHostPort(c.addr)
	return port
}

// Close closes the request socket and, if one was opened, the watch
// listener's socket.
func (c *Client) Close() error {
	c.watchMu.Lock()
	l := c.listener
	c.listener = nil
	c.watchMu.Unlock()
	if l != nil {
		l.Close()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

func prefixed(key string) string {
	return keyPrefix + key
}

func validateKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return nil
}

// withDeadline sets conn's read deadline for the duration of fn, then
// clears it. A zero/negative timeout (NoTimeout) disables the deadline.
func (c *Client) withDeadline(timeout time.Duration, fn func() error) error {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	err := fn()
	if err != nil && isTimeout(err) {
		return ErrTimeout
	}
	return err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Set stores value at key unconditionally. SET produces no reply; the
// only failure mode is a transport error on the write.
func (c *Client) Set(key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wire.WriteByteTag(c.conn, byte(wire.Set)); err != nil {
		return err
	}
	if err := wire.WriteString(c.conn, prefixed(key)); err != nil {
		return err
	}
	return wire.WriteBytes(c.conn, value)
}

// CompareSet returns the server's post-operation value: desired on
// success, the current value on mismatch, or (per the "lying to the
// caller" wire behavior) the caller's own expected value if the key was
// absent.
func (c *Client) CompareSet(key string, expected, desired []byte) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wire.WriteByteTag(c.conn, byte(wire.CompareSet)); err != nil {
		return nil, err
	}
	if err := wire.WriteString(c.conn, prefixed(key)); err != nil {
		return nil, err
	}
	if err := wire.WriteBytes(c.conn, expected); err != nil {
		return nil, err
	}
	if err := wire.WriteBytes(c.conn, desired); err != nil {
		return nil, err
	}
	var reply []byte
	err := c.withDeadline(c.timeout, func() error {
		v, err := wire.ReadBytes(c.conn)
		reply = v
		return err
	})
	return reply, err
}

// Add increments key's decimal counter by delta (initializing it to delta
// if absent) and returns the new value.
func (c *Client) Add(key string, delta int64) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wire.WriteByteTag(c.conn, byte(wire.Add)); err != nil {
		return 0, err
	}
	if err := wire.WriteString(c.conn, prefixed(key)); err != nil {
		return 0, err
	}
	if err := wire.WriteInt64(c.conn, delta); err != nil {
		return 0, err
	}
	var v int64
	err := c.withDeadline(c.timeout, func() error {
		n, err := wire.ReadInt64(c.conn)
		v = n
		return err
	})
	return v, err
}

// Get waits for key to become present (WAIT under the configured
// timeout), then retrieves it (GET). It never returns an absent-key
// result: a slow producer surfaces as ErrTimeout rather than an
// indefinite hang.
func (c *Client) Get(key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if err := c.wait([]string{key}, c.timeout); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wire.WriteByteTag(c.conn, byte(wire.Get)); err != nil {
		return nil, err
	}
	if err := wire.WriteString(c.conn, prefixed(key)); err != nil {
		return nil, err
	}
	var v []byte
	err := c.withDeadline(c.timeout, func() error {
		b, err := wire.ReadBytes(c.conn)
		v = b
		return err
	})
	return v, err
}

// DeleteKey erases key and reports whether it was present.
func (c *Client) DeleteKey(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wire.WriteByteTag(c.conn, byte(wire.DeleteKey)); err != nil {
		return false, err
	}
	if err := wire.WriteString(c.conn, prefixed(key)); err != nil {
		return false, err
	}
	var n int64
	err := c.withDeadline(c.timeout, func() error {
		v, err := wire.ReadInt64(c.conn)
		n = v
		return err
	})
	return n != 0, err
}

// GetNumKeys reports the number of keys currently present.
func (c *Client) GetNumKeys() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wire.WriteByteTag(c.conn, byte(wire.GetNumKeys)); err != nil {
		return 0, err
	}
	var n int64
	err := c.withDeadline(c.timeout, func() error {
		v, err := wire.ReadInt64(c.conn)
		n = v
		return err
	})
	return n, err
}

// Check reports whether every key in keys is present, without blocking.
func (c *Client) Check(keys []string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wire.WriteByteTag(c.conn, byte(wire.Check)); err != nil {
		return false, err
	}
	if err := writeKeyList(c.conn, keys, prefixed); err != nil {
		return false, err
	}
	var tag byte
	err := c.withDeadline(c.timeout, func() error {
		b, err := wire.ReadByteTag(c.conn)
		tag = b
		return err
	})
	if err != nil {
		return false, err
	}
	return wire.CheckResponse(tag) == wire.Ready, nil
}

// Wait blocks until every key in keys is present or timeout elapses.
// Pass NoTimeout to block indefinitely.
func (c *Client) Wait(keys []string, timeout time.Duration) error {
	return c.wait(keys, timeout)
}

func (c *Client) wait(keys []string, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wire.WriteByteTag(c.conn, byte(wire.Wait)); err != nil {
		return err
	}
	if err := writeKeyList(c.conn, keys, prefixed); err != nil {
		return err
	}
	return c.withDeadline(timeout, func() error {
		_, err := wire.ReadByteTag(c.conn)
		return err
	})
}

func writeKeyList(w net.Conn, keys []string, transform func(string) string) error {
	if err := wire.WriteSize(w, uint64(len(keys))); err != nil {
		return err
	}
	for _, k := range keys {
		if err := wire.WriteString(w, transform(k)); err != nil {
			return err
		}
	}
	return nil
}

// WatchKey subscribes cb to changes on key, lazily starting the
// client's dedicated watch listener socket on first use. The callback is
// registered before the WATCH_KEY request is sent, avoiding a race with
// an immediate first event.
func (c *Client) WatchKey(key string, cb watch.Callback) error {
	if err := validateKey(key); err != nil {
		return err
	}
	l, err := c.ensureWatchListener()
	if err != nil {
		return err
	}
	l.AddCallback(prefixed(key), cb)

	if err := wire.WriteByteTag(l.Conn(), byte(wire.WatchKey)); err != nil {
		return err
	}
	return wire.WriteString(l.Conn(), prefixed(key))
}

func (c *Client) ensureWatchListener() (*watch.Listener, error) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if c.listener != nil {
		return c.listener, nil
	}
	l, err := watch.Dial(c.addr, c.log)
	if err != nil {
		return nil, err
	}
	c.listener = l
	return l, nil
}

// waitForWorkers implements the construction-time barrier: ADD(init_key,
// 1), then, on the server host only, poll GET(init_key) every 10ms until
// the observed count reaches numWorkers or the client's configured
// timeout elapses.
func (c *Client) waitForWorkers(numWorkers int, isServer bool) error {
	c.mu.Lock()
	if err := wire.WriteByteTag(c.conn, byte(wire.Add)); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := wire.WriteString(c.conn, initKey); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := wire.WriteInt64(c.conn, 1); err != nil {
		c.mu.Unlock()
		return err
	}
	_, err := wire.ReadInt64(c.conn)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if !isServer {
		return nil
	}

	var deadline time.Time
	hasDeadline := c.timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(c.timeout)
	}

	for {
		c.mu.Lock()
		werr := wire.WriteByteTag(c.conn, byte(wire.Get))
		if werr == nil {
			werr = wire.WriteString(c.conn, initKey)
		}
		var raw []byte
		if werr == nil {
			raw, werr = wire.ReadBytes(c.conn)
		}
		c.mu.Unlock()
		if werr != nil {
			return werr
		}
		count, perr := strconv.ParseInt(string(raw), 10, 64)
		if perr != nil {
			return fmt.Errorf("rendezvousd: barrier: parse init counter: %w", perr)
		}
		if count >= int64(numWorkers) {
			return nil
		}
		if hasDeadline && time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(barrierPollInterval)
	}
}
