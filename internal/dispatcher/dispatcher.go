// Package dispatcher implements the rendezvous server's single-threaded
// event loop. A poll(2) loop over a flat fd array is realized here as one
// goroutine selecting over channels that stand in for poll slots: an
// accept-loop goroutine feeds newly connected peers, per-connection reader
// goroutines each feed exactly one decoded request before exiting (the
// dispatcher re-arms them), and a shutdown channel closed by the owner
// models a poll-observable hangup. Exactly one goroutine ever touches
// store state or writes to a peer socket, so no locking is needed and
// every request's effect is atomic from any peer's perspective.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/arjbhandari/rendezvousd/internal/events"
	"github.com/arjbhandari/rendezvousd/internal/store"
	"github.com/arjbhandari/rendezvousd/internal/wire"
)

// ErrShutdownProtocol is returned (and treated as fatal) if the shutdown
// slot ever produces anything other than a channel close — there is no
// other legitimate event class on that slot.
var ErrShutdownProtocol = errors.New("dispatcher: unexpected event on shutdown slot")

// Dispatcher owns the listening socket and every accepted connection. Its
// zero value is not usable; use New.
type Dispatcher struct {
	listener net.Listener
	store    *store.Store
	events   *events.Bus
	log      *zap.SugaredLogger

	connectedCh chan net.Conn
	resultCh    chan readResult
	shutdownCh  chan struct{}

	conns  map[store.ConnID]*peerConn
	connID atomic.Uint64
}

type peerConn struct {
	id   store.ConnID
	conn net.Conn
	r    *bufReader
}

type readResult struct {
	id  store.ConnID
	req decodedRequest
	err error
}

// New constructs a Dispatcher bound to listener. Run must be called to
// start serving; Shutdown stops it.
func New(listener net.Listener, st *store.Store, bus *events.Bus, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		listener:    listener,
		store:       st,
		events:      bus,
		log:         log,
		connectedCh: make(chan net.Conn),
		resultCh:    make(chan readResult),
		shutdownCh:  make(chan struct{}),
		conns:       make(map[store.ConnID]*peerConn),
	}
}

// Addr returns the listener's bound address, including the OS-assigned
// port when the listener was opened with port 0.
func (d *Dispatcher) Addr() net.Addr {
	return d.listener.Addr()
}

// Shutdown closes the out-of-band control channel. The dispatcher observes
// this as a channel-close on the shutdown slot and exits its loop on the
// next iteration, same as the reference implementation's pipe-write-end
// close.
func (d *Dispatcher) Shutdown() {
	close(d.shutdownCh)
}

// Run starts the accept loop and blocks in the dispatcher's main select
// loop until Shutdown is called or ctx is cancelled. On return, every
// accepted connection has been closed and the listener is closed.
func (d *Dispatcher) Run(ctx context.Context) error {
	go d.acceptLoop()

	defer func() {
		d.listener.Close()
		for id, pc := range d.conns {
			pc.conn.Close()
			delete(d.conns, id)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-d.shutdownCh:
			if ok {
				return ErrShutdownProtocol
			}
			return nil
		case conn := <-d.connectedCh:
			d.handleAccept(conn)
		case res := <-d.resultCh:
			d.handleResult(res)
		}
	}
}

func (d *Dispatcher) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.shutdownCh:
				return
			default:
				d.log.Infow("accept error", "err", err)
				return
			}
		}
		select {
		case d.connectedCh <- conn:
		case <-d.shutdownCh:
			conn.Close()
			return
		}
	}
}

func (d *Dispatcher) handleAccept(conn net.Conn) {
	id := store.ConnID(d.connID.Add(1))
	pc := &peerConn{id: id, conn: conn, r: newBufReader(conn)}
	d.conns[id] = pc
	d.store.AddConn(id)
	d.events.Publish(events.Event{Kind: events.ConnAccepted})
	d.log.Debugw("connection accepted", "conn", id, "peer", conn.RemoteAddr())
	d.startReader(pc)
}

// startReader spawns the dedicated reader goroutine that blocks in one
// framed read and forwards exactly one decoded request (or a terminal
// error) before exiting. The dispatcher calls this again after
// successfully handling a request, re-arming the connection's poll slot.
func (d *Dispatcher) startReader(pc *peerConn) {
	go func() {
		req, err := decodeRequest(pc.r)
		d.resultCh <- readResult{id: pc.id, req: req, err: err}
	}()
}

func (d *Dispatcher) handleResult(res readResult) {
	pc, ok := d.conns[res.id]
	if !ok {
		return // already purged
	}
	if res.err != nil {
		d.purge(pc, res.err)
		return
	}
	if err := d.apply(pc, res.req); err != nil {
		d.purge(pc, err)
		return
	}
	d.startReader(pc)
}

// purge removes a connection from every index, structurally, and closes
// its socket. Idempotent: purging an unknown id is a no-op because
// handleResult already guards on map membership.
func (d *Dispatcher) purge(pc *peerConn, cause error) {
	d.log.Debugw("purging connection", "conn", pc.id, "cause", cause)
	delete(d.conns, pc.id)
	d.store.Purge(pc.id)
	pc.conn.Close()
	d.events.Publish(events.Event{Kind: events.ConnPurged})
}

// apply executes one decoded request against the store and writes
// whatever reply, wakeups, and watch pushes it produces. A returned error
// is always fatal to the connection (wire write failure or an internal
// inconsistency such as GET of an absent key).
func (d *Dispatcher) apply(pc *peerConn, req decodedRequest) error {
	switch req.tag {
	case wire.Set:
		wakeups, evs := d.store.Set(req.key, req.value)
		d.events.Publish(events.Event{Kind: events.KeySet, Key: req.key})
		d.wakeWaiters(wakeups)
		d.pushWatchEvents(evs)
		return nil

	case wire.CompareSet:
		reply, evs := d.store.CompareSet(req.key, req.expected, req.desired)
		if err := writeBytesReply(pc.conn, reply); err != nil {
			return err
		}
		d.pushWatchEvents(evs)
		return nil

	case wire.Add:
		newVal, wakeups, evs, err := d.store.Add(req.key, req.delta)
		if err != nil {
			return fmt.Errorf("dispatcher: add: %w", err)
		}
		if err := wire.WriteInt64(pc.conn, newVal); err != nil {
			return err
		}
		d.events.Publish(events.Event{Kind: events.KeySet, Key: req.key})
		d.wakeWaiters(wakeups)
		d.pushWatchEvents(evs)
		return nil

	case wire.Get:
		v, ok := d.store.Get(req.key)
		if !ok {
			return fmt.Errorf("dispatcher: get: key %q absent: caller must establish presence first", req.key)
		}
		return writeBytesReply(pc.conn, v)

	case wire.Check:
		ready := d.store.Check(req.keys)
		tag := wire.NotReady
		if ready {
			tag = wire.Ready
		}
		return wire.WriteByteTag(pc.conn, byte(tag))

	case wire.Wait:
		immediate := d.store.RegisterWait(pc.id, req.keys)
		if immediate {
			return wire.WriteByteTag(pc.conn, byte(wire.StopWaiting))
		}
		d.events.Publish(events.Event{Kind: events.WaiterRegistered})
		return nil

	case wire.GetNumKeys:
		return wire.WriteInt64(pc.conn, d.store.GetNumKeys())

	case wire.WatchKey:
		d.store.Watch(pc.id, req.key)
		d.events.Publish(events.Event{Kind: events.WatchRegistered, Key: req.key})
		return nil

	case wire.DeleteKey:
		erased := d.store.DeleteKey(req.key)
		var n int64
		if erased {
			n = 1
			d.events.Publish(events.Event{Kind: events.KeyDeleted, Key: req.key})
		}
		return wire.WriteInt64(pc.conn, n)

	default:
		return fmt.Errorf("dispatcher: unknown query tag %d", req.tag)
	}
}

// wakeWaiters sends STOP_WAITING to every connection that just reached a
// zero remaining-key count. A waiter whose connection has since been
// purged is silently skipped — Store.Purge already removed it from
// keysAwaited, so it cannot appear here, but a socket write race (closed
// between lookup and write) is handled defensively.
func (d *Dispatcher) wakeWaiters(ids []store.ConnID) {
	for _, id := range ids {
		pc, ok := d.conns[id]
		if !ok {
			continue
		}
		if err := wire.WriteByteTag(pc.conn, byte(wire.StopWaiting)); err != nil {
			d.purge(pc, err)
			continue
		}
		d.events.Publish(events.Event{Kind: events.WaiterWoken})
	}
}

// pushWatchEvents writes one KEY_UPDATED frame per event to the watcher's
// socket. Watch broadcasts happen after wakeups within the same request.
func (d *Dispatcher) pushWatchEvents(evs []store.WatchEvent) {
	for _, ev := range evs {
		pc, ok := d.conns[ev.Conn]
		if !ok {
			continue
		}
		if err := writeKeyUpdated(pc.conn, ev); err != nil {
			d.purge(pc, err)
			continue
		}
		d.events.Publish(events.Event{Kind: events.WatchFired, Key: ev.Key})
	}
}

func writeBytesReply(w net.Conn, b []byte) error {
	return wire.WriteBytes(w, b)
}

func writeKeyUpdated(w net.Conn, ev store.WatchEvent) error {
	if err := wire.WriteByteTag(w, byte(wire.KeyUpdated)); err != nil {
		return err
	}
	if err := wire.WriteString(w, ev.Key); err != nil {
		return err
	}
	if err := wire.WriteBytes(w, ev.OldValue); err != nil {
		return err
	}
	return wire.WriteBytes(w, ev.NewValue)
}
