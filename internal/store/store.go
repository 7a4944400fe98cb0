// Package store holds the rendezvous server's in-memory state. Every method
// here is called from exactly one goroutine, the dispatcher; there is
// deliberately no locking. Callers that need concurrency safety belong in a
// different layer — this package's entire contract rests on single-owner
// access.
package store

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrNotInteger is returned by Add when the existing value at a key cannot
// be parsed as a base-10 signed decimal. The caller (the dispatcher) treats
// this as a fatal per-connection protocol error, matching the preserved
// reference behavior: decimal storage is a convention the store does not
// enforce on Set, so Add after an arbitrary Set can fail.
var ErrNotInteger = errors.New("store: value is not a base-10 integer")

// ConnID identifies a connection to the dispatcher's indices. The
// dispatcher assigns these; the store treats them as opaque comparable
// values.
type ConnID uint64

// WatchEvent describes one KEY_UPDATED notification the dispatcher must
// push to a watcher's listen socket.
type WatchEvent struct {
	Conn     ConnID
	Key      string
	OldValue []byte
	NewValue []byte
}

// Store is the server's authoritative state: the key-value map, the
// wait/watch indices, and the live connection set. Zero value is not
// usable; use New.
type Store struct {
	kv map[string][]byte

	// waitingSockets maps key -> ordered connections blocked on that key's
	// absence. A connection may appear under many keys simultaneously.
	waitingSockets map[string][]ConnID

	// keysAwaited maps connection -> remaining count of missing keys from
	// its most recent WAIT. Reaching zero means the connection should
	// receive STOP_WAITING.
	keysAwaited map[ConnID]int

	// watchedSockets maps key -> ordered connections subscribed to change
	// events on that key.
	watchedSockets map[string][]ConnID

	connections map[ConnID]struct{}
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		kv:             make(map[string][]byte),
		waitingSockets: make(map[string][]ConnID),
		keysAwaited:    make(map[ConnID]int),
		watchedSockets: make(map[string][]ConnID),
		connections:    make(map[ConnID]struct{}),
	}
}

// AddConn registers a newly accepted connection.
func (s *Store) AddConn(c ConnID) {
	s.connections[c] = struct{}{}
}

// NumConns reports the number of live connections, for diagnostics.
func (s *Store) NumConns() int {
	return len(s.connections)
}

// GetNumKeys reports the number of keys currently present.
func (s *Store) GetNumKeys() int64 {
	return int64(len(s.kv))
}

// Get returns the value at key and whether it is present.
func (s *Store) Get(key string) ([]byte, bool) {
	v, ok := s.kv[key]
	return v, ok
}

// Check reports whether every key in keys is present, with no side effects.
func (s *Store) Check(keys []string) bool {
	for _, k := range keys {
		if _, ok := s.kv[k]; !ok {
			return false
		}
	}
	return true
}

// Set stores value at key unconditionally and returns the wakeups and watch
// events this mutation triggers. Each event's OldValue is nil (and absent,
// distinct from empty) when the key had no previous value.
func (s *Store) Set(key string, value []byte) (wakeups []ConnID, events []WatchEvent) {
	old, hadOld := s.kv[key]
	s.kv[key] = value
	wakeups = s.wake(key)
	events = s.broadcast(key, old, hadOld, value)
	return wakeups, events
}

// CompareSet implements COMPARE_SET's "lying to the caller" behavior: a
// compare against an absent key reports the caller's own expected value
// rather than a distinct absent-key signal. Intentional wire
// compatibility, not an oversight.
func (s *Store) CompareSet(key string, expected, desired []byte) (reply []byte, events []WatchEvent) {
	cur, ok := s.kv[key]
	if !ok {
		return expected, nil
	}
	if !bytesEqual(cur, expected) {
		return cur, nil
	}
	s.kv[key] = desired
	events = s.broadcast(key, expected, true, desired)
	return desired, events
}

// Add implements ADD's decimal-string counter semantics: if key is absent,
// it is initialized to delta; otherwise the existing value is parsed as a
// base-10 signed integer, delta is added, and the decimal string is
// rewritten. Returns the new integer value plus any wakeups/watch events.
func (s *Store) Add(key string, delta int64) (newValue int64, wakeups []ConnID, events []WatchEvent, err error) {
	old, hadOld := s.kv[key]
	var next int64
	if hadOld {
		cur, perr := strconv.ParseInt(string(old), 10, 64)
		if perr != nil {
			return 0, nil, nil, fmt.Errorf("%w: key %q: %v", ErrNotInteger, key, perr)
		}
		next = cur + delta
	} else {
		next = delta
	}
	newBytes := []byte(strconv.FormatInt(next, 10))
	s.kv[key] = newBytes
	wakeups = s.wake(key)
	events = s.broadcast(key, old, hadOld, newBytes)
	return next, wakeups, events, nil
}

// DeleteKey erases key if present. It clears watchedSockets[key] but
// deliberately does NOT clear waitingSockets[key]: waiters on a deleted
// key remain blocked until disconnect or shutdown. Preserved reference
// behavior, not a bug fixed here.
func (s *Store) DeleteKey(key string) (erased bool) {
	if _, ok := s.kv[key]; !ok {
		return false
	}
	delete(s.kv, key)
	delete(s.watchedSockets, key)
	return true
}

// RegisterWait implements WAIT's check-then-register step for one
// connection's key set. Because the store is single-owner, this sequence
// is race-free with any concurrent Set/Add from the caller's perspective —
// there is no concurrent caller. If every key is already present,
// immediate reports true and the connection is registered nowhere. If any
// key is absent, RegisterWait records the connection against every absent
// key, stores the absent count in keysAwaited, and returns false.
func (s *Store) RegisterWait(conn ConnID, keys []string) (immediate bool) {
	absent := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := s.kv[k]; !ok {
			absent = append(absent, k)
		}
	}
	if len(absent) == 0 {
		return true
	}
	s.keysAwaited[conn] = len(absent)
	for _, k := range absent {
		s.waitingSockets[k] = append(s.waitingSockets[k], conn)
	}
	return false
}

// Watch subscribes conn to change events on key.
func (s *Store) Watch(conn ConnID, key string) {
	s.watchedSockets[key] = append(s.watchedSockets[key], conn)
}

// Purge removes conn from every index: connections, waitingSockets (by
// value, across all keys), keysAwaited, and watchedSockets (by value,
// across all keys). Structural — emptied key entries are deleted from
// their maps — and idempotent: purging an already-purged or unknown
// connection is a no-op.
func (s *Store) Purge(conn ConnID) {
	delete(s.connections, conn)
	delete(s.keysAwaited, conn)
	purgeValue(s.waitingSockets, conn)
	purgeValue(s.watchedSockets, conn)
}

func purgeValue(idx map[string][]ConnID, conn ConnID) {
	for k, conns := range idx {
		filtered := conns[:0:0]
		for _, c := range conns {
			if c != conn {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) == 0 {
			delete(idx, k)
		} else {
			idx[k] = filtered
		}
	}
}

// wake processes wakeups for a write to key: every waiter registered for
// key has its keysAwaited counter decremented by one; those reaching zero
// are returned for a STOP_WAITING reply. waitingSockets[key] is cleared
// entirely afterward, whether or not it produced any wakeups.
func (s *Store) wake(key string) []ConnID {
	waiters, ok := s.waitingSockets[key]
	if !ok {
		return nil
	}
	delete(s.waitingSockets, key)
	var ready []ConnID
	for _, c := range waiters {
		n, ok := s.keysAwaited[c]
		if !ok {
			continue
		}
		n--
		if n <= 0 {
			delete(s.keysAwaited, c)
			ready = append(ready, c)
		} else {
			s.keysAwaited[c] = n
		}
	}
	return ready
}

// broadcast builds the watch events for a mutation to key. hadOld
// distinguishes "no previous value" from "previous value was empty."
func (s *Store) broadcast(key string, old []byte, hadOld bool, newValue []byte) []WatchEvent {
	watchers := s.watchedSockets[key]
	if len(watchers) == 0 {
		return nil
	}
	var oldCopy []byte
	if hadOld {
		oldCopy = old
	}
	events := make([]WatchEvent, 0, len(watchers))
	for _, c := range watchers {
		events = append(events, WatchEvent{Conn: c, Key: key, OldValue: oldCopy, NewValue: newValue})
	}
	return events
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
