// Package reqmap implements the request-correlation map described in
// spec §4.2: a map keyed by DNS transaction id holding a vector of entries
// per id, since ids are only 16 bits and can collide among concurrent
// clients. Disambiguation within an id bucket uses the peer's IP address
// (never the port), query type, and query name.
//
// All state is owned by a single goroutine (the actor run by New), matching
// spec §5's requirement that map mutations be serialized through one task;
// every exported method communicates with that goroutine through a command
// channel rather than guarding the map with a mutex directly. Cancellation
// tokens hold only a weak reference to the Map (via the stdlib weak
// package) so an outstanding token never keeps a finished Map alive.
package reqmap

import (
	"errors"
	"weak"

	"github.com/jroosing/hydradns/internal/actor"
)

// Key identifies a single RequestEntry.
type Key struct {
	ID    uint16
	Peer  string // peer IP address (no port) as a string; "" means no peer (null)
	QType uint16
	QName string
}

type entry struct {
	key   Key
	value any
}

// CancelFunc removes the entry it was issued for, if it is still present.
// It is idempotent, safe to call from any goroutine, and a no-op once its
// Map has been garbage collected.
type CancelFunc func()

// ErrClosed is returned by operations attempted after Close.
var ErrClosed = errors.New("reqmap: map is closed")

// Map is the request-correlation map.
type Map struct {
	actor *actor.Actor

	byID map[uint16][]*entry // owned exclusively by the actor goroutine
}

// New creates a Map and starts its owning goroutine.
func New() *Map {
	return &Map{
		actor: actor.New(),
		byID:  make(map[uint16][]*entry),
	}
}

// Close stops the owning goroutine. Already-issued cancellation tokens
// become no-ops once the Map is garbage collected; calling them before then
// but after Close returns immediately without effect.
func (m *Map) Close() {
	m.actor.Stop()
}

// submit runs fn on the owning goroutine and waits for it to finish.
// Returns false if the map is already closed.
func (m *Map) submit(fn func()) bool {
	return m.actor.Call(fn)
}

func match(e *entry, k Key) bool { return e.key == k }

func removeFromBucket(bucket []*entry, target *entry) []*entry {
	for i, e := range bucket {
		if e == target {
			return append(bucket[:i], bucket[i+1:]...)
		}
	}
	return bucket
}

// Insert adds value keyed by (id, peer, qtype, qname) and returns a
// cancellation token that removes this exact entry. The caller is
// responsible for enforcing the "exactly one question" precondition from
// spec §4.2 before calling Insert.
func (m *Map) Insert(id uint16, peer string, qtype uint16, qname string, value any) (CancelFunc, error) {
	k := Key{ID: id, Peer: peer, QType: qtype, QName: qname}
	e := &entry{key: k, value: value}
	if !m.submit(func() {
		m.byID[id] = append(m.byID[id], e)
	}) {
		return nil, ErrClosed
	}
	return m.tokenFor(e), nil
}

// CreateCancel issues a standalone cancellation token for the given tuple
// without inserting an entry. Invoking it removes whatever entry currently
// matches the tuple, if any — used when a value is about to be re-bound
// (spec §4.2).
func (m *Map) CreateCancel(id uint16, peer string, qtype uint16, qname string) CancelFunc {
	k := Key{ID: id, Peer: peer, QType: qtype, QName: qname}
	weakM := weak.Make(m)
	return func() {
		strong := weakM.Value()
		if strong == nil {
			return
		}
		strong.submit(func() {
			bucket := strong.byID[id]
			for i, e := range bucket {
				if e.key == k {
					strong.byID[id] = append(bucket[:i], bucket[i+1:]...)
					return
				}
			}
		})
	}
}

func (m *Map) tokenFor(e *entry) CancelFunc {
	weakM := weak.Make(m)
	return func() {
		strong := weakM.Value()
		if strong == nil {
			return
		}
		strong.submit(func() {
			strong.byID[e.key.ID] = removeFromBucket(strong.byID[e.key.ID], e)
		})
	}
}

// Lookup returns the value for the unique entry matching (id, peer, qtype,
// qname) without removing it.
func (m *Map) Lookup(id uint16, peer string, qtype uint16, qname string) (any, bool) {
	k := Key{ID: id, Peer: peer, QType: qtype, QName: qname}
	var (
		value any
		found bool
	)
	m.submit(func() {
		for _, e := range m.byID[id] {
			if match(e, k) {
				value, found = e.value, true
				return
			}
		}
	})
	return value, found
}

// LookupAndRemove is Lookup followed by removal of the matched entry,
// atomically on the owning goroutine. This is the operation the server
// dispatcher's response path (HandleMessage → OnResponse, spec §4.3) uses:
// find the matching outstanding request and consume it in one step.
func (m *Map) LookupAndRemove(id uint16, peer string, qtype uint16, qname string) (any, bool) {
	k := Key{ID: id, Peer: peer, QType: qtype, QName: qname}
	var (
		value any
		found bool
	)
	m.submit(func() {
		bucket := m.byID[id]
		for i, e := range bucket {
			if match(e, k) {
				value, found = e.value, true
				m.byID[id] = append(bucket[:i], bucket[i+1:]...)
				return
			}
		}
	})
	return value, found
}

// Remove deletes a specific entry, located by the tuple used to insert it.
// Unlike the token returned by Insert, this does not require holding onto
// the token value — it re-derives the match by tuple, removing the first
// matching entry (mirroring CreateCancel's semantics).
func (m *Map) Remove(id uint16, peer string, qtype uint16, qname string) bool {
	k := Key{ID: id, Peer: peer, QType: qtype, QName: qname}
	var removed bool
	m.submit(func() {
		bucket := m.byID[id]
		for i, e := range bucket {
			if e.key == k {
				m.byID[id] = append(bucket[:i], bucket[i+1:]...)
				removed = true
				return
			}
		}
	})
	return removed
}

// Len reports the total number of outstanding entries, for diagnostics.
func (m *Map) Len() int {
	var n int
	m.submit(func() {
		for _, bucket := range m.byID {
			n += len(bucket)
		}
	})
	return n
}
