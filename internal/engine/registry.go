package engine

import (
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
)

// entry pairs a connection with the per-id lock that guards it. acquire
// holds entry.mu for the duration of the caller's logical access; remove
// takes entry.mu itself, which naturally defers physical map removal until
// any outstanding acquire has released.
type entry struct {
	mu   sync.Mutex
	conn *connection
}

// registry is C6: the process-wide id -> connection map with per-id
// acquire/release locking and a forEachID bulk iterator that never holds a
// per-entry lock while invoking the callback. Grounded on
// internal/bfd/manager.go's RWMutex-guarded session maps and on the
// source's ipc.c TSMap usage.
type registry struct {
	mapMu  sync.RWMutex
	conns  map[int64]*entry
	nextID atomic.Int64

	logger *slog.Logger
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{
		conns:  make(map[int64]*entry),
		logger: logger,
	}
}

// insert assigns c its id and adds it to the map, returning the id.
func (r *registry) insert(c *connection) int64 {
	id := r.nextID.Add(1)
	c.id = id
	c.logger = r.logger.With(slog.Int64("conn_id", id), slog.String("kind", c.kind.String()))

	r.mapMu.Lock()
	r.conns[id] = &entry{conn: c}
	r.mapMu.Unlock()

	return id
}

// acquire grants exclusive logical access to the connection at id. The
// returned release func must always be called, exactly once, when done.
// acquire returns (nil, nil) if id is unknown or was removed.
func (r *registry) acquire(id int64) (*connection, func()) {
	r.mapMu.RLock()
	e, ok := r.conns[id]
	r.mapMu.RUnlock()
	if !ok {
		return nil, nil
	}

	e.mu.Lock()

	// The entry may have been removed between the RLock above and
	// obtaining e.mu; re-check under the map lock before handing out the
	// connection.
	r.mapMu.RLock()
	_, stillPresent := r.conns[id]
	r.mapMu.RUnlock()
	if !stillPresent {
		e.mu.Unlock()
		return nil, nil
	}

	return e.conn, e.mu.Unlock
}

// remove deletes id from the map, waiting for any outstanding acquire to
// release before returning — physical removal is deferred exactly as long
// as an acquire is outstanding, without needing a separate refcount.
func (r *registry) remove(id int64) (*connection, bool) {
	r.mapMu.Lock()
	e, ok := r.conns[id]
	if !ok {
		r.mapMu.Unlock()
		return nil, false
	}
	delete(r.conns, id)
	r.mapMu.Unlock()

	e.mu.Lock()
	e.mu.Unlock() //nolint:staticcheck // intentional: wait for outstanding acquire, nothing to protect after

	return e.conn, true
}

// forEachID invokes fn(id) for every id present at the moment of the
// snapshot, with no per-entry lock held during the call — deletions during
// iteration are tolerated.
func (r *registry) forEachID(fn func(id int64)) {
	r.mapMu.RLock()
	ids := make([]int64, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mapMu.RUnlock()

	for _, id := range ids {
		fn(id)
	}
}

// size returns the number of live entries (resolution of
// getActivesNumber: a real map needs no "count non-null" workaround).
func (r *registry) size() int {
	r.mapMu.RLock()
	defer r.mapMu.RUnlock()
	return len(r.conns)
}

// lookupConn returns the connection pointer for id without acquiring its
// per-entry lock, for call sites that only need a stable reference (e.g.
// routing a UDP datagram to a peer's own self-synchronizing queue).
func (r *registry) lookupConn(id int64) *connection {
	r.mapMu.RLock()
	defer r.mapMu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return nil
	}
	return e.conn
}

// findUDPPseudoClient resolves the pseudo-client id for from under the
// server's roster lock, returning 0 if unknown.
func findUDPPseudoClient(server *connection, from netip.AddrPort) (int64, bool) {
	server.rosterMu.Lock()
	defer server.rosterMu.Unlock()
	id, ok := server.udpByAddr[from]
	return id, ok
}

// addUDPPseudoClient records a newly created pseudo-client's id/address in
// the server's roster.
func addUDPPseudoClient(server *connection, id int64, from netip.AddrPort) {
	server.rosterMu.Lock()
	defer server.rosterMu.Unlock()
	server.udpRoster[id] = from
	server.udpByAddr[from] = id
}

// removeUDPPseudoClient drops id/addr from the server's roster, returning
// the roster size afterward.
func removeUDPPseudoClient(server *connection, id int64, from netip.AddrPort) int {
	server.rosterMu.Lock()
	defer server.rosterMu.Unlock()
	delete(server.udpRoster, id)
	delete(server.udpByAddr, from)
	return len(server.udpRoster)
}

func addTCPRosterMember(server *connection, id int64) {
	server.rosterMu.Lock()
	defer server.rosterMu.Unlock()
	server.tcpRoster[id] = struct{}{}
}

func removeTCPRosterMember(server *connection, id int64) int {
	server.rosterMu.Lock()
	defer server.rosterMu.Unlock()
	delete(server.tcpRoster, id)
	return len(server.tcpRoster)
}
