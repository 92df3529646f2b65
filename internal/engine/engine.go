// Package engine ties internal/transport's address resolution, socket
// factory, and pollset together with the connection/registry/pump types
// defined in this package into the caller-owned Engine object: the public
// API surface for opening, closing, reading from, and writing to
// connections.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/asyncip/engine/internal/transport"
)

// OpenType selects the transport x role combination for Open. Multicast is
// not a distinct OpenType: a UDPServer whose resolved address is multicast
// is automatically treated as kindUDPMulticastServer.
type OpenType uint8

const (
	TCPServer OpenType = iota
	TCPClient
	UDPServer
	UDPClient
)

// Engine is the caller-owned object encapsulating the registry, the
// pollset, and the two background pumps. Open lazily starts the pumps when
// they are not running, and Close stops them once the registry empties, so
// callers never need to start or stop them explicitly.
type Engine struct {
	reg     *registry
	pollset transport.Pollset
	logger  *slog.Logger
	legacy  bool

	pollTimeout     time.Duration
	writeTick       time.Duration
	pumpJoinTimeout time.Duration

	metrics MetricsRecorder

	startMu sync.Mutex
	pumps   *pumps
}

// MetricsRecorder receives connection-lifecycle and traffic events as the
// engine opens, serves, and closes connections. internal/metrics.Collector
// satisfies this structurally; a caller that doesn't pass WithMetrics gets
// no recording at all.
type MetricsRecorder interface {
	RegisterConnection(transport, role string)
	UnregisterConnection(transport, role string)
	SetQueueDepth(direction string, depth int)
	RecordMessage(direction string, length int)
	IncQueueFull()
	RecordConnectionError(kind string)
	IncPumpJoinTimeout()
}

// Option customizes an Engine at construction time.
type Option func(*Engine)

// WithMetrics attaches a MetricsRecorder. Every Open/Close and every
// message moved through a connection's queues is reported to it.
func WithMetrics(m MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPollTimeout overrides the read pump's pollset.Wait bound.
func WithPollTimeout(d time.Duration) Option {
	return func(e *Engine) { e.pollTimeout = d }
}

// WithWriteTick overrides the write pump's idle pacing interval.
func WithWriteTick(d time.Duration) Option {
	return func(e *Engine) { e.writeTick = d }
}

// WithPumpJoinTimeout overrides how long the pumps are given to exit once
// the registry empties before they are logged as timed out and abandoned.
// Close itself does not wait for them.
func WithPumpJoinTimeout(d time.Duration) Option {
	return func(e *Engine) { e.pumpJoinTimeout = d }
}

// New constructs an Engine. legacy restricts address resolution to IPv4
// (which also enables SO_BROADCAST on UDP server sockets). It does not pick
// the pollset backend: that is chosen at compile time by the "legacy" build
// tag and cannot be swapped at runtime.
func New(logger *slog.Logger, legacy bool, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		reg:             newRegistry(logger),
		pollset:         transport.NewPollset(),
		logger:          logger,
		legacy:          legacy,
		pollTimeout:     PollTimeout,
		writeTick:       WriteTick,
		pumpJoinTimeout: PumpJoinTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) ensurePumpsStarted() {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.pumps != nil {
		return
	}
	e.pumps = newPumps(e.reg, e.pollset, e.hooks(), e.logger, e.metrics, e.pollTimeout, e.writeTick, e.pumpJoinTimeout).
		withClose(e.Close)
	e.pumps.start()
}

// maybeStopPumps stops and joins the pumps once the registry has emptied,
// returning the engine to a pristine state.
func (e *Engine) maybeStopPumps() {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.pumps == nil || e.reg.size() > 0 {
		return
	}
	e.pumps.stop()
	e.pumps = nil
}

func (e *Engine) hooks() receiveHooks {
	return receiveHooks{
		acceptTCP:    e.acceptTCP,
		routeUDPPeer: e.routeUDPPeer,
	}
}

// Open resolves host/port, creates and registers the socket, and lazily
// starts the pumps. It returns InvalidID and a diagnostic error on any
// resolution or socket failure, closing any partially-constructed socket
// first.
func (e *Engine) Open(typ OpenType, host string, port uint16) (int64, error) {
	server := typ == TCPServer || typ == UDPServer
	addr, err := transport.Resolve(host, port, server, e.legacy)
	if err != nil {
		return InvalidID, err
	}

	var (
		fd int
		k  kind
	)
	switch typ {
	case TCPServer:
		fd, err = transport.BindTCPServerSocket(addr)
		k = kindTCPServer
	case TCPClient:
		fd, err = transport.ConnectTCPClientSocket(addr)
		k = kindTCPClient
	case UDPServer:
		fd, err = transport.BindUDPServerSocket(addr)
		k = kindUDPServer
		if addr.Multicast {
			k = kindUDPMulticastServer
		}
	case UDPClient:
		fd, err = transport.ConnectUDPClientSocket(addr)
		k = kindUDPClient
	default:
		return InvalidID, fmt.Errorf("open: unknown type %d", typ)
	}
	if err != nil {
		return InvalidID, err
	}

	c := newConnection(0, k, fd, addr, e.logger, e.metrics)
	if typ == TCPClient || typ == UDPClient {
		c.remote = addr.Addr.WithPort(addr.Port)
	}
	id := e.reg.insert(c)
	e.pollset.Add(fd)
	e.recordOpen(c)

	e.ensurePumpsStarted()
	return id, nil
}

// Close removes id, idempotent against an already-closed or unknown id.
func (e *Engine) Close(id int64) {
	c, ok := e.reg.remove(id)
	if !ok {
		return
	}
	e.closeConnection(c)
	e.maybeStopPumps()
}

// closeConnection implements the per-kind close behavior: TCP always
// closes its own socket; a UDP pseudo-client shares its parent's socket
// and only triggers the parent's own close once the parent's roster has
// emptied.
func (e *Engine) closeConnection(c *connection) {
	e.recordClose(c)

	switch c.kind {
	case kindUDPPseudoClient:
		// Shares the parent server's fd: never registered in the pollset
		// on its own, so nothing to remove here.
		parent := e.reg.lookupConn(c.parentID)
		if parent == nil {
			return
		}
		remaining := removeUDPPseudoClient(parent, c.id, c.remote)
		if remaining == 0 {
			e.Close(parent.id)
		}
	case kindTCPClient:
		e.pollset.Remove(c.fd)
		if c.parentID != 0 {
			if parent := e.reg.lookupConn(c.parentID); parent != nil {
				removeTCPRosterMember(parent, c.id)
			}
		}
		_ = c.closeSocket()
	default:
		e.pollset.Remove(c.fd)
		_ = c.closeSocket()
	}
}

// recordOpen reports a newly registered connection to the metrics
// recorder, a no-op if none is configured.
func (e *Engine) recordOpen(c *connection) {
	if e.metrics == nil {
		return
	}
	e.metrics.RegisterConnection(c.kind.transportLabel(), c.kind.roleLabel())
}

// recordClose reports a connection's removal, including the triggering
// error kind when removal was pump-initiated rather than caller-initiated.
func (e *Engine) recordClose(c *connection) {
	if e.metrics == nil {
		return
	}
	e.metrics.UnregisterConnection(c.kind.transportLabel(), c.kind.roleLabel())
	if c.closeReason != nil {
		e.metrics.RecordConnectionError(closeReasonKind(c.closeReason))
	}
}

// closeReasonKind maps a connection's closeReason to the label
// ConnectionErrorsTotal is keyed by.
func closeReasonKind(err error) string {
	switch {
	case errors.Is(err, ErrRemoteClosed):
		return "remote-closed"
	case errors.Is(err, ErrSend):
		return "send"
	default:
		return "receive"
	}
}

// GetAddress returns "<host>/<port>" for id's remote (client) or bound
// local address (server), or "" if id is unknown.
func (e *Engine) GetAddress(id int64) string {
	c, release := e.reg.acquire(id)
	if c == nil {
		return ""
	}
	defer release()

	if !c.kind.isServer() && c.remote.IsValid() {
		return c.remote.Addr().String() + "/" + strconv.Itoa(int(c.remote.Port()))
	}
	return c.addr.String()
}

// IsServer reports whether id was opened with a server OpenType.
func (e *Engine) IsServer(id int64) bool {
	c, release := e.reg.acquire(id)
	if c == nil {
		return false
	}
	defer release()
	return c.kind.isServer()
}

// GetClientsNumber returns the roster size for a server id, 1 for a client
// id, or 0 for an unknown id.
func (e *Engine) GetClientsNumber(id int64) int {
	c, release := e.reg.acquire(id)
	if c == nil {
		return 0
	}
	defer release()
	return c.clientsNumber()
}

// GetActivesNumber returns the total number of live connections, including
// server connections and every accepted client / UDP pseudo-client.
func (e *Engine) GetActivesNumber() int {
	return e.reg.size()
}

// SetMessageLength clamps n to [1, MaxMessageLength] and applies it to id,
// returning the effective length (0 if id is unknown).
func (e *Engine) SetMessageLength(id int64, n int) int {
	if n > MaxMessageLength {
		n = MaxMessageLength
	}
	if n < 1 {
		n = 1
	}
	c, release := e.reg.acquire(id)
	if c == nil {
		return 0
	}
	defer release()
	c.messageLength = n
	return n
}

// Read dequeues one inbound message for a client-role connection
// (including a UDP pseudo-client), non-blockingly. It returns nil if none
// is pending or id is unknown/a server.
func (e *Engine) Read(id int64) []byte {
	c, release := e.reg.acquire(id)
	if c == nil {
		return nil
	}
	defer release()
	if c.kind.isServer() {
		return nil
	}
	m, ok := c.inbound.tryDequeue()
	if !ok {
		return nil
	}
	return m.Payload[:c.messageLength]
}

// Write enqueues payload on id's outbound queue, non-blockingly. A full
// queue is logged (ErrQueueFull) but Write still reports success — the
// documented drop policy.
func (e *Engine) Write(id int64, payload []byte) bool {
	c, release := e.reg.acquire(id)
	if c == nil {
		return false
	}
	defer release()

	m := messageFrom(payload, "")
	if !c.outbound.tryEnqueue(m) {
		c.logger.Warn("outbound queue full, message dropped", slog.String("error", ErrQueueFull.Error()))
		if e.metrics != nil {
			e.metrics.IncQueueFull()
		}
		return true
	}
	if e.metrics != nil {
		e.metrics.SetQueueDepth("out", c.outbound.size())
	}
	return true
}

// GetClient dequeues one accepted-client notification from a server's
// inbound queue, returning InvalidID if none is pending.
func (e *Engine) GetClient(serverID int64) int64 {
	c, release := e.reg.acquire(serverID)
	if c == nil || !c.kind.isServer() {
		return InvalidID
	}
	defer release()
	m, ok := c.inbound.tryDequeue()
	if !ok {
		return InvalidID
	}
	childID, err := strconv.ParseInt(m.Remote, 10, 64)
	if err != nil {
		return InvalidID
	}
	return childID
}

// acceptTCP implements receiveHooks.acceptTCP: accept one pending TCP
// connection, register it as a new tcp-client connection, arm it in the
// pollset, and add it to the server's roster.
func (e *Engine) acceptTCP(server *connection) (*connection, error) {
	fd, peer, err := transport.AcceptTCPClient(server.fd)
	if err != nil {
		return nil, err
	}
	child := newConnection(0, kindTCPClient, fd, server.addr, e.logger, e.metrics)
	child.remote = peer
	child.parentID = server.id
	id := e.reg.insert(child)
	e.pollset.Add(fd)
	addTCPRosterMember(server, id)
	e.recordOpen(child)
	return child, nil
}

// routeUDPPeer implements receiveHooks.routeUDPPeer: resolve or create the
// pseudo-client connection sharing the server's socket for peer address
// from, mirroring a TCP accept without a distinct fd.
func (e *Engine) routeUDPPeer(server *connection, from netip.AddrPort) (*connection, bool) {
	if id, ok := findUDPPseudoClient(server, from); ok {
		return e.reg.lookupConn(id), false
	}

	child := newConnection(0, kindUDPPseudoClient, server.fd, server.addr, e.logger, e.metrics)
	child.remote = from
	child.parentID = server.id
	id := e.reg.insert(child)
	addUDPPseudoClient(server, id, from)
	e.recordOpen(child)
	return child, true
}
