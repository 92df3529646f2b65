package engine

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/asyncip/engine/internal/transport"
)

// kind is the closed set of role x transport variants the Design
// Notes call for in place of the source's function-pointer vtable.
type kind uint8

const (
	kindTCPServer kind = iota + 1
	kindTCPClient
	kindUDPServer
	kindUDPClient
	kindUDPMulticastServer
	kindUDPPseudoClient
)

func (k kind) isServer() bool {
	return k == kindTCPServer || k == kindUDPServer || k == kindUDPMulticastServer
}

// transportLabel/roleLabel are the Prometheus label values metrics.Collector
// keys ActiveConnections by.
func (k kind) transportLabel() string {
	switch k {
	case kindTCPServer, kindTCPClient:
		return "tcp"
	default:
		return "udp"
	}
}

func (k kind) roleLabel() string {
	if k.isServer() {
		return "server"
	}
	return "client"
}

// connection is C5: one live endpoint. All mutation happens only while the
// registry entry holding this connection is acquired — see registry.go.
type connection struct {
	id   int64
	kind kind
	fd   int

	addr          transport.Address
	remote        netip.AddrPort // set for a UDP client/pseudo-client and an accepted TCP client
	messageLength int

	inbound  *queue
	outbound *queue

	// server-only roster. TCP: accepted client connection ids. UDP: pseudo-
	// client ids mapped to their source address, plus the reverse index
	// used to decide "new peer or known peer".
	rosterMu  sync.Mutex
	tcpRoster map[int64]struct{}
	udpRoster map[int64]netip.AddrPort
	udpByAddr map[netip.AddrPort]int64

	// parentID links a TCP accepted client or a UDP pseudo-client back to
	// the server connection it was spawned from. Zero means no parent.
	parentID int64

	// closeReason is set by receive/send when they observe a condition
	// that must lead to removal (remote FIN, send failure). The pump that
	// observed it performs the actual registry removal; receive/send never
	// remove themselves directly.
	closeReason error

	logger  *slog.Logger
	metrics MetricsRecorder
}

func newConnection(id int64, k kind, fd int, addr transport.Address, logger *slog.Logger, metrics MetricsRecorder) *connection {
	c := &connection{
		id:            id,
		kind:          k,
		fd:            fd,
		addr:          addr,
		messageLength: MaxMessageLength,
		inbound:       newQueue(QueueCapacity),
		outbound:      newQueue(QueueCapacity),
		logger:        logger.With(slog.Int64("conn_id", id), slog.String("kind", k.String())),
		metrics:       metrics,
	}
	if k.isServer() {
		c.tcpRoster = make(map[int64]struct{})
		c.udpRoster = make(map[int64]netip.AddrPort)
		c.udpByAddr = make(map[netip.AddrPort]int64)
	}
	return c
}

func (k kind) String() string {
	switch k {
	case kindTCPServer:
		return "tcp-server"
	case kindTCPClient:
		return "tcp-client"
	case kindUDPServer:
		return "udp-server"
	case kindUDPClient:
		return "udp-client"
	case kindUDPMulticastServer:
		return "udp-multicast-server"
	case kindUDPPseudoClient:
		return "udp-pseudo-client"
	default:
		return "unknown"
	}
}

// wantsClose reports whether this connection should be removed by its pump.
func (c *connection) wantsClose() bool {
	return c.closeReason != nil
}

// closeSocket closes the underlying fd. Engine.closeConnection calls it on
// removal for every kind except a UDP pseudo-client, whose shared fd is
// closed only when its parent server connection is itself closed (which a
// pseudo-client close triggers once the parent's roster has emptied).
func (c *connection) closeSocket() error {
	if err := transport.CloseSocket(c.fd); err != nil {
		return fmt.Errorf("close connection %d: %w", c.id, err)
	}
	return nil
}

// clientsNumber returns the roster size for a server, or 1 for a client
// connection.
func (c *connection) clientsNumber() int {
	if !c.kind.isServer() {
		return 1
	}
	c.rosterMu.Lock()
	defer c.rosterMu.Unlock()
	if c.kind == kindTCPServer {
		return len(c.tcpRoster)
	}
	return len(c.udpRoster)
}

// ---------------------------------------------------------------------
// receive — C4 dispatch, invoked by the read pump once per ready tick.
// ---------------------------------------------------------------------

// receiveHooks lets connection.receive create child connections without
// reaching back into the registry itself: id allocation, pollset
// registration, and roster bookkeeping stay the registry's job.
type receiveHooks struct {
	// acceptTCP accepts one pending connection on a TCP listening socket
	// and registers it as a new tcp-client connection, adding it to the
	// server's roster.
	acceptTCP func(server *connection) (child *connection, err error)

	// routeUDPPeer resolves (creating if necessary) the pseudo-client
	// connection for a UDP datagram's source address, reusing the
	// server's shared socket. created reports whether this is a newly
	// seen peer, so the caller can enqueue a getClient notification.
	routeUDPPeer func(server *connection, from netip.AddrPort) (child *connection, created bool)
}

// receive drives one readiness event for c.
func (c *connection) receive(ready bool, hooks receiveHooks) {
	if !ready {
		return
	}

	switch c.kind {
	case kindTCPClient:
		c.receiveTCPClient()
	case kindTCPServer:
		c.receiveTCPServer(hooks)
	case kindUDPClient, kindUDPMulticastServer:
		c.receiveUDPClient()
	case kindUDPServer:
		c.receiveUDPServer(hooks)
	}
}

func (c *connection) receiveTCPClient() {
	if c.inbound.full() {
		c.recordQueueFull()
		return
	}
	buf := make([]byte, c.messageLength)
	n, err := transport.RecvTCP(c.fd, buf)
	if err != nil {
		c.logger.Warn("tcp recv failed", slog.String("error", err.Error()))
		return
	}
	if n == 0 {
		c.markClosed(ErrRemoteClosed)
		return
	}
	c.inbound.tryEnqueue(messageFrom(buf[:n], c.remote.String()))
	c.recordInbound(n)
}

// receiveTCPServer accepts at most one pending connection per tick, then
// enqueues its id as a getClient notification on the server's own inbound
// — the accepted connection's own payload traffic is read on its own
// subsequent receive ticks, not folded into this one.
func (c *connection) receiveTCPServer(hooks receiveHooks) {
	child, err := hooks.acceptTCP(c)
	if err != nil {
		c.logger.Warn("tcp accept failed", slog.String("error", err.Error()))
		return
	}
	if child == nil {
		return
	}
	if c.inbound.full() {
		c.recordQueueFull()
		return
	}
	c.inbound.tryEnqueue(Message{Remote: fmt.Sprintf("%d", child.id)})
}

func (c *connection) receiveUDPClient() {
	if c.inbound.full() {
		c.recordQueueFull()
		return
	}
	buf := make([]byte, c.messageLength)
	n, from, err := transport.RecvFromUDP(c.fd, buf)
	if err != nil {
		c.logger.Warn("udp recv failed", slog.String("error", err.Error()))
		return
	}
	if c.remote.IsValid() && from != c.remote {
		return // not from our bound remote: silently dropped
	}
	c.inbound.tryEnqueue(messageFrom(buf[:n], from.String()))
	c.recordInbound(n)
}

// receiveUDPServer reads one datagram and routes it to the pseudo-client
// connection for its source address (creating one on first sight), the
// same way an accepted TCP connection gets its own queue: the server's
// own inbound only ever carries "new peer" notifications, and the
// datagram payload itself lives on the peer's own queue (see DESIGN.md's
// open-question resolutions for the reasoning).
func (c *connection) receiveUDPServer(hooks receiveHooks) {
	buf := make([]byte, c.messageLength)
	n, from, err := transport.RecvFromUDP(c.fd, buf)
	if err != nil {
		c.logger.Warn("udp recv failed", slog.String("error", err.Error()))
		return
	}

	child, created := hooks.routeUDPPeer(c, from)
	if child == nil {
		return
	}
	if created && !c.inbound.full() {
		c.inbound.tryEnqueue(Message{Remote: fmt.Sprintf("%d", child.id)})
	}
	if child.inbound.full() {
		child.recordQueueFull()
		return
	}
	child.inbound.tryEnqueue(messageFrom(buf[:n], from.String()))
	child.recordInbound(n)
}

// markClosed records the reason a connection should be torn down; the
// pump/registry layer observes this via wantsClose and performs the actual
// removal (receive/send never remove themselves — removal is a registry
// responsibility).
func (c *connection) markClosed(reason error) {
	c.closeReason = reason
}

// recordQueueFull reports a dropped inbound enqueue, a no-op with no
// MetricsRecorder configured.
func (c *connection) recordQueueFull() {
	if c.metrics != nil {
		c.metrics.IncQueueFull()
	}
}

// recordInbound reports a successful inbound enqueue of n payload bytes.
func (c *connection) recordInbound(n int) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordMessage("in", n)
	c.metrics.SetQueueDepth("in", c.inbound.size())
}

// recordOutbound reports a successful send of n payload bytes.
func (c *connection) recordOutbound(n int) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordMessage("out", n)
	c.metrics.SetQueueDepth("out", c.outbound.size())
}

// ---------------------------------------------------------------------
// send — C4 dispatch, invoked by the write pump once per outbound message.
// ---------------------------------------------------------------------

func (c *connection) send(m Message) error {
	switch c.kind {
	case kindTCPClient:
		if err := transport.SendTCP(c.fd, m.Payload[:c.messageLength]); err != nil {
			wrapped := fmt.Errorf("%w: %w", err, ErrSend)
			c.markClosed(wrapped)
			return wrapped
		}
		c.recordOutbound(c.messageLength)
		return nil
	case kindUDPClient, kindUDPMulticastServer, kindUDPPseudoClient:
		if err := transport.SendToUDP(c.fd, m.Payload[:c.messageLength], c.remote); err != nil {
			wrapped := fmt.Errorf("%w: %w", err, ErrSend)
			c.markClosed(wrapped)
			return wrapped
		}
		c.recordOutbound(c.messageLength)
		return nil
	case kindTCPServer, kindUDPServer:
		// A server connection itself has nothing of its own to send; its
		// clients each have their own outbound queue drained independently
		// by the write pump (unicast fan-out).
		return nil
	default:
		return fmt.Errorf("send: unhandled kind %s: %w", c.kind, ErrSend)
	}
}

func messageFrom(payload []byte, remote string) Message {
	var m Message
	n := copy(m.Payload[:], payload)
	m.Length = n
	m.Remote = remote
	return m
}
