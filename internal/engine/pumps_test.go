package engine

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/asyncip/engine/internal/transport"
)

// fakePollset is a minimal transport.Pollset double letting pump tests
// control readiness and Wait latency without real sockets.
type fakePollset struct {
	mu        sync.Mutex
	readable  map[int]bool
	waitDelay time.Duration
}

func newFakePollset() *fakePollset {
	return &fakePollset{readable: make(map[int]bool)}
}

func (p *fakePollset) Add(fd int)    {}
func (p *fakePollset) Remove(fd int) {}

func (p *fakePollset) Wait(timeoutMs int) (int, error) {
	if p.waitDelay > 0 {
		time.Sleep(p.waitDelay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ready := range p.readable {
		if ready {
			n++
		}
	}
	return n, nil
}

func (p *fakePollset) IsReadable(fd int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readable[fd]
}

func (p *fakePollset) setReadable(fd int, ready bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readable[fd] = ready
}

// fakeMetrics is a minimal MetricsRecorder double that counts
// IncPumpJoinTimeout calls for pump lifecycle tests.
type fakeMetrics struct {
	mu               sync.Mutex
	pumpJoinTimeouts int
}

func (m *fakeMetrics) RegisterConnection(transport, role string)   {}
func (m *fakeMetrics) UnregisterConnection(transport, role string) {}
func (m *fakeMetrics) SetQueueDepth(direction string, depth int)   {}
func (m *fakeMetrics) RecordMessage(direction string, length int)  {}
func (m *fakeMetrics) IncQueueFull()                               {}
func (m *fakeMetrics) RecordConnectionError(kind string)           {}

func (m *fakeMetrics) IncPumpJoinTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pumpJoinTimeouts++
}

func (m *fakeMetrics) pumpJoinTimeoutCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pumpJoinTimeouts
}

func newTestPumps(reg *registry, pollset transport.Pollset) *pumps {
	return newPumps(reg, pollset, receiveHooks{}, testLogger(), nil, 50*time.Millisecond, 10*time.Millisecond, 200*time.Millisecond)
}

func TestPumpsReceiveOneSkipsUDPPseudoClient(t *testing.T) {
	reg := newRegistry(testLogger())
	pseudo := newConnection(0, kindUDPPseudoClient, 42, transport.Address{}, testLogger(), nil)
	id := reg.insert(pseudo)

	pollset := newFakePollset()
	pollset.setReadable(42, true)
	p := newTestPumps(reg, pollset)

	p.receiveOne(id)

	if _, ok := pseudo.inbound.tryDequeue(); ok {
		t.Error("a UDP pseudo-client must never be driven directly by the read pump")
	}
}

func TestPumpsReceiveOneSkipsWhenInboundFull(t *testing.T) {
	listenFd, clientFd, serverSideFd := loopbackTCPPair(t)
	defer unix.Close(listenFd)
	defer unix.Close(clientFd)
	defer unix.Close(serverSideFd)

	c := newConnection(0, kindTCPClient, clientFd, transport.Address{}, testLogger(), nil)
	for range QueueCapacity {
		c.inbound.tryEnqueue(Message{})
	}
	reg := newRegistry(testLogger())
	id := reg.insert(c)

	if err := transport.SendTCP(serverSideFd, []byte("x")); err != nil {
		t.Fatalf("SendTCP: %v", err)
	}
	waitReadable(t, clientFd)

	pollset := newFakePollset()
	pollset.setReadable(clientFd, true)
	p := newTestPumps(reg, pollset)
	p.receiveOne(id)

	if n := c.inbound.size(); n != QueueCapacity {
		t.Errorf("inbound size = %d, want unchanged %d (full queue should be left untouched)", n, QueueCapacity)
	}
}

func TestPumpsReceiveOneInvokesCloseOnRemoteFIN(t *testing.T) {
	listenFd, clientFd, serverSideFd := loopbackTCPPair(t)
	defer unix.Close(listenFd)
	defer unix.Close(clientFd)
	unix.Close(serverSideFd)

	c := newConnection(0, kindTCPClient, clientFd, transport.Address{}, testLogger(), nil)
	reg := newRegistry(testLogger())
	id := reg.insert(c)

	waitReadable(t, clientFd)
	pollset := newFakePollset()
	pollset.setReadable(clientFd, true)

	var closedID int64 = -1
	p := newTestPumps(reg, pollset)
	p.close = func(id int64) { closedID = id }
	p.receiveOne(id)

	if closedID != id {
		t.Errorf("close callback invoked with id %d, want %d", closedID, id)
	}
}

func TestPumpsSendOneDequeuesSingleMessage(t *testing.T) {
	listenFd, clientFd, serverSideFd := loopbackTCPPair(t)
	defer unix.Close(listenFd)
	defer unix.Close(clientFd)
	defer unix.Close(serverSideFd)

	c := newConnection(0, kindTCPClient, clientFd, transport.Address{}, testLogger(), nil)
	c.messageLength = 1
	c.outbound.tryEnqueue(messageFrom([]byte("a"), ""))
	c.outbound.tryEnqueue(messageFrom([]byte("b"), ""))

	reg := newRegistry(testLogger())
	id := reg.insert(c)

	p := newTestPumps(reg, newFakePollset())
	p.sendOne(id)

	if n := c.outbound.size(); n != 1 {
		t.Errorf("outbound size after one sendOne = %d, want 1 (drains exactly one message per tick)", n)
	}
}

func TestPumpsSendOneInvokesCloseOnSendFailure(t *testing.T) {
	listenFd, clientFd, serverSideFd := loopbackTCPPair(t)
	defer unix.Close(listenFd)
	defer unix.Close(serverSideFd)
	unix.Close(clientFd) // fd is now invalid; writing to it must fail

	c := newConnection(0, kindTCPClient, clientFd, transport.Address{}, testLogger(), nil)
	c.messageLength = 1
	c.outbound.tryEnqueue(messageFrom([]byte("a"), ""))

	reg := newRegistry(testLogger())
	id := reg.insert(c)

	var closedID int64 = -1
	p := newTestPumps(reg, newFakePollset())
	p.close = func(id int64) { closedID = id }
	p.sendOne(id)

	if closedID != id {
		t.Errorf("close callback invoked with id %d, want %d", closedID, id)
	}
}

func TestPumpsStopDoesNotBlockCaller(t *testing.T) {
	reg := newRegistry(testLogger())
	pollset := newFakePollset()
	pollset.waitDelay = 300 * time.Millisecond // longer than pumpJoinTimeout below

	fm := &fakeMetrics{}
	p := newPumps(reg, pollset, receiveHooks{}, testLogger(), fm, 10*time.Millisecond, 10*time.Millisecond, 20*time.Millisecond)
	p.start()

	start := time.Now()
	p.stop()
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("stop() blocked the caller for %s, want near-immediate return", elapsed)
	}

	if !pollUntil(500*time.Millisecond, func() bool { return fm.pumpJoinTimeoutCount() == 1 }) {
		t.Errorf("IncPumpJoinTimeout count = %d, want 1", fm.pumpJoinTimeoutCount())
	}
}

// loopbackTCPPair sets up a connected TCP loopback pair and returns the
// listening fd, the client fd, and the server-accepted fd.
func loopbackTCPPair(t *testing.T) (listenFd, clientFd, serverSideFd int) {
	t.Helper()

	listenFd, err := transport.BindTCPServerSocket(loopbackAddr(0))
	if err != nil {
		t.Fatalf("BindTCPServerSocket: %v", err)
	}
	port := boundPort(t, listenFd)

	clientFd, err = transport.ConnectTCPClientSocket(loopbackAddr(port))
	if err != nil {
		t.Fatalf("ConnectTCPClientSocket: %v", err)
	}

	waitReadable(t, listenFd)
	serverSideFd, _, err = transport.AcceptTCPClient(listenFd)
	if err != nil {
		t.Fatalf("AcceptTCPClient: %v", err)
	}
	return listenFd, clientFd, serverSideFd
}
