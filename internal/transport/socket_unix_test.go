package transport_test

import (
	"net/netip"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/asyncip/engine/internal/transport"
)

// loopbackAddr builds an Address for 127.0.0.1:port bypassing Resolve's
// MinPort enforcement, letting tests use port 0 ("pick an ephemeral port").
func loopbackAddr(t *testing.T, port uint16) transport.Address {
	t.Helper()
	return transport.Address{
		Family: transport.FamilyIPv4,
		Addr:   netip.MustParseAddr("127.0.0.1"),
		Port:   port,
	}
}

// boundPort returns the ephemeral port the kernel assigned to fd.
func boundPort(t *testing.T, fd int) uint16 {
	t.Helper()
	sa, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return uint16(s.Port)
	case *unix.SockaddrInet6:
		return uint16(s.Port)
	default:
		t.Fatalf("unexpected sockaddr type %T", sa)
		return 0
	}
}

func waitReadable(t *testing.T, fd int) {
	t.Helper()
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := unix.Poll(pfd, 50)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if n > 0 && pfd[0].Revents&unix.POLLIN != 0 {
			return
		}
	}
	t.Fatal("fd never became readable")
}

func TestTCPBindConnectAcceptSendRecv(t *testing.T) {
	t.Parallel()

	listenFd, err := transport.BindTCPServerSocket(loopbackAddr(t, 0))
	if err != nil {
		t.Fatalf("BindTCPServerSocket: %v", err)
	}
	defer transport.CloseSocket(listenFd)
	port := boundPort(t, listenFd)

	clientFd, err := transport.ConnectTCPClientSocket(loopbackAddr(t, port))
	if err != nil {
		t.Fatalf("ConnectTCPClientSocket: %v", err)
	}
	defer transport.CloseSocket(clientFd)

	waitReadable(t, listenFd)
	serverFd, peer, err := transport.AcceptTCPClient(listenFd)
	if err != nil {
		t.Fatalf("AcceptTCPClient: %v", err)
	}
	defer transport.CloseSocket(serverFd)

	if !peer.IsValid() || peer.Addr().String() != "127.0.0.1" {
		t.Errorf("accepted peer = %v, want a valid 127.0.0.1 address", peer)
	}

	if err := transport.SendTCP(serverFd, []byte("payload")); err != nil {
		t.Fatalf("SendTCP: %v", err)
	}
	waitReadable(t, clientFd)

	buf := make([]byte, 16)
	n, err := transport.RecvTCP(clientFd, buf)
	if err != nil {
		t.Fatalf("RecvTCP: %v", err)
	}
	if string(buf[:n]) != "payload" {
		t.Errorf("RecvTCP = %q, want %q", string(buf[:n]), "payload")
	}
}

func TestTCPRecvZeroOnRemoteClose(t *testing.T) {
	t.Parallel()

	listenFd, err := transport.BindTCPServerSocket(loopbackAddr(t, 0))
	if err != nil {
		t.Fatalf("BindTCPServerSocket: %v", err)
	}
	defer transport.CloseSocket(listenFd)
	port := boundPort(t, listenFd)

	clientFd, err := transport.ConnectTCPClientSocket(loopbackAddr(t, port))
	if err != nil {
		t.Fatalf("ConnectTCPClientSocket: %v", err)
	}
	defer transport.CloseSocket(clientFd)

	waitReadable(t, listenFd)
	serverFd, _, err := transport.AcceptTCPClient(listenFd)
	if err != nil {
		t.Fatalf("AcceptTCPClient: %v", err)
	}
	transport.CloseSocket(serverFd)

	waitReadable(t, clientFd)
	buf := make([]byte, 16)
	n, err := transport.RecvTCP(clientFd, buf)
	if err != nil {
		t.Fatalf("RecvTCP: %v", err)
	}
	if n != 0 {
		t.Errorf("RecvTCP after remote close = %d, want 0", n)
	}
}

func TestUDPBindConnectSendRecv(t *testing.T) {
	t.Parallel()

	serverFd, err := transport.BindUDPServerSocket(loopbackAddr(t, 0))
	if err != nil {
		t.Fatalf("BindUDPServerSocket: %v", err)
	}
	defer transport.CloseSocket(serverFd)
	port := boundPort(t, serverFd)

	clientFd, err := transport.ConnectUDPClientSocket(loopbackAddr(t, port))
	if err != nil {
		t.Fatalf("ConnectUDPClientSocket: %v", err)
	}
	defer transport.CloseSocket(clientFd)

	dst := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
	if err := transport.SendToUDP(clientFd, []byte("dgram"), dst); err != nil {
		t.Fatalf("SendToUDP: %v", err)
	}

	waitReadable(t, serverFd)
	buf := make([]byte, 16)
	n, from, err := transport.RecvFromUDP(serverFd, buf)
	if err != nil {
		t.Fatalf("RecvFromUDP: %v", err)
	}
	if string(buf[:n]) != "dgram" {
		t.Errorf("RecvFromUDP = %q, want %q", string(buf[:n]), "dgram")
	}
	if !from.IsValid() || from.Addr().String() != "127.0.0.1" {
		t.Errorf("from = %v, want a valid 127.0.0.1 address", from)
	}
}

func TestCloseSocketTwiceReturnsError(t *testing.T) {
	t.Parallel()

	fd, err := transport.BindUDPServerSocket(loopbackAddr(t, 0))
	if err != nil {
		t.Fatalf("BindUDPServerSocket: %v", err)
	}
	if err := transport.CloseSocket(fd); err != nil {
		t.Fatalf("first CloseSocket: %v", err)
	}
	if err := transport.CloseSocket(fd); err == nil {
		t.Error("closing an already-closed fd should return an error (EBADF)")
	}
}
