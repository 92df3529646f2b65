//go:build unix

package transport

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// TCPListenBacklog is the backlog passed to listen() for TCP servers.
const TCPListenBacklog = 20

// multicastTTL is the TTL (and, on IPv6, hop limit) applied to UDP server
// sockets bound to a multicast group.
const multicastTTL = 255

// socketFamily maps a resolved Address to the raw syscall address family.
func socketFamily(addr Address) int {
	if addr.Family == FamilyIPv6 {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

// sockaddr builds a unix.Sockaddr for addr/port in the given family.
func sockaddr(addr Address, family int) (unix.Sockaddr, error) {
	if family == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: int(addr.Port)}
		if !addr.Wildcard {
			ip := addr.Addr.As16()
			sa.Addr = ip
		}
		return sa, nil
	}
	sa := &unix.SockaddrInet4{Port: int(addr.Port)}
	if !addr.Wildcard {
		ip := addr.Addr.As4()
		sa.Addr = ip
	}
	return sa, nil
}

// newNonblockingSocket creates a non-blocking socket of the given family and
// type, with SO_REUSEADDR set and, for IPv6, IPV6_V6ONLY cleared — the
// options applied to every socket regardless of role.
func newNonblockingSocket(family, sockType int) (int, error) {
	fd, err := unix.Socket(family, sockType|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w: %w", err, ErrSocket)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w: %w", err, ErrSocket)
	}
	if family == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("setsockopt IPV6_V6ONLY: %w: %w", err, ErrSocket)
		}
	}
	return fd, nil
}

// BindTCPServerSocket creates, binds, and listens on a TCP server socket.
func BindTCPServerSocket(addr Address) (int, error) {
	family := socketFamily(addr)
	fd, err := newNonblockingSocket(family, unix.SOCK_STREAM)
	if err != nil {
		return -1, err
	}
	sa, err := sockaddr(addr, family)
	if err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("build sockaddr: %w: %w", err, ErrSocket)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w: %w", addr, err, ErrSocket)
	}
	if err := unix.Listen(fd, TCPListenBacklog); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("listen %s: %w: %w", addr, err, ErrSocket)
	}
	return fd, nil
}

// BindUDPServerSocket creates and binds a UDP server socket, joining a
// multicast group (and setting TTL=255 + default interface) when addr is
// multicast, or enabling SO_BROADCAST on a legacy IPv4 build.
func BindUDPServerSocket(addr Address) (int, error) {
	family := socketFamily(addr)
	fd, err := newNonblockingSocket(family, unix.SOCK_DGRAM)
	if err != nil {
		return -1, err
	}
	sa, err := sockaddr(addr, family)
	if err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("build sockaddr: %w: %w", err, ErrSocket)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w: %w", addr, err, ErrSocket)
	}

	switch {
	case addr.LegacyIPv4:
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("setsockopt SO_BROADCAST: %w: %w", err, ErrSocket)
		}
	case addr.Multicast:
		if err := setMulticastTTL(fd, family); err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
		if err := joinMulticastGroup(fd, addr, family); err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
	}

	return fd, nil
}

// ConnectTCPClientSocket creates a TCP client socket and connects it to
// remote. EINPROGRESS is expected (the socket is non-blocking) and is not
// an error here — the caller observes connect completion via the pollset.
func ConnectTCPClientSocket(addr Address) (int, error) {
	family := socketFamily(addr)
	fd, err := newNonblockingSocket(family, unix.SOCK_STREAM)
	if err != nil {
		return -1, err
	}
	sa, err := sockaddr(addr, family)
	if err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("build sockaddr: %w: %w", err, ErrSocket)
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w: %w", addr, err, ErrSocket)
	}
	return fd, nil
}

// ConnectUDPClientSocket creates a UDP client socket, binds an ephemeral
// local port, and — when remote is multicast — joins the group on the
// default interface (accepting from any interface).
func ConnectUDPClientSocket(addr Address) (int, error) {
	family := socketFamily(addr)
	fd, err := newNonblockingSocket(family, unix.SOCK_DGRAM)
	if err != nil {
		return -1, err
	}

	ephemeral := Address{Family: addr.Family, Wildcard: true, Port: 0}
	sa, err := sockaddr(ephemeral, family)
	if err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("build sockaddr: %w: %w", err, ErrSocket)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind ephemeral port: %w: %w", err, ErrSocket)
	}

	if addr.Multicast {
		if err := joinMulticastGroup(fd, addr, family); err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
	}

	return fd, nil
}

func setMulticastTTL(fd, family int) error {
	if family == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_HOPS, multicastTTL); err != nil {
			return fmt.Errorf("setsockopt IPV6_MULTICAST_HOPS: %w: %w", err, ErrSocket)
		}
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_IF, 0); err != nil {
			return fmt.Errorf("setsockopt IPV6_MULTICAST_IF: %w: %w", err, ErrSocket)
		}
		return nil
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, multicastTTL); err != nil {
		return fmt.Errorf("setsockopt IP_MULTICAST_TTL: %w: %w", err, ErrSocket)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_MULTICAST_IF, 0); err != nil {
		return fmt.Errorf("setsockopt IP_MULTICAST_IF: %w: %w", err, ErrSocket)
	}
	return nil
}

// joinMulticastGroup joins fd to addr's group on the default interface,
// i.e. "any interface" for receive, matching the source's INADDR_ANY-based
// IP_ADD_MEMBERSHIP/IPV6_ADD_MEMBERSHIP join.
func joinMulticastGroup(fd int, addr Address, family int) error {
	ip := addr.Addr.AsSlice()
	if family == unix.AF_INET6 {
		mreq := &unix.IPv6Mreq{}
		copy(mreq.Multiaddr[:], ip)
		if err := unix.SetsockoptIPv6Mreq(fd, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq); err != nil {
			return fmt.Errorf("join ipv6 multicast group: %w: %w", err, ErrSocket)
		}
		return nil
	}
	mreq := &unix.IPMreq{}
	copy(mreq.Multiaddr[:], ip)
	if err := unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
		return fmt.Errorf("join ipv4 multicast group: %w: %w", err, ErrSocket)
	}
	return nil
}

// AcceptTCPClient accepts one connection on a listening socket, returning
// the new non-blocking client fd and its peer address. Call only after the
// pollset reports the listening socket readable.
func AcceptTCPClient(listenFd int) (int, netip.AddrPort, error) {
	fd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK)
	if err != nil {
		return -1, netip.AddrPort{}, fmt.Errorf("accept: %w", err)
	}
	return fd, sockaddrToAddrPort(sa), nil
}

// RecvTCP reads up to len(buf) bytes from fd. Returns (0, nil) to signal a
// zero-byte read (remote FIN); callers translate that into ErrRemoteClosed.
func RecvTCP(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	return n, nil
}

// SendTCP writes exactly len(buf) bytes to fd; a short write is reported
// as an error.
func SendTCP(fd int, buf []byte) error {
	n, err := unix.Write(fd, buf)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("write: short write of %d of %d bytes", n, len(buf))
	}
	return nil
}

// RecvFromUDP reads one datagram from fd, returning the sender's address.
func RecvFromUDP(fd int, buf []byte) (int, netip.AddrPort, error) {
	n, sa, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return 0, netip.AddrPort{}, fmt.Errorf("recvfrom: %w", err)
	}
	return n, sockaddrToAddrPort(sa), nil
}

// SendToUDP sends one datagram to dst on fd.
func SendToUDP(fd int, buf []byte, dst netip.AddrPort) error {
	sa, err := addrPortToSockaddr(dst)
	if err != nil {
		return fmt.Errorf("build sockaddr: %w", err)
	}
	if err := unix.Sendto(fd, buf, 0, sa); err != nil {
		return fmt.Errorf("sendto %s: %w", dst, err)
	}
	return nil
}

// CloseSocket closes fd.
func CloseSocket(fd int) error {
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(s.Addr), uint16(s.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(s.Addr), uint16(s.Port))
	default:
		return netip.AddrPort{}
	}
}

func addrPortToSockaddr(ap netip.AddrPort) (unix.Sockaddr, error) {
	addr := ap.Addr()
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, nil
	}
	if addr.Is4In6() {
		v4 := addr.As4()
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: v4}, nil
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}, nil
}
