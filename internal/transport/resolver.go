package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// Family is the resolved address family.
type Family uint8

const (
	// FamilyIPv4 is a plain IPv4 address.
	FamilyIPv4 Family = iota + 1
	// FamilyIPv6 is a dual-stack-capable IPv6 address (also serves IPv4
	// clients unless legacy mode is selected).
	FamilyIPv6
)

// Address is the resolved record produced by Resolve: family, address bytes,
// and port, plus the multicast/broadcast classification needed by the
// socket factory to decide which options to apply.
type Address struct {
	Family     Family
	Addr       netip.Addr // zero value means "wildcard" (host was nil, role=server)
	Port       uint16
	Multicast  bool
	Broadcast  bool
	Wildcard   bool
	LegacyIPv4 bool // restrict address resolution to IPv4 on a legacy build
}

// Resolve parses host/port into an Address record.
//
// host == "" with server == true resolves to the IPv6 wildcard bind, which
// also serves IPv4 clients (the caller clears IPV6_V6ONLY). host == "" with
// server == false is invalid — clients must name a remote.
//
// port must be >= MinPort or ErrPortReserved is returned.
func Resolve(host string, port uint16, server bool, legacy bool) (Address, error) {
	if port < MinPort {
		return Address{}, fmt.Errorf("resolve port %d: %w", port, ErrPortReserved)
	}

	if host == "" {
		if !server {
			return Address{}, fmt.Errorf("resolve empty host for client: %w", ErrAddressInvalid)
		}
		fam := FamilyIPv6
		if legacy {
			fam = FamilyIPv4
		}
		return Address{
			Family:     fam,
			Port:       port,
			Wildcard:   true,
			LegacyIPv4: legacy,
		}, nil
	}

	if host == "255.255.255.255" {
		return Address{
			Family:     FamilyIPv4,
			Addr:       netip.MustParseAddr("255.255.255.255"),
			Port:       port,
			Broadcast:  true,
			LegacyIPv4: legacy,
		}, nil
	}

	addr, err := lookupAddr(host, legacy)
	if err != nil {
		return Address{}, fmt.Errorf("resolve host %q: %w: %w", host, err, ErrAddressInvalid)
	}

	fam := FamilyIPv6
	if addr.Is4() || addr.Is4In6() {
		fam = FamilyIPv4
	}
	if legacy && fam != FamilyIPv4 {
		return Address{}, fmt.Errorf("resolve host %q in legacy (IPv4-only) mode: %w", host, ErrAddressInvalid)
	}

	return Address{
		Family:     fam,
		Addr:       addr,
		Port:       port,
		Multicast:  addr.IsMulticast(),
		LegacyIPv4: legacy,
	}, nil
}

// lookupAddr parses a literal IP, falling back to DNS resolution for names.
// Legacy mode restricts resolution to IPv4 results only.
func lookupAddr(host string, legacy bool) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}

	network := "ip"
	if legacy {
		network = "ip4"
	}
	ips, err := net.DefaultResolver.LookupNetIP(context.Background(), network, host)
	if err != nil || len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("lookup %q: %w", host, ErrAddressInvalid)
	}
	return ips[0], nil
}

// String renders the Address the way the public API's getAddress reports it:
// "<host>/<port>".
func (a Address) String() string {
	if a.Wildcard {
		return fmt.Sprintf("*/%d", a.Port)
	}
	return fmt.Sprintf("%s/%d", a.Addr.String(), a.Port)
}
