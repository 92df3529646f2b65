package transport_test

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/asyncip/engine/internal/transport"
)

func TestResolveRejectsReservedPort(t *testing.T) {
	t.Parallel()

	_, err := transport.Resolve("127.0.0.1", 80, false, false)
	if !errors.Is(err, transport.ErrPortReserved) {
		t.Errorf("err = %v, want ErrPortReserved", err)
	}
}

func TestResolveEmptyHostServerWildcard(t *testing.T) {
	t.Parallel()

	addr, err := transport.Resolve("", 49200, true, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !addr.Wildcard {
		t.Error("expected Wildcard = true for empty host + server")
	}
	if addr.Family != transport.FamilyIPv6 {
		t.Errorf("Family = %v, want IPv6 (dual-stack wildcard)", addr.Family)
	}
}

func TestResolveEmptyHostClientIsInvalid(t *testing.T) {
	t.Parallel()

	_, err := transport.Resolve("", 49200, false, false)
	if !errors.Is(err, transport.ErrAddressInvalid) {
		t.Errorf("err = %v, want ErrAddressInvalid", err)
	}
}

func TestResolveLegacyWildcardIsIPv4(t *testing.T) {
	t.Parallel()

	addr, err := transport.Resolve("", 49200, true, true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if addr.Family != transport.FamilyIPv4 {
		t.Errorf("Family = %v, want IPv4 in legacy mode", addr.Family)
	}
	if !addr.LegacyIPv4 {
		t.Error("LegacyIPv4 should be set")
	}
}

func TestResolveBroadcastLiteral(t *testing.T) {
	t.Parallel()

	addr, err := transport.Resolve("255.255.255.255", 49200, false, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !addr.Broadcast {
		t.Error("expected Broadcast = true for 255.255.255.255")
	}
	if addr.Family != transport.FamilyIPv4 {
		t.Errorf("Family = %v, want IPv4", addr.Family)
	}
}

func TestResolveMulticastLiteral(t *testing.T) {
	t.Parallel()

	addr, err := transport.Resolve("239.1.2.3", 49200, true, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !addr.Multicast {
		t.Error("expected Multicast = true for a 239.x.x.x literal")
	}
}

func TestResolveLiteralIPv4(t *testing.T) {
	t.Parallel()

	addr, err := transport.Resolve("10.0.0.5", 49300, false, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if addr.Family != transport.FamilyIPv4 {
		t.Errorf("Family = %v, want IPv4", addr.Family)
	}
	if addr.Addr != netip.MustParseAddr("10.0.0.5") {
		t.Errorf("Addr = %v, want 10.0.0.5", addr.Addr)
	}
}

func TestResolveLiteralIPv6RejectedInLegacyMode(t *testing.T) {
	t.Parallel()

	_, err := transport.Resolve("::1", 49300, false, true)
	if !errors.Is(err, transport.ErrAddressInvalid) {
		t.Errorf("err = %v, want ErrAddressInvalid for an IPv6 literal in legacy mode", err)
	}
}

func TestAddressStringWildcard(t *testing.T) {
	t.Parallel()

	addr, err := transport.Resolve("", 49200, true, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got, want := addr.String(), "*/49200"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestAddressStringResolved(t *testing.T) {
	t.Parallel()

	addr, err := transport.Resolve("10.0.0.5", 49300, false, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got, want := addr.String(), "10.0.0.5/49300"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
