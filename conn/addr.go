package conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

var errZeroAddr = errors.New("zero value address")

// Addr is a port number combined with either an IP address or a domain name.
//
// The zero value is not a valid address.
type Addr struct {
	ipPort netip.AddrPort
	domain string
	port   uint16
}

// AddrFromIPPort returns an Addr from the provided netip.AddrPort.
func AddrFromIPPort(addrPort netip.AddrPort) Addr {
	return Addr{ipPort: addrPort, port: addrPort.Port()}
}

// AddrFromDomainPort returns an Addr from the provided domain name and port number.
func AddrFromDomainPort(domain string, port uint16) (Addr, error) {
	if len(domain) == 0 || len(domain) > 255 {
		return Addr{}, fmt.Errorf("length of domain %s out of range [1, 255]", domain)
	}
	return Addr{domain: domain, port: port}, nil
}

// AddrFromHostPort returns an Addr from the provided host string and port number.
// The host string may be a string representation of an IP address or a domain name.
func AddrFromHostPort(host string, port uint16) (Addr, error) {
	if host == "" {
		host = "::"
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return AddrFromIPPort(netip.AddrPortFrom(ip, port)), nil
	}
	return AddrFromDomainPort(host, port)
}

// ParseAddr parses the provided string representation of an address.
func ParseAddr(s string) (Addr, error) {
	host, portString, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{}, err
	}

	portNumber, err := strconv.ParseUint(portString, 10, 16)
	if err != nil {
		return Addr{}, fmt.Errorf("failed to parse port string: %w", err)
	}

	return AddrFromHostPort(host, uint16(portNumber))
}

// IsValid returns whether the address is an initialized address (not a zero value).
func (a Addr) IsValid() bool {
	return a.IsIP() || a.IsDomain()
}

// IsIP returns whether the address is an IP address.
func (a Addr) IsIP() bool {
	return a.ipPort.IsValid()
}

// IsDomain returns whether the address is a domain name.
func (a Addr) IsDomain() bool {
	return a.domain != ""
}

// IPPort returns the IP address and port. It is the zero value for domain addresses.
func (a Addr) IPPort() netip.AddrPort {
	return a.ipPort
}

// Domain returns the domain name. It is empty for IP addresses.
func (a Addr) Domain() string {
	return a.domain
}

// Port returns the port number.
func (a Addr) Port() uint16 {
	return a.port
}

// Host returns the string representation of the IP address or the domain name.
func (a Addr) Host() string {
	if a.IsIP() {
		return a.ipPort.Addr().String()
	}
	return a.domain
}

// ResolveIPPort returns the IP address itself or the resolved IP address of the domain name,
// together with the port number.
//
// The resolver sorts results by address family preference, so the first address is used.
func (a Addr) ResolveIPPort(ctx context.Context) (netip.AddrPort, error) {
	switch {
	case a.IsIP():
		return a.ipPort, nil
	case a.IsDomain():
		ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", a.domain)
		if err != nil {
			return netip.AddrPort{}, err
		}
		return netip.AddrPortFrom(ips[0].Unmap(), a.port), nil
	default:
		return netip.AddrPort{}, errZeroAddr
	}
}

// String returns the string representation of the address.
//
// If the address is zero value, an empty string is returned.
func (a Addr) String() string {
	switch {
	case a.IsIP():
		return a.ipPort.String()
	case a.IsDomain():
		return net.JoinHostPort(a.domain, strconv.FormatUint(uint64(a.port), 10))
	default:
		return ""
	}
}

// MarshalText implements [encoding.TextMarshaler.MarshalText].
func (a Addr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler.UnmarshalText].
func (a *Addr) UnmarshalText(text []byte) error {
	addr, err := ParseAddr(string(text))
	if err != nil {
		return err
	}
	*a = addr
	return nil
}

// AddrPortMappedEqual returns whether the two addresses point to the same endpoint.
// An IPv4 address and an IPv4-mapped IPv6 address pointing to the same endpoint are considered equal.
// For example, 1.1.1.1:53 and [::ffff:1.1.1.1]:53 are considered equal.
func AddrPortMappedEqual(l, r netip.AddrPort) bool {
	return l.Port() == r.Port() && l.Addr().Unmap() == r.Addr().Unmap()
}
