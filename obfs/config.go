package obfs

import (
	"fmt"
	"net/netip"
)

// Transport types of [Config].
const (
	TypeXor         = "xor"
	TypeLwo         = "lwo"
	TypeSwgp        = "swgp"
	TypeUdp2Tcp     = "udp2tcp"
	TypeShadowsocks = "shadowsocks"
	TypeQuic        = "quic"
)

// Config is the JSON form of [Settings].
type Config struct {
	// Type selects the transport. Fields that do not apply to it are ignored.
	Type string `json:"type"`

	// Endpoint is the address of the relay.
	Endpoint netip.AddrPort `json:"endpoint"`

	// Fwmark is the firewall mark set on sockets that talk to the relay.
	Fwmark int `json:"fwmark,omitempty"`

	// Key is the XOR key, or the PSK of an swgp transport.
	Key []byte `json:"key,omitempty"`

	// ClientKey and ServerKey are the public keys used by LWO.
	ClientKey []byte `json:"clientKey,omitempty"`
	ServerKey []byte `json:"serverKey,omitempty"`

	// Mode is the swgp proxy mode.
	Mode string `json:"mode,omitempty"`

	// MTU is the MTU of the path to the relay, used by swgp and QUIC.
	MTU int `json:"mtu,omitempty"`

	// Password and Cipher configure Shadowsocks.
	Password string `json:"password,omitempty"`
	Cipher   string `json:"cipher,omitempty"`

	// Target is the WireGuard server address the relay forwards to, used by Shadowsocks and QUIC.
	Target netip.AddrPort `json:"target,omitzero"`

	// Hostname and Token configure QUIC.
	Hostname string `json:"hostname,omitempty"`
	Token    string `json:"token,omitempty"`
}

// Settings returns the transport settings described by the config.
func (c *Config) Settings() (Settings, error) {
	switch c.Type {
	case TypeXor:
		return &XorSettings{
			Endpoint: c.Endpoint,
			Key:      c.Key,
			Fwmark:   c.Fwmark,
		}, nil

	case TypeLwo:
		s := LwoSettings{
			Endpoint: c.Endpoint,
			Fwmark:   c.Fwmark,
		}
		if len(c.ClientKey) != len(s.ClientKey) {
			return nil, &ConfigError{Field: "clientKey", Err: fmt.Errorf("expected %d bytes, got %d", len(s.ClientKey), len(c.ClientKey))}
		}
		if len(c.ServerKey) != len(s.ServerKey) {
			return nil, &ConfigError{Field: "serverKey", Err: fmt.Errorf("expected %d bytes, got %d", len(s.ServerKey), len(c.ServerKey))}
		}
		copy(s.ClientKey[:], c.ClientKey)
		copy(s.ServerKey[:], c.ServerKey)
		return &s, nil

	case TypeSwgp:
		return &SwgpSettings{
			Endpoint: c.Endpoint,
			Mode:     c.Mode,
			PSK:      c.Key,
			MTU:      c.MTU,
			Fwmark:   c.Fwmark,
		}, nil

	case TypeUdp2Tcp:
		return &Udp2TcpSettings{
			Peer:   c.Endpoint,
			Fwmark: c.Fwmark,
		}, nil

	case TypeShadowsocks:
		return &ShadowsocksSettings{
			Endpoint: c.Endpoint,
			Password: c.Password,
			Cipher:   c.Cipher,
			Target:   c.Target,
			Fwmark:   c.Fwmark,
		}, nil

	case TypeQuic:
		return &QuicSettings{
			Endpoint: c.Endpoint,
			Hostname: c.Hostname,
			Token:    c.Token,
			Target:   c.Target,
			MTU:      c.MTU,
			Fwmark:   c.Fwmark,
		}, nil

	default:
		return nil, &ConfigError{Field: "type", Err: fmt.Errorf("unknown transport type: %q", c.Type)}
	}
}
