package session

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/database64128/wgmux-go/jsonhelper"
	"github.com/database64128/wgmux-go/tunn"
	"go.uber.org/zap"
)

var ErrMissingPrivateKey = errors.New("missing private key")

// PeerJSONConfig is the JSON representation of a [PeerConfig].
type PeerJSONConfig struct {
	PublicKey           tunn.Key            `json:"publicKey"`
	PresharedKey        tunn.Key            `json:"presharedKey,omitzero"`
	Endpoint            netip.AddrPort      `json:"endpoint,omitzero"`
	AllowedIPs          []netip.Prefix      `json:"allowedIPs,omitempty"`
	PersistentKeepalive jsonhelper.Duration `json:"persistentKeepalive,omitzero"`
}

// JSONConfig is the JSON representation of a [Config].
// It may be marshaled as or unmarshaled from JSON.
type JSONConfig struct {
	PrivateKey tunn.Key         `json:"privateKey"`
	Peers      []PeerJSONConfig `json:"peers"`

	// ActivePeer is the index of the peer that host traffic is sent to.
	ActivePeer int `json:"activePeer,omitzero"`
}

// CheckAndApplyDefaults checks the configuration.
func (jc *JSONConfig) CheckAndApplyDefaults() error {
	if jc.PrivateKey.IsZero() {
		return ErrMissingPrivateKey
	}

	switch {
	case len(jc.Peers) == 0:
		return ErrNoPeers
	case jc.ActivePeer < 0 || jc.ActivePeer >= len(jc.Peers):
		return fmt.Errorf("%w: activePeer %d", ErrPeerIndexOutOfRange, jc.ActivePeer)
	}

	for i := range jc.Peers {
		pc := &jc.Peers[i]
		if pc.PublicKey.IsZero() {
			return fmt.Errorf("peer %d: missing public key", i)
		}
		if pc.PersistentKeepalive < 0 {
			return fmt.Errorf("peer %d: negative persistent keepalive: %s", i, time.Duration(pc.PersistentKeepalive))
		}
		for _, prefix := range pc.AllowedIPs {
			if !prefix.IsValid() {
				return fmt.Errorf("peer %d: invalid allowed IP prefix: %s", i, prefix)
			}
		}
	}

	return nil
}

// Config returns the [Config] described by jc.
func (jc *JSONConfig) Config() Config {
	peers := make([]PeerConfig, len(jc.Peers))
	for i, pc := range jc.Peers {
		peers[i] = PeerConfig{
			PublicKey:           pc.PublicKey,
			PresharedKey:        pc.PresharedKey,
			Endpoint:            pc.Endpoint,
			AllowedIPs:          pc.AllowedIPs,
			PersistentKeepalive: time.Duration(pc.PersistentKeepalive),
		}
	}
	return Config{
		PrivateKey: jc.PrivateKey,
		Peers:      peers,
	}
}

// Tunnel checks the configuration and creates a [*Tunnel] with the configured active peer.
func (jc *JSONConfig) Tunnel(logger *zap.Logger) (*Tunnel, error) {
	if err := jc.CheckAndApplyDefaults(); err != nil {
		return nil, err
	}

	t, err := New(jc.Config(), logger)
	if err != nil {
		return nil, err
	}

	if err = t.SetActivePeer(jc.ActivePeer); err != nil {
		return nil, err
	}
	return t, nil
}
