package tunn

import (
	"encoding/binary"
	"io"

	"github.com/database64128/wgmux-go/internal/wireguard"
	"github.com/flynn/noise"
)

// WireGuard's handshake is Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s.
var (
	cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)
	prologue    = []byte("WireGuard v1 zx2c4 Jason@zx2c4.com")
)

const (
	noiseInitiationLength = wireguard.InitiationMAC1Offset - wireguard.InitiationNoiseOffset
	noiseResponseLength   = wireguard.ResponseMAC1Offset - wireguard.ResponseNoiseOffset
)

// handshake is an initiation we sent and are waiting on a response for.
type handshake struct {
	state      *noise.HandshakeState
	localIndex uint32
}

func newHandshakeState(localPrivate, localPublic, psk *Key, peerPublic *Key, initiator bool, rng io.Reader) (*noise.HandshakeState, error) {
	cfg := noise.Config{
		CipherSuite:           cipherSuite,
		Random:                rng,
		Pattern:               noise.HandshakeIK,
		Initiator:             initiator,
		Prologue:              prologue,
		PresharedKey:          psk[:],
		PresharedKeyPlacement: 2,
		StaticKeypair: noise.DHKey{
			Private: localPrivate[:],
			Public:  localPublic[:],
		},
	}
	if peerPublic != nil {
		cfg.PeerStatic = peerPublic[:]
	}
	return noise.NewHandshakeState(cfg)
}

// IdentifyInitiator returns the static public key of the sender of a handshake initiation
// addressed to the owner of privateKey. It is used to pick the peer that should handle the message.
func IdentifyInitiator(privateKey *Key, msg []byte) (Key, error) {
	if len(msg) != wireguard.MessageLengthHandshakeInitiation ||
		wireguard.MessageType(msg) != wireguard.MessageTypeHandshakeInitiation {
		return Key{}, ErrInvalidPacket
	}

	publicKey := privateKey.PublicKey()
	recvMAC1Key := hashLabel(labelMAC1, &publicKey)
	if !verifyMAC1(&recvMAC1Key, msg) {
		return Key{}, ErrInvalidMAC
	}

	// The preshared key is only mixed in after the second message.
	var psk Key
	hs, err := newHandshakeState(privateKey, &publicKey, &psk, nil, false, nil)
	if err != nil {
		return Key{}, err
	}
	if _, _, _, err = hs.ReadMessage(nil, msg[wireguard.InitiationNoiseOffset:wireguard.InitiationMAC1Offset]); err != nil {
		return Key{}, ErrInvalidHandshake
	}

	var peer Key
	copy(peer[:], hs.PeerStatic())
	return peer, nil
}

// ReceiverIndex returns the receiver index of a handshake response, cookie reply or data message.
func ReceiverIndex(msg []byte) (uint32, bool) {
	switch wireguard.MessageType(msg) {
	case wireguard.MessageTypeHandshakeResponse:
		if len(msg) != wireguard.MessageLengthHandshakeResponse {
			return 0, false
		}
		return binary.LittleEndian.Uint32(msg[wireguard.ResponseReceiverOffset:]), true
	case wireguard.MessageTypeHandshakeCookieReply:
		if len(msg) != wireguard.MessageLengthHandshakeCookieReply {
			return 0, false
		}
		return binary.LittleEndian.Uint32(msg[wireguard.CookieReplyReceiverOffset:]), true
	case wireguard.MessageTypeData:
		if len(msg) < wireguard.DataPacketOverhead {
			return 0, false
		}
		return binary.LittleEndian.Uint32(msg[wireguard.DataReceiverOffset:]), true
	default:
		return 0, false
	}
}
