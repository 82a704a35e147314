package packet

import (
	mrand "math/rand/v2"

	"github.com/database64128/wgmux-go/internal/wireguard"
)

// lwoObfuscationBit is set in the second header byte of obfuscated packets.
const lwoObfuscationBit = 0x80

// lwoHandler implements Lightweight WireGuard Obfuscation.
//
// The WireGuard header of each packet is XORed with the receiver's public key,
// and the second byte, which is reserved in WireGuard, is replaced by a random byte
// with the obfuscation bit set. Payloads of data messages are left as is.
//
// lwoHandler implements [Handler].
type lwoHandler struct {
	txKey [32]byte
	rxKey [32]byte
}

// NewLWOHandler returns a handler that obfuscates outgoing packets with txKey,
// the peer's public key, and deobfuscates incoming packets with rxKey, the local public key.
func NewLWOHandler(txKey, rxKey [32]byte) Handler {
	return &lwoHandler{
		txKey: txKey,
		rxKey: rxKey,
	}
}

// Headroom implements [Handler.Headroom].
func (h *lwoHandler) Headroom() Headroom {
	return Headroom{}
}

// lwoHeaderLength returns the length of the obfuscated header of a message of the given type,
// or 0 if the type is unknown or the packet is too short.
func lwoHeaderLength(messageType byte, packetLength int) int {
	n := wireguard.HeaderLength(messageType)
	if n == 0 || packetLength < n {
		return 0
	}
	return n
}

// Encrypt implements [Handler.Encrypt].
func (h *lwoHandler) Encrypt(dst, wgPacket []byte) ([]byte, error) {
	dst, b := appendN(dst, len(wgPacket))
	copy(b, wgPacket)
	if len(b) == 0 {
		return dst, nil
	}

	n := lwoHeaderLength(b[0], len(b))
	if n == 0 {
		return dst, nil
	}
	xorKey(b[:n], &h.txKey)
	b[1] = byte(mrand.Uint32()) | lwoObfuscationBit
	return dst, nil
}

// Decrypt implements [Handler.Decrypt].
func (h *lwoHandler) Decrypt(dst, obfsPacket []byte) ([]byte, error) {
	dst, b := appendN(dst, len(obfsPacket))
	copy(b, obfsPacket)
	if len(b) == 0 {
		return dst, nil
	}

	n := lwoHeaderLength(b[0]^h.rxKey[0], len(b))
	if n == 0 || b[1]&lwoObfuscationBit == 0 {
		// Not obfuscated. Pass it on and let WireGuard drop it.
		return dst, nil
	}
	xorKey(b[:n], &h.rxKey)
	b[1] = 0
	return dst, nil
}

func xorKey(b []byte, key *[32]byte) {
	for i := range b {
		b[i] ^= key[i%len(key)]
	}
}
