package packet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	mrand "math/rand/v2"

	"github.com/database64128/wgmux-go/internal/wireguard"
	"lukechampine.com/blake3"
)

// zeroOverheadHandler encrypts and decrypts the first 16 bytes of packets
// using an AES block cipher.
// Handshake packets (message type 1, 2, 3) are randomly padded to look like normal traffic.
//
// zeroOverheadHandler implements [Handler].
type zeroOverheadHandler struct {
	cb            cipher.Block
	blake3xof     *blake3.OutputReader
	maxPacketSize int
}

// NewZeroOverheadHandler creates a zero-overhead handler that
// uses the given PSK to encrypt and decrypt packets.
// Handshake packets are padded up to at most maxPacketSize bytes.
func NewZeroOverheadHandler(psk []byte, maxPacketSize int) (Handler, error) {
	cb, err := aes.NewCipher(psk)
	if err != nil {
		return nil, err
	}

	hKey := make([]byte, 32)
	if _, err = rand.Read(hKey); err != nil {
		return nil, err
	}
	h := blake3.New(1024, hKey)

	return &zeroOverheadHandler{
		cb:            cb,
		blake3xof:     h.XOF(),
		maxPacketSize: maxPacketSize,
	}, nil
}

// Headroom implements [Handler.Headroom].
func (h *zeroOverheadHandler) Headroom() Headroom {
	return Headroom{}
}

// Encrypt implements [Handler.Encrypt].
func (h *zeroOverheadHandler) Encrypt(dst, wgPacket []byte) ([]byte, error) {
	if len(wgPacket) < aes.BlockSize {
		return append(dst, wgPacket...), nil
	}

	var paddingLen int

	// Add padding only if:
	// - Packet is handshake.
	// - We have room for padding.
	switch wgPacket[0] {
	case wireguard.MessageTypeHandshakeInitiation, wireguard.MessageTypeHandshakeResponse, wireguard.MessageTypeHandshakeCookieReply:
		if h.maxPacketSize > len(wgPacket) {
			paddingLen = mrand.IntN(h.maxPacketSize - len(wgPacket) + 1)
		}
	}

	dst, b := appendN(dst, len(wgPacket)+paddingLen)
	copy(b, wgPacket)

	// Encrypt first 16 bytes.
	h.cb.Encrypt(b[:aes.BlockSize], b[:aes.BlockSize])

	// Add padding.
	if paddingLen > 0 {
		if _, err := h.blake3xof.Read(b[len(wgPacket):]); err != nil {
			return dst, err
		}
	}

	return dst, nil
}

// Decrypt implements [Handler.Decrypt].
func (h *zeroOverheadHandler) Decrypt(dst, obfsPacket []byte) ([]byte, error) {
	if len(obfsPacket) < aes.BlockSize {
		return append(dst, obfsPacket...), nil
	}

	var first [aes.BlockSize]byte
	h.cb.Decrypt(first[:], obfsPacket[:aes.BlockSize])

	// Hide padding.
	length := len(obfsPacket)
	switch first[0] {
	case wireguard.MessageTypeHandshakeInitiation, wireguard.MessageTypeHandshakeResponse, wireguard.MessageTypeHandshakeCookieReply:
		length = wireguard.HeaderLength(first[0])
		if len(obfsPacket) < length {
			return dst, ErrPacketTooShort
		}
	}

	dst, b := appendN(dst, length)
	copy(b, first[:])
	copy(b[aes.BlockSize:], obfsPacket[aes.BlockSize:length])
	return dst, nil
}
