package packet

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"math"
	mrand "math/rand/v2"

	"golang.org/x/crypto/chacha20poly1305"
)

const paranoidOverhead = chacha20poly1305.NonceSizeX + 2 + chacha20poly1305.Overhead

// paranoidHandler encrypts and decrypts whole packets using an AEAD cipher.
// All packets, irrespective of message type, are randomly padded up to the maximum packet size
// to hide any possible characteristics.
//
//	swgpPacket := 24B nonce + AEAD_Seal(u16be payload length + payload + padding)
//
// paranoidHandler implements [Handler].
type paranoidHandler struct {
	aead          cipher.AEAD
	maxPacketSize int
}

// NewParanoidHandler creates a "paranoid" handler that
// uses the given PSK to encrypt and decrypt packets.
func NewParanoidHandler(psk []byte, maxPacketSize int) (Handler, error) {
	aead, err := chacha20poly1305.NewX(psk)
	if err != nil {
		return nil, err
	}

	return &paranoidHandler{
		aead:          aead,
		maxPacketSize: maxPacketSize,
	}, nil
}

// Headroom implements [Handler.Headroom].
func (h *paranoidHandler) Headroom() Headroom {
	return Headroom{
		Front: chacha20poly1305.NonceSizeX + 2,
		Rear:  chacha20poly1305.Overhead,
	}
}

// Encrypt implements [Handler.Encrypt].
func (h *paranoidHandler) Encrypt(dst, wgPacket []byte) ([]byte, error) {
	if len(wgPacket) > math.MaxUint16 {
		return dst, ErrPacketTooLarge
	}

	var paddingLen int
	if maxPaddingLen := h.maxPacketSize - paranoidOverhead - len(wgPacket); maxPaddingLen > 0 {
		paddingLen = mrand.IntN(maxPaddingLen + 1)
	}

	plaintextLen := 2 + len(wgPacket) + paddingLen
	dst, b := appendN(dst, chacha20poly1305.NonceSizeX+plaintextLen+chacha20poly1305.Overhead)

	nonce := b[:chacha20poly1305.NonceSizeX]
	plaintext := b[chacha20poly1305.NonceSizeX : chacha20poly1305.NonceSizeX+plaintextLen]

	// Write random nonce.
	if _, err := rand.Read(nonce); err != nil {
		return dst, err
	}

	// Write payload length, payload and zero padding.
	binary.BigEndian.PutUint16(plaintext, uint16(len(wgPacket)))
	copy(plaintext[2:], wgPacket)
	clear(plaintext[2+len(wgPacket):])

	// AEAD seal.
	h.aead.Seal(plaintext[:0], nonce, plaintext, nil)

	return dst, nil
}

// Decrypt implements [Handler.Decrypt].
func (h *paranoidHandler) Decrypt(dst, obfsPacket []byte) ([]byte, error) {
	if len(obfsPacket) < paranoidOverhead {
		return dst, ErrPacketTooShort
	}

	nonce := obfsPacket[:chacha20poly1305.NonceSizeX]
	ciphertext := obfsPacket[chacha20poly1305.NonceSizeX:]

	start := len(dst)
	dst, b := appendN(dst, len(ciphertext)-chacha20poly1305.Overhead)

	// AEAD open.
	plaintext, err := h.aead.Open(b[:0], nonce, ciphertext, nil)
	if err != nil {
		return dst[:start], err
	}

	// Read and validate payload length.
	payloadLength := int(binary.BigEndian.Uint16(plaintext))
	if payloadLength > len(plaintext)-2 {
		return dst[:start], ErrPayloadLength
	}

	copy(plaintext, plaintext[2:2+payloadLength])
	return dst[:start+payloadLength], nil
}
