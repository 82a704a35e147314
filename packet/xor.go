package packet

import "errors"

var ErrEmptyXORKey = errors.New("xor key must not be empty")

// xorHandler XORs every byte of a packet with a repeating key.
// The key restarts at the first byte of every packet.
//
// xorHandler implements [Handler].
type xorHandler struct {
	key []byte
}

// NewXORHandler returns a handler that XORs packets with the given key.
func NewXORHandler(key []byte) (Handler, error) {
	if len(key) == 0 {
		return nil, ErrEmptyXORKey
	}
	return &xorHandler{key: append([]byte(nil), key...)}, nil
}

// Headroom implements [Handler.Headroom].
func (h *xorHandler) Headroom() Headroom {
	return Headroom{}
}

// Encrypt implements [Handler.Encrypt].
func (h *xorHandler) Encrypt(dst, wgPacket []byte) ([]byte, error) {
	dst, b := appendN(dst, len(wgPacket))
	h.xor(b, wgPacket)
	return dst, nil
}

// Decrypt implements [Handler.Decrypt].
func (h *xorHandler) Decrypt(dst, obfsPacket []byte) ([]byte, error) {
	dst, b := appendN(dst, len(obfsPacket))
	h.xor(b, obfsPacket)
	return dst, nil
}

func (h *xorHandler) xor(dst, src []byte) {
	for i := range src {
		dst[i] = src[i] ^ h.key[i%len(h.key)]
	}
}
