package tunn

import (
	"crypto/hmac"
	"time"

	"github.com/database64128/wgmux-go/internal/wireguard"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	labelMAC1   = "mac1----"
	labelCookie = "cookie--"
)

func hashLabel(label string, key *Key) (out [blake2s.Size]byte) {
	h, _ := blake2s.New256(nil)
	h.Write([]byte(label))
	h.Write(key[:])
	h.Sum(out[:0])
	return
}

func mac(key, msg []byte) (out [wireguard.MACSize]byte) {
	h, _ := blake2s.New128(key)
	h.Write(msg)
	h.Sum(out[:0])
	return
}

// macState holds the keys and the cookie used to stamp and verify handshake message MACs.
type macState struct {
	// sendMAC1Key is HASH(LABEL_MAC1 || peer public key).
	sendMAC1Key [blake2s.Size]byte

	// recvMAC1Key is HASH(LABEL_MAC1 || local public key).
	recvMAC1Key [blake2s.Size]byte

	// cookieKey is HASH(LABEL_COOKIE || peer public key).
	cookieKey [blake2s.Size]byte

	cookie      [wireguard.CookieSize]byte
	cookieSetAt time.Time

	lastMAC1    [wireguard.MACSize]byte
	hasLastMAC1 bool
}

func newMACState(localPublic, peerPublic *Key) macState {
	return macState{
		sendMAC1Key: hashLabel(labelMAC1, peerPublic),
		recvMAC1Key: hashLabel(labelMAC1, localPublic),
		cookieKey:   hashLabel(labelCookie, peerPublic),
	}
}

// stamp writes mac1 and mac2 into the last 32 bytes of msg.
func (s *macState) stamp(msg []byte, now time.Time) {
	mac1Offset := len(msg) - 2*wireguard.MACSize
	mac2Offset := len(msg) - wireguard.MACSize

	s.lastMAC1 = mac(s.sendMAC1Key[:], msg[:mac1Offset])
	s.hasLastMAC1 = true
	copy(msg[mac1Offset:], s.lastMAC1[:])

	if !s.cookieSetAt.IsZero() && now.Sub(s.cookieSetAt) < wireguard.CookieRefreshTime {
		mac2 := mac(s.cookie[:], msg[:mac2Offset])
		copy(msg[mac2Offset:], mac2[:])
	} else {
		clear(msg[mac2Offset:])
	}
}

// verifyMAC1 checks the mac1 field of a received handshake message.
func verifyMAC1(recvMAC1Key *[blake2s.Size]byte, msg []byte) bool {
	mac1Offset := len(msg) - 2*wireguard.MACSize
	want := mac(recvMAC1Key[:], msg[:mac1Offset])
	return hmac.Equal(want[:], msg[mac1Offset:mac1Offset+wireguard.MACSize])
}

// consumeCookieReply decrypts the cookie in a cookie reply message.
func (s *macState) consumeCookieReply(msg []byte, now time.Time) error {
	if !s.hasLastMAC1 {
		return ErrInvalidCookie
	}

	aead, err := chacha20poly1305.NewX(s.cookieKey[:])
	if err != nil {
		return err
	}

	nonce := msg[wireguard.CookieReplyNonceOffset:wireguard.CookieReplyCookieOffset]
	sealed := msg[wireguard.CookieReplyCookieOffset:]

	var cookie [wireguard.CookieSize]byte
	if _, err = aead.Open(cookie[:0], nonce, sealed, s.lastMAC1[:]); err != nil {
		return ErrInvalidCookie
	}

	s.cookie = cookie
	s.cookieSetAt = now
	return nil
}
