package packet

import (
	"bytes"
	"crypto/rand"
	"errors"
	mrand "math/rand/v2"
	"strconv"
	"testing"

	"github.com/database64128/wgmux-go/internal/wireguard"
)

var rng *mrand.ChaCha8

func init() {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		panic(err)
	}
	rng = mrand.NewChaCha8(seed)
}

var testMessageTypes = []struct {
	name    string
	msgType byte
}{
	{"HandshakeInitiation", wireguard.MessageTypeHandshakeInitiation},
	{"HandshakeResponse", wireguard.MessageTypeHandshakeResponse},
	{"HandshakeCookieReply", wireguard.MessageTypeHandshakeCookieReply},
	{"Data", wireguard.MessageTypeData},
}

// testPacketLength returns a realistic length for the message type,
// or the given data length for data messages.
func testPacketLength(msgType byte, dataLength int) int {
	if msgType == wireguard.MessageTypeData {
		return dataLength
	}
	return wireguard.HeaderLength(msgType)
}

func testHandler(
	t *testing.T,
	msgType byte,
	length int,
	h Handler,
	expectedEncryptErr, expectedDecryptErr error,
	verifyFunc func(t *testing.T, wgPacket, obfsPacket, decryptedWgPacket []byte),
) {
	t.Helper()

	wgPacket := make([]byte, length)
	if length > 0 {
		wgPacket[0] = msgType
		_, _ = rng.Read(wgPacket[1:])
	}
	if length > 4 {
		// Reserved bytes are always zero.
		clear(wgPacket[1:4])
	}

	// Prefix dst with garbage to check that handlers append.
	prefix := []byte("prefix")

	obfsPacket, err := h.Encrypt(bytes.Clone(prefix), wgPacket)
	if !errors.Is(err, expectedEncryptErr) {
		t.Fatalf("h.Encrypt got %v, want %v", err, expectedEncryptErr)
	}
	if err != nil {
		return
	}
	if !bytes.HasPrefix(obfsPacket, prefix) {
		t.Fatalf("h.Encrypt overwrote dst prefix: %x", obfsPacket)
	}
	obfsPacket = obfsPacket[len(prefix):]

	decryptedWgPacket, err := h.Decrypt(bytes.Clone(prefix), obfsPacket)
	if !errors.Is(err, expectedDecryptErr) {
		t.Fatalf("h.Decrypt got %v, want %v", err, expectedDecryptErr)
	}
	if err != nil {
		return
	}
	if !bytes.HasPrefix(decryptedWgPacket, prefix) {
		t.Fatalf("h.Decrypt overwrote dst prefix: %x", decryptedWgPacket)
	}
	decryptedWgPacket = decryptedWgPacket[len(prefix):]

	if !bytes.Equal(decryptedWgPacket, wgPacket) {
		t.Errorf("decryptedWgPacket = %v, want %v", decryptedWgPacket, wgPacket)
	}

	if verifyFunc != nil {
		verifyFunc(t, wgPacket, obfsPacket, decryptedWgPacket)
	}
}

func testHandlerAllTypes(t *testing.T, h Handler, verifyFunc func(t *testing.T, wgPacket, obfsPacket, decryptedWgPacket []byte)) {
	t.Helper()
	for _, msg := range testMessageTypes {
		t.Run(msg.name, func(t *testing.T) {
			for _, dataLength := range []int{0, 1, 16, 32, 128, 1280} {
				length := testPacketLength(msg.msgType, dataLength)
				t.Run(strconv.Itoa(length), func(t *testing.T) {
					testHandler(t, msg.msgType, length, h, nil, nil, verifyFunc)
				})
			}
		})
	}
}
