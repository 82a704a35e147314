package packet

import (
	"bytes"
	"testing"
)

func TestXORHandler(t *testing.T) {
	key := []byte{0x5a, 0xa5, 0xff}
	h, err := NewXORHandler(key)
	if err != nil {
		t.Fatalf("NewXORHandler failed: %v", err)
	}

	testHandlerAllTypes(t, h, func(t *testing.T, wgPacket, obfsPacket, _ []byte) {
		if len(obfsPacket) != len(wgPacket) {
			t.Fatalf("len(obfsPacket) = %d, want %d", len(obfsPacket), len(wgPacket))
		}
		for i := range wgPacket {
			if obfsPacket[i] != wgPacket[i]^key[i%len(key)] {
				t.Fatalf("obfsPacket[%d] = %#x, want %#x", i, obfsPacket[i], wgPacket[i]^key[i%len(key)])
			}
		}
	})

	// Key changes after construction must not affect the handler.
	key[0] = 0
	got, _ := h.Encrypt(nil, []byte{0})
	if !bytes.Equal(got, []byte{0x5a}) {
		t.Errorf("h.Encrypt = %x, want 5a", got)
	}

	if _, err = NewXORHandler(nil); err != ErrEmptyXORKey {
		t.Errorf("NewXORHandler(nil) got %v, want %v", err, ErrEmptyXORKey)
	}
}
