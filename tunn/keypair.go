package tunn

import (
	"crypto/cipher"
	"encoding/binary"
	"time"

	"github.com/database64128/wgmux-go/internal/wireguard"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.zx2c4.com/wireguard/replay"
)

// keypair is a pair of transport keys derived from one completed handshake.
type keypair struct {
	send        cipher.AEAD
	recv        cipher.AEAD
	sendCounter uint64
	replay      replay.Filter
	localIndex  uint32
	remoteIndex uint32
	created     time.Time
	isInitiator bool
}

func newKeypair(sendKey, recvKey *[32]byte, localIndex, remoteIndex uint32, isInitiator bool, now time.Time) (*keypair, error) {
	defer clear(sendKey[:])
	defer clear(recvKey[:])

	send, err := chacha20poly1305.New(sendKey[:])
	if err != nil {
		return nil, err
	}
	recv, err := chacha20poly1305.New(recvKey[:])
	if err != nil {
		return nil, err
	}

	return &keypair{
		send:        send,
		recv:        recv,
		localIndex:  localIndex,
		remoteIndex: remoteIndex,
		created:     now,
		isInitiator: isInitiator,
	}, nil
}

// canSend returns whether the keypair may still be used to encrypt packets.
func (kp *keypair) canSend(now time.Time) bool {
	return kp.sendCounter < wireguard.RejectAfterMessages && now.Sub(kp.created) < wireguard.RejectAfterTime
}

func (kp *keypair) expired(now time.Time) bool {
	return now.Sub(kp.created) >= wireguard.RejectAfterTime
}

// sealedLength returns the length of the data message carrying a packet of length n.
func sealedLength(n int) int {
	return wireguard.DataHeaderLength + (n+15)&^15 + chacha20poly1305.Overhead
}

// seal writes a data message carrying packet into dst and returns the message.
// dst must be at least sealedLength(len(packet)) bytes long.
func (kp *keypair) seal(dst, packet []byte) []byte {
	paddedLen := (len(packet) + 15) &^ 15
	counter := kp.sendCounter
	kp.sendCounter++

	binary.LittleEndian.PutUint32(dst, wireguard.MessageTypeData)
	binary.LittleEndian.PutUint32(dst[wireguard.DataReceiverOffset:], kp.remoteIndex)
	binary.LittleEndian.PutUint64(dst[wireguard.DataCounterOffset:], counter)

	plaintext := dst[wireguard.DataHeaderLength : wireguard.DataHeaderLength+paddedLen]
	copy(plaintext, packet)
	clear(plaintext[len(packet):])

	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	kp.send.Seal(plaintext[:0], nonce[:], plaintext, nil)

	return dst[:wireguard.DataHeaderLength+paddedLen+chacha20poly1305.Overhead]
}

// open decrypts a data message into dst. The counter is validated after authentication.
func (kp *keypair) open(dst, msg []byte) ([]byte, error) {
	counter := binary.LittleEndian.Uint64(msg[wireguard.DataCounterOffset:])
	if counter >= wireguard.RejectAfterMessages {
		return nil, ErrCounterTooLarge
	}

	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	plaintext, err := kp.recv.Open(dst[:0], nonce[:], msg[wireguard.DataHeaderLength:], nil)
	if err != nil {
		return nil, ErrInvalidAEADTag
	}

	if !kp.replay.ValidateCounter(counter, wireguard.RejectAfterMessages) {
		return nil, ErrReplayedCounter
	}
	return plaintext, nil
}
