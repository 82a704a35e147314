package mobile

import (
	"errors"
	"sync"

	"github.com/database64128/wgmux-go/session"
)

var (
	ErrInvalidHandle = errors.New("invalid buffer handle")
	ErrDoubleFree    = errors.New("buffer already freed")
	ErrPacketIndex   = errors.New("packet index out of range")
)

// Arena owns the output buffers handed to the host.
//
// A buffer is registered under an opaque non-zero handle. The host owns the
// buffer from then on, and must release it with [Arena.Free] exactly once.
// Handles are never reused, so a stale handle is always detected.
//
// Freed buffers are recycled for later output.
type Arena struct {
	mu      sync.Mutex
	next    int64
	buffers map[int64]*session.IOBuffer
	pool    sync.Pool
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{
		buffers: make(map[int64]*session.IOBuffer),
		pool: sync.Pool{
			New: func() any { return new(session.IOBuffer) },
		},
	}
}

var (
	defaultArena     *Arena
	defaultArenaOnce sync.Once
)

// DefaultArena returns the process-wide arena used by [NewTunnel] and the
// package-level buffer functions. It is created on first use.
func DefaultArena() *Arena {
	defaultArenaOnce.Do(func() {
		defaultArena = NewArena()
	})
	return defaultArena
}

// take moves the packets of src into a buffer owned by the arena and returns its handle.
// src is left empty with recycled storage. An empty src yields the zero handle.
func (a *Arena) take(src *session.IOBuffer) int64 {
	if src.PacketCount() == 0 {
		return 0
	}

	b := a.pool.Get().(*session.IOBuffer)
	b.Reset()
	*src, *b = *b, *src

	a.mu.Lock()
	a.next++
	h := a.next
	a.buffers[h] = b
	a.mu.Unlock()
	return h
}

// get returns the live buffer registered under h.
// The caller must hold a.mu.
func (a *Arena) get(h int64) (*session.IOBuffer, error) {
	b, ok := a.buffers[h]
	if ok {
		return b, nil
	}
	if h > 0 && h <= a.next {
		return nil, ErrDoubleFree
	}
	return nil, ErrInvalidHandle
}

// Live returns the number of buffers not yet freed.
func (a *Arena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

// Free releases the buffer registered under h.
// Freeing a buffer twice returns [ErrDoubleFree].
func (a *Arena) Free(h int64) error {
	a.mu.Lock()
	b, err := a.get(h)
	if err == nil {
		delete(a.buffers, h)
	}
	a.mu.Unlock()
	if err != nil {
		return err
	}

	b.Reset()
	a.pool.Put(b)
	return nil
}

// BufferLen returns the total size in bytes of the packets in the buffer.
func (a *Arena) BufferLen(h int64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, err := a.get(h)
	if err != nil {
		return 0, err
	}
	return b.Len(), nil
}

// BufferPacketCount returns the number of packets in the buffer.
func (a *Arena) BufferPacketCount(h int64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, err := a.get(h)
	if err != nil {
		return 0, err
	}
	return b.PacketCount(), nil
}

// ReadPacket returns a copy of the i-th packet in the buffer.
func (a *Arena) ReadPacket(h int64, i int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, err := a.get(h)
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= b.PacketCount() {
		return nil, ErrPacketIndex
	}
	p, _ := b.Packet(i)
	return append([]byte(nil), p...), nil
}

// PacketDestination returns the destination address of the i-th packet in a UDP buffer,
// or an empty string for packets bound for the tunnel device.
func (a *Arena) PacketDestination(h int64, i int) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, err := a.get(h)
	if err != nil {
		return "", err
	}
	if i < 0 || i >= b.PacketCount() {
		return "", ErrPacketIndex
	}
	_, addr := b.Packet(i)
	if !addr.IsValid() {
		return "", nil
	}
	return addr.String(), nil
}

// FreeBuffer releases a buffer of the default arena. See [Arena.Free].
func FreeBuffer(h int64) error {
	return DefaultArena().Free(h)
}

// BufferLen calls [Arena.BufferLen] on the default arena.
func BufferLen(h int64) (int, error) {
	return DefaultArena().BufferLen(h)
}

// BufferPacketCount calls [Arena.BufferPacketCount] on the default arena.
func BufferPacketCount(h int64) (int, error) {
	return DefaultArena().BufferPacketCount(h)
}

// ReadPacket calls [Arena.ReadPacket] on the default arena.
func ReadPacket(h int64, i int) ([]byte, error) {
	return DefaultArena().ReadPacket(h, i)
}

// PacketDestination calls [Arena.PacketDestination] on the default arena.
func PacketDestination(h int64, i int) (string, error) {
	return DefaultArena().PacketDestination(h, i)
}
