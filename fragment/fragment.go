// Package fragment splits oversized packets into fragments that fit in the datagrams of an
// MTU-constrained transport, and reassembles them on the receiving side.
//
// Every datagram starts with a QUIC variable-length integer context ID.
// [ContextIDDatagram] carries a whole packet:
//
//	[context ID][payload]
//
// [ContextIDFragmented] carries one fragment of a packet:
//
//	[context ID][u16be packet ID][u8 fragment index][u8 fragment count][payload]
//
// Fragment indices are 1-based. A packet may be split into at most 255 fragments.
package fragment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/quic-go/quic-go/quicvarint"
)

const (
	// ContextIDDatagram is the context ID of datagrams carrying a whole packet.
	ContextIDDatagram = 0

	// ContextIDFragmented is the context ID of datagrams carrying a packet fragment.
	ContextIDFragmented = 1

	// HeaderSizeFragmented is the size of the header of a fragment datagram.
	HeaderSizeFragmented = 1 + 2 + 1 + 1

	// MaxFragmentCount is the maximum number of fragments a packet can be split into.
	MaxFragmentCount = 255

	// BufferCap is the maximum number of packet IDs with buffered fragments.
	BufferCap = 255
)

var (
	ErrPayloadTooSmall         = errors.New("payload is too small")
	ErrTooFewFragments         = errors.New("too few fragments in fragmented packet")
	ErrBadFragmentIndex        = errors.New("fragment index out of range")
	ErrDuplicateFragment       = errors.New("received a fragment twice")
	ErrFragmentCountMismatch   = errors.New("fragment count differs from previously received fragments")
	ErrMaxFragmentSizeTooSmall = errors.New("maximum fragment size cannot hold the fragment header")
)

// BadContextIDError is returned when a datagram starts with an unknown context ID,
// or when the context ID cannot be decoded.
type BadContextIDError struct {
	// ContextID is the decoded context ID. It is only valid if ParseErr is nil.
	ContextID uint64

	// ParseErr is the error returned when decoding the context ID varint.
	ParseErr error
}

func (e *BadContextIDError) Error() string {
	if e.ParseErr != nil {
		return "bad context id: " + e.ParseErr.Error()
	}
	return fmt.Sprintf("bad context id: %d", e.ContextID)
}

func (e *BadContextIDError) Unwrap() error {
	return e.ParseErr
}

// PacketTooLargeError is returned when a packet needs more than [MaxFragmentCount] fragments.
type PacketTooLargeError struct {
	// Len is the length of the packet.
	Len int
}

func (e *PacketTooLargeError) Error() string {
	return fmt.Sprintf("packet (length %d) is too large to fragment", e.Len)
}

// AppendDatagram appends payload as a whole-packet datagram to b.
func AppendDatagram(b, payload []byte) []byte {
	b = quicvarint.Append(b, ContextIDDatagram)
	return append(b, payload...)
}

// FragmentPacket splits payload into fragment datagrams of at most maxSize bytes, headers included.
//
// A payload that fits in a single fragment is returned as one whole-packet datagram,
// since a fragmented packet must consist of at least 2 fragments.
func FragmentPacket(maxSize int, payload []byte, packetID uint16) ([][]byte, error) {
	fragmentPayloadSize := maxSize - HeaderSizeFragmented
	if fragmentPayloadSize <= 0 {
		return nil, ErrMaxFragmentSizeTooSmall
	}

	count := (len(payload) + fragmentPayloadSize - 1) / fragmentPayloadSize
	if count > MaxFragmentCount {
		return nil, &PacketTooLargeError{Len: len(payload)}
	}
	if count <= 1 {
		return [][]byte{AppendDatagram(make([]byte, 0, 1+len(payload)), payload)}, nil
	}

	fragments := make([][]byte, 0, count)
	for chunk := range slices.Chunk(payload, fragmentPayloadSize) {
		b := make([]byte, 0, HeaderSizeFragmented+len(chunk))
		b = quicvarint.Append(b, ContextIDFragmented)
		b = binary.BigEndian.AppendUint16(b, packetID)
		b = append(b, byte(len(fragments)+1), byte(count))
		b = append(b, chunk...)
		fragments = append(fragments, b)
	}
	return fragments, nil
}

type fragment struct {
	index     uint8
	payload   []byte
	arrivedAt time.Time
}

type fragmentSet struct {
	count     uint8
	fragments []fragment
}

// Fragments buffers fragments until their packets can be reassembled.
//
// The zero value is ready for use. Fragments is not safe for concurrent use.
type Fragments struct {
	// fifo holds packet IDs in order of first arrival and bounds the number of buffered packets.
	fifo []uint16
	sets map[uint16]*fragmentSet

	// now is the clock. If nil, [time.Now] is used.
	now func() time.Time
}

// NewFragments returns a new [*Fragments] that reads the time from now.
func NewFragments(now func() time.Time) *Fragments {
	return &Fragments{now: now}
}

func (f *Fragments) clock() time.Time {
	if f.now != nil {
		return f.now()
	}
	return time.Now()
}

// Len returns the number of packets with buffered fragments.
func (f *Fragments) Len() int {
	return len(f.sets)
}

// HandleIncomingPacket handles a received datagram.
//
// For a whole-packet datagram, the payload is returned as is, aliasing datagram.
// For a fragment, the fragment is buffered and nil is returned, until the last fragment
// of the packet arrives, at which point the reassembled packet is returned in a new buffer.
func (f *Fragments) HandleIncomingPacket(datagram []byte) ([]byte, error) {
	r := bytes.NewReader(datagram)
	contextID, err := quicvarint.Read(r)
	if err != nil {
		return nil, &BadContextIDError{ParseErr: err}
	}
	payload := datagram[len(datagram)-r.Len():]

	switch contextID {
	case ContextIDDatagram:
		return payload, nil
	case ContextIDFragmented:
	default:
		return nil, &BadContextIDError{ContextID: contextID}
	}

	if len(payload) < HeaderSizeFragmented-1 {
		return nil, ErrPayloadTooSmall
	}
	id := binary.BigEndian.Uint16(payload)
	index := payload[2]
	count := payload[3]
	payload = payload[4:]

	if count < 2 {
		return nil, ErrTooFewFragments
	}
	if index == 0 || index > count {
		return nil, ErrBadFragmentIndex
	}

	if f.sets == nil {
		f.sets = make(map[uint16]*fragmentSet)
	}

	set, ok := f.sets[id]
	if !ok {
		if len(f.fifo) >= BufferCap {
			delete(f.sets, f.fifo[0])
			f.fifo = slices.Delete(f.fifo, 0, 1)
		}
		f.fifo = append(f.fifo, id)

		set = &fragmentSet{
			count:     count,
			fragments: make([]fragment, 0, 2),
		}
		f.sets[id] = set
	} else if set.count != count {
		return nil, ErrFragmentCountMismatch
	}

	// Keep the list sorted by index.
	i, found := slices.BinarySearchFunc(set.fragments, index, func(fr fragment, index uint8) int {
		return int(fr.index) - int(index)
	})
	if found {
		return nil, ErrDuplicateFragment
	}
	set.fragments = slices.Insert(set.fragments, i, fragment{
		index:     index,
		payload:   slices.Clone(payload),
		arrivedAt: f.clock(),
	})

	if len(set.fragments) != int(set.count) {
		return nil, nil
	}

	f.remove(id)

	var size int
	for _, fr := range set.fragments {
		size += len(fr.payload)
	}
	packet := make([]byte, 0, size)
	for _, fr := range set.fragments {
		packet = append(packet, fr.payload...)
	}
	return packet, nil
}

// ClearOldFragments evicts packets whose fragments are all older than maxAge.
func (f *Fragments) ClearOldFragments(maxAge time.Duration) {
	now := f.clock()
	for id, set := range f.sets {
		if !slices.ContainsFunc(set.fragments, func(fr fragment) bool {
			return now.Sub(fr.arrivedAt) <= maxAge
		}) {
			f.remove(id)
		}
	}
}

func (f *Fragments) remove(id uint16) {
	delete(f.sets, id)
	if i := slices.Index(f.fifo, id); i >= 0 {
		f.fifo = slices.Delete(f.fifo, i, i+1)
	}
}
