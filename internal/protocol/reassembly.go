package protocol

import (
	"maps"
	"slices"
)

// Framing bytes of multi-packet replies.
const (
	PacketMore byte = 0x80
	PacketLast byte = 0x81
)

// Reassembler collects the chunks of a multi-packet reply, keyed by 1-based
// sequence number. The first byte of each packet is framing and is dropped.
type Reassembler struct {
	chunks map[int][]byte
	last   int
}

func NewReassembler() *Reassembler {
	return &Reassembler{chunks: make(map[int][]byte)}
}

// Add stores packet under seq and reports whether the reply is complete.
// Packets with seq < 1 or without a payload byte are ignored.
func (r *Reassembler) Add(seq int, packet []byte) bool {
	if seq < 1 || len(packet) == 0 {
		return r.Complete()
	}
	chunk := make([]byte, len(packet)-1)
	copy(chunk, packet[1:])
	r.chunks[seq] = chunk
	if packet[0] == PacketLast {
		r.last = seq
	}
	return r.Complete()
}

// Complete reports whether the last packet was seen and no sequence number
// before it is missing.
func (r *Reassembler) Complete() bool {
	if r.last == 0 {
		return false
	}
	for seq := 1; seq <= r.last; seq++ {
		if _, ok := r.chunks[seq]; !ok {
			return false
		}
	}
	return true
}

// Bytes concatenates the stored chunks in sequence order.
func (r *Reassembler) Bytes() []byte {
	var out []byte
	for _, seq := range slices.Sorted(maps.Keys(r.chunks)) {
		out = append(out, r.chunks[seq]...)
	}
	return out
}

// Len returns the number of stored chunks.
func (r *Reassembler) Len() int { return len(r.chunks) }

// Reset discards every chunk.
func (r *Reassembler) Reset() {
	clear(r.chunks)
	r.last = 0
}
