// Package packet defines the Packet value type shared by every layer of the
// demultiplexer buffering pipeline: the producer that fills packets, the
// per-stream queues that hold them, and the consumer that drains them.
package packet

import "math"

// Unset is the sentinel timestamp meaning "no presentation/decoding
// timestamp available". time.Duration's zero value is a valid timestamp
// (t=0), so UNSET is modeled as the type's minimum value instead.
const Unset Timestamp = math.MinInt64

// UnsetPos is the sentinel byte offset meaning "position unknown".
const UnsetPos int64 = -1

// Timestamp is a presentation or decoding time, measured as a duration from
// the stream's epoch. Using time.Duration's underlying representation keeps
// comparisons against tuning windows (readahead_secs, the 500ms bitrate
// window, the 10s regression tolerance) free of unit-conversion bugs.
type Timestamp int64

// Kind classifies an elementary stream.
type Kind int

// Stream kinds, per spec.md §3 "StreamKind".
const (
	KindUnknown Kind = iota
	KindVideo
	KindAudio
	KindSubtitle
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindSubtitle:
		return "subtitle"
	default:
		return "unknown"
	}
}

// Segment bounds a timeline-clipped packet (spec.md §3, "segmented with
// start/end bounds"). It is used by playlist-style sources that splice
// together ranges of an underlying track.
type Segment struct {
	Start Timestamp
	End   Timestamp
}

// Packet is an opaque, immutable-after-enqueue unit of payload data
// belonging to exactly one elementary stream. The engine owns each packet
// from Submit until it is either dropped or handed to the consumer as a
// copy; the queued original is retained in the back window until evicted.
type Packet struct {
	Payload []byte

	PTS Timestamp
	DTS Timestamp

	// Pos is the packet's byte offset in the source, or UnsetPos.
	Pos int64

	Keyframe bool

	Segmented bool
	Segment   Segment

	// StreamIndex is assigned by StreamQueue.Append on enqueue; producers
	// need not set it.
	StreamIndex int
}

// EstSize returns a stable byte-cost estimate for accounting the forward and
// back windows. It is used identically by append, dequeue, and eviction so
// the running totals never drift from a full traversal recomputation.
func (p *Packet) EstSize() int64 {
	const perPacketOverhead = 64
	return int64(len(p.Payload)) + perPacketOverhead
}

// Copy returns a deep copy of p suitable for handing to a consumer while the
// original stays linked in the queue's back window.
func (p *Packet) Copy() *Packet {
	cp := *p
	if p.Payload != nil {
		cp.Payload = make([]byte, len(p.Payload))
		copy(cp.Payload, p.Payload)
	}
	return &cp
}
