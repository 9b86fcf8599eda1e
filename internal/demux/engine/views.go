package engine

import (
	"github.com/avioformat/demuxcore/internal/demux/packet"
	"github.com/avioformat/demuxcore/internal/demux/queue"
)

// Event is a bitmask of producer-staged changes the consumer can observe
// via PullUpdates (spec.md §6 "Events").
type Event uint32

// Event flags, per spec.md §6.
const (
	EventInit     Event = 1 << iota
	EventStreams
	EventMetadata
)

// EventAll is the union of every event flag.
const EventAll = EventInit | EventStreams | EventMetadata

// Chapter is one entry of the producer-supplied chapter list, sorted by
// ProducerAPI.Changed when the INIT event fires (spec.md §4.H).
type Chapter struct {
	ID    string
	Title string
	Start packet.Timestamp
	End   packet.Timestamp
}

// StreamHeader is the per-stream metadata record of spec.md §3. Its Queue
// field is a relation back to the stream's StreamQueue, never ownership:
// the engine owns both, keyed by the same dense index (spec.md §9
// "Intrusive queue link via stream header").
type StreamHeader struct {
	Kind            packet.Kind
	Index           int
	DemuxerID       string
	FFIndex         int
	Codec           string
	Tags            map[string]string
	DefaultTrack    bool
	AttachedPicture *packet.Packet

	Queue *queue.StreamQueue
}

// sharedFields is the set of producer-originated, consumer-visible fields
// that move through the shadow view on a STREAMS/METADATA/INIT event
// (spec.md §4.H Changed: "chapters, editions, attachments, seekable flags,
// file type, duration, playlist, priv").
type sharedFields struct {
	Seekable          bool
	PartiallySeekable bool
	Duration          packet.Timestamp
	FileType          string
	Chapters          []Chapter
	Editions          []string
	Attachments       map[string][]byte
	Playlist          []string
	Priv              any
}

// ProducerView holds the fields mutated only by the reader thread (or, once
// joined, by the consumer thread running the producer's Close). It is the
// producer's thread-private half of the three-view duality (spec.md §9).
type ProducerView struct {
	sharedFields

	// NeedsReferenceResolution is set when the producer discovers external
	// referenced media (e.g. an HLS master playlist) and access_references
	// is enabled; resolved opaquely by the producer, surfaced for metrics.
	NeedsReferenceResolution bool
}

// ConsumerView holds the fields mutated only by the consumer thread: the
// last state pulled from the shadow view, plus any events still pending
// delivery via PullUpdates.
type ConsumerView struct {
	sharedFields

	PendingEvents Event
}

// shadowView is the copy-staging area guarded by the engine mutex that
// ferries producer deltas to the consumer view, gated by event flags
// (spec.md §4.E).
type shadowView struct {
	events Event
	fields sharedFields

	// streamTags holds tag updates the producer staged post-init, indexed
	// by stream index, until the consumer drains them via PullUpdates
	// (spec.md §4.H set_stream_tags: "post-init, buffers the tags in an
	// indexed slot and raises METADATA").
	streamTags map[int]map[string]string
}

func newShadowView() *shadowView {
	return &shadowView{streamTags: make(map[int]map[string]string)}
}
