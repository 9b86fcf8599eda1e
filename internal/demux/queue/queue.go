// Package queue implements the per-elementary-stream packet FIFO
// (spec.md §4.B StreamQueue) and the keyframe-bounded back-buffer eviction
// policy (spec.md §4.C) that runs over a set of them. Every exported method
// assumes the caller already holds the engine's single mutex; StreamQueue
// does no locking of its own, per spec.md §9 "Single-lock design".
package queue

import (
	"github.com/avioformat/demuxcore/internal/demux/packet"
)

// node is one link in the queue's singly linked list, head to tail.
type node struct {
	pkt  *packet.Packet
	next *node
}

// StreamQueue holds the buffered packets for one registered elementary
// stream plus the bookkeeping fields spec.md §3 assigns to it.
type StreamQueue struct {
	Index int
	Kind  packet.Kind

	Selected  bool
	Active    bool
	EOF       bool
	IgnoreEOF bool

	CorrectDTS bool
	CorrectPos bool

	LastPos int64
	LastDTS packet.Timestamp
	LastTS  packet.Timestamp
	BaseTS  packet.Timestamp

	head       *node
	tail       *node
	readerHead *node

	FwPacks int
	FwBytes int64
	BwBytes int64

	BackPTS packet.Timestamp

	lastBRTs    packet.Timestamp
	lastBRBytes int64
	Bitrate     float64

	SkipToKeyframe bool
	NeedRefresh    bool
	Refreshing     bool

	AttachedPicture      *packet.Packet
	attachedPictureAdded bool

	// CC links a video stream to its lazily created synthetic caption
	// stream (spec.md §4.H submit_caption). Nil for non-video streams and
	// for video streams with no caption data yet.
	CC *StreamQueue
}

// New returns a StreamQueue ready for registration, with the monotonicity
// flags optimistically set per spec.md §3: "initially true; cleared on the
// first packet that violates strict monotonic increase."
func New(index int, kind packet.Kind) *StreamQueue {
	return &StreamQueue{
		Index:      index,
		Kind:       kind,
		CorrectDTS: true,
		CorrectPos: true,
		LastPos:    packet.UnsetPos,
		LastDTS:    packet.Unset,
		LastTS:     packet.Unset,
		BaseTS:     packet.Unset,
		BackPTS:    packet.Unset,
		lastBRTs:   packet.Unset,
	}
}

// AppendResult reports what Append observed so the caller (the engine) can
// react to cross-view state — clearing the global EOF flags and firing the
// wake-up callback — while still holding the lock Append ran under.
type AppendResult struct {
	// Dropped is true when the packet was not linked into the queue at all
	// (unselected stream, pending refresh, a seek in progress, or the
	// refresh's own monotonicity filter).
	Dropped bool
	// FirstAfterEmpty is true when this packet became the new reader_head
	// of a queue that previously had an empty forward window.
	FirstAfterEmpty bool
	// ClearEngineEOF is true when the engine-wide eof/last_eof flags
	// should be cleared (the packet was accepted and IgnoreEOF is false).
	ClearEngineEOF bool
}

// Append links p at the tail of the queue, applying the refresh-in-progress
// monotonicity filter and the forward/back window accounting of spec.md
// §4.B. seeking must be the engine's current `seeking` flag.
func (q *StreamQueue) Append(p *packet.Packet, seeking bool) AppendResult {
	dropped := false

	if q.Refreshing {
		switch {
		case q.CorrectDTS && p.DTS != packet.Unset:
			switch {
			case p.DTS < q.LastDTS:
				dropped = true
			case p.DTS == q.LastDTS:
				dropped = true
				q.Refreshing = false
			default:
				q.Refreshing = false
			}
		case q.CorrectPos && p.Pos >= 0:
			switch {
			case p.Pos < q.LastPos:
				dropped = true
			case p.Pos == q.LastPos:
				dropped = true
				q.Refreshing = false
			default:
				q.Refreshing = false
			}
		default:
			// Neither monotonicity hint survives; the refresh cannot
			// locate its resumption point and is abandoned.
			q.Refreshing = false
			dropped = true
		}
	}

	if !q.Selected || q.NeedRefresh || seeking || dropped {
		return AppendResult{Dropped: true}
	}

	q.CorrectPos = q.CorrectPos && p.Pos >= 0 && p.Pos > q.LastPos
	q.CorrectDTS = q.CorrectDTS && p.DTS != packet.Unset && p.DTS > q.LastDTS
	q.LastPos = p.Pos
	q.LastDTS = p.DTS

	p.StreamIndex = q.Index
	n := &node{pkt: p}
	if q.tail == nil {
		q.head = n
	} else {
		q.tail.next = n
	}
	q.tail = n

	firstAfterEmpty := false
	if q.readerHead == nil && (!q.SkipToKeyframe || p.Keyframe) {
		q.readerHead = n
		q.SkipToKeyframe = false
		firstAfterEmpty = true
	}
	if q.readerHead != nil {
		q.FwPacks++
		q.FwBytes += p.EstSize()
	} else {
		q.BwBytes += p.EstSize()
	}

	if q.BackPTS == packet.Unset && p.Keyframe {
		q.BackPTS = keyframeRangeMinPTS(q.head)
	}

	clearEngineEOF := !q.IgnoreEOF
	q.EOF = false

	if q.Kind != packet.KindVideo && p.PTS == packet.Unset {
		p.PTS = p.DTS
	}

	ts := p.DTS
	if ts == packet.Unset {
		ts = p.PTS
	}
	if p.Segmented && ts != packet.Unset && ts > p.Segment.End {
		ts = p.Segment.End
	}
	if ts != packet.Unset {
		const regressionTolerance = packet.Timestamp(10_000_000_000) // 10s in ns
		if q.LastTS == packet.Unset || ts > q.LastTS || (q.LastTS-ts) > regressionTolerance {
			if q.LastTS == packet.Unset {
				q.BaseTS = ts
			}
			q.LastTS = ts
		}
	}

	return AppendResult{FirstAfterEmpty: firstAfterEmpty, ClearEngineEOF: clearEngineEOF}
}

// Dequeue detaches and returns a copy of the reader_head packet, advancing
// the cursor and updating bitrate/base-timestamp bookkeeping (spec.md
// §4.B). tsOffset is added to the returned copy's timestamps. ok is false
// when there is nothing to return (forward window empty, or the attached
// picture was already delivered).
func (q *StreamQueue) Dequeue(tsOffset packet.Timestamp) (cp *packet.Packet, ok bool) {
	if q.AttachedPicture != nil {
		q.EOF = true
		if q.attachedPictureAdded {
			return nil, false
		}
		q.attachedPictureAdded = true
		cp = q.AttachedPicture.Copy()
		applyOffset(cp, tsOffset)
		return cp, true
	}

	if q.readerHead == nil {
		return nil, false
	}

	n := q.readerHead
	q.readerHead = n.next
	size := n.pkt.EstSize()
	q.FwPacks--
	q.FwBytes -= size
	q.BwBytes += size

	cp = n.pkt.Copy()

	ts := cp.DTS
	if ts == packet.Unset {
		ts = cp.PTS
	}
	q.BaseTS = ts

	if cp.Keyframe && ts != packet.Unset {
		const window = packet.Timestamp(500_000_000) // 500ms in ns
		switch {
		case q.lastBRTs == packet.Unset || ts < q.lastBRTs:
			q.lastBRTs = ts
			q.lastBRBytes = 0
		case ts-q.lastBRTs >= window:
			q.Bitrate = float64(q.lastBRBytes) / (float64(ts-q.lastBRTs) / 1e9)
			q.lastBRTs = ts
			q.lastBRBytes = 0
		}
	}
	q.lastBRBytes += size

	applyOffset(cp, tsOffset)
	return cp, true
}

func applyOffset(p *packet.Packet, offset packet.Timestamp) {
	if offset == 0 {
		return
	}
	if p.PTS != packet.Unset {
		p.PTS += offset
	}
	if p.DTS != packet.Unset {
		p.DTS += offset
	}
	if p.Segmented {
		p.Segment.Start += offset
		p.Segment.End += offset
	}
}

// HasPacket reports, without blocking, whether a call to Dequeue would
// currently return a packet.
func (q *StreamQueue) HasPacket() bool {
	if q.AttachedPicture != nil {
		return !q.attachedPictureAdded
	}
	return q.readerHead != nil
}

// Flush clears both the packet list and all reader state, returning the
// queue to its just-registered shape. Used by select_track and by a
// producer-driven seek's clear_demux_state (spec.md §4.G).
func (q *StreamQueue) Flush() {
	q.head = nil
	q.tail = nil
	q.readerHead = nil
	q.FwPacks = 0
	q.FwBytes = 0
	q.BwBytes = 0
	q.BackPTS = packet.Unset
	q.SkipToKeyframe = false
	q.lastBRTs = packet.Unset
	q.lastBRBytes = 0
	q.Bitrate = 0
	q.EOF = false
	q.CorrectDTS = true
	q.CorrectPos = true
	q.LastPos = packet.UnsetPos
	q.LastDTS = packet.Unset
	q.LastTS = packet.Unset
	q.BaseTS = packet.Unset
	q.NeedRefresh = false
	q.Refreshing = false
}

// ResetReaderState clears cursors and the bitrate anchor while keeping the
// queued packets, per SeekCache step 2 (spec.md §4.D). Callers must follow
// up with SeekToTarget (or leave the queue empty of a forward window) and
// RecomputeCounts.
func (q *StreamQueue) ResetReaderState() {
	q.readerHead = nil
	q.SkipToKeyframe = false
	q.lastBRTs = packet.Unset
	q.lastBRBytes = 0
	q.Bitrate = 0
	q.FwPacks = 0
	q.FwBytes = 0
	q.BwBytes = 0
}

// RecomputeCounts rebuilds FwPacks/FwBytes/BwBytes from a single traversal.
// Used after a cache-seek splice reassigns reader_head, since the
// incremental counters assume only append/dequeue/evict ever move it.
func (q *StreamQueue) RecomputeCounts() {
	var fwPacks int
	var fwBytes, bwBytes int64
	inForward := false
	for n := q.head; n != nil; n = n.next {
		if n == q.readerHead {
			inForward = true
		}
		size := n.pkt.EstSize()
		if inForward {
			fwPacks++
			fwBytes += size
		} else {
			bwBytes += size
		}
	}
	q.FwPacks = fwPacks
	q.FwBytes = fwBytes
	q.BwBytes = bwBytes
}

// keyframeRange is one candidate in-buffer seek point: a keyframe together
// with the minimum presentation timestamp observed before the next
// keyframe closes the range.
type keyframeRange struct {
	target *node
	pts    packet.Timestamp
}

// keyframeRanges enumerates every keyframe-bounded range in the queue that
// yields a resolvable minimum PTS, in queue order.
func (q *StreamQueue) keyframeRanges() []keyframeRange {
	var ranges []keyframeRange
	for n := q.head; n != nil; n = n.next {
		if !n.pkt.Keyframe {
			continue
		}
		if pts := keyframeRangeMinPTS(n); pts != packet.Unset {
			ranges = append(ranges, keyframeRange{target: n, pts: pts})
		}
	}
	return ranges
}

// selectKeyframeRange applies the tie-break from spec.md §4.D step 3/4:
// "forward ? first ≥ t : nearest (prefer ≤ t if any)".
func selectKeyframeRange(ranges []keyframeRange, t packet.Timestamp, forward bool) (keyframeRange, bool) {
	if len(ranges) == 0 {
		return keyframeRange{}, false
	}
	if forward {
		for _, r := range ranges {
			if r.pts >= t {
				return r, true
			}
		}
		return keyframeRange{}, false
	}

	best, found := keyframeRange{}, false
	for _, r := range ranges {
		if r.pts <= t && (!found || r.pts > best.pts) {
			best, found = r, true
		}
	}
	if found {
		return best, true
	}
	best = ranges[0]
	for _, r := range ranges[1:] {
		if r.pts < best.pts {
			best = r
		}
	}
	return best, true
}

// NearestKeyframeRangePTS resolves the target PTS for (t, forward) without
// moving the reader cursor, used by SeekCache step 3 to re-anchor t before
// applying it to every stream (spec.md §4.D).
func (q *StreamQueue) NearestKeyframeRangePTS(t packet.Timestamp, forward bool) (packet.Timestamp, bool) {
	r, ok := selectKeyframeRange(q.keyframeRanges(), t, forward)
	if !ok {
		return packet.Unset, false
	}
	return r.pts, true
}

// SeekToTarget repositions reader_head at the best keyframe range for
// (t, forward), or sets SkipToKeyframe when none qualifies. It does not
// update FwPacks/FwBytes/BwBytes; call RecomputeCounts afterward.
func (q *StreamQueue) SeekToTarget(t packet.Timestamp, forward bool) (resolvedPTS packet.Timestamp, ok bool) {
	r, found := selectKeyframeRange(q.keyframeRanges(), t, forward)
	if !found {
		q.readerHead = nil
		q.SkipToKeyframe = true
		return packet.Unset, false
	}
	q.readerHead = r.target
	q.SkipToKeyframe = false
	return r.pts, true
}

// IsEmpty reports whether the queue holds no packets at all (forward or
// back window), used by SeekCache's in-buffer-range computation.
func (q *StreamQueue) IsEmpty() bool {
	return q.head == nil
}

// keyframeRangeMinPTS implements spec.md §4.B "keyframe_range_min_pts":
// walk forward from start; the first encountered keyframe opens a range,
// the next keyframe closes it. Returns the minimum pts-or-dts observed
// inside the range, or packet.Unset if none resolves.
func keyframeRangeMinPTS(start *node) packet.Timestamp {
	n := start
	for n != nil && !n.pkt.Keyframe {
		n = n.next
	}
	if n == nil {
		return packet.Unset
	}

	minPTS := packet.Unset
	first := true
	for cur := n; cur != nil; cur = cur.next {
		if !first && cur.pkt.Keyframe {
			break
		}
		first = false

		ts := cur.pkt.PTS
		if ts == packet.Unset {
			ts = cur.pkt.DTS
		}
		if cur.pkt.Segmented && ts != packet.Unset && (ts < cur.pkt.Segment.Start || ts > cur.pkt.Segment.End) {
			ts = packet.Unset
		}
		if ts != packet.Unset && (minPTS == packet.Unset || ts < minPTS) {
			minPTS = ts
		}
	}
	return minPTS
}
