// Package seekcache implements the in-buffer seek resolution path
// (spec.md §4.D SeekCache): satisfying a seek entirely from already
// buffered packets, bypassing the producer.
package seekcache

import (
	"github.com/avioformat/demuxcore/internal/demux/packet"
	"github.com/avioformat/demuxcore/internal/demux/queue"
)

// Flags mirrors the producer seek bitmask from spec.md §6 (HR, FORWARD,
// FACTOR). FACTOR seeks never use the cache: there is no buffered "stream
// fraction" to resolve against.
type Flags struct {
	HR      bool
	Forward bool
	Factor  bool
}

// Stream is the view SeekCache needs of one registered stream: the queue
// to re-anchor, and its kind, to find "the first video stream" (spec.md
// §4.D step 3).
type Stream struct {
	Queue *queue.StreamQueue
	Kind  packet.Kind
}

// Attempt tries to satisfy a seek to t (already normalized by -ts_offset)
// entirely from buffered data. It reports whether it succeeded; on failure
// no stream state has been mutated and the caller must fall through to a
// producer seek (spec.md §4.F).
func Attempt(streams []Stream, t packet.Timestamp, flags Flags, seekableCache bool) bool {
	if !seekableCache || flags.Factor {
		return false
	}

	tsMin, tsMax, ok := inBufferRange(streams)
	if !ok || t < tsMin || t > tsMax {
		return false
	}

	for _, s := range streams {
		s.Queue.ResetReaderState()
	}

	target, forward := t, flags.Forward
	if !flags.HR {
		for _, s := range streams {
			if s.Kind != packet.KindVideo {
				continue
			}
			if pts, found := s.Queue.NearestKeyframeRangePTS(t, forward); found {
				target = pts
			}
			forward = false
			break
		}
	}

	for _, s := range streams {
		s.Queue.SeekToTarget(target, forward)
		s.Queue.RecomputeCounts()
	}
	return true
}

// inBufferRange computes [min back_pts, max last_ts] across every selected
// stream, failing if any of them lacks a resolvable back_pts or last_ts
// (spec.md §4.D step 1).
func inBufferRange(streams []Stream) (tsMin, tsMax packet.Timestamp, ok bool) {
	tsMin, tsMax = packet.Unset, packet.Unset
	any := false

	for _, s := range streams {
		if !s.Queue.Selected {
			continue
		}
		any = true
		if s.Queue.BackPTS == packet.Unset || s.Queue.LastTS == packet.Unset {
			return 0, 0, false
		}
		if tsMin == packet.Unset || s.Queue.BackPTS < tsMin {
			tsMin = s.Queue.BackPTS
		}
		if tsMax == packet.Unset || s.Queue.LastTS > tsMax {
			tsMax = s.Queue.LastTS
		}
	}
	if !any {
		return 0, 0, false
	}
	return tsMin, tsMax, true
}
