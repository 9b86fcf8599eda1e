package queue

import (
	"math"

	"github.com/avioformat/demuxcore/internal/demux/packet"
)

// Evict prunes back-buffer bytes across streams until their combined
// BwBytes is at or below maxBytesBw, per spec.md §4.C. It runs after every
// consumer dequeue. A maxBytesBw of zero still allows the single-packet
// slack spec.md §8 calls out: eviction only ever removes whole keyframe
// ranges, so it can undershoot but never leaves a partial range behind.
func Evict(streams []*StreamQueue, maxBytesBw int64) {
	for {
		var total int64
		for _, s := range streams {
			total += s.BwBytes
		}
		if total <= maxBytesBw {
			return
		}

		if !evictOneFromBestCandidate(streams) {
			return // nothing left that can be safely pruned
		}
	}
}

// evictOneFromBestCandidate tries the globally selected victim (smallest
// oldest back-buffer timestamp) first and, if its head keyframe range can't
// be pruned, falls through to the next-oldest candidate instead of leaving
// reclaimable bytes on a different stream untouched: the back-buffer bound
// (spec.md §8) applies to the sum across streams, not to any one stream in
// isolation.
func evictOneFromBestCandidate(streams []*StreamQueue) bool {
	tried := make(map[*StreamQueue]bool)
	for {
		victim := selectEvictionVictim(streams, tried)
		if victim == nil {
			return false
		}
		if victim.evictOneRange() {
			return true
		}
		tried[victim] = true
	}
}

// selectEvictionVictim picks, among streams not in exclude, the one whose
// oldest still-evictable packet (strictly before reader_head) has the
// smallest pts-or-dts; UNSET timestamps sort earliest.
func selectEvictionVictim(streams []*StreamQueue, exclude map[*StreamQueue]bool) *StreamQueue {
	var victim *StreamQueue
	var victimTS int64 = math.MaxInt64

	for _, s := range streams {
		if exclude[s] {
			continue
		}
		n := s.head
		if n == nil || n == s.readerHead {
			continue
		}
		ts := n.pkt.PTS
		if ts == packet.Unset {
			ts = n.pkt.DTS
		}
		sortKey := int64(math.MinInt64)
		if ts != packet.Unset {
			sortKey = int64(ts)
		}
		if victim == nil || sortKey < victimTS {
			victim, victimTS = s, sortKey
		}
	}
	return victim
}

// evictOneRange frees one whole keyframe range from the head of the queue,
// per spec.md §4.C steps 2-3. It reports whether it made progress.
func (q *StreamQueue) evictOneRange() bool {
	if q.head == nil {
		return false
	}

	var target *node
	for n := q.head.next; n != nil; n = n.next {
		if !n.pkt.Keyframe {
			continue
		}
		if pts := keyframeRangeMinPTS(n); pts != packet.Unset {
			target = n
			q.BackPTS = pts
			break
		}
	}
	if target == nil {
		return false
	}

	freed := false
	cur := q.head
	for cur != nil && cur != target && cur != q.readerHead {
		q.BwBytes -= cur.pkt.EstSize()
		cur = cur.next
		freed = true
	}
	q.head = cur
	return freed
}
