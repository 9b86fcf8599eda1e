package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avioformat/demuxcore/internal/demux/packet"
)

func kfPacket(pts packet.Timestamp, keyframe bool, size int) *packet.Packet {
	return &packet.Packet{
		Payload:  make([]byte, size),
		PTS:      pts,
		DTS:      pts,
		Pos:      int64(pts),
		Keyframe: keyframe,
	}
}

func newSelected(kind packet.Kind) *StreamQueue {
	q := New(0, kind)
	q.Selected = true
	return q
}

func TestAppend_FirstPacketBecomesReaderHead(t *testing.T) {
	q := newSelected(packet.KindVideo)

	res := q.Append(kfPacket(0, true, 100), false)

	assert.False(t, res.Dropped)
	assert.True(t, res.FirstAfterEmpty)
	assert.True(t, res.ClearEngineEOF)
	assert.Equal(t, 1, q.FwPacks)
	assert.True(t, q.HasPacket())
}

func TestAppend_UnselectedStreamDropsPacket(t *testing.T) {
	q := New(0, packet.KindVideo) // not selected

	res := q.Append(kfPacket(0, true, 100), false)

	assert.True(t, res.Dropped)
	assert.False(t, q.HasPacket())
}

func TestAppend_SeekingDropsPacket(t *testing.T) {
	q := newSelected(packet.KindVideo)

	res := q.Append(kfPacket(0, true, 100), true)

	assert.True(t, res.Dropped)
}

func TestAppend_SubsequentPacketsGoToForwardWindow(t *testing.T) {
	q := newSelected(packet.KindVideo)

	q.Append(kfPacket(0, true, 100), false)
	q.Append(kfPacket(40, false, 100), false)
	q.Append(kfPacket(80, false, 100), false)

	assert.Equal(t, 3, q.FwPacks)
	assert.Equal(t, int64(0), q.BwBytes)
}

func TestAppend_NonVideoUsesSDtsForUnsetPts(t *testing.T) {
	q := newSelected(packet.KindAudio)
	p := &packet.Packet{DTS: 10, PTS: packet.Unset}

	q.Append(p, false)

	assert.Equal(t, packet.Timestamp(10), p.PTS)
}

func TestAppend_MonotonicityFlagsClearOnViolation(t *testing.T) {
	q := newSelected(packet.KindVideo)

	q.Append(kfPacket(10, true, 10), false)
	assert.True(t, q.CorrectDTS)

	q.Append(kfPacket(5, false, 10), false) // regresses
	assert.False(t, q.CorrectDTS)
}

func TestAppend_RefreshFilterDropsUntilResumption(t *testing.T) {
	q := newSelected(packet.KindVideo)
	q.LastDTS = 100
	q.Refreshing = true

	// Packets before the last seen position are dropped.
	res := q.Append(&packet.Packet{DTS: 50, PTS: 50}, false)
	assert.True(t, res.Dropped)
	assert.True(t, q.Refreshing)

	// The exact boundary packet is also dropped, but ends the refresh.
	res = q.Append(&packet.Packet{DTS: 100, PTS: 100}, false)
	assert.True(t, res.Dropped)
	assert.False(t, q.Refreshing)

	// The next packet, strictly past, is kept.
	res = q.Append(&packet.Packet{DTS: 101, PTS: 101}, false)
	assert.False(t, res.Dropped)
	assert.True(t, q.HasPacket())
}

func TestDequeue_EmptyQueueReturnsFalse(t *testing.T) {
	q := newSelected(packet.KindVideo)

	p, ok := q.Dequeue(0)
	assert.False(t, ok)
	assert.Nil(t, p)
}

func TestDequeue_ReturnsCopyAndAdvancesCursor(t *testing.T) {
	q := newSelected(packet.KindVideo)
	original := kfPacket(0, true, 100)
	q.Append(original, false)

	cp, ok := q.Dequeue(0)
	require.True(t, ok)
	require.NotNil(t, cp)
	assert.Equal(t, packet.Timestamp(0), cp.PTS)
	assert.NotSame(t, original, cp)
	assert.Equal(t, 0, q.FwPacks)
	assert.Equal(t, int64(0), q.FwBytes)
	assert.Greater(t, q.BwBytes, int64(0))
}

func TestDequeue_AppliesTsOffset(t *testing.T) {
	q := newSelected(packet.KindVideo)
	q.Append(kfPacket(100, true, 10), false)

	cp, ok := q.Dequeue(5)
	require.True(t, ok)
	assert.Equal(t, packet.Timestamp(105), cp.PTS)
	assert.Equal(t, packet.Timestamp(105), cp.DTS)
}

func TestDequeue_AttachedPictureDeliveredOnce(t *testing.T) {
	q := newSelected(packet.KindVideo)
	q.AttachedPicture = &packet.Packet{Payload: []byte("cover")}

	cp, ok := q.Dequeue(0)
	require.True(t, ok)
	assert.Equal(t, []byte("cover"), cp.Payload)
	assert.True(t, q.EOF)

	cp, ok = q.Dequeue(0)
	assert.False(t, ok)
	assert.Nil(t, cp)
}

func TestFlush_ResetsQueueToRegisteredShape(t *testing.T) {
	q := newSelected(packet.KindVideo)
	q.Append(kfPacket(0, true, 10), false)
	q.Append(kfPacket(40, false, 10), false)

	q.Flush()

	assert.False(t, q.HasPacket())
	assert.Equal(t, 0, q.FwPacks)
	assert.Equal(t, int64(0), q.FwBytes)
	assert.Equal(t, int64(0), q.BwBytes)
	assert.True(t, q.CorrectDTS)
	assert.True(t, q.CorrectPos)
}

func TestSeekToTarget_ForwardPicksFirstRangeAtOrAfter(t *testing.T) {
	q := newSelected(packet.KindVideo)
	for _, pts := range []packet.Timestamp{0, 10, 20, 30} {
		q.Append(kfPacket(pts, true, 10), false)
	}

	resolved, ok := q.SeekToTarget(15, true)
	require.True(t, ok)
	assert.Equal(t, packet.Timestamp(20), resolved)
}

func TestSeekToTarget_NearestPrefersLessOrEqual(t *testing.T) {
	q := newSelected(packet.KindVideo)
	for _, pts := range []packet.Timestamp{0, 10, 20, 30} {
		q.Append(kfPacket(pts, true, 10), false)
	}

	resolved, ok := q.SeekToTarget(15, false)
	require.True(t, ok)
	assert.Equal(t, packet.Timestamp(10), resolved)
}

func TestSeekToTarget_NoKeyframesSetsSkipToKeyframe(t *testing.T) {
	q := newSelected(packet.KindVideo)
	q.Append(kfPacket(0, false, 10), false)

	_, ok := q.SeekToTarget(0, true)
	assert.False(t, ok)
	assert.True(t, q.SkipToKeyframe)
}

func TestRecomputeCounts_MatchesIncrementalAccounting(t *testing.T) {
	q := newSelected(packet.KindVideo)
	for _, pts := range []packet.Timestamp{0, 10, 20, 30} {
		q.Append(kfPacket(pts, pts%20 == 0, 100), false)
	}
	wantFwPacks, wantFwBytes, wantBwBytes := q.FwPacks, q.FwBytes, q.BwBytes

	q.RecomputeCounts()

	assert.Equal(t, wantFwPacks, q.FwPacks)
	assert.Equal(t, wantFwBytes, q.FwBytes)
	assert.Equal(t, wantBwBytes, q.BwBytes)
}
