package seekcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avioformat/demuxcore/internal/demux/packet"
	"github.com/avioformat/demuxcore/internal/demux/queue"
)

func bufferedStream(kind packet.Kind, keyframePTSs []packet.Timestamp, stride int) Stream {
	q := queue.New(0, kind)
	q.Selected = true
	for i, pts := range keyframePTSs {
		q.Append(&packet.Packet{PTS: pts, DTS: pts, Keyframe: i%stride == 0, Payload: make([]byte, 10)}, false)
	}
	return Stream{Queue: q, Kind: kind}
}

func TestAttempt_FailsWhenDisabled(t *testing.T) {
	s := bufferedStream(packet.KindVideo, []packet.Timestamp{0, 10, 20, 30}, 1)
	ok := Attempt([]Stream{s}, 15, Flags{}, false)
	assert.False(t, ok)
}

func TestAttempt_FailsOnFactorFlag(t *testing.T) {
	s := bufferedStream(packet.KindVideo, []packet.Timestamp{0, 10, 20, 30}, 1)
	ok := Attempt([]Stream{s}, 15, Flags{Factor: true}, true)
	assert.False(t, ok)
}

func TestAttempt_FailsOutsideBufferedRange(t *testing.T) {
	s := bufferedStream(packet.KindVideo, []packet.Timestamp{0, 10, 20, 30}, 1)
	ok := Attempt([]Stream{s}, 999, Flags{}, true)
	assert.False(t, ok)
}

func TestAttempt_SucceedsAndRepositionsReaderHead(t *testing.T) {
	s := bufferedStream(packet.KindVideo, []packet.Timestamp{0, 10, 20, 30}, 1)
	require.NotEqual(t, packet.Unset, s.Queue.BackPTS)

	ok := Attempt([]Stream{s}, 15, Flags{}, true)
	require.True(t, ok)

	p, dequeued := s.Queue.Dequeue(0)
	require.True(t, dequeued)
	// Without Forward, the nearest range at or below 15 is the one at 10.
	assert.Equal(t, packet.Timestamp(10), p.PTS)
}

func TestAttempt_HRSkipsKeyframeRealignment(t *testing.T) {
	s := bufferedStream(packet.KindVideo, []packet.Timestamp{0, 10, 20, 30}, 2)

	ok := Attempt([]Stream{s}, 15, Flags{HR: true, Forward: true}, true)
	require.True(t, ok)

	p, dequeued := s.Queue.Dequeue(0)
	require.True(t, dequeued)
	// With stride 2, keyframes are at 0 and 20; HR forward from 15 lands
	// on the range starting at the 20 keyframe regardless of realignment.
	assert.Equal(t, packet.Timestamp(20), p.PTS)
}
