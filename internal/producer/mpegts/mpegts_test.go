package mpegts

import (
	"testing"

	"github.com/asticode/go-astits"
	"github.com/stretchr/testify/assert"

	"github.com/avioformat/demuxcore/internal/demux/packet"
)

func TestTicksToTimestamp_ConvertsNinetyKHzClock(t *testing.T) {
	assert.Equal(t, packet.Timestamp(1_000_000_000), ticksToTimestamp(90_000))
	assert.Equal(t, packet.Timestamp(0), ticksToTimestamp(0))
}

func TestClassifyStreamType(t *testing.T) {
	cases := []struct {
		in       astits.StreamType
		wantKind packet.Kind
		wantCodec string
	}{
		{astits.StreamTypeH264Video, packet.KindVideo, "h264"},
		{astits.StreamTypeH265Video, packet.KindVideo, "h265"},
		{astits.StreamTypeAACAudio, packet.KindAudio, "aac"},
		{astits.StreamTypeMPEG1Audio, packet.KindAudio, "mp2"},
	}
	for _, c := range cases {
		kind, codec := classifyStreamType(c.in)
		assert.Equal(t, c.wantKind, kind)
		assert.Equal(t, c.wantCodec, codec)
	}
}

func TestClassifyStreamType_UnknownYieldsUnknownKind(t *testing.T) {
	kind, codec := classifyStreamType(astits.StreamType(0xFF))
	assert.Equal(t, packet.KindUnknown, kind)
	assert.Empty(t, codec)
}
