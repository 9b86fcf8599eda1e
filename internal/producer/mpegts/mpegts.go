// Package mpegts implements engine.Producer over an MPEG-TS byte stream,
// the one concrete format driver this module ships so the Producer
// contract (spec.md §6) is exercised end to end, the way tvarr's
// relay.TSDemuxer wraps a container parser to feed SharedESBuffer. It is
// the sole place demuxcore touches container bytes; everything upstream
// of engine.Sink stays format-agnostic.
package mpegts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"

	"github.com/avioformat/demuxcore/internal/bytesource"
	"github.com/avioformat/demuxcore/internal/demux/engine"
	"github.com/avioformat/demuxcore/internal/demux/packet"
)

// ErrNotSeekable is returned by Seek: the astits demuxer reads a forward
// stream only, so demuxcore's SeekCache (spec.md §4.D) is this producer's
// only seek path; a true producer seek always fails.
var ErrNotSeekable = errors.New("mpegts: producer does not support seeking")

// ptsClockHz is the MPEG-TS/PES presentation clock rate (spec.md leaves
// the producer's internal clock conversion to the producer; astits
// reports PTS/DTS in 90kHz ticks per the MPEG-2 systems spec).
const ptsClockHz = 90_000

func ticksToTimestamp(ticks int64) packet.Timestamp {
	return packet.Timestamp(ticks * (1_000_000_000 / 100) / (ptsClockHz / 100))
}

// streamState tracks the engine-side registration and per-PID decode
// state for one elementary stream discovered in the PMT.
type streamState struct {
	pid         uint16
	streamIndex int
	kind        packet.Kind
	codec       string

	// aacSampleRate records the sample rate of the most recently parsed
	// ADTS header; lastPTS is the last PES timestamp seen, reused for PES
	// units that carry none.
	aacSampleRate int
	lastPTS       packet.Timestamp
}

// Producer reads an MPEG-TS stream via astits, classifies H.264/H.265
// keyframes and AAC ADTS frames via mediacommon, and submits the result as
// demuxcore packets.
type Producer struct {
	url              string
	src              bytesource.Source
	log              *slog.Logger
	accessReferences bool

	demux *astits.Demuxer

	streamsByPID map[uint16]*streamState
}

// New returns a Producer reading from src, originally opened from url.
// accessReferences mirrors engine.Options.AccessReferences (spec.md §6):
// when true and the stream turns out to be an HLS multivariant playlist
// rather than raw TS, Open resolves its first variant before handing off
// to astits.
func New(url string, src bytesource.Source, log *slog.Logger, accessReferences bool) *Producer {
	return &Producer{
		url:              url,
		src:              src,
		log:              log,
		accessReferences: accessReferences,
		streamsByPID:     make(map[uint16]*streamState),
	}
}

// referencePeekBytes is enough to see "#EXTM3U" plus the rest of a
// multivariant playlist's variant lines; HLS playlists are plain text, so
// this is far larger than any PMT/PAT/PES unit astits would otherwise see
// first, making it a safe discriminator between the two formats.
const referencePeekBytes = 64 * 1024

// Open implements engine.Producer. It does not register streams itself:
// astits only reports a track's existence once its PMT entry is parsed,
// which FillBuffer discovers as PAT/PMT data packets arrive, per spec.md
// §4.H "register_stream is called by the producer, from the reader
// thread, as each stream is discovered".
func (p *Producer) Open(ctx context.Context, sink engine.Sink, view *engine.ProducerView, level engine.CheckLevel) error {
	reader := io.Reader(p.src)

	if p.accessReferences {
		peek := make([]byte, referencePeekBytes)
		n, _ := io.ReadFull(p.src, peek)
		peek = peek[:n]

		resolved, err := reopenIfReferenced(ctx, p.url, p.src, peek)
		if err != nil {
			return fmt.Errorf("mpegts: resolving referenced media: %w", err)
		}
		if resolved != p.src {
			p.src = resolved
			view.NeedsReferenceResolution = true
			reader = p.src
		} else {
			reader = io.MultiReader(bytes.NewReader(peek), p.src)
		}
	}

	p.demux = astits.NewDemuxer(ctx, reader)

	view.Seekable = false
	view.PartiallySeekable = p.src.Seekable()
	view.FileType = "mpegts"
	return nil
}

// FillBuffer implements engine.Producer: pulls the next demuxer unit and,
// depending on its kind, either registers a newly discovered stream or
// submits a decoded packet. It returns after exactly one unit so the
// reader loop's overflow/refresh checks run between units, per spec.md
// §4.F read_packet calling FillBuffer once per step.
func (p *Producer) FillBuffer(ctx context.Context, sink engine.Sink, view *engine.ProducerView) (int, error) {
	data, err := p.demux.NextData()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, astits.ErrNoMorePackets) {
			return 0, nil
		}
		return 0, fmt.Errorf("mpegts: reading next unit: %w", err)
	}

	switch {
	case data.PMT != nil:
		p.registerStreamsFromPMT(sink, data.PMT)
		sink.Changed(engine.EventStreams | engine.EventInit)
		return 1, nil

	case data.PES != nil:
		return p.submitPES(sink, data)

	default:
		// PAT, other PSI tables: consumed for demuxer bookkeeping only,
		// reported as progress so the reader loop does not take them for EOF.
		return 1, nil
	}
}

func (p *Producer) registerStreamsFromPMT(sink engine.Sink, pmt *astits.PMTData) {
	for _, es := range pmt.ElementaryStreams {
		if _, ok := p.streamsByPID[es.ElementaryPID]; ok {
			continue
		}

		kind, codec := classifyStreamType(es.StreamType)
		if kind == packet.KindUnknown {
			continue
		}

		header := &engine.StreamHeader{
			Kind:      kind,
			DemuxerID: fmt.Sprintf("pid-%d", es.ElementaryPID),
			Codec:     codec,
		}
		registered := sink.RegisterStream(header)

		p.streamsByPID[es.ElementaryPID] = &streamState{
			pid:         es.ElementaryPID,
			streamIndex: registered.Index,
			kind:        kind,
			codec:       codec,
		}
	}
}

func classifyStreamType(t astits.StreamType) (packet.Kind, string) {
	switch t {
	case astits.StreamTypeH264Video:
		return packet.KindVideo, "h264"
	case astits.StreamTypeH265Video:
		return packet.KindVideo, "h265"
	case astits.StreamTypeAACAudio, astits.StreamTypeAACLATMAudio:
		return packet.KindAudio, "aac"
	case astits.StreamTypeMPEG1Audio, astits.StreamTypeMPEG2HalvedSampleRateAudio:
		return packet.KindAudio, "mp2"
	default:
		return packet.KindUnknown, ""
	}
}

func (p *Producer) submitPES(sink engine.Sink, data *astits.Data) (int, error) {
	st, ok := p.streamsByPID[data.PID]
	if !ok {
		// No registered stream owns this PID: skip the unit, not EOF.
		return 1, nil
	}

	pts, dts := packet.Unset, packet.Unset
	if h := data.PES.Header.OptionalHeader; h != nil {
		if h.PTS != nil {
			pts = ticksToTimestamp(h.PTS.Base)
		}
		if h.DTS != nil {
			dts = ticksToTimestamp(h.DTS.Base)
		}
	}

	keyframe := false
	payload := data.PES.Data

	switch st.codec {
	case "h264":
		nalus, err := h264.AnnexBUnmarshal(payload)
		if err == nil {
			keyframe = h264.IsRandomAccess(nalus)
		}
	case "h265":
		nalus, err := h265.AnnexBUnmarshal(payload)
		if err == nil {
			keyframe = h265.IsRandomAccess(nalus)
		}
	case "aac":
		var pkts mpeg4audio.ADTSPackets
		if err := pkts.Unmarshal(payload); err == nil && len(pkts) > 0 {
			st.aacSampleRate = pkts[0].SampleRate
		}
		keyframe = true // audio frames are always independently decodable
	case "mp2":
		keyframe = true
	}

	if pts == packet.Unset {
		pts = dts
	}
	if pts == packet.Unset {
		// Raw AAC-in-TS sometimes omits PTS on interior frames; fall back
		// to the stream's last known timestamp rather than leaving it
		// Unset, since StreamQueue.Append treats Unset specially.
		pts = st.lastPTS
	} else {
		st.lastPTS = pts
	}

	pkt := &packet.Packet{
		Payload:  payload,
		PTS:      pts,
		DTS:      dts,
		Pos:      packet.UnsetPos,
		Keyframe: keyframe,
	}

	if err := sink.SubmitPacket(st.streamIndex, pkt); err != nil {
		return 0, fmt.Errorf("mpegts: submitting packet for pid %d: %w", st.pid, err)
	}
	return 1, nil
}

// Seek implements engine.Producer. astits reads TS forward-only; every
// seek this module serves comes from SeekCache's in-buffer path instead
// (spec.md §4.D), so a true producer seek is unsupported here.
func (p *Producer) Seek(ctx context.Context, view *engine.ProducerView, pts packet.Timestamp, flags engine.SeekFlag) error {
	return ErrNotSeekable
}

// Control implements engine.Producer. This producer exposes no
// format-specific commands.
func (p *Producer) Control(ctx context.Context, view *engine.ProducerView, cmd string, arg any) (engine.ControlResult, any) {
	return engine.ControlUnsupported, nil
}

// Close implements engine.Producer.
func (p *Producer) Close(view *engine.ProducerView) {
	p.src.Close()
}

// Seekable implements engine.Producer: never fully seekable, partially
// seekable only when the underlying byte source supports ranged reads
// (used by SeekCache-independent producer-level features, none of which
// this producer has yet).
func (p *Producer) Seekable() (full, partial bool) {
	return false, p.src.Seekable()
}

// CancelRequested implements engine.Producer.
func (p *Producer) CancelRequested() bool {
	return p.src.CancelTest()
}
