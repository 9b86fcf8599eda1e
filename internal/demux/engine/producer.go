package engine

import (
	"sort"

	"github.com/avioformat/demuxcore/internal/demux/packet"
	"github.com/avioformat/demuxcore/internal/demux/queue"
)

// RegisterStream appends a new stream to the dense stream table, assigns
// its index, and fires STREAMS (spec.md §4.H register_stream). Called by
// the producer with the engine lock released; it takes the lock itself.
func (e *Engine) RegisterStream(header *StreamHeader) *StreamHeader {
	e.mu.Lock()
	defer e.mu.Unlock()

	index := len(e.streams)
	header.Index = index
	if header.DemuxerID == "" {
		header.DemuxerID = header.Kind.String()
	}
	header.FFIndex = index

	q := queue.New(index, header.Kind)
	q.Selected = e.autoselect
	if header.AttachedPicture != nil {
		q.AttachedPicture = header.AttachedPicture
	}
	header.Queue = q

	e.streams = append(e.streams, &streamEntry{header: header, queue: q})

	if e.opts.CreateCCs && header.Kind == packet.KindVideo {
		e.createCaptionQueueLocked(q, header.DemuxerID)
	}

	e.markChangedLocked(EventStreams)
	e.wakeConsumerLocked()
	return header
}

// createCaptionQueueLocked eagerly creates a video stream's synthetic
// closed-caption queue when engine.Options.CreateCCs is set, rather than
// waiting for the first SubmitCaption call (spec.md §6 create_ccs: "pre-
// creates synthetic caption tracks for video streams").
func (e *Engine) createCaptionQueueLocked(videoQueue *queue.StreamQueue, videoDemuxerID string) {
	ccIndex := len(e.streams)
	ccQueue := queue.New(ccIndex, packet.KindSubtitle)
	ccQueue.IgnoreEOF = true
	ccQueue.Selected = e.autoselect
	ccHeader := &StreamHeader{
		Kind:      packet.KindSubtitle,
		Index:     ccIndex,
		DemuxerID: videoDemuxerID + "-cc",
		Queue:     ccQueue,
	}
	e.streams = append(e.streams, &streamEntry{header: ccHeader, queue: ccQueue})
	videoQueue.CC = ccQueue
}

// SubmitPacket routes p to the named stream's StreamQueue.Append
// (spec.md §4.H submit_packet). Called by the producer with the engine lock
// released; it takes the lock itself.
func (e *Engine) SubmitPacket(streamIndex int, p *packet.Packet) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, err := e.entry(streamIndex)
	if err != nil {
		return err
	}

	res := entry.queue.Append(p, e.seeking)
	if res.Dropped {
		return nil
	}
	if res.ClearEngineEOF {
		e.eof = false
		e.lastEOF = false
	}
	if res.FirstAfterEmpty {
		e.wakeConsumerLocked()
	}
	e.cond.Broadcast()
	return nil
}

// SubmitCaption submits p to streamIndex's synthetic closed-caption stream,
// lazily creating it on first use with ignore_eof set (spec.md §4.H
// submit_caption). Timestamps are shifted by -ts_offset to match the
// caption stream's independent clock before being handed to Append.
func (e *Engine) SubmitCaption(streamIndex int, p *packet.Packet) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, err := e.entry(streamIndex)
	if err != nil {
		return err
	}

	if entry.queue.CC == nil {
		e.createCaptionQueueLocked(entry.queue, entry.header.DemuxerID)
		e.markChangedLocked(EventStreams)
	}

	if e.tsOffset != 0 {
		if p.PTS != packet.Unset {
			p.PTS -= e.tsOffset
		}
		if p.DTS != packet.Unset {
			p.DTS -= e.tsOffset
		}
	}

	res := entry.queue.CC.Append(p, e.seeking)
	if res.FirstAfterEmpty {
		e.wakeConsumerLocked()
	}
	e.cond.Broadcast()
	return nil
}

// SetStreamTags writes tags directly pre-init, or buffers them in an
// indexed slot and raises METADATA post-init (spec.md §4.H
// set_stream_tags).
func (e *Engine) SetStreamTags(streamIndex int, tags map[string]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, err := e.entry(streamIndex)
	if err != nil {
		return err
	}

	if e.initialState {
		entry.header.Tags = tags
		return nil
	}

	if e.viewShadow.streamTags == nil {
		e.viewShadow.streamTags = make(map[int]map[string]string)
	}
	e.viewShadow.streamTags[streamIndex] = tags
	e.markChangedLocked(EventMetadata)
	return nil
}

// Changed merges events into the producer view, sorts chapters on INIT,
// and stages the shared fields through the shadow view (spec.md §4.H
// changed).
func (e *Engine) Changed(events Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if events&EventInit != 0 {
		sortChapters(e.viewProducer.Chapters)
		e.initialState = false
	}
	e.markChangedLocked(events)
}

// markChangedLocked stages the producer view's shared fields into the
// shadow view and merges events. Caller must hold the lock.
func (e *Engine) markChangedLocked(events Event) {
	e.viewShadow.events |= events
	e.viewShadow.fields = e.viewProducer.sharedFields
	e.wakeConsumerLocked()
}

func sortChapters(chapters []Chapter) {
	sort.Slice(chapters, func(i, j int) bool {
		return chapters[i].Start < chapters[j].Start
	})
}

// CancelTest asks the byte-stream source (via the producer) whether the
// caller should abort (spec.md §4.H cancel_test).
func (e *Engine) CancelTest() bool {
	return e.producer.CancelRequested()
}

// wakeConsumerLocked signals the condvar so a blocked consumer or reader
// observes the change. Caller must hold the lock.
func (e *Engine) wakeConsumerLocked() {
	e.cond.Broadcast()
}
