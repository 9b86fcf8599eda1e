package engine

import (
	"context"
	"errors"

	"github.com/avioformat/demuxcore/internal/demux/packet"
	"github.com/avioformat/demuxcore/internal/demux/queue"
	"github.com/avioformat/demuxcore/internal/demux/seekcache"
)

// ErrNotYet is returned by TryRead when the named stream has no packet
// buffered right now but has not reached end of stream either (spec.md
// §4.G "non-blocking read").
var ErrNotYet = errors.New("engine: no packet available yet")

// ErrEndOfStream is returned by Read/TryRead/ReadAny once a stream's
// forward window is empty and its EOF flag is set.
var ErrEndOfStream = errors.New("engine: end of stream")

// Read blocks until streamIndex has a packet, the engine terminates, or the
// stream reaches EOF (spec.md §4.G ConsumerAPI.Read).
func (e *Engine) Read(ctx context.Context, streamIndex int) (*packet.Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		entry, err := e.entry(streamIndex)
		if err != nil {
			return nil, err
		}
		if p, ok := entry.queue.Dequeue(e.tsOffset); ok {
			e.advanceConsumerBytePosLocked(p)
			queue.Evict(e.allQueues(), e.opts.MaxBytesBw)
			return p, nil
		}
		if entry.queue.EOF && !entry.queue.IgnoreEOF {
			return nil, ErrEndOfStream
		}
		if e.terminate {
			return nil, ErrTerminated
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.cond.Wait()
	}
}

// TryRead returns immediately: a packet, ErrNotYet if none is buffered, or
// ErrEndOfStream once the stream is exhausted (spec.md §4.G
// ConsumerAPI.TryRead).
func (e *Engine) TryRead(streamIndex int) (*packet.Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, err := e.entry(streamIndex)
	if err != nil {
		return nil, err
	}
	if p, ok := entry.queue.Dequeue(e.tsOffset); ok {
		e.advanceConsumerBytePosLocked(p)
		queue.Evict(e.allQueues(), e.opts.MaxBytesBw)
		return p, nil
	}
	if entry.queue.EOF && !entry.queue.IgnoreEOF {
		return nil, ErrEndOfStream
	}
	return nil, ErrNotYet
}

// HasPacket reports, without blocking, whether Read would currently return
// a packet for streamIndex.
func (e *Engine) HasPacket(streamIndex int) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, err := e.entry(streamIndex)
	if err != nil {
		return false, err
	}
	return entry.queue.HasPacket(), nil
}

// ReadAny drives read_packet steps inline on the calling goroutine until a
// selected stream has a packet ready or the engine reaches EOF, and returns
// the first selected stream's packet, used by
// callers that never call Start and so have no dedicated reader thread
// (spec.md §4.G "synchronous mode").
func (e *Engine) ReadAny(ctx context.Context) (streamIndex int, p *packet.Packet, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.synchronous = true

	for {
		for _, s := range e.streams {
			if !s.queue.Selected {
				continue
			}
			if pkt, ok := s.queue.Dequeue(e.tsOffset); ok {
				e.advanceConsumerBytePosLocked(pkt)
				queue.Evict(e.allQueues(), e.opts.MaxBytesBw)
				return s.queue.Index, pkt, nil
			}
		}
		if e.eof {
			return 0, nil, ErrEndOfStream
		}
		e.readPacketLocked(ctx)
	}
}

// Seek tries the in-buffer SeekCache first and, on a miss, hands the
// request to the reader thread and waits for it to complete (spec.md §4.G
// ConsumerAPI.Seek).
func (e *Engine) Seek(ctx context.Context, pts packet.Timestamp, flags SeekFlag) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.viewProducer.Seekable && !e.opts.ForceSeekable {
		return ErrNotSeekable
	}
	if pts == packet.Unset {
		return ErrUnsetTimestamp
	}

	target := pts - e.tsOffset

	if e.attemptSeekCacheLocked(target, flags) {
		return nil
	}

	e.seeking = true
	e.seekPTS = target
	e.seekFlags = flags
	e.cond.Broadcast()

	for e.seeking {
		if e.terminate {
			return ErrTerminated
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.cond.Wait()
	}
	return nil
}

func (e *Engine) attemptSeekCacheLocked(target packet.Timestamp, flags SeekFlag) bool {
	streams := make([]seekcache.Stream, 0, len(e.streams))
	for _, s := range e.streams {
		if s.queue.Selected {
			streams = append(streams, seekcache.Stream{Queue: s.queue, Kind: s.queue.Kind})
		}
	}
	scFlags := seekcache.Flags{
		HR:      flags&SeekHR != 0,
		Forward: flags&SeekForward != 0,
		Factor:  flags&SeekFactor != 0,
	}
	return seekcache.Attempt(streams, target, scFlags, e.opts.SeekableCache)
}

// SelectTrack enables or disables streamIndex and asks the reader thread to
// flush or refresh it (spec.md §4.G ConsumerAPI.SelectTrack). refPTS is used
// only when enabling a stream mid-stream, to prime its refresh point.
func (e *Engine) SelectTrack(streamIndex int, refPTS packet.Timestamp, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, err := e.entry(streamIndex)
	if err != nil {
		return err
	}
	if entry.queue.Selected == on {
		return nil
	}

	entry.queue.Selected = on
	entry.queue.Flush()
	if on && refPTS != packet.Unset {
		e.refPTS = refPTS
	}

	e.tracksSwitched = true
	e.switchedStreams = append(e.switchedStreams, streamIndex)
	e.cond.Broadcast()
	return nil
}

// Flush drops every stream's buffered packets without a seek, used when a
// consumer discards in-flight state (e.g. after a decoder reset).
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.streams {
		s.queue.Flush()
	}
	e.cond.Broadcast()
}

// SetTsOffset sets the engine-wide presentation timestamp shift applied to
// every packet leaving Read/TryRead/ReadAny (spec.md §4.G
// ConsumerAPI.SetTsOffset).
func (e *Engine) SetTsOffset(offset packet.Timestamp) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tsOffset = offset
}

// Cached-query commands servable from engine state alone (spec.md §4.D
// "Two cached-stream control queries are served entirely from engine state
// without waking the producer: byte size, cache-info snapshot, base
// filename").
const (
	CmdByteSize     = "BYTE_SIZE"
	CmdCacheInfo    = "CACHE_INFO"
	CmdBaseFilename = "BASE_FILENAME"
	CmdBitrateStats = "BITRATE_STATS"
	CmdReaderState  = "READER_STATE"
)

// controlCachedLocked answers the lock-only cached queries of spec.md §4.G
// Control ("first try the lock-only cached path ... If it returns unknown,
// marshal to the reader"). Caller must hold the lock. ok is false when cmd
// isn't one of the cached queries, in which case Control falls through to
// the reader thread.
func (e *Engine) controlCachedLocked(cmd string) (result ControlResult, out any, ok bool) {
	switch cmd {
	case CmdByteSize:
		return ControlOK, e.consumerBytePos, true
	case CmdBaseFilename:
		return ControlOK, e.opts.BaseFilename, true
	case CmdCacheInfo, CmdBitrateStats, CmdReaderState:
		return ControlOK, e.statsLocked(), true
	default:
		return ControlUnknown, nil, false
	}
}

// Control first tries the lock-only cached path and, on a miss, marshals
// cmd/arg onto the reader thread and blocks for the producer's response
// (spec.md §4.G ConsumerAPI.Control).
func (e *Engine) Control(ctx context.Context, cmd string, arg any) (ControlResult, any) {
	e.mu.Lock()

	if result, out, ok := e.controlCachedLocked(cmd); ok {
		e.mu.Unlock()
		return result, out
	}

	if e.terminate {
		e.mu.Unlock()
		return ControlError, ErrTerminated
	}

	done := make(chan struct{})
	e.runDone = done
	var result ControlResult
	var out any
	e.runFn = func() {
		result, out = e.producer.Control(ctx, e.viewProducer, cmd, arg)
	}
	e.cond.Broadcast()
	e.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ControlError, ctx.Err()
	}

	return result, out
}

// PullUpdates copies the producer-staged fields and buffered stream-tag
// updates from the shadow view into the consumer view and reports which
// events were delivered, clearing them from the shadow (spec.md §4.E
// pull_updates — the consumer-facing half of the three-view duality of
// spec.md §9).
func (e *Engine) PullUpdates() Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.viewShadow.events == 0 {
		return 0
	}

	e.viewConsumer.sharedFields = e.viewShadow.fields
	e.viewConsumer.PendingEvents |= e.viewShadow.events
	for idx, tags := range e.viewShadow.streamTags {
		if entry, err := e.entry(idx); err == nil {
			entry.header.Tags = tags
		}
	}
	e.viewShadow.streamTags = make(map[int]map[string]string)
	e.viewShadow.events = 0

	delivered := e.viewConsumer.PendingEvents
	e.viewConsumer.PendingEvents = 0
	return delivered
}

// AttachedPicture returns streamIndex's attached-picture packet directly,
// without consuming its one-shot delivery slot in Read/TryRead (spec.md
// §4.B/4.G; resolved in DESIGN.md's Open Questions as a read-only accessor
// distinct from the Dequeue-integrated delivery path).
func (e *Engine) AttachedPicture(streamIndex int) (*packet.Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, err := e.entry(streamIndex)
	if err != nil {
		return nil, err
	}
	if entry.queue.AttachedPicture == nil {
		return nil, ErrAttachedPicture
	}
	return entry.queue.AttachedPicture.Copy(), nil
}

// advanceConsumerBytePosLocked raises the engine's consumer-visible byte
// position to p's source byte offset if it's further along, per spec.md
// §4.B step 7. It's a high-water mark, not a running total: packets from
// different streams interleave and can repeat earlier offsets after a seek.
func (e *Engine) advanceConsumerBytePosLocked(p *packet.Packet) {
	if p.Pos != packet.UnsetPos && p.Pos > e.consumerBytePos {
		e.consumerBytePos = p.Pos
	}
}

// ConsumerBytePos returns the high-water mark of the source byte offset of
// packets handed to the consumer so far, served from cached state by
// Control's byte-size query (spec.md §4.E/§4.B step 7).
func (e *Engine) ConsumerBytePos() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consumerBytePos
}
