package engine

import (
	"context"

	"github.com/avioformat/demuxcore/internal/demux/packet"
)

// runReaderLoop is the dedicated reader thread's top-level step loop
// (spec.md §4.F ReaderLoop). It dispatches, in priority order, a pending
// track switch, a pending seek, a forced cache update, or a regular
// read_packet, parking on the condvar whenever none of those apply and the
// engine is neither idle-eligible nor terminating.
func (e *Engine) runReaderLoop(ctx context.Context) {
	defer close(e.readerDone)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureOpenedLocked(ctx); err != nil {
		e.idle = true
		e.cond.Broadcast()
		return
	}

	for {
		if e.terminate {
			return
		}

		switch {
		case e.runFn != nil:
			fn := e.runFn
			e.runFn = nil
			e.mu.Unlock()
			fn()
			e.mu.Lock()
			if e.runDone != nil {
				close(e.runDone)
				e.runDone = nil
			}
			continue

		case e.tracksSwitched:
			e.applySwitchedTracksLocked(ctx)
			continue

		case e.seeking:
			e.performSeekLocked(ctx)
			continue

		case e.forceCacheUpdate:
			e.forceCacheUpdate = false
			e.runCacheUpdateLocked(ctx)
			continue

		case !e.eof:
			e.readPacketLocked(ctx)
			continue
		}

		e.idle = true
		e.cond.Broadcast()
		e.cond.Wait()
		e.idle = false
	}
}

// ensureOpenedLocked calls Producer.Open exactly once, on whichever
// goroutine first needs it: the dedicated reader thread when Start is used,
// or the calling goroutine's first readPacketLocked when the engine is
// driven synchronously via ConsumerAPI.ReadAny (spec.md §4.G "synchronous
// mode" never calls Start, so Open has nowhere else to run from). Caller
// must hold the lock; released around the Producer call per spec.md §5.
func (e *Engine) ensureOpenedLocked(ctx context.Context) error {
	if e.opened {
		return nil
	}
	e.opened = true

	e.mu.Unlock()
	err := e.producer.Open(ctx, e, e.viewProducer, CheckNormal)
	e.mu.Lock()

	if err != nil {
		e.log.Error("producer open failed", "error", err)
		e.eof = true
		return err
	}
	full, partial := e.producer.Seekable()
	e.viewProducer.Seekable = full || e.opts.ForceSeekable
	e.viewProducer.PartiallySeekable = partial
	return nil
}

// readPacketLocked implements spec.md §4.F read_packet: the overflow guard,
// the refresh-plan check, and a single FillBuffer call. Called with the
// lock held; releases it around the actual Producer call per spec.md §5
// "Suspension points".
func (e *Engine) readPacketLocked(ctx context.Context) {
	if err := e.ensureOpenedLocked(ctx); err != nil {
		return
	}

	if e.opts.MaxBytes > 0 {
		var total int64
		for _, s := range e.streams {
			total += s.queue.FwBytes
		}
		if total >= e.opts.MaxBytes {
			if !e.overflowWarned {
				e.log.Warn("buffer at capacity, pausing fill", "max_bytes", e.opts.MaxBytes)
				e.overflowWarned = true
			}
			e.idle = true
			e.cond.Broadcast()
			e.cond.Wait()
			e.idle = false
			return
		}
		e.overflowWarned = false
	}

	if pts, needed := e.planRefreshLocked(); needed {
		e.beginRefreshLocked(pts)
	}

	e.mu.Unlock()
	n, err := e.producer.FillBuffer(ctx, e, e.viewProducer)
	e.mu.Lock()

	if err != nil {
		e.log.Error("fill buffer failed", "error", err)
		e.markEngineEOFLocked()
		return
	}
	if n <= 0 {
		e.markEngineEOFLocked()
		return
	}
}

// markEngineEOFLocked records that the producer is exhausted and propagates
// it to every stream's forward-window EOF flag, the signal ConsumerAPI.Read/
// TryRead actually check (spec.md §4.B). A stream with IgnoreEOF set (a
// synthetic caption queue) still gets the flag — Read/TryRead simply treat it
// as non-terminal because they check IgnoreEOF alongside EOF — rather than
// never observing the underlying producer's exhaustion at all.
func (e *Engine) markEngineEOFLocked() {
	e.eof = true
	e.lastEOF = true
	for _, s := range e.streams {
		s.queue.EOF = true
	}
	e.cond.Broadcast()
}

// refreshUndershoot is subtracted from start_ts on the refreshing-subset
// path (spec.md §4.F get_refresh_seek_pts) so the producer definitely
// re-yields the last-seen packet on every already-playing stream, letting
// StreamQueue.Append's monotonicity check discard the duplicates until the
// newly selected stream catches up.
const refreshUndershoot = packet.Timestamp(1_000_000_000) // 1.0s

// planRefreshLocked implements spec.md §4.F get_refresh_seek_pts: when a
// track switch requires re-reading from an already-buffered position,
// compute the resumption pts seeded from ref_pts and the already-playing
// selected streams' base_ts, and decide whether this is a plain full-set
// switch or a refreshing-subset splice.
func (e *Engine) planRefreshLocked() (packet.Timestamp, bool) {
	anyNeedsRefresh := false
	fullSet := true
	for _, s := range e.streams {
		if !s.queue.Selected {
			continue
		}
		if s.queue.NeedRefresh {
			anyNeedsRefresh = true
		} else {
			fullSet = false
		}
	}
	if !anyNeedsRefresh {
		return packet.Unset, false
	}

	// A refresh seek needs the producer to seek to an arbitrary pts; a
	// merely partially seekable producer (spec.md §4.D's byte-range-only
	// capability) doesn't qualify.
	if !e.viewProducer.Seekable {
		return packet.Unset, false
	}

	// start_ts = min_over(selected video/audio, base_ts), seeded from
	// ref_pts: the already-playing streams (selected, not needing a
	// refresh) anchor the resumption point, not the newly enabled one,
	// which by construction has no base_ts yet.
	startTS := e.refPTS
	e.refPTS = packet.Unset
	for _, s := range e.streams {
		if !s.queue.Selected || s.queue.NeedRefresh {
			continue
		}
		if s.queue.Kind != packet.KindVideo && s.queue.Kind != packet.KindAudio {
			continue
		}
		if s.queue.BaseTS == packet.Unset {
			continue
		}
		if startTS == packet.Unset || s.queue.BaseTS < startTS {
			startTS = s.queue.BaseTS
		}
	}

	if fullSet {
		for _, s := range e.streams {
			s.queue.NeedRefresh = false
		}
		return startTS, true
	}

	// Refreshing-subset path: every selected stream needs enough
	// positional context to resume without the splice losing sync.
	for _, s := range e.streams {
		if s.queue.Selected && !s.queue.CorrectDTS && !s.queue.CorrectPos {
			return packet.Unset, false
		}
	}
	for _, s := range e.streams {
		if !s.queue.Selected {
			continue
		}
		if s.queue.LastPos >= 0 || s.queue.LastDTS != packet.Unset {
			s.queue.Refreshing = true
		}
		s.queue.NeedRefresh = false
	}
	if startTS == packet.Unset {
		return packet.Unset, true
	}
	return startTS - refreshUndershoot, true
}

// beginRefreshLocked issues the producer seek that resumes the stream(s) at
// pts. Packets that arrive before resumption are filtered by
// StreamQueue.Append's Refreshing branch rather than dropped wholesale, so
// any packets already in flight ahead of the seek are not duplicated.
func (e *Engine) beginRefreshLocked(pts packet.Timestamp) {
	if pts == packet.Unset {
		return
	}

	e.mu.Unlock()
	err := e.producer.Seek(context.Background(), e.viewProducer, pts, SeekHR)
	e.mu.Lock()
	if err != nil {
		e.log.Error("refresh seek failed", "error", err, "pts", pts)
	}
}

// SwitchedTracksArg carries the stream indices whose selection changed and a
// read-ahead hint to the producer's SWITCHED_TRACKS control handler, per
// spec.md §4.F step 2.
type SwitchedTracksArg struct {
	StreamIndices []int
	Readahead     packet.Timestamp
}

// applySwitchedTracksLocked flushes the queues named in switchedStreams,
// marks the newly-selected ones for a refresh read when enabling mid-playback,
// and notifies the producer, per spec.md §4.G select_track's handoff to the
// reader thread.
func (e *Engine) applySwitchedTracksLocked(ctx context.Context) {
	e.tracksSwitched = false
	indices := e.switchedStreams
	e.switchedStreams = nil

	for _, idx := range indices {
		entry, err := e.entry(idx)
		if err != nil {
			continue
		}
		if entry.queue.Selected {
			// spec.md §4.G: a track enabled before the stream ever started
			// playing rides the initial buffer fill instead of forcing a
			// refresh seek.
			if !e.initialState {
				entry.queue.NeedRefresh = true
			}
		} else {
			entry.queue.Flush()
		}
	}

	e.mu.Unlock()
	e.producer.Control(ctx, e.viewProducer, "SWITCHED_TRACKS", SwitchedTracksArg{
		StreamIndices: indices,
		Readahead:     e.opts.Readahead,
	})
	e.mu.Lock()

	e.cond.Broadcast()
}

// performSeekLocked drives a producer seek for the pending user request and
// clears every selected stream's demux state before resuming normal reads
// (spec.md §4.F, the seeking branch).
func (e *Engine) performSeekLocked(ctx context.Context) {
	pts, flags := e.seekPTS, e.seekFlags

	for _, s := range e.streams {
		s.queue.Flush()
	}
	e.eof = false
	e.lastEOF = false

	e.mu.Unlock()
	err := e.producer.Seek(ctx, e.viewProducer, pts, flags)
	e.mu.Lock()

	e.seeking = false
	e.initialState = false
	if err != nil {
		e.log.Error("seek failed", "error", err, "pts", pts)
	}
	e.cond.Broadcast()
}

// runCacheUpdateLocked rebuilds every stream's FwPacks/FwBytes/BwBytes
// counters from a full traversal (StreamQueue.RecomputeCounts) before the
// next read. BackPTS and the bitrate estimate are left as they are.
func (e *Engine) runCacheUpdateLocked(ctx context.Context) {
	for _, s := range e.streams {
		s.queue.RecomputeCounts()
	}
	e.cond.Broadcast()
}
