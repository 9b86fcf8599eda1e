// Package engine implements the shared engine state (spec.md §4.E), the
// background ReaderLoop (§4.F), and the ConsumerAPI/ProducerAPI surfaces
// (§4.G/§4.H). Every mutable field of every StreamQueue and of the engine
// itself is guarded by a single mutex and condition variable (spec.md §9
// "Single-lock design") — there is deliberately no per-stream locking.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/avioformat/demuxcore/internal/demux/packet"
	"github.com/avioformat/demuxcore/internal/demux/queue"
)

// SeekFlag mirrors the producer seek bitmask (spec.md §6).
type SeekFlag uint8

// Seek flags.
const (
	SeekHR SeekFlag = 1 << iota
	SeekForward
	SeekFactor
)

// CheckLevel is the producer Open() probing intensity (spec.md §6).
type CheckLevel int

// Probe levels, from most to least permissive.
const (
	CheckForce CheckLevel = iota
	CheckUnsafe
	CheckRequest
	CheckNormal
)

// ControlResult is the producer Control() outcome (spec.md §6).
type ControlResult int

// Control results.
const (
	ControlOK ControlResult = iota
	ControlUnsupported
	ControlUnknown
	ControlError
)

// Sentinel errors, per the package's error-handling convention (wrap with
// fmt.Errorf("...: %w", err) at call sites that add context).
var (
	ErrNotSeekable       = errors.New("engine: stream is not seekable")
	ErrUnsetTimestamp    = errors.New("engine: seek pts is unset")
	ErrTerminated        = errors.New("engine: engine has been terminated")
	ErrAttachedPicture   = errors.New("engine: no attached picture available")
	ErrUnknownStream     = errors.New("engine: unknown stream index")
)

// Sink is the callback surface a Producer uses to hand data back to the
// engine (spec.md §4.H ProducerAPI), narrowed to the methods a format
// driver needs so it never sees ConsumerAPI or engine-internal state. The
// *Engine passed to every Producer method implements it directly.
type Sink interface {
	RegisterStream(header *StreamHeader) *StreamHeader
	SubmitPacket(streamIndex int, p *packet.Packet) error
	SubmitCaption(streamIndex int, p *packet.Packet) error
	SetStreamTags(streamIndex int, tags map[string]string) error
	Changed(events Event)
	StreamByDemuxerID(kind packet.Kind, id string) (*StreamHeader, error)
}

// Producer is the format-driver contract the ReaderLoop calls into
// (spec.md §6 "Producer contract"). Every method is invoked with the
// engine lock released, per spec.md §5 "Suspension points"; sink re-enters
// the engine (and re-acquires its lock internally) to register streams and
// submit packets discovered during the call.
type Producer interface {
	Open(ctx context.Context, sink Sink, view *ProducerView, level CheckLevel) error
	// FillBuffer returns a positive count when it made progress (a packet
	// submitted or a demuxer unit consumed); 0 or negative means EOF, indistinguishable from a byte-stream read failure by
	// design (spec.md §7 error kind 2).
	FillBuffer(ctx context.Context, sink Sink, view *ProducerView) (int, error)
	Seek(ctx context.Context, view *ProducerView, pts packet.Timestamp, flags SeekFlag) error
	Control(ctx context.Context, view *ProducerView, cmd string, arg any) (ControlResult, any)
	Close(view *ProducerView)
	// Seekable reports the producer's seek capability.
	Seekable() (full, partial bool)
	// CancelRequested lets the reader loop skip FillBuffer once the
	// byte-stream source's cancel token has tripped (spec.md §5).
	CancelRequested() bool
}

// Options holds the tuning knobs from spec.md §6.
type Options struct {
	Readahead        packet.Timestamp
	Cache            packet.Timestamp
	MaxBytes         int64
	MaxBytesBw       int64
	ForceSeekable    bool
	SeekableCache    bool
	AccessReferences bool
	CreateCCs        bool

	// BaseFilename answers Control's cached BASE_FILENAME query (spec.md
	// §4.D) without ever reaching the producer.
	BaseFilename string
}

// DefaultOptions returns spec.md §6's documented defaults.
func DefaultOptions() Options {
	return Options{
		Readahead:        packet.Timestamp(1_000_000_000),  // 1.0s
		Cache:            packet.Timestamp(10_000_000_000), // 10.0s
		MaxBytes:         400 * 1024 * 1024,
		MaxBytesBw:       0,
		AccessReferences: true,
	}
}

type streamEntry struct {
	header *StreamHeader
	queue  *queue.StreamQueue
}

// Engine is the shared state described in spec.md §4.E.
type Engine struct {
	ID uuid.UUID

	log  *slog.Logger
	opts Options

	mu   sync.Mutex
	cond *sync.Cond

	producer Producer

	terminate  bool
	readerDone chan struct{}

	streams []*streamEntry

	viewProducer *ProducerView
	viewConsumer *ConsumerView
	viewShadow   *shadowView

	tsOffset packet.Timestamp
	refPTS   packet.Timestamp

	seeking   bool
	seekFlags SeekFlag
	seekPTS   packet.Timestamp

	tracksSwitched  bool
	switchedStreams []int

	runFn   func()
	runDone chan struct{}

	eof          bool
	lastEOF      bool
	idle         bool
	initialState bool
	autoselect   bool
	opened       bool

	forceCacheUpdate bool
	overflowWarned   bool

	consumerBytePos int64

	// synchronous is true when the engine runs read_packet inline on the
	// calling goroutine rather than via a dedicated reader thread, used by
	// ConsumerAPI.ReadAny (spec.md §4.G).
	synchronous bool
}

// New creates an Engine bound to the given producer and options but does
// not start the ReaderLoop; call Start for the normal threaded mode, or
// drive it synchronously via ReadAny.
func New(producer Producer, opts Options, log *slog.Logger) *Engine {
	e := &Engine{
		ID:           uuid.New(),
		log:          log,
		opts:         opts,
		producer:     producer,
		viewProducer: &ProducerView{},
		viewConsumer: &ConsumerView{},
		viewShadow:   newShadowView(),
		tsOffset:     0,
		refPTS:       packet.Unset,
		initialState: true,
		autoselect:   true,
		readerDone:   make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Start launches the dedicated ReaderLoop goroutine (spec.md §5
// "Scheduling model": one dedicated OS-level reader thread).
func (e *Engine) Start(ctx context.Context) {
	go e.runReaderLoop(ctx)
}

// Terminate stops the ReaderLoop and waits for it to exit (spec.md §5
// "Cancellation and timeout"). The producer's Close is then run on the
// caller's own goroutine, against the reader's view, after join.
func (e *Engine) Terminate() {
	e.mu.Lock()
	e.terminate = true
	e.cond.Broadcast()
	e.mu.Unlock()

	<-e.readerDone

	e.producer.Close(e.viewProducer)
}

// EngineStats is a point-in-time snapshot of engine-wide counters, served
// without waking the reader thread (SPEC_FULL.md §12 "Cache-info queries").
type EngineStats struct {
	EOF    bool
	Idle   bool
	Stream []StreamQueueStats
}

// StreamQueueStats mirrors one StreamQueue's accounting fields.
type StreamQueueStats struct {
	Index      int
	Kind       packet.Kind
	Selected   bool
	FwPackets  int
	FwBytes    int64
	BwBytes    int64
	Bitrate    float64
	EOF        bool
}

// Stats returns a snapshot of engine and per-stream counters.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statsLocked()
}

func (e *Engine) statsLocked() EngineStats {
	stats := EngineStats{EOF: e.eof, Idle: e.idle}
	for _, s := range e.streams {
		stats.Stream = append(stats.Stream, StreamQueueStats{
			Index:     s.queue.Index,
			Kind:      s.queue.Kind,
			Selected:  s.queue.Selected,
			FwPackets: s.queue.FwPacks,
			FwBytes:   s.queue.FwBytes,
			BwBytes:   s.queue.BwBytes,
			Bitrate:   s.queue.Bitrate,
			EOF:       s.queue.EOF,
		})
	}
	return stats
}

// StreamCount returns the number of registered streams.
func (e *Engine) StreamCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}

// StreamAt returns the header for the stream at index i.
func (e *Engine) StreamAt(i int) (*StreamHeader, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.streams) {
		return nil, ErrUnknownStream
	}
	return e.streams[i].header, nil
}

// StreamByDemuxerID finds the first registered stream of the given kind
// with a matching demuxer-assigned ID.
func (e *Engine) StreamByDemuxerID(kind packet.Kind, id string) (*StreamHeader, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.streams {
		if s.header.Kind == kind && s.header.DemuxerID == id {
			return s.header, nil
		}
	}
	return nil, ErrUnknownStream
}

func (e *Engine) entry(index int) (*streamEntry, error) {
	if index < 0 || index >= len(e.streams) {
		return nil, ErrUnknownStream
	}
	return e.streams[index], nil
}

func (e *Engine) allQueues() []*queue.StreamQueue {
	qs := make([]*queue.StreamQueue, len(e.streams))
	for i, s := range e.streams {
		qs[i] = s.queue
	}
	return qs
}
