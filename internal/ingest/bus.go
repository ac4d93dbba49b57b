// Package ingest implements §4.F: the streaming ingestion buffer. Frames
// are appended per-session without blocking the gateway; a background
// batcher closes a session's window on a time-or-count trigger and emits a
// Batch to the worker pool. Shape (bounded queues, non-blocking append,
// drop-oldest back-pressure, per-session independence) is grounded on
// room_hub.go's Room.audioIn channel ("non-blocking send into
// sess.AudioPackets, drop-and-log on full buffer") generalized from a
// single fixed-size channel per room into a windowed batcher per session.
package ingest

import (
	"context"
	"log"
	"sync"
	"time"

	"translatecast/internal/ports"
)

// Frame is one inbound PCM audio frame (§6 audioChunk body, decoded).
type Frame struct {
	Data       []byte
	Timestamp  time.Time
	SampleRate int32
	Channels   int
	Encoding   string
}

// Batch is a window of frames for one session, emitted to the worker pool.
// Transient: never persisted (§3).
type Batch struct {
	SessionID      string
	Frames         [][]byte
	FirstFrameTime time.Time
	LastFrameTime  time.Time
	SampleRate     int32
	Channels       int
	Encoding       string
}

// Config sizes the batch window (default 3s) and count threshold (default
// 100) from §4.F, plus the global back-pressure high-water mark from §5.
type Config struct {
	Window        time.Duration
	MaxFrames     int
	HighWaterMark int
	TickInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:        3 * time.Second,
		MaxFrames:     100,
		HighWaterMark: 5000,
		TickInterval:  100 * time.Millisecond,
	}
}

type sessionBuf struct {
	frames []Frame
}

// Bus is the audio ingest bus.
type Bus struct {
	cfg   Config
	clock ports.Clock

	mu          sync.Mutex
	sessions    map[string]*sessionBuf
	totalFrames int

	out chan *Batch

	droppedMu sync.Mutex
	dropped   int64
}

func New(cfg Config, clock ports.Clock) *Bus {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &Bus{
		cfg:      cfg,
		clock:    clock,
		sessions: make(map[string]*sessionBuf),
		out:      make(chan *Batch, 256),
	}
}

// Batches exposes the channel the worker pool consumes.
func (b *Bus) Batches() <-chan *Batch { return b.out }

// DroppedFrames returns the back-pressure drop counter (§7 kind 8, Overload).
func (b *Bus) DroppedFrames() int64 {
	b.droppedMu.Lock()
	defer b.droppedMu.Unlock()
	return b.dropped
}

// Append is the non-blocking gateway-facing contract: append(sessionId,
// frame) -> ok. It never blocks; it enforces back-pressure synchronously
// under the bus lock instead.
func (b *Bus) Append(sessionID string, frame Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf, ok := b.sessions[sessionID]
	if !ok {
		buf = &sessionBuf{}
		b.sessions[sessionID] = buf
	}
	buf.frames = append(buf.frames, frame)
	b.totalFrames++

	if b.totalFrames > b.cfg.HighWaterMark {
		b.dropOldestOfMostBehindLocked()
	}
}

// dropOldestOfMostBehindLocked implements §4.F's back-pressure policy: the
// oldest frame of the *most-behind* session (the one whose un-emitted
// frame is oldest) is dropped first. Must be called with b.mu held.
func (b *Bus) dropOldestOfMostBehindLocked() {
	var worstSession string
	var worstTime time.Time
	first := true
	for sid, buf := range b.sessions {
		if len(buf.frames) == 0 {
			continue
		}
		t := buf.frames[0].Timestamp
		if first || t.Before(worstTime) {
			worstSession = sid
			worstTime = t
			first = false
		}
	}
	if worstSession == "" {
		return
	}
	buf := b.sessions[worstSession]
	buf.frames = buf.frames[1:]
	b.totalFrames--

	b.droppedMu.Lock()
	b.dropped++
	b.droppedMu.Unlock()
	log.Printf("[IngestBus] back-pressure: dropped oldest frame for session=%s", worstSession)
}

// EndSession discards any un-emitted frames for sessionID (§4.F Cancellation).
func (b *Bus) EndSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if buf, ok := b.sessions[sessionID]; ok {
		b.totalFrames -= len(buf.frames)
		delete(b.sessions, sessionID)
	}
}

// Run drives the background batcher until ctx is cancelled. One session's
// traffic never delays another's window closure: each tick evaluates every
// session independently.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.emitReady()
		}
	}
}

func (b *Bus) emitReady() {
	now := b.clock.Now()

	b.mu.Lock()
	var ready []*Batch
	for sid, buf := range b.sessions {
		if len(buf.frames) == 0 {
			continue
		}
		oldest := buf.frames[0].Timestamp
		if now.Sub(oldest) >= b.cfg.Window || len(buf.frames) >= b.cfg.MaxFrames {
			ready = append(ready, toBatch(sid, buf.frames))
			b.totalFrames -= len(buf.frames)
			buf.frames = nil
		}
	}
	b.mu.Unlock()

	for _, batch := range ready {
		select {
		case b.out <- batch:
		default:
			log.Printf("[IngestBus] worker pool input full, dropping batch for session=%s", batch.SessionID)
		}
	}
}

func toBatch(sessionID string, frames []Frame) *Batch {
	raw := make([][]byte, len(frames))
	for i, f := range frames {
		raw[i] = f.Data
	}
	first := frames[0]
	last := frames[len(frames)-1]
	return &Batch{
		SessionID:      sessionID,
		Frames:         raw,
		FirstFrameTime: first.Timestamp,
		LastFrameTime:  last.Timestamp,
		SampleRate:     first.SampleRate,
		Channels:       first.Channels,
		Encoding:       first.Encoding,
	}
}
