// Package ports defines the abstract external collaborators (§6): STT, MT,
// TTS, BlobStore, Clock, and the Notifier that breaks the gateway/worker
// cyclic reference called out in §9 Design Notes. Concrete AWS-backed
// implementations live alongside in this package; internal/ports/fakes.go
// holds the in-memory test doubles.
package ports

import (
	"context"
	"time"
)

// TranscribeSession is a single speaker's streaming STT session. The
// worker feeds PCM in chunks no larger than MaxChunkBytes (the port
// reports this limit, §4.G step 3) and calls CloseAndRecv once to obtain
// the final transcript.
type TranscribeSession interface {
	Send(ctx context.Context, pcmChunk []byte) error
	CloseAndRecv(ctx context.Context) (transcript string, err error)
}

// STT is the speech-to-text port.
type STT interface {
	// MaxChunkBytes is the largest single chunk the port accepts per Send.
	MaxChunkBytes() int
	StartSession(ctx context.Context, sourceLang string, sampleRate int32, channels int) (TranscribeSession, error)
}

// MT is the machine-translation port.
type MT interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

// SynthesisResult is the TTS port's output (§6).
type SynthesisResult struct {
	Audio         []byte
	ContentType   string
	DurationMillis int64
}

// TTS is the text-to-speech port.
type TTS interface {
	Synthesize(ctx context.Context, text, targetLang string) (SynthesisResult, error)
}

// BlobStore is the blob storage port (§4.H).
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Clock is the injectable monotonic time source (§6).
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Notifier is the narrow slice of the gateway the worker pool depends on,
// breaking the gateway<->worker cyclic reference (§9 Design Notes).
type Notifier interface {
	Notify(ctx context.Context, connectionIDs []string, message any) []string // returns gone connectionIds
}
