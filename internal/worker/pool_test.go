package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"translatecast/internal/ingest"
	"translatecast/internal/ports"
	"translatecast/internal/store"
)

func testConfig() Config {
	return Config{
		MaxConcurrentBatches:   4,
		MaxConcurrentTranslate: 4,
		MaxConcurrentTTS:       4,
		STTTimeout:             time.Second,
		TranslateTimeout:       time.Second,
		SynthesizeTimeout:      time.Second,
		PersistTimeout:         time.Second,
		NotifyTimeout:          time.Second,
		PresignTTL:             10 * time.Minute,
		BreakerFailThreshold:   5,
		BreakerCooldown:        time.Second,
	}
}

func newActiveSessionWithListener(t *testing.T, s *store.Store, sessionID, sourceLang, targetLang string) {
	t.Helper()
	s.PutSession(&store.Session{
		SessionID:      sessionID,
		SourceLanguage: sourceLang,
		Status:         store.StatusActive,
		CreatedAt:      time.Now(),
	})
	_, err := s.PutConnection(&store.Connection{
		ConnectionID:   "listener-1",
		SessionID:      sessionID,
		Role:           store.RoleListener,
		TargetLanguage: targetLang,
	})
	require.NoError(t, err)
}

func batchFor(sessionID string) *ingest.Batch {
	now := time.Now()
	return &ingest.Batch{
		SessionID:      sessionID,
		Frames:         [][]byte{[]byte("pcm-frame")},
		FirstFrameTime: now,
		LastFrameTime:  now.Add(500 * time.Millisecond),
		SampleRate:     16000,
		Channels:       1,
		Encoding:       "pcm16",
	}
}

// P2: a batch with no live listeners never reaches STT/MT/TTS/blob/notify.
func TestProcessBatch_NoListenersSkipsPipeline(t *testing.T) {
	s := store.New()
	s.PutSession(&store.Session{SessionID: "s1", SourceLanguage: "en", Status: store.StatusActive, CreatedAt: time.Now()})

	stt := ports.NewFakeSTT("hello")
	mt := ports.NewFakeMT()
	tts := ports.NewFakeTTS()
	blob := ports.NewFakeBlobStore()
	notifier := ports.NewFakeNotifier()

	p := New(testConfig(), s, stt, mt, tts, blob, notifier, nil)
	p.processBatch(context.Background(), batchFor("s1"))

	assert.Equal(t, int64(1), p.Metrics().DroppedDueToNoListeners)
	assert.Equal(t, 0, stt.Sessions)
	assert.Equal(t, 0, mt.Calls)
	assert.Empty(t, notifier.Sent)
}

// Happy path: one listener receives a translatedAudio notification whose
// blob key matches §3's deterministic layout.
func TestProcessBatch_HappyPathNotifiesListener(t *testing.T) {
	s := store.New()
	newActiveSessionWithListener(t, s, "s1", "en", "ko")

	stt := ports.NewFakeSTT("hello world")
	mt := ports.NewFakeMT()
	tts := ports.NewFakeTTS()
	blob := ports.NewFakeBlobStore()
	notifier := ports.NewFakeNotifier()

	p := New(testConfig(), s, stt, mt, tts, blob, notifier, nil)
	p.processBatch(context.Background(), batchFor("s1"))

	require.Len(t, notifier.Sent, 1)
	call := notifier.Sent[0]
	assert.Equal(t, []string{"listener-1"}, call.ConnectionIDs)

	msg, ok := call.Message.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "translatedAudio", msg["type"])
	assert.Equal(t, "ko", msg["targetLanguage"])
	url, _ := msg["url"].(string)
	assert.Contains(t, url, "sessions/s1/translated/ko/")
	assert.Equal(t, int64(1), p.Metrics().NotificationsSent)
}

// §4.G step 5: a TTS failure for one target falls back to a silent
// placeholder instead of dropping the notification.
func TestProcessBatch_SynthesizeFailureEmitsPlaceholder(t *testing.T) {
	s := store.New()
	newActiveSessionWithListener(t, s, "s1", "en", "ko")

	stt := ports.NewFakeSTT("hello world")
	mt := ports.NewFakeMT()
	tts := ports.NewFakeTTS()
	tts.Failing["ko"] = true
	blob := ports.NewFakeBlobStore()
	notifier := ports.NewFakeNotifier()

	p := New(testConfig(), s, stt, mt, tts, blob, notifier, nil)
	p.processBatch(context.Background(), batchFor("s1"))

	require.Len(t, notifier.Sent, 1)
	assert.Equal(t, int64(1), p.Metrics().PlaceholdersEmitted)
	assert.Equal(t, int64(1), p.Metrics().SynthesizeFailures)
}

// §4.G step 4: a translate failure for one target is isolated — no
// notification for that target, no pipeline-wide failure.
func TestProcessBatch_TranslateFailureIsIsolated(t *testing.T) {
	s := store.New()
	newActiveSessionWithListener(t, s, "s1", "en", "ko")
	_, err := s.PutConnection(&store.Connection{ConnectionID: "listener-2", SessionID: "s1", Role: store.RoleListener, TargetLanguage: "fr"})
	require.NoError(t, err)

	stt := ports.NewFakeSTT("hello world")
	mt := ports.NewFakeMT()
	mt.Failing["ko"] = true
	tts := ports.NewFakeTTS()
	blob := ports.NewFakeBlobStore()
	notifier := ports.NewFakeNotifier()

	p := New(testConfig(), s, stt, mt, tts, blob, notifier, nil)
	p.processBatch(context.Background(), batchFor("s1"))

	require.Len(t, notifier.Sent, 1)
	assert.Equal(t, []string{"listener-2"}, notifier.Sent[0].ConnectionIDs)
	assert.Equal(t, int64(1), p.Metrics().TranslateFailures)
}

// A gone connection returned by Notify is reaped from the store.
func TestProcessBatch_ReapsGoneConnections(t *testing.T) {
	s := store.New()
	newActiveSessionWithListener(t, s, "s1", "en", "ko")

	stt := ports.NewFakeSTT("hello world")
	mt := ports.NewFakeMT()
	tts := ports.NewFakeTTS()
	blob := ports.NewFakeBlobStore()
	notifier := ports.NewFakeNotifier()
	notifier.GoneConnections["listener-1"] = true

	p := New(testConfig(), s, stt, mt, tts, blob, notifier, nil)
	p.processBatch(context.Background(), batchFor("s1"))

	_, err := s.GetConnection("listener-1")
	assert.ErrorIs(t, err, store.ErrConnectionNotFound)
}

// §4.G step 3: an empty transcript short-circuits before fan-out.
func TestProcessBatch_EmptyTranscriptSkipsFanOut(t *testing.T) {
	s := store.New()
	newActiveSessionWithListener(t, s, "s1", "en", "ko")

	stt := ports.NewFakeSTT("")
	mt := ports.NewFakeMT()
	tts := ports.NewFakeTTS()
	blob := ports.NewFakeBlobStore()
	notifier := ports.NewFakeNotifier()

	p := New(testConfig(), s, stt, mt, tts, blob, notifier, nil)
	p.processBatch(context.Background(), batchFor("s1"))

	assert.Empty(t, notifier.Sent)
	assert.Equal(t, 0, mt.Calls)
}

func TestBlobKey_MatchesDeterministicLayout(t *testing.T) {
	assert.Equal(t, "sessions/abc/translated/ko/12345.mp3", blobKey("abc", "ko", 12345))
}
