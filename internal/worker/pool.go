// Package worker implements §4.G: the translation worker pool. Consumes
// ingest.Batch, drives STT -> MT -> TTS -> blob-store -> notify, with the
// cost-optimization filter (§4.G step 2 / P2), per-target isolation, and
// per-step timeouts and circuit breakers. Concurrency shape (semaphores
// sizing concurrent translate/synthesize work, per-target goroutines
// fanning out after a single STT call) is grounded on
// internal/aws/pipeline.go's ProcessAudio/processFinalTranscript, rebuilt
// here as a self-consistent implementation against the ports interfaces
// (the teacher snapshot's pipeline.go references client types that don't
// exist anywhere in that repo; see DESIGN.md).
package worker

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"translatecast/internal/cache"
	"translatecast/internal/ingest"
	"translatecast/internal/ports"
	"translatecast/internal/store"
)

// SessionLookup is the narrow store dependency the pool needs: read a
// session's source language and look up/reap listener connections.
type SessionLookup interface {
	GetSession(sessionID string) (*store.Session, error)
	ListListenerLanguages(sessionID string) map[string]struct{}
	LookupConnections(sessionID, targetLanguage string) []string
	DeleteConnection(connectionID string) error
}

// Config carries the per-step timeouts and concurrency caps of §4.G /
// §4.I, sourced from config.TranslationConfig.
type Config struct {
	MaxConcurrentBatches   int
	MaxConcurrentTranslate int
	MaxConcurrentTTS       int
	STTTimeout             time.Duration
	TranslateTimeout       time.Duration
	SynthesizeTimeout      time.Duration
	PersistTimeout         time.Duration
	NotifyTimeout          time.Duration
	PresignTTL             time.Duration
	BreakerFailThreshold   int
	BreakerCooldown        time.Duration
}

// Metrics are the counters §8's scenarios assert against.
type Metrics struct {
	DroppedDueToNoListeners int64
	STTFailures             int64
	TranslateFailures       int64
	SynthesizeFailures      int64
	PlaceholdersEmitted     int64
	NotificationsSent       int64

	// CostSavingBatches/CostSavingRatioX1000 track the §4.G step 2 cost
	// optimization: the fraction of a session's configured targets that
	// actually had a live listener for a given batch, so we only ever
	// pay for MT/TTS on languages someone is listening to. Ratio is
	// fixed-point (x1000) to keep Metrics atomic-friendly.
	CostSavingBatches    int64
	CostSavingRatioX1000 int64
}

// Pool is the translation worker pool (§4.G).
type Pool struct {
	cfg      Config
	store    SessionLookup
	stt      ports.STT
	mt       ports.MT
	tts      ports.TTS
	blob     ports.BlobStore
	notifier ports.Notifier
	cache    *cache.PipelineCache // nil-safe: a miss just skips caching

	batchSem     chan struct{}
	translateSem chan struct{}
	ttsSem       chan struct{}

	sttBreaker  *ports.Breaker
	mtBreaker   *ports.Breaker
	ttsBreaker  *ports.Breaker
	blobBreaker *ports.Breaker

	metrics Metrics
}

func New(cfg Config, store SessionLookup, stt ports.STT, mt ports.MT, tts ports.TTS, blob ports.BlobStore, notifier ports.Notifier, pc *cache.PipelineCache) *Pool {
	return &Pool{
		cfg:          cfg,
		store:        store,
		stt:          stt,
		mt:           mt,
		tts:          tts,
		blob:         blob,
		notifier:     notifier,
		cache:        pc,
		batchSem:     make(chan struct{}, max1(cfg.MaxConcurrentBatches)),
		translateSem: make(chan struct{}, max1(cfg.MaxConcurrentTranslate)),
		ttsSem:       make(chan struct{}, max1(cfg.MaxConcurrentTTS)),
		sttBreaker:   ports.NewBreaker("stt", max1(cfg.BreakerFailThreshold), cfg.BreakerCooldown),
		mtBreaker:    ports.NewBreaker("mt", max1(cfg.BreakerFailThreshold), cfg.BreakerCooldown),
		ttsBreaker:   ports.NewBreaker("tts", max1(cfg.BreakerFailThreshold), cfg.BreakerCooldown),
		blobBreaker:  ports.NewBreaker("blob", max1(cfg.BreakerFailThreshold), cfg.BreakerCooldown),
	}
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// Metrics returns a snapshot of the pool's counters.
func (p *Pool) Metrics() Metrics {
	return Metrics{
		DroppedDueToNoListeners: atomic.LoadInt64(&p.metrics.DroppedDueToNoListeners),
		STTFailures:             atomic.LoadInt64(&p.metrics.STTFailures),
		TranslateFailures:       atomic.LoadInt64(&p.metrics.TranslateFailures),
		SynthesizeFailures:      atomic.LoadInt64(&p.metrics.SynthesizeFailures),
		PlaceholdersEmitted:     atomic.LoadInt64(&p.metrics.PlaceholdersEmitted),
		NotificationsSent:       atomic.LoadInt64(&p.metrics.NotificationsSent),
		CostSavingBatches:       atomic.LoadInt64(&p.metrics.CostSavingBatches),
		CostSavingRatioX1000:    atomic.LoadInt64(&p.metrics.CostSavingRatioX1000),
	}
}

// Run consumes batches until the channel closes or ctx is cancelled,
// bounding in-flight batches at MaxConcurrentBatches (§4.I "one pool sized
// to saturate the expected STT concurrency").
func (p *Pool) Run(ctx context.Context, batches <-chan *ingest.Batch) {
	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case batch, ok := <-batches:
			if !ok {
				wg.Wait()
				return
			}
			select {
			case p.batchSem <- struct{}{}:
			case <-ctx.Done():
				wg.Wait()
				return
			}
			wg.Add(1)
			go func(b *ingest.Batch) {
				defer wg.Done()
				defer func() { <-p.batchSem }()
				p.processBatch(ctx, b)
			}(batch)
		}
	}
}

// recordCostSaving computes the fraction of a session's configured target
// languages that have a live listener right now (§4.G step 2): the
// fewer of configuredTargets that have a live listener right now, the
// more MT/TTS work this batch skips. Recorded for any session with at
// least one configured target; a zero-configured session (listener-only,
// joined before any targets were declared) has nothing to ratio against.
func (p *Pool) recordCostSaving(sessionID string, liveTargets, configuredTargets map[string]struct{}) {
	if len(configuredTargets) == 0 {
		return
	}
	live := 0
	for lang := range liveTargets {
		if _, ok := configuredTargets[lang]; ok {
			live++
		}
	}
	ratio := float64(live) / float64(len(configuredTargets))
	atomic.AddInt64(&p.metrics.CostSavingBatches, 1)
	atomic.StoreInt64(&p.metrics.CostSavingRatioX1000, int64(ratio*1000))
	log.Printf("[Worker] session=%s cost-saving ratio=%.3f (%d/%d configured targets live)",
		sessionID, ratio, live, len(configuredTargets))
}

func (p *Pool) processBatch(ctx context.Context, batch *ingest.Batch) {
	targets := p.store.ListListenerLanguages(batch.SessionID)
	if len(targets) == 0 {
		atomic.AddInt64(&p.metrics.DroppedDueToNoListeners, 1)
		return // P2: no STT/MT/TTS/blob/notify calls when there are no listeners
	}

	sess, err := p.store.GetSession(batch.SessionID)
	if err != nil {
		log.Printf("[Worker] session %s gone before batch processed: %v", batch.SessionID, err)
		return
	}
	p.recordCostSaving(batch.SessionID, targets, sess.ConfiguredTargets)

	pcm := concatenate(batch.Frames)
	sequenceNumber := batch.FirstFrameTime.UnixMilli()

	transcript, err := p.transcribe(ctx, pcm, sess.SourceLanguage, batch.SampleRate, batch.Channels)
	if err != nil {
		atomic.AddInt64(&p.metrics.STTFailures, 1)
		log.Printf("[Worker] STT failed for session=%s: %v", batch.SessionID, err)
		return
	}
	if transcript == "" {
		return
	}

	var wg sync.WaitGroup
	for lang := range targets {
		wg.Add(1)
		go func(targetLang string) {
			defer wg.Done()
			p.translateSynthesizeNotify(ctx, batch, sess, transcript, targetLang, sequenceNumber)
		}(lang)
	}
	wg.Wait()
}

func (p *Pool) translateSynthesizeNotify(ctx context.Context, batch *ingest.Batch, sess *store.Session, transcript, targetLang string, sequenceNumber int64) {
	select {
	case p.translateSem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	translated, err := p.translate(ctx, transcript, sess.SourceLanguage, targetLang)
	<-p.translateSem
	if err != nil {
		atomic.AddInt64(&p.metrics.TranslateFailures, 1)
		log.Printf("[Worker] translate failed session=%s target=%s: %v", batch.SessionID, targetLang, err)
		return // per-target failures are isolated (§4.G step 4)
	}

	select {
	case p.ttsSem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	audio, contentType, durationMillis, err := p.synthesize(ctx, translated, targetLang)
	<-p.ttsSem
	placeholder := false
	if err != nil {
		atomic.AddInt64(&p.metrics.SynthesizeFailures, 1)
		log.Printf("[Worker] synthesize failed session=%s target=%s: %v, emitting placeholder", batch.SessionID, targetLang, err)
		audio, contentType, durationMillis = silentPlaceholder(batch)
		placeholder = true
		atomic.AddInt64(&p.metrics.PlaceholdersEmitted, 1)
	}

	key := blobKey(batch.SessionID, targetLang, sequenceNumber)
	persistCtx, cancel := context.WithTimeout(ctx, ttlOr(p.cfg.PersistTimeout, 5*time.Second))
	putErr := p.blobBreaker.Execute(func() error {
		return p.blob.Put(persistCtx, key, audio, contentType, map[string]string{
			"placeholder": fmt.Sprintf("%t", placeholder),
			"retention":   "24h",
		})
	})
	cancel()
	if putErr != nil {
		log.Printf("[Worker] blob put failed session=%s target=%s: %v", batch.SessionID, targetLang, putErr)
		return
	}

	presignCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	url, err := p.blob.PresignGet(presignCtx, key, ttlOr(p.cfg.PresignTTL, 600*time.Second))
	cancel()
	if err != nil {
		log.Printf("[Worker] presign failed session=%s target=%s: %v", batch.SessionID, targetLang, err)
		return
	}

	connIDs := p.store.LookupConnections(batch.SessionID, targetLang)
	if len(connIDs) == 0 {
		return // listeners left between step 2 and step 7; nothing to notify
	}

	message := map[string]any{
		"type":           "translatedAudio",
		"sessionId":      batch.SessionID,
		"targetLanguage": targetLang,
		"url":            url,
		"timestamp":      sequenceNumber,
		"duration":       durationMillis,
		"transcript":     transcript,
		"sequenceNumber": sequenceNumber,
	}

	notifyCtx, cancel := context.WithTimeout(ctx, p.notifyTimeoutOr(2*time.Second))
	gone := p.notifier.Notify(notifyCtx, connIDs, message)
	cancel()
	atomic.AddInt64(&p.metrics.NotificationsSent, 1)

	for _, id := range gone {
		_ = p.store.DeleteConnection(id)
	}
}

func (p *Pool) notifyTimeoutOr(fallback time.Duration) time.Duration {
	if p.cfg.NotifyTimeout > 0 {
		return p.cfg.NotifyTimeout
	}
	return fallback
}

func ttlOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

// transcribe feeds PCM to the STT port in MaxChunkBytes-sized chunks,
// respecting the port's declared frame limit (§4.G step 3).
func (p *Pool) transcribe(ctx context.Context, pcm []byte, sourceLang string, sampleRate int32, channels int) (string, error) {
	timeout := p.cfg.STTTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sttCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var transcript string
	err := p.sttBreaker.Execute(func() error {
		session, err := p.stt.StartSession(sttCtx, sourceLang, sampleRate, channels)
		if err != nil {
			return err
		}
		chunkSize := chunkSizeOf(p.stt)
		for off := 0; off < len(pcm); off += chunkSize {
			end := off + chunkSize
			if end > len(pcm) {
				end = len(pcm)
			}
			if err := session.Send(sttCtx, pcm[off:end]); err != nil {
				return err
			}
		}
		text, err := session.CloseAndRecv(sttCtx)
		if err != nil {
			return err
		}
		transcript = text
		return nil
	})
	return transcript, err
}

func chunkSizeOf(stt ports.STT) int {
	n := stt.MaxChunkBytes()
	if n <= 0 {
		return 16 * 1024
	}
	return n
}

func (p *Pool) translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if p.cache != nil {
		if cached, ok := p.cache.GetTranslation(ctx, text, sourceLang, targetLang); ok {
			return cached, nil
		}
	}

	timeout := p.cfg.TranslateTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	tCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result string
	err := p.mtBreaker.Execute(func() error {
		out, err := p.mt.Translate(tCtx, text, sourceLang, targetLang)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		return "", err
	}
	if p.cache != nil {
		p.cache.SetTranslation(ctx, text, sourceLang, targetLang, result)
	}
	return result, nil
}

func (p *Pool) synthesize(ctx context.Context, text, targetLang string) ([]byte, string, int64, error) {
	if p.cache != nil {
		if cached, ok := p.cache.GetTTS(ctx, text, targetLang); ok {
			return cached, "audio/mpeg", estimateDuration(len(cached)), nil
		}
	}

	timeout := p.cfg.SynthesizeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result ports.SynthesisResult
	err := p.ttsBreaker.Execute(func() error {
		out, err := p.tts.Synthesize(sCtx, text, targetLang)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		return nil, "", 0, err
	}
	if p.cache != nil {
		p.cache.SetTTS(ctx, text, targetLang, result.Audio)
	}
	return result.Audio, result.ContentType, result.DurationMillis, nil
}

func estimateDuration(n int) int64 {
	const bitrateBytesPerSec = 24000 / 8
	if n == 0 {
		return 0
	}
	return int64(n) * 1000 / bitrateBytesPerSec
}

// silentPlaceholder emits a short identifiable-in-logs silent stand-in so
// listener playback doesn't stall when synthesize fails (§4.G step 5).
func silentPlaceholder(batch *ingest.Batch) ([]byte, string, int64) {
	durationMs := batch.LastFrameTime.Sub(batch.FirstFrameTime).Milliseconds()
	if durationMs <= 0 {
		durationMs = 1000
	}
	return []byte("SILENT_PLACEHOLDER"), "audio/mpeg", durationMs
}

func concatenate(frames [][]byte) []byte {
	var buf bytes.Buffer
	for _, f := range frames {
		buf.Write(f)
	}
	return buf.Bytes()
}

// blobKey is the deterministic key of §3: sessions/{sessionId}/translated/{lang}/{timestampMillis}.mp3.
func blobKey(sessionID, lang string, sequenceNumber int64) string {
	return fmt.Sprintf("sessions/%s/translated/%s/%d.mp3", sessionID, lang, sequenceNumber)
}
