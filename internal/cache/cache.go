// Package cache is a Redis-backed replacement for the teacher's in-process
// sync.Map PipelineCache (internal/aws/cache.go): same key scheme
// (hash(text):srcLang:tgtLang for translations, hash(text):lang for TTS
// audio) and TTL semantics, re-expressed over SETEX/GET so the cache
// survives process restarts and is shared across horizontally-scaled
// worker-pool instances, per SPEC_FULL.md's domain-stack wiring.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// PipelineCache caches translation and TTS results keyed the same way the
// teacher's in-process cache does.
type PipelineCache struct {
	client *redis.Client
	ttl    time.Duration
}

func New(addr string, db int, ttl time.Duration) *PipelineCache {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	return &PipelineCache{client: client, ttl: ttl}
}

func hashKey(text string) string {
	if len(text) <= 50 {
		return text
	}
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}

func translationKey(text, srcLang, tgtLang string) string {
	return "mt:" + hashKey(text) + ":" + srcLang + ":" + tgtLang
}

func ttsKey(text, lang string) string {
	return "tts:" + hashKey(text) + ":" + lang
}

// GetTranslation returns a cached translation, or ("", false) on a miss or
// Redis error (a cache-unavailable condition degrades to "always miss",
// never to a hard failure of the translate step).
func (c *PipelineCache) GetTranslation(ctx context.Context, text, srcLang, tgtLang string) (string, bool) {
	val, err := c.client.Get(ctx, translationKey(text, srcLang, tgtLang)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Printf("[Cache] translation GET error: %v", err)
		}
		return "", false
	}
	return val, true
}

func (c *PipelineCache) SetTranslation(ctx context.Context, text, srcLang, tgtLang, translated string) {
	if err := c.client.Set(ctx, translationKey(text, srcLang, tgtLang), translated, c.ttl).Err(); err != nil {
		log.Printf("[Cache] translation SET error: %v", err)
	}
}

func (c *PipelineCache) GetTTS(ctx context.Context, text, lang string) ([]byte, bool) {
	val, err := c.client.Get(ctx, ttsKey(text, lang)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("[Cache] tts GET error: %v", err)
		}
		return nil, false
	}
	return val, true
}

func (c *PipelineCache) SetTTS(ctx context.Context, text, lang string, audio []byte) {
	if err := c.client.Set(ctx, ttsKey(text, lang), audio, c.ttl).Err(); err != nil {
		log.Printf("[Cache] tts SET error: %v", err)
	}
}

func (c *PipelineCache) Close() error {
	return c.client.Close()
}
