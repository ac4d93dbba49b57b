// Package config loads process configuration from the environment.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates every sub-config the supervisor needs to wire A-I.
type Config struct {
	Server      ServerConfig
	WebSocket   WebSocketConfig
	Audio       AudioConfig
	CORS        CORSConfig
	Translation TranslationConfig
	Auth        AuthConfig
	Blob        BlobConfig
	Cache       CacheConfig
	Audit       AuditConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

type WebSocketConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	SendDeadline    time.Duration // per-connection send deadline (spec: <=2s)
	HandshakeWindow time.Duration
}

type AudioConfig struct {
	BatchWindow      time.Duration // spec default 3s
	BatchMaxFrames   int           // spec default 100
	BusHighWaterMark int           // global un-emitted frame cap before drop-oldest
	ValidSampleRates []uint32
	ValidBitDepths   []uint16
	MaxChannels      uint16
}

type CORSConfig struct {
	AllowOrigins string
	AllowMethods string
	AllowHeaders string
}

// TranslationConfig sizes the worker pool (§4.G, §4.I) and its per-step
// timeouts and bounds, grounded on internal/aws/pipeline.go's constants.
type TranslationConfig struct {
	Region                string
	AccessKeyID           string
	SecretAccessKey       string
	SampleRate            int32
	MaxConcurrentBatches  int
	MaxConcurrentTranslate int
	MaxConcurrentTTS      int
	STTTimeout            time.Duration
	TranslateTimeout      time.Duration
	SynthesizeTimeout     time.Duration
	PersistTimeout        time.Duration
	NotifyTimeout         time.Duration
	PresignTTL            time.Duration
	BreakerFailThreshold  int
	BreakerCooldown       time.Duration
}

type AuthConfig struct {
	IssuerURL      string
	Audience       string
	JWKSCacheTTL   time.Duration
	StaticSecret   string // fallback signing key for the in-process issuer used in dev/test
}

type BlobConfig struct {
	BucketName string
	Region     string
	PresignTTL time.Duration
}

type CacheConfig struct {
	RedisAddr string
	RedisDB   int
	TTL       time.Duration
}

type AuditConfig struct {
	DSN     string
	Enabled bool
}

// Load reads .env (if present) then the process environment. An unset or
// placeholder JWT_STATIC_SECRET is only logged; the one fatal check is
// AUDIT_ENABLED without AUDIT_POSTGRES_DSN.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("[Config] no .env file loaded: %v", err)
	}

	secret := getEnv("JWT_STATIC_SECRET", "")
	if secret == "" || secret == "change-me" {
		log.Printf("[Config] JWT_STATIC_SECRET is unset or a placeholder; the auth verifier uses this value unchanged as its HMAC key")
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			ReadTimeout:     getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  getInt("WS_READ_BUFFER_SIZE", 16*1024),
			WriteBufferSize: getInt("WS_WRITE_BUFFER_SIZE", 16*1024),
			SendDeadline:    getDuration("WS_SEND_DEADLINE", 2*time.Second),
			HandshakeWindow: getDuration("WS_HANDSHAKE_WINDOW", 5*time.Second),
		},
		Audio: AudioConfig{
			BatchWindow:      getDuration("AUDIO_BATCH_WINDOW", 3*time.Second),
			BatchMaxFrames:   getInt("AUDIO_BATCH_MAX_FRAMES", 100),
			BusHighWaterMark: getInt("AUDIO_BUS_HIGH_WATER_MARK", 5000),
			ValidSampleRates: []uint32{8000, 16000, 24000, 44100, 48000},
			ValidBitDepths:   []uint16{16},
			MaxChannels:      2,
		},
		CORS: CORSConfig{
			AllowOrigins: getEnv("CORS_ALLOW_ORIGINS", "*"),
			AllowMethods: getEnv("CORS_ALLOW_METHODS", "GET,POST"),
			AllowHeaders: getEnv("CORS_ALLOW_HEADERS", "Origin, Content-Type, Accept, Authorization"),
		},
		Translation: TranslationConfig{
			Region:                 getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:            getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:        getEnv("AWS_SECRET_ACCESS_KEY", ""),
			SampleRate:             int32(getInt("AUDIO_SAMPLE_RATE", 16000)),
			MaxConcurrentBatches:   getInt("WORKER_MAX_CONCURRENT_BATCHES", 32),
			MaxConcurrentTranslate: getInt("WORKER_MAX_CONCURRENT_TRANSLATE", 20),
			MaxConcurrentTTS:       getInt("WORKER_MAX_CONCURRENT_TTS", 10),
			STTTimeout:             getDuration("WORKER_STT_TIMEOUT", 30*time.Second),
			TranslateTimeout:       getDuration("WORKER_TRANSLATE_TIMEOUT", 5*time.Second),
			SynthesizeTimeout:      getDuration("WORKER_SYNTHESIZE_TIMEOUT", 10*time.Second),
			PersistTimeout:         getDuration("WORKER_PERSIST_TIMEOUT", 5*time.Second),
			NotifyTimeout:          getDuration("WORKER_NOTIFY_TIMEOUT", 2*time.Second),
			PresignTTL:             getDuration("BLOB_PRESIGN_TTL", 600*time.Second),
			BreakerFailThreshold:   getInt("WORKER_BREAKER_FAIL_THRESHOLD", 5),
			BreakerCooldown:        getDuration("WORKER_BREAKER_COOLDOWN", 30*time.Second),
		},
		Auth: AuthConfig{
			IssuerURL:    getEnv("AUTH_ISSUER_URL", ""),
			Audience:     getEnv("AUTH_AUDIENCE", ""),
			JWKSCacheTTL: getDuration("AUTH_JWKS_CACHE_TTL", time.Hour),
			StaticSecret: secret,
		},
		Blob: BlobConfig{
			BucketName: getEnv("BLOB_BUCKET_NAME", ""),
			Region:     getEnv("AWS_REGION", "us-east-1"),
			PresignTTL: getDuration("BLOB_PRESIGN_TTL", 600*time.Second),
		},
		Cache: CacheConfig{
			RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
			RedisDB:   getInt("REDIS_DB", 0),
			TTL:       getDuration("CACHE_TTL", 5*time.Minute),
		},
		Audit: AuditConfig{
			DSN:     getEnv("AUDIT_POSTGRES_DSN", ""),
			Enabled: getBool("AUDIT_ENABLED", false),
		},
	}

	if cfg.Audit.Enabled && cfg.Audit.DSN == "" {
		log.Fatalf("[Config] AUDIT_ENABLED=true but AUDIT_POSTGRES_DSN is not set")
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[Config] invalid int for %s=%q, using fallback %d", key, v, fallback)
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1" || v == "yes"
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[Config] invalid duration for %s=%q, using fallback %s", key, v, fallback)
		return fallback
	}
	return d
}
