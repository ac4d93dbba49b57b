// Package supervisor wires §4.A-I together and owns the process lifecycle:
// construct every collaborator from config.Config, start the background
// loops, and run the shutdown sequence (see Shutdown). Grounded on
// internal/server/server.go's Start/Shutdown pairing, generalized from one
// *Server to the full A-I dependency graph.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"translatecast/internal/audit"
	"translatecast/internal/auth"
	"translatecast/internal/cache"
	"translatecast/internal/config"
	"translatecast/internal/gateway"
	"translatecast/internal/ingest"
	"translatecast/internal/langvalidate"
	"translatecast/internal/ports"
	"translatecast/internal/store"
	"translatecast/internal/worker"
)

// staticOracle seeds the language validator with the fixed set this
// deployment supports, until/unless a real capability-discovery endpoint
// is configured (§4.C's Oracle is pluggable; none of the pack examples
// expose one, so the safe-list-sized static set is the grounded default).
type staticOracle struct {
	sources map[string]struct{}
	targets map[string]struct{}
}

func (o staticOracle) SupportedLanguages(context.Context) (map[string]struct{}, map[string]struct{}, error) {
	return o.sources, o.targets, nil
}

func defaultOracle() staticOracle {
	langs := map[string]struct{}{
		"en": {}, "es": {}, "fr": {}, "de": {}, "it": {},
		"pt": {}, "ja": {}, "ko": {}, "zh": {}, "ar": {},
	}
	return staticOracle{sources: langs, targets: langs}
}

// Supervisor owns every long-lived component and their shutdown (see
// Shutdown for what it does and does not drain).
type Supervisor struct {
	cfg       *config.Config
	server    *gateway.Server
	bus       *ingest.Bus
	pool      *worker.Pool
	validator *langvalidate.Validator

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs the full dependency graph from cfg without starting
// anything.
func New(cfg *config.Config) (*Supervisor, error) {
	st := store.New()

	validator := langvalidate.New(defaultOracle(), time.Hour)

	var keySource auth.KeySource = &auth.StaticKeySource{Secret: []byte(cfg.Auth.StaticSecret)}
	verifier := auth.NewVerifier(keySource, cfg.Auth.JWKSCacheTTL, cfg.Auth.IssuerURL, cfg.Auth.Audience)

	var rec audit.Recorder = audit.NoopTrail{}
	if cfg.Audit.Enabled {
		trail, err := audit.Open(cfg.Audit.DSN)
		if err != nil {
			return nil, fmt.Errorf("supervisor: open audit trail: %w", err)
		}
		rec = trail
	}

	awsCfg, err := loadAWSConfig(cfg.Translation)
	if err != nil {
		return nil, fmt.Errorf("supervisor: load aws config: %w", err)
	}

	stt := ports.NewAWSTranscribe(awsCfg)
	mt := ports.NewAWSTranslate(awsCfg)
	tts := ports.NewAWSPolly(awsCfg)
	blob := ports.NewS3BlobStore(awsCfg, cfg.Blob.BucketName)

	pc := cache.New(cfg.Cache.RedisAddr, cfg.Cache.RedisDB, cfg.Cache.TTL)

	busCfg := ingest.Config{
		Window:        cfg.Audio.BatchWindow,
		MaxFrames:     cfg.Audio.BatchMaxFrames,
		HighWaterMark: cfg.Audio.BusHighWaterMark,
		TickInterval:  100 * time.Millisecond,
	}
	bus := ingest.New(busCfg, ports.SystemClock{})

	gw := gateway.New(gateway.Config{SendDeadline: cfg.WebSocket.SendDeadline}, st, validator, verifier, bus, rec)

	poolCfg := worker.Config{
		MaxConcurrentBatches:   cfg.Translation.MaxConcurrentBatches,
		MaxConcurrentTranslate: cfg.Translation.MaxConcurrentTranslate,
		MaxConcurrentTTS:       cfg.Translation.MaxConcurrentTTS,
		STTTimeout:             cfg.Translation.STTTimeout,
		TranslateTimeout:       cfg.Translation.TranslateTimeout,
		SynthesizeTimeout:      cfg.Translation.SynthesizeTimeout,
		PersistTimeout:         cfg.Translation.PersistTimeout,
		NotifyTimeout:          cfg.Translation.NotifyTimeout,
		PresignTTL:             cfg.Translation.PresignTTL,
		BreakerFailThreshold:   cfg.Translation.BreakerFailThreshold,
		BreakerCooldown:        cfg.Translation.BreakerCooldown,
	}
	pool := worker.New(poolCfg, st, stt, mt, tts, blob, gw, pc)

	srv := gateway.NewServer(gateway.ServerConfig{
		Port:              cfg.Server.Port,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		CORSAllowOrigins:  cfg.CORS.AllowOrigins,
		CORSAllowMethods:  cfg.CORS.AllowMethods,
		CORSAllowHeaders:  cfg.CORS.AllowHeaders,
		WSReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WSWriteBufferSize: cfg.WebSocket.WriteBufferSize,
	}, gw)

	return &Supervisor{
		cfg:       cfg,
		server:    srv,
		bus:       bus,
		pool:      pool,
		validator: validator,
		done:      make(chan struct{}),
	}, nil
}

// loadAWSConfig builds the shared aws.Config used by every STT/MT/TTS/blob
// client. Explicit access keys in cfg take priority over the default chain
// (env vars, shared config, instance role) so a dev .env can override it.
func loadAWSConfig(tc config.TranslationConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(tc.Region),
	}
	if tc.AccessKeyID != "" && tc.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(tc.AccessKeyID, tc.SecretAccessKey, ""),
		))
	}
	return awsconfig.LoadDefaultConfig(context.Background(), opts...)
}

// Run starts the ingest bus batcher, the worker pool, and the HTTP/WS
// server, then blocks until the server's Start returns (on SIGINT/SIGTERM).
func (s *Supervisor) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.bus.Run(ctx)
	go s.pool.Run(ctx, s.bus.Batches())
	go s.oracleRefreshLoop(ctx)

	log.Printf("[Supervisor] listening on %s", s.cfg.Server.Port)
	return s.server.Start()
}

// oracleRefreshLoop re-queries the capability oracle every hour (§6
// "Queried at start-up and refreshed every hour"), grounded on
// internal/aws/cache.go's cleanupLoop ticker shape.
func (s *Supervisor) oracleRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.validator.Refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops the HTTP/WS server (no new connections are accepted),
// then cancels the context shared by the ingest bus batcher, the worker
// pool and the oracle refresh loop, and returns after a fixed 200ms pause.
// Frames still buffered in the bus are not emitted, in-flight batches see
// their context cancelled, and the pool's completion is not awaited.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		log.Printf("[Supervisor] server shutdown error: %v", err)
	}
	if s.cancel != nil {
		s.cancel()
	}
	<-time.After(200 * time.Millisecond) // fixed pause; pool completion is not awaited
	return nil
}
