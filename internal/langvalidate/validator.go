// Package langvalidate implements §4.C: validating (source, target)
// language pairs against an upstream capability oracle, with a safe-list
// fallback so a cold/unavailable oracle never bricks the control plane.
// Grounded on the language-code maps in internal/aws/{transcribe,translate,polly}.go,
// generalized from a fixed map into a refreshable oracle-backed set.
package langvalidate

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

var (
	ErrBadSource        = errors.New("langvalidate: unsupported source language")
	ErrBadTarget        = errors.New("langvalidate: unsupported target language")
	ErrUnsupportedPair  = errors.New("langvalidate: source and target pair is not supported")
)

// safeList is the built-in fallback of §4.C: "a built-in safe-list of
// common ISO 639-1 codes {en, es, fr, de, it, pt, ja, ko, zh, ar}".
var safeList = map[string]struct{}{
	"en": {}, "es": {}, "fr": {}, "de": {}, "it": {},
	"pt": {}, "ja": {}, "ko": {}, "zh": {}, "ar": {},
}

// Oracle is the supported-language capability oracle (§6): queried at
// start-up and refreshed hourly. Returning (nil, nil, err) or two empty
// sets both count as "unavailable" for the degraded-mode fallback.
type Oracle interface {
	SupportedLanguages(ctx context.Context) (sources map[string]struct{}, targets map[string]struct{}, err error)
}

// Validator holds supported_sources/supported_targets behind a read-mostly
// RWMutex, refreshed on an interval owned by the supervisor.
type Validator struct {
	oracle          Oracle
	refreshInterval time.Duration

	mu        sync.RWMutex
	sources   map[string]struct{}
	targets   map[string]struct{}
	degraded  bool
	loggedGen int // oracle-refresh generation for which degraded_validator was already logged (P6)
	gen       int
}

func New(oracle Oracle, refreshInterval time.Duration) *Validator {
	v := &Validator{
		oracle:          oracle,
		refreshInterval: refreshInterval,
		loggedGen:       -1,
	}
	v.Refresh(context.Background())
	return v
}

// Refresh re-queries the oracle; call at start-up and on the supervisor's
// hourly ticker.
func (v *Validator) Refresh(ctx context.Context) {
	var sources, targets map[string]struct{}
	var err error
	if v.oracle != nil {
		sources, targets, err = v.oracle.SupportedLanguages(ctx)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.gen++
	if err != nil || len(sources) == 0 || len(targets) == 0 {
		v.sources = nil
		v.targets = nil
		v.degraded = true
		return
	}
	v.sources = sources
	v.targets = targets
	v.degraded = false
}

// ValidatePair implements validate_pair(source, target) -> Ok | Err(...).
func (v *Validator) ValidatePair(source, target string) error {
	v.mu.RLock()
	degraded := v.degraded
	sources := v.sources
	targets := v.targets
	gen := v.gen
	v.mu.RUnlock()

	if degraded {
		v.logDegradedOnce(gen)
		if _, ok := safeList[source]; !ok {
			return ErrBadSource
		}
		if _, ok := safeList[target]; !ok {
			return ErrBadTarget
		}
		return nil
	}

	if _, ok := sources[source]; !ok {
		return ErrBadSource
	}
	if _, ok := targets[target]; !ok {
		return ErrBadTarget
	}
	return nil
}

// logDegradedOnce emits "degraded_validator" exactly once per
// oracle-refresh cycle, per P6.
func (v *Validator) logDegradedOnce(gen int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.loggedGen == gen {
		return
	}
	v.loggedGen = gen
	log.Printf("[LangValidator] degraded_validator: capability oracle unavailable, falling back to built-in safe-list")
}
