package chain

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// FallbackThreshold is used when the contract read keeps failing. A
// threshold of 1 keeps runs moving; the contract remains the source of
// truth for actual quorum counting.
const FallbackThreshold = 1

// ThresholdReader reads the committee-wide approval threshold.
type ThresholdReader interface {
	CommitteeThreshold(ctx context.Context) (int, error)
}

// ThresholdProvider caches the committee threshold. The cached value is
// reused while positive and fresh; otherwise it is re-fetched, falling
// back to FallbackThreshold with a warning when the read fails.
type ThresholdProvider struct {
	reader ThresholdReader
	maxAge time.Duration

	mu        sync.Mutex
	value     int
	fetchedAt time.Time
}

// NewThresholdProvider builds a provider with the given cache lifetime.
func NewThresholdProvider(reader ThresholdReader, maxAge time.Duration) *ThresholdProvider {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &ThresholdProvider{reader: reader, maxAge: maxAge}
}

// Threshold returns the cached or freshly read threshold. It never fails:
// a failed read degrades to the last known positive value, then to
// FallbackThreshold.
func (p *ThresholdProvider) Threshold(ctx context.Context) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.value > 0 && time.Since(p.fetchedAt) < p.maxAge {
		return p.value
	}

	value, err := p.reader.CommitteeThreshold(ctx)
	if err == nil && value > 0 {
		p.value = value
		p.fetchedAt = time.Now()
		return value
	}
	if err != nil {
		log.Warn().Err(err).Msg("reading committee threshold failed")
	}

	if p.value > 0 {
		return p.value
	}
	log.Warn().Int("fallback", FallbackThreshold).Msg("committee threshold fallback applied")
	p.value = FallbackThreshold
	p.fetchedAt = time.Now()
	return FallbackThreshold
}

// Invalidate drops the cached value so the next read hits the contract.
func (p *ThresholdProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = 0
	p.fetchedAt = time.Time{}
}
