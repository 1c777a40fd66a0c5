package collector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"rentintel/server/config"
	"rentintel/server/internal/models"
)

// ErrTransient marks network failures that may succeed on a later attempt.
var ErrTransient = errors.New("transient I/O failure")

// Collector fetches raw listings for one city of a region from one source.
// Each call returns a finite batch; an error means the city yielded nothing.
type Collector interface {
	Source() string
	Collect(ctx context.Context, region config.Region, city config.City) ([]models.RawListing, error)
}

// New builds the collector registered for source.
func New(source string, cfg config.Config, logger *logrus.Logger) (Collector, error) {
	switch source {
	case "craigslist":
		c := cfg.Collection
		return NewClassifiedsCollector(ClassifiedsConfig{
			Source:            source,
			SearchURL:         c.SearchURL,
			UserAgent:         c.UserAgent,
			RequestTimeout:    c.RequestTimeout,
			RequestsPerSecond: c.RequestsPerSecond,
			BaseDelay:         c.BaseDelay,
			JitterMin:         c.JitterMin,
			Jitter:            c.Jitter,
			MaxPerCity:        c.MaxPerCity,
			DedupeTTL:         c.DedupeTTL,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown collection source: %s", source)
	}
}

type runKey struct{}

// WithRun tags ctx with the collection run it belongs to. Collectors scope
// per-run caches by it.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

// RunFromContext returns the run id set by WithRun.
func RunFromContext(ctx context.Context) (string, bool) {
	runID, ok := ctx.Value(runKey{}).(string)
	return runID, ok && runID != ""
}

// Pacer sleeps a base delay plus uniform random jitter between units of work.
type Pacer struct {
	base      time.Duration
	minJitter time.Duration
	maxJitter time.Duration
}

// NewPacer returns a pacer whose delays fall in
// [base+minJitter, base+maxJitter]. A minJitter above maxJitter is lowered to
// it.
func NewPacer(base, minJitter, maxJitter time.Duration) *Pacer {
	if base < 0 {
		base = 0
	}
	if maxJitter < 0 {
		maxJitter = 0
	}
	if minJitter < 0 {
		minJitter = 0
	}
	if minJitter > maxJitter {
		minJitter = maxJitter
	}
	return &Pacer{base: base, minJitter: minJitter, maxJitter: maxJitter}
}

// Delay returns the next pause length.
func (p *Pacer) Delay() time.Duration {
	spread := p.maxJitter - p.minJitter
	if spread == 0 {
		return p.base + p.minJitter
	}
	return p.base + p.minJitter + time.Duration(rand.Int63n(int64(spread) + 1))
}

// Wait pauses for the next delay or until ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	d := p.Delay()
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
