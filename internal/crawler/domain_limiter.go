package crawler

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"hydrafrog/internal/config"
)

// RateLimiterSettings configures token-bucket style rate limiting per host.
type RateLimiterSettings struct {
	Requests int
	Window   time.Duration
}

// DomainLimiter enforces per-domain politeness rules combining a fixed
// delay, an optional token-bucket rate ceiling, randomized jitter, and
// per-host multiplicative backoff. It consults config.PolitenessConfig
// directly rather than only the flat (delay, rate) pair the BFS Driver
// passed to earlier versions of this type.
type DomainLimiter struct {
	delay       time.Duration
	rate        RateLimiterSettings
	rateEnabled bool

	jitterFraction    float64
	backoffMultiplier float64
	maxBackoffDelay   time.Duration

	mu       sync.Mutex
	last     map[string]time.Time
	limiters map[string]*rate.Limiter
	backoff  map[string]time.Duration
}

// NewDomainLimiter creates a limiter with a per-domain delay and
// optional rate limiting. Jitter and backoff are disabled; use
// NewDomainLimiterFromConfig to enable them from a PolitenessConfig.
func NewDomainLimiter(delay time.Duration, rateCfg RateLimiterSettings) *DomainLimiter {
	return newDomainLimiter(delay, rateCfg, 0, 0, 0)
}

// NewDomainLimiterFromConfig builds a limiter directly from a
// config.PolitenessConfig, wiring its jitter and backoff knobs into
// Wait in addition to the fixed delay and rate ceiling.
func NewDomainLimiterFromConfig(cfg config.PolitenessConfig) *DomainLimiter {
	return newDomainLimiter(
		cfg.PerHostDelay.Duration,
		RateLimiterSettings{Requests: cfg.RateLimitReqs, Window: cfg.RateLimitWindow.Duration},
		cfg.JitterFraction,
		cfg.BackoffMultiplier,
		cfg.MaxBackoffDelay.Duration,
	)
}

func newDomainLimiter(delay time.Duration, rateCfg RateLimiterSettings, jitterFraction, backoffMultiplier float64, maxBackoffDelay time.Duration) *DomainLimiter {
	limiter := &DomainLimiter{
		delay:             delay,
		jitterFraction:    jitterFraction,
		backoffMultiplier: backoffMultiplier,
		maxBackoffDelay:   maxBackoffDelay,
	}
	if delay > 0 {
		limiter.last = make(map[string]time.Time)
	}
	if rateCfg.Requests > 0 && rateCfg.Window > 0 {
		limiter.rateEnabled = true
		limiter.rate = rateCfg
		limiter.limiters = make(map[string]*rate.Limiter)
		if limiter.last == nil {
			limiter.last = make(map[string]time.Time)
		}
	}
	if backoffMultiplier >= 1 && maxBackoffDelay > 0 {
		limiter.backoff = make(map[string]time.Duration)
	}
	return limiter
}

// Wait blocks until politeness constraints for the host are satisfied.
func (d *DomainLimiter) Wait(ctx context.Context, host string) error {
	if d == nil || host == "" {
		return nil
	}
	host = strings.ToLower(host)

	if d.delay <= 0 && !d.rateEnabled && d.backoff == nil {
		return nil
	}

	var sleep time.Duration
	var limiter *rate.Limiter
	now := time.Now()

	d.mu.Lock()
	effectiveDelay := d.delay
	if d.backoff != nil {
		if backedOff, ok := d.backoff[host]; ok && backedOff > effectiveDelay {
			effectiveDelay = backedOff
		}
	}
	if effectiveDelay > 0 {
		effectiveDelay = applyJitter(effectiveDelay, d.jitterFraction)
		if last, ok := d.last[host]; ok {
			rest := last.Add(effectiveDelay).Sub(now)
			if rest > 0 {
				sleep = rest
			}
		}
	}
	if d.rateEnabled {
		limiter = d.ensureLimiterLocked(host)
	}
	d.mu.Unlock()

	if sleep > 0 {
		timer := time.NewTimer(sleep)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}

	d.mu.Lock()
	if d.last != nil {
		d.last[host] = time.Now()
	}
	d.mu.Unlock()
	return nil
}

// Backoff multiplies host's effective delay by backoffMultiplier, capped
// at maxBackoffDelay, so a struggling host is slowed down further on
// each consecutive fetch error. A no-op unless both backoffMultiplier
// and maxBackoffDelay were configured.
func (d *DomainLimiter) Backoff(host string) {
	if d == nil || d.backoff == nil || host == "" {
		return
	}
	host = strings.ToLower(host)

	d.mu.Lock()
	defer d.mu.Unlock()

	current, ok := d.backoff[host]
	if !ok || current <= 0 {
		current = d.delay
	}
	if current <= 0 {
		current = time.Millisecond
	}
	next := time.Duration(float64(current) * d.backoffMultiplier)
	if next > d.maxBackoffDelay {
		next = d.maxBackoffDelay
	}
	d.backoff[host] = next
}

// Reset clears host's backoff state after a successful fetch, returning
// it to the configured base delay.
func (d *DomainLimiter) Reset(host string) {
	if d == nil || d.backoff == nil || host == "" {
		return
	}
	host = strings.ToLower(host)

	d.mu.Lock()
	delete(d.backoff, host)
	d.mu.Unlock()
}

// applyJitter scales delay by a random factor in [1-fraction, 1+fraction],
// so hosts sharing a crawl don't settle into lockstep request timing.
// fraction <= 0 leaves delay unchanged.
func applyJitter(delay time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return delay
	}
	if fraction > 1 {
		fraction = 1
	}
	offset := (rand.Float64()*2 - 1) * fraction
	jittered := time.Duration(float64(delay) * (1 + offset))
	if jittered < 0 {
		return 0
	}
	return jittered
}

func (d *DomainLimiter) ensureLimiterLocked(host string) *rate.Limiter {
	limiter, ok := d.limiters[host]
	if ok {
		return limiter
	}
	interval := d.rate.Window / time.Duration(d.rate.Requests)
	if interval <= 0 {
		interval = time.Millisecond
	}
	burst := d.rate.Requests
	if burst <= 0 {
		burst = 1
	}
	limiter = rate.NewLimiter(rate.Every(interval), burst)
	d.limiters[host] = limiter
	return limiter
}
