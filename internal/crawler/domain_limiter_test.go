package crawler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hydrafrog/internal/config"
)

func TestDomainLimiter_NoDelayNoRateIsNoop(t *testing.T) {
	t.Parallel()

	limiter := NewDomainLimiter(0, RateLimiterSettings{})
	start := time.Now()
	require.NoError(t, limiter.Wait(context.Background(), "example.com"))
	require.NoError(t, limiter.Wait(context.Background(), "example.com"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestDomainLimiter_FixedDelayThrottlesSameHost(t *testing.T) {
	t.Parallel()

	limiter := NewDomainLimiter(50*time.Millisecond, RateLimiterSettings{})
	ctx := context.Background()

	require.NoError(t, limiter.Wait(ctx, "example.com"))
	start := time.Now()
	require.NoError(t, limiter.Wait(ctx, "example.com"))
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestDomainLimiter_RateLimitBoundsBurstAcrossCalls(t *testing.T) {
	t.Parallel()

	limiter := NewDomainLimiter(0, RateLimiterSettings{Requests: 2, Window: 100 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Wait(ctx, "example.com"))
	}
	// The 3rd call exceeds the 2-per-100ms bucket and must wait.
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestDomainLimiter_DifferentHostsAreIndependent(t *testing.T) {
	t.Parallel()

	limiter := NewDomainLimiter(50*time.Millisecond, RateLimiterSettings{})
	ctx := context.Background()

	require.NoError(t, limiter.Wait(ctx, "a.example.com"))
	start := time.Now()
	require.NoError(t, limiter.Wait(ctx, "b.example.com"))
	require.Less(t, time.Since(start), 40*time.Millisecond)
}

func TestDomainLimiter_NilLimiterIsNoop(t *testing.T) {
	t.Parallel()

	var limiter *DomainLimiter
	require.NoError(t, limiter.Wait(context.Background(), "example.com"))
	limiter.Backoff("example.com")
	limiter.Reset("example.com")
}

func TestDomainLimiter_BackoffIncreasesDelayUntilReset(t *testing.T) {
	t.Parallel()

	limiter := NewDomainLimiterFromConfig(config.PolitenessConfig{
		PerHostDelay:      config.DurationFrom(10 * time.Millisecond),
		BackoffMultiplier: 4,
		MaxBackoffDelay:   config.DurationFrom(time.Second),
	})
	ctx := context.Background()

	require.NoError(t, limiter.Wait(ctx, "flaky.example.com"))
	limiter.Backoff("flaky.example.com") // simulates a fetch error on this host

	start := time.Now()
	require.NoError(t, limiter.Wait(ctx, "flaky.example.com"))
	// base delay is 10ms; one backoff step (x4) must push the wait well
	// past the base delay.
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	limiter.Reset("flaky.example.com")
	require.NoError(t, limiter.Wait(ctx, "flaky.example.com"))
	start = time.Now()
	require.NoError(t, limiter.Wait(ctx, "flaky.example.com"))
	require.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
	require.Less(t, time.Since(start), 30*time.Millisecond)
}

func TestDomainLimiter_BackoffNoopWithoutBackoffConfig(t *testing.T) {
	t.Parallel()

	limiter := NewDomainLimiter(10*time.Millisecond, RateLimiterSettings{})
	limiter.Backoff("example.com") // must not panic and must not change delay behavior
	require.NoError(t, limiter.Wait(context.Background(), "example.com"))
}

func TestDomainLimiter_FromConfigHonoursRateAndDelay(t *testing.T) {
	t.Parallel()

	limiter := NewDomainLimiterFromConfig(config.PolitenessConfig{
		PerHostDelay:    config.DurationFrom(0),
		RateLimitReqs:   2,
		RateLimitWindow: config.DurationFrom(100 * time.Millisecond),
	})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Wait(ctx, "example.com"))
	}
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}
