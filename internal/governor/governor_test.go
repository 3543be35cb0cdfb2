package governor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ozank/scholarharvest/internal/harvest"
)

func transientErr() error {
	return harvest.NewUnitError(harvest.KindTransient, harvest.WorkUnit{Locator: "https://x/a"}, errors.New("boom"))
}

func TestGovernor_RetryBound(t *testing.T) {
	t.Parallel()

	g := New(Config{RetryCount: 3, Backoff: time.Millisecond}, nil)

	attempts := 0
	err := g.Do(context.Background(), "example.com", func(context.Context) error {
		attempts++
		return transientErr()
	})

	require.Error(t, err)
	require.Equal(t, 4, attempts, "retry_count+1 attempts expected")
}

func TestGovernor_PermanentNotRetried(t *testing.T) {
	t.Parallel()

	g := New(Config{RetryCount: 5, Backoff: time.Millisecond}, nil)

	attempts := 0
	err := g.Do(context.Background(), "example.com", func(context.Context) error {
		attempts++
		return harvest.NewUnitError(harvest.KindPermanent, harvest.WorkUnit{}, errors.New("404"))
	})

	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestGovernor_SucceedsAfterTransient(t *testing.T) {
	t.Parallel()

	g := New(Config{RetryCount: 2, Backoff: time.Millisecond}, nil)

	attempts := 0
	err := g.Do(context.Background(), "example.com", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return transientErr()
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestGovernor_RateLimitedUsesLongerBackoff(t *testing.T) {
	t.Parallel()

	g := New(Config{
		RetryCount:         1,
		Backoff:            time.Millisecond,
		RateLimitedBackoff: 50 * time.Millisecond,
	}, nil)

	start := time.Now()
	attempts := 0
	err := g.Do(context.Background(), "example.com", func(context.Context) error {
		attempts++
		return harvest.NewUnitError(harvest.KindRateLimited, harvest.WorkUnit{}, errors.New("429"))
	})

	require.Error(t, err)
	require.Equal(t, 2, attempts)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestGovernor_HostSpacing(t *testing.T) {
	t.Parallel()

	g := New(Config{PolitenessDelay: 40 * time.Millisecond}, nil)
	ctx := context.Background()

	require.NoError(t, g.Wait(ctx, "slow.example.com"))

	start := time.Now()
	require.NoError(t, g.Wait(ctx, "slow.example.com"))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// A different host has its own bucket and proceeds immediately.
	start = time.Now()
	require.NoError(t, g.Wait(ctx, "other.example.com"))
	require.Less(t, time.Since(start), 20*time.Millisecond)
}

func TestGovernor_BackoffInterruptedByContext(t *testing.T) {
	t.Parallel()

	g := New(Config{RetryCount: 3, Backoff: time.Minute}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := g.Do(ctx, "example.com", func(context.Context) error {
		return transientErr()
	})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
