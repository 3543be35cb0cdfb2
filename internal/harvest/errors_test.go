package harvest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code    int
		kind    Kind
		failure bool
	}{
		{http.StatusOK, "", false},
		{http.StatusFound, "", false},
		{http.StatusTooManyRequests, KindRateLimited, true},
		{http.StatusNotFound, KindPermanent, true},
		{http.StatusForbidden, KindPermanent, true},
		{http.StatusInternalServerError, KindTransient, true},
		{http.StatusBadGateway, KindTransient, true},
	}

	for _, tc := range cases {
		kind, failure := ClassifyStatus(tc.code)
		require.Equal(t, tc.failure, failure, "code %d", tc.code)
		require.Equal(t, tc.kind, kind, "code %d", tc.code)
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	unit := WorkUnit{Locator: "https://example.com/a"}

	wrapped := fmt.Errorf("fetch: %w", NewUnitError(KindRateLimited, unit, errors.New("blocked")))
	require.Equal(t, KindRateLimited, KindOf(wrapped))

	require.Equal(t, KindTransient, KindOf(context.DeadlineExceeded))
	require.Equal(t, KindPermanent, KindOf(context.Canceled))

	var netErr net.Error = &net.DNSError{IsTimeout: true}
	require.Equal(t, KindTransient, KindOf(netErr))
}

func TestKindRetryable(t *testing.T) {
	t.Parallel()

	require.True(t, KindTransient.Retryable())
	require.True(t, KindRateLimited.Retryable())
	require.False(t, KindPermanent.Retryable())
	require.False(t, KindPersistence.Retryable())
}

func TestRunCountersMerge(t *testing.T) {
	t.Parallel()

	var c RunCounters
	c.Merge(TargetOutcome{UnitsDone: 5, UnitsFailed: 1, Accepted: 4, Duplicates: 1, Elapsed: time.Second})
	c.Merge(TargetOutcome{UnitsDone: 2, UnitsEmpty: 1, Accepted: 1})

	require.Equal(t, 2, c.TargetsDone)
	require.Equal(t, 7, c.UnitsDone)
	require.Equal(t, 1, c.UnitsFailed)
	require.Equal(t, 1, c.UnitsEmpty)
	require.Equal(t, 5, c.Accepted)
	require.Equal(t, 1, c.Duplicates)
}
