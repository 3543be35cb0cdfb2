package collyfetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ozank/scholarharvest/internal/harvest"
)

func TestFetchReturnsPayload(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`<html><body>issue index</body></html>`))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "harvester-test", Timeout: 5 * time.Second})
	unit := harvest.WorkUnit{TargetID: "ajc", Locator: srv.URL, Kind: harvest.UnitIndexPage}

	res, err := f.Fetch(context.Background(), unit)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(res.Payload), "issue index")
	require.Greater(t, res.Elapsed, time.Duration(0))
}

func TestFetchClassifiesServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second})
	unit := harvest.WorkUnit{TargetID: "ajc", Locator: srv.URL, Kind: harvest.UnitArticlePage}

	res, err := f.Fetch(context.Background(), unit)
	require.Error(t, err)
	require.Equal(t, http.StatusBadGateway, res.StatusCode)
	require.Equal(t, harvest.KindTransient, harvest.KindOf(err))
}

func TestFetchClassifiesRateLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second})
	unit := harvest.WorkUnit{TargetID: "ajc", Locator: srv.URL, Kind: harvest.UnitQueryPage}

	_, err := f.Fetch(context.Background(), unit)
	require.Error(t, err)
	require.Equal(t, harvest.KindRateLimited, harvest.KindOf(err))
}

func TestFetchClassifiesNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second})
	unit := harvest.WorkUnit{TargetID: "ajc", Locator: srv.URL + "/missing"}

	_, err := f.Fetch(context.Background(), unit)
	require.Error(t, err)
	require.Equal(t, harvest.KindPermanent, harvest.KindOf(err))
}

func TestFetchAllowsRevisit(t *testing.T) {
	t.Parallel()

	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second})
	unit := harvest.WorkUnit{TargetID: "ajc", Locator: srv.URL}

	_, err := f.Fetch(context.Background(), unit)
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), unit)
	require.NoError(t, err)
	require.Equal(t, 2, hits)
}

func TestFetchHonorsContextCancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	f := New(Config{Timeout: 10 * time.Second})
	_, err := f.Fetch(ctx, harvest.WorkUnit{TargetID: "ajc", Locator: srv.URL})
	require.Error(t, err)
}
