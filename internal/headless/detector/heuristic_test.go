package detector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ozank/scholarharvest/internal/harvest"
)

func TestHeuristic_ShouldPromote_EmptyBody(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	result := harvest.FetchResult{
		StatusCode: 200,
		Payload:    []byte(""),
	}
	require.True(t, h.ShouldPromote(result))
}

func TestHeuristic_ShouldPromote_SPAMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	result := harvest.FetchResult{
		StatusCode: 200,
		Payload:    []byte(`<div id="__next"></div>`),
	}
	require.True(t, h.ShouldPromote(result))
}

func TestHeuristic_ShouldPromote_ScriptDensity(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000)
	result := harvest.FetchResult{
		StatusCode: 200,
		Payload:    []byte(`<html><script>var a=1;</script><p>t</p></html>`),
	}
	require.True(t, h.ShouldPromote(result))
}

func TestHeuristic_ShouldPromote_StaticPage(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(10)
	result := harvest.FetchResult{
		StatusCode: 200,
		Payload:    []byte(`<html><body><h1>Archive</h1><a href="/article/1">a</a></body></html>`),
	}
	require.False(t, h.ShouldPromote(result))
}

func TestHeuristic_ShouldPromote_DisabledForNon200(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100)
	result := harvest.FetchResult{
		StatusCode: 404,
		Payload:    []byte("not found"),
	}
	require.False(t, h.ShouldPromote(result))
}
