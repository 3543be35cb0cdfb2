package htmlindex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ozank/scholarharvest/internal/harvest"
)

const issueIndexPage = `<html><body>
<a href="/pub/ajc/issue/101">Issue 101</a>
<a href="/pub/ajc/article/5501">First article</a>
<a href="https://dergi.example.org/pub/ajc/article/5502">Second article</a>
<a href="/pub/ajc/article/5501?show=full">Duplicate of first</a>
<a href="#top">Back to top</a>
<a href="mailto:editor@example.org">Contact</a>
</body></html>`

const articlePage = `<html><head>
<meta name="citation_title" content="Nitrogen fixation in alpine soils"/>
<meta name="citation_author" content="Kaya, A."/>
<meta name="citation_author" content="Demir, B."/>
<meta name="citation_publication_date" content="2021/06/15"/>
<meta name="citation_journal_title" content="Annals of Chemistry"/>
<meta name="citation_doi" content="10.1000/ajc.5501"/>
</head><body>article body</body></html>`

func testConfig() Config {
	return Config{
		ArticlePattern: "/article/",
		IndexPattern:   "/issue/",
	}
}

func TestExtractIndexPageYieldsUnits(t *testing.T) {
	t.Parallel()

	ext := New(testConfig())
	unit := harvest.WorkUnit{
		TargetID: "ajc",
		Locator:  "https://dergi.example.org/pub/ajc",
		Kind:     harvest.UnitIndexPage,
	}

	records, units, err := ext.Extract([]byte(issueIndexPage), unit)
	require.NoError(t, err)
	require.Empty(t, records)
	require.Len(t, units, 4)

	var articles, indexes int
	for _, u := range units {
		require.Equal(t, "ajc", u.TargetID)
		switch u.Kind {
		case harvest.UnitArticlePage:
			articles++
		case harvest.UnitIndexPage:
			indexes++
		}
	}
	require.Equal(t, 3, articles)
	require.Equal(t, 1, indexes)
	// Article units sort ahead of index units.
	require.Equal(t, harvest.UnitArticlePage, units[0].Kind)
}

func TestExtractArticlePageBuildsRecord(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.Clock = fixedClock{at: fixed}
	ext := New(cfg)
	unit := harvest.WorkUnit{
		TargetID: "ajc",
		Locator:  "https://dergi.example.org/pub/ajc/article/5501",
		Kind:     harvest.UnitArticlePage,
	}

	records, units, err := ext.Extract([]byte(articlePage), unit)
	require.NoError(t, err)
	require.Empty(t, units)
	require.Len(t, records, 1)

	rec := records[0]
	require.Equal(t, "10.1000/ajc.5501", rec.ID)
	require.Equal(t, unit.Locator, rec.Locator)
	require.Equal(t, "Nitrogen fixation in alpine soils", rec.Fields["title"])
	require.Equal(t, "Kaya, A.; Demir, B.", rec.Fields["authors"])
	require.Equal(t, "Annals of Chemistry", rec.Fields["journal"])
	require.Equal(t, fixed, rec.DiscoveredAt)
}

func TestExtractArticlePageWithoutMetaIsMismatch(t *testing.T) {
	t.Parallel()

	ext := New(testConfig())
	unit := harvest.WorkUnit{TargetID: "ajc", Locator: "https://x.org/article/1", Kind: harvest.UnitArticlePage}

	records, units, err := ext.Extract([]byte(`<html><body>no metadata here</body></html>`), unit)
	require.NoError(t, err)
	require.Empty(t, records)
	require.Empty(t, units)
}

func TestExtractIndexPageNoMatchesIsMismatch(t *testing.T) {
	t.Parallel()

	ext := New(testConfig())
	unit := harvest.WorkUnit{TargetID: "ajc", Locator: "https://x.org/pub/ajc", Kind: harvest.UnitIndexPage}

	records, units, err := ext.Extract([]byte(`<html><body><a href="/about">About</a></body></html>`), unit)
	require.NoError(t, err)
	require.Empty(t, records)
	require.Empty(t, units)
}

type fixedClock struct {
	at time.Time
}

func (c fixedClock) Now() time.Time { return c.at }
