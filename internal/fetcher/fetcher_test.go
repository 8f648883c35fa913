package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetch_ExtractsSEOFields(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head>
<title>  My Page  </title>
<meta name="description" content="A description">
<link rel="canonical" href="https://example.com/canonical">
<meta name="robots" content="noindex, nofollow">
</head><body>
<h1>One</h1>
<h1>Two</h1>
<a href="/a">A</a>
<a href="/b">B</a>
<img src="/x.png">
<img src="/y.png" alt="has alt">
<p>some visible words here for counting</p>
</body></html>`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{UserAgent: "test-agent"})
	result := f.Fetch(context.Background(), srv.URL, "")

	require.Empty(t, result.Error)
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Equal(t, "My Page", result.Title)
	require.Equal(t, "A description", result.MetaDescription)
	require.Equal(t, 2, result.H1Count)
	require.Equal(t, "https://example.com/canonical", result.Canonical)
	require.Equal(t, "noindex, nofollow", result.RobotsMeta)
	require.Equal(t, 1, result.ImagesMissingAlt)
	require.True(t, result.HasWordCount)
	require.Greater(t, result.WordCount, 0)
	require.Len(t, result.Links, 4) // 2 anchors + 2 imgs; the canonical <link> is not a link
}

func TestFetch_NonHTMLSkipsParsing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{})
	result := f.Fetch(context.Background(), srv.URL, "")

	require.Empty(t, result.Error)
	require.Nil(t, result.HTML)
	require.Empty(t, result.Links)
}

func TestFetch_RedirectChainRecorded(t *testing.T) {
	t.Parallel()

	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body>landed</body></html>`))
	}))
	defer final.Close()

	redirector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL, http.StatusMovedPermanently)
	}))
	defer redirector.Close()

	f := NewHTTPFetcher(Options{})
	result := f.Fetch(context.Background(), redirector.URL, "")

	require.Empty(t, result.Error)
	require.Equal(t, http.StatusOK, result.StatusCode)
	require.Len(t, result.RedirectChain, 1)
	require.Equal(t, redirector.URL, result.RedirectChain[0].URL)
	require.Equal(t, http.StatusMovedPermanently, result.RedirectChain[0].StatusCode)
	require.Equal(t, final.URL, result.URL)
}

func TestFetch_RedirectChainRecordsEachHopsRealStatusCode(t *testing.T) {
	t.Parallel()

	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body>landed</body></html>`))
	}))
	defer final.Close()

	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL, http.StatusFound)
	}))
	defer second.Close()

	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, second.URL, http.StatusTemporaryRedirect)
	}))
	defer first.Close()

	f := NewHTTPFetcher(Options{})
	result := f.Fetch(context.Background(), first.URL, "")

	require.Empty(t, result.Error)
	require.Len(t, result.RedirectChain, 2)
	require.Equal(t, http.StatusTemporaryRedirect, result.RedirectChain[0].StatusCode)
	require.Equal(t, http.StatusFound, result.RedirectChain[1].StatusCode)
}

func TestFetch_RedirectLoopTerminatesViaCap(t *testing.T) {
	t.Parallel()

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL, http.StatusFound)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{})
	result := f.Fetch(context.Background(), srv.URL, "")

	require.NotEmpty(t, result.Error)
	require.Equal(t, ErrRedirectChainExceeded.Error(), result.Error)
	require.Len(t, result.RedirectChain, maxRedirects)
}

func TestFetch_PerCallUserAgentOverridesDefault(t *testing.T) {
	t.Parallel()

	var gotUserAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body>ok</body></html>`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(Options{UserAgent: "default-agent"})
	_ = f.Fetch(context.Background(), srv.URL, "project-specific-agent")

	require.Equal(t, "project-specific-agent", gotUserAgent)
}

func TestFetch_ConnectionErrorSetsError(t *testing.T) {
	t.Parallel()

	f := NewHTTPFetcher(Options{})
	result := f.Fetch(context.Background(), "http://127.0.0.1:1", "")

	require.NotEmpty(t, result.Error)
	require.Equal(t, 0, result.StatusCode)
}
