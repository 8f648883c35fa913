package urlcanon

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize_LowercasesHostAndDropsFragment(t *testing.T) {
	t.Parallel()

	got, ok := Normalize("HTTP://Example.COM/path#section", nil)
	require.True(t, ok)
	require.Equal(t, "http://example.com/path", got)
}

func TestNormalize_StripsDefaultPort(t *testing.T) {
	t.Parallel()

	got, ok := Normalize("http://example.com:80/path", nil)
	require.True(t, ok)
	require.Equal(t, "http://example.com/path", got)

	got, ok = Normalize("https://example.com:443/path", nil)
	require.True(t, ok)
	require.Equal(t, "https://example.com/path", got)
}

func TestNormalize_StripsTrailingSlashExceptRoot(t *testing.T) {
	t.Parallel()

	got, ok := Normalize("http://example.com/path/", nil)
	require.True(t, ok)
	require.Equal(t, "http://example.com/path", got)

	got, ok = Normalize("http://example.com/", nil)
	require.True(t, ok)
	require.Equal(t, "http://example.com/", got)
}

func TestNormalize_RemovesIgnoredParamsAndSortsRemaining(t *testing.T) {
	t.Parallel()

	got, ok := Normalize("http://example.com/?b=2&utm_source=x&a=1", []string{"utm_source"})
	require.True(t, ok)
	require.Equal(t, "http://example.com/?a=1&b=2", got)
}

func TestNormalize_RejectsNonHTTPScheme(t *testing.T) {
	t.Parallel()

	_, ok := Normalize("ftp://example.com/file", nil)
	require.False(t, ok)
}

func TestNormalize_RejectsUnparseable(t *testing.T) {
	t.Parallel()

	_, ok := Normalize("http://%zz", nil)
	require.False(t, ok)
}

func TestNormalize_IsIdempotent(t *testing.T) {
	t.Parallel()

	raw := "HTTP://Example.COM:80/path/?z=1&utm_source=x&a=2#frag"
	once, ok := Normalize(raw, []string{"utm_source"})
	require.True(t, ok)

	twice, ok := Normalize(once, []string{"utm_source"})
	require.True(t, ok)
	require.Equal(t, once, twice)
}

func TestNormalize_CollapsesEquivalentVariants(t *testing.T) {
	t.Parallel()

	variants := []string{
		"http://example.com/path?a=1&b=2",
		"http://EXAMPLE.com/path?b=2&a=1",
		"http://example.com:80/path?a=1&b=2#section",
		"http://example.com/path?a=1&b=2&utm_source=newsletter",
	}

	var canonical string
	for i, v := range variants {
		got, ok := Normalize(v, []string{"utm_source"})
		require.True(t, ok)
		if i == 0 {
			canonical = got
			continue
		}
		require.Equal(t, canonical, got)
	}
}

func TestResolveAndNormalize_RelativeHref(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("http://example.com/blog/post-1")
	require.NoError(t, err)

	got, ok := ResolveAndNormalize("../about", base, nil)
	require.True(t, ok)
	require.Equal(t, "http://example.com/about", got)
}

func TestResolveAndNormalize_AbsoluteHref(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("http://example.com/blog/post-1")
	require.NoError(t, err)

	got, ok := ResolveAndNormalize("https://other.com/page", base, nil)
	require.True(t, ok)
	require.Equal(t, "https://other.com/page", got)
}

func TestResolveAndNormalize_NonHTTPScheme(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("http://example.com/")
	require.NoError(t, err)

	_, ok := ResolveAndNormalize("mailto:someone@example.com", base, nil)
	require.False(t, ok)
}

func TestIsInternal_ExactDomainMatch(t *testing.T) {
	t.Parallel()

	require.True(t, IsInternal("http://example.com/page", "example.com", false))
	require.False(t, IsInternal("http://other.com/page", "example.com", false))
}

func TestIsInternal_SubdomainRequiresFlag(t *testing.T) {
	t.Parallel()

	require.False(t, IsInternal("http://blog.example.com/page", "example.com", false))
	require.True(t, IsInternal("http://blog.example.com/page", "example.com", true))
}

func TestIsInternal_CaseInsensitiveHost(t *testing.T) {
	t.Parallel()

	require.True(t, IsInternal("http://EXAMPLE.com/page", "example.com", false))
}
