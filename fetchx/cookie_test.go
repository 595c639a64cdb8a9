package fetchx

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestCookieJar_SetAndMatch(t *testing.T) {
	j := NewCookieJar()
	u := mustURL(t, "http://example.org/a/b")
	j.SetFromResponse(u, []string{"sid=abc"})

	assert.Equal(t, "sid=abc", j.header(mustURL(t, "http://example.org/a/b")))
	assert.Equal(t, "sid=abc", j.header(mustURL(t, "http://example.org/a")))
	assert.Equal(t, "", j.header(mustURL(t, "http://example.org/c")), "default path is /a")
	assert.Equal(t, "", j.header(mustURL(t, "http://other.org/a")))
}

func TestCookieJar_HostOnlyVsDomain(t *testing.T) {
	j := NewCookieJar()
	u := mustURL(t, "http://example.org/")
	j.SetFromResponse(u, []string{
		"host=1; Path=/",
		"dom=2; Path=/; Domain=example.org",
	})

	sub := mustURL(t, "http://www.example.org/")
	assert.Equal(t, "dom=2", j.header(sub), "host-only cookie must not match subdomain")
	assert.Contains(t, j.header(u), "host=1")
	assert.Contains(t, j.header(u), "dom=2")
}

func TestCookieJar_SecureRequiresHTTPS(t *testing.T) {
	j := NewCookieJar()
	u := mustURL(t, "https://example.org/")
	j.SetFromResponse(u, []string{"s=1; Secure; Path=/"})

	assert.Equal(t, "", j.header(mustURL(t, "http://example.org/")))
	assert.Equal(t, "s=1", j.header(mustURL(t, "https://example.org/")))
}

func TestCookieJar_MaxAgeWinsAndDeletes(t *testing.T) {
	j := NewCookieJar()
	u := mustURL(t, "http://example.org/")
	future := time.Now().Add(time.Hour).UTC().Format(time.RFC1123)

	j.SetFromResponse(u, []string{"a=1; Path=/; Max-Age=3600; Expires=" + future})
	assert.Equal(t, "a=1", j.header(u))

	// Max-Age <= 0 deletes even with a future Expires.
	j.SetFromResponse(u, []string{"a=1; Path=/; Max-Age=0; Expires=" + future})
	assert.Equal(t, "", j.header(u))
}

func TestCookieJar_ExpiredDropped(t *testing.T) {
	j := NewCookieJar()
	u := mustURL(t, "http://example.org/")
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC1123)
	j.SetFromResponse(u, []string{"old=1; Path=/; Expires=" + past})
	assert.Equal(t, "", j.header(u))
}

func TestCookieJar_OverwriteSameKey(t *testing.T) {
	j := NewCookieJar()
	u := mustURL(t, "http://example.org/")
	j.SetFromResponse(u, []string{"a=1; Path=/"})
	j.SetFromResponse(u, []string{"a=2; Path=/"})
	assert.Equal(t, "a=2", j.header(u))
	require.Len(t, j.Cookies(u), 1)
}

func TestCookieJar_LongestPathFirst(t *testing.T) {
	j := NewCookieJar()
	base := mustURL(t, "http://example.org/")
	j.SetFromResponse(base, []string{"root=1; Path=/"})
	j.SetFromResponse(base, []string{"deep=2; Path=/a/b"})

	got := j.header(mustURL(t, "http://example.org/a/b/c"))
	assert.Equal(t, "deep=2; root=1", got)
}

func TestCookieJar_ForeignDomainRejected(t *testing.T) {
	j := NewCookieJar()
	evil := mustURL(t, "http://evil.org/")
	j.SetFromResponse(evil, []string{"session=hijacked; Path=/; Domain=example.org"})

	assert.Equal(t, "", j.header(mustURL(t, "http://example.org/")))
	assert.Equal(t, "", j.header(evil), "the whole cookie is invalid, not just the attribute")
	assert.Empty(t, j.Cookies(mustURL(t, "http://example.org/")))
}

func TestCookieJar_ParentDomainAccepted(t *testing.T) {
	j := NewCookieJar()
	sub := mustURL(t, "http://app.example.org/")
	j.SetFromResponse(sub, []string{"a=1; Path=/; Domain=example.org"})

	assert.Equal(t, "a=1", j.header(mustURL(t, "http://www.example.org/")))
}

func TestCookieJar_MalformedIgnored(t *testing.T) {
	j := NewCookieJar()
	u := mustURL(t, "http://example.org/")
	j.SetFromResponse(u, []string{"", "=nope", ";;;", "ok=yes; Path=/"})
	assert.Equal(t, "ok=yes", j.header(u))
}

func TestCookieJar_Clear(t *testing.T) {
	j := NewCookieJar()
	u := mustURL(t, "http://example.org/")
	j.SetFromResponse(u, []string{"a=1; Path=/"})
	j.Clear()
	assert.Empty(t, j.Cookies(u))
}
