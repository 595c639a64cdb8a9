package fetchx

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Cookie is a single stored cookie with its RFC 6265 attributes.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  time.Time // zero for session cookies
	Secure   bool
	HttpOnly bool

	hostOnly bool
	created  time.Time
}

// expired reports whether the cookie is past its expiry at now.
func (c *Cookie) expired(now time.Time) bool {
	return !c.Expires.IsZero() && !c.Expires.After(now)
}

// CookieJar stores cookies keyed by (domain, path, name) and attaches
// them to requests whose domain, path, and security match. It is safe
// for concurrent use, so one jar may back Sessions on several loops.
type CookieJar struct {
	mu      sync.Mutex
	entries map[string]*Cookie
}

func NewCookieJar() *CookieJar {
	return &CookieJar{entries: make(map[string]*Cookie)}
}

// SetFromResponse parses Set-Cookie header values received for u and
// stores the results. Malformed values are ignored.
func (j *CookieJar) SetFromResponse(u *url.URL, setCookies []string) {
	now := time.Now()
	for _, line := range setCookies {
		c, ok := parseSetCookie(line, u, now)
		if !ok {
			continue
		}
		j.set(c, now)
	}
}

func (j *CookieJar) set(c *Cookie, now time.Time) {
	key := c.Domain + ";" + c.Path + ";" + c.Name
	j.mu.Lock()
	defer j.mu.Unlock()
	if c.expired(now) {
		delete(j.entries, key)
		return
	}
	if prev, ok := j.entries[key]; ok {
		c.created = prev.created
	}
	j.entries[key] = c
}

// Cookies returns the stored cookies matching u, longest path first.
// Expired entries are removed as a side effect.
func (j *CookieJar) Cookies(u *url.URL) []*Cookie {
	host := strings.ToLower(u.Hostname())
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	secure := u.Scheme == "https"
	now := time.Now()

	j.mu.Lock()
	defer j.mu.Unlock()
	var out []*Cookie
	for key, c := range j.entries {
		if c.expired(now) {
			delete(j.entries, key)
			continue
		}
		if c.Secure && !secure {
			continue
		}
		if !domainMatch(host, c) || !pathMatch(path, c.Path) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, k int) bool {
		if len(out[i].Path) != len(out[k].Path) {
			return len(out[i].Path) > len(out[k].Path)
		}
		return out[i].created.Before(out[k].created)
	})
	return out
}

// header renders the Cookie request header value for u, or "".
func (j *CookieJar) header(u *url.URL) string {
	cookies := j.Cookies(u)
	if len(cookies) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, c := range cookies {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(c.Name)
		sb.WriteByte('=')
		sb.WriteString(c.Value)
	}
	return sb.String()
}

// Clear drops all stored cookies.
func (j *CookieJar) Clear() {
	j.mu.Lock()
	j.entries = make(map[string]*Cookie)
	j.mu.Unlock()
}

func domainMatch(host string, c *Cookie) bool {
	if c.hostOnly {
		return host == c.Domain
	}
	return host == c.Domain || strings.HasSuffix(host, "."+c.Domain)
}

func pathMatch(reqPath, cookiePath string) bool {
	if reqPath == cookiePath {
		return true
	}
	if strings.HasPrefix(reqPath, cookiePath) {
		return strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
	}
	return false
}

// defaultCookiePath derives the default path attribute from a request
// path per RFC 6265 §5.1.4.
func defaultCookiePath(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") {
		return "/"
	}
	i := strings.LastIndexByte(p, '/')
	if i == 0 {
		return "/"
	}
	return p[:i]
}

var cookieTimeFormats = []string{
	time.RFC1123,
	"Mon, 02-Jan-2006 15:04:05 MST",
	time.RFC850,
	time.ANSIC,
}

func parseSetCookie(line string, u *url.URL, now time.Time) (*Cookie, bool) {
	parts := strings.Split(line, ";")
	name, value, ok := strings.Cut(strings.TrimSpace(parts[0]), "=")
	if !ok || name == "" {
		return nil, false
	}
	value = strings.Trim(value, `"`)

	c := &Cookie{
		Name:     strings.TrimSpace(name),
		Value:    value,
		Domain:   strings.ToLower(u.Hostname()),
		Path:     defaultCookiePath(u.EscapedPath()),
		hostOnly: true,
		created:  now,
	}

	var maxAgeSet bool
	for _, attr := range parts[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(attr), "=")
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "domain":
			d := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(v), "."))
			if d == "" {
				continue
			}
			// RFC 6265 §5.3: a Domain attribute that does not cover the
			// response host makes the whole cookie invalid; otherwise any
			// origin could plant cookies for an unrelated domain.
			host := strings.ToLower(u.Hostname())
			if host != d && !strings.HasSuffix(host, "."+d) {
				return nil, false
			}
			c.Domain = d
			c.hostOnly = false
		case "path":
			if strings.HasPrefix(v, "/") {
				c.Path = v
			}
		case "expires":
			if maxAgeSet {
				continue // Max-Age wins
			}
			for _, layout := range cookieTimeFormats {
				if t, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
					c.Expires = t
					break
				}
			}
		case "max-age":
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				continue
			}
			maxAgeSet = true
			if n <= 0 {
				// Immediate expiry: deletes the cookie.
				c.Expires = now.Add(-time.Second)
			} else {
				c.Expires = now.Add(time.Duration(n) * time.Second)
			}
		case "secure":
			c.Secure = true
		case "httponly":
			c.HttpOnly = true
		}
	}
	return c, true
}
