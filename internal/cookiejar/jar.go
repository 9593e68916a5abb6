// Package cookiejar holds protection cookies won by bypass attempts, keyed
// by eTLD+1 so one solved challenge covers every subdomain. The jar is
// shared by all concurrent downloads.
package cookiejar

import (
	"net/http"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/openshelf/openshelf/internal/netutil"
)

// Cookie is one stored protection cookie.
type Cookie struct {
	Name   string
	Value  string
	Domain string
	Path   string
	Expiry time.Time // zero means session cookie, treated as long-lived
}

// Entry is everything remembered for one domain. Protection cookies are
// bound to the exact User-Agent that solved the challenge, so the UA is
// stored alongside them.
type Entry struct {
	Cookies   map[string]Cookie
	UserAgent string
	StoredAt  time.Time
}

// clearanceCookiePrefixes name the cookies that actually carry challenge
// clearance for the two supported protection families. Other cookies are
// noise unless the domain needs a full session.
var clearanceCookiePrefixes = []string{
	"cf_clearance",
	"__cf_bm",
	"__ddg",
}

// fullSessionDomains require every cookie from the solving session, not
// just the clearance ones; their download endpoints check login state too.
var fullSessionDomains = map[string]bool{
	"z-lib.gs":    true,
	"z-lib.fm":    true,
	"zlibrary.to": true,
	"welib.org":   true,
}

// sessionCookieLifetime is assumed for cookies without an expiry.
const sessionCookieLifetime = 30 * time.Minute

// Jar is the process-wide protection cookie store.
type Jar struct {
	entries *xsync.Map[string, Entry]
}

// New returns an empty jar.
func New() *Jar {
	return &Jar{entries: xsync.NewMap[string, Entry]()}
}

// IsClearanceCookie reports whether name is a challenge clearance cookie.
func IsClearanceCookie(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range clearanceCookiePrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// NeedsFullSession reports whether the domain's downloads require the whole
// session cookie set.
func NeedsFullSession(domain string) bool {
	return fullSessionDomains[strings.ToLower(domain)]
}

// Store records the cookies and User-Agent for the domain owning target
// (URL or host). For full-session domains every cookie is kept; otherwise
// only clearance cookies are.
func (j *Jar) Store(target string, cookies []Cookie, userAgent string) {
	domain := netutil.ExtractDomain(target)
	keep := make(map[string]Cookie, len(cookies))
	full := NeedsFullSession(domain)
	for _, c := range cookies {
		if full || IsClearanceCookie(c.Name) {
			keep[c.Name] = c
		}
	}
	if len(keep) == 0 {
		return
	}
	j.entries.Store(domain, Entry{
		Cookies:   keep,
		UserAgent: userAgent,
		StoredAt:  time.Now(),
	})
}

// Get returns the entry for the domain owning target, purging it first if
// its clearance has expired. ok is false when nothing valid is stored.
func (j *Jar) Get(target string) (Entry, bool) {
	domain := netutil.ExtractDomain(target)
	e, ok := j.entries.Load(domain)
	if !ok {
		return Entry{}, false
	}
	if j.expired(e) {
		j.entries.Delete(domain)
		return Entry{}, false
	}
	return e, true
}

// expired checks the primary clearance cookie's expiry; full-session-only
// entries fall back to the session lifetime from StoredAt.
func (j *Jar) expired(e Entry) bool {
	now := time.Now()
	sawClearance := false
	for name, c := range e.Cookies {
		if !IsClearanceCookie(name) {
			continue
		}
		sawClearance = true
		if c.Expiry.IsZero() {
			if now.Sub(e.StoredAt) < sessionCookieLifetime {
				return false
			}
			continue
		}
		if now.Before(c.Expiry) {
			return false
		}
	}
	if sawClearance {
		return true
	}
	return now.Sub(e.StoredAt) >= sessionCookieLifetime
}

// Delete drops the entry for the domain owning target.
func (j *Jar) Delete(target string) {
	j.entries.Delete(netutil.ExtractDomain(target))
}

// Len returns the number of stored domains.
func (j *Jar) Len() int {
	return j.entries.Size()
}

// Apply sets the stored cookies and User-Agent on an outgoing request.
// Returns false without touching the request when nothing valid is stored.
func (j *Jar) Apply(req *http.Request) bool {
	e, ok := j.Get(req.URL.String())
	if !ok {
		return false
	}
	for _, c := range e.Cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	if e.UserAgent != "" {
		req.Header.Set("User-Agent", e.UserAgent)
	}
	return true
}
