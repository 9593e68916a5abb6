package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openshelf/openshelf/internal/cookiejar"
	"github.com/openshelf/openshelf/internal/dnsrotate"
	"github.com/openshelf/openshelf/internal/mirror"
	"github.com/openshelf/openshelf/internal/netutil"
)

func TestMain(m *testing.M) {
	backoffBase = time.Millisecond
	resumeBackoffBase = time.Millisecond
	m.Run()
}

// gatewayFunc adapts a function to the bypass gateway interface.
type gatewayFunc func(ctx context.Context, url string) (string, error)

func (f gatewayFunc) Fetch(ctx context.Context, url string) (string, error) { return f(ctx, url) }

func newTestClient(httpClient *http.Client, jar *cookiejar.Jar, gw gatewayFunc) *Client {
	c := &Client{
		HTTP:          httpClient,
		Jar:           jar,
		BypassEnabled: func() bool { return true },
		PageRetries:   func() int { return 3 },
		Attempts:      func() int { return 2 },
		Resumes:       func() int { return 3 },
		UserAgent:     func() string { return "test-agent/1.0" },
	}
	if gw != nil {
		c.Gateway = gw
	}
	return c
}

// hostRouting sends every request to target regardless of the URL's host,
// preserving the original host for the handler to branch on.
type hostRouting struct{ target string }

func (t hostRouting) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Host = req.URL.Host
	req.URL.Scheme = "http"
	req.URL.Host = t.target
	return http.DefaultTransport.RoundTrip(req)
}

func TestPage_Success(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if ua := r.Header.Get("User-Agent"); ua != "test-agent/1.0" {
			t.Errorf("User-Agent = %q", ua)
		}
		if r.Header.Get("Accept-Language") == "" {
			t.Error("browser headers not applied")
		}
		w.Write([]byte("<html>page</html>"))
	}))
	defer srv.Close()

	c := newTestClient(srv.Client(), cookiejar.New(), nil)
	html, err := c.Page(context.Background(), srv.URL+"/page", PageOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if html != "<html>page</html>" {
		t.Fatalf("html = %q", html)
	}
	if requests.Load() != 1 {
		t.Fatalf("requests = %d, want 1", requests.Load())
	}
}

func TestPage_ForbiddenSwitchesToBypasser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	var gatewayURL string
	gw := gatewayFunc(func(ctx context.Context, url string) (string, error) {
		gatewayURL = url
		return "<html>solved</html>", nil
	})

	var messages []string
	c := newTestClient(srv.Client(), cookiejar.New(), gw)
	html, err := c.Page(context.Background(), srv.URL+"/page", PageOptions{
		Status: func(phase, message string) { messages = append(messages, message) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if html != "<html>solved</html>" {
		t.Fatalf("html = %q", html)
	}
	if gatewayURL != srv.URL+"/page" {
		t.Fatalf("gateway fetched %q", gatewayURL)
	}
	found := false
	for _, m := range messages {
		if m == "Bypassing protection..." {
			found = true
		}
	}
	if !found {
		t.Fatalf("no bypass status emitted: %v", messages)
	}
}

// A 403 rechecks the cookie jar before reaching for the browser: another
// download may have just solved the same domain.
func TestPage_ForbiddenPrefersFreshCookiesOverBypass(t *testing.T) {
	jar := cookiejar.New()
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("cf_clearance"); err != nil {
			// Simulate a concurrent bypass landing its cookies between
			// this response and the caller's retry.
			jar.Store(srvURL, []cookiejar.Cookie{
				{Name: "cf_clearance", Value: "v", Expiry: time.Now().Add(time.Hour)},
			}, "test-agent/1.0")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte("<html>with cookies</html>"))
	}))
	defer srv.Close()
	srvURL = srv.URL

	gw := gatewayFunc(func(ctx context.Context, url string) (string, error) {
		t.Error("gateway must not run when cookies became available")
		return "", errors.New("unexpected")
	})

	c := newTestClient(srv.Client(), jar, gw)
	html, err := c.Page(context.Background(), srv.URL+"/page", PageOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if html != "<html>with cookies</html>" {
		t.Fatalf("html = %q", html)
	}
}

func TestPage_NotFound(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.Client(), cookiejar.New(), nil)
	_, err := c.Page(context.Background(), srv.URL+"/gone", PageOptions{})

	var nr *netutil.NonRetryableError
	if !errors.As(err, &nr) {
		t.Fatalf("want NonRetryableError, got %v", err)
	}
	if requests.Load() != 1 {
		t.Fatalf("requests = %d, want 1 (no retries on 404)", requests.Load())
	}
}

func TestPage_RetryableRotatesMirror(t *testing.T) {
	var hosts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hosts = append(hosts, r.Host)
		if r.Host == "mirror-a.example" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("<html>from b</html>"))
	}))
	defer srv.Close()

	mgr := mirror.NewManager(
		[]string{"http://mirror-a.example", "http://mirror-b.example"},
		dnsrotate.New(dnsrotate.ModeSystem, ""),
	)
	sel := mirror.NewSelector(mgr)

	c := newTestClient(
		&http.Client{Transport: hostRouting{target: srv.Listener.Addr().String()}},
		cookiejar.New(), nil,
	)
	html, err := c.Page(context.Background(), "http://mirror-a.example/search?q=x", PageOptions{Selector: sel})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if html != "<html>from b</html>" {
		t.Fatalf("html = %q", html)
	}
	if len(hosts) != 2 || hosts[0] != "mirror-a.example" || hosts[1] != "mirror-b.example" {
		t.Fatalf("hosts = %v", hosts)
	}
}

func TestPage_NoBypassFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	gw := gatewayFunc(func(ctx context.Context, url string) (string, error) {
		t.Error("gateway must not run with NoBypassFallback")
		return "", errors.New("unexpected")
	})

	c := newTestClient(srv.Client(), cookiejar.New(), gw)
	_, err := c.Page(context.Background(), srv.URL+"/page", PageOptions{NoBypassFallback: true})

	var nr *netutil.NonRetryableError
	if !errors.As(err, &nr) {
		t.Fatalf("want NonRetryableError, got %v", err)
	}
}

func TestPage_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(http.DefaultClient, cookiejar.New(), nil)
	_, err := c.Page(ctx, "http://site.example/page", PageOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}
