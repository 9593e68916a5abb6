package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/openshelf/openshelf/internal/bypass"
	"github.com/openshelf/openshelf/internal/config"
	"github.com/openshelf/openshelf/internal/cookiejar"
	"github.com/openshelf/openshelf/internal/dnsrotate"
	"github.com/openshelf/openshelf/internal/fetch"
	"github.com/openshelf/openshelf/internal/metadata"
	"github.com/openshelf/openshelf/internal/mirror"
)

func TestMain(m *testing.M) {
	countdownTick = time.Millisecond
	zlibSettleDelay = time.Millisecond
	m.Run()
}

type gatewayFunc func(ctx context.Context, url string) (string, error)

func (f gatewayFunc) Fetch(ctx context.Context, url string) (string, error) { return f(ctx, url) }

func newFetchClient(hc *http.Client, gw bypass.Gateway) *fetch.Client {
	return &fetch.Client{
		HTTP:          hc,
		Jar:           cookiejar.New(),
		Gateway:       gw,
		BypassEnabled: func() bool { return true },
		PageRetries:   func() int { return 3 },
		Attempts:      func() int { return 2 },
		Resumes:       func() int { return 3 },
		UserAgent:     func() string { return "test/1.0" },
	}
}

func newTestEnv(t *testing.T, srv *httptest.Server, gw bypass.Gateway) (Deps, *Resolution) {
	t.Helper()
	mgr := mirror.NewManager([]string{srv.URL}, dnsrotate.New(dnsrotate.ModeSystem, ""))
	cfg := config.NewDefaultRuntimeConfig()
	cfg.ZlibURLTemplate = srv.URL + "/md5/{md5}"
	cfg.WelibURLTemplate = srv.URL + "/md5/{md5}"
	d := Deps{Fetch: newFetchClient(srv.Client(), gw), Mirrors: mgr}
	return d, NewResolution(cfg, mgr, nil)
}

var testBook = &metadata.Book{ID: "d41d8cd98f00b204e9800998ecf8427e", Title: "A Book", Format: "epub"}

func TestParsePartnerLinks(t *testing.T) {
	page := `<html><body>
		<div><a href="/slow_download/abc/0">Slow Partner Server #1</a> <span>(no waitlist)</span></div>
		<div><a href="/slow_download/abc/1">Slow Partner Server #2</a> <span>(waitlist expected)</span></div>
		<div><a href="/fast_download/abc">Fast Partner Server #1</a> <span>(no waitlist)</span></div>
		<div><a href="/slow_download/abc/0">Slow Partner Server #1</a> <span>(no waitlist)</span></div>
		<div><a href="/slow_download/abc/2">Slow Partner Server #3</a> <span>(browser verification)</span></div>
	</body></html>`

	got := parsePartnerLinks(page, "https://archive.example/md5/abc")

	direct := got[IDArchiveDirect]
	if len(direct) != 1 || direct[0] != "https://archive.example/slow_download/abc/0" {
		t.Errorf("direct = %v", direct)
	}
	wait := got[IDArchiveWaitlist]
	if len(wait) != 1 || wait[0] != "https://archive.example/slow_download/abc/1" {
		t.Errorf("waitlist = %v", wait)
	}
}

func TestExtractCountdown(t *testing.T) {
	tests := []struct {
		name string
		page string
		want int
	}{
		{"partner span", `<span class="js-partner-countdown">47</span>`, 47},
		{"timer div", `<div class="download-timer">12</div>`, 12},
		{"data attribute", `<div data-countdown="30">please wait</div>`, 30},
		{"js object", `<script>start({countdown: 25});</script>`, 25},
		{"js var", `<script>var countdown = 55;</script>`, 55},
		{"countdownSeconds", `<script>countdownSeconds = 90</script>`, 90},
		{"json key", `<script>{"countdown_seconds": 18}</script>`, 18},
		{"wait text", `<p>Please wait 60 seconds for your download</p>`, 60},
		{"implausibly large", `<span class="js-partner-countdown">4000</span>`, 0},
		{"zero", `<div data-countdown="0"></div>`, 0},
		{"none", `<p>Download ready</p>`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := parseDoc(tt.page)
			if err != nil {
				t.Fatal(err)
			}
			if got := extractCountdown(doc, tt.page); got != tt.want {
				t.Errorf("extractCountdown = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExtractDirectLink(t *testing.T) {
	tests := []struct {
		name string
		page string
		want string
	}{
		{
			"clipboard",
			`<script>navigator.clipboard.writeText('https://dl.example/f.epub')</script>`,
			"https://dl.example/f.epub",
		},
		{
			"clipboard pointing back at landing is ignored",
			`<script>navigator.clipboard.writeText('https://x.example/slow_download/a/1')</script>`,
			"",
		},
		{
			"download now anchor",
			`<a href="https://dl.example/f.epub">📚 Download now</a>`,
			"https://dl.example/f.epub",
		},
		{
			"download attribute",
			`<a href="https://dl.example/f.epub" download>file</a>`,
			"https://dl.example/f.epub",
		},
		{
			"url span",
			`<span class="break-all whitespace-normal">https://dl.example/f.epub</span>`,
			"https://dl.example/f.epub",
		},
		{
			"window.location",
			`<script>window.location.href = "https://dl.example/f.epub"</script>`,
			"https://dl.example/f.epub",
		},
		{
			"nothing useful",
			`<a href="/slow_download/a/2">another landing page</a>`,
			"",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := parseDoc(tt.page)
			if err != nil {
				t.Fatal(err)
			}
			if got := extractDirectLink(doc, tt.page); got != tt.want {
				t.Errorf("extractDirectLink = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDonator_Candidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	d, r := newTestEnv(t, srv, nil)
	s := &Donator{}

	urls, err := s.Candidates(context.Background(), d, r, testBook)
	if err != nil || urls != nil {
		t.Fatalf("without key: urls=%v err=%v", urls, err)
	}

	r.Cfg.DonatorKey = "secret"
	urls, err = s.Candidates(context.Background(), d, r, testBook)
	if err != nil {
		t.Fatal(err)
	}
	want := srv.URL + "/dyn/api/fast_download.json?md5=" + testBook.ID + "&key=secret"
	if len(urls) != 1 || urls[0] != want {
		t.Fatalf("urls = %v, want [%s]", urls, want)
	}
}

func TestDonator_DirectLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"download_url": "https://fast.example/files/book.epub"}`))
	}))
	defer srv.Close()

	d, r := newTestEnv(t, srv, nil)
	link, err := (&Donator{}).DirectLink(context.Background(), d, r, srv.URL+"/dyn/api/fast_download.json?md5=x", testBook, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if link != "https://fast.example/files/book.epub" {
		t.Fatalf("link = %q", link)
	}
}

func TestDonator_DirectLinkRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": "invalid key"}`))
	}))
	defer srv.Close()

	d, r := newTestEnv(t, srv, nil)
	_, err := (&Donator{}).DirectLink(context.Background(), d, r, srv.URL+"/dyn/api/fast_download.json?md5=x", testBook, "")
	if err == nil || !strings.Contains(err.Error(), "invalid key") {
		t.Fatalf("err = %v", err)
	}
}

func TestLibgen_DirectLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>
			<a href="get.php?md5=abc&amp;key=XYZ123"><h2>GET</h2></a>
		</body></html>`))
	}))
	defer srv.Close()

	d, r := newTestEnv(t, srv, nil)
	s := &Libgen{SourceID: IDLibgenLi, Base: srv.URL}

	link, err := s.DirectLink(context.Background(), d, r, srv.URL+"/ads.php?md5=abc", testBook, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if link != srv.URL+"/get.php?md5=abc&key=XYZ123" {
		t.Fatalf("link = %q", link)
	}
}

func TestLibgen_DirectLinkNoGetLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>file not found</body></html>`))
	}))
	defer srv.Close()

	d, r := newTestEnv(t, srv, nil)
	s := &Libgen{SourceID: IDLibgenLi, Base: srv.URL}

	if _, err := s.DirectLink(context.Background(), d, r, srv.URL+"/ads.php?md5=abc", testBook, ""); err == nil {
		t.Fatal("expected error for page without get link")
	}
}

func TestLibgen_DirectLinkRedirectedAway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "ads.php") {
			http.Redirect(w, r, "/landing", http.StatusFound)
			return
		}
		w.Write([]byte(`<html>get.php somewhere unrelated</html>`))
	}))
	defer srv.Close()

	d, r := newTestEnv(t, srv, nil)
	s := &Libgen{SourceID: IDLibgenRs, Base: srv.URL}

	if _, err := s.DirectLink(context.Background(), d, r, srv.URL+"/ads.php?md5=abc", testBook, ""); err == nil {
		t.Fatal("expected error for redirect away from ads page")
	}
}

func TestArchive_CandidatesFetchReferencePageOnce(t *testing.T) {
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		w.Write([]byte(`<html><body>
			<div><a href="/slow_download/abc/0">Slow Partner Server #1</a> <span>(no waitlist)</span></div>
			<div><a href="/slow_download/abc/1">Slow Partner Server #2</a> <span>(waitlist)</span></div>
		</body></html>`))
	}))
	defer srv.Close()

	d, r := newTestEnv(t, srv, nil)

	direct, err := (&Archive{Waitlist: false}).Candidates(context.Background(), d, r, testBook)
	if err != nil {
		t.Fatal(err)
	}
	wait, err := (&Archive{Waitlist: true}).Candidates(context.Background(), d, r, testBook)
	if err != nil {
		t.Fatal(err)
	}

	if len(direct) != 1 || !strings.HasSuffix(direct[0], "/slow_download/abc/0") {
		t.Errorf("direct = %v", direct)
	}
	if len(wait) != 1 || !strings.HasSuffix(wait[0], "/slow_download/abc/1") {
		t.Errorf("waitlist = %v", wait)
	}
	if fetches != 1 {
		t.Errorf("reference page fetched %d times, want 1", fetches)
	}
}

func TestResolveSlowDownload_WaitsOutCountdown(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.Write([]byte(`<html><span class="js-partner-countdown">3</span></html>`))
			return
		}
		w.Write([]byte(`<html><a href="https://dl.example/f.epub">📚 Download now</a></html>`))
	}))
	defer srv.Close()

	d, r := newTestEnv(t, srv, nil)
	var messages []string
	r.Status = func(phase, message string) { messages = append(messages, message) }

	link, err := resolveSlowDownload(context.Background(), d, r, srv.URL+"/slow_download/abc/1", "Mirror (Server #1)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if link != "https://dl.example/f.epub" {
		t.Fatalf("link = %q", link)
	}
	if requests != 2 {
		t.Fatalf("requests = %d, want 2", requests)
	}
	sawWait := false
	for _, m := range messages {
		if strings.Contains(m, "Mirror (Server #1) - Waiting") {
			sawWait = true
		}
	}
	if !sawWait {
		t.Fatalf("no waiting status emitted: %v", messages)
	}
}

func TestResolveSlowDownload_CancelledDuringWait(t *testing.T) {
	old := countdownTick
	countdownTick = 50 * time.Millisecond
	defer func() { countdownTick = old }()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><span class="js-partner-countdown">200</span></html>`))
	}))
	defer srv.Close()

	d, r := newTestEnv(t, srv, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := resolveSlowDownload(ctx, d, r, srv.URL+"/slow_download/abc/1", "")
	if err != context.Canceled {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestZlib_DirectLinkRetriesOnce(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.Write([]byte(`<html><body>still rendering</body></html>`))
			return
		}
		w.Write([]byte(`<html><a class="btn addDownloadedBook" href="/dl/book.epub">Download</a></html>`))
	}))
	defer srv.Close()

	d, r := newTestEnv(t, srv, nil)
	s := &Zlib{}

	candidates, err := s.Candidates(context.Background(), d, r, testBook)
	if err != nil || len(candidates) != 1 {
		t.Fatalf("candidates = %v, err = %v", candidates, err)
	}

	link, err := s.DirectLink(context.Background(), d, r, candidates[0], testBook, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if link != srv.URL+"/dl/book.epub" {
		t.Fatalf("link = %q", link)
	}
	if requests != 2 {
		t.Fatalf("requests = %d, want 2", requests)
	}
}

func TestWelib_CandidatesViaBypasser(t *testing.T) {
	gw := gatewayFunc(func(ctx context.Context, url string) (string, error) {
		return `<html>
			<a href="/slow_download/abc/0">server 1</a>
			<a href="/slow_download/abc/1">server 2</a>
			<a href="/slow_download/abc/0">server 1 again</a>
			<a href="/md5/other">unrelated</a>
		</html>`, nil
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("welib page must go through the bypasser, not plain HTTP")
	}))
	defer srv.Close()

	d, r := newTestEnv(t, srv, gw)
	urls, err := (&Welib{}).Candidates(context.Background(), d, r, testBook)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(urls) != 2 {
		t.Fatalf("urls = %v", urls)
	}
	if !strings.HasSuffix(urls[0], "/slow_download/abc/0") || !strings.HasSuffix(urls[1], "/slow_download/abc/1") {
		t.Fatalf("urls = %v", urls)
	}
}

func TestForPriority(t *testing.T) {
	cfg := config.NewDefaultRuntimeConfig()
	sources := ForPriority([]string{IDDonator, IDLibgenLi, IDArchiveWaitlist, "bogus", IDWelib}, cfg)

	var ids []string
	for _, s := range sources {
		ids = append(ids, s.ID())
	}
	want := []string{IDDonator, IDLibgenLi, IDArchiveWaitlist, IDWelib}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}
