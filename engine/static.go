package engine

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	tls "github.com/refraction-networking/utls"
	"golang.org/x/net/html"
)

// StaticResult carries everything the detector needs from a plain HTTP
// fetch. Unlike a browser render it exposes raw headers, cookies, and
// timing, and it does not discard error-status bodies: block pages are
// evidence, not failures.
type StaticResult struct {
	HTML       string
	Title      string
	StatusCode int
	FinalURL   string
	Header     http.Header
	Cookies    []*http.Cookie
	Elapsed    time.Duration
}

// StaticFetcher performs plain HTTP fetches with a Chrome-like TLS
// fingerprint. It is the cheap first tier; pages it cannot satisfy are
// escalated to the browser.
type StaticFetcher struct {
	client *http.Client
}

// chromeH1Spec is a Chrome-like TLS ClientHello with ALPN forced to
// http/1.1 only. Computed once at init time and reused per connection.
var chromeH1Spec tls.ClientHelloSpec

func init() {
	spec, err := tls.UTLSIdToSpec(tls.HelloChrome_Auto)
	if err != nil {
		// Should never happen with a valid utls version.
		return
	}
	// Drop h2 from the ALPN extension so the server never negotiates
	// HTTP/2, which Go's http.Transport cannot speak over a utls conn.
	for i, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			spec.Extensions[i] = alpn
			break
		}
	}
	chromeH1Spec = spec
}

// NewStaticFetcher creates a StaticFetcher with the Chrome TLS preset.
func NewStaticFetcher(timeout time.Duration) *StaticFetcher {
	transport := &http.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: 10 * time.Second}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			host, _, _ := net.SplitHostPort(addr)
			tlsConn := tls.UClient(conn, &tls.Config{ServerName: host}, tls.HelloCustom)
			if err := tlsConn.ApplyPreset(&chromeH1Spec); err != nil {
				conn.Close()
				return nil, fmt.Errorf("static: apply tls spec: %w", err)
			}
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, err
			}
			return tlsConn, nil
		},
		ForceAttemptHTTP2: false,
	}
	return &StaticFetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
	}
}

// Fetch performs one GET with browser-like headers. Error statuses do
// not fail the fetch: the body and headers of a 403 or 503 are exactly
// what protection detection runs on. Only transport-level failures
// return an error.
func (f *StaticFetcher) Fetch(ctx context.Context, rawURL string) (*StaticResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("static: build request: %w", err)
	}

	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "identity")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("static: do request: %w", err)
	}
	defer resp.Body.Close()

	// 10 MB cap to prevent unbounded memory use.
	const maxBody = 10 << 20
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("static: read body: %w", err)
	}
	elapsed := time.Since(start)

	bodyStr := string(body)
	return &StaticResult{
		HTML:       bodyStr,
		Title:      extractTitle(bodyStr),
		StatusCode: resp.StatusCode,
		FinalURL:   resp.Request.URL.String(),
		Header:     resp.Header,
		Cookies:    resp.Cookies(),
		Elapsed:    elapsed,
	}, nil
}

// IsHTML reports whether the response looks like an HTML document.
func (r *StaticResult) IsHTML() bool {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	if ct == "" {
		return strings.Contains(r.HTML, "<html") || strings.Contains(r.HTML, "<!DOCTYPE")
	}
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml+xml")
}

// extractTitle uses the HTML tokenizer to find the first title element.
func extractTitle(htmlStr string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(htmlStr))
	inTitle := false
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "title" {
				inTitle = true
			}
		case html.TextToken:
			if inTitle {
				return strings.TrimSpace(string(tokenizer.Text()))
			}
		case html.EndTagToken:
			if inTitle {
				return ""
			}
		}
	}
}
