package tools

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"veritor/internal/config"
	"veritor/internal/redact"
)

// FetchResult is the WEB_FETCH payload.
type FetchResult struct {
	URL              string `json:"url"`
	RequestedURL     string `json:"requested_url"`
	Status           int    `json:"status"`
	ContentType      string `json:"content_type"`
	Bytes            int    `json:"bytes"`
	Text             string `json:"text"`
	PolicyResult     string `json:"policy_result"`
	InjectionBlocked bool   `json:"injection_blocked"`
}

// Fetcher performs policy-guarded outbound fetches.
type Fetcher struct {
	cfg    config.EgressConfig
	client *http.Client
	// lookupIP is swappable in tests.
	lookupIP func(ctx context.Context, host string) ([]net.IP, error)
}

// NewFetcher builds a fetcher enforcing the egress policy.
func NewFetcher(cfg config.EgressConfig) *Fetcher {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	f := &Fetcher{
		cfg: cfg,
		lookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, len(addrs))
			for i, a := range addrs {
				ips[i] = a.IP
			}
			return ips, nil
		},
	}
	f.client = &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > cfg.AllowRedirects {
				return ErrRedirectLimit
			}
			// Each hop re-passes the policy so a redirect cannot tunnel
			// into a blocked host.
			return f.CheckURL(req.Context(), req.URL.String())
		},
	}
	return f
}

// CheckURL enforces scheme, TLS, host lists, and private-IP blocking.
func (f *Fetcher) CheckURL(ctx context.Context, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemeDisallowed, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrSchemeDisallowed
	}
	if f.cfg.EnforceTLS && parsed.Scheme != "https" {
		return ErrTLSRequired
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return ErrMissingHost
	}
	for _, deny := range f.cfg.DenylistHosts {
		if host == strings.ToLower(deny) {
			return ErrHostDenied
		}
	}
	if len(f.cfg.AllowlistHosts) > 0 {
		allowed := false
		for _, allow := range f.cfg.AllowlistHosts {
			if host == strings.ToLower(allow) {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrHostDenied
		}
	}
	if f.cfg.BlockPrivateIP {
		if ip := net.ParseIP(host); ip != nil {
			if isPrivateIP(ip) {
				return ErrPrivateIP
			}
			return nil
		}
		ips, err := f.lookupIP(ctx, host)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDNSFailed, err)
		}
		for _, ip := range ips {
			if isPrivateIP(ip) {
				return ErrPrivateIP
			}
		}
	}
	return nil
}

// Fetch retrieves a URL under policy, sanitizes HTML to text, and rejects
// payloads carrying prompt-injection attempts.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	if err := f.CheckURL(ctx, rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "veritor-fetch/1.0")
	req.Header.Set("Accept", "text/html,text/plain,application/json;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	maxBytes := f.cfg.MaxPayloadBytes
	if maxBytes <= 0 {
		maxBytes = 5 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxBytes {
		return nil, ErrTooLarge
	}

	ctype := resp.Header.Get("Content-Type")
	lower := strings.ToLower(ctype)
	if !strings.HasPrefix(lower, "text/") && !strings.Contains(lower, "json") {
		return nil, ErrContentType
	}

	text := string(body)
	if strings.Contains(lower, "html") {
		text = SanitizeHTML(text)
	}

	result := &FetchResult{
		URL:          resp.Request.URL.String(),
		RequestedURL: rawURL,
		Status:       resp.StatusCode,
		ContentType:  ctype,
		Bytes:        len(body),
		Text:         text,
		PolicyResult: "allowed",
	}
	if err := redact.EnsureSafeToolText(text, result.URL); err != nil {
		result.InjectionBlocked = true
		result.Text = ""
		return result, err
	}
	return result, nil
}

var collapseSpaceRe = regexp.MustCompile(`\s+`)

// SanitizeHTML extracts visible text, dropping script and style subtrees.
func SanitizeHTML(input string) string {
	doc, err := html.Parse(strings.NewReader(input))
	if err != nil {
		// Unparsable markup falls back to tag stripping.
		stripped := regexp.MustCompile(`<[^>]+>`).ReplaceAllString(input, " ")
		return strings.TrimSpace(collapseSpaceRe.ReplaceAllString(stripped, " "))
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.TrimSpace(collapseSpaceRe.ReplaceAllString(b.String(), " "))
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
