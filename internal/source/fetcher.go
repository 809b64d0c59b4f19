package source

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/jobsift/jobsift/internal/pipeline"
)

// FetcherConfig controls collector and proxy behavior.
type FetcherConfig struct {
	// ProxyEndpoint is a scrape-proxy API base URL. When empty, target URLs
	// are fetched directly.
	ProxyEndpoint string
	ProxyAPIKey   string
	RenderJS      bool
	UserAgent     string
	Timeout       time.Duration
}

// ProxyFetcher implements pipeline.Fetcher using a Colly collector, routing
// requests through a scrape-proxy endpoint when one is configured. Fetch
// errors carry the pipeline failure taxonomy so the pool can tell retryable
// faults from terminal ones.
type ProxyFetcher struct {
	cfg           FetcherConfig
	baseCollector *colly.Collector
}

// NewProxyFetcher builds a ProxyFetcher.
func NewProxyFetcher(cfg FetcherConfig) *ProxyFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &ProxyFetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch retrieves one page. Zero-result and not-found pages come back as
// MalformedInput so the item fails terminally instead of burning retries.
func (f *ProxyFetcher) Fetch(ctx context.Context, target string) (pipeline.FetchResult, error) {
	var (
		result   pipeline.FetchResult
		status   int
		fetchErr error
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		result = pipeline.FetchResult{
			URL:        target,
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	visitURL := f.requestURL(target)
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(visitURL)
	}()

	select {
	case <-ctx.Done():
		return pipeline.FetchResult{}, pipeline.Canceled(fmt.Errorf("fetch %s: %w", target, ctx.Err()))
	case err := <-done:
		if err == nil && fetchErr != nil {
			err = fetchErr
		}
		if err != nil {
			return pipeline.FetchResult{}, classifyFetchError(target, status, err)
		}
	}

	if err := inspectBody(target, result.Body); err != nil {
		return pipeline.FetchResult{}, err
	}
	return result, nil
}

// requestURL wraps the target in a proxy API call when a proxy is configured.
func (f *ProxyFetcher) requestURL(target string) string {
	if f.cfg.ProxyEndpoint == "" {
		return target
	}
	q := url.Values{}
	q.Set("apikey", f.cfg.ProxyAPIKey)
	q.Set("url", target)
	q.Set("js_render", strconv.FormatBool(f.cfg.RenderJS))
	q.Set("premium_proxy", "true")
	q.Set("block_resources", "image,stylesheet,font,media")
	return strings.TrimRight(f.cfg.ProxyEndpoint, "/") + "/?" + q.Encode()
}

// classifyFetchError maps transport and HTTP failures onto the pipeline
// error taxonomy.
func classifyFetchError(target string, status int, err error) error {
	wrapped := fmt.Errorf("fetch %s: status %d: %w", target, status, err)
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusForbidden:
		// 403 from the proxy means exhausted credits, not a bad page.
		return pipeline.Quota(wrapped)
	case status == http.StatusNotFound, status == http.StatusUnprocessableEntity:
		return pipeline.Malformed(wrapped)
	default:
		return pipeline.Transient(wrapped)
	}
}

// inspectBody detects error pages that arrive with a 200 status.
func inspectBody(target string, body []byte) error {
	src := string(body)
	if hasZeroResults(src) {
		return pipeline.Malformed(fmt.Errorf("fetch %s: search returned zero results", target))
	}
	if isNotFoundPage(src) {
		return pipeline.Malformed(fmt.Errorf("fetch %s: page not found", target))
	}
	return nil
}

func hasZeroResults(src string) bool {
	return strings.Contains(src, "0 results total")
}

func isNotFoundPage(src string) bool {
	return strings.Contains(src, "Page not found (404)")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
