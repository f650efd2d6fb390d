// Package collyfetcher implements a single-attempt crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/extensions"

	"github.com/JakeFAU/storefront-catalog/internal/crawler"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 16 << 20
)

// Config controls collector behavior.
type Config struct {
	// UserAgents are rotated per attempt. Empty uses colly's random generator.
	UserAgents []string
	// Headers are sent with every request; FetchRequest.Headers override them.
	Headers      http.Header
	IgnoreRobots bool
	Timeout      time.Duration
	// MaxBodyBytes truncates larger bodies. Zero means 16 MiB.
	MaxBodyBytes int
}

// BrowserHeaders is the fixed browser-like header set sent with listing requests.
// Accept-Encoding is left to the transport so responses are decompressed.
func BrowserHeaders(referer string) http.Header {
	h := http.Header{
		"Accept":                    {"text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
		"Accept-Language":           {"en-US,en;q=0.9"},
		"Connection":                {"keep-alive"},
		"Upgrade-Insecure-Requests": {"1"},
		"Sec-Fetch-Dest":            {"document"},
		"Sec-Fetch-Mode":            {"navigate"},
		"Sec-Fetch-Site":            {"none"},
		"Sec-Fetch-User":            {"?1"},
		"Dnt":                       {"1"},
	}
	if referer != "" {
		h.Set("Referer", referer)
	}
	return h
}

// Fetcher performs exactly one GET per Fetch call. It never retries and never
// treats a status code as an error; classification belongs to the caller.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
	agents    *agentRotator
	template  *colly.Collector
}

// New builds a Fetcher sharing one pooled transport across attempts.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	transport := newHTTPTransport()
	template := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	template.ParseHTTPErrorResponse = true
	template.IgnoreRobotsTxt = cfg.IgnoreRobots
	template.MaxBodySize = cfg.MaxBodyBytes
	template.SetRequestTimeout(cfg.Timeout)
	template.WithTransport(transport)
	return &Fetcher{
		cfg:       cfg,
		transport: transport,
		agents:    newAgentRotator(cfg.UserAgents),
		template:  template,
	}
}

// Fetch issues one GET for req.URL.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	a := &attempt{req: req, agent: f.agents.next(), base: f.cfg.Headers, start: time.Now()}
	c := f.collector(ctx)
	a.bind(c)

	done := make(chan error, 1)
	go func() { done <- c.Visit(req.URL) }()

	select {
	case <-ctx.Done():
		return crawler.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("colly visit failed: %w", err)
		}
		if a.err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("colly response failed: %w", a.err)
		}
		return a.resp, nil
	}
}

// collector clones the template so callbacks from one attempt never see
// another's state.
func (f *Fetcher) collector(ctx context.Context) *colly.Collector {
	c := f.template.Clone()
	c.Context = ctx
	c.ParseHTTPErrorResponse = true
	c.AllowURLRevisit = true
	c.WithTransport(f.transport)
	if f.agents == nil {
		extensions.RandomUserAgent(c)
	}
	return c
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// attempt carries the state of one Fetch through colly's callbacks.
type attempt struct {
	req   crawler.FetchRequest
	agent string
	base  http.Header
	start time.Time
	resp  crawler.FetchResponse
	err   error
}

func (a *attempt) bind(hooks collectorHooks) {
	hooks.OnRequest(a.onRequest)
	hooks.OnResponse(a.onResponse)
	hooks.OnError(a.onError)
}

func (a *attempt) onRequest(r *colly.Request) {
	if a.agent != "" {
		r.Headers.Set("User-Agent", a.agent)
	}
	overlay(r, a.base)
	overlay(r, a.req.Headers)
}

func (a *attempt) onResponse(r *colly.Response) {
	a.resp = crawler.FetchResponse{
		URL:        a.req.URL,
		StatusCode: r.StatusCode,
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(a.start),
	}
	if r.Request != nil && r.Request.URL != nil {
		a.resp.URL = r.Request.URL.String()
	}
	if r.Headers != nil {
		a.resp.Headers = r.Headers.Clone()
	}
}

// onError sees transport failures only, since ParseHTTPErrorResponse routes
// every status through onResponse.
func (a *attempt) onError(_ *colly.Response, err error) {
	a.err = err
}

func overlay(r *colly.Request, headers http.Header) {
	for key, values := range headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

// agentRotator walks the configured user agents round-robin from a random
// offset, so consecutive attempts on one URL present different agents.
type agentRotator struct {
	agents []string
	pos    atomic.Uint64
}

func newAgentRotator(agents []string) *agentRotator {
	pool := make([]string, 0, len(agents))
	for _, ua := range agents {
		if ua != "" {
			pool = append(pool, ua)
		}
	}
	if len(pool) == 0 {
		return nil
	}
	r := &agentRotator{agents: pool}
	r.pos.Store(rand.Uint64N(uint64(len(pool))))
	return r
}

func (r *agentRotator) next() string {
	if r == nil {
		return ""
	}
	i := r.pos.Add(1) - 1
	return r.agents[i%uint64(len(r.agents))]
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
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
	}
}
