// Package httpclient is the outbound HTTP client used by the fetch pipeline.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fetchsched/internal/fetch"
	"fetchsched/internal/queue"
)

type Config struct {
	Timeout time.Duration
	// RatePerSec caps outbound requests across all executors; <=0 disables.
	RatePerSec   float64
	Burst        int
	UserAgent    string
	MaxBodyBytes int64
}

const (
	defaultTimeout      = 30 * time.Second
	defaultUserAgent    = "fetchsched/1"
	defaultMaxBodyBytes = 4 << 20
)

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

type Client struct {
	hc *http.Client

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter
}

var _ fetch.OutboundHTTPClient = (*Client)(nil)

func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	c := &Client{hc: &http.Client{Transport: tr}}
	c.cfg = cfg
	c.limiter = rate.NewLimiter(limitOf(cfg.RatePerSec), cfg.Burst)
	return c
}

func limitOf(perSec float64) rate.Limit {
	if perSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSec)
}

// Apply updates timeout, limits and headers for subsequent requests.
func (c *Client) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	c.cfg = cfg
	c.limiter.SetLimit(limitOf(cfg.RatePerSec))
	c.limiter.SetBurst(cfg.Burst)
	c.mu.Unlock()
}

func (c *Client) Send(ctx context.Context, method, url string, headers map[string]string, body []byte) (fetch.Response, error) {
	c.mu.RLock()
	cfg := c.cfg
	lim := c.limiter
	c.mu.RUnlock()

	if err := lim.Wait(ctx); err != nil {
		return fetch.Response{}, fmt.Errorf("rate limit: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var rdr io.Reader = http.NoBody
	if len(body) > 0 {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		// A malformed URL or method fails the same way on every attempt.
		return fetch.Response{}, queue.Permanent(fmt.Errorf("build request: %w", err))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", cfg.UserAgent)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fetch.Response{}, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxBodyBytes+1))
	if err != nil {
		return fetch.Response{}, fmt.Errorf("read body: %w", err)
	}
	out := fetch.Response{StatusCode: resp.StatusCode, Headers: resp.Header}
	if int64(len(b)) > cfg.MaxBodyBytes {
		b = b[:cfg.MaxBodyBytes]
		out.Truncated = true
	}
	out.Body = b
	return out, nil
}

// CloseIdle drops pooled connections.
func (c *Client) CloseIdle() { c.hc.CloseIdleConnections() }
