package httpclient

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"integrations/pkg/config"
)

// HTTPClient - исходящие вызовы к OAuth провайдерам и ATS.
type HTTPClient interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

type Client struct {
	http *http.Client
	tr   *http.Transport
	ua   string
}

func NewClient(cfg config.HTTPClient) *Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   orDefault(cfg.ConnectTimeout, 5*time.Second),
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   orDefault(cfg.TLSHandshakeTimeout, 5*time.Second),
		ResponseHeaderTimeout: orDefault(cfg.ResponseHeaderTimeout, 30*time.Second),
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       orDefault(cfg.IdleConnTimeout, 90*time.Second),
		DisableKeepAlives:     !cfg.KeepAlives,
		ForceAttemptHTTP2:     true,
	}

	if cfg.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // только для стендов
	}

	return &Client{
		http: &http.Client{Transport: tr, Timeout: cfg.ClientTimeout},
		tr:   tr,
		ua:   cfg.UserAgent,
	}
}

func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req = req.WithContext(ctx)
	if c.ua != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.ua)
	}
	return c.http.Do(req)
}

func (c *Client) CloseIdle() { c.tr.CloseIdleConnections() }

// Std отдаёт *http.Client для библиотек, которым нужен именно он (golang.org/x/oauth2).
func (c *Client) Std() *http.Client { return c.http }

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
