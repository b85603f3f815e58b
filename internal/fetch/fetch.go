// Package fetch is the small outbound HTTPS client: subscription downloads
// and geo-IP probing. It is not on the engine supervision path.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"vergecore/internal/shared/logger"
)

const (
	connectTimeout = 10 * time.Second
	// defaultUserAgent is sent on every request; some subscription
	// providers vary the payload by agent.
	defaultUserAgent = "vergecore/1.0"
	// maxBodySize guards against runaway subscription bodies.
	maxBodySize = 16 << 20
)

// Options control a single download.
type Options struct {
	// SelfProxy routes the request through the engine's local mixed port.
	SelfProxy bool
	// UserAgent overrides the default agent when non-empty.
	UserAgent string
}

// Client downloads subscription bodies.
type Client struct {
	mixedPort int
	direct    *http.Client
	log       zerolog.Logger
}

// New creates a fetch client. mixedPort is the engine's local inbound used
// for self-proxied retries.
func New(mixedPort int) *Client {
	return &Client{
		mixedPort: mixedPort,
		direct:    newHTTPClient(nil),
		log:       logger.WithComponent("fetch"),
	}
}

func newHTTPClient(proxy func(*http.Request) (*url.URL, error)) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: proxy,
			DialContext: (&net.Dialer{
				Timeout: connectTimeout,
			}).DialContext,
			TLSHandshakeTimeout: connectTimeout,
		},
	}
}

// Download fetches one subscription body.
func (c *Client) Download(ctx context.Context, rawURL string, opts Options) ([]byte, error) {
	httpc := c.direct
	if opts.SelfProxy {
		proxyURL := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", c.mixedPort)}
		httpc = newHTTPClient(http.ProxyURL(proxyURL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	agent := opts.UserAgent
	if agent == "" {
		agent = defaultUserAgent
	}
	req.Header.Set("User-Agent", agent)

	resp, err := httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("subscription fetch returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read subscription body: %w", err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("subscription body is empty")
	}
	c.log.Debug().Str("url", rawURL).Bool("self_proxy", opts.SelfProxy).Int("bytes", len(body)).Msg("subscription downloaded")
	return body, nil
}
