package executor

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/quotio/quotio/internal/httputil"
	"github.com/quotio/quotio/pkg/apierror"
)

// HTTPClient is the shared outbound transport for every executor. Each
// executor holds one, labelled with its provider tag, guarded by
// a token-bucket limiter so a rotation storm across many credentials
// cannot accidentally burst a single upstream provider.
type HTTPClient struct {
	provider string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewHTTPClient builds a client for provider with the given outbound rate
// limit (requests/sec) and burst. A limit of 0 disables limiting.
func NewHTTPClient(provider string, requestsPerSecond float64, burst int) *HTTPClient {
	var limiter *rate.Limiter
	if requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return &HTTPClient{
		provider: provider,
		client:   &http.Client{Timeout: 120 * time.Second},
		limiter:  limiter,
	}
}

// Do waits for limiter headroom (respecting ctx), then issues req and maps
// any non-2xx response into an *apierror.StatusError with the body read
// and attached as the message.
func (c *HTTPClient) Do(ctx context.Context, req *http.Request, model string) (*http.Response, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, fmt.Errorf("%s: rate limiter wait: %w", c.provider, err)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: request failed: %w", c.provider, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxResponseBodyBytes)
		resp.Body.Close()
		if err != nil {
			return resp, nil, fmt.Errorf("%s: read response body: %w", c.provider, err)
		}
		return resp, body, nil
	}

	body, _ := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxResponseBodyBytes)
	resp.Body.Close()
	return resp, body, apierror.NewStatusError(c.provider, model, resp.StatusCode, string(body), resp.Header)
}

// DoStream waits for limiter headroom, issues req, and on a 2xx response
// returns the live *http.Response for the caller to read incrementally —
// the caller owns closing resp.Body. On a non-2xx response the body is
// read, the connection closed, and an *apierror.StatusError returned.
func (c *HTTPClient) DoStream(ctx context.Context, req *http.Request, model string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: rate limiter wait: %w", c.provider, err)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", c.provider, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	body, _ := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxResponseBodyBytes)
	resp.Body.Close()
	return nil, apierror.NewStatusError(c.provider, model, resp.StatusCode, string(body), resp.Header)
}

// NewJSONRequest builds an outbound POST request with a JSON body and the
// given headers applied on top of Content-Type: application/json.
func NewJSONRequest(ctx context.Context, method, url string, body []byte, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}
