// Package upstream implements the HTTP/WS client to the upstream
// conversational/image/video service (§4.2, §6.7): typed calls, the
// fingerprint/cookie/authorization header assembly, and best-effort
// retry-after extraction. The retry loop itself lives in pkg/pipeline,
// which owns the §4.2 retry policy and pool interaction; this package only
// knows how to speak to the upstream and classify its responses.
//
// Grounded on the teacher's pkg/proxy/server.go forwardStreamingRequest
// (header cloning, chunked flush-per-read relay loop) and
// pkg/provider/client.go's HTTPError classification (adapted into
// errors.go).
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lkarlslund/grokgateway/pkg/config"
	"github.com/lkarlslund/grokgateway/pkg/fingerprint"
)

const (
	headerAuthorization    = "Authorization"
	headerAntiBot          = "X-Antibot-Fingerprint"
	headerUserAgent        = "User-Agent"
	headerCookie           = "Cookie"
	cloudflareClearanceKey = "cf_clearance"
)

// Client speaks HTTP and WebSocket to the one upstream this gateway
// fronts.
type Client struct {
	cfg        config.UpstreamConfig
	fpCfg      fingerprint.Config
	httpClient *http.Client
	dialer     *websocket.Dialer
}

func NewClient(cfg config.UpstreamConfig, fpCfg fingerprint.Config) (*Client, error) {
	transport := http.DefaultTransport
	dialer := &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	if raw := strings.TrimSpace(cfg.ProxyURL); raw != "" {
		proxyURL, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid upstream proxy_url: %w", err)
		}
		transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}
	return &Client{
		cfg:   cfg,
		fpCfg: fpCfg,
		httpClient: &http.Client{
			Timeout:   time.Duration(cfg.TimeoutSec) * time.Second,
			Transport: transport,
		},
		dialer: dialer,
	}, nil
}

// buildHeaders assembles the authorization header, anti-bot fingerprint,
// optional Cloudflare clearance cookie, and a caller-chosen user agent
// matching the fingerprint family (§6.7).
func (c *Client) buildHeaders(token string, now time.Time) (http.Header, error) {
	fp, err := fingerprint.Derive(c.fpCfg, token, now)
	if err != nil {
		return nil, fmt.Errorf("derive fingerprint: %w", err)
	}
	h := http.Header{}
	h.Set(headerAuthorization, "Bearer "+token)
	h.Set(headerAntiBot, fp)
	h.Set(headerUserAgent, c.cfg.UserAgent)
	h.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.cfg.ClearanceCookie) != "" {
		h.Set(headerCookie, cloudflareClearanceKey+"="+c.cfg.ClearanceCookie)
	}
	return h, nil
}

func (c *Client) resolveURL(requestPath string) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid upstream base_url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(requestPath, "/")
	return u.String(), nil
}

// Response is the non-streaming call result.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// DoJSON performs a single buffered JSON request/response call (used for
// quota-refresh probes and non-streaming image generation).
func (c *Client) DoJSON(ctx context.Context, token, requestPath string, payload []byte) (*Response, error) {
	target, err := c.resolveURL(requestPath)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	headers, err := c.buildHeaders(token, time.Now())
	if err != nil {
		return nil, err
	}
	req.Header = headers

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{Status: resp.StatusCode, Headers: resp.Header.Clone(), Body: body}, nil
}

// DoRaw performs a single buffered call with a caller-chosen method,
// content type, and optional query string, for upstream calls that aren't
// the chat/image JSON shape (NSFW's gRPC-Web POST, the REST assets
// listing's GET with query params). Grounded on original_source's
// AssetsListReverse.request (GET with params) and NSFWService.enable
// (POST with a non-JSON content-type).
func (c *Client) DoRaw(ctx context.Context, token, method, requestPath string, query url.Values, body []byte, contentType string) (*Response, error) {
	target, err := c.resolveURL(requestPath)
	if err != nil {
		return nil, err
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	headers, err := c.buildHeaders(token, time.Now())
	if err != nil {
		return nil, err
	}
	req.Header = headers
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Response{Status: resp.StatusCode, Headers: resp.Header.Clone(), Body: respBody}, nil
}

// ChunkHandler is called with each raw byte slice read from the upstream's
// newline-delimited JSON event stream. Returning an error aborts the read
// (used to propagate a translator-level error, e.g. IdleTimeout, back out
// of the relay loop).
type ChunkHandler func([]byte) error

// StreamResult summarizes one completed (or failed) streaming call. Body
// is only populated when Status is outside the 2xx range, so the caller
// can classify the error; on success the body is relayed chunk-by-chunk
// to handle instead of being buffered.
type StreamResult struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// DoStream performs a chunked HTTP call and invokes handle for every chunk
// read off the response body as it arrives, matching the teacher's
// forwardStreamingRequest read-and-flush loop.
func (c *Client) DoStream(ctx context.Context, token, requestPath string, payload []byte, handle ChunkHandler) (*StreamResult, error) {
	target, err := c.resolveURL(requestPath)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	headers, err := c.buildHeaders(token, time.Now())
	if err != nil {
		return nil, err
	}
	req.Header = headers

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	result := &StreamResult{Status: resp.StatusCode, Headers: resp.Header.Clone()}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		result.Body = body
		return result, nil
	}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if err := handle(buf[:n]); err != nil {
				return result, err
			}
		}
		if readErr == io.EOF {
			return result, nil
		}
		if readErr != nil {
			return result, readErr
		}
	}
}

// DialImageWS opens the WebSocket image-generation transport (§4.2, §4.3
// WebSocket image mode).
func (c *Client) DialImageWS(ctx context.Context, token, requestPath string) (*websocket.Conn, *http.Response, error) {
	base := strings.TrimRight(c.cfg.WSBaseURL, "/")
	if base == "" {
		base = strings.TrimRight(c.cfg.BaseURL, "/")
		base = strings.Replace(base, "https://", "wss://", 1)
		base = strings.Replace(base, "http://", "ws://", 1)
	}
	target := base + "/" + strings.TrimLeft(requestPath, "/")
	headers, err := c.buildHeaders(token, time.Now())
	if err != nil {
		return nil, nil, err
	}
	return c.dialer.DialContext(ctx, target, headers)
}

// RetryAfter extracts a best-effort retry-after duration from a 429
// response's headers, falling back to zero (caller then applies its own
// backoff policy) when absent or unparseable.
func RetryAfter(h http.Header) time.Duration {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(raw); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}
