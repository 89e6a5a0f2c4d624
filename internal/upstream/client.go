package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog/log"

	"github.com/relaycore/ai-gateway/internal/gwerr"
	"github.com/relaycore/ai-gateway/internal/stream"
)

const anthropicVersion = "2023-06-01"

// Target is the per-credential call destination.
type Target struct {
	Secret   string
	BaseURL  string
	ProxyURL string
}

// Client issues provider calls. Transports are cached per proxy URL so
// per-credential proxies do not rebuild connection pools on every request.
type Client struct {
	mu         sync.Mutex
	transports map[string]*http.Transport
}

func NewClient() *Client {
	return &Client{transports: make(map[string]*http.Transport)}
}

// transport returns the shared transport for a proxy URL. The empty string
// uses the environment proxy settings.
func (c *Client) transport(proxyURL string) (*http.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.transports[proxyURL]; ok {
		return t, nil
	}
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, gwerr.Wrap(gwerr.KindInternal, "bad proxy url", err)
		}
		t.Proxy = http.ProxyURL(parsed)
	}
	c.transports[proxyURL] = t
	return t, nil
}

// endpoint builds the chat URL for a provider and model.
func endpoint(def Definition, target Target, model string, isStream bool) string {
	base := strings.TrimRight(target.BaseURL, "/")
	if base == "" {
		base = strings.TrimRight(def.DefaultBaseURL, "/")
	}
	if def.Dialect == stream.DialectGemini {
		verb := "generateContent"
		if isStream {
			verb = "streamGenerateContent?alt=sse"
		}
		return fmt.Sprintf("%s%s/%s:%s", base, def.ChatPath, model, verb)
	}
	return base + def.ChatPath
}

// Call sends the converted body upstream. The caller owns the response body.
// Streaming responses are returned raw; non-streaming bodies pass through
// DecompressReader before JSON decoding.
func (c *Client) Call(ctx context.Context, def Definition, target Target, model string, body []byte, isStream bool) (*http.Response, error) {
	transport, err := c.transport(target.ProxyURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(def, target, model, isStream), bytes.NewReader(body))
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindInternal, "building upstream request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if isStream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept-Encoding", "gzip, br")
	}
	applyAuth(req, def, target.Secret)

	client := &http.Client{Transport: transport}
	resp, err := client.Do(req)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			// client disconnect, not an upstream fault
			return nil, gwerr.Wrap(gwerr.KindInternal, "upstream call cancelled", err)
		case ctx.Err() != nil:
			return nil, gwerr.Wrap(gwerr.KindUpstreamTimeout, "upstream call aborted", err)
		default:
			return nil, gwerr.Wrap(gwerr.KindUpstreamUnavailable, "upstream unreachable", err)
		}
	}
	log.Debug().
		Str("provider", def.Type).
		Str("model", model).
		Int("status", resp.StatusCode).
		Bool("stream", isStream).
		Msg("upstream responded")
	return resp, nil
}

// applyAuth sets the auth header the provider's mode requires.
func applyAuth(req *http.Request, def Definition, secret string) {
	switch {
	case def.Dialect == stream.DialectAnthropic:
		req.Header.Set("x-api-key", secret)
		req.Header.Set("anthropic-version", anthropicVersion)
	case def.Dialect == stream.DialectGemini && def.AuthMode == AuthStaticKey:
		req.Header.Set("x-goog-api-key", secret)
	default:
		req.Header.Set("Authorization", "Bearer "+secret)
	}
}

// DecompressReader unwraps Content-Encoding on a response body.
func DecompressReader(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}

// ReadBody drains and decompresses a non-streaming response body.
func ReadBody(resp *http.Response, limit int64) ([]byte, error) {
	r, err := DecompressReader(resp)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindUpstreamError, "bad content encoding", err)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return nil, gwerr.Wrap(gwerr.KindUpstreamError, "reading upstream body failed", err)
	}
	return data, nil
}
