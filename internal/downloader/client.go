package downloader

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	errs "imgharvest/pkg/errors"
	"imgharvest/pkg/logger"
)

// Fetcher retrieves raw image bytes for a single candidate URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error)
}

// Client fetches image payloads over HTTP. Inline data: URIs are decoded
// locally without touching the network.
type Client struct {
	httpClient *http.Client
	userAgent  string
	logger     logger.Logger
}

// NewClient creates an image fetch client. The per-request deadline comes
// from the context passed to Fetch, not from the HTTP client itself.
func NewClient(userAgent string, log logger.Logger) *Client {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		userAgent: userAgent,
		logger:    log,
	}
}

// Fetch downloads the payload at rawURL, enforcing maxBytes. Transfers that
// would exceed the limit are aborted and reported as oversize.
func (c *Client) Fetch(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error) {
	if strings.HasPrefix(rawURL, "data:") {
		return decodeDataURI(rawURL, maxBytes)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errs.Newf(errs.ErrorTypeFetchPermanent, "invalid URL: %v", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "image/webp,image/*,*/*;q=0.8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts, resets and DNS failures are all worth a retry.
		return nil, errs.Newf(errs.ErrorTypeFetchTransient, "request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errs.WithCode(errs.ClassifyStatus(resp.StatusCode), resp.StatusCode,
			fmt.Sprintf("unexpected status fetching %s", rawURL))
	}

	if ct := resp.Header.Get("Content-Type"); !acceptableContentType(ct) {
		return nil, errs.Newf(errs.ErrorTypeFetchPermanent, "unexpected content type %q", ct)
	}

	// Read one byte past the limit so an exact-size payload is not flagged.
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, errs.Newf(errs.ErrorTypeFetchTransient, "read failed: %v", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, errs.Newf(errs.ErrorTypeOversize, "transfer exceeded %d bytes", maxBytes)
	}

	return data, nil
}

// acceptableContentType accepts image types and servers that do not declare
// one. The payload format is verified by sniffing at admission time anyway.
func acceptableContentType(ct string) bool {
	if ct == "" {
		return true
	}
	if idx := strings.IndexByte(ct, ';'); idx >= 0 {
		ct = ct[:idx]
	}
	ct = strings.TrimSpace(strings.ToLower(ct))
	return strings.HasPrefix(ct, "image/") ||
		ct == "application/octet-stream" ||
		ct == "binary/octet-stream"
}

// decodeDataURI extracts the payload of an inline data: URI. Only base64
// encoded bodies are supported; percent-encoded ones do not appear in image
// search result pages.
func decodeDataURI(uri string, maxBytes int64) ([]byte, error) {
	comma := strings.IndexByte(uri, ',')
	if comma < 0 {
		return nil, errs.New(errs.ErrorTypeFetchPermanent, "malformed data URI")
	}
	meta, body := uri[len("data:"):comma], uri[comma+1:]
	if !strings.HasSuffix(meta, ";base64") {
		return nil, errs.New(errs.ErrorTypeFetchPermanent, "unsupported data URI encoding")
	}

	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, errs.Newf(errs.ErrorTypeFetchPermanent, "invalid base64 payload: %v", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, errs.Newf(errs.ErrorTypeOversize, "inline payload exceeds %d bytes", maxBytes)
	}
	return data, nil
}
