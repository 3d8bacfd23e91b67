package updater

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	defaultRetryWait = time.Second
)

// errStatus is returned for a non-200 response that is not retried.
type errStatus struct {
	url    string
	status int
}

func (e *errStatus) Error() string {
	return fmt.Sprintf("status %d for %s", e.status, e.url)
}

// errTooLarge is returned when a body exceeds its read limit.
var errTooLarge = errors.New("response body exceeds size limit")

// HTTPClient performs GET requests with retries on transport errors
// and server errors.
type HTTPClient struct {
	client    *http.Client
	userAgent string
	retries   int
	retryWait time.Duration
	logger    *slog.Logger
}

// NewHTTPClient creates a new HTTP client for downloads.
// A nil client gets a tuned clone of http.DefaultTransport.
func NewHTTPClient(client *http.Client, userAgent string, retries int, logger *slog.Logger) *HTTPClient {
	if client == nil {
		client = clonedTransport(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		client:    client,
		userAgent: userAgent,
		retries:   retries,
		retryWait: defaultRetryWait,
		logger:    logger,
	}
}

// get returns the response of a successful GET. The caller closes the body.
func (h *HTTPClient) get(ctx context.Context, u string) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= h.retries; attempt++ {
		if attempt > 0 {
			h.logger.Warn("retrying request", "url", u, "attempt", attempt+1, "max_attempts", h.retries+1, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(h.retryWait):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		if h.userAgent != "" {
			req.Header.Set("User-Agent", h.userAgent)
		}
		req.Header.Set("Cache-Control", "max-age=0")

		resp, err := h.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.Wrap(ctx.Err(), u)
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = &errStatus{url: u, status: resp.StatusCode}
			closeRespBody(h.logger, resp)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			closeRespBody(h.logger, resp)
			return nil, &errStatus{url: u, status: resp.StatusCode}
		}
		return resp, nil
	}

	return nil, errors.Wrapf(lastErr, "GET %s failed after %d attempts", u, h.retries+1)
}

// Fetch reads a whole response body of at most limit bytes.
func (h *HTTPClient) Fetch(ctx context.Context, u string, limit int64) ([]byte, error) {
	resp, err := h.get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer closeRespBody(h.logger, resp)

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, errors.Wrap(err, "read "+u)
	}
	if int64(len(data)) > limit {
		return nil, errors.Wrapf(errTooLarge, "%s: more than %d bytes", u, limit)
	}
	return data, nil
}

// Download streams the body of u into w and returns the number of bytes
// written. More than limit bytes is an error. A response announcing a
// length it does not deliver is an error too.
func (h *HTTPClient) Download(ctx context.Context, u string, w io.Writer, limit int64) (int64, error) {
	resp, err := h.get(ctx, u)
	if err != nil {
		return 0, err
	}
	defer closeRespBody(h.logger, resp)

	if resp.ContentLength > limit {
		return 0, errors.Wrapf(errTooLarge, "%s: announced %d bytes", u, resp.ContentLength)
	}

	n, err := io.Copy(w, io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return n, errors.Wrap(err, "read "+u)
	}
	if n > limit {
		return n, errors.Wrapf(errTooLarge, "%s: more than %d bytes", u, limit)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, errors.Newf("%s: truncated body, got %d of %d bytes", u, n, resp.ContentLength)
	}
	return n, nil
}

// closeRespBody closes HTTP response body.
func closeRespBody(logger *slog.Logger, resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		logger.Warn("failed to close response body", "error", err)
	}
}

// clonedTransport creates a new HTTP client with tuned transport settings
// and the given TLS configuration, if any.
func clonedTransport(tlsConfig *tls.Config) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 10
	tr.MaxIdleConnsPerHost = 2
	tr.IdleConnTimeout = 90 * time.Second
	if tlsConfig != nil {
		tr.TLSClientConfig = tlsConfig
	}

	return &http.Client{
		Transport: tr,
		Timeout:   0, // no timeout; timeout is controlled by context
	}
}
