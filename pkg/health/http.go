package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxBodyBytes bounds how much of a response is read when a body is expected
const maxBodyBytes = 4096

// HTTPChecker issues a GET and judges the status code the way a Mesos agent
// judges an HTTP health check: 200 through 399 is healthy unless narrowed.
type HTTPChecker struct {
	URL    string
	Header http.Header

	// MinStatus and MaxStatus bound the accepted status codes
	MinStatus, MaxStatus int

	// ExpectBody, when set, must equal the trimmed response body. The
	// framework answers /health with "OK" so this separates it from a proxy
	// or another service that happens to hold the port.
	ExpectBody string

	client *http.Client
}

// NewHTTPChecker returns a checker for url with a 10s timeout
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:       url,
		Header:    http.Header{"User-Agent": []string{"flink-mesos-probe"}},
		MinStatus: http.StatusOK,
		MaxStatus: 399,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return finish(start, false, "invalid request: %v", err)
	}
	req.Header = h.Header.Clone()

	resp, err := h.client.Do(req)
	if err != nil {
		return finish(start, false, "GET %s: %v", h.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < h.MinStatus || resp.StatusCode > h.MaxStatus {
		return finish(start, false, "status %d (expected %d-%d)", resp.StatusCode, h.MinStatus, h.MaxStatus)
	}
	if h.ExpectBody == "" {
		return finish(start, true, "status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return finish(start, false, "status %d, reading body: %v", resp.StatusCode, err)
	}
	if got := strings.TrimSpace(string(body)); got != h.ExpectBody {
		return finish(start, false, "status %d but body %q, expected %q", resp.StatusCode, got, h.ExpectBody)
	}
	return finish(start, true, "status %d, body %q", resp.StatusCode, h.ExpectBody)
}

func (h *HTTPChecker) Type() CheckType { return CheckTypeHTTP }

// WithBody requires the response body to equal body
func (h *HTTPChecker) WithBody(body string) *HTTPChecker {
	h.ExpectBody = body
	return h
}

func (h *HTTPChecker) WithHeader(key, value string) *HTTPChecker {
	h.Header.Set(key, value)
	return h
}

// WithStatusRange narrows or widens the accepted status codes
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.MinStatus, h.MaxStatus = min, max
	return h
}

func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.client.Timeout = timeout
	return h
}

func finish(start time.Time, healthy bool, format string, args ...any) Result {
	return Result{
		Healthy:   healthy,
		Message:   fmt.Sprintf(format, args...),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
