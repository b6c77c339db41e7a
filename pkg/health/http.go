package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker probes an HTTP endpoint and reports healthy when the
// response status lands inside the accepted range. Billet points it at
// the readiness endpoint of the lab daemon running on each worker.
type HTTPChecker struct {
	// URL is the full endpoint to probe.
	URL string

	// Method defaults to GET.
	Method string

	// Headers are sent with every probe.
	Headers map[string]string

	// StatusMin and StatusMax bound the accepted response codes,
	// inclusive. Defaults accept 200-299.
	StatusMin int
	StatusMax int

	// Client carries the transport. The default client enforces its own
	// timeout so a wedged daemon cannot stall the caller's loop.
	Client *http.Client
}

// NewHTTPChecker returns a checker for url using GET and a 2xx accept
// range.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:       url,
		Method:    http.MethodGet,
		Headers:   make(map[string]string),
		StatusMin: 200,
		StatusMax: 299,
		Client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Check performs one probe. The context deadline applies on top of the
// client timeout.
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, h.Method, h.URL, nil)
	if err != nil {
		return h.failure(start, fmt.Sprintf("build request: %v", err))
	}
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return h.failure(start, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= h.StatusMin && resp.StatusCode <= h.StatusMax
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		message = fmt.Sprintf("%s (accepted %d-%d)", message, h.StatusMin, h.StatusMax)
	}

	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func (h *HTTPChecker) failure(start time.Time, message string) Result {
	return Result{
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// WithBearer attaches a bearer credential to every probe.
func (h *HTTPChecker) WithBearer(token string) *HTTPChecker {
	h.Headers["Authorization"] = "Bearer " + token
	return h
}

// WithHeader adds a request header.
func (h *HTTPChecker) WithHeader(key, value string) *HTTPChecker {
	h.Headers[key] = value
	return h
}

// WithStatusRange overrides the accepted status range, inclusive.
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.StatusMin = min
	h.StatusMax = max
	return h
}

// WithTimeout overrides the client timeout.
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}
