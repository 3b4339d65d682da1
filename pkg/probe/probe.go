// Package probe checks backend liveness over plain HTTP when the native
// messaging host is unavailable.
package probe

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultURL     = "http://127.0.0.1:5000/ping"
	DefaultTimeout = 5 * time.Second
	maxBodySize    = 64 << 10
)

var ErrUnhealthy = errors.New("backend health check failed")

// Prober reports whether the backend answered a health check.
type Prober interface {
	Probe(ctx context.Context) (Result, error)
}

type Result struct {
	URL     string
	Latency time.Duration
	Body    any
}

type HTTPProber struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

var _ Prober = &HTTPProber{}

func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	if url == "" {
		url = DefaultURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPProber{URL: url, Timeout: timeout, Client: &http.Client{}}
}

// Probe issues a GET to the health endpoint. A non-2xx status or a body that
// is not JSON is a failure wrapping ErrUnhealthy.
func (p *HTTPProber) Probe(ctx context.Context) (Result, error) {
	res := Result{URL: p.URL}
	if ctx == nil {
		return res, errors.New("ctx is nil")
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return res, errors.Wrap(err, "build health request")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		return res, errors.Wrap(ErrUnhealthy, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return res, errors.Wrapf(ErrUnhealthy, "status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return res, errors.Wrap(ErrUnhealthy, err.Error())
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return res, errors.Wrapf(ErrUnhealthy, "invalid json body: %v", err)
	}
	res.Body = decoded
	return res, nil
}
