package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/prl-harvester/internal/metrics"
)

const allowAllRobots = "User-agent: *\nAllow: /"

// robotsTransport shields harvesting from unhealthy robots.txt endpoints.
// Timeouts are retried with backoff. Persistent timeouts and 5xx answers are
// replaced with an allow-all policy, since colly reads a 5xx robots.txt as
// "disallow everything" and institutional repositories often serve broken ones.
// Other requests pass straight through.
type robotsTransport struct {
	base    http.RoundTripper
	backoff []time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

func newRobotsTransport(base http.RoundTripper) *robotsTransport {
	return &robotsTransport{
		base:    base,
		backoff: []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second},
		sleep:   sleepContext,
	}
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("robots transport: nil request")
	}
	if !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("roundtrip %s: %w", req.URL.Host, err)
		}
		return resp, nil
	}
	return t.fetchRobots(req)
}

func (t *robotsTransport) fetchRobots(req *http.Request) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		switch {
		case err == nil && resp.StatusCode >= http.StatusInternalServerError:
			_ = resp.Body.Close()
			metrics.ObserveRobotsFallback()
			return allowAll(req), nil
		case err == nil:
			return resp, nil
		case !isTimeout(err):
			return nil, fmt.Errorf("robots.txt %s: %w", req.URL.Host, err)
		case attempt >= len(t.backoff):
			metrics.ObserveRobotsFallback()
			return allowAll(req), nil
		}
		if err := t.sleep(req.Context(), t.backoff[attempt]); err != nil {
			return nil, fmt.Errorf("robots.txt %s backoff: %w", req.URL.Host, err)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func allowAll(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Request:       req,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
