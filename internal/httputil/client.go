package httputil

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rotisserie/eris"
)

const (
	DefaultTimeout = 30 * time.Second
	UserAgent      = "vera/1.0"

	// MaxRetries bounds retries of throttled or failing fetches.
	MaxRetries = 4
)

// NewClient returns an HTTP client with standard timeout configuration.
func NewClient() *http.Client {
	return &http.Client{
		Timeout: DefaultTimeout,
	}
}

// newBackOff is replaceable in tests.
var newBackOff = func() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	return bo
}

// Open issues a GET for url and returns the response body. Transport errors,
// 429 and 5xx responses are retried; any other status than 200 fails at once.
// The caller closes the body.
func Open(ctx context.Context, client *http.Client, url string) (io.ReadCloser, error) {
	var body io.ReadCloser
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(eris.Wrap(err, "httputil: create request"))
		}
		req.Header.Set("User-Agent", UserAgent)

		resp, err := client.Do(req)
		if err != nil {
			return eris.Wrapf(err, "httputil: fetch %s", url)
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			body = resp.Body
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			resp.Body.Close()
			return eris.Errorf("httputil: fetch %s: status %d", url, resp.StatusCode)
		default:
			resp.Body.Close()
			return backoff.Permanent(eris.Errorf("httputil: fetch %s: unexpected status %d", url, resp.StatusCode))
		}
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), MaxRetries), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, err
	}
	return body, nil
}
