package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/discloser/internal/interfaces"
)

// fetch downloads url's full body, retrying transient failures per policy.
// A non-2xx response in the 5xx range (or a connection-level error) is
// treated as transient; 4xx responses are permanent.
func fetch(ctx context.Context, client *http.Client, policy *RetryPolicy, logger arbor.ILogger, url string) ([]byte, error) {
	var body []byte

	err := policy.Do(ctx, logger, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("%w: build request: %v", interfaces.ErrPermanentIO, err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrTransientIO, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: status %d", interfaces.ErrTransientIO, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("%w: status %d", interfaces.ErrPermanentIO, resp.StatusCode)
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: read body: %v", interfaces.ErrTransientIO, err)
		}
		body = data
		return nil
	})

	return body, err
}

// newDefaultHTTPClient mirrors the teacher's timeout-only client
// construction; archive downloads carry no auth.
func newDefaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
