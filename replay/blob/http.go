package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// httpStore fetches traces over http/https. It is read-only: benchmarks never
// publish results back through a bare web server.
type httpStore struct{}

var httpClient = &http.Client{Timeout: 60 * time.Second}

func (httpStore) Read(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", path, err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected status %s", path, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body of %s: %w", path, err)
	}
	return data, nil
}

func (httpStore) Write(_ context.Context, path string, _ []byte) error {
	return fmt.Errorf("%w: http store cannot write %s", ErrUnknownTransport, path)
}
