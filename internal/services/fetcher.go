// internal/services/fetcher.go
package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Fetcher 获取附件内容
type Fetcher interface {
	Fetch(ctx context.Context, url string) (contentType string, body []byte, err error)
}

// HTTPFetcher 通过 HTTP GET 获取附件，限制超时与大小
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPFetcher 创建 HTTP 附件获取器
func NewHTTPFetcher(timeout time.Duration, maxBytes int64) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &HTTPFetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return "", nil, err
	}
	if int64(len(body)) > f.maxBytes {
		return "", nil, fmt.Errorf("fetch %s: attachment exceeds %d bytes", url, f.maxBytes)
	}
	return resp.Header.Get("Content-Type"), body, nil
}
