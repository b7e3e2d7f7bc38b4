package regwatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// FetchConfig configures the Fetcher.
type FetchConfig struct {
	Timeout   time.Duration // HTTP client timeout. Default: 2m.
	MaxBytes  int64         // Largest accepted body. Default: 100MB.
	UserAgent string
}

func (c *FetchConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 100 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "regwatch/1.0"
	}
}

// Fetcher retrieves pages and documents over HTTP.
type Fetcher struct {
	client *http.Client
	cfg    FetchConfig
}

func NewFetcher(cfg FetchConfig) *Fetcher {
	cfg.defaults()
	return &Fetcher{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				return nil
			},
		},
		cfg: cfg,
	}
}

// Get returns the body of url. Non-2xx statuses are errors.
func (f *Fetcher) Get(ctx context.Context, url string) ([]byte, error) {
	resp, err := f.do(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.cfg.MaxBytes {
		return nil, fmt.Errorf("response larger than %d bytes", f.cfg.MaxBytes)
	}
	return body, nil
}

// Download streams url into a new temporary file under dir and returns its
// path. The file is removed again on any failure.
func (f *Fetcher) Download(ctx context.Context, url, dir string) (path string, err error) {
	resp, err := f.do(ctx, url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.ContentLength > f.cfg.MaxBytes {
		return "", fmt.Errorf("document is %d bytes (max %d)", resp.ContentLength, f.cfg.MaxBytes)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("temp dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "register-*.ods")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if n > f.cfg.MaxBytes {
		return "", fmt.Errorf("document larger than %d bytes", f.cfg.MaxBytes)
	}
	return tmp.Name(), nil
}

func (f *Fetcher) do(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return resp, nil
}
