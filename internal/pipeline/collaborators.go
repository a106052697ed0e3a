package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Renderer is the opaque rendering collaborator. It turns final artifact
// HTML into PDF bytes.
type Renderer interface {
	Render(ctx context.Context, html string) ([]byte, error)
}

// Storage is the artifact storage collaborator.
type Storage interface {
	Upload(ctx context.Context, data []byte, path string) (string, error)
	Download(ctx context.Context, path string) ([]byte, error)
	Presign(ctx context.Context, path string, ttl time.Duration) (string, error)
}

// RenderError classifies a render failure. Timeouts and 5xx responses are
// retryable; a client-error response from the renderer is not.
type RenderError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *RenderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("render failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("render failed: %v", e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// IsRetryableRenderError reports whether err is a retryable render failure.
func IsRetryableRenderError(err error) bool {
	var re *RenderError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// HTTPRenderer calls an external rendering service over HTTP.
type HTTPRenderer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRenderer creates a renderer client with a bounded timeout.
func NewHTTPRenderer(baseURL string, timeout time.Duration) *HTTPRenderer {
	return &HTTPRenderer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Render posts the HTML to the rendering service and returns the PDF bytes.
func (r *HTTPRenderer) Render(ctx context.Context, html string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"html": html})
	if err != nil {
		return nil, fmt.Errorf("marshal render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		// Network errors and timeouts are retryable.
		return nil, &RenderError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &RenderError{Retryable: true, Err: err}
		}
		return data, nil
	case resp.StatusCode >= 500:
		return nil, &RenderError{StatusCode: resp.StatusCode, Retryable: true}
	default:
		return nil, &RenderError{StatusCode: resp.StatusCode, Retryable: false}
	}
}

// HTTPStorage calls an external object-storage gateway over HTTP.
type HTTPStorage struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStorage creates a storage client with a bounded timeout.
func NewHTTPStorage(baseURL string, timeout time.Duration) *HTTPStorage {
	return &HTTPStorage{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Upload stores the bytes under the given path and returns the object URL.
func (s *HTTPStorage) Upload(ctx context.Context, data []byte, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(path), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/pdf")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %q: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upload %q: status %d", path, resp.StatusCode)
	}
	return s.objectURL(path), nil
}

// Download retrieves the bytes stored under the given path.
func (s *HTTPStorage) Download(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(path), nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %q: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download %q: status %d", path, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Presign requests a time-limited download URL for the given path.
func (s *HTTPStorage) Presign(ctx context.Context, path string, ttl time.Duration) (string, error) {
	body, err := json.Marshal(map[string]any{
		"path":        path,
		"ttl_seconds": int(ttl.Seconds()),
	})
	if err != nil {
		return "", fmt.Errorf("marshal presign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/presign", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build presign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("presign %q: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("presign %q: status %d", path, resp.StatusCode)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode presign response: %w", err)
	}
	return out.URL, nil
}

func (s *HTTPStorage) objectURL(path string) string {
	return s.baseURL + "/objects/" + url.PathEscape(path)
}
