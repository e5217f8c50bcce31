package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPRenderer calls an external rendering service that turns HTML into
// an image.
type HTTPRenderer struct {
	url    string
	width  int
	client *http.Client
}

// RendererOption customizes an HTTPRenderer.
type RendererOption func(*HTTPRenderer)

// WithRenderWidth sets the viewport width requested from the service.
func WithRenderWidth(width int) RendererOption {
	return func(r *HTTPRenderer) {
		if width > 0 {
			r.width = width
		}
	}
}

// WithRendererClient overrides the HTTP client.
func WithRendererClient(client *http.Client) RendererOption {
	return func(r *HTTPRenderer) {
		if client != nil {
			r.client = client
		}
	}
}

// NewHTTPRenderer points at a rendering service endpoint.
func NewHTTPRenderer(url string, opts ...RendererOption) *HTTPRenderer {
	r := &HTTPRenderer{
		url:    url,
		width:  1920,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *HTTPRenderer) Render(ctx context.Context, htmlContent string) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"html":  htmlContent,
		"width": r.width,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("render service returned %s", resp.Status)
	}
	image, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read rendered image: %w", err)
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("render service returned an empty image")
	}
	return image, nil
}

// HTTPSender posts rendered notifications to an external delivery
// service keyed by owner id.
type HTTPSender struct {
	url    string
	client *http.Client
}

// SenderOption customizes an HTTPSender.
type SenderOption func(*HTTPSender)

// WithSenderClient overrides the HTTP client.
func WithSenderClient(client *http.Client) SenderOption {
	return func(s *HTTPSender) {
		if client != nil {
			s.client = client
		}
	}
}

// NewHTTPSender points at a delivery service endpoint.
func NewHTTPSender(url string, opts ...SenderOption) *HTTPSender {
	s := &HTTPSender{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPSender) Deliver(ctx context.Context, ownerID int64, image []byte) error {
	payload, err := json.Marshal(map[string]any{
		"owner_id": ownerID,
		"image":    base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivery request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("delivery service returned %s", resp.Status)
	}
	return nil
}
