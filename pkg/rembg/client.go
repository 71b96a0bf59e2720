// Package rembg talks to a background-removal HTTP server (rembg "s" mode
// or a compatible BiRefNet wrapper). The server receives an image as a
// multipart upload and answers with an RGBA PNG whose alpha is the matte.
package rembg

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/sticker-maker/pkg/processing"
	"github.com/menta2k/sticker-maker/pkg/segmentation"
)

const DefaultEndpoint = "/api/remove"

// Client removes image backgrounds through a remote service.
type Client struct {
	baseURL    string
	endpoint   string
	fieldName  string
	httpClient *http.Client
	log        logrus.FieldLogger
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		endpoint:   DefaultEndpoint,
		fieldName:  "file",
		httpClient: &http.Client{Timeout: 120 * time.Second},
		log:        logrus.StandardLogger(),
	}
}

// WithHTTPClient replaces the HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithEndpoint changes the upload path.
func (c *Client) WithEndpoint(path string) *Client {
	c.endpoint = path
	return c
}

// Remove returns img with its background made transparent.
func (c *Client) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile(c.fieldName, "image.png")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if err := png.Encode(part, img); err != nil {
		return nil, fmt.Errorf("encode upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("background removal failed with status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	c.log.WithFields(logrus.Fields{
		"bytes":        len(data),
		"content_type": resp.Header.Get("Content-Type"),
	}).Debug("background removed")

	out, err := processing.DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out, nil
}

// Matte implements segmentation.Matter using the alpha channel of the
// server's cut-out.
func (c *Client) Matte(ctx context.Context, img image.Image) (*image.Gray, error) {
	cut, err := c.Remove(ctx, img)
	if err != nil {
		return nil, err
	}
	return segmentation.AlphaMatter{}.Matte(ctx, cut)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
