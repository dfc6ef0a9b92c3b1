// Package stability is a client for the Stability AI stable-image API.
package stability

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
)

const (
	defaultBaseURL      = "https://api.stability.ai"
	defaultOutputFormat = "png"
	generatePath        = "/v2beta/stable-image/generate/core"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAspectRatio sets the aspect ratio sent with every generation.
func WithAspectRatio(ratio string) ClientOption {
	return func(c *Client) {
		c.aspectRatio = ratio
	}
}

// Client generates images with Stability AI.
type Client struct {
	apiKey      string
	baseURL     string
	aspectRatio string
	httpClient  *http.Client
}

// NewClient creates a new Stability AI client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type generateResponse struct {
	Image        string `json:"image"`
	FinishReason string `json:"finish_reason"`
	Seed         int64  `json:"seed"`
}

type errorResponse struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Errors []string `json:"errors"`
}

// Image is a generated image.
type Image struct {
	Data        []byte
	ContentType string
	Seed        int64
}

// Generate renders prompt and returns the decoded image bytes.
func (c *Client) Generate(ctx context.Context, prompt string) (*Image, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := map[string]string{
		"prompt":        prompt,
		"output_format": defaultOutputFormat,
	}
	if c.aspectRatio != "" {
		fields["aspect_ratio"] = c.aspectRatio
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+generatePath, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		var er errorResponse
		if json.Unmarshal(respBody, &er) == nil && len(er.Errors) > 0 {
			msg = er.Name + ": " + strings.Join(er.Errors, "; ")
		}
		return nil, domain.ErrUpstream(msg).
			WithUpstreamStatus(resp.StatusCode).
			WithSource(domain.SourceStability)
	}

	var result generateResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if result.FinishReason != "" && result.FinishReason != "SUCCESS" {
		// CONTENT_FILTERED: asking again with the same prompt will not help
		return nil, domain.ErrUpstream("generation finished with "+result.FinishReason).
			WithUpstreamStatus(http.StatusUnprocessableEntity).
			WithSource(domain.SourceStability)
	}

	data, err := base64.StdEncoding.DecodeString(result.Image)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	return &Image{
		Data:        data,
		ContentType: "image/" + defaultOutputFormat,
		Seed:        result.Seed,
	}, nil
}
