package assistants

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultBetaHeader = "assistants=v2"
	userAgent         = "cinetech-relay/1.0"
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

// WithBetaHeader overrides the OpenAI-Beta header sent on assistant endpoints.
func WithBetaHeader(v string) ClientOption {
	return func(c *Client) {
		c.beta = v
	}
}

// Client is an HTTP client for the hosted assistant backend.
type Client struct {
	apiKey     string
	baseURL    string
	beta       string
	httpClient *http.Client
}

// NewClient creates a new assistant backend client.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		beta:       defaultBetaHeader,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateThread creates an empty conversation context.
func (c *Client) CreateThread(ctx context.Context) (*Thread, error) {
	var thread Thread
	if err := c.doJSON(ctx, http.MethodPost, "/threads", struct{}{}, &thread); err != nil {
		return nil, err
	}
	return &thread, nil
}

// CreateMessage appends a user turn to a thread.
func (c *Client) CreateMessage(ctx context.Context, threadID string, req *MessageRequest) (*Message, error) {
	if req.Role == "" {
		req.Role = "user"
	}
	var msg Message
	if err := c.doJSON(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages fetches one page of a thread's messages.
func (c *Client) ListMessages(ctx context.Context, threadID string, opts *ListOptions) (*MessageList, error) {
	var list MessageList
	path := "/threads/" + url.PathEscape(threadID) + "/messages" + opts.query()
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// ListRuns fetches the most recent runs of a thread, newest first.
func (c *Client) ListRuns(ctx context.Context, threadID string, limit int) (*RunList, error) {
	var list RunList
	path := "/threads/" + url.PathEscape(threadID) + "/runs" + (&ListOptions{Limit: limit}).query()
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetRun fetches the full detail of a run.
func (c *Client) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var run Run
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// CancelRun asks the backend to cancel a run.
func (c *Client) CancelRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var run Run
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID) + "/cancel"
	if err := c.doJSON(ctx, http.MethodPost, path, struct{}{}, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// StreamRun starts a run and returns its server-sent event stream.
func (c *Client) StreamRun(ctx context.Context, threadID string, req *RunRequest) (*EventStream, error) {
	req.Stream = true
	return c.stream(ctx, "/threads/"+url.PathEscape(threadID)+"/runs", req)
}

// SubmitToolOutputsStream resolves a run's pending tool calls and returns the
// continuation stream.
func (c *Client) SubmitToolOutputsStream(ctx context.Context, threadID, runID string, outputs []domain.ToolOutput) (*EventStream, error) {
	req := &SubmitToolOutputsRequest{ToolOutputs: outputs, Stream: true}
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID) + "/submit_tool_outputs"
	return c.stream(ctx, path, req)
}

// UploadFile uploads a file to the backend file store.
func (c *Client) UploadFile(ctx context.Context, filename string, r io.Reader, purpose string) (*File, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("purpose", purpose); err != nil {
		return nil, fmt.Errorf("failed to write purpose: %w", err)
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("failed to copy file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var file File
	if err := c.do(httpReq, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// CreateChatCompletion sends a chat completion request.
func (c *Client) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	var resp ChatCompletionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/chat/completions", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GenerateImage requests an image generation.
func (c *Client) GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error) {
	var resp ImageResponse
	if err := c.doJSON(ctx, http.MethodPost, "/images/generations", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	return c.do(httpReq, out)
}

func (c *Client) do(httpReq *http.Request, out any) error {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return errorFromResponse(resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) stream(ctx context.Context, path string, in any) (*EventStream, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, errorFromResponse(resp.StatusCode, respBody)
	}

	return newEventStream(resp.Body), nil
}

func errorFromResponse(status int, body []byte) error {
	if apiErr, err := ParseErrorResponse(body); err == nil && apiErr != nil {
		return apiErr.ToCanonical(status)
	}
	return domain.ErrUpstream(fmt.Sprintf("API error (status %d): %s", status, string(body))).
		WithUpstreamStatus(status).
		WithSource(domain.SourceAssistant)
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("User-Agent", userAgent)
	if c.beta != "" {
		req.Header.Set("OpenAI-Beta", c.beta)
	}
}

func (o *ListOptions) query() string {
	if o == nil {
		return ""
	}
	q := url.Values{}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Order != "" {
		q.Set("order", o.Order)
	}
	if o.After != "" {
		q.Set("after", o.After)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
