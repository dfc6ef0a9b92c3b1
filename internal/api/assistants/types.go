// Package assistants provides the wire types and HTTP client for the hosted
// assistant backend (threads, messages, runs, files) plus the chat and image
// endpoints the relay's tools call.
package assistants

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
)

// Thread is a backend conversation context.
type Thread struct {
	ID        string            `json:"id"`
	Object    string            `json:"object"`
	CreatedAt int64             `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AttachmentTool names the tool an attachment is exposed to.
type AttachmentTool struct {
	Type string `json:"type"`
}

// Attachment references an uploaded file from a message.
type Attachment struct {
	FileID string           `json:"file_id"`
	Tools  []AttachmentTool `json:"tools"`
}

// MessageRequest adds a user turn to a thread.
type MessageRequest struct {
	Role        string            `json:"role"`
	Content     string            `json:"content"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Message is one turn in a thread.
type Message struct {
	ID          string            `json:"id"`
	Object      string            `json:"object"`
	CreatedAt   int64             `json:"created_at"`
	ThreadID    string            `json:"thread_id"`
	RunID       string            `json:"run_id,omitempty"`
	AssistantID string            `json:"assistant_id,omitempty"`
	Role        string            `json:"role"`
	Content     []MessageContent  `json:"content"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Text concatenates the message's text parts.
func (m *Message) Text() string {
	var sb strings.Builder
	for _, c := range m.Content {
		if c.Text != nil {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(c.Text.Value)
		}
	}
	return sb.String()
}

// MessageContent is one content part of a message.
type MessageContent struct {
	Type      string     `json:"type"`
	Text      *TextPart  `json:"text,omitempty"`
	ImageFile *ImageFile `json:"image_file,omitempty"`
	ImageURL  *ImageURL  `json:"image_url,omitempty"`
}

// TextPart is the text payload of a content part.
type TextPart struct {
	Value       string            `json:"value"`
	Annotations []json.RawMessage `json:"annotations,omitempty"`
}

// ImageFile references an image stored in the backend file store.
type ImageFile struct {
	FileID string `json:"file_id"`
}

// ImageURL references an external image.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// MessageList is one page of thread messages.
type MessageList struct {
	Object  string    `json:"object"`
	Data    []Message `json:"data"`
	FirstID string    `json:"first_id"`
	LastID  string    `json:"last_id"`
	HasMore bool      `json:"has_more"`
}

// ListOptions controls paging on list endpoints.
type ListOptions struct {
	Limit int
	Order string
	After string
}

// RunRequest starts a run on a thread.
type RunRequest struct {
	AssistantID            string            `json:"assistant_id"`
	AdditionalInstructions string            `json:"additional_instructions,omitempty"`
	Metadata               map[string]string `json:"metadata,omitempty"`
	Stream                 bool              `json:"stream,omitempty"`
}

// Run is a backend processing cycle on a thread.
type Run struct {
	ID             string           `json:"id"`
	Object         string           `json:"object"`
	CreatedAt      int64            `json:"created_at"`
	ThreadID       string           `json:"thread_id"`
	AssistantID    string           `json:"assistant_id"`
	Status         domain.RunStatus `json:"status"`
	RequiredAction *RequiredAction  `json:"required_action,omitempty"`
	LastError      *RunError        `json:"last_error,omitempty"`
	Usage          *domain.Usage    `json:"usage,omitempty"`
	CompletedAt    *int64           `json:"completed_at,omitempty"`
	FailedAt       *int64           `json:"failed_at,omitempty"`
	CancelledAt    *int64           `json:"cancelled_at,omitempty"`
}

// PendingToolCalls returns the function calls awaiting output.
func (r *Run) PendingToolCalls() []domain.ToolCall {
	if r.RequiredAction == nil || r.RequiredAction.SubmitToolOutputs == nil {
		return nil
	}
	calls := make([]domain.ToolCall, 0, len(r.RequiredAction.SubmitToolOutputs.ToolCalls))
	for _, tc := range r.RequiredAction.SubmitToolOutputs.ToolCalls {
		if tc.Type != "" && tc.Type != "function" {
			continue
		}
		calls = append(calls, domain.ToolCall{
			ID:        tc.ID,
			Name:      domain.ToolName(tc.Function.Name),
			Arguments: tc.Function.Arguments,
		})
	}
	return calls
}

// RequiredAction describes what the backend needs before the run continues.
type RequiredAction struct {
	Type              string             `json:"type"`
	SubmitToolOutputs *SubmitToolOutputs `json:"submit_tool_outputs,omitempty"`
}

// SubmitToolOutputs lists the pending tool calls.
type SubmitToolOutputs struct {
	ToolCalls []RunToolCall `json:"tool_calls"`
}

// RunToolCall is a tool call as the backend encodes it.
type RunToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall is the function name and JSON arguments of a tool call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// RunError is the backend's last error for a failed run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RunList is one page of runs, newest first.
type RunList struct {
	Object  string `json:"object"`
	Data    []Run  `json:"data"`
	FirstID string `json:"first_id"`
	LastID  string `json:"last_id"`
	HasMore bool   `json:"has_more"`
}

// SubmitToolOutputsRequest resolves a pending tool-call batch.
type SubmitToolOutputsRequest struct {
	ToolOutputs []domain.ToolOutput `json:"tool_outputs"`
	Stream      bool                `json:"stream,omitempty"`
}

// File is an uploaded backend file.
type File struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Bytes     int64  `json:"bytes"`
	CreatedAt int64  `json:"created_at"`
	Filename  string `json:"filename"`
	Purpose   string `json:"purpose"`
}

// ChatCompletionRequest is a chat completion call.
type ChatCompletionRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

// ChatMessage carries either plain string content or a list of ContentPart.
type ChatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart is a multimodal chat content part.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ChatCompletionResponse is a chat completion result.
type ChatCompletionResponse struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChatChoice  `json:"choices"`
	Usage   *domain.Usage `json:"usage,omitempty"`
}

// ChatChoice is one completion choice.
type ChatChoice struct {
	Index        int               `json:"index"`
	Message      ChatChoiceMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

// ChatChoiceMessage is the assistant reply of a choice.
type ChatChoiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FirstContent returns the text of the first choice.
func (r *ChatCompletionResponse) FirstContent() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// ImageRequest asks the image endpoint for a generation.
type ImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// ImageResponse holds generated images.
type ImageResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
}

// ImageData is one generated image.
type ImageData struct {
	URL           string `json:"url,omitempty"`
	B64JSON       string `json:"b64_json,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// ErrorResponse is the backend's error envelope.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// APIError contains error details.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// ToCanonical converts the backend error to a canonical domain error.
func (e *APIError) ToCanonical(status int) *domain.APIError {
	return &domain.APIError{
		Type:           mapErrorType(e.Type, e.Code, status),
		Code:           domain.ErrorCode(e.Code),
		Message:        e.Message,
		Param:          e.Param,
		UpstreamStatus: status,
		Source:         domain.SourceAssistant,
	}
}

func mapErrorType(errType, errCode string, status int) domain.ErrorType {
	// Rejected backend credentials surface as gateway failures.
	switch errCode {
	case "rate_limit_exceeded":
		return domain.ErrorTypeRateLimit
	case "invalid_api_key":
		return domain.ErrorTypeUpstream
	}

	switch errType {
	case "authentication_error", "permission_error":
		return domain.ErrorTypeUpstream
	case "rate_limit_error", "rate_limit_exceeded":
		return domain.ErrorTypeRateLimit
	case "service_unavailable":
		return domain.ErrorTypeOverloaded
	case "server_error":
		return domain.ErrorTypeServer
	}

	switch {
	case status == http.StatusNotFound:
		return domain.ErrorTypeNotFound
	case status == http.StatusTooManyRequests:
		return domain.ErrorTypeRateLimit
	case status >= 500:
		return domain.ErrorTypeServer
	}
	// e.g. "Can't add messages to thread while a run is active"
	return domain.ErrorTypeUpstream
}

// ParseErrorResponse attempts to parse an error response from JSON.
func ParseErrorResponse(data []byte) (*APIError, error) {
	var errResp ErrorResponse
	if err := json.Unmarshal(data, &errResp); err != nil {
		return nil, err
	}
	if errResp.Error == nil {
		return nil, nil
	}
	return errResp.Error, nil
}

// Event is one server-sent event from a run stream.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}
