package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"os"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/tjfontaine/cinetech-relay/internal/api/assistants"
	"github.com/tjfontaine/cinetech-relay/internal/api/search"
	"github.com/tjfontaine/cinetech-relay/internal/api/stability"
	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
	"github.com/tjfontaine/cinetech-relay/internal/core/ports"
	"github.com/tjfontaine/cinetech-relay/internal/retry"
	"github.com/tjfontaine/cinetech-relay/internal/state"
)

// ImageGenerator is the Stability client surface.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (*stability.Image, error)
}

// ImageAPI is the assistant backend's image endpoint.
type ImageAPI interface {
	GenerateImage(ctx context.Context, req *assistants.ImageRequest) (*assistants.ImageResponse, error)
}

// ChatAPI is the assistant backend's chat completion endpoint.
type ChatAPI interface {
	CreateChatCompletion(ctx context.Context, req *assistants.ChatCompletionRequest) (*assistants.ChatCompletionResponse, error)
}

// StabilityEngine renders with Stability AI and publishes the bytes to the
// blob store.
type StabilityEngine struct {
	client ImageGenerator
	blobs  ports.BlobStore
}

func NewStabilityEngine(client ImageGenerator, blobs ports.BlobStore) *StabilityEngine {
	return &StabilityEngine{client: client, blobs: blobs}
}

func (e *StabilityEngine) Name() string { return domain.EngineStability }

func (e *StabilityEngine) Generate(ctx context.Context, prompt string) (string, error) {
	img, err := e.client.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	return e.blobs.Put(ctx, imageKey(img.ContentType), img.ContentType, bytes.NewReader(img.Data))
}

// DallEEngine renders through the backend's image endpoint. Hosted URLs are
// returned as is; base64 payloads are published to the blob store.
type DallEEngine struct {
	api   ImageAPI
	blobs ports.BlobStore
	model string
	size  string
}

func NewDallEEngine(api ImageAPI, blobs ports.BlobStore, model, size string) *DallEEngine {
	return &DallEEngine{api: api, blobs: blobs, model: model, size: size}
}

func (e *DallEEngine) Name() string { return domain.EngineDallE }

func (e *DallEEngine) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := e.api.GenerateImage(ctx, &assistants.ImageRequest{
		Model:  e.model,
		Prompt: prompt,
		N:      1,
		Size:   e.size,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Data) == 0 {
		return "", errors.New("image endpoint returned no data")
	}

	img := resp.Data[0]
	if img.URL != "" {
		return img.URL, nil
	}
	data, err := base64.StdEncoding.DecodeString(img.B64JSON)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("decode image: %w", err))
	}
	return e.blobs.Put(ctx, imageKey("image/png"), "image/png", bytes.NewReader(data))
}

func imageKey(contentType string) string {
	ext := ".png"
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		ext = exts[len(exts)-1]
	}
	return "images/" + strings.ToLower(ulid.Make().String()) + ext
}

const analysisPrompt = "You are a research assistant for a film production team. " +
	"Answer the request using the web search results provided. Cite sources by URL."

// ChatAnalyzer summarizes search results with a chat completion.
type ChatAnalyzer struct {
	chat  ChatAPI
	model string
}

func NewChatAnalyzer(chat ChatAPI, model string) *ChatAnalyzer {
	return &ChatAnalyzer{chat: chat, model: model}
}

func (a *ChatAnalyzer) Analyze(ctx context.Context, request string, results *search.Results) (string, error) {
	resp, err := a.chat.CreateChatCompletion(ctx, &assistants.ChatCompletionRequest{
		Model: a.model,
		Messages: []assistants.ChatMessage{
			{Role: "system", Content: analysisPrompt},
			{Role: "user", Content: "Request: " + request + "\n\nSearch results:\n" + results.Format()},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.FirstContent(), nil
}

const defaultVisionRequest = "Describe this image in detail."

// ChatVision describes staged images with a vision-capable chat model.
type ChatVision struct {
	chat  ChatAPI
	model string
}

func NewChatVision(chat ChatAPI, model string) *ChatVision {
	return &ChatVision{chat: chat, model: model}
}

func (v *ChatVision) Describe(ctx context.Context, file state.StagedFile, request string) (string, error) {
	if !strings.HasPrefix(file.ContentType, "image/") {
		return "", retry.Permanent(fmt.Errorf("cannot describe %s attachments", file.ContentType))
	}
	data, err := os.ReadFile(file.Path)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("read staged file: %w", err))
	}
	if request == "" {
		request = defaultVisionRequest
	}

	dataURL := "data:" + file.ContentType + ";base64," + base64.StdEncoding.EncodeToString(data)
	resp, err := v.chat.CreateChatCompletion(ctx, &assistants.ChatCompletionRequest{
		Model: v.model,
		Messages: []assistants.ChatMessage{{
			Role: "user",
			Content: []assistants.ContentPart{
				{Type: "text", Text: request},
				{Type: "image_url", ImageURL: &assistants.ImageURL{URL: dataURL}},
			},
		}},
	})
	if err != nil {
		return "", err
	}
	return resp.FirstContent(), nil
}
