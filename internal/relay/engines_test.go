package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/cinetech-relay/internal/api/assistants"
	"github.com/tjfontaine/cinetech-relay/internal/api/search"
	"github.com/tjfontaine/cinetech-relay/internal/api/stability"
	"github.com/tjfontaine/cinetech-relay/internal/blob"
	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
	"github.com/tjfontaine/cinetech-relay/internal/pkg/config"
	"github.com/tjfontaine/cinetech-relay/internal/retry"
	"github.com/tjfontaine/cinetech-relay/internal/state"
)

type stubGenerator struct {
	img *stability.Image
	err error
}

func (s stubGenerator) Generate(ctx context.Context, prompt string) (*stability.Image, error) {
	return s.img, s.err
}

type stubImages struct {
	resp *assistants.ImageResponse
	req  *assistants.ImageRequest
}

func (s *stubImages) GenerateImage(ctx context.Context, req *assistants.ImageRequest) (*assistants.ImageResponse, error) {
	s.req = req
	return s.resp, nil
}

type stubChat struct {
	reply string
	req   *assistants.ChatCompletionRequest
}

func (s *stubChat) CreateChatCompletion(ctx context.Context, req *assistants.ChatCompletionRequest) (*assistants.ChatCompletionResponse, error) {
	s.req = req
	return &assistants.ChatCompletionResponse{Choices: []assistants.ChatChoice{{Message: assistants.ChatChoiceMessage{Role: "assistant", Content: s.reply}}}}, nil
}

func TestStabilityEngine_PublishesToBlobStore(t *testing.T) {
	dir := t.TempDir()
	store, err := blob.NewLocalStore(dir, "/media")
	require.NoError(t, err)

	engine := NewStabilityEngine(stubGenerator{img: &stability.Image{Data: []byte("png-bytes"), ContentType: "image/png"}}, store)
	assert.Equal(t, domain.EngineStability, engine.Name())

	url, err := engine.Generate(context.Background(), "a red bicycle")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "/media/images/"), url)
	assert.True(t, strings.HasSuffix(url, ".png"), url)

	data, err := os.ReadFile(filepath.Join(dir, strings.TrimPrefix(url, "/media/")))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
}

func TestStabilityEngine_Error(t *testing.T) {
	store, err := blob.NewLocalStore(t.TempDir(), "")
	require.NoError(t, err)
	engine := NewStabilityEngine(stubGenerator{err: errUpstream}, store)
	_, err = engine.Generate(context.Background(), "x")
	assert.ErrorIs(t, err, errUpstream)
}

func TestDallEEngine(t *testing.T) {
	t.Run("hosted url", func(t *testing.T) {
		images := &stubImages{resp: &assistants.ImageResponse{Data: []assistants.ImageData{{URL: "https://images.example/1.png"}}}}
		engine := NewDallEEngine(images, nil, "dall-e-3", "1024x1024")

		url, err := engine.Generate(context.Background(), "a lighthouse at dusk")
		require.NoError(t, err)
		assert.Equal(t, "https://images.example/1.png", url)
		assert.Equal(t, "dall-e-3", images.req.Model)
		assert.Equal(t, "1024x1024", images.req.Size)
		assert.Equal(t, 1, images.req.N)
	})

	t.Run("base64 payload", func(t *testing.T) {
		dir := t.TempDir()
		store, err := blob.NewLocalStore(dir, "https://media.example")
		require.NoError(t, err)
		images := &stubImages{resp: &assistants.ImageResponse{Data: []assistants.ImageData{{B64JSON: base64.StdEncoding.EncodeToString([]byte("img"))}}}}
		engine := NewDallEEngine(images, store, "dall-e-3", "")

		url, err := engine.Generate(context.Background(), "x")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(url, "https://media.example/images/"), url)
	})

	t.Run("empty response", func(t *testing.T) {
		engine := NewDallEEngine(&stubImages{resp: &assistants.ImageResponse{}}, nil, "dall-e-3", "")
		_, err := engine.Generate(context.Background(), "x")
		assert.Error(t, err)
	})
}

func TestChatAnalyzer(t *testing.T) {
	chat := &stubChat{reply: "Rent from Lisbon Camera Co."}
	analyzer := NewChatAnalyzer(chat, "gpt-4o-mini")

	out, err := analyzer.Analyze(context.Background(), "anamorphic lenses in Lisbon", &search.Results{
		Query:   "anamorphic lenses in Lisbon",
		Results: []search.Result{{Title: "Lisbon Camera Co.", URL: "https://lcc.example"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Rent from Lisbon Camera Co.", out)

	require.Len(t, chat.req.Messages, 2)
	assert.Equal(t, "system", chat.req.Messages[0].Role)
	user, ok := chat.req.Messages[1].Content.(string)
	require.True(t, ok)
	assert.Contains(t, user, "https://lcc.example")
	assert.Contains(t, user, "anamorphic lenses in Lisbon")
}

func TestChatVision(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o600))

	chat := &stubChat{reply: "a boom microphone"}
	vision := NewChatVision(chat, "gpt-4o")

	out, err := vision.Describe(context.Background(), state.StagedFile{Path: path, ContentType: "image/png"}, "")
	require.NoError(t, err)
	assert.Equal(t, "a boom microphone", out)

	parts, ok := chat.req.Messages[0].Content.([]assistants.ContentPart)
	require.True(t, ok)
	require.Len(t, parts, 2)
	assert.Equal(t, defaultVisionRequest, parts[0].Text)
	assert.Equal(t, "data:image/png;base64,"+base64.StdEncoding.EncodeToString([]byte("png")), parts[1].ImageURL.URL)

	_, err = vision.Describe(context.Background(), state.StagedFile{Path: path, ContentType: "video/mp4"}, "")
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
}

func TestBreakerEngine_OpensAfterConsecutiveFailures(t *testing.T) {
	inner := &fakeEngine{name: domain.EngineStability, err: errUpstream}
	engine := NewBreakerEngine(inner, config.CircuitBreakerConfig{ConsecutiveFailures: 2, Timeout: time.Minute}, nil)
	assert.Equal(t, domain.EngineStability, engine.Name())

	for range 2 {
		_, err := engine.Generate(context.Background(), "x")
		assert.ErrorIs(t, err, errUpstream)
		assert.False(t, retry.IsPermanent(err))
	}
	assert.Equal(t, gobreaker.StateOpen, engine.State())

	_, err := engine.Generate(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.True(t, retry.IsPermanent(err), "open circuit is not retried")
	assert.Equal(t, 2, inner.Calls())
}

func TestBreakerEngine_PassesThrough(t *testing.T) {
	inner := &fakeEngine{name: domain.EngineDallE, url: "https://images.example/x.png"}
	engine := NewBreakerEngine(inner, config.CircuitBreakerConfig{}, nil)

	url, err := engine.Generate(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "https://images.example/x.png", url)
	assert.Equal(t, gobreaker.StateClosed, engine.State())
}
