package stability

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
)

func TestGenerate(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\nfake")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2beta/stable-image/generate/core" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-stab" {
			t.Errorf("Authorization = %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			return
		}
		if r.FormValue("prompt") != "a red bicycle" {
			t.Errorf("prompt = %q", r.FormValue("prompt"))
		}
		if r.FormValue("aspect_ratio") != "16:9" {
			t.Errorf("aspect_ratio = %q", r.FormValue("aspect_ratio"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"image":"` + base64.StdEncoding.EncodeToString(png) + `","finish_reason":"SUCCESS","seed":42}`))
	}))
	defer server.Close()

	client := NewClient("sk-stab", WithBaseURL(server.URL), WithAspectRatio("16:9"))
	img, err := client.Generate(context.Background(), "a red bicycle")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if string(img.Data) != string(png) {
		t.Errorf("Data = %q", img.Data)
	}
	if img.ContentType != "image/png" || img.Seed != 42 {
		t.Errorf("image = %s seed=%d", img.ContentType, img.Seed)
	}
}

func TestGenerate_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"invalid prompt", http.StatusBadRequest, `{"id":"x","name":"bad_request","errors":["prompt: cannot be empty"]}`, false},
		{"filtered", http.StatusOK, `{"image":"","finish_reason":"CONTENT_FILTERED","seed":1}`, false},
		{"overloaded", http.StatusServiceUnavailable, `upstream busy`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewClient("k", WithBaseURL(server.URL)).Generate(context.Background(), "x")
			apiErr, ok := domain.AsAPIError(err)
			if !ok {
				t.Fatalf("Generate() error = %v, want APIError", err)
			}
			if apiErr.Source != domain.SourceStability {
				t.Errorf("Source = %v", apiErr.Source)
			}
			if apiErr.Retryable() != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", apiErr.Retryable(), tt.retryable)
			}
		})
	}
}
