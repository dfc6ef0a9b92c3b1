// Package relay drives assistant runs on behalf of clients: it submits user
// turns, answers the tool calls a run requests and bills the run once it
// completes.
package relay

import (
	"context"
	"io"

	"github.com/tjfontaine/cinetech-relay/internal/api/assistants"
	"github.com/tjfontaine/cinetech-relay/internal/api/search"
	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
	"github.com/tjfontaine/cinetech-relay/internal/state"
)

// Backend is the part of the assistant API the relay drives.
// *assistants.Client satisfies it.
type Backend interface {
	CreateThread(ctx context.Context) (*assistants.Thread, error)
	CreateMessage(ctx context.Context, threadID string, req *assistants.MessageRequest) (*assistants.Message, error)
	ListMessages(ctx context.Context, threadID string, opts *assistants.ListOptions) (*assistants.MessageList, error)
	StreamRun(ctx context.Context, threadID string, req *assistants.RunRequest) (*assistants.EventStream, error)
	ListRuns(ctx context.Context, threadID string, limit int) (*assistants.RunList, error)
	GetRun(ctx context.Context, threadID, runID string) (*assistants.Run, error)
	SubmitToolOutputsStream(ctx context.Context, threadID, runID string, outputs []domain.ToolOutput) (*assistants.EventStream, error)
	CancelRun(ctx context.Context, threadID, runID string) (*assistants.Run, error)
	UploadFile(ctx context.Context, filename string, r io.Reader, purpose string) (*assistants.File, error)
}

// ImageEngine renders a prompt and returns a public URL for the result.
type ImageEngine interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// Searcher runs a web search.
type Searcher interface {
	Search(ctx context.Context, query string) (*search.Results, error)
}

// Analyzer turns raw search results into an answer for the request.
type Analyzer interface {
	Analyze(ctx context.Context, request string, results *search.Results) (string, error)
}

// Vision describes a staged attachment.
type Vision interface {
	Describe(ctx context.Context, file state.StagedFile, request string) (string, error)
}
