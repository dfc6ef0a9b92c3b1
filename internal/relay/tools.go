package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
	"github.com/tjfontaine/cinetech-relay/internal/retry"
	"github.com/tjfontaine/cinetech-relay/internal/state"
)

// ErrNoStagedFile is returned by the recognition tool when nothing was
// uploaded for the thread.
var ErrNoStagedFile = errors.New("no staged file for thread")

// Invocation is a tool call bound to its run.
type Invocation struct {
	ThreadID string
	RunID    string
	Call     domain.ToolCall
	Args     domain.ToolArgs
}

// ToolFunc answers one tool call. Tools apply the retry policy to their own
// external calls, so a returned error is final.
type ToolFunc func(ctx context.Context, inv Invocation) (string, error)

// ToolDeps are the collaborators the built-in tools use. Nil members leave
// the matching tool unregistered.
type ToolDeps struct {
	Searcher    Searcher
	Analyzer    Analyzer
	Vision      Vision
	Primary     ImageEngine
	Alternate   ImageEngine
	Staging     *state.Staging
	Attribution *state.Attribution
	Flags       *state.Flags
	Retry       retry.Policy
	Logger      *slog.Logger
}

// Registry maps tool names to implementations.
type Registry struct {
	tools map[domain.ToolName]ToolFunc
	deps  ToolDeps
}

// NewRegistry registers the built-in tools for which deps are present.
func NewRegistry(deps ToolDeps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := &Registry{tools: make(map[domain.ToolName]ToolFunc), deps: deps}

	if deps.Searcher != nil && deps.Analyzer != nil {
		r.Register(domain.ToolWebSearch, r.webSearch)
	}
	if deps.Primary != nil {
		r.Register(domain.ToolGenerateImage, r.imageTool(deps.Primary))
	}
	if deps.Alternate != nil {
		r.Register(domain.ToolGenerateImage2, r.imageTool(deps.Alternate))
	}
	if deps.Vision != nil && deps.Staging != nil {
		r.Register(domain.ToolRecognizeImage, r.recognizeImage)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(name domain.ToolName, fn ToolFunc) {
	r.tools[name] = fn
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name domain.ToolName) (ToolFunc, bool) {
	fn, ok := r.tools[name]
	return fn, ok
}

func (r *Registry) webSearch(ctx context.Context, inv Invocation) (string, error) {
	query := inv.Args.Text()
	return retry.DoValue(ctx, r.deps.Retry, "tool "+string(inv.Call.Name), func(ctx context.Context) (string, error) {
		results, err := r.deps.Searcher.Search(ctx, query)
		if err != nil {
			return "", err
		}
		return r.deps.Analyzer.Analyze(ctx, query, results)
	})
}

func (r *Registry) imageTool(engine ImageEngine) ToolFunc {
	return func(ctx context.Context, inv Invocation) (string, error) {
		url, err := retry.DoValue(ctx, r.deps.Retry, "tool "+string(inv.Call.Name), func(ctx context.Context) (string, error) {
			return engine.Generate(ctx, inv.Args.Text())
		})
		if err != nil {
			return "", err
		}

		if r.deps.Attribution != nil {
			r.deps.Attribution.Record(url, engine.Name())
		}
		if r.deps.Flags != nil {
			r.deps.Flags.MarkImage(inv.RunID)
		}

		out, err := json.Marshal(domain.ImageResult{ImageURL: url, Engine: engine.Name()})
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
}

func (r *Registry) recognizeImage(ctx context.Context, inv Invocation) (string, error) {
	file, ok := r.deps.Staging.Take(inv.ThreadID)
	if !ok {
		return "", ErrNoStagedFile
	}
	defer r.deps.Staging.Remove(file)

	return retry.DoValue(ctx, r.deps.Retry, "tool "+string(inv.Call.Name), func(ctx context.Context) (string, error) {
		return r.deps.Vision.Describe(ctx, file, inv.Args.Text())
	})
}
