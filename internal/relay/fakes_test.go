package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/tjfontaine/cinetech-relay/internal/api/assistants"
	"github.com/tjfontaine/cinetech-relay/internal/api/search"
	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
	"github.com/tjfontaine/cinetech-relay/internal/state"
)

const runStreamBody = "event: thread.run.created\ndata: {\"id\":\"run_1\"}\n\n" +
	"event: thread.message.delta\ndata: {\"delta\":{\"content\":[{\"text\":{\"value\":\"Hi\"}}]}}\n\n" +
	"data: [DONE]\n\n"

type trackedBody struct {
	io.Reader
	mu     sync.Mutex
	closed bool
}

func (b *trackedBody) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *trackedBody) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// fakeBackend scripts the assistant API. GetRun walks runScript per run ID
// and repeats the last entry.
type fakeBackend struct {
	mu sync.Mutex

	threadSeq        int
	createMessageErr error
	streamRunErr     error
	messageRequests  []assistants.MessageRequest
	uploads          []string

	listRuns      func(call int) (*assistants.RunList, error)
	listRunsCalls int

	runScript   map[string][]assistants.Run
	runCalls    map[string]int
	getRunErr   error
	streamBody  *trackedBody
	submitted   [][]domain.ToolOutput
	submitErr   error
	cancelled   []string
	cancelErr   error
	messages    []assistants.Message
	messagePage int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		runScript:   make(map[string][]assistants.Run),
		runCalls:    make(map[string]int),
		messagePage: 100,
	}
}

func (f *fakeBackend) script(runID string, states ...assistants.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range states {
		states[i].ID = runID
	}
	f.runScript[runID] = states
}

func (f *fakeBackend) CreateThread(ctx context.Context) (*assistants.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threadSeq++
	return &assistants.Thread{ID: fmt.Sprintf("thread_%d", f.threadSeq)}, nil
}

func (f *fakeBackend) CreateMessage(ctx context.Context, threadID string, req *assistants.MessageRequest) (*assistants.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createMessageErr != nil {
		return nil, f.createMessageErr
	}
	f.messageRequests = append(f.messageRequests, *req)
	return &assistants.Message{ID: "msg_user", ThreadID: threadID, Role: "user"}, nil
}

// ListMessages pages f.messages, which are stored newest first.
func (f *fakeBackend) ListMessages(ctx context.Context, threadID string, opts *assistants.ListOptions) (*assistants.MessageList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	start := 0
	if opts != nil && opts.After != "" {
		for i, m := range f.messages {
			if m.ID == opts.After {
				start = i + 1
			}
		}
	}
	limit := f.messagePage
	if opts != nil && opts.Limit > 0 && opts.Limit < limit {
		limit = opts.Limit
	}
	end := min(start+limit, len(f.messages))
	page := append([]assistants.Message(nil), f.messages[start:end]...)

	list := &assistants.MessageList{Data: page, HasMore: end < len(f.messages)}
	if len(page) > 0 {
		list.FirstID = page[0].ID
		list.LastID = page[len(page)-1].ID
	}
	return list, nil
}

func (f *fakeBackend) StreamRun(ctx context.Context, threadID string, req *assistants.RunRequest) (*assistants.EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.streamRunErr != nil {
		return nil, f.streamRunErr
	}
	f.streamBody = &trackedBody{Reader: strings.NewReader(runStreamBody)}
	return assistants.NewEventStream(f.streamBody), nil
}

func (f *fakeBackend) ListRuns(ctx context.Context, threadID string, limit int) (*assistants.RunList, error) {
	f.mu.Lock()
	f.listRunsCalls++
	call := f.listRunsCalls
	fn := f.listRuns
	f.mu.Unlock()

	if fn == nil {
		return &assistants.RunList{}, nil
	}
	return fn(call)
}

func (f *fakeBackend) GetRun(ctx context.Context, threadID, runID string) (*assistants.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getRunErr != nil {
		return nil, f.getRunErr
	}
	states, ok := f.runScript[runID]
	if !ok || len(states) == 0 {
		return nil, domain.ErrNotFound("no such run")
	}
	i := min(f.runCalls[runID], len(states)-1)
	f.runCalls[runID]++
	run := states[i]
	run.ThreadID = threadID
	return &run, nil
}

func (f *fakeBackend) SubmitToolOutputsStream(ctx context.Context, threadID, runID string, outputs []domain.ToolOutput) (*assistants.EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, outputs)
	return assistants.NewEventStream(io.NopCloser(strings.NewReader("data: [DONE]\n\n"))), nil
}

func (f *fakeBackend) CancelRun(ctx context.Context, threadID, runID string) (*assistants.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	f.cancelled = append(f.cancelled, runID)
	return &assistants.Run{ID: runID, ThreadID: threadID, Status: domain.RunStatusCancelling}, nil
}

func (f *fakeBackend) UploadFile(ctx context.Context, filename string, r io.Reader, purpose string) (*assistants.File, error) {
	if _, err := io.ReadAll(r); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, filename)
	return &assistants.File{ID: "file_" + filename, Filename: filename, Purpose: purpose}, nil
}

func (f *fakeBackend) Submitted() [][]domain.ToolOutput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]domain.ToolOutput(nil), f.submitted...)
}

func requiresAction(calls ...assistants.RunToolCall) assistants.Run {
	return assistants.Run{
		Status: domain.RunStatusRequiresAction,
		RequiredAction: &assistants.RequiredAction{
			Type:              "submit_tool_outputs",
			SubmitToolOutputs: &assistants.SubmitToolOutputs{ToolCalls: calls},
		},
	}
}

func toolCall(id string, name domain.ToolName, args string) assistants.RunToolCall {
	return assistants.RunToolCall{
		ID:       id,
		Type:     "function",
		Function: assistants.FunctionCall{Name: string(name), Arguments: args},
	}
}

type fakeEngine struct {
	name string
	url  string
	err  error

	mu      sync.Mutex
	prompts []string
}

func (e *fakeEngine) Name() string { return e.name }

func (e *fakeEngine) Generate(ctx context.Context, prompt string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prompts = append(e.prompts, prompt)
	if e.err != nil {
		return "", e.err
	}
	return e.url, nil
}

func (e *fakeEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.prompts)
}

type fakeSearcher struct {
	err error

	mu    sync.Mutex
	calls int
}

func (s *fakeSearcher) Search(ctx context.Context, query string) (*search.Results, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &search.Results{Query: query, Results: []search.Result{{Title: "Lens guide", URL: "https://example.com/lens"}}}, nil
}

func (s *fakeSearcher) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type echoAnalyzer struct{}

func (echoAnalyzer) Analyze(ctx context.Context, request string, results *search.Results) (string, error) {
	return "analysis of " + request, nil
}

type fakeVision struct {
	err error

	mu    sync.Mutex
	files []state.StagedFile
}

func (v *fakeVision) Describe(ctx context.Context, file state.StagedFile, request string) (string, error) {
	v.mu.Lock()
	v.files = append(v.files, file)
	v.mu.Unlock()
	if v.err != nil {
		return "", v.err
	}
	return "a clapperboard on a table", nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*domain.RunEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event *domain.RunEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *event
	p.events = append(p.events, &cp)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Types() []domain.RunEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]domain.RunEventType, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

func (p *recordingPublisher) Last(t domain.RunEventType) *domain.RunEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Type == t {
			return p.events[i]
		}
	}
	return nil
}

var errUpstream = errors.New("upstream unavailable")
