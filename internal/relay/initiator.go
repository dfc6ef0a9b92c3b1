package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/tjfontaine/cinetech-relay/internal/api/assistants"
	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
	"github.com/tjfontaine/cinetech-relay/internal/core/ports"
	"github.com/tjfontaine/cinetech-relay/internal/retry"
	"github.com/tjfontaine/cinetech-relay/internal/state"
	"github.com/tjfontaine/cinetech-relay/internal/telemetry"
)

// DefaultRecognitionHint is appended to turns that carry an image but do not
// mention one.
const DefaultRecognitionHint = " Please recognize the attached image."

var recognitionKeywords = []string{"image", "recognize", "identify", "analyze", "picture", "photo"}

// stagedTypes are held locally for the recognition tool instead of being
// uploaded to the backend.
var stagedTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"video/mp4":       true,
	"video/quicktime": true,
	"video/webm":      true,
}

var errRunNotVisible = errors.New("run not yet visible")

// Upload is a file attached to a turn.
type Upload struct {
	Name        string
	ContentType string
	Reader      io.Reader
}

// SubmitRequest is one user turn.
type SubmitRequest struct {
	TenantID    string
	Text        string
	AssistantID string
	ThreadID    string
	File        *Upload
	Metadata    map[string]string
}

// Submission is a started run. The caller owns Stream and must close it.
type Submission struct {
	ThreadID string
	RunID    string
	Stream   *assistants.EventStream
}

// InitiatorConfig holds the submission defaults.
type InitiatorConfig struct {
	AssistantID     string
	RecognitionHint string
	Discovery       retry.Policy
}

// Initiator submits user turns and starts the resulting runs.
type Initiator struct {
	backend     Backend
	runs        *state.Runs
	staging     *state.Staging
	reconcilers *Reconciler
	events      ports.EventPublisher
	cfg         InitiatorConfig
	logger      *slog.Logger
}

func NewInitiator(backend Backend, runs *state.Runs, staging *state.Staging, reconcilers *Reconciler,
	events ports.EventPublisher, cfg InitiatorConfig, logger *slog.Logger) *Initiator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RecognitionHint == "" {
		cfg.RecognitionHint = DefaultRecognitionHint
	}
	cfg.Discovery = cfg.Discovery.WithLogger(logger)
	return &Initiator{
		backend:     backend,
		runs:        runs,
		staging:     staging,
		reconcilers: reconcilers,
		events:      events,
		cfg:         cfg,
		logger:      logger,
	}
}

// Submit posts the turn, starts a streamed run and waits until the run's
// identifier is visible. On discovery failure the stream is closed and
// domain.ErrRunDiscovery is returned.
func (i *Initiator) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	ctx, span := telemetry.StartSpan(ctx, "relay.submit",
		telemetry.String("tenant_id", req.TenantID),
		telemetry.String("thread_id", req.ThreadID))
	defer span.End()

	sub, err := i.submit(ctx, req)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(telemetry.String("run_id", sub.RunID))
	return sub, nil
}

func (i *Initiator) submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	if strings.TrimSpace(req.Text) == "" && req.File == nil {
		return nil, domain.ErrInvalidRequest("text or file is required").WithParam("text")
	}
	assistantID := req.AssistantID
	if assistantID == "" {
		assistantID = i.cfg.AssistantID
	}
	if assistantID == "" {
		return nil, domain.ErrInvalidRequest("assistant_id is required").WithParam("assistant_id")
	}

	var (
		staged      *state.StagedFile
		attachments []assistants.Attachment
	)
	if req.File != nil {
		var err error
		staged, attachments, err = i.materialize(ctx, req.File)
		if err != nil {
			return nil, err
		}
	}

	threadID := req.ThreadID
	if threadID == "" {
		thread, err := i.backend.CreateThread(ctx)
		if err != nil {
			if staged != nil {
				i.staging.Remove(*staged)
			}
			return nil, fmt.Errorf("create thread: %w", err)
		}
		threadID = thread.ID
	}

	logger := i.logger.With(
		slog.String("thread_id", threadID),
		slog.String("tenant_id", req.TenantID))

	var previous string
	if snap, ok := i.runs.ByThread(threadID); ok {
		previous = snap.RunID
	}

	text := req.Text
	if staged != nil {
		i.staging.Put(threadID, *staged)
		text = withRecognitionHint(text, i.cfg.RecognitionHint)
	}

	if _, err := i.backend.CreateMessage(ctx, threadID, &assistants.MessageRequest{
		Role:        "user",
		Content:     text,
		Attachments: attachments,
		Metadata:    req.Metadata,
	}); err != nil {
		i.fail(threadID, req.TenantID, staged)
		return nil, fmt.Errorf("create message: %w", err)
	}

	stream, err := i.backend.StreamRun(ctx, threadID, &assistants.RunRequest{
		AssistantID: assistantID,
		Metadata:    req.Metadata,
		Stream:      true,
	})
	if err != nil {
		i.fail(threadID, req.TenantID, staged)
		return nil, fmt.Errorf("start run: %w", err)
	}

	run, err := i.discover(ctx, threadID, previous)
	if err != nil {
		stream.Close()
		logger.Error("run discovery failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", domain.ErrRunDiscovery, err)
	}

	status := run.Status
	if status == "" {
		status = domain.RunStatusQueued
	}
	i.runs.Upsert(domain.RunSnapshot{
		ThreadID: threadID,
		RunID:    run.ID,
		TenantID: req.TenantID,
		Status:   status,
	})
	logger.Info("run discovered", slog.String("run_id", run.ID))

	if i.events != nil {
		if err := i.events.Publish(ctx, &domain.RunEvent{
			Type:     domain.RunEventDiscovered,
			ThreadID: threadID,
			RunID:    run.ID,
			TenantID: req.TenantID,
			Status:   status,
		}); err != nil {
			logger.Warn("failed to publish run event", slog.String("error", err.Error()))
		}
	}
	if i.reconcilers != nil {
		i.reconcilers.Start(threadID, run.ID, req.TenantID)
	}

	return &Submission{ThreadID: threadID, RunID: run.ID, Stream: stream}, nil
}

// discover polls for the run created by the last turn, skipping previous.
func (i *Initiator) discover(ctx context.Context, threadID, previous string) (*assistants.Run, error) {
	ctx, span := telemetry.StartSpan(ctx, "relay.discover_run", telemetry.String("thread_id", threadID))
	defer span.End()

	run, err := retry.DoValue(ctx, i.cfg.Discovery, "run discovery", func(ctx context.Context) (*assistants.Run, error) {
		list, err := i.backend.ListRuns(ctx, threadID, 1)
		if err != nil {
			return nil, err
		}
		if len(list.Data) == 0 || list.Data[0].ID == previous {
			return nil, errRunNotVisible
		}
		return &list.Data[0], nil
	})
	telemetry.RecordError(span, err)
	return run, err
}

// fail records a submission that never produced a run and releases the file
// it staged. Snapshots of earlier runs on the thread are left untouched.
func (i *Initiator) fail(threadID, tenantID string, staged *state.StagedFile) {
	if staged != nil {
		if f, ok := i.staging.Take(threadID); ok {
			i.staging.Remove(f)
		}
	}
	i.runs.Upsert(domain.RunSnapshot{
		ThreadID: threadID,
		TenantID: tenantID,
		Status:   domain.RunStatusFailed,
	})
}

// materialize writes the upload to the staging directory. Image and video
// files are returned for staging; anything else is uploaded to the backend
// as a searchable attachment and removed locally.
func (i *Initiator) materialize(ctx context.Context, up *Upload) (*state.StagedFile, []assistants.Attachment, error) {
	contentType := mediaType(up.ContentType, up.Name)

	f, err := i.staging.Create(up.Name)
	if err != nil {
		return nil, nil, err
	}
	path := f.Name()
	if _, err := io.Copy(f, up.Reader); err != nil {
		f.Close()
		os.Remove(path)
		return nil, nil, fmt.Errorf("write upload: %w", err)
	}

	if stagedTypes[contentType] {
		if err := f.Close(); err != nil {
			os.Remove(path)
			return nil, nil, fmt.Errorf("write upload: %w", err)
		}
		return &state.StagedFile{Path: path, Name: up.Name, ContentType: contentType}, nil, nil
	}

	defer func() {
		f.Close()
		os.Remove(path)
	}()
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, nil, fmt.Errorf("rewind upload: %w", err)
	}
	name := up.Name
	if name == "" {
		name = filepath.Base(path)
	}
	file, err := i.backend.UploadFile(ctx, name, f, "assistants")
	if err != nil {
		return nil, nil, fmt.Errorf("upload file: %w", err)
	}
	return nil, []assistants.Attachment{{
		FileID: file.ID,
		Tools:  []assistants.AttachmentTool{{Type: "file_search"}},
	}}, nil
}

func mediaType(declared, name string) string {
	if declared == "" || declared == "application/octet-stream" {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
			declared = byExt
		}
	}
	if mt, _, err := mime.ParseMediaType(declared); err == nil {
		return strings.ToLower(mt)
	}
	return strings.ToLower(declared)
}

func withRecognitionHint(text, hint string) string {
	lower := strings.ToLower(text)
	for _, kw := range recognitionKeywords {
		if strings.Contains(lower, kw) {
			return text
		}
	}
	return text + hint
}
