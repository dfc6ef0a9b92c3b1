// Package assistant is the browser-facing frontdoor of the relay: turn
// submission with a streamed NDJSON response, the status side channel,
// cancellation and a websocket feed of run events.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
	"github.com/tjfontaine/cinetech-relay/internal/core/ports"
	"github.com/tjfontaine/cinetech-relay/internal/events"
	"github.com/tjfontaine/cinetech-relay/internal/frontdoor"
	"github.com/tjfontaine/cinetech-relay/internal/relay"
	"github.com/tjfontaine/cinetech-relay/internal/server"
)

const (
	defaultMaxUploadBytes = 25 << 20
	multipartMemory       = 8 << 20
	wsWriteTimeout        = 10 * time.Second
)

// Submitter starts runs.
type Submitter interface {
	Submit(ctx context.Context, req relay.SubmitRequest) (*relay.Submission, error)
}

// StatusReader serves the status side channel.
type StatusReader interface {
	Thread(ctx context.Context, threadID, runID string) (*relay.ThreadStatus, error)
	EngineInfo(imageURL string) *string
	Cancel(ctx context.Context, threadID, runID string) relay.CancelResult
	Owner(threadID, runID string) (tenantID string, ok bool)
}

// Config controls the frontdoor's limits and static media.
type Config struct {
	MaxUploadBytes int64
	// MediaDir is served under /media/ when set.
	MediaDir string
	// OriginPatterns are accepted websocket origins; empty means same origin.
	OriginPatterns []string
}

// Handler serves the /api/assistant routes.
type Handler struct {
	submitter Submitter
	status    StatusReader
	events    ports.EventSubscriber
	cfg       Config
	logger    *slog.Logger
}

// NewHandler creates the frontdoor. events may be nil, in which case the
// websocket route is not registered.
func NewHandler(submitter Submitter, status StatusReader, events ports.EventSubscriber, cfg Config, logger *slog.Logger) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		submitter: submitter,
		status:    status,
		events:    events,
		cfg:       cfg,
		logger:    logger,
	}
}

// Registrations returns the routes this frontdoor serves.
func (h *Handler) Registrations() []frontdoor.HandlerRegistration {
	regs := []frontdoor.HandlerRegistration{
		{Path: "/healthz", Method: http.MethodGet, Handler: h.HandleHealth, Public: true},
		{Path: "/api/assistant/messages", Method: http.MethodPost, Handler: h.HandleSubmit, Streaming: true, Limited: true},
		{Path: "/api/assistant/messages", Method: http.MethodGet, Handler: h.HandleStatus},
		{Path: "/api/assistant/cancel", Method: http.MethodPost, Handler: h.HandleCancel},
	}
	if h.events != nil {
		regs = append(regs, frontdoor.HandlerRegistration{
			Path: "/api/assistant/runs/ws", Method: http.MethodGet, Handler: h.HandleRunEvents, Streaming: true,
		})
	}
	if h.cfg.MediaDir != "" {
		media := http.StripPrefix("/media/", http.FileServer(http.Dir(h.cfg.MediaDir)))
		regs = append(regs, frontdoor.HandlerRegistration{
			Path: "/media/*", Method: http.MethodGet, Handler: media.ServeHTTP, Public: true,
		})
	}
	return regs
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleSubmit accepts a turn and relays the run's event stream as NDJSON.
// Nothing is written until the run has been discovered.
func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)

	req, cleanup, err := parseSubmit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer cleanup()

	sub, err := h.submitter.Submit(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer sub.Stream.Close()

	server.AddLogField(r.Context(), "thread_id", sub.ThreadID)
	server.AddLogField(r.Context(), "run_id", sub.RunID)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Thread-ID", sub.ThreadID)
	w.Header().Set("X-Run-ID", sub.RunID)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	write := func(env domain.Envelope) bool {
		if err := enc.Encode(env); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	stream := sub.Stream.Events()
	for done := false; !done; {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-stream:
			switch {
			case !ok:
				done = true
			case res.Err != nil:
				h.logger.Warn("run stream ended with error",
					slog.String("run_id", sub.RunID),
					slog.String("error", res.Err.Error()))
				done = true
			case !write(domain.Envelope{Event: res.Event.Event, Data: res.Event.Data}):
				return
			}
		}
	}

	data, _ := json.Marshal(domain.ProcessingCompleted{ThreadID: sub.ThreadID, RunID: sub.RunID})
	write(domain.Envelope{Event: domain.EventProcessingCompleted, Data: data})
}

func parseSubmit(r *http.Request) (relay.SubmitRequest, func(), error) {
	noop := func() {}
	var req relay.SubmitRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var err error
	if mediaType == "multipart/form-data" {
		err = r.ParseMultipartForm(multipartMemory)
	} else {
		err = r.ParseForm()
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			return req, noop, domain.ErrInvalidRequest("upload exceeds size limit").
				WithParam("file").WithStatusCode(http.StatusRequestEntityTooLarge)
		}
		return req, noop, domain.ErrInvalidRequest("malformed form body: " + err.Error())
	}

	req.TenantID = server.TenantID(r.Context())
	req.Text = r.FormValue("text")
	req.AssistantID = r.FormValue("assistant_id")
	req.ThreadID = strings.TrimSpace(r.FormValue("thread_id"))

	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Metadata); err != nil {
			return req, noop, domain.ErrInvalidRequest("metadata must be a JSON object of strings").WithParam("metadata")
		}
	}

	if r.MultipartForm == nil {
		return req, noop, nil
	}
	cleanup := func() { _ = r.MultipartForm.RemoveAll() }

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		return req, cleanup, nil
	}
	fh := headers[0]
	f, err := fh.Open()
	if err != nil {
		cleanup()
		return req, noop, domain.ErrInvalidRequest("unreadable file part").WithParam("file")
	}
	req.File = &relay.Upload{
		Name:        fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Reader:      f,
	}
	return req, func() {
		f.Close()
		cleanup()
	}, nil
}

// HandleStatus reports a thread's messages and run state, or with
// engine_info=1 the engine that produced image_url.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("engine_info") != "" {
		imageURL := q.Get("image_url")
		if imageURL == "" {
			h.writeError(w, r, domain.ErrInvalidRequest("image_url is required").WithParam("image_url"))
			return
		}
		server.WriteJSON(w, http.StatusOK, map[string]*string{"engine": h.status.EngineInfo(imageURL)})
		return
	}

	threadID := q.Get("thread_id")
	if threadID == "" {
		h.writeError(w, r, domain.ErrInvalidRequest("thread_id is required").WithParam("thread_id"))
		return
	}

	if err := h.authorize(r.Context(), threadID, q.Get("run_id")); err != nil {
		h.writeError(w, r, err)
		return
	}

	ts, err := h.status.Thread(r.Context(), threadID, q.Get("run_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	server.WriteJSON(w, http.StatusOK, ts)
}

type cancelRequest struct {
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id"`
}

// HandleCancel asks the backend to cancel a run. Backend refusals are
// reported in the body with success=false.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, r, domain.ErrInvalidRequest("malformed JSON body"))
			return
		}
	} else {
		req.ThreadID = r.FormValue("thread_id")
		req.RunID = r.FormValue("run_id")
	}
	if req.ThreadID == "" || req.RunID == "" {
		h.writeError(w, r, domain.ErrInvalidRequest("thread_id and run_id are required"))
		return
	}

	if err := h.authorize(r.Context(), req.ThreadID, req.RunID); err != nil {
		h.writeError(w, r, err)
		return
	}

	res := h.status.Cancel(r.Context(), req.ThreadID, req.RunID)
	if !res.Success {
		server.AddLogField(r.Context(), "cancel_error", res.Error)
	}
	server.WriteJSON(w, http.StatusOK, res)
}

// authorize rejects callers reading or cancelling another tenant's run.
// Threads the relay has no snapshot for are passed through.
func (h *Handler) authorize(ctx context.Context, threadID, runID string) error {
	caller := server.TenantID(ctx)
	if caller == "" {
		return nil
	}
	owner, ok := h.status.Owner(threadID, runID)
	if !ok || owner == "" || owner == caller {
		return nil
	}
	return domain.ErrNotFound("thread not found")
}

// HandleRunEvents pushes the thread's run events over a websocket until a
// final event is sent or either side goes away.
func (h *Handler) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		h.writeError(w, r, domain.ErrInvalidRequest("thread_id is required").WithParam("thread_id"))
		return
	}
	if err := h.authorize(r.Context(), threadID, ""); err != nil {
		h.writeError(w, r, err)
		return
	}

	updates, unsubscribe := h.events.Subscribe(events.ForThread(threadID))
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	// Client frames are ignored; CloseRead cancels ctx when the peer leaves.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-updates:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "relay shutting down")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				h.logger.Debug("websocket write failed", slog.String("error", err.Error()))
				return
			}
			if ev.Final() {
				conn.Close(websocket.StatusNormalClosure, string(ev.Type))
				return
			}
		}
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)
	if apiErr, ok := domain.AsAPIError(err); !ok || apiErr.HTTPStatusCode() >= http.StatusInternalServerError {
		h.logger.Error("request failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	}
	server.WriteError(w, err)
}
