package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arw-run/arw/internal/apierr"
	"github.com/arw-run/arw/internal/autonomy"
	"github.com/arw-run/arw/internal/bus"
	"github.com/arw-run/arw/internal/economy"
	"github.com/arw-run/arw/internal/egress"
	"github.com/arw-run/arw/internal/observer"
	"github.com/arw-run/arw/internal/orchestrator"
	"github.com/arw-run/arw/internal/snapshot"
	"github.com/arw-run/arw/internal/supervisor"
)

// handleReadModel serves GET /state/{model}: {version, payload}, with the
// model's snapshot nested under "payload" (its fields are not merged into
// the top-level object), and a weak ETag, replying 304 when If-None-Match
// already matches the current
// version. The "observations" model additionally accepts server-side
// limit/kind_prefix/since filters; the ETag still reflects the full
// (unfiltered) model version, since filtering is a view over it, not a
// distinct version.
func (s *Server) handleReadModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "model")
	model, ok := s.Observer.Get(name)
	if !ok {
		apierr.WriteHTTP(w, apierr.Newf(apierr.KindNotFound, "no read-model named %q", name))
		return
	}

	etag := model.ETag(name)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("ETag", etag)

	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	payload := model.Snapshot
	if name == "observations" {
		filtered, err := filteredObservationsPayload(model.Snapshot, r)
		if err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		payload = filtered
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(readModelBody{
		Version: model.Version,
		Payload: payload,
	})
}

func filteredObservationsPayload(snapshot json.RawMessage, r *http.Request) (json.RawMessage, error) {
	q := r.URL.Query()

	var since time.Time
	if raw := q.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, apierr.Newf(apierr.KindInvalidArgument, "since must be RFC3339: %v", err)
		}
		since = parsed
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, apierr.New(apierr.KindInvalidArgument, "limit must be a non-negative integer")
		}
		limit = n
	}

	items, err := observer.FilterObservations(snapshot, q.Get("kind_prefix"), since, limit)
	if err != nil {
		return nil, apierr.Newf(apierr.KindInvalidArgument, "malformed observations snapshot: %v", err)
	}
	return json.Marshal(struct {
		Items []observer.Observation `json:"items"`
	}{Items: items})
}

type readModelBody struct {
	Version uint64          `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// submitActionRequest is the wire shape of POST /actions.
type submitActionRequest struct {
	Kind              string          `json:"kind"`
	Priority          int             `json:"priority"`
	Data              json.RawMessage `json:"data"`
	IdemKey           string          `json:"idempotency_key"`
	VisibilityTimeout *int            `json:"visibility_timeout_ms,omitempty"`
}

func (s *Server) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	var req submitActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindInvalidArgument, "malformed request body"))
		return
	}
	if req.Kind == "" {
		apierr.WriteHTTP(w, apierr.New(apierr.KindInvalidArgument, "kind is required"))
		return
	}

	job := orchestrator.Job{
		Kind:     req.Kind,
		Priority: req.Priority,
		Data:     req.Data,
		IdemKey:  req.IdemKey,
	}
	if req.VisibilityTimeout != nil {
		d := time.Duration(*req.VisibilityTimeout) * time.Millisecond
		job.VisibilityTimeout = &d
	}

	out, err := s.Queue.Submit(r.Context(), job)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleActionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.Queue.Get(r.Context(), id)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(job)
}

// handleEgressPatch serves POST /egress/settings: a partial update to the
// effective egress posture, validated and persisted by egress.Engine.Apply.
func (s *Server) handleEgressPatch(w http.ResponseWriter, r *http.Request) {
	var patch egress.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindInvalidArgument, "malformed request body"))
		return
	}

	out, err := s.Egress.Apply(r.Context(), patch)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// installRuntimeRequest is the wire shape of POST /runtimes.
type installRuntimeRequest struct {
	ID          string            `json:"id"`
	AdapterID   string            `json:"adapter_id"`
	Name        string            `json:"name"`
	Profile     string            `json:"profile"`
	Accelerator string            `json:"accelerator"`
	Modalities  []string          `json:"modalities"`
	Tags        map[string]string `json:"tags"`
	AutoStart   bool              `json:"auto_start"`
	Source      string            `json:"source"`
	RestartMax  int               `json:"restart_max"`
}

func (s *Server) handleRuntimeInstall(w http.ResponseWriter, r *http.Request) {
	var req installRuntimeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindInvalidArgument, "malformed request body"))
		return
	}
	if req.ID == "" || req.AdapterID == "" {
		apierr.WriteHTTP(w, apierr.New(apierr.KindInvalidArgument, "id and adapter_id are required"))
		return
	}

	def := supervisor.ManagedRuntimeDefinition{
		Descriptor: supervisor.Descriptor{
			ID:          req.ID,
			Adapter:     req.AdapterID,
			Name:        req.Name,
			Profile:     req.Profile,
			Modalities:  req.Modalities,
			Accelerator: req.Accelerator,
			Tags:        req.Tags,
		},
		AdapterID: req.AdapterID,
		AutoStart: req.AutoStart,
		Profile:   req.Profile,
		Source:    req.Source,
	}
	if req.RestartMax > 0 {
		def.Budget = supervisor.RestartBudget{Max: req.RestartMax, Remaining: req.RestartMax}
	}

	status, err := s.Supervisor.Install(r.Context(), def)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) handleRuntimeList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Items []supervisor.RuntimeStatus `json:"items"`
	}{Items: s.Supervisor.List()})
}

func (s *Server) handleRuntimeStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, ok := s.Supervisor.Status(id)
	if !ok {
		apierr.WriteHTTP(w, apierr.New(apierr.KindNotFound, "runtime not registered"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) handleRuntimeRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Supervisor.Remove(r.Context(), id); err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRuntimeRestart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.Supervisor.Launch(r.Context(), id)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) handleAutonomyPause(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Autonomy.Pause(r.Context(), id); err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resumeAutonomyRequest struct {
	Mode autonomy.Mode `json:"mode"`
}

func (s *Server) handleAutonomyResume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req resumeAutonomyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindInvalidArgument, "malformed request body"))
		return
	}
	if req.Mode == "" {
		req.Mode = autonomy.ModeGuided
	}
	if err := s.Autonomy.Resume(r.Context(), id, req.Mode); err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents serves GET /events: an SSE stream of bus envelopes. A
// Last-Event-ID header replays everything still in the bus's ring before
// switching to live delivery; a miss (the ID has aged out) falls back to
// live-only and tells the client via a "resync" comment so it can re-fetch
// affected read-models.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		apierr.WriteHTTP(w, apierr.New(apierr.KindInternal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.Bus.Subscribe()
	defer sub.Unsubscribe()

	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		backlog, ok := s.Bus.ReplaySince(lastID)
		if !ok {
			writeSSEComment(w, "resync: last event id not in replay window")
		}
		for _, env := range backlog {
			writeSSEEnvelope(w, env)
		}
		flusher.Flush()
	}

	ctx := r.Context()
	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	deliveries := make(chan bus.Delivery)
	go func() {
		for {
			d := sub.Next()
			select {
			case deliveries <- d:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			writeSSEComment(w, "keepalive")
			flusher.Flush()
		case d := <-deliveries:
			if d.Lost != nil {
				writeSSEComment(w, "lost "+strconv.Itoa(d.Lost.Count))
			}
			if d.Envelope != nil {
				writeSSEEnvelope(w, d.Envelope)
			}
			flusher.Flush()
		}
	}
}

func writeSSEComment(w http.ResponseWriter, comment string) {
	_, _ = w.Write([]byte(": " + comment + "\n\n"))
}

func writeSSEEnvelope(w http.ResponseWriter, env *bus.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("id: " + env.ID + "\n"))
	_, _ = w.Write([]byte("event: " + env.Kind + "\n"))
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}

func (s *Server) handleEconomySnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Economy.Snapshot())
}

// pushEconomyEntryRequest is the wire shape of POST /economy/ledger/entries:
// a single entry appended to the ledger, which alone bumps its version.
type pushEconomyEntryRequest struct {
	Entry economy.LedgerEntry `json:"entry"`
}

func (s *Server) handleEconomyPushEntry(w http.ResponseWriter, r *http.Request) {
	var req pushEconomyEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindInvalidArgument, "malformed request body"))
		return
	}
	if req.Entry.ID == "" {
		apierr.WriteHTTP(w, apierr.New(apierr.KindInvalidArgument, "entry.id is required"))
		return
	}

	snap := s.Economy.PushEntry(req.Entry)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleProjectSnapshotList(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	root, err := s.projectRoot(project)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			apierr.WriteHTTP(w, apierr.New(apierr.KindInvalidArgument, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	items, err := snapshot.List(root, project, limit)
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindInternal, "list snapshots").WithCause(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Items []snapshot.Metadata `json:"items"`
	}{Items: items})
}

func (s *Server) handleProjectSnapshotCreate(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	root, err := s.projectRoot(project)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}

	meta, err := snapshot.Create(root, project)
	if err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.KindInternal, "create snapshot").WithCause(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(meta)
}

// projectRoot resolves a project name to the directory its snapshots are
// captured from, rooted under s.ProjectsRoot. A project name containing
// path separators or ".." is rejected rather than resolved, since it would
// otherwise let a caller walk snapshot operations outside ProjectsRoot.
// The name is percent-decoded first, so an escaped separator ("%2F") is
// rejected like a literal one.
func (s *Server) projectRoot(project string) (string, error) {
	if decoded, err := url.PathUnescape(project); err == nil {
		project = decoded
	}
	if project == "" || project != filepath.Base(project) || project == "." || project == ".." {
		return "", apierr.New(apierr.KindInvalidArgument, "invalid project name")
	}
	return filepath.Join(s.ProjectsRoot, project), nil
}
