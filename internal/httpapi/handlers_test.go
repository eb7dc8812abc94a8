package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arw-run/arw/internal/autonomy"
	"github.com/arw-run/arw/internal/bus"
	"github.com/arw-run/arw/internal/economy"
	"github.com/arw-run/arw/internal/egress"
	"github.com/arw-run/arw/internal/kernel"
	"github.com/arw-run/arw/internal/observer"
	"github.com/arw-run/arw/internal/orchestrator"
	"github.com/arw-run/arw/internal/ratelimit"
	"github.com/arw-run/arw/internal/snapshot"
	"github.com/arw-run/arw/internal/supervisor"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	b := bus.New(32)
	obs := observer.New(0, nil)
	q := orchestrator.New(time.Second, time.Minute)
	eg, err := egress.New(kernel.New(true), busPublisher{b})
	require.NoError(t, err)

	sup := supervisor.New(b, time.Hour, time.Second)
	sup.RegisterAdapter(fakeAdapter{id: "fake"})

	return &Server{
		Observer:     obs,
		Bus:          b,
		Queue:        q,
		Egress:       eg,
		Supervisor:   sup,
		Autonomy:     autonomy.New(time.Hour, time.Second, 6*time.Hour, busPublisher{b}),
		Economy:      economy.New(busPublisher{b}),
		ProjectsRoot: t.TempDir(),
		RateLimiter:  ratelimit.New(ratelimit.Config{Max: 1000, Window: time.Minute}),
	}
}

type fakeAdapter struct{ id string }

func (f fakeAdapter) ID() string { return f.id }
func (f fakeAdapter) Launch(ctx context.Context, d supervisor.Descriptor) error { return nil }
func (f fakeAdapter) Shutdown(ctx context.Context, d supervisor.Descriptor) error { return nil }
func (f fakeAdapter) Ping(ctx context.Context, d supervisor.Descriptor) (supervisor.HealthReport, error) {
	return supervisor.HealthReport{State: supervisor.StateReady}, nil
}

type busPublisher struct{ b *bus.Bus }

func (p busPublisher) Publish(env bus.Envelope) { p.b.Publish(env) }

func TestHandleReadModelServesSnapshotAndETag(t *testing.T) {
	s := newTestServer(t)
	s.Observer.Update("runtimes", json.RawMessage(`{"items":[]}`))

	r := httptest.NewRequest(http.MethodGet, "/state/runtimes", nil)
	w := httptest.NewRecorder()
	NewRouter(s).ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)

	var body readModelBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Equal(t, uint64(1), body.Version)
}

func TestHandleReadModelReturns304OnMatchingETag(t *testing.T) {
	s := newTestServer(t)
	s.Observer.Update("runtimes", json.RawMessage(`{"items":[]}`))
	model, _ := s.Observer.Get("runtimes")

	r := httptest.NewRequest(http.MethodGet, "/state/runtimes", nil)
	r.Header.Set("If-None-Match", model.ETag("runtimes"))
	w := httptest.NewRecorder()
	NewRouter(s).ServeHTTP(w, r)

	require.Equal(t, http.StatusNotModified, w.Code)
}

func TestHandleReadModelUnknownModelIsNotFound(t *testing.T) {
	s := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/state/nope", nil)
	w := httptest.NewRecorder()
	NewRouter(s).ServeHTTP(w, r)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleSubmitActionAndStatus(t *testing.T) {
	s := newTestServer(t)

	body := `{"kind":"coverage.scan","priority":1,"data":{"path":"/tmp"}}`
	r := httptest.NewRequest(http.MethodPost, "/actions/", strings.NewReader(body))
	w := httptest.NewRecorder()
	NewRouter(s).ServeHTTP(w, r)
	require.Equal(t, http.StatusAccepted, w.Code)

	var submitted orchestrator.Job
	require.NoError(t, json.NewDecoder(w.Body).Decode(&submitted))
	require.NotEmpty(t, submitted.ID)

	r2 := httptest.NewRequest(http.MethodGet, "/actions/"+submitted.ID, nil)
	w2 := httptest.NewRecorder()
	NewRouter(s).ServeHTTP(w2, r2)
	require.Equal(t, http.StatusOK, w2.Code)
}

func TestHandleSubmitActionRejectsMissingKind(t *testing.T) {
	s := newTestServer(t)
	r := httptest.NewRequest(http.MethodPost, "/actions/", strings.NewReader(`{"priority":1}`))
	w := httptest.NewRecorder()
	NewRouter(s).ServeHTTP(w, r)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleEgressPatchAppliesPosture(t *testing.T) {
	s := newTestServer(t)
	r := httptest.NewRequest(http.MethodPost, "/egress/settings", strings.NewReader(`{"posture":"strict"}`))
	w := httptest.NewRecorder()
	NewRouter(s).ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var out egress.Settings
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	require.Equal(t, egress.PostureStrict, out.Posture)
	require.True(t, out.ProxyEnable)
}

func TestHandleReadModelObservationsAppliesKindPrefixFilter(t *testing.T) {
	s := newTestServer(t)
	s.Observer.Update("observations", json.RawMessage(`{"items":[
		{"id":"1","kind":"runtime.launched","time":"2026-01-01T00:00:00Z","payload":{}},
		{"id":"2","kind":"egress.settings.updated","time":"2026-01-01T00:01:00Z","payload":{}}
	]}`))

	r := httptest.NewRequest(http.MethodGet, "/state/observations?kind_prefix=runtime.", nil)
	w := httptest.NewRecorder()
	NewRouter(s).ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Version uint64 `json:"version"`
		Payload struct {
			Items []observer.Observation `json:"items"`
		} `json:"payload"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Len(t, body.Payload.Items, 1)
	require.Equal(t, "runtime.launched", body.Payload.Items[0].Kind)
}

func TestHandleReadModelObservationsRejectsMalformedSince(t *testing.T) {
	s := newTestServer(t)
	s.Observer.Update("observations", json.RawMessage(`{"items":[]}`))

	r := httptest.NewRequest(http.MethodGet, "/state/observations?since=not-a-time", nil)
	w := httptest.NewRecorder()
	NewRouter(s).ServeHTTP(w, r)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminRateLimitRefusesAfterBudgetExhausted(t *testing.T) {
	s := newTestServer(t)
	s.RateLimiter = ratelimit.New(ratelimit.Config{Max: 1, Window: time.Minute})
	s.Observer.Update("runtimes", json.RawMessage(`{}`))

	router := NewRouter(s)

	r1 := httptest.NewRequest(http.MethodGet, "/state/runtimes", nil)
	w1 := httptest.NewRecorder()
	router.ServeHTTP(w1, r1)
	require.Equal(t, http.StatusOK, w1.Code)

	r2 := httptest.NewRequest(http.MethodGet, "/state/runtimes", nil)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, r2)
	require.Equal(t, http.StatusTooManyRequests, w2.Code)
}

func TestHandleRuntimeInstallListStatusAndRemove(t *testing.T) {
	s := newTestServer(t)
	router := NewRouter(s)

	body := `{"id":"rt-1","adapter_id":"fake","name":"test runtime"}`
	wInstall := httptest.NewRecorder()
	router.ServeHTTP(wInstall, httptest.NewRequest(http.MethodPost, "/runtimes/", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, wInstall.Code)

	wList := httptest.NewRecorder()
	router.ServeHTTP(wList, httptest.NewRequest(http.MethodGet, "/runtimes/", nil))
	require.Equal(t, http.StatusOK, wList.Code)
	var listed struct {
		Items []supervisor.RuntimeStatus `json:"items"`
	}
	require.NoError(t, json.NewDecoder(wList.Body).Decode(&listed))
	require.Len(t, listed.Items, 1)

	wStatus := httptest.NewRecorder()
	router.ServeHTTP(wStatus, httptest.NewRequest(http.MethodGet, "/runtimes/rt-1", nil))
	require.Equal(t, http.StatusOK, wStatus.Code)

	wRemove := httptest.NewRecorder()
	router.ServeHTTP(wRemove, httptest.NewRequest(http.MethodDelete, "/runtimes/rt-1", nil))
	require.Equal(t, http.StatusNoContent, wRemove.Code)

	wGone := httptest.NewRecorder()
	router.ServeHTTP(wGone, httptest.NewRequest(http.MethodGet, "/runtimes/rt-1", nil))
	require.Equal(t, http.StatusNotFound, wGone.Code)
}

func TestHandleRuntimeInstallRejectsMissingAdapterID(t *testing.T) {
	s := newTestServer(t)
	router := NewRouter(s)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/runtimes/", strings.NewReader(`{"id":"rt-1"}`)))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleAutonomyPauseAndResume(t *testing.T) {
	s := newTestServer(t)
	router := NewRouter(s)

	wPause := httptest.NewRecorder()
	router.ServeHTTP(wPause, httptest.NewRequest(http.MethodPost, "/autonomy/lanes/lane-1/pause", nil))
	require.Equal(t, http.StatusNoContent, wPause.Code)

	wResume := httptest.NewRecorder()
	router.ServeHTTP(wResume, httptest.NewRequest(http.MethodPost, "/autonomy/lanes/lane-1/resume", strings.NewReader(`{"mode":"autonomous"}`)))
	require.Equal(t, http.StatusNoContent, wResume.Code)
	require.Equal(t, autonomy.ModeAutonomous, s.Autonomy.Mode("lane-1"))
}

func TestHandleEconomyPushEntryAndSnapshot(t *testing.T) {
	s := newTestServer(t)
	router := NewRouter(s)

	wPush := httptest.NewRecorder()
	router.ServeHTTP(wPush, httptest.NewRequest(http.MethodPost, "/economy/ledger/entries", strings.NewReader(`{"entry":{"id":"e-1","gross_amount":10}}`)))
	require.Equal(t, http.StatusOK, wPush.Code)

	wGet := httptest.NewRecorder()
	router.ServeHTTP(wGet, httptest.NewRequest(http.MethodGet, "/economy/ledger/", nil))
	require.Equal(t, http.StatusOK, wGet.Code)

	var snap economy.Snapshot
	require.NoError(t, json.NewDecoder(wGet.Body).Decode(&snap))
	require.EqualValues(t, 1, snap.Version)
	require.Len(t, snap.Entries, 1)
	require.Equal(t, "e-1", snap.Entries[0].ID)
}

func TestHandleEconomyPushEntryRejectsMissingID(t *testing.T) {
	s := newTestServer(t)
	router := NewRouter(s)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/economy/ledger/entries", strings.NewReader(`{"entry":{}}`)))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleProjectSnapshotCreateAndList(t *testing.T) {
	s := newTestServer(t)
	projectDir := s.ProjectsRoot + "/demo"
	require.NoError(t, os.MkdirAll(projectDir, 0o755))
	require.NoError(t, os.WriteFile(projectDir+"/a.txt", []byte("hello"), 0o644))
	router := NewRouter(s)

	wCreate := httptest.NewRecorder()
	router.ServeHTTP(wCreate, httptest.NewRequest(http.MethodPost, "/projects/demo/snapshots/", nil))
	require.Equal(t, http.StatusCreated, wCreate.Code)

	var meta snapshot.Metadata
	require.NoError(t, json.NewDecoder(wCreate.Body).Decode(&meta))
	require.Equal(t, "demo", meta.Project)
	require.EqualValues(t, 1, meta.Files)
	require.NotEmpty(t, meta.Digest)

	wList := httptest.NewRecorder()
	router.ServeHTTP(wList, httptest.NewRequest(http.MethodGet, "/projects/demo/snapshots/", nil))
	require.Equal(t, http.StatusOK, wList.Code)

	var listed struct {
		Items []snapshot.Metadata `json:"items"`
	}
	require.NoError(t, json.NewDecoder(wList.Body).Decode(&listed))
	require.Len(t, listed.Items, 1)
	require.Equal(t, meta.Digest, listed.Items[0].Digest)
}

func TestHandleProjectSnapshotRejectsPathEscape(t *testing.T) {
	s := newTestServer(t)
	router := NewRouter(s)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/projects/..%2F..%2Fetc/snapshots/", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
}
