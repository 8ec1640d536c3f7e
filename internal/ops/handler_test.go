package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labbridge/labbridge/internal/domain/dispatch"
	"github.com/labbridge/labbridge/internal/domain/mapping"
	"github.com/labbridge/labbridge/internal/domain/orders"
	"github.com/labbridge/labbridge/internal/domain/results"
)

type fakeCycle struct {
	stats   dispatch.Stats
	lastRun time.Time
	runErr  error
	runs    int
}

func (f *fakeCycle) Run(context.Context) (dispatch.Stats, error) {
	f.runs++
	return f.stats, f.runErr
}
func (f *fakeCycle) LastStats() (dispatch.Stats, time.Time) { return f.stats, f.lastRun }

type fakeResolver struct {
	reloadErr error
	reloads   int
}

func (f *fakeResolver) Resolve(string, string) (mapping.Entry, bool) { return mapping.Entry{}, false }
func (f *fakeResolver) ClientCodes() []string                        { return nil }
func (f *fakeResolver) Reload() error {
	f.reloads++
	return f.reloadErr
}

type fakeResultsRepo struct {
	results.Repository
	pending []results.PendingAnalyte
	header  *results.RawResult
}

func (f *fakeResultsRepo) SelectPending(_ context.Context, limit int) ([]results.PendingAnalyte, error) {
	if limit < len(f.pending) {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeResultsRepo) GetResult(_ context.Context, id int64) (*results.RawResult, error) {
	if f.header != nil && f.header.ID == id {
		return f.header, nil
	}
	return nil, nil
}

func (f *fakeResultsRepo) ListAnalytes(context.Context, int64) ([]results.AnalyteResult, error) {
	return []results.AnalyteResult{{ID: 1, Code: "WBC"}}, nil
}

type fakeSyncer struct {
	fecha string
	stats orders.SyncStats
	err   error
}

func (f *fakeSyncer) Sync(_ context.Context, fecha string) (orders.SyncStats, error) {
	f.fecha = fecha
	return f.stats, f.err
}

type fakeInbox struct{ processed, failed int }

func (f *fakeInbox) RunOnce(context.Context) (int, int, error) { return f.processed, f.failed, nil }

type fakeListener struct {
	running bool
	addr    string
}

func (f *fakeListener) Running() bool { return f.running }
func (f *fakeListener) Addr() string  { return f.addr }

type handlerFixture struct {
	h        *Handler
	cycle    *fakeCycle
	resolver *fakeResolver
	repo     *fakeResultsRepo
	syncer   *fakeSyncer
}

func newFixture() *handlerFixture {
	f := &handlerFixture{
		cycle:    &fakeCycle{stats: dispatch.Stats{Picked: 3, Sent: 2, Errors: 1}, lastRun: time.Now()},
		resolver: &fakeResolver{},
		repo:     &fakeResultsRepo{},
		syncer:   &fakeSyncer{stats: orders.SyncStats{Patients: 1, Exams: 2}},
	}
	healthOK := func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	}
	f.h = NewHandler(healthOK, f.cycle, f.resolver, f.repo, f.syncer,
		&fakeInbox{processed: 4, failed: 1}, &fakeListener{running: true, addr: "127.0.0.1:5002"},
		zerolog.Nop())
	return f
}

func doRequest(t *testing.T, h *Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	h.RegisterRoutes(e)
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Status(t *testing.T) {
	f := newFixture()
	rec := doRequest(t, f.h, http.MethodGet, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out["listener_running"] != true || out["listener_addr"] != "127.0.0.1:5002" {
		t.Errorf("listener fields: %v", out)
	}
}

func TestHandler_DispatchRun(t *testing.T) {
	f := newFixture()
	rec := doRequest(t, f.h, http.MethodPost, "/api/dispatch/run")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if f.cycle.runs != 1 {
		t.Errorf("cycle runs: %d", f.cycle.runs)
	}
	var stats dispatch.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Picked != 3 || stats.Sent != 2 {
		t.Errorf("stats: %+v", stats)
	}
}

func TestHandler_DispatchRun_Error(t *testing.T) {
	f := newFixture()
	f.cycle.runErr = errors.New("db down")
	rec := doRequest(t, f.h, http.MethodPost, "/api/dispatch/run")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestHandler_MappingReload(t *testing.T) {
	f := newFixture()
	rec := doRequest(t, f.h, http.MethodPost, "/api/mapping/reload")
	if rec.Code != http.StatusOK || f.resolver.reloads != 1 {
		t.Fatalf("status %d reloads %d", rec.Code, f.resolver.reloads)
	}

	f.resolver.reloadErr = errors.New("bad json")
	rec = doRequest(t, f.h, http.MethodPost, "/api/mapping/reload")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestHandler_OrdersSync(t *testing.T) {
	f := newFixture()
	rec := doRequest(t, f.h, http.MethodPost, "/api/orders/sync?fecha=2024-05-10")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if f.syncer.fecha != "2024-05-10" {
		t.Errorf("fecha: %q", f.syncer.fecha)
	}
}

func TestHandler_OrdersSync_DefaultsToToday(t *testing.T) {
	f := newFixture()
	doRequest(t, f.h, http.MethodPost, "/api/orders/sync")
	if f.syncer.fecha != time.Now().Format("2006-01-02") {
		t.Errorf("fecha: %q", f.syncer.fecha)
	}
}

func TestHandler_InboxRun(t *testing.T) {
	f := newFixture()
	rec := doRequest(t, f.h, http.MethodPost, "/api/inbox/run")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var out map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out["processed"] != 4 || out["failed"] != 1 {
		t.Errorf("counts: %v", out)
	}
}

func TestHandler_ResultsPending(t *testing.T) {
	f := newFixture()
	f.repo.pending = []results.PendingAnalyte{
		{AnalyteResult: results.AnalyteResult{ID: 1, Code: "WBC"}, AnalyzerName: "ICON3"},
		{AnalyteResult: results.AnalyteResult{ID: 2, Code: "HGB"}, AnalyzerName: "ICON3"},
	}
	rec := doRequest(t, f.h, http.MethodGet, "/api/results/pending?limit=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var out []results.PendingAnalyte
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Code != "WBC" {
		t.Errorf("pending: %+v", out)
	}
}

func TestHandler_ResultsPending_BadLimit(t *testing.T) {
	f := newFixture()
	rec := doRequest(t, f.h, http.MethodGet, "/api/results/pending?limit=zero")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestHandler_ResultByID(t *testing.T) {
	f := newFixture()
	f.repo.header = &results.RawResult{ID: 42, AnalyzerName: "FINECARE"}

	rec := doRequest(t, f.h, http.MethodGet, "/api/results/42")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var out struct {
		Result   results.RawResult       `json:"result"`
		Analytes []results.AnalyteResult `json:"analytes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Result.AnalyzerName != "FINECARE" || len(out.Analytes) != 1 {
		t.Errorf("payload: %+v", out)
	}

	if rec := doRequest(t, f.h, http.MethodGet, "/api/results/999"); rec.Code != http.StatusNotFound {
		t.Errorf("missing result: status %d", rec.Code)
	}
	if rec := doRequest(t, f.h, http.MethodGet, "/api/results/abc"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id: status %d", rec.Code)
	}
}

func TestHandler_Healthz(t *testing.T) {
	f := newFixture()
	rec := doRequest(t, f.h, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}
