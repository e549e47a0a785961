package monitor

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/kilnml/kiln/internal/logger"
)

func newTestEcho() (*Server, *echo.Echo) {
	s := NewServer("unit", 100, logger.New(slog.NewTextHandler(io.Discard, nil)))
	e := echo.New()
	s.Register(e)
	return s, e
}

func doGET(t *testing.T, e *echo.Echo, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	_, e := newTestEcho()
	rec := doGET(t, e, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestRunDescriptor(t *testing.T) {
	t.Parallel()
	s, e := newTestEcho()
	s.Emit(7, map[string]float64{"loss/actor": 0.5})

	rec := doGET(t, e, "/v1/run")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	var run RunInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.ID == "" || run.Name != "unit" || run.TotalSteps != 100 {
		t.Fatalf("run %+v", run)
	}
	if run.LastStep != 7 {
		t.Fatalf("last step %d, want 7", run.LastStep)
	}
}

func TestMetricsLatestAndHistory(t *testing.T) {
	t.Parallel()
	s, e := newTestEcho()

	if rec := doGET(t, e, "/v1/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("empty metrics status %d", rec.Code)
	}

	s.Emit(1, map[string]float64{"loss/actor": 1})
	s.Emit(2, map[string]float64{"loss/actor": 0.4})

	rec := doGET(t, e, "/v1/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var latest Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &latest); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if latest.Step != 2 || latest.Fields["loss/actor"] != 0.4 {
		t.Fatalf("latest %+v", latest)
	}

	rec = doGET(t, e, "/v1/metrics/history")
	var history []Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 2 || history[0].Step != 1 {
		t.Fatalf("history %+v", history)
	}
}

func TestEmitCopiesFields(t *testing.T) {
	t.Parallel()
	s, _ := newTestEcho()
	fields := map[string]float64{"loss/actor": 1}
	s.Emit(1, fields)
	fields["loss/actor"] = 99

	s.mu.Lock()
	got := s.history[0].Fields["loss/actor"]
	s.mu.Unlock()
	if got != 1 {
		t.Fatalf("snapshot aliased caller map: %v", got)
	}
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()
	s, _ := newTestEcho()
	for i := 0; i < historyLimit+10; i++ {
		s.Emit(i, map[string]float64{"x": float64(i)})
	}
	s.mu.Lock()
	n := len(s.history)
	first := s.history[0].Step
	s.mu.Unlock()
	if n != historyLimit {
		t.Fatalf("history holds %d, limit %d", n, historyLimit)
	}
	if first != 10 {
		t.Fatalf("oldest retained step %d, want 10", first)
	}
}
