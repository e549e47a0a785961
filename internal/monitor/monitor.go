// Package monitor exposes a read-only HTTP view of a training run: the run
// descriptor, the latest metric snapshot, and a bounded history.  It hangs
// off the coordinator process as a metrics sink; training never blocks on
// it.
package monitor

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/kilnml/kiln/internal/logger"
)

// historyLimit bounds the in-memory snapshot ring.
const historyLimit = 256

// RunInfo describes the run being served.
type RunInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"started_at"`
	TotalSteps int       `json:"total_steps"`
	LastStep   int       `json:"last_step"`
}

// Snapshot is one emitted metrics window.
type Snapshot struct {
	Step       int                `json:"step"`
	RecordedAt time.Time          `json:"recorded_at"`
	Fields     map[string]float64 `json:"fields"`
}

// Server holds run state behind a mutex.  It implements metrics.Sink.
type Server struct {
	log   logger.Logger
	clock func() time.Time

	mu      sync.Mutex
	run     RunInfo
	history []Snapshot
}

// NewServer creates a monitor for one named run.
func NewServer(name string, totalSteps int, log logger.Logger) *Server {
	s := &Server{
		log:   log,
		clock: time.Now,
	}
	s.run = RunInfo{
		ID:         uuid.NewString(),
		Name:       name,
		StartedAt:  s.clock(),
		TotalSteps: totalSteps,
	}
	return s
}

// SetTotalSteps fixes the schedule length once the trainer has resolved it.
func (s *Server) SetTotalSteps(n int) {
	s.mu.Lock()
	s.run.TotalSteps = n
	s.mu.Unlock()
}

// Register mounts the monitor routes.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/run", s.handleRun)
	e.GET("/v1/metrics", s.handleMetrics)
	e.GET("/v1/metrics/history", s.handleHistory)
}

// Emit records one metrics snapshot.  Called by the metrics recorder on the
// coordinator.
func (s *Server) Emit(step int, fields map[string]float64) {
	copied := make(map[string]float64, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run.LastStep = step
	s.history = append(s.history, Snapshot{
		Step:       step,
		RecordedAt: s.clock(),
		Fields:     copied,
	})
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRun(c *echo.Context) error {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleMetrics(c *echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no metrics recorded yet"})
	}
	return c.JSON(http.StatusOK, s.history[len(s.history)-1])
}

func (s *Server) handleHistory(c *echo.Context) error {
	s.mu.Lock()
	out := make([]Snapshot, len(s.history))
	copy(out, s.history)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, out)
}
