// Package service is the HTTP control surface of the compute core: status,
// trace control, and the synthetic benchmark. It never sits on the
// inference hot path.
package service

import (
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/halcyonlabs/moecore/internal/bench"
	"github.com/halcyonlabs/moecore/internal/dtype"
	"github.com/halcyonlabs/moecore/internal/engine"
	"github.com/halcyonlabs/moecore/internal/logger"
	"github.com/halcyonlabs/moecore/internal/trace"
	"github.com/halcyonlabs/moecore/internal/version"
)

// Server wires the engine into HTTP handlers.
type Server struct {
	eng *engine.Engine
	log logger.Logger
}

// NewServer builds the control surface over an engine.
func NewServer(eng *engine.Engine, log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{eng: eng, log: log}
}

// Register mounts all routes.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/status", s.handleStatus)
	e.POST("/v1/trace/start", s.handleTraceStart)
	e.POST("/v1/trace/stop", s.handleTraceStop)
	e.POST("/v1/bench", s.handleBench)
}

type statusResponse struct {
	Engine    string `json:"engine"`
	Version   string `json:"version"`
	Threads   int    `json:"threads"`
	NUMANodes int    `json:"numa_nodes"`
	Tracing   bool   `json:"tracing"`
}

func (s *Server) handleStatus(c *echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Engine:    s.eng.ID(),
		Version:   version.String(),
		Threads:   s.eng.Pool().Threads(),
		NUMANodes: s.eng.Pool().NUMANodes(),
		Tracing:   trace.Enabled(),
	})
}

type traceStartRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleTraceStart(c *echo.Context) error {
	req, err := decodeJSON[traceStartRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Path == "" {
		return writeBadRequest(c, "path is required")
	}
	if err := s.eng.StartTrace(req.Path); err != nil {
		return writeError(c, http.StatusConflict, err.Error())
	}
	s.log.Info("trace started", "path", req.Path)
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTraceStop(c *echo.Context) error {
	if err := s.eng.EndTrace(); err != nil {
		return writeError(c, http.StatusConflict, err.Error())
	}
	s.log.Info("trace stopped")
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type benchRequest struct {
	Experts      int    `json:"experts"`
	K            int    `json:"k"`
	Hidden       int    `json:"hidden"`
	Intermediate int    `json:"intermediate"`
	QLen         int    `json:"qlen"`
	Iters        int    `json:"iters"`
	WeightType   string `json:"weight_type"`
}

func (s *Server) handleBench(c *echo.Context) error {
	req, err := decodeJSON[benchRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	spec := bench.DefaultSpec()
	if req.Experts > 0 {
		spec.Experts = req.Experts
	}
	if req.K > 0 {
		spec.K = req.K
	}
	if req.Hidden > 0 {
		spec.Hidden = req.Hidden
	}
	if req.Intermediate > 0 {
		spec.Intermediate = req.Intermediate
	}
	if req.QLen > 0 {
		spec.QLen = req.QLen
	}
	if req.Iters > 0 {
		spec.Iters = req.Iters
	}
	if req.WeightType != "" {
		t, err := dtype.Parse(req.WeightType)
		if err != nil {
			return writeBadRequest(c, err.Error())
		}
		spec.WeightType = t
	}

	report, err := bench.Run(s.eng.Pool(), spec)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var v T
	err := json.NewDecoder(r).Decode(&v)
	return v, err
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, msg)
}

func writeError(c *echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]any{"error": msg})
}
