package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/insightd/internal/insight"
	"github.com/fyrsmithlabs/insightd/internal/logging"
	"github.com/fyrsmithlabs/insightd/internal/reflection"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const healthTimeout = 2 * time.Second

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Version: s.config.Version}
	if s.storage != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), healthTimeout)
		defer cancel()
		resp.Checks = map[string]string{"storage": "ok"}
		if err := s.storage.Ping(ctx); err != nil {
			s.logger.Warn("storage health check failed", zap.Error(err))
			resp.Status = "degraded"
			resp.Checks["storage"] = "unavailable"
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCreateReflection(c echo.Context) error {
	var req CreateReflectionRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid reflection request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := logging.WithAuthor(logging.WithTeam(c.Request().Context(), req.TeamID), req.Author)
	created, err := s.reflections.Create(ctx, req.reflection())
	if err != nil {
		return s.fail(ctx, err)
	}
	s.logger.Debug("reflection accepted",
		append(logging.ContextFields(ctx), zap.String("reflection.id", created.ID))...)
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) handleGetReflection(c echo.Context) error {
	r, err := s.reflections.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c.Request().Context(), err)
	}
	return c.JSON(http.StatusOK, r)
}

// handleIngestReflection runs a stored reflection through the engine
// again. Ingestion is idempotent, so this is safe after a failed hook.
func (s *Server) handleIngestReflection(c echo.Context) error {
	ctx := c.Request().Context()
	r, err := s.reflections.Get(ctx, c.Param("id"))
	if err != nil {
		return s.fail(ctx, err)
	}
	res, err := s.insights.Ingest(ctx, r)
	if err != nil {
		return s.fail(ctx, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleListInsights(c echo.Context) error {
	f, err := parseListFilter(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	page, err := s.insights.List(c.Request().Context(), f)
	if err != nil {
		return s.fail(c.Request().Context(), err)
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.insights.Stats(c.Request().Context())
	if err != nil {
		return s.fail(c.Request().Context(), err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleGetInsight(c echo.Context) error {
	ins, err := s.insights.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c.Request().Context(), err)
	}
	return c.JSON(http.StatusOK, ins)
}

func (s *Server) handleTraces(c echo.Context) error {
	ctx := c.Request().Context()
	limit, err := intParam(c, "limit")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id := c.Param("id")
	if _, err := s.insights.Get(ctx, id); err != nil {
		return s.fail(ctx, err)
	}
	traces, err := s.insights.Traces(ctx, id, limit)
	if err != nil {
		return s.fail(ctx, err)
	}
	if traces == nil {
		traces = []insight.TraceRecord{}
	}
	return c.JSON(http.StatusOK, TracesResponse{InsightID: id, Traces: traces})
}

func (s *Server) handleUpdateStatus(c echo.Context) error {
	var req UpdateStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	to, err := insight.ParseStatus(req.Status)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ins, err := s.insights.UpdateStatus(c.Request().Context(), c.Param("id"), to, req.TaskID)
	if err != nil {
		return s.fail(c.Request().Context(), err)
	}
	return c.JSON(http.StatusOK, ins)
}

func (s *Server) handleSweep(c echo.Context) error {
	res, err := s.insights.Sweep(c.Request().Context())
	if err != nil {
		if res != nil {
			s.logger.Warn("manual sweep incomplete", zap.Error(err))
			return c.JSON(http.StatusMultiStatus, res)
		}
		return s.fail(c.Request().Context(), err)
	}
	return c.JSON(http.StatusOK, res)
}

// fail maps engine and store errors to HTTP errors.
func (s *Server) fail(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, insight.ErrNotFound), errors.Is(err, reflection.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, reflection.ErrInvalidReflection), errors.Is(err, insight.ErrInvalidStatus):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, insight.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, insight.ErrContention):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "storage busy, retry later")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request cancelled")
	}
	s.logger.Error("request failed", append(logging.ContextFields(ctx), zap.Error(err))...)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

func parseListFilter(c echo.Context) (insight.ListFilter, error) {
	var (
		f   insight.ListFilter
		err error
	)
	if v := c.QueryParam("status"); v != "" {
		if f.Status, err = insight.ParseStatus(v); err != nil {
			return f, err
		}
	}
	if v := c.QueryParam("priority"); v != "" {
		if f.Priority, err = insight.ParsePriority(v); err != nil {
			return f, err
		}
	}
	f.WorkflowStage = c.QueryParam("workflow_stage")
	f.FailureFamily = c.QueryParam("failure_family")
	f.ImpactedUnit = c.QueryParam("impacted_unit")
	if v := c.QueryParam("attention"); v != "" {
		if f.Attention, err = strconv.ParseBool(v); err != nil {
			return f, errors.New("attention must be a boolean")
		}
	}
	if f.Limit, err = intParam(c, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(c, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func intParam(c echo.Context, name string) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}
