// Package server exposes the run engine over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/petrijr/stepflow/internal/ctxlog"
	"github.com/petrijr/stepflow/internal/events"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
)

// Submitter enqueues runs on organization queues. *worker.Pool satisfies it.
type Submitter interface {
	Submit(ctx context.Context, orgID string, req api.RunRequest) (string, error)
}

// Deps are the collaborators a Server needs.
type Deps struct {
	Engine    api.Engine
	Workflows persistence.WorkflowStore
	Queue     Submitter
	Hub       *events.Hub
	Logger    *slog.Logger
}

// Server is the HTTP surface: run triggers, run history and progress
// streams.
type Server struct {
	deps Deps
	echo *echo.Echo
}

// New builds a Server with its routes registered.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{deps: deps, echo: e}
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("stepflow"))
	e.Use(s.requestLogger())

	e.GET("/healthz", s.health)

	v1 := e.Group("/api/v1")
	v1.GET("/workflows", s.listWorkflows)
	v1.POST("/workflows/:id/runs", s.triggerRun)
	v1.GET("/workflows/:id/runs", s.listRuns)
	v1.GET("/runs/:id", s.getRun)
	v1.GET("/runs/:id/events", s.streamEvents)
	v1.POST("/hooks/:id", s.webhook)
	v1.POST("/plan", s.plan)
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.deps.Logger.Info("http server starting", slog.String("addr", addr))
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	logger := s.deps.Logger
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		BeforeNextFunc: func(c echo.Context) {
			req := c.Request()
			c.SetRequest(req.WithContext(ctxlog.WithLogger(req.Context(), logger)))
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.LogAttrs(c.Request().Context(), level, "http_request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.Any("error", v.Error),
			)
			return nil
		},
	})
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listWorkflows(c echo.Context) error {
	wfs, err := s.deps.Workflows.ListWorkflows(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, wfs)
}

type triggerBody struct {
	TriggerData api.Value `json:"triggerData"`
	User        api.Value `json:"user"`
}

// triggerRun starts a manual run. By default the run is queued and 202 is
// returned; with ?wait=true the run executes inline and its record is
// returned.
func (s *Server) triggerRun(c echo.Context) error {
	ctx := c.Request().Context()
	var body triggerBody
	if err := bindBody(c, &body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	req := api.RunRequest{
		WorkflowID:  c.Param("id"),
		TriggerType: api.TriggerManual,
		TriggerData: body.TriggerData,
		User:        body.User,
	}

	if wait, _ := strconv.ParseBool(c.QueryParam("wait")); wait {
		run, err := s.deps.Engine.Execute(ctx, req)
		if run == nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, run)
	}
	return s.enqueue(c, req)
}

func (s *Server) webhook(c echo.Context) error {
	ctx := c.Request().Context()
	wf, err := s.deps.Workflows.GetWorkflow(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if !wf.Enabled || wf.Trigger.Type != api.TriggerWebhook {
		return echo.NewHTTPError(http.StatusNotFound, "workflow has no webhook trigger")
	}

	payload := api.Object()
	if err := bindBody(c, &payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload: "+err.Error())
	}
	return s.enqueue(c, api.RunRequest{
		WorkflowID:  wf.ID,
		TriggerType: api.TriggerWebhook,
		TriggerData: payload,
	})
}

func (s *Server) enqueue(c echo.Context, req api.RunRequest) error {
	ctx := c.Request().Context()
	wf, err := s.deps.Workflows.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return httpError(err)
	}
	runID, err := s.deps.Queue.Submit(ctx, wf.OrganizationID, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"runId": runID, "workflowId": wf.ID})
}

// bindBody decodes only the request body; path and query parameters are
// read explicitly by each handler.
func bindBody(c echo.Context, v any) error {
	return (&echo.DefaultBinder{}).BindBody(c, v)
}

func (s *Server) getRun(c echo.Context) error {
	run, err := s.deps.Engine.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) listRuns(c echo.Context) error {
	opts := api.RunListOptions{
		WorkflowID: c.Param("id"),
		Status:     api.RunStatus(c.QueryParam("status")),
	}
	if l := c.QueryParam("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		opts.Limit = n
	}
	runs, err := s.deps.Engine.ListRuns(c.Request().Context(), opts)
	if err != nil {
		return httpError(err)
	}
	if runs == nil {
		runs = []*api.WorkflowRun{}
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) plan(c echo.Context) error {
	var def api.WorkflowDefinition
	if err := bindBody(c, &def); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid definition: "+err.Error())
	}
	waves, err := s.deps.Engine.Plan(c.Request().Context(), def)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"waves": waves})
}

// streamEvents relays a run's progress as server-sent events until the
// run finishes or the client goes away.
func (s *Server) streamEvents(c echo.Context) error {
	ctx := c.Request().Context()
	sub, err := s.deps.Hub.Subscribe(ctx, c.Param("id"))
	if errors.Is(err, events.ErrSubscriberExists) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return httpError(err)
	}
	defer sub.Close()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return nil
			}
			w.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := writeSSE(w, ev); err != nil {
				ctxlog.FromContext(ctx).Warn("sse write failed", slog.Any("error", err))
				return nil
			}
			w.Flush()
		}
	}
}
