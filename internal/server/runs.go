package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/marcus-whitfield/evidentia/internal/pipeline"
	"github.com/marcus-whitfield/evidentia/internal/store"
)

// RunsHandler starts pipeline runs and reads them back.
type RunsHandler struct {
	Server *Server
}

func (h *RunsHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
}

type CreateRunRequest struct {
	Profile string          `json:"profile"`
	Anchors json.RawMessage `json:"anchors"`
}

// create executes the full move sequence synchronously within the request.
//
//	@Summary		Create run
//	@Description	Execute the fixed reasoning move sequence for a question
//	@Tags			runs
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		CreateRunRequest	true	"Run payload"
//	@Success		201		{object}	pipeline.RunResult
//	@Failure		400		{object}	HTTPError
//	@Failure		500		{object}	HTTPError
//	@Router			/api/runs [post]
func (h *RunsHandler) create(c echo.Context) error {
	var req CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Profile == "" {
		req.Profile = "default"
	}

	started := time.Now()
	res, err := h.Server.Runner.Execute(c.Request().Context(), pipeline.RunRequest{
		Profile: req.Profile,
		Anchors: req.Anchors,
	})
	if err == pipeline.ErrMissingQuestion {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		if h.Server.Telemetry != nil {
			h.Server.Telemetry.RunsTotal.WithLabelValues("error").Inc()
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.Server.Telemetry != nil {
		outcome := "success"
		for _, m := range res.Moves {
			h.Server.Telemetry.MovesTotal.WithLabelValues(string(m.Type), m.Status).Inc()
			if m.Status != store.MoveStatusSuccess {
				outcome = "degraded"
			}
		}
		h.Server.Telemetry.RunsTotal.WithLabelValues(outcome).Inc()
		h.Server.Telemetry.RunDuration.Observe(time.Since(started).Seconds())
	}
	return c.JSON(http.StatusCreated, res)
}

type RunSummary struct {
	Run   store.RunRecord         `json:"run"`
	Moves []store.MoveEventRecord `json:"moves"`
}

// Get run
//
//	@Summary	Get run
//	@Tags		runs
//	@Produce	json
//	@Param		id	path		string	true	"Run id"
//	@Success	200	{object}	RunSummary
//	@Failure	404	{object}	HTTPError
//	@Failure	500	{object}	HTTPError
//	@Router		/api/runs/{id} [get]
func (h *RunsHandler) get(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	run, ok, err := h.Server.Store.GetRun(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	moves, err := h.Server.Store.ListMoveEvents(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, RunSummary{Run: run, Moves: moves})
}

// List runs
//
//	@Summary	List runs
//	@Tags		runs
//	@Produce	json
//	@Param		limit	query		int	false	"Page size"
//	@Success	200		{object}	map[string]any
//	@Failure	500		{object}	HTTPError
//	@Router		/api/runs [get]
func (h *RunsHandler) list(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	runs, err := h.Server.Store.ListRuns(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}
