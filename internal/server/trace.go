package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/marcus-whitfield/evidentia/internal/trace"
)

// TraceHandler serves derived provenance graphs.
type TraceHandler struct {
	Server *Server
}

func (h *TraceHandler) Register(g *echo.Group) {
	g.GET("/runs/:id", h.get)
}

// Get trace
//
//	@Summary		Get provenance trace
//	@Description	Derive the provenance graph for a completed run
//	@Tags			trace
//	@Produce		json
//	@Param			id		path		string	true	"Run id"
//	@Param			mode	query		string	false	"summary, inspect or forensic"
//	@Success		200		{object}	trace.Graph
//	@Failure		400		{object}	HTTPError
//	@Failure		404		{object}	HTTPError
//	@Failure		500		{object}	HTTPError
//	@Router			/trace/runs/{id} [get]
func (h *TraceHandler) get(c echo.Context) error {
	mode, err := trace.ParseMode(c.QueryParam("mode"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	g, err := h.Server.Trace.Build(c.Request().Context(), c.Param("id"), mode)
	if err == trace.ErrRunNotFound {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, g)
}
