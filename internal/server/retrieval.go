package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/marcus-whitfield/evidentia/internal/retrieval"
)

// RetrievalHandler exposes fused search over the evidence corpus.
type RetrievalHandler struct {
	Server *Server
}

func (h *RetrievalHandler) Register(g *echo.Group) {
	g.POST("/search", h.search)
}

type SearchRequest struct {
	Query        string `json:"query"`
	SourceID     string `json:"source_id"`
	CollectionID string `json:"collection_id"`
	Limit        int    `json:"limit"`
	Lexical      *bool  `json:"lexical"`
	Vector       *bool  `json:"vector"`
	Rerank       bool   `json:"rerank"`
	RRFK         int    `json:"rrf_k"`
	RerankTopN   int    `json:"rerank_top_n"`
}

// Search
//
//	@Summary		Fused search
//	@Description	Rank evidence by reciprocal rank fusion of lexical and vector signals, with optional rerank
//	@Tags			retrieval
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		SearchRequest	true	"Search payload"
//	@Success		200		{object}	retrieval.Result
//	@Failure		400		{object}	HTTPError
//	@Failure		500		{object}	HTTPError
//	@Router			/api/retrieval/search [post]
func (h *RetrievalHandler) search(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	// Both signals default on; explicit false disables.
	useLexical, useVector := true, true
	if req.Lexical != nil {
		useLexical = *req.Lexical
	}
	if req.Vector != nil {
		useVector = *req.Vector
	}

	started := time.Now()
	res, err := h.Server.Engine.Retrieve(c.Request().Context(), retrieval.Request{
		Query:      req.Query,
		Filters:    retrieval.Filters{SourceID: req.SourceID, CollectionID: req.CollectionID},
		Limit:      req.Limit,
		UseLexical: useLexical,
		UseVector:  useVector,
		UseRerank:  req.Rerank,
		RRFK:       req.RRFK,
		RerankTopN: req.RerankTopN,
	})
	if err == retrieval.ErrEmptyQuery {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.Server.Telemetry != nil {
		partial := "false"
		if res.Partial() {
			partial = "true"
		}
		h.Server.Telemetry.RetrievalDuration.WithLabelValues(partial).Observe(time.Since(started).Seconds())
	}
	return c.JSON(http.StatusOK, res)
}
