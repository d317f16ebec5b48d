package server

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	nurl "net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"github.com/labstack/echo/v4"

	"github.com/marcus-whitfield/evidentia/internal/store"
)

// DocumentsHandler ingests source documents into the evidence corpus.
type DocumentsHandler struct {
	Server *Server
}

func (h *DocumentsHandler) Register(g *echo.Group) {
	g.POST("", h.ingest)
}

type IngestRequest struct {
	SourceID     string `json:"source_id"`
	CollectionID string `json:"collection_id"`
	Title        string `json:"title"`
	Body         string `json:"body"`
	ContentType  string `json:"content_type"`
	URL          string `json:"url"`
}

type IngestResponse struct {
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
	Duplicate  bool   `json:"duplicate"`
}

// chunkSize bounds one indexed fragment; splits happen on word boundaries.
const chunkSize = 1200

// ingest is idempotent per document body: re-posting the same content is a
// no-op returning the original document id, so repeated pipeline runs never
// duplicate the evidence corpus.
//
//	@Summary		Ingest document
//	@Description	Chunk, embed and index a source document
//	@Tags			documents
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		IngestRequest	true	"Document payload"
//	@Success		201		{object}	IngestResponse
//	@Success		200		{object}	IngestResponse	"Duplicate body, original document returned"
//	@Failure		400		{object}	HTTPError
//	@Failure		500		{object}	HTTPError
//	@Router			/api/documents [post]
func (h *DocumentsHandler) ingest(c echo.Context) error {
	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Body) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "body must not be empty")
	}

	text := req.Body
	if strings.Contains(strings.ToLower(req.ContentType), "html") {
		u, _ := nurl.Parse(req.URL)
		article, err := readability.FromReader(strings.NewReader(req.Body), u)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unreadable html: "+err.Error())
		}
		text = article.TextContent
		if req.Title == "" {
			req.Title = article.Title
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "document has no extractable text")
	}

	sum := sha256.Sum256([]byte(text))
	hash := hex.EncodeToString(sum[:])

	ctx := c.Request().Context()
	if id, ok, err := h.Server.Store.FindDocumentByHash(ctx, hash); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	} else if ok {
		return c.JSON(http.StatusOK, IngestResponse{DocumentID: id, Duplicate: true})
	}

	doc, err := h.Server.Store.InsertDocument(ctx, store.DocumentRecord{
		SourceID:     req.SourceID,
		CollectionID: req.CollectionID,
		Title:        req.Title,
		ContentHash:  hash,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	bodies := splitChunks(text, chunkSize)
	embeddings, _, err := h.Server.Instruments.Embed(ctx, bodies)
	if err != nil {
		// Chunks stay searchable lexically; vectors arrive on re-embed.
		h.Server.Logger.Printf("embed during ingest of %s: %v", doc.ID, err)
		embeddings = nil
	}

	for i, body := range bodies {
		rec := store.ChunkRecord{
			DocumentID:   doc.ID,
			SourceID:     req.SourceID,
			CollectionID: req.CollectionID,
			Ord:          i,
			Body:         body,
		}
		if embeddings != nil && i < len(embeddings) {
			rec.Embedding = embeddings[i]
		}
		stored, err := h.Server.Store.InsertChunk(ctx, rec)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if err := h.Server.Index.Add(stored); err != nil {
			h.Server.Logger.Printf("index chunk %s: %v", stored.ID, err)
		}
	}
	return c.JSON(http.StatusCreated, IngestResponse{DocumentID: doc.ID, Chunks: len(bodies)})
}

// splitChunks breaks text into word-bounded fragments of at most max bytes.
func splitChunks(text string, max int) []string {
	words := strings.Fields(text)
	var out []string
	var b strings.Builder
	for _, w := range words {
		if b.Len() > 0 && b.Len()+1+len(w) > max {
			out = append(out, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}
