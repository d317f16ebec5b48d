package server

import (
	"io"
	"log"
	"net/http"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/marcus-whitfield/evidentia/config"
	"github.com/marcus-whitfield/evidentia/internal/instrument"
	"github.com/marcus-whitfield/evidentia/internal/retrieval"
	"github.com/marcus-whitfield/evidentia/internal/store"
)

func setupRetrieval(t *testing.T) (*RetrievalHandler, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	st := &store.Store{DB: db}
	index, err := retrieval.NewIndex()
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	logger := log.New(io.Discard, "", 0)
	ins := instrument.NewClient(config.InstrumentsConfig{MaxRetries: 0, Backoff: time.Millisecond}, st, logger)
	engine := retrieval.NewEngine(config.RetrievalConfig{DefaultLimit: 10, MaxLimit: 50, RRFK: 60}, index, ins, nil, logger)
	s := &Server{Store: st, Index: index, Engine: engine, Instruments: ins, Logger: logger}
	return &RetrievalHandler{Server: s}, mock, func() { db.Close() }
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	h, mock, cleanup := setupRetrieval(t)
	defer cleanup()

	e := echo.New()
	c, _ := postJSON(e, "/api/retrieval/search", `{"query":"   "}`)
	err := h.search(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
	// Rejected before any tool run was opened.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSearchLexicalOnlyReturnsCandidates(t *testing.T) {
	h, mock, cleanup := setupRetrieval(t)
	defer cleanup()

	if err := h.Server.Index.Add(store.ChunkRecord{
		ID: "c1", DocumentID: "d1", SourceID: "s1", Ord: 0,
		Body: "The flood risk policy requires sequential testing.",
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	mock.MatchExpectationsInOrder(false)
	mock.ExpectQuery("INSERT INTO tool_runs").
		WillReturnRows(sqlmock.NewRows([]string{"started_at"}).AddRow(time.Now()))
	mock.ExpectExec("UPDATE tool_runs").WillReturnResult(sqlmock.NewResult(0, 1))

	e := echo.New()
	c, rec := postJSON(e, "/api/retrieval/search", `{"query":"flood risk","vector":false}`)
	if err := h.search(c); err != nil {
		t.Fatalf("search: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if body := rec.Body.String(); !strings.Contains(body, "chunk::d1::c1") {
		t.Fatalf("expected the candidate ref in response: %s", body)
	}
}
