package instrument

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/marcus-whitfield/evidentia/config"
	"github.com/marcus-whitfield/evidentia/internal/store"
)

const insertToolRunQuery = `
INSERT INTO tool_runs (id, instrument, inputs, status, confidence, limitations)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING started_at`

const completeToolRunQuery = `
UPDATE tool_runs SET status=$2, outputs=$3, confidence=$4, limitations=$5, completed_at=NOW()
WHERE id=$1`

func newTestClient(t *testing.T, baseURL string) (*Client, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	cfg := config.InstrumentsConfig{
		Generative: config.InstrumentConfig{BaseURL: baseURL, Model: "deliberate-1", Timeout: 5 * time.Second},
		Embedding:  config.InstrumentConfig{BaseURL: baseURL, Model: "embed-1", Timeout: 5 * time.Second},
		Rerank:     config.InstrumentConfig{BaseURL: baseURL, Model: "cross-1", Timeout: 5 * time.Second},
	}
	c := NewClient(cfg, &store.Store{DB: db}, nil)
	return c, mock, func() { db.Close() }
}

func expectToolRun(mock sqlmock.Sqlmock, instrument, finalStatus string) {
	mock.ExpectQuery(regexp.QuoteMeta(insertToolRunQuery)).
		WithArgs(sqlmock.AnyArg(), instrument, sqlmock.AnyArg(), store.ToolRunStatusRunning, store.ConfidenceMedium, "").
		WillReturnRows(sqlmock.NewRows([]string{"started_at"}).AddRow(time.Now()))
	mock.ExpectExec(regexp.QuoteMeta(completeToolRunQuery)).
		WithArgs(sqlmock.AnyArg(), finalStatus, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestGenerateRecordsToolRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"ok\":true}"}}]}`))
	}))
	defer srv.Close()

	c, mock, cleanup := newTestClient(t, srv.URL)
	defer cleanup()
	expectToolRun(mock, NameGenerative, store.ToolRunStatusSuccess)

	content, toolRunID, err := c.Generate(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if toolRunID == "" {
		t.Fatalf("expected tool run id")
	}
	if content != `{"ok":true}` {
		t.Fatalf("unexpected content: %s", content)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGenerateFailureStillCompletesToolRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, mock, cleanup := newTestClient(t, srv.URL)
	defer cleanup()
	expectToolRun(mock, NameGenerative, store.ToolRunStatusError)

	_, toolRunID, err := c.Generate(context.Background(), "system", "user")
	if err == nil {
		t.Fatalf("expected error from unavailable instrument")
	}
	if toolRunID == "" {
		t.Fatalf("tool run must exist even when the call fails")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEmbedPreservesOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// Deliberately out of order; indexes restore ordering.
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	c, mock, cleanup := newTestClient(t, srv.URL)
	defer cleanup()
	expectToolRun(mock, NameEmbedding, store.ToolRunStatusSuccess)

	vecs, _, err := c.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Fatalf("order not preserved: %v", vecs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEmbedCountMismatchIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	c, mock, cleanup := newTestClient(t, srv.URL)
	defer cleanup()
	expectToolRun(mock, NameEmbedding, store.ToolRunStatusError)

	if _, _, err := c.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatalf("expected count mismatch error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestExpiredContextStillCompletesToolRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Outlive the caller's deadline so the call dies mid-flight.
		time.Sleep(300 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"late"}}]}`))
	}))
	defer srv.Close()

	c, mock, cleanup := newTestClient(t, srv.URL)
	defer cleanup()
	expectToolRun(mock, NameGenerative, store.ToolRunStatusError)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, toolRunID, err := c.Generate(ctx, "system", "user")
	if err == nil {
		t.Fatalf("expected deadline error")
	}
	if toolRunID == "" {
		t.Fatalf("tool run must exist for the aborted call")
	}
	// The completion UPDATE must land despite the expired caller context;
	// otherwise the row stays in status running forever.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRerankToleratesResultsShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"index":0,"relevance_score":0.9},{"index":1,"relevance_score":0.1}]}`))
	}))
	defer srv.Close()

	c, mock, cleanup := newTestClient(t, srv.URL)
	defer cleanup()
	expectToolRun(mock, NameRerank, store.ToolRunStatusSuccess)

	scores, _, err := c.Rerank(context.Background(), "q", []string{"a", "b"})
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if scores[0] != 0.9 || scores[1] != 0.1 {
		t.Fatalf("unexpected scores: %v", scores)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
