package retrieval

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/marcus-whitfield/evidentia/config"
	"github.com/marcus-whitfield/evidentia/internal/instrument"
	"github.com/marcus-whitfield/evidentia/internal/store"
)

const insertToolRunQuery = `
INSERT INTO tool_runs (id, instrument, inputs, status, confidence, limitations)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING started_at`

const completeToolRunQuery = `
UPDATE tool_runs SET status=$2, outputs=$3, confidence=$4, limitations=$5, completed_at=NOW()
WHERE id=$1`

// allowToolRuns lets any number of tool run inserts/updates through without
// pinning their order; retrieval tests assert on results, not SQL traffic.
func allowToolRuns(mock sqlmock.Sqlmock, n int) {
	mock.MatchExpectationsInOrder(false)
	for i := 0; i < n; i++ {
		mock.ExpectQuery(regexp.QuoteMeta(insertToolRunQuery)).
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"started_at"}).AddRow(time.Now()))
		mock.ExpectExec(regexp.QuoteMeta(completeToolRunQuery)).
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
}

func fixtureIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := NewIndex()
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	chunks := []store.ChunkRecord{
		{ID: "c1", DocumentID: "d1", SourceID: "s1", Ord: 0,
			Body:      "The flood risk policy requires sequential testing for development in flood zone three.",
			Embedding: []float32{1, 0, 0}},
		{ID: "c2", DocumentID: "d1", SourceID: "s1", Ord: 1,
			Body:      "Parking standards are set out in the highways design supplement.",
			Embedding: []float32{0, 1, 0}},
		{ID: "c3", DocumentID: "d2", SourceID: "s1", Ord: 0,
			Body:      "Affordable housing contributions apply to schemes of ten or more dwellings.",
			Embedding: []float32{0, 0.9, 0.1}},
		{ID: "c4", DocumentID: "d2", SourceID: "s1", Ord: 1,
			Body:      "The conservation area appraisal describes the character of the town centre.",
			Embedding: []float32{0, 0.8, 0.2}},
		{ID: "c5", DocumentID: "d3", SourceID: "s2", Ord: 0,
			Body:      "Noise limits for evening deliveries are defined in the environmental health code.",
			Embedding: []float32{0, 0.7, 0.3}},
	}
	for _, c := range chunks {
		if err := ix.Add(c); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	return ix
}

func testEngine(t *testing.T, baseURL string, toolRuns int) (*Engine, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	allowToolRuns(mock, toolRuns)
	cfg := config.InstrumentsConfig{
		Embedding: config.InstrumentConfig{BaseURL: baseURL, Model: "embed-1", Timeout: 5 * time.Second},
		Rerank:    config.InstrumentConfig{BaseURL: baseURL, Model: "cross-1", Timeout: 5 * time.Second},
	}
	client := instrument.NewClient(cfg, &store.Store{DB: db}, nil)
	e := NewEngine(config.RetrievalConfig{DefaultLimit: 10, MaxLimit: 50, RRFK: 60, RerankTopN: 10},
		fixtureIndex(t), client, nil, nil)
	return e, mock, func() { db.Close() }
}

func TestRetrieveEmptyQueryRejectedBeforeAnyToolRun(t *testing.T) {
	e, mock, cleanup := testEngine(t, "http://unused", 0)
	defer cleanup()

	if _, err := e.Retrieve(context.Background(), Request{Query: ""}); err != ErrEmptyQuery {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRRFMonotonicity(t *testing.T) {
	e, _, cleanup := testEngine(t, "http://unused", 0)
	defer cleanup()

	for _, k := range []int{1, 10, 60, 500} {
		lex := []hit{{chunkID: "c1", score: 2.0, rank: 1}, {chunkID: "c2", score: 1.0, rank: 2}}
		vec := []hit{{chunkID: "c1", score: 0.9, rank: 1}, {chunkID: "c3", score: 0.5, rank: 2}}
		fused := e.fuse(lex, vec, k)
		if fused[0].ChunkID != "c1" {
			t.Fatalf("k=%d: item ranked first in both lists must lead, got %s", k, fused[0].ChunkID)
		}
		// c1 appears at rank 1 in both lists; any single-list rank-1 item
		// contributes exactly half of c1's fused score.
		want := 2.0 / float64(k+1)
		if fused[0].Scores.Fused != want {
			t.Fatalf("k=%d: fused score %.6f, want %.6f", k, fused[0].Scores.Fused, want)
		}
		for _, c := range fused[1:] {
			if c.Scores.Fused > fused[0].Scores.Fused {
				t.Fatalf("k=%d: %s outranks a dual rank-1 item", k, c.ChunkID)
			}
		}
	}
}

func TestRetrieveFloodRiskScenario(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// Query embedding sits on the on-topic chunk's axis.
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[1,0,0]}]}`))
	}))
	defer srv.Close()

	e, mock, cleanup := testEngine(t, srv.URL, 2) // fusion + embedding
	defer cleanup()

	res, err := e.Retrieve(context.Background(), Request{
		Query:      "flood risk policy",
		Limit:      5,
		UseLexical: true,
		UseVector:  true,
		RerankTopN: 10,
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if len(res.Candidates) == 0 {
		t.Fatalf("expected candidates")
	}
	top := res.Candidates[0]
	if top.ChunkID != "c1" {
		t.Fatalf("on-topic chunk must rank first, got %s", top.ChunkID)
	}
	if top.EvidenceRef != "chunk::d1::c1" {
		t.Fatalf("unexpected evidence ref: %s", top.EvidenceRef)
	}
	for _, c := range res.Candidates[1:] {
		if c.Scores.Fused >= top.Scores.Fused {
			t.Fatalf("off-topic chunk %s fused score %.6f not below top %.6f", c.ChunkID, c.Scores.Fused, top.Scores.Fused)
		}
	}
	if len(res.ToolRunIDs) != 1 {
		t.Fatalf("expected exactly one fusion tool run id, got %v", res.ToolRunIDs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRetrieveRerankWrongLengthFallsBackToFusedOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/embeddings":
			_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[1,0,0]}]}`))
		case "/v1/rerank":
			// Wrong-length score array: three candidates expected at most,
			// one score returned.
			_, _ = w.Write([]byte(`[0.5]`))
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	e, mock, cleanup := testEngine(t, srv.URL, 3) // fusion + embedding + rerank
	defer cleanup()

	req := Request{Query: "flood risk policy", Limit: 5, UseLexical: true, UseVector: true, UseRerank: true, RerankTopN: 10}
	res, err := e.Retrieve(context.Background(), req)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected one recorded error, got %v", res.Errors)
	}
	if res.Candidates[0].ChunkID != "c1" {
		t.Fatalf("fallback must preserve fused order, got %s first", res.Candidates[0].ChunkID)
	}
	for _, c := range res.Candidates {
		if c.Scores.Rerank != nil {
			t.Fatalf("no rerank score should be attached after fallback")
		}
	}
	if len(res.ToolRunIDs) != 2 {
		t.Fatalf("expected fusion and rerank tool run ids, got %v", res.ToolRunIDs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRetrieveEmbeddingOutageDegradesToLexical(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e, mock, cleanup := testEngine(t, srv.URL, 2) // fusion + failed embedding
	defer cleanup()

	res, err := e.Retrieve(context.Background(), Request{Query: "flood risk policy", Limit: 5, UseLexical: true, UseVector: true})
	if err != nil {
		t.Fatalf("Retrieve must not fail on instrument outage: %v", err)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected one recorded error, got %v", res.Errors)
	}
	if len(res.Candidates) == 0 || res.Candidates[0].ChunkID != "c1" {
		t.Fatalf("lexical signal alone should still surface the on-topic chunk")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRetrieveScopeFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[0,0.7,0.3]}]}`))
	}))
	defer srv.Close()

	e, mock, cleanup := testEngine(t, srv.URL, 2)
	defer cleanup()

	res, err := e.Retrieve(context.Background(), Request{
		Query:     "noise limits for deliveries",
		Filters:   Filters{SourceID: "s2"},
		Limit:     5,
		UseVector: true,
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	for _, c := range res.Candidates {
		if c.ChunkID != "c5" {
			t.Fatalf("scope filter leaked chunk %s", c.ChunkID)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
