package store

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return &Store{DB: db}, mock, func() { db.Close() }
}

func TestCreateAndGetRun(t *testing.T) {
	st, mock, closeDB := newMockStore(t)
	defer closeDB()

	anchors := json.RawMessage(`{"question":"is the setback variance justified"}`)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO runs (id, profile, anchors) VALUES ($1,$2,$3)`)).
		WithArgs(sqlmock.AnyArg(), "default", []byte(anchors)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := st.CreateRun(context.Background(), "default", anchors)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if id == "" {
		t.Fatalf("expected generated run id")
	}

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "profile", "anchors", "created_at"}).
		AddRow(id, "default", []byte(anchors), now)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, profile, anchors, created_at FROM runs WHERE id=$1`)).
		WithArgs(id).
		WillReturnRows(rows)

	rec, ok, err := st.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !ok {
		t.Fatalf("expected run to exist")
	}
	if rec.Profile != "default" || string(rec.Anchors) != string(anchors) {
		t.Fatalf("unexpected run record: %+v", rec)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetRunUnknownReturnsNotFound(t *testing.T) {
	st, mock, closeDB := newMockStore(t)
	defer closeDB()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, profile, anchors, created_at FROM runs WHERE id=$1`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "profile", "anchors", "created_at"}))

	_, ok, err := st.GetRun(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if ok {
		t.Fatalf("expected not found")
	}
}

func TestListRunsClampsBadLimits(t *testing.T) {
	st, mock, closeDB := newMockStore(t)
	defer closeDB()

	query := regexp.QuoteMeta(`SELECT id, profile, anchors, created_at FROM runs ORDER BY created_at DESC LIMIT $1`)
	for _, limit := range []int{0, -3, 1000} {
		mock.ExpectQuery(query).
			WithArgs(50).
			WillReturnRows(sqlmock.NewRows([]string{"id", "profile", "anchors", "created_at"}))
		if _, err := st.ListRuns(context.Background(), limit); err != nil {
			t.Fatalf("ListRuns(%d): %v", limit, err)
		}
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertMoveEventRoundTrip(t *testing.T) {
	st, mock, closeDB := newMockStore(t)
	defer closeDB()

	rec := MoveEventRecord{
		RunID:              "7f8a4f54-9f29-4f0b-a7b0-11112222aaaa",
		Seq:                3,
		MoveType:           "evidence_curation",
		Status:             MoveStatusPartial,
		Inputs:             json.RawMessage(`{"issues":2}`),
		Outputs:            json.RawMessage(`{"pool":5}`),
		EvidenceConsidered: []string{"chunk::d1::c1"},
		Assumptions:        []string{"corpus is current"},
		Uncertainties:      []string{"one retrieval signal failed"},
		ToolRunIDs:         []string{"9f8a4f54-9f29-4f0b-a7b0-11112222bbbb"},
	}

	insert := regexp.QuoteMeta(`
INSERT INTO move_events (id, run_id, seq, move_type, status, inputs, outputs, evidence_considered, assumptions, uncertainties, tool_run_ids, backtrack_of)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
RETURNING created_at`)
	now := time.Now()
	mock.ExpectQuery(insert).
		WithArgs(sqlmock.AnyArg(), rec.RunID, rec.Seq, rec.MoveType, rec.Status,
			[]byte(rec.Inputs), []byte(rec.Outputs),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), nil).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))

	stored, err := st.InsertMoveEvent(context.Background(), rec)
	if err != nil {
		t.Fatalf("InsertMoveEvent: %v", err)
	}
	if stored.ID == "" {
		t.Fatalf("expected generated move id")
	}
	if !stored.CreatedAt.Equal(now) {
		t.Fatalf("expected created_at from row, got %v", stored.CreatedAt)
	}

	list := regexp.QuoteMeta(`
SELECT id, run_id, seq, move_type, status, inputs, outputs, evidence_considered, assumptions, uncertainties, tool_run_ids, backtrack_of, created_at
FROM move_events WHERE run_id=$1 ORDER BY seq`)
	rows := sqlmock.NewRows([]string{
		"id", "run_id", "seq", "move_type", "status", "inputs", "outputs",
		"evidence_considered", "assumptions", "uncertainties", "tool_run_ids", "backtrack_of", "created_at",
	}).AddRow(stored.ID, rec.RunID, rec.Seq, rec.MoveType, rec.Status,
		[]byte(rec.Inputs), []byte(rec.Outputs),
		"{chunk::d1::c1}", `{"corpus is current"}`, `{"one retrieval signal failed"}`,
		"{9f8a4f54-9f29-4f0b-a7b0-11112222bbbb}", nil, now)
	mock.ExpectQuery(list).WithArgs(rec.RunID).WillReturnRows(rows)

	got, err := st.ListMoveEvents(context.Background(), rec.RunID)
	if err != nil {
		t.Fatalf("ListMoveEvents: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 move, got %d", len(got))
	}
	m := got[0]
	if m.MoveType != "evidence_curation" || m.Status != MoveStatusPartial {
		t.Fatalf("unexpected move: %+v", m)
	}
	if len(m.EvidenceConsidered) != 1 || m.EvidenceConsidered[0] != "chunk::d1::c1" {
		t.Fatalf("unexpected evidence_considered: %v", m.EvidenceConsidered)
	}
	if len(m.ToolRunIDs) != 1 || m.ToolRunIDs[0] != "9f8a4f54-9f29-4f0b-a7b0-11112222bbbb" {
		t.Fatalf("unexpected tool_run_ids: %v", m.ToolRunIDs)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertToolRunAppliesDefaults(t *testing.T) {
	st, mock, closeDB := newMockStore(t)
	defer closeDB()

	insert := regexp.QuoteMeta(`
INSERT INTO tool_runs (id, instrument, inputs, status, confidence, limitations)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING started_at`)
	now := time.Now()
	mock.ExpectQuery(insert).
		WithArgs(sqlmock.AnyArg(), "embedding", []byte(`{}`), ToolRunStatusRunning, ConfidenceMedium, "").
		WillReturnRows(sqlmock.NewRows([]string{"started_at"}).AddRow(now))

	rec, err := st.InsertToolRun(context.Background(), ToolRunRecord{Instrument: "embedding"})
	if err != nil {
		t.Fatalf("InsertToolRun: %v", err)
	}
	if rec.Status != ToolRunStatusRunning || rec.Confidence != ConfidenceMedium {
		t.Fatalf("defaults not applied: %+v", rec)
	}

	update := regexp.QuoteMeta(`
UPDATE tool_runs SET status=$2, outputs=$3, confidence=$4, limitations=$5, completed_at=NOW()
WHERE id=$1`)
	mock.ExpectExec(update).
		WithArgs(rec.ID, ToolRunStatusSuccess, []byte(`{"vectors":1}`), ConfidenceHigh, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.CompleteToolRun(context.Background(), rec.ID, ToolRunStatusSuccess, json.RawMessage(`{"vectors":1}`), ConfidenceHigh, ""); err != nil {
		t.Fatalf("CompleteToolRun: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListToolRunsByIDsEmptyInput(t *testing.T) {
	st, mock, closeDB := newMockStore(t)
	defer closeDB()

	got, err := st.ListToolRunsByIDs(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListToolRunsByIDs: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
	// No query may reach the database for an empty id set.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFindDocumentByHash(t *testing.T) {
	st, mock, closeDB := newMockStore(t)
	defer closeDB()

	query := regexp.QuoteMeta(`SELECT id FROM documents WHERE content_hash=$1`)

	mock.ExpectQuery(query).WithArgs("deadbeef").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, ok, err := st.FindDocumentByHash(context.Background(), "deadbeef")
	if err != nil {
		t.Fatalf("FindDocumentByHash: %v", err)
	}
	if ok {
		t.Fatalf("expected miss for new hash")
	}

	mock.ExpectQuery(query).WithArgs("cafef00d").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("doc-1"))
	id, ok, err := st.FindDocumentByHash(context.Background(), "cafef00d")
	if err != nil {
		t.Fatalf("FindDocumentByHash: %v", err)
	}
	if !ok || id != "doc-1" {
		t.Fatalf("expected hit doc-1, got ok=%v id=%q", ok, id)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertEvidenceLinkIgnoresDuplicates(t *testing.T) {
	st, mock, closeDB := newMockStore(t)
	defer closeDB()

	query := regexp.QuoteMeta(`
INSERT INTO evidence_links (run_id, move_id, evidence_id, role)
VALUES ($1,$2,$3,$4)
ON CONFLICT (move_id, evidence_id, role) DO NOTHING`)

	mock.ExpectExec(query).
		WithArgs("run-1", "move-1", "ev-1", RoleSupporting).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Second insert hits the conflict clause; zero rows is still success.
	mock.ExpectExec(query).
		WithArgs("run-1", "move-1", "ev-1", RoleSupporting).
		WillReturnResult(sqlmock.NewResult(0, 0))

	for i := 0; i < 2; i++ {
		if err := st.InsertEvidenceLink(context.Background(), "run-1", "move-1", "ev-1", RoleSupporting); err != nil {
			t.Fatalf("InsertEvidenceLink attempt %d: %v", i+1, err)
		}
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
