package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store wraps the relational database that is the single source of truth for
// runs, moves, tool runs, evidence and the document corpus.
type Store struct {
	DB *sql.DB
}

// Tool run statuses persisted for instrument invocations.
const (
	ToolRunStatusRunning = "running"
	ToolRunStatusSuccess = "success"
	ToolRunStatusPartial = "partial"
	ToolRunStatusError   = "error"
)

// Move statuses.
const (
	MoveStatusSuccess = "success"
	MoveStatusPartial = "partial"
	MoveStatusError   = "error"
)

// Qualitative confidence hints attached to tool runs.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// Evidence link roles.
const (
	RoleSupporting     = "supporting"
	RoleCountervailing = "countervailing"
	RoleContextual     = "contextual"
)

// DocumentRecord represents one ingested source document.
type DocumentRecord struct {
	ID           string
	SourceID     string
	CollectionID string
	Title        string
	ContentHash  string
	CreatedAt    time.Time
}

// ChunkRecord is one indexed fragment of a document, with its stored embedding.
type ChunkRecord struct {
	ID           string
	DocumentID   string
	SourceID     string
	CollectionID string
	Ord          int
	Body         string
	Embedding    []float32
	CreatedAt    time.Time
}

// EvidenceRefRecord is the durable row behind one opaque citation token.
type EvidenceRefRecord struct {
	ID         string
	SourceType string
	SourceID   string
	FragmentID string
	CreatedAt  time.Time
}

// Token renders the canonical string form of the reference.
func (r EvidenceRefRecord) Token() string {
	return r.SourceType + "::" + r.SourceID + "::" + r.FragmentID
}

// ToolRunRecord captures one external instrument invocation.
type ToolRunRecord struct {
	ID          string
	Instrument  string
	Inputs      json.RawMessage
	Outputs     json.RawMessage
	Status      string
	Confidence  string
	Limitations string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// RunRecord is one execution of the reasoning pipeline.
type RunRecord struct {
	ID        string
	Profile   string
	Anchors   json.RawMessage
	CreatedAt time.Time
}

// MoveEventRecord is one step of a run. Append-only.
type MoveEventRecord struct {
	ID                 string
	RunID              string
	Seq                int
	MoveType           string
	Status             string
	Inputs             json.RawMessage
	Outputs            json.RawMessage
	EvidenceConsidered []string
	Assumptions        []string
	Uncertainties      []string
	ToolRunIDs         []string
	BacktrackOf        *string
	CreatedAt          time.Time
}

// EvidenceLinkRecord joins a move to an evidence ref in a given role.
type EvidenceLinkRecord struct {
	RunID      string
	MoveID     string
	EvidenceID string
	Role       string
	CreatedAt  time.Time
}

// AuditEventRecord is a run-tagged audit entry.
type AuditEventRecord struct {
	ID        string
	RunID     string
	Kind      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// New constructs the Store from DATABASE_URL or POSTGRES_* env vars.
func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Document operations

// FindDocumentByHash returns the id of a previously ingested document with the
// same content hash, if any. This is the idempotency check for ingestion.
func (s *Store) FindDocumentByHash(ctx context.Context, hash string) (string, bool, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `SELECT id FROM documents WHERE content_hash=$1`, hash).Scan(&id)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (s *Store) InsertDocument(ctx context.Context, rec DocumentRecord) (DocumentRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO documents (id, source_id, collection_id, title, content_hash)
VALUES ($1,$2,$3,$4,$5)
RETURNING created_at`,
		rec.ID, rec.SourceID, rec.CollectionID, rec.Title, rec.ContentHash,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("insert document: %w", err)
	}
	return rec, nil
}

func (s *Store) InsertChunk(ctx context.Context, rec ChunkRecord) (ChunkRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO doc_chunks (id, document_id, source_id, collection_id, ord, body, embedding)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING created_at`,
		rec.ID, rec.DocumentID, rec.SourceID, rec.CollectionID, rec.Ord, rec.Body, pq.Array(rec.Embedding),
	).Scan(&rec.CreatedAt)
	if err != nil {
		return ChunkRecord{}, fmt.Errorf("insert chunk: %w", err)
	}
	return rec, nil
}

// ListChunks returns every stored chunk; the retrieval engine hydrates its
// in-memory lexical and vector indexes from this at startup.
func (s *Store) ListChunks(ctx context.Context) ([]ChunkRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, document_id, source_id, collection_id, ord, body, embedding, created_at
FROM doc_chunks ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChunkRecord
	for rows.Next() {
		var c ChunkRecord
		var vec pq.Float32Array
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.SourceID, &c.CollectionID, &c.Ord, &c.Body, &vec, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Embedding = []float32(vec)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Evidence ref operations

// ResolveOrCreateEvidenceRef returns the stable identifier for the triple,
// inserting it on first sight. Two racing callers converge on one row: the
// insert is ON CONFLICT DO NOTHING and the loser re-reads the winner's id.
func (s *Store) ResolveOrCreateEvidenceRef(ctx context.Context, sourceType, sourceID, fragmentID string) (string, error) {
	id := uuid.NewString()
	var got string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO evidence_refs (id, source_type, source_id, fragment_id)
VALUES ($1,$2,$3,$4)
ON CONFLICT (source_type, source_id, fragment_id) DO NOTHING
RETURNING id`, id, sourceType, sourceID, fragmentID).Scan(&got)
	if err == nil {
		return got, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("insert evidence ref: %w", err)
	}
	// Conflict path: the row already exists, fetch its id.
	err = s.DB.QueryRowContext(ctx, `
SELECT id FROM evidence_refs WHERE source_type=$1 AND source_id=$2 AND fragment_id=$3`,
		sourceType, sourceID, fragmentID).Scan(&got)
	if err != nil {
		return "", fmt.Errorf("fetch evidence ref after conflict: %w", err)
	}
	return got, nil
}

func (s *Store) ListEvidenceRefsByIDs(ctx context.Context, ids []string) ([]EvidenceRefRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, source_type, source_id, fragment_id, created_at FROM evidence_refs WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EvidenceRefRecord
	for rows.Next() {
		var rec EvidenceRefRecord
		if err := rows.Scan(&rec.ID, &rec.SourceType, &rec.SourceID, &rec.FragmentID, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Tool run operations

// InsertToolRun creates the row before the external call goes out so outputs
// referencing the tool run never hit a missing foreign key.
func (s *Store) InsertToolRun(ctx context.Context, rec ToolRunRecord) (ToolRunRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = ToolRunStatusRunning
	}
	if rec.Confidence == "" {
		rec.Confidence = ConfidenceMedium
	}
	if len(rec.Inputs) == 0 {
		rec.Inputs = json.RawMessage(`{}`)
	}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO tool_runs (id, instrument, inputs, status, confidence, limitations)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING started_at`,
		rec.ID, rec.Instrument, []byte(rec.Inputs), rec.Status, rec.Confidence, rec.Limitations,
	).Scan(&rec.StartedAt)
	if err != nil {
		return ToolRunRecord{}, fmt.Errorf("insert tool run: %w", err)
	}
	return rec, nil
}

// CompleteToolRun records the outcome of the external call in place.
func (s *Store) CompleteToolRun(ctx context.Context, id, status string, outputs json.RawMessage, confidence, limitations string) error {
	if outputs == nil {
		outputs = json.RawMessage(`{}`)
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE tool_runs SET status=$2, outputs=$3, confidence=$4, limitations=$5, completed_at=NOW()
WHERE id=$1`, id, status, []byte(outputs), confidence, limitations)
	return err
}

func (s *Store) ListToolRunsByIDs(ctx context.Context, ids []string) ([]ToolRunRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, instrument, inputs, outputs, status, confidence, limitations, started_at, completed_at
FROM tool_runs WHERE id = ANY($1) ORDER BY started_at`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ToolRunRecord
	for rows.Next() {
		var rec ToolRunRecord
		var inputs, outputs []byte
		if err := rows.Scan(&rec.ID, &rec.Instrument, &inputs, &outputs, &rec.Status, &rec.Confidence, &rec.Limitations, &rec.StartedAt, &rec.CompletedAt); err != nil {
			return nil, err
		}
		rec.Inputs = json.RawMessage(inputs)
		rec.Outputs = json.RawMessage(outputs)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Run operations

func (s *Store) CreateRun(ctx context.Context, profile string, anchors json.RawMessage) (string, error) {
	if len(anchors) == 0 {
		anchors = json.RawMessage(`{}`)
	}
	id := uuid.NewString()
	_, err := s.DB.ExecContext(ctx, `INSERT INTO runs (id, profile, anchors) VALUES ($1,$2,$3)`, id, profile, []byte(anchors))
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return id, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (RunRecord, bool, error) {
	var rec RunRecord
	var anchors []byte
	err := s.DB.QueryRowContext(ctx, `SELECT id, profile, anchors, created_at FROM runs WHERE id=$1`, id).
		Scan(&rec.ID, &rec.Profile, &anchors, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	rec.Anchors = json.RawMessage(anchors)
	return rec, true, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, profile, anchors, created_at FROM runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var anchors []byte
		if err := rows.Scan(&rec.ID, &rec.Profile, &anchors, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Anchors = json.RawMessage(anchors)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Move event operations

func (s *Store) InsertMoveEvent(ctx context.Context, rec MoveEventRecord) (MoveEventRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if len(rec.Inputs) == 0 {
		rec.Inputs = json.RawMessage(`{}`)
	}
	if len(rec.Outputs) == 0 {
		rec.Outputs = json.RawMessage(`{}`)
	}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO move_events (id, run_id, seq, move_type, status, inputs, outputs, evidence_considered, assumptions, uncertainties, tool_run_ids, backtrack_of)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
RETURNING created_at`,
		rec.ID, rec.RunID, rec.Seq, rec.MoveType, rec.Status, []byte(rec.Inputs), []byte(rec.Outputs),
		pq.Array(rec.EvidenceConsidered), pq.Array(rec.Assumptions), pq.Array(rec.Uncertainties),
		pq.Array(rec.ToolRunIDs), rec.BacktrackOf,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return MoveEventRecord{}, fmt.Errorf("insert move event: %w", err)
	}
	return rec, nil
}

// ListMoveEvents returns a run's moves in strict sequence order.
func (s *Store) ListMoveEvents(ctx context.Context, runID string) ([]MoveEventRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, run_id, seq, move_type, status, inputs, outputs, evidence_considered, assumptions, uncertainties, tool_run_ids, backtrack_of, created_at
FROM move_events WHERE run_id=$1 ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MoveEventRecord
	for rows.Next() {
		var rec MoveEventRecord
		var inputs, outputs []byte
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Seq, &rec.MoveType, &rec.Status, &inputs, &outputs,
			pq.Array(&rec.EvidenceConsidered), pq.Array(&rec.Assumptions), pq.Array(&rec.Uncertainties),
			pq.Array(&rec.ToolRunIDs), &rec.BacktrackOf, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Inputs = json.RawMessage(inputs)
		rec.Outputs = json.RawMessage(outputs)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Evidence link operations

// InsertEvidenceLink records a citation; repeated citation of the same
// evidence in the same role by the same move is a no-op.
func (s *Store) InsertEvidenceLink(ctx context.Context, runID, moveID, evidenceID, role string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO evidence_links (run_id, move_id, evidence_id, role)
VALUES ($1,$2,$3,$4)
ON CONFLICT (move_id, evidence_id, role) DO NOTHING`, runID, moveID, evidenceID, role)
	return err
}

func (s *Store) ListEvidenceLinksByRun(ctx context.Context, runID string) ([]EvidenceLinkRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT run_id, move_id, evidence_id, role, created_at FROM evidence_links WHERE run_id=$1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EvidenceLinkRecord
	for rows.Next() {
		var rec EvidenceLinkRecord
		if err := rows.Scan(&rec.RunID, &rec.MoveID, &rec.EvidenceID, &rec.Role, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Audit event operations

func (s *Store) InsertAuditEvent(ctx context.Context, runID, kind string, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO audit_events (id, run_id, kind, payload) VALUES ($1,$2,$3,$4)`,
		uuid.NewString(), runID, kind, []byte(payload))
	return err
}

func (s *Store) ListAuditEventsByRun(ctx context.Context, runID string) ([]AuditEventRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, run_id, kind, payload, created_at FROM audit_events WHERE run_id=$1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEventRecord
	for rows.Next() {
		var rec AuditEventRecord
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Kind, &payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Payload = json.RawMessage(payload)
		out = append(out, rec)
	}
	return out, rows.Err()
}
