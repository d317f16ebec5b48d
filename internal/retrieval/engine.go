// Package retrieval implements hybrid search over the chunk corpus: lexical
// and vector rankings fused with Reciprocal Rank Fusion, optionally
// reordered by a cross-encoder instrument.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/marcus-whitfield/evidentia/config"
	"github.com/marcus-whitfield/evidentia/internal/instrument"
	"github.com/marcus-whitfield/evidentia/internal/store"
)

var retrievalTracer trace.Tracer = otel.Tracer("evidentia/internal/retrieval")

// DefaultRRFK is the reciprocal-rank-fusion constant used when the caller
// does not supply one.
const DefaultRRFK = 60

// RRF constants are clamped into this range.
const (
	MinRRFK = 1
	MaxRRFK = 1000
)

// ErrEmptyQuery rejects blank queries before any external call is made.
var ErrEmptyQuery = errors.New("query must not be empty")

// Filters scope a retrieval to a source and/or collection.
type Filters struct {
	SourceID     string `json:"source_id,omitempty"`
	CollectionID string `json:"collection_id,omitempty"`
}

// Request describes one hybrid retrieval.
type Request struct {
	Query      string
	Filters    Filters
	Limit      int
	UseLexical bool
	UseVector  bool
	UseRerank  bool
	RRFK       int
	RerankTopN int
}

// Scores is the per-candidate score breakdown across signals.
type Scores struct {
	Lexical   float64  `json:"lexical,omitempty"`
	VectorSim float64  `json:"vector_sim,omitempty"`
	Fused     float64  `json:"fused"`
	Rerank    *float64 `json:"rerank,omitempty"`
}

// Candidate is one scored evidence item. Body is carried only while the
// candidate may still be sent to the rerank instrument; it is stripped
// before the candidate leaves the engine.
type Candidate struct {
	ChunkID     string `json:"chunk_id"`
	EvidenceRef string `json:"evidence_ref"`
	Rank        int    `json:"rank"`
	Scores      Scores `json:"scores"`

	body string
}

// Body exposes the chunk text for callers that need it before truncation
// strips it (the pipeline shows candidate text to the generative
// instrument).
func (c Candidate) Body() string { return c.body }

// Result is the outcome of one retrieval, degraded or not.
type Result struct {
	Candidates []Candidate `json:"candidates"`
	ToolRunIDs []string    `json:"tool_run_ids"`
	Errors     []string    `json:"errors,omitempty"`
}

// Partial reports whether any signal failed along the way.
func (r Result) Partial() bool { return len(r.Errors) > 0 }

// Engine fuses lexical and vector rankings over the corpus index.
type Engine struct {
	cfg         config.RetrievalConfig
	index       *Index
	instruments *instrument.Client
	cache       *EmbeddingCache
	logger      *log.Logger
}

// NewEngine wires the fusion engine. cache may be nil.
func NewEngine(cfg config.RetrievalConfig, index *Index, instruments *instrument.Client, cache *EmbeddingCache, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[RETRIEVAL] ", log.LstdFlags)
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 50
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.RerankTopN <= 0 {
		cfg.RerankTopN = 10
	}
	return &Engine{cfg: cfg, index: index, instruments: instruments, cache: cache, logger: logger}
}

// ClampLimit bounds a requested result count to the configured maximum.
func (e *Engine) ClampLimit(limit int) int {
	if limit <= 0 {
		return e.cfg.DefaultLimit
	}
	if limit > e.cfg.MaxLimit {
		return e.cfg.MaxLimit
	}
	return limit
}

func clampRRFK(k int) int {
	if k <= 0 {
		return DefaultRRFK
	}
	if k < MinRRFK {
		return MinRRFK
	}
	if k > MaxRRFK {
		return MaxRRFK
	}
	return k
}

// Retrieve runs the fusion algorithm. Instrument failures degrade the
// result rather than aborting it; the only error returned is input
// validation or a store failure while recording the fusion tool run.
func (e *Engine) Retrieve(ctx context.Context, req Request) (Result, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return Result{}, ErrEmptyQuery
	}
	limit := e.ClampLimit(req.Limit)
	k := clampRRFK(req.RRFK)

	ctx, span := retrievalTracer.Start(ctx, "retrieval.retrieve",
		trace.WithAttributes(
			attribute.String("retrieval.query", req.Query),
			attribute.Int("retrieval.limit", limit),
			attribute.Bool("retrieval.lexical", req.UseLexical),
			attribute.Bool("retrieval.vector", req.UseVector),
			attribute.Bool("retrieval.rerank", req.UseRerank),
		))
	defer span.End()

	// One tool run covers the fusion pass regardless of how it degrades.
	fusionID, err := e.instruments.BeginToolRun(ctx, instrument.NameFusion, map[string]any{
		"query": req.Query, "limit": limit, "rrf_k": k,
		"lexical": req.UseLexical, "vector": req.UseVector, "rerank": req.UseRerank,
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{ToolRunIDs: []string{fusionID}}

	var lexHits, vecHits []hit
	if req.UseLexical {
		lexHits, err = e.index.Lexical(req.Query, limit, req.Filters)
		if err != nil {
			res.Errors = append(res.Errors, "lexical search failed: "+err.Error())
			lexHits = nil
		}
	}
	if req.UseVector {
		qvec, embErr := e.embedQuery(ctx, req.Query)
		if embErr != nil {
			res.Errors = append(res.Errors, "query embedding failed: "+embErr.Error())
		} else {
			vecHits = e.index.Vector(qvec, limit, req.Filters)
		}
	}

	candidates := e.fuse(lexHits, vecHits, k)

	if req.UseRerank && len(candidates) > 0 {
		rerankID := e.rerank(ctx, req.Query, candidates, req.RerankTopN, &res)
		if rerankID != "" {
			res.ToolRunIDs = append(res.ToolRunIDs, rerankID)
		}
	}

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	for i := range candidates {
		candidates[i].Rank = i + 1
	}
	res.Candidates = candidates

	status := store.ToolRunStatusSuccess
	confidence := store.ConfidenceHigh
	limitations := ""
	if len(res.Errors) > 0 {
		status = store.ToolRunStatusPartial
		confidence = store.ConfidenceLow
		limitations = fmt.Sprintf("%d signal failure(s): %v", len(res.Errors), res.Errors)
	}
	e.instruments.CompleteToolRun(ctx, fusionID, status, map[string]any{
		"candidates": len(res.Candidates),
		"lexical":    len(lexHits),
		"vector":     len(vecHits),
	}, confidence, limitations)

	return res, nil
}

func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	model := e.instruments.EmbeddingModel()
	if vec, ok := e.cache.Get(ctx, model, query); ok {
		return vec, nil
	}
	vecs, _, err := e.instruments.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, errors.New("embedding instrument returned no vector")
	}
	e.cache.Put(ctx, model, query, vecs[0])
	return vecs[0], nil
}

// fuse merges the two ranked lists with Reciprocal Rank Fusion: an item at
// 1-based rank r in a list contributes 1/(k+r); missing from a list
// contributes nothing.
func (e *Engine) fuse(lex, vec []hit, k int) []Candidate {
	type agg struct {
		lexScore float64
		vecSim   float64
		fused    float64
	}
	m := map[string]*agg{}
	for _, h := range lex {
		a, ok := m[h.chunkID]
		if !ok {
			a = &agg{}
			m[h.chunkID] = a
		}
		a.lexScore = h.score
		a.fused += 1.0 / float64(k+h.rank)
	}
	for _, h := range vec {
		a, ok := m[h.chunkID]
		if !ok {
			a = &agg{}
			m[h.chunkID] = a
		}
		a.vecSim = h.score
		a.fused += 1.0 / float64(k+h.rank)
	}

	out := make([]Candidate, 0, len(m))
	for id, a := range m {
		chunk, ok := e.index.Chunk(id)
		if !ok {
			continue
		}
		out = append(out, Candidate{
			ChunkID:     id,
			EvidenceRef: fmt.Sprintf("chunk::%s::%s", chunk.DocumentID, chunk.ID),
			Scores:      Scores{Lexical: a.lexScore, VectorSim: a.vecSim, Fused: a.fused},
			body:        chunk.Body,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Scores.Fused > out[j].Scores.Fused })
	return out
}

// rerank reorders the top-n fused prefix by cross-encoder score. Any
// failure, including a score-count mismatch, falls back silently to the
// fused order with the condition recorded on the result.
func (e *Engine) rerank(ctx context.Context, query string, candidates []Candidate, topN int, res *Result) string {
	if topN <= 0 {
		topN = e.cfg.RerankTopN
	}
	if topN > len(candidates) {
		topN = len(candidates)
	}
	texts := make([]string, topN)
	for i := 0; i < topN; i++ {
		texts[i] = candidates[i].body
	}

	scores, toolRunID, err := e.instruments.Rerank(ctx, query, texts)
	if err != nil {
		res.Errors = append(res.Errors, "rerank failed: "+err.Error())
		return toolRunID
	}
	if len(scores) != topN {
		res.Errors = append(res.Errors, fmt.Sprintf("rerank score count mismatch: sent %d, got %d", topN, len(scores)))
		return toolRunID
	}
	for i := 0; i < topN; i++ {
		s := scores[i]
		candidates[i].Scores.Rerank = &s
	}
	// Re-sort the prefix only; the tail keeps fused order.
	sort.SliceStable(candidates[:topN], func(i, j int) bool {
		return *candidates[i].Scores.Rerank > *candidates[j].Scores.Rerank
	})
	return toolRunID
}
