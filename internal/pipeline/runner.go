// Package pipeline sequences the reasoning moves of a run, binding
// instrument output to citable evidence and degrading gracefully when
// instruments are unavailable. The relational store is the only dependency
// a run is allowed to die on.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/marcus-whitfield/evidentia/config"
	"github.com/marcus-whitfield/evidentia/internal/evidence"
	"github.com/marcus-whitfield/evidentia/internal/instrument"
	"github.com/marcus-whitfield/evidentia/internal/retrieval"
	"github.com/marcus-whitfield/evidentia/internal/store"
)

var pipelineTracer trace.Tracer = otel.Tracer("evidentia/internal/pipeline")

// ErrMissingQuestion rejects runs whose anchors carry no question to reason
// about. Checked before the run row is created.
var ErrMissingQuestion = errors.New("anchors must carry a question")

const maxIssues = 6
const excerptLen = 280

const citeConstraint = "Cite only evidence refs from the evidence list you were given; never invent refs. " +
	"Respond with exactly one JSON object and no other text."

// Runner executes the fixed move sequence for one run at a time per run id.
type Runner struct {
	cfg         config.PipelineConfig
	store       *store.Store
	registry    *evidence.Registry
	engine      *retrieval.Engine
	instruments *instrument.Client
	logger      *log.Logger
}

// NewRunner wires the orchestrator. All dependencies are injected; the
// runner owns no global state.
func NewRunner(cfg config.PipelineConfig, st *store.Store, reg *evidence.Registry, eng *retrieval.Engine, ins *instrument.Client, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags)
	}
	if cfg.MaxCurationWorkers <= 0 {
		cfg.MaxCurationWorkers = 4
	}
	if cfg.EvidencePerIssue <= 0 {
		cfg.EvidencePerIssue = 8
	}
	return &Runner{cfg: cfg, store: st, registry: reg, engine: eng, instruments: ins, logger: logger}
}

// RunRequest starts one pipeline execution.
type RunRequest struct {
	Profile string
	Anchors json.RawMessage
}

// anchorsPayload is the subset of the opaque anchors the pipeline reads.
type anchorsPayload struct {
	Question     string `json:"question"`
	SourceID     string `json:"source_id,omitempty"`
	CollectionID string `json:"collection_id,omitempty"`
}

// MoveSummary reports one persisted move.
type MoveSummary struct {
	Seq      int      `json:"seq"`
	Type     MoveType `json:"type"`
	Status   string   `json:"status"`
	MoveID   string   `json:"move_id"`
	ToolRuns []string `json:"tool_runs,omitempty"`
}

// RunResult is the outcome of one complete run.
type RunResult struct {
	RunID    string        `json:"run_id"`
	Artifact string        `json:"artifact"`
	Moves    []MoveSummary `json:"moves"`
}

type runState struct {
	anchors   anchorsPayload
	outputs   []MoveOutput
	pool      map[string]CandidateSummary
	poolOrder []string
}

func (s *runState) addToPool(c CandidateSummary) {
	if _, ok := s.pool[c.Ref]; ok {
		return
	}
	s.pool[c.Ref] = c
	s.poolOrder = append(s.poolOrder, c.Ref)
}

func (s *runState) evidenceList() []CandidateSummary {
	out := make([]CandidateSummary, 0, len(s.poolOrder))
	for _, ref := range s.poolOrder {
		out = append(out, s.pool[ref])
	}
	return out
}

// filterCitations drops citations naming refs that were never supplied to
// the move. Fabricated citations are not trusted; the drop is recorded.
func (s *runState) filterCitations(cs []Citation) (kept []Citation, dropped []string) {
	for _, c := range cs {
		if _, ok := s.pool[c.Ref]; !ok {
			dropped = append(dropped, c.Ref)
			continue
		}
		c.Role = normalizeRole(c.Role)
		kept = append(kept, c)
	}
	return kept, dropped
}

func (s *runState) issues() []Issue {
	for _, o := range s.outputs {
		if o.Issues != nil && len(o.Issues.Issues) > 0 {
			return o.Issues.Issues
		}
	}
	return []Issue{{ID: "issue-1", Title: "general", Query: s.anchors.Question}}
}

// moveResult is the in-memory outcome of one move before persistence.
type moveResult struct {
	output             MoveOutput
	status             string
	toolRunIDs         []string
	assumptions        []string
	uncertainties      []string
	evidenceConsidered []string
}

// Execute runs the full move sequence. Every invocation creates a brand-new
// run; runs are never deduplicated. The returned error is non-nil only for
// input validation failures or a store outage.
func (r *Runner) Execute(ctx context.Context, req RunRequest) (RunResult, error) {
	var anc anchorsPayload
	if len(req.Anchors) > 0 {
		if err := json.Unmarshal(req.Anchors, &anc); err != nil {
			return RunResult{}, fmt.Errorf("parse anchors: %w", err)
		}
	}
	if strings.TrimSpace(anc.Question) == "" {
		return RunResult{}, ErrMissingQuestion
	}

	runID, err := r.store.CreateRun(ctx, req.Profile, req.Anchors)
	if err != nil {
		return RunResult{}, err
	}
	r.audit(ctx, runID, "run_started", map[string]any{"profile": req.Profile})

	budget := r.cfg.RunBudget
	if budget <= 0 {
		budget = config.MaxInstrumentTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	ctxSpan, span := pipelineTracer.Start(runCtx, "pipeline.run",
		trace.WithAttributes(attribute.String("run.id", runID), attribute.String("run.profile", req.Profile)))
	defer span.End()
	runCtx = ctxSpan

	state := &runState{anchors: anc, pool: make(map[string]CandidateSummary)}
	result := RunResult{RunID: runID}
	degradedMoves := 0

	for i, mt := range MoveSequence {
		inputs := r.moveInputs(state)
		mr := r.executeMove(runCtx, mt, state)

		rec, err := r.store.InsertMoveEvent(ctx, store.MoveEventRecord{
			RunID:              runID,
			Seq:                i + 1,
			MoveType:           string(mt),
			Status:             mr.status,
			Inputs:             inputs,
			Outputs:            mr.output.Marshal(),
			EvidenceConsidered: mr.evidenceConsidered,
			Assumptions:        mr.assumptions,
			Uncertainties:      mr.uncertainties,
			ToolRunIDs:         mr.toolRunIDs,
		})
		if err != nil {
			// The store is the single source of truth; losing it is the one
			// condition that aborts a run.
			return RunResult{}, fmt.Errorf("persist move %s: %w", mt, err)
		}

		if err := r.persistLinks(ctx, runID, rec.ID, mr.output.CitationList()); err != nil {
			return RunResult{}, fmt.Errorf("persist evidence links for %s: %w", mt, err)
		}

		if mr.status != store.MoveStatusSuccess {
			degradedMoves++
		}
		state.outputs = append(state.outputs, mr.output)
		result.Moves = append(result.Moves, MoveSummary{
			Seq: i + 1, Type: mt, Status: mr.status, MoveID: rec.ID, ToolRuns: mr.toolRunIDs,
		})
	}

	if last := state.outputs[len(state.outputs)-1]; last.Positioning != nil {
		result.Artifact = last.Positioning.Artifact
	}
	r.audit(ctx, runID, "run_completed", map[string]any{
		"moves": len(result.Moves), "degraded_moves": degradedMoves,
	})
	return result, nil
}

// moveInputs snapshots the accumulated prior outputs as the persisted input
// context of the next move.
func (r *Runner) moveInputs(state *runState) json.RawMessage {
	in := struct {
		Question string       `json:"question"`
		Prior    []MoveOutput `json:"prior,omitempty"`
	}{Question: state.anchors.Question, Prior: state.outputs}
	b, err := json.Marshal(in)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

func (r *Runner) executeMove(ctx context.Context, mt MoveType, state *runState) moveResult {
	// A spent run budget short-circuits everything that remains into the
	// fallback path; no further instrument calls go out.
	if ctx.Err() != nil {
		return r.fallbackMove(mt, state, nil, "run budget exceeded before this move")
	}
	// The budget is only checked between moves. An instrument call that is
	// in flight when the budget expires runs to its own clamped timeout
	// instead of being killed mid-call.
	ctx = context.WithoutCancel(ctx)
	switch mt {
	case MoveFraming:
		return r.framingMove(ctx, state)
	case MoveIssueSurfacing:
		return r.issueSurfacingMove(ctx, state)
	case MoveCuration:
		return r.curationMove(ctx, state)
	case MoveInterpretation:
		return r.analysisMove(ctx, mt, state,
			"Interpret the curated evidence: what does each item establish, and how reliable is it for this question?")
	case MoveConsiderations:
		return r.analysisMove(ctx, mt, state,
			"Form the material considerations that bear on the question, grounded in the interpreted evidence.")
	case MoveWeighing:
		return r.analysisMove(ctx, mt, state,
			"Weigh the considerations against each other and state which way the balance tilts and why.")
	case MoveNegotiation:
		return r.analysisMove(ctx, mt, state,
			"Identify alterations or conditions that could resolve countervailing considerations, and their effect on the balance.")
	case MovePositioning:
		return r.positioningMove(ctx, state)
	}
	return r.fallbackMove(mt, state, nil, "unknown move type")
}

func (r *Runner) framingMove(ctx context.Context, state *runState) moveResult {
	system := "You frame a regulatory reasoning task. " + citeConstraint +
		` Schema: {"frame": string, "assumptions": [string]}`
	raw, toolRunID, err := r.callStructured(ctx, system, "Question: "+state.anchors.Question)
	if err != nil {
		return r.fallbackMove(MoveFraming, state, idList(toolRunID), "framing degraded: "+err.Error())
	}
	var out FramingOutput
	if err := json.Unmarshal(raw, &out); err != nil || strings.TrimSpace(out.Frame) == "" {
		return r.fallbackMove(MoveFraming, state, idList(toolRunID), "framing output unusable")
	}
	return moveResult{
		output:      MoveOutput{Type: MoveFraming, Framing: &out},
		status:      store.MoveStatusSuccess,
		toolRunIDs:  idList(toolRunID),
		assumptions: out.Assumptions,
	}
}

func (r *Runner) issueSurfacingMove(ctx context.Context, state *runState) moveResult {
	system := "You surface the distinct issues that must be evidenced to answer a regulatory question. " +
		citeConstraint +
		` Schema: {"issues": [{"id": string, "title": string, "query": string}]}`
	raw, toolRunID, err := r.callStructured(ctx, system, r.promptContext(state))
	if err != nil {
		return r.fallbackMove(MoveIssueSurfacing, state, idList(toolRunID), "issue surfacing degraded: "+err.Error())
	}
	var out IssueSurfacingOutput
	if err := json.Unmarshal(raw, &out); err != nil || len(out.Issues) == 0 {
		return r.fallbackMove(MoveIssueSurfacing, state, idList(toolRunID), "issue surfacing output unusable")
	}
	if len(out.Issues) > maxIssues {
		out.Issues = out.Issues[:maxIssues]
	}
	for i := range out.Issues {
		if out.Issues[i].ID == "" {
			out.Issues[i].ID = fmt.Sprintf("issue-%d", i+1)
		}
		if strings.TrimSpace(out.Issues[i].Query) == "" {
			out.Issues[i].Query = state.anchors.Question
		}
	}
	return moveResult{
		output:     MoveOutput{Type: MoveIssueSurfacing, Issues: &out},
		status:     store.MoveStatusSuccess,
		toolRunIDs: idList(toolRunID),
	}
}

// curationMove fans out one fused retrieval per issue on a bounded worker
// pool. The fan-out is merge-only: fusion scoring does not depend on call
// order, and each instrument call still records exactly one tool run.
func (r *Runner) curationMove(ctx context.Context, state *runState) moveResult {
	issues := state.issues()
	perIssue := make([]IssueEvidence, len(issues))
	toolRuns := make([][]string, len(issues))

	sem := make(chan struct{}, r.cfg.MaxCurationWorkers)
	var wg sync.WaitGroup
	for i, is := range issues {
		wg.Add(1)
		go func(i int, is Issue) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := r.engine.Retrieve(ctx, retrieval.Request{
				Query: is.Query,
				Filters: retrieval.Filters{
					SourceID:     state.anchors.SourceID,
					CollectionID: state.anchors.CollectionID,
				},
				Limit:      r.cfg.EvidencePerIssue,
				UseLexical: true,
				UseVector:  true,
				UseRerank:  true,
			})
			if err != nil {
				perIssue[i] = IssueEvidence{IssueID: is.ID, Errors: []string{err.Error()}}
				return
			}
			ie := IssueEvidence{IssueID: is.ID, Errors: res.Errors}
			for _, c := range res.Candidates {
				ie.Candidates = append(ie.Candidates, CandidateSummary{
					Ref:     c.EvidenceRef,
					Excerpt: excerpt(c.Body()),
					Fused:   c.Scores.Fused,
				})
			}
			perIssue[i] = ie
			toolRuns[i] = res.ToolRunIDs
		}(i, is)
	}
	wg.Wait()

	out := CurationOutput{PerIssue: perIssue}
	mr := moveResult{output: MoveOutput{Type: MoveCuration, Curation: &out}, status: store.MoveStatusSuccess}
	for i := range perIssue {
		mr.toolRunIDs = append(mr.toolRunIDs, toolRuns[i]...)
		for _, c := range perIssue[i].Candidates {
			state.addToPool(c)
			mr.evidenceConsidered = append(mr.evidenceConsidered, c.Ref)
		}
		if len(perIssue[i].Errors) > 0 {
			mr.status = store.MoveStatusPartial
			mr.uncertainties = append(mr.uncertainties,
				fmt.Sprintf("retrieval for %s degraded: %s", perIssue[i].IssueID, strings.Join(perIssue[i].Errors, "; ")))
		}
	}
	if len(state.poolOrder) == 0 {
		mr.status = store.MoveStatusPartial
		mr.uncertainties = append(mr.uncertainties, "no evidence candidates were retrieved")
	}
	return mr
}

func (r *Runner) analysisMove(ctx context.Context, mt MoveType, state *runState, instruction string) moveResult {
	system := instruction + " " + citeConstraint +
		` Schema: {"narrative": string, "citations": [{"ref": string, "role": "supporting"|"countervailing"|"contextual"}], "assumptions": [string], "uncertainties": [string]}`
	raw, toolRunID, err := r.callStructured(ctx, system, r.promptContext(state))
	if err != nil {
		return r.fallbackMove(mt, state, idList(toolRunID), string(mt)+" degraded: "+err.Error())
	}
	var out AnalysisOutput
	if err := json.Unmarshal(raw, &out); err != nil || strings.TrimSpace(out.Narrative) == "" {
		return r.fallbackMove(mt, state, idList(toolRunID), string(mt)+" output unusable")
	}

	kept, dropped := state.filterCitations(out.Citations)
	out.Citations = kept
	mr := moveResult{
		output:             MoveOutput{Type: mt, Analysis: &out},
		status:             store.MoveStatusSuccess,
		toolRunIDs:         idList(toolRunID),
		assumptions:        out.Assumptions,
		uncertainties:      out.Uncertainties,
		evidenceConsidered: state.poolOrder,
	}
	if len(dropped) > 0 {
		mr.status = store.MoveStatusPartial
		mr.uncertainties = append(mr.uncertainties,
			fmt.Sprintf("dropped %d fabricated citation(s): %s", len(dropped), strings.Join(dropped, ", ")))
	}
	return mr
}

func (r *Runner) positioningMove(ctx context.Context, state *runState) moveResult {
	system := "Write the final position narrative answering the question, synthesizing the weighed considerations. " +
		citeConstraint +
		` Schema: {"artifact": string, "citations": [{"ref": string, "role": "supporting"|"countervailing"|"contextual"}]}`
	raw, toolRunID, err := r.callStructured(ctx, system, r.promptContext(state))
	if err != nil {
		return r.fallbackMove(MovePositioning, state, idList(toolRunID), "positioning degraded: "+err.Error())
	}
	var out PositioningOutput
	if err := json.Unmarshal(raw, &out); err != nil || strings.TrimSpace(out.Artifact) == "" {
		return r.fallbackMove(MovePositioning, state, idList(toolRunID), "positioning output unusable")
	}
	kept, dropped := state.filterCitations(out.Citations)
	out.Citations = kept
	mr := moveResult{
		output:             MoveOutput{Type: MovePositioning, Positioning: &out},
		status:             store.MoveStatusSuccess,
		toolRunIDs:         idList(toolRunID),
		evidenceConsidered: state.poolOrder,
	}
	if len(dropped) > 0 {
		mr.status = store.MoveStatusPartial
		mr.uncertainties = append(mr.uncertainties,
			fmt.Sprintf("dropped %d fabricated citation(s): %s", len(dropped), strings.Join(dropped, ", ")))
	}
	return mr
}

// fallbackMove substitutes a deterministic, clearly labeled output so the
// run keeps walking the sequence instead of failing.
func (r *Runner) fallbackMove(mt MoveType, state *runState, toolRunIDs []string, limitation string) moveResult {
	mr := moveResult{
		status:        store.MoveStatusPartial,
		toolRunIDs:    toolRunIDs,
		uncertainties: []string{limitation},
	}
	text := fmt.Sprintf("%s %s could not be completed: %s.", FallbackMarker, mt, limitation)
	switch mt {
	case MoveFraming:
		mr.output = MoveOutput{Type: mt, Framing: &FramingOutput{Frame: text}}
	case MoveIssueSurfacing:
		mr.output = MoveOutput{Type: mt, Issues: &IssueSurfacingOutput{
			Issues: []Issue{{ID: "issue-1", Title: "general", Query: state.anchors.Question}},
		}}
	case MoveCuration:
		mr.output = MoveOutput{Type: mt, Curation: &CurationOutput{}}
	case MovePositioning:
		artifact := fmt.Sprintf("%s A position narrative could not be generated (%s). %d curated evidence item(s) remain inspectable via the run trace.",
			FallbackMarker, limitation, len(state.poolOrder))
		mr.output = MoveOutput{Type: mt, Positioning: &PositioningOutput{Artifact: artifact}}
		mr.evidenceConsidered = state.poolOrder
	default:
		mr.output = MoveOutput{Type: mt, Analysis: &AnalysisOutput{Narrative: text}}
		mr.evidenceConsidered = state.poolOrder
	}
	return mr
}

func (r *Runner) callStructured(ctx context.Context, system, user string) (json.RawMessage, string, error) {
	content, toolRunID, err := r.instruments.Generate(ctx, system, user)
	if err != nil {
		return nil, toolRunID, err
	}
	raw, err := instrument.ExtractJSONObject(content)
	if err != nil {
		return nil, toolRunID, err
	}
	return raw, toolRunID, nil
}

// promptContext renders the question, prior outputs and the evidence
// whitelist for the generative instrument.
func (r *Runner) promptContext(state *runState) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(state.anchors.Question)
	b.WriteString("\n\nPrior moves:\n")
	for _, o := range state.outputs {
		raw, err := json.Marshal(o)
		if err != nil {
			continue
		}
		b.WriteString(string(raw))
		b.WriteString("\n")
	}
	if list := state.evidenceList(); len(list) > 0 {
		b.WriteString("\nEvidence list (cite by ref):\n")
		for _, c := range list {
			fmt.Fprintf(&b, "- %s: %s\n", c.Ref, c.Excerpt)
		}
	}
	return b.String()
}

// persistLinks resolves each cited ref and records the deduplicated link.
func (r *Runner) persistLinks(ctx context.Context, runID, moveID string, citations []Citation) error {
	for _, c := range citations {
		evidenceID, err := r.registry.ResolveOrCreate(ctx, c.Ref)
		if err == evidence.ErrMalformedRef {
			// A whitelisted ref can only be malformed if the corpus produced
			// one; skip rather than poison the run.
			r.logger.Printf("run %s: skipping malformed ref %q", runID, c.Ref)
			continue
		}
		if err != nil {
			return err
		}
		if err := r.store.InsertEvidenceLink(ctx, runID, moveID, evidenceID, normalizeRole(c.Role)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) audit(ctx context.Context, runID, kind string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(`{}`)
	}
	if err := r.store.InsertAuditEvent(ctx, runID, kind, raw); err != nil {
		r.logger.Printf("audit %s for run %s: %v", kind, runID, err)
	}
}

func idList(id string) []string {
	if id == "" {
		return nil
	}
	return []string{id}
}

// excerpt collapses whitespace and bounds the text, backing the cut up to a
// rune boundary so a multi-byte rune is never split.
func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= excerptLen {
		return s
	}
	cut := excerptLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
