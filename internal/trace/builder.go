// Package trace derives provenance graphs from persisted run state. The
// graph is rebuilt from rows on every read and never stored.
package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marcus-whitfield/evidentia/internal/store"
)

// Mode selects how much payload each node carries. Topology is identical
// across modes.
type Mode string

const (
	ModeSummary  Mode = "summary"
	ModeInspect  Mode = "inspect"
	ModeForensic Mode = "forensic"
)

// inspectPayloadLimit bounds per-field payload size in inspect mode.
const inspectPayloadLimit = 512

var (
	ErrRunNotFound = errors.New("run not found")
	ErrInvalidMode = errors.New("mode must be summary, inspect or forensic")
)

// ParseMode validates a mode string. Empty defaults to summary.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeSummary, nil
	case ModeSummary, ModeInspect, ModeForensic:
		return Mode(s), nil
	}
	return "", ErrInvalidMode
}

type NodeKind string

const (
	NodeRun        NodeKind = "run"
	NodeMove       NodeKind = "move"
	NodeToolRun    NodeKind = "tool_run"
	NodeEvidence   NodeKind = "evidence"
	NodeAuditEvent NodeKind = "audit_event"
)

type EdgeKind string

const (
	EdgeTriggers EdgeKind = "TRIGGERS"
	EdgeUses     EdgeKind = "USES"
	EdgeCites    EdgeKind = "CITES"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Node is one vertex of the provenance graph. IDs are kind-prefixed so the
// five row namespaces cannot collide.
type Node struct {
	ID       string          `json:"id"`
	Kind     NodeKind        `json:"kind"`
	Severity Severity        `json:"severity"`
	Label    string          `json:"label"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Kind EdgeKind `json:"kind"`
	Role string   `json:"role,omitempty"`
}

// Graph is the derived provenance view of one run.
type Graph struct {
	RunID       string    `json:"run_id"`
	Mode        Mode      `json:"mode"`
	GeneratedAt time.Time `json:"generated_at"`
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`
}

// Builder reads persisted run state into provenance graphs.
type Builder struct {
	store *store.Store
}

func NewBuilder(st *store.Store) *Builder {
	return &Builder{store: st}
}

// Build assembles the graph for one run. Safe for a run with zero moves,
// which yields a single run node and no edges.
func (b *Builder) Build(ctx context.Context, runID string, mode Mode) (*Graph, error) {
	run, ok, err := b.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRunNotFound
	}

	moves, err := b.store.ListMoveEvents(ctx, runID)
	if err != nil {
		return nil, err
	}
	links, err := b.store.ListEvidenceLinksByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	toolRuns, err := b.store.ListToolRunsByIDs(ctx, collectToolRunIDs(moves))
	if err != nil {
		return nil, err
	}
	refs, err := b.store.ListEvidenceRefsByIDs(ctx, collectEvidenceIDs(links))
	if err != nil {
		return nil, err
	}
	audits, err := b.store.ListAuditEventsByRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	g := &Graph{RunID: runID, Mode: mode, GeneratedAt: time.Now().UTC()}
	runNode := nodeID(NodeRun, run.ID)
	g.Nodes = append(g.Nodes, Node{
		ID: runNode, Kind: NodeRun, Severity: SeverityInfo, Label: run.Profile,
		Payload: runPayload(run, mode),
	})

	toolRunNodes := make(map[string]bool, len(toolRuns))
	for _, tr := range toolRuns {
		toolRunNodes[tr.ID] = true
		g.Nodes = append(g.Nodes, Node{
			ID: nodeID(NodeToolRun, tr.ID), Kind: NodeToolRun,
			Severity: severityFor(tr.Status), Label: tr.Instrument,
			Payload: toolRunPayload(tr, mode),
		})
	}
	for _, ref := range refs {
		g.Nodes = append(g.Nodes, Node{
			ID: nodeID(NodeEvidence, ref.ID), Kind: NodeEvidence,
			Severity: SeverityInfo, Label: ref.Token(),
			Payload: evidencePayload(ref, mode),
		})
	}

	linksByMove := make(map[string][]store.EvidenceLinkRecord, len(moves))
	for _, l := range links {
		linksByMove[l.MoveID] = append(linksByMove[l.MoveID], l)
	}

	for _, m := range moves {
		moveNode := nodeID(NodeMove, m.ID)
		g.Nodes = append(g.Nodes, Node{
			ID: moveNode, Kind: NodeMove,
			Severity: severityFor(m.Status), Label: m.MoveType,
			Payload: movePayload(m, mode),
		})
		g.Edges = append(g.Edges, Edge{From: runNode, To: moveNode, Kind: EdgeTriggers})
		for _, trID := range m.ToolRunIDs {
			if !toolRunNodes[trID] {
				continue
			}
			g.Edges = append(g.Edges, Edge{From: moveNode, To: nodeID(NodeToolRun, trID), Kind: EdgeUses})
		}
		for _, l := range linksByMove[m.ID] {
			g.Edges = append(g.Edges, Edge{
				From: moveNode, To: nodeID(NodeEvidence, l.EvidenceID), Kind: EdgeCites, Role: l.Role,
			})
		}
	}

	for _, a := range audits {
		auditNode := nodeID(NodeAuditEvent, a.ID)
		g.Nodes = append(g.Nodes, Node{
			ID: auditNode, Kind: NodeAuditEvent, Severity: SeverityInfo, Label: a.Kind,
			Payload: auditPayload(a, mode),
		})
		g.Edges = append(g.Edges, Edge{From: auditNode, To: runNode, Kind: EdgeTriggers})
	}
	return g, nil
}

func nodeID(kind NodeKind, id string) string {
	return fmt.Sprintf("%s:%s", kind, id)
}

func severityFor(status string) Severity {
	switch status {
	case store.MoveStatusError:
		return SeverityError
	case store.MoveStatusPartial:
		return SeverityWarning
	}
	return SeverityInfo
}

func collectToolRunIDs(moves []store.MoveEventRecord) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range moves {
		for _, id := range m.ToolRunIDs {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

func collectEvidenceIDs(links []store.EvidenceLinkRecord) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range links {
		if !seen[l.EvidenceID] {
			seen[l.EvidenceID] = true
			out = append(out, l.EvidenceID)
		}
	}
	return out
}

// boundedJSON keeps valid JSON under the limit; anything larger collapses to
// a truncated JSON string so inspect-mode graphs stay small.
func boundedJSON(raw json.RawMessage, limit int) json.RawMessage {
	if len(raw) <= limit {
		return raw
	}
	b, err := json.Marshal(string(raw[:limit]) + " …truncated")
	if err != nil {
		return json.RawMessage(`"…truncated"`)
	}
	return b
}

func marshalPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func runPayload(run store.RunRecord, mode Mode) json.RawMessage {
	if mode == ModeSummary {
		return nil
	}
	return marshalPayload(map[string]any{
		"anchors":    json.RawMessage(run.Anchors),
		"created_at": run.CreatedAt,
	})
}

func movePayload(m store.MoveEventRecord, mode Mode) json.RawMessage {
	switch mode {
	case ModeSummary:
		return nil
	case ModeInspect:
		return marshalPayload(map[string]any{
			"seq":           m.Seq,
			"status":        m.Status,
			"inputs":        boundedJSON(m.Inputs, inspectPayloadLimit),
			"outputs":       boundedJSON(m.Outputs, inspectPayloadLimit),
			"assumptions":   m.Assumptions,
			"uncertainties": m.Uncertainties,
		})
	}
	return marshalPayload(map[string]any{
		"seq":                 m.Seq,
		"status":              m.Status,
		"inputs":              json.RawMessage(m.Inputs),
		"outputs":             json.RawMessage(m.Outputs),
		"evidence_considered": m.EvidenceConsidered,
		"assumptions":         m.Assumptions,
		"uncertainties":       m.Uncertainties,
		"tool_run_ids":        m.ToolRunIDs,
		"created_at":          m.CreatedAt,
	})
}

func toolRunPayload(tr store.ToolRunRecord, mode Mode) json.RawMessage {
	switch mode {
	case ModeSummary:
		return nil
	case ModeInspect:
		return marshalPayload(map[string]any{
			"status":      tr.Status,
			"confidence":  tr.Confidence,
			"limitations": tr.Limitations,
			"inputs":      boundedJSON(tr.Inputs, inspectPayloadLimit),
			"outputs":     boundedJSON(tr.Outputs, inspectPayloadLimit),
		})
	}
	return marshalPayload(map[string]any{
		"status":       tr.Status,
		"confidence":   tr.Confidence,
		"limitations":  tr.Limitations,
		"inputs":       json.RawMessage(tr.Inputs),
		"outputs":      json.RawMessage(tr.Outputs),
		"started_at":   tr.StartedAt,
		"completed_at": tr.CompletedAt,
	})
}

func evidencePayload(ref store.EvidenceRefRecord, mode Mode) json.RawMessage {
	if mode == ModeSummary {
		return nil
	}
	return marshalPayload(map[string]any{
		"source_type": ref.SourceType,
		"source_id":   ref.SourceID,
		"fragment_id": ref.FragmentID,
		"created_at":  ref.CreatedAt,
	})
}

func auditPayload(a store.AuditEventRecord, mode Mode) json.RawMessage {
	switch mode {
	case ModeSummary:
		return nil
	case ModeInspect:
		return marshalPayload(map[string]any{
			"payload":    boundedJSON(a.Payload, inspectPayloadLimit),
			"created_at": a.CreatedAt,
		})
	}
	return marshalPayload(map[string]any{
		"payload":    json.RawMessage(a.Payload),
		"created_at": a.CreatedAt,
	})
}
