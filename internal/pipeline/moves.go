package pipeline

import (
	"encoding/json"
	"fmt"
)

// MoveType identifies one step of the reasoning sequence.
type MoveType string

// The fixed, non-branching move sequence. A run is created, walks this list
// in order, and terminates when positioning_and_narration persists the final
// citable artifact.
const (
	MoveFraming        MoveType = "framing"
	MoveIssueSurfacing MoveType = "issue_surfacing"
	MoveCuration       MoveType = "evidence_curation"
	MoveInterpretation MoveType = "evidence_interpretation"
	MoveConsiderations MoveType = "considerations_formation"
	MoveWeighing       MoveType = "weighing_and_balance"
	MoveNegotiation    MoveType = "negotiation_and_alteration"
	MovePositioning    MoveType = "positioning_and_narration"
)

// MoveSequence is the canonical order. Never reordered, never branched.
var MoveSequence = []MoveType{
	MoveFraming,
	MoveIssueSurfacing,
	MoveCuration,
	MoveInterpretation,
	MoveConsiderations,
	MoveWeighing,
	MoveNegotiation,
	MovePositioning,
}

// FallbackMarker is embedded verbatim in every deterministic fallback output
// so degraded moves stay visible in the final artifact.
const FallbackMarker = "[degraded: instrument unavailable]"

// Citation is one evidence reference cited by a move output, with the role
// the move assigned it.
type Citation struct {
	Ref  string `json:"ref"`
	Role string `json:"role"`
	Note string `json:"note,omitempty"`
}

// Issue is one question surfaced for evidence curation.
type Issue struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Query string `json:"query"`
}

// FramingOutput fixes the frame the rest of the run reasons within.
type FramingOutput struct {
	Frame       string   `json:"frame"`
	Assumptions []string `json:"assumptions,omitempty"`
}

// IssueSurfacingOutput lists the issues to curate evidence for.
type IssueSurfacingOutput struct {
	Issues []Issue `json:"issues"`
}

// CandidateSummary is the citable view of one retrieved candidate: the
// opaque reference plus a bounded excerpt and its fused score.
type CandidateSummary struct {
	Ref     string  `json:"ref"`
	Excerpt string  `json:"excerpt"`
	Fused   float64 `json:"fused"`
}

// IssueEvidence is the curated candidate list for one issue.
type IssueEvidence struct {
	IssueID    string             `json:"issue_id"`
	Candidates []CandidateSummary `json:"candidates"`
	Errors     []string           `json:"errors,omitempty"`
}

// CurationOutput is the merged result of the per-issue retrieval fan-out.
type CurationOutput struct {
	PerIssue []IssueEvidence `json:"per_issue"`
}

// AnalysisOutput is the shared shape of the generative reasoning moves
// (interpretation, considerations, weighing, negotiation).
type AnalysisOutput struct {
	Narrative     string     `json:"narrative"`
	Citations     []Citation `json:"citations,omitempty"`
	Assumptions   []string   `json:"assumptions,omitempty"`
	Uncertainties []string   `json:"uncertainties,omitempty"`
}

// PositioningOutput is the terminal, citable artifact.
type PositioningOutput struct {
	Artifact  string     `json:"artifact"`
	Citations []Citation `json:"citations,omitempty"`
}

// MoveOutput is the tagged variant holding exactly one move's typed output.
// The persisted blob column stores its JSON form; in-memory logic always
// works with the typed field for the move's type.
type MoveOutput struct {
	Type        MoveType              `json:"type"`
	Framing     *FramingOutput        `json:"framing,omitempty"`
	Issues      *IssueSurfacingOutput `json:"issues,omitempty"`
	Curation    *CurationOutput       `json:"curation,omitempty"`
	Analysis    *AnalysisOutput       `json:"analysis,omitempty"`
	Positioning *PositioningOutput    `json:"positioning,omitempty"`
}

// Citations returns whatever citations the variant carries.
func (o MoveOutput) CitationList() []Citation {
	switch {
	case o.Analysis != nil:
		return o.Analysis.Citations
	case o.Positioning != nil:
		return o.Positioning.Citations
	case o.Curation != nil:
		var out []Citation
		for _, ie := range o.Curation.PerIssue {
			for _, c := range ie.Candidates {
				out = append(out, Citation{Ref: c.Ref, Role: RoleDefault})
			}
		}
		return out
	}
	return nil
}

// Marshal renders the output for the persisted blob column.
func (o MoveOutput) Marshal() json.RawMessage {
	b, err := json.Marshal(o)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"type":%q}`, o.Type))
	}
	return b
}

// RoleDefault is assigned when a move cites evidence without choosing a
// role, and when an instrument hands back a role outside the known set.
const RoleDefault = "contextual"

func normalizeRole(role string) string {
	switch role {
	case "supporting", "countervailing", "contextual":
		return role
	}
	return RoleDefault
}
