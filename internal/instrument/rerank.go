package instrument

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

// ErrUnrecognizedShape indicates none of the tolerated rerank response
// shapes matched.
var ErrUnrecognizedShape = errors.New("unrecognized rerank response shape")

// Rerank sends the query plus candidate texts to the cross-encoder
// instrument and returns one relevance score per text, in document order.
// A score-count mismatch is the caller's problem to detect; this layer only
// normalizes the response shape.
func (c *Client) Rerank(ctx context.Context, query string, texts []string) ([]float64, string, error) {
	toolRunID, err := c.BeginToolRun(ctx, NameRerank, map[string]any{
		"model":     c.cfg.Rerank.Model,
		"query":     truncateForRecord(query),
		"documents": len(texts),
	})
	if err != nil {
		return nil, "", err
	}

	req := rerankRequest{Model: c.cfg.Rerank.Model, Query: query, Documents: texts}
	var raw json.RawMessage
	url := strings.TrimRight(c.cfg.Rerank.BaseURL, "/") + "/v1/rerank"
	if err := c.rerank.DoJSON(ctx, "POST", url, authHeaders(c.cfg.Rerank), req, &raw); err != nil {
		c.CompleteToolRun(ctx, toolRunID, "error", nil, "low", "rerank call failed: "+err.Error())
		return nil, toolRunID, fmt.Errorf("rerank call: %w", err)
	}

	scores, err := ParseRerankScores(raw)
	if err != nil {
		c.CompleteToolRun(ctx, toolRunID, "error", nil, "low", err.Error())
		return nil, toolRunID, err
	}
	c.CompleteToolRun(ctx, toolRunID, "success", map[string]any{"scores": len(scores)}, "medium", "")
	return scores, toolRunID, nil
}

// ParseRerankScores normalizes the tolerated response shapes into a flat
// score list. Shapes are tried in order; each parser either claims the
// payload or passes.
func ParseRerankScores(raw json.RawMessage) ([]float64, error) {
	parsers := []func(json.RawMessage) ([]float64, bool){
		parseFlatScores,
		parseIndexedScores,
		parseResultsObject,
	}
	for _, parse := range parsers {
		if scores, ok := parse(raw); ok {
			return scores, nil
		}
	}
	return nil, ErrUnrecognizedShape
}

// [0.42, 0.13, ...]
func parseFlatScores(raw json.RawMessage) ([]float64, bool) {
	var scores []float64
	if err := json.Unmarshal(raw, &scores); err != nil {
		return nil, false
	}
	return scores, true
}

type indexedScore struct {
	Index          int      `json:"index"`
	Score          *float64 `json:"score"`
	RelevanceScore *float64 `json:"relevance_score"`
}

func (s indexedScore) value() (float64, bool) {
	if s.Score != nil {
		return *s.Score, true
	}
	if s.RelevanceScore != nil {
		return *s.RelevanceScore, true
	}
	return 0, false
}

// [{"index":0,"score":0.42}, ...] or relevance_score variants.
func parseIndexedScores(raw json.RawMessage) ([]float64, bool) {
	var entries []indexedScore
	if err := json.Unmarshal(raw, &entries); err != nil || len(entries) == 0 {
		return nil, false
	}
	scores := make([]float64, len(entries))
	for _, e := range entries {
		v, ok := e.value()
		if !ok || e.Index < 0 || e.Index >= len(entries) {
			return nil, false
		}
		scores[e.Index] = v
	}
	return scores, true
}

// {"results":[{"index":0,"relevance_score":0.42}, ...]} or {"scores":[...]}.
func parseResultsObject(raw json.RawMessage) ([]float64, bool) {
	var wrapper struct {
		Results []indexedScore `json:"results"`
		Scores  []float64      `json:"scores"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, false
	}
	if len(wrapper.Scores) > 0 {
		return wrapper.Scores, true
	}
	if len(wrapper.Results) == 0 {
		return nil, false
	}
	scores := make([]float64, len(wrapper.Results))
	for _, e := range wrapper.Results {
		v, ok := e.value()
		if !ok || e.Index < 0 || e.Index >= len(wrapper.Results) {
			return nil, false
		}
		scores[e.Index] = v
	}
	return scores, true
}
