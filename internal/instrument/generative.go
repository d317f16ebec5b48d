package instrument

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Message is one entry of a chat-style completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ErrNoStructuredOutput indicates the instrument responded but its content
// carried no well-formed JSON object.
var ErrNoStructuredOutput = errors.New("no structured object in instrument response")

// Generate sends a system instruction and user payload to the generative
// instrument and returns the raw response content plus the tool run id.
// Failures are recorded on the tool run and returned; the caller decides
// whether to degrade.
func (c *Client) Generate(ctx context.Context, system, user string) (string, string, error) {
	inputs := map[string]any{
		"model":  c.cfg.Generative.Model,
		"system": truncateForRecord(system),
		"user":   truncateForRecord(user),
	}
	toolRunID, err := c.BeginToolRun(ctx, NameGenerative, inputs)
	if err != nil {
		return "", "", err
	}

	req := chatRequest{
		Model: c.cfg.Generative.Model,
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	var resp chatResponse
	url := strings.TrimRight(c.cfg.Generative.BaseURL, "/") + "/v1/chat/completions"
	if err := c.generative.DoJSON(ctx, "POST", url, authHeaders(c.cfg.Generative), req, &resp); err != nil {
		c.CompleteToolRun(ctx, toolRunID, "error", nil, "low", "generative call failed: "+err.Error())
		return "", toolRunID, fmt.Errorf("generative call: %w", err)
	}
	if len(resp.Choices) == 0 {
		c.CompleteToolRun(ctx, toolRunID, "error", nil, "low", "generative response carried no choices")
		return "", toolRunID, errors.New("generative response carried no choices")
	}
	content := resp.Choices[0].Message.Content
	c.CompleteToolRun(ctx, toolRunID, "success", map[string]any{"content": truncateForRecord(content)}, "medium", "")
	return content, toolRunID, nil
}

// ExtractJSONObject returns the first well-formed JSON object embedded in
// text. Instruments wrap structured output in prose or code fences often
// enough that strict whole-body unmarshalling is not workable.
func ExtractJSONObject(text string) (json.RawMessage, error) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(text); i++ {
			ch := text[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case ch == '\\':
					escaped = true
				case ch == '"':
					inString = false
				}
				continue
			}
			switch ch {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := text[start : i+1]
					if json.Valid([]byte(candidate)) {
						return json.RawMessage(candidate), nil
					}
					i = len(text)
				}
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start = start + 1 + next
	}
	return nil, ErrNoStructuredOutput
}

// Tool run input/output snapshots keep a bounded slice of long payloads.
// The cut backs up to a rune boundary so a multi-byte rune is never split.
func truncateForRecord(s string) string {
	const max = 4000
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
