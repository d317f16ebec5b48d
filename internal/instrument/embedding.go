package instrument

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed returns one fixed-length vector per input text, order-preserving,
// plus the tool run id of the invocation.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, string, error) {
	if len(texts) == 0 {
		return nil, "", nil
	}
	toolRunID, err := c.BeginToolRun(ctx, NameEmbedding, map[string]any{
		"model": c.cfg.Embedding.Model,
		"count": len(texts),
	})
	if err != nil {
		return nil, "", err
	}

	req := embeddingRequest{Model: c.cfg.Embedding.Model, Input: texts}
	var resp embeddingResponse
	url := strings.TrimRight(c.cfg.Embedding.BaseURL, "/") + "/v1/embeddings"
	if err := c.embedding.DoJSON(ctx, "POST", url, authHeaders(c.cfg.Embedding), req, &resp); err != nil {
		c.CompleteToolRun(ctx, toolRunID, "error", nil, "low", "embedding call failed: "+err.Error())
		return nil, toolRunID, fmt.Errorf("embedding call: %w", err)
	}
	if len(resp.Data) != len(texts) {
		msg := fmt.Sprintf("embedding count mismatch: sent %d, got %d", len(texts), len(resp.Data))
		c.CompleteToolRun(ctx, toolRunID, "error", nil, "low", msg)
		return nil, toolRunID, fmt.Errorf("%s", msg)
	}

	// Instruments are allowed to return vectors out of order as long as they
	// index them.
	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	vecs := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vecs[i] = d.Embedding
	}
	c.CompleteToolRun(ctx, toolRunID, "success", map[string]any{"vectors": len(vecs)}, "high", "")
	return vecs, toolRunID, nil
}
