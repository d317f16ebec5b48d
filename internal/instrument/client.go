// Package instrument provides the uniform contract for calling external
// generative, embedding and rerank instruments. Every invocation leaves
// exactly one durable ToolRun record behind: created before the call goes
// out, completed in place when the call returns.
package instrument

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/marcus-whitfield/evidentia/config"
	"github.com/marcus-whitfield/evidentia/internal/store"
)

// completionTimeout bounds the tool run completion write once it has been
// detached from the caller's context.
const completionTimeout = 5 * time.Second

// Instrument names recorded on tool runs.
const (
	NameGenerative = "generative"
	NameEmbedding  = "embedding"
	NameRerank     = "rerank"
	NameFusion     = "retrieval_fusion"
)

// Client calls external instruments and records tool runs.
type Client struct {
	cfg    config.InstrumentsConfig
	store  *store.Store
	logger *log.Logger

	// Observe, when set, is called once per completed tool run.
	Observe func(instrument, status string)

	// pending maps in-flight tool run ids to their instrument name so
	// completion can report without changing the store schema.
	pending sync.Map

	generative *HTTPClient
	embedding  *HTTPClient
	rerank     *HTTPClient
}

// NewClient constructs the instrument client. The store handle is injected;
// the client owns no global state.
func NewClient(cfg config.InstrumentsConfig, st *store.Store, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(log.Writer(), "[INSTRUMENT] ", log.LstdFlags)
	}
	return &Client{
		cfg:        cfg,
		store:      st,
		logger:     logger,
		generative: NewHTTPClient(cfg.Generative.EffectiveTimeout(), cfg.MaxRetries, cfg.Backoff),
		embedding:  NewHTTPClient(cfg.Embedding.EffectiveTimeout(), cfg.MaxRetries, cfg.Backoff),
		rerank:     NewHTTPClient(cfg.Rerank.EffectiveTimeout(), cfg.MaxRetries, cfg.Backoff),
	}
}

// EmbeddingModel reports the configured embedding model name; callers use
// it to key caches.
func (c *Client) EmbeddingModel() string { return c.cfg.Embedding.Model }

// BeginToolRun creates the ToolRun row before the external call so outputs
// that reference it never race the foreign key. A store failure here is
// fatal to the caller: the relational store is the one dependency the
// pipeline is allowed to die on.
func (c *Client) BeginToolRun(ctx context.Context, instrument string, inputs any) (string, error) {
	raw, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("marshal tool run inputs: %w", err)
	}
	rec, err := c.store.InsertToolRun(ctx, store.ToolRunRecord{
		Instrument: instrument,
		Inputs:     raw,
	})
	if err != nil {
		return "", err
	}
	c.pending.Store(rec.ID, instrument)
	return rec.ID, nil
}

// CompleteToolRun records the outcome in place. The write goes out on a
// context detached from the caller's cancellation: a run budget expiring
// mid-call must not leave the row in status running forever.
func (c *Client) CompleteToolRun(ctx context.Context, id, status string, outputs any, confidence, limitations string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
	defer cancel()
	raw, err := json.Marshal(outputs)
	if err != nil {
		raw = []byte(`{}`)
	}
	if err := c.store.CompleteToolRun(ctx, id, status, raw, confidence, limitations); err != nil {
		c.logger.Printf("complete tool run %s: %v", id, err)
	}
	if name, ok := c.pending.LoadAndDelete(id); ok && c.Observe != nil {
		c.Observe(name.(string), status)
	}
}

func authHeaders(cfg config.InstrumentConfig) map[string]string {
	h := map[string]string{}
	if cfg.APIKey != "" {
		h["Authorization"] = "Bearer " + cfg.APIKey
	}
	return h
}
