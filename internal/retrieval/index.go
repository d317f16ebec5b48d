package retrieval

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/blevesearch/bleve"

	"github.com/marcus-whitfield/evidentia/internal/store"
)

// Index holds the in-process lexical and vector indexes over the chunk
// corpus. The relational store stays the source of truth; the index is
// hydrated from it at startup and extended as documents are ingested.
type Index struct {
	mu      sync.RWMutex
	lexical bleve.Index
	meta    map[string]store.ChunkRecord
	vectors []vecEntry
}

type vecEntry struct {
	chunkID string
	vec     []float32
}

// hit is an internal ranked search result from one signal.
type hit struct {
	chunkID string
	score   float64
	rank    int
}

type indexDoc struct {
	Body string `json:"body"`
}

// NewIndex builds an empty in-memory index.
func NewIndex() (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	return &Index{lexical: idx, meta: make(map[string]store.ChunkRecord)}, nil
}

// Add indexes one chunk for both signals.
func (ix *Index) Add(c store.ChunkRecord) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.meta[c.ID] = c
	if len(c.Embedding) > 0 {
		ix.vectors = append(ix.vectors, vecEntry{chunkID: c.ID, vec: c.Embedding})
	}
	return ix.lexical.Index(c.ID, indexDoc{Body: c.Body})
}

// Hydrate loads every stored chunk into the index. Returns the chunk count.
func (ix *Index) Hydrate(ctx context.Context, st *store.Store) (int, error) {
	chunks, err := st.ListChunks(ctx)
	if err != nil {
		return 0, err
	}
	for _, c := range chunks {
		if err := ix.Add(c); err != nil {
			return 0, err
		}
	}
	return len(chunks), nil
}

// Chunk returns the stored metadata for an indexed chunk id.
func (ix *Index) Chunk(id string) (store.ChunkRecord, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	c, ok := ix.meta[id]
	return c, ok
}

func (ix *Index) matchesScope(id string, f Filters) bool {
	c, ok := ix.meta[id]
	if !ok {
		return false
	}
	if f.SourceID != "" && c.SourceID != f.SourceID {
		return false
	}
	if f.CollectionID != "" && c.CollectionID != f.CollectionID {
		return false
	}
	return true
}

// Lexical runs a tokenized full-text query bounded to limit results.
func (ix *Index) Lexical(query string, limit int, f Filters) ([]hit, error) {
	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(query), limit*3, 0, false)
	res, err := ix.lexical.Search(req)
	if err != nil {
		return nil, err
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []hit
	for _, h := range res.Hits {
		if !ix.matchesScope(h.ID, f) {
			continue
		}
		out = append(out, hit{chunkID: h.ID, score: h.Score, rank: len(out) + 1})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Vector runs a cosine nearest-neighbor query over stored embeddings.
func (ix *Index) Vector(q []float32, limit int, f Filters) []hit {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	type scored struct {
		id    string
		score float64
	}
	var scoreds []scored
	for _, v := range ix.vectors {
		if !ix.matchesScope(v.chunkID, f) {
			continue
		}
		scoreds = append(scoreds, scored{id: v.chunkID, score: cosine(q, v.vec)})
	}
	sort.Slice(scoreds, func(i, j int) bool { return scoreds[i].score > scoreds[j].score })
	var out []hit
	for _, sc := range scoreds {
		out = append(out, hit{chunkID: sc.id, score: sc.score, rank: len(out) + 1})
		if len(out) >= limit {
			break
		}
	}
	return out
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		na += ai * ai
		nb += bi * bi
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
