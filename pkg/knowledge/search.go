package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/tracing"
)

// Hit is one search result, scoped to the querying tenant.
type Hit struct {
	ChunkID string  `json:"chunk_id"`
	Path    string  `json:"path"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

const (
	vectorWeight  = 0.7
	keywordWeight = 0.3
	candidateCap  = 200
)

// Search runs a hybrid query over the tenant's documents. When the embedder
// is absent or one leg fails, the other leg still answers.
func (m *Manager) Search(ctx context.Context, tenantID, query string, limit int) ([]Hit, error) {
	start := time.Now()
	defer observability.RecordKnowledgeSearch(time.Since(start))

	logger := tracing.LoggerFromContext(ctx, m.logger)

	if query == "" {
		return []Hit{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	m.mu.RLock()
	dirty := m.dirty
	m.mu.RUnlock()
	if dirty {
		if err := m.Sync(ctx); err != nil {
			logger.Warn().Err(err).Msg("Knowledge sync failed before search")
		}
	}

	var vectorScores, keywordScores map[string]float64
	var vectorErr, keywordErr error

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if m.embedder != nil {
			vectorScores, vectorErr = m.vectorSearch(ctx, tenantID, query)
		}
	}()
	go func() {
		defer wg.Done()
		keywordScores, keywordErr = m.keywordSearch(ctx, tenantID, query)
	}()
	wg.Wait()

	if vectorErr != nil {
		logger.Warn().Err(vectorErr).Msg("Vector search failed, using keyword only")
	}
	if keywordErr != nil {
		logger.Warn().Err(keywordErr).Msg("Keyword search failed, using vector only")
	}
	if vectorErr != nil && keywordErr != nil {
		return nil, fmt.Errorf("knowledge search failed: %w", keywordErr)
	}

	hits := m.rank(ctx, vectorScores, keywordScores)
	if len(hits) > limit {
		hits = hits[:limit]
	}

	logger.Debug().
		Str("tenantId", tenantID).
		Int("hits", len(hits)).
		Msg("Knowledge search completed")
	return hits, nil
}

// vectorSearch returns tenant-scoped chunk similarities in [0, 1].
func (m *Manager) vectorSearch(ctx context.Context, tenantID, query string) (map[string]float64, error) {
	embedding, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	encoded, err := json.Marshal(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query embedding: %w", err)
	}

	// The vec0 table has no tenant column; the join enforces scoping.
	rows, err := m.db.QueryContext(ctx, `
		SELECT e.chunk_id, vec_distance_cosine(e.embedding, ?) AS distance
		FROM embeddings e
		JOIN chunks c ON c.id = e.chunk_id
		WHERE c.tenant_id = ?
		ORDER BY distance ASC
		LIMIT ?
	`, string(encoded), tenantID, candidateCap)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scores := make(map[string]float64)
	for rows.Next() {
		var chunkID string
		var distance float64
		if err := rows.Scan(&chunkID, &distance); err != nil {
			return nil, err
		}
		// cosine distance [0, 2] -> similarity [0, 1]
		scores[chunkID] = 1.0 - distance/2.0
	}
	return scores, rows.Err()
}

// keywordSearch returns tenant-scoped BM25 scores (positive, unnormalized).
func (m *Manager) keywordSearch(ctx context.Context, tenantID, query string) (map[string]float64, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT chunk_id, bm25(chunks_fts) AS score
		FROM chunks_fts
		WHERE chunks_fts MATCH ? AND tenant_id = ?
		ORDER BY score
		LIMIT ?
	`, query, tenantID, candidateCap)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scores := make(map[string]float64)
	for rows.Next() {
		var chunkID string
		var score float64
		if err := rows.Scan(&chunkID, &score); err != nil {
			return nil, err
		}
		// BM25 scores come back negative
		scores[chunkID] = -score
	}
	return scores, rows.Err()
}

func (m *Manager) rank(ctx context.Context, vectorScores, keywordScores map[string]float64) []Hit {
	var maxKeyword float64
	for _, s := range keywordScores {
		if s > maxKeyword {
			maxKeyword = s
		}
	}

	combined := make(map[string]float64)
	for id, s := range vectorScores {
		combined[id] += s * vectorWeight
	}
	for id, s := range keywordScores {
		if maxKeyword > 0 {
			combined[id] += (s / maxKeyword) * keywordWeight
		}
	}

	ids := make([]string, 0, len(combined))
	for id := range combined {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return combined[ids[i]] > combined[ids[j]]
	})

	hits := make([]Hit, 0, len(ids))
	for _, id := range ids {
		var content, path string
		err := m.db.QueryRowContext(ctx, `
			SELECT c.content, d.path
			FROM chunks c
			JOIN documents d ON c.document_id = d.id
			WHERE c.id = ?
		`, id).Scan(&content, &path)
		if err != nil {
			m.logger.Warn().Err(err).Str("chunkId", id).Msg("Failed to load chunk")
			continue
		}
		hits = append(hits, Hit{
			ChunkID: id,
			Path:    path,
			Content: content,
			Score:   combined[id],
		})
	}
	return hits
}
