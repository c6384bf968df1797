package vectorstore

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/tmc/langchaingo/schema"
)

// mmrSearch fetches a wider candidate pool with embeddings and greedily
// re-ranks it for maximal marginal relevance, trading similarity to the
// query against similarity to already selected results.
func (e *Engine) mmrSearch(ctx context.Context, pool *pgxpool.Pool, store Store, queryVec []float32, topK int, req SearchRequest) ([]schema.Document, error) {
	fetchK := req.FetchK
	if fetchK <= 0 {
		fetchK = defaultFetchK
	}
	if fetchK < topK {
		fetchK = topK
	}
	lambda := req.Lambda
	if lambda < 0 {
		lambda = 0
	}
	if lambda > 1 {
		lambda = 1
	}

	table := store.resolvedTable()
	q := fmt.Sprintf(`
		SELECT text, metadata, embedding, embedding %s $1 AS distance
		FROM   %s
		ORDER  BY distance
		LIMIT  %d`,
		distanceOperator(store.DistanceMetric), pgx.Identifier{table}.Sanitize(), fetchK)

	rows, err := pool.Query(ctx, q, pgvector.NewVector(queryVec))
	if err != nil {
		return nil, mapTableError(err, table)
	}
	type candidate struct {
		doc       schema.Document
		embedding []float32
	}
	cands, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (candidate, error) {
		var (
			text string
			raw  []byte
			vec  pgvector.Vector
			dist float64
		)
		if err := row.Scan(&text, &raw, &vec, &dist); err != nil {
			return candidate{}, err
		}
		doc, err := resultDocument(store, table, text, raw, dist)
		if err != nil {
			return candidate{}, err
		}
		return candidate{doc: doc, embedding: vec.Slice()}, nil
	})
	if err != nil {
		return nil, mapTableError(fmt.Errorf("searching %s: %w", table, err), table)
	}

	embeds := make([][]float32, len(cands))
	for i, c := range cands {
		embeds[i] = c.embedding
	}
	docs := make([]schema.Document, 0, topK)
	for _, i := range maximalMarginalRelevance(queryVec, embeds, lambda, topK) {
		docs = append(docs, cands[i].doc)
	}
	return docs, nil
}

// maximalMarginalRelevance returns the indices of up to k candidates in
// selection order. Each round picks the candidate maximising
// lambda*sim(query, c) - (1-lambda)*max sim(c, selected); the first pick
// has no diversity penalty.
func maximalMarginalRelevance(query []float32, candidates [][]float32, lambda float64, k int) []int {
	if k > len(candidates) {
		k = len(candidates)
	}
	if k <= 0 {
		return nil
	}

	querySim := make([]float64, len(candidates))
	for i, c := range candidates {
		querySim[i] = cosineSimilarity(query, c)
	}

	selected := make([]int, 0, k)
	used := make([]bool, len(candidates))
	// maxSim[i] is the highest similarity between candidate i and any
	// selected candidate so far.
	maxSim := make([]float64, len(candidates))

	for len(selected) < k {
		best := -1
		bestScore := math.Inf(-1)
		for i := range candidates {
			if used[i] {
				continue
			}
			score := lambda * querySim[i]
			if len(selected) > 0 {
				score -= (1 - lambda) * maxSim[i]
			}
			if score > bestScore {
				bestScore = score
				best = i
			}
		}
		if best < 0 {
			break
		}
		used[best] = true
		selected = append(selected, best)
		for i := range candidates {
			if used[i] {
				continue
			}
			if sim := cosineSimilarity(candidates[i], candidates[best]); sim > maxSim[i] {
				maxSim[i] = sim
			}
		}
	}
	return selected
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
