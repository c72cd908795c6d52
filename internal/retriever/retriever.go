// Package retriever implements vector-indexed knowledge retrieval backed by
// PostgreSQL + pgvector.
//
// Search embeds the query once through an embeddings.Provider, then searches
// a persistent vector collection ordered by cosine distance. The contract is
// only "larger score = more similar" — callers should not assume a fixed
// range across backends.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/turnengine/turnengine/pkg/provider/embeddings"
)

// ErrRetrieverUnavailable indicates the vector index could not be reached or
// the query failed at the database layer.
var ErrRetrieverUnavailable = errors.New("retriever: unavailable")

// ErrEmbeddingFailed indicates the embedding model failed to embed the query.
var ErrEmbeddingFailed = errors.New("retriever: embedding failed")

// Result is one ranked passage returned by Search.
type Result struct {
	Text     string
	Score    float64
	Metadata map[string]string
}

// Chunk is one row of the knowledge_chunks table: an ordered partition of a
// source document's text, with a fixed-dimension embedding.
type Chunk struct {
	ChunkID        string
	SourceDocument string
	Ordinal        int
	Text           string
	Collection     string
	Metadata       map[string]string
	Vector         []float32
}

// Retriever performs semantic search over a named collection of knowledge
// chunks.
type Retriever struct {
	pool       *pgxpool.Pool
	embedder   embeddings.Provider
	collection string
}

// New creates a Retriever against the given pool, embedding provider, and
// collection name.
func New(pool *pgxpool.Pool, embedder embeddings.Provider, collection string) *Retriever {
	return &Retriever{pool: pool, embedder: embedder, collection: collection}
}

// Migrate enables the pgvector extension and creates the knowledge_chunks
// table and an index on its collection column if they do not already exist.
// No vector (ANN) index is created, so Search scans the collection's rows.
// dims must match the embedder's Dimensions().
func (r *Retriever) Migrate(ctx context.Context, dims int) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS knowledge_chunks (
		    chunk_id        TEXT PRIMARY KEY,
		    source_document TEXT NOT NULL,
		    ordinal         INTEGER NOT NULL,
		    collection      TEXT NOT NULL,
		    text            TEXT NOT NULL,
		    metadata        JSONB NOT NULL DEFAULT '{}',
		    embedding       vector(%d) NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_collection ON knowledge_chunks (collection);`, dims)

	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrRetrieverUnavailable, err)
	}
	return nil
}

// IndexChunk embeds and upserts a chunk into the collection. Ingestion is a
// one-shot, non-hot-path operation.
func (r *Retriever) IndexChunk(ctx context.Context, c Chunk) error {
	vec := c.Vector
	if vec == nil {
		embedded, err := r.embedder.Embed(ctx, c.Text)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
		}
		vec = embedded
	}

	const q = `
		INSERT INTO knowledge_chunks (chunk_id, source_document, ordinal, collection, text, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chunk_id) DO UPDATE SET
		    source_document = EXCLUDED.source_document,
		    ordinal         = EXCLUDED.ordinal,
		    collection      = EXCLUDED.collection,
		    text            = EXCLUDED.text,
		    embedding       = EXCLUDED.embedding`

	_, err := r.pool.Exec(ctx, q, c.ChunkID, c.SourceDocument, c.Ordinal, r.collectionOrDefault(c.Collection), c.Text, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("%w: index chunk: %v", ErrRetrieverUnavailable, err)
	}
	return nil
}

// Search embeds query once and returns up to k results ordered by descending
// similarity (ascending cosine distance). If scoreThreshold > 0, results
// below it are dropped. Callers (the orchestrator) are expected to treat
// both ErrRetrieverUnavailable and ErrEmbeddingFailed as "proceed without
// RAG context" rather than hard failures.
func (r *Retriever) Search(ctx context.Context, query string, k int, scoreThreshold float64) ([]Result, error) {
	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	const q = `
		SELECT text, metadata, 1 - (embedding <=> $1) AS score
		FROM   knowledge_chunks
		WHERE  collection = $2
		ORDER  BY embedding <=> $1
		LIMIT  $3`

	rows, err := r.pool.Query(ctx, q, pgvector.NewVector(queryVec), r.collection, k)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", ErrRetrieverUnavailable, err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Result, error) {
		var res Result
		var metaJSON map[string]string
		if err := row.Scan(&res.Text, &metaJSON, &res.Score); err != nil {
			return Result{}, err
		}
		res.Metadata = metaJSON
		return res, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan rows: %v", ErrRetrieverUnavailable, err)
	}

	if scoreThreshold > 0 {
		filtered := results[:0]
		for _, res := range results {
			if res.Score >= scoreThreshold {
				filtered = append(filtered, res)
			}
		}
		results = filtered
	}
	if results == nil {
		results = []Result{}
	}
	return results, nil
}

func (r *Retriever) collectionOrDefault(c string) string {
	if c == "" {
		return r.collection
	}
	return c
}

// ChunkText is a paragraph/heading-aware splitter for ingestion: target chunk
// size targetTokens with overlap overlapTokens (both expressed in the same
// 4-chars-per-token approximation the token ledger uses). Paragraphs are
// never split mid-sentence when a natural boundary exists within the target
// window.
func ChunkText(text string, targetTokens, overlapTokens int) []string {
	const charsPerToken = 4
	targetChars := targetTokens * charsPerToken
	overlapChars := overlapTokens * charsPerToken
	if targetChars <= 0 {
		return []string{text}
	}

	paragraphs := strings.Split(strings.TrimSpace(text), "\n\n")
	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunks = append(chunks, strings.TrimSpace(current.String()))
	}

	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if current.Len()+len(p) > targetChars && current.Len() > 0 {
			flush()
			tail := tailChars(current.String(), overlapChars)
			current.Reset()
			current.WriteString(tail)
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	flush()
	if len(chunks) == 0 {
		return []string{text}
	}
	return chunks
}

func tailChars(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return ""
	}
	return s[len(s)-n:]
}

// ChunkQA splits a Q&A-structured document into one chunk per pair: each
// element of qas becomes exactly one chunk, with no overlap, matching the
// spec's semantic-chunking rule for question/answer sources.
func ChunkQA(qas []QAPair) []string {
	chunks := make([]string, len(qas))
	for i, qa := range qas {
		chunks[i] = "Q: " + qa.Question + "\nA: " + qa.Answer
	}
	return chunks
}

// QAPair is one question/answer entry in a Q&A-structured source document.
type QAPair struct {
	Question string
	Answer   string
}
