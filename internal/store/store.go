// Package store provides durable persistence for conversations, API keys, and
// audit entries on top of PostgreSQL.
//
// A single writer-friendly connection pool backs concurrent readers; commits
// are serialized by the database itself. Callers that need crash-safe,
// write-ahead-logged durability get it from Postgres rather than an embedded
// engine — the interface this package exposes is unchanged from what an
// embedded store would offer.
package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/turnengine/turnengine/pkg/types"
)

// ErrStoreUnavailable is returned when the underlying database rejects a
// commit or cannot be reached. Callers decide whether to surface this to the
// client or degrade to an in-memory-only path.
var ErrStoreUnavailable = errors.New("store: unavailable")

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// APIKey is a durable API key record. Secret is never stored; only its hash.
type APIKey struct {
	ID                 string
	HashedSecret       string
	Owner              string
	CreatedAt          time.Time
	ExpiresAt          *time.Time
	Revoked            bool
	RateLimitPerMinute int
	RateLimitPerDay    int
}

// AuditEntry is an append-only audit log row.
type AuditEntry struct {
	ID            string
	Timestamp     time.Time
	Actor         string
	EventKind     string
	Severity      string
	Component     string // optional: "guard", "retriever", "store", "llm"
	PayloadDigest string
	LatencyMs     int64
}

// Store is the durable persistence contract. Implementations must serialize
// writes and allow many concurrent readers.
type Store interface {
	AppendMessage(ctx context.Context, msg types.ConversationMessage) error
	LoadConversation(ctx context.Context, conversationID string, limit int) ([]types.ConversationMessage, error)
	CreateAPIKey(ctx context.Context, rec APIKey) (APIKey, error)
	FindAPIKey(ctx context.Context, hashedSecret string) (APIKey, error)
	ListAPIKeys(ctx context.Context) ([]APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
	AppendAudit(ctx context.Context, entry AuditEntry) error
	Close()
}

// PostgresStore is the pgx/v5-backed implementation of Store.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool against dsn, verifies connectivity, and
// applies the schema (idempotent — safe to call on every startup).
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrStoreUnavailable, err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Pool returns the underlying connection pool so other components (the
// retriever's pgvector queries, in particular) can share it instead of
// opening a second pool against the same database.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate creates the conversations, api_keys, and audit_logs tables and
// their indexes if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS conversations (
		    conversation_id TEXT NOT NULL,
		    message_index   INTEGER NOT NULL,
		    role            TEXT NOT NULL,
		    content         TEXT NOT NULL,
		    created_at      TIMESTAMPTZ NOT NULL,
		    tokens_input    INTEGER NOT NULL DEFAULT 0,
		    tokens_output   INTEGER NOT NULL DEFAULT 0,
		    user_id         TEXT,
		    PRIMARY KEY (conversation_id, message_index)
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_id_index
		    ON conversations (conversation_id, message_index);

		CREATE TABLE IF NOT EXISTS api_keys (
		    id               TEXT PRIMARY KEY,
		    hashed_secret    TEXT NOT NULL,
		    owner            TEXT NOT NULL,
		    created_at       TIMESTAMPTZ NOT NULL,
		    expires_at       TIMESTAMPTZ,
		    revoked          BOOLEAN NOT NULL DEFAULT FALSE,
		    limit_per_minute INTEGER NOT NULL DEFAULT 60,
		    limit_per_day    INTEGER NOT NULL DEFAULT 100000,
		    counters_json    JSONB NOT NULL DEFAULT '{}'
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_api_keys_hashed_secret
		    ON api_keys (hashed_secret);

		CREATE TABLE IF NOT EXISTS audit_logs (
		    id             TEXT PRIMARY KEY,
		    timestamp      TIMESTAMPTZ NOT NULL,
		    actor          TEXT NOT NULL,
		    event_kind     TEXT NOT NULL,
		    severity       TEXT NOT NULL,
		    component      TEXT,
		    payload_digest TEXT NOT NULL,
		    latency_ms     BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp
		    ON audit_logs (timestamp);`

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// AppendMessage inserts one row into conversations with the message_index the
// caller assigned. The primary key rejects a duplicate index for the same
// conversation_id; gaps in the sequence are not detected here.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg types.ConversationMessage) error {
	const q = `
		INSERT INTO conversations
		    (conversation_id, message_index, role, content, created_at, tokens_input, tokens_output, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, q,
		msg.ConversationID, msg.MessageIndex, string(msg.Role), msg.Content,
		msg.CreatedAt, msg.TokensInput, msg.TokensOutput, nullableString(msg.UserID),
	)
	if err != nil {
		return fmt.Errorf("%w: append message: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// LoadConversation returns up to limit most recent messages for
// conversationID, ordered oldest-first (ready to feed directly into a
// ConversationMemory window).
func (s *PostgresStore) LoadConversation(ctx context.Context, conversationID string, limit int) ([]types.ConversationMessage, error) {
	const q = `
		SELECT conversation_id, message_index, role, content, created_at, tokens_input, tokens_output, COALESCE(user_id, '')
		FROM (
		    SELECT * FROM conversations
		    WHERE conversation_id = $1
		    ORDER BY message_index DESC
		    LIMIT $2
		) recent
		ORDER BY message_index ASC`

	rows, err := s.pool.Query(ctx, q, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: load conversation: %v", ErrStoreUnavailable, err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.ConversationMessage, error) {
		var m types.ConversationMessage
		var role string
		if err := row.Scan(&m.ConversationID, &m.MessageIndex, &role, &m.Content, &m.CreatedAt, &m.TokensInput, &m.TokensOutput, &m.UserID); err != nil {
			return types.ConversationMessage{}, err
		}
		m.Role = types.Role(role)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan conversation rows: %v", ErrStoreUnavailable, err)
	}
	if msgs == nil {
		msgs = []types.ConversationMessage{}
	}
	return msgs, nil
}

// CreateAPIKey inserts a new API key row. rec.ID is generated if empty.
func (s *PostgresStore) CreateAPIKey(ctx context.Context, rec APIKey) (APIKey, error) {
	if rec.ID == "" {
		rec.ID = generateID("key")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	const q = `
		INSERT INTO api_keys
		    (id, hashed_secret, owner, created_at, expires_at, revoked, limit_per_minute, limit_per_day, counters_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '{}')`

	_, err := s.pool.Exec(ctx, q,
		rec.ID, rec.HashedSecret, rec.Owner, rec.CreatedAt, rec.ExpiresAt, rec.Revoked,
		rec.RateLimitPerMinute, rec.RateLimitPerDay,
	)
	if err != nil {
		return APIKey{}, fmt.Errorf("%w: create api key: %v", ErrStoreUnavailable, err)
	}
	return rec, nil
}

// FindAPIKey looks up a key record by the hash of its secret. Never accepts
// or stores the raw secret.
func (s *PostgresStore) FindAPIKey(ctx context.Context, hashedSecret string) (APIKey, error) {
	const q = `
		SELECT id, hashed_secret, owner, created_at, expires_at, revoked, limit_per_minute, limit_per_day
		FROM api_keys WHERE hashed_secret = $1`

	var rec APIKey
	err := s.pool.QueryRow(ctx, q, hashedSecret).Scan(
		&rec.ID, &rec.HashedSecret, &rec.Owner, &rec.CreatedAt, &rec.ExpiresAt, &rec.Revoked,
		&rec.RateLimitPerMinute, &rec.RateLimitPerDay,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return APIKey{}, ErrNotFound
	}
	if err != nil {
		return APIKey{}, fmt.Errorf("%w: find api key: %v", ErrStoreUnavailable, err)
	}
	return rec, nil
}

// ListAPIKeys returns every API key record ordered by creation time.
// HashedSecret is included since it is never the raw secret, but admin
// handlers should still omit it from any client-facing response.
func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	const q = `
		SELECT id, hashed_secret, owner, created_at, expires_at, revoked, limit_per_minute, limit_per_day
		FROM api_keys ORDER BY created_at`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: list api keys: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []APIKey
	for rows.Next() {
		var rec APIKey
		if err := rows.Scan(&rec.ID, &rec.HashedSecret, &rec.Owner, &rec.CreatedAt, &rec.ExpiresAt, &rec.Revoked,
			&rec.RateLimitPerMinute, &rec.RateLimitPerDay); err != nil {
			return nil, fmt.Errorf("%w: scan api key row: %v", ErrStoreUnavailable, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list api keys: %v", ErrStoreUnavailable, err)
	}
	if out == nil {
		out = []APIKey{}
	}
	return out, nil
}

// RevokeAPIKey soft-revokes the key identified by id.
func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id string) error {
	const q = `UPDATE api_keys SET revoked = true WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("%w: revoke api key: %v", ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendAudit inserts an append-only audit row.
func (s *PostgresStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	if entry.ID == "" {
		entry.ID = generateID("audit")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	const q = `
		INSERT INTO audit_logs (id, timestamp, actor, event_kind, severity, component, payload_digest, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.pool.Exec(ctx, q,
		entry.ID, entry.Timestamp, entry.Actor, entry.EventKind, entry.Severity,
		nullableString(entry.Component), entry.PayloadDigest, entry.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("%w: append audit: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// HashSecret computes the stored hash of a raw API key secret. The raw
// secret itself is never persisted (spec invariant 7).
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func generateID(prefix string) string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
