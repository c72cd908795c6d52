package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/turnengine/turnengine/internal/store"
	"github.com/turnengine/turnengine/pkg/types"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if TURNENGINE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TURNENGINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TURNENGINE_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *store.PostgresStore {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestAppendAndLoadConversation_OrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	convID := "conv-" + store.HashSecret(t.Name())[:8]

	now := time.Now()
	for i := 1; i <= 4; i++ {
		msg := types.ConversationMessage{
			ConversationID: convID,
			MessageIndex:   i,
			Role:           types.RoleUser,
			Content:        "message",
			CreatedAt:      now.Add(time.Duration(i) * time.Second),
		}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage(%d): %v", i, err)
		}
	}

	got, err := s.LoadConversation(ctx, convID, 2)
	if err != nil {
		t.Fatalf("LoadConversation: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 messages, got %d", len(got))
	}
	if got[0].MessageIndex != 3 || got[1].MessageIndex != 4 {
		t.Errorf("want indices [3 4] ordered oldest-first, got [%d %d]", got[0].MessageIndex, got[1].MessageIndex)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hashed := store.HashSecret("super-secret-" + t.Name())
	created, err := s.CreateAPIKey(ctx, store.APIKey{
		HashedSecret:       hashed,
		Owner:              "test-owner",
		RateLimitPerMinute: 60,
		RateLimitPerDay:    1000,
	})
	if err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	found, err := s.FindAPIKey(ctx, hashed)
	if err != nil {
		t.Fatalf("FindAPIKey: %v", err)
	}
	if found.ID != created.ID {
		t.Errorf("FindAPIKey: id mismatch, want %q got %q", created.ID, found.ID)
	}
	if found.Revoked {
		t.Errorf("newly created key should not be revoked")
	}

	if err := s.RevokeAPIKey(ctx, created.ID); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}
	found, err = s.FindAPIKey(ctx, hashed)
	if err != nil {
		t.Fatalf("FindAPIKey after revoke: %v", err)
	}
	if !found.Revoked {
		t.Errorf("key should be revoked")
	}
}

func TestFindAPIKey_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.FindAPIKey(ctx, "does-not-exist")
	if err != store.ErrNotFound {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestAppendAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.AppendAudit(ctx, store.AuditEntry{
		Actor:         "test",
		EventKind:     "retriever_unavailable",
		Severity:      "warning",
		Component:     "retriever",
		PayloadDigest: "deadbeef",
		LatencyMs:     12,
	})
	if err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
}
