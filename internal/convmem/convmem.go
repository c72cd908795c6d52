// Package convmem implements ConversationMemory: a bounded, per-conversation
// sliding window over durable conversation history.
//
// Each conversation's ring is serialized by its own lock; the outer map is
// protected by a short-held lock only for insert/evict of whole
// conversations, matching the concurrency model the store-append path
// degrades under: if the durable append fails, the in-memory copy is kept
// and the failure is logged rather than propagated (see the degraded flag and
// IsDegraded below).
package convmem

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turnengine/turnengine/internal/store"
	"github.com/turnengine/turnengine/pkg/types"
)

// Stats reports ConversationMemory usage.
type Stats struct {
	ActiveConversations int
	Appends             int64
	StoreFailures       int64
}

// ring is the fixed-size in-memory tail of one conversation's messages.
type ring struct {
	mu         sync.Mutex
	messages   []types.ConversationMessage // oldest first, len <= capacity
	capacity   int
	nextIndex  int
	lastAccess time.Time
}

func newRing(capacity int) *ring {
	return &ring{capacity: capacity, nextIndex: 1, lastAccess: time.Now()}
}

func (r *ring) append(msg types.ConversationMessage) types.ConversationMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg.MessageIndex = r.nextIndex
	r.nextIndex++
	r.messages = append(r.messages, msg)
	if len(r.messages) > r.capacity {
		r.messages = r.messages[len(r.messages)-r.capacity:]
	}
	r.lastAccess = time.Now()
	return msg
}

func (r *ring) snapshot() []types.ConversationMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastAccess = time.Now()
	out := make([]types.ConversationMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

func (r *ring) seed(msgs []types.ConversationMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) > 0 {
		return // another goroutine already populated it
	}
	if len(msgs) > r.capacity {
		msgs = msgs[len(msgs)-r.capacity:]
	}
	r.messages = append(r.messages[:0], msgs...)
	if n := len(msgs); n > 0 {
		r.nextIndex = msgs[n-1].MessageIndex + 1
	}
}

// conversationEntry pairs a ring with its position in the LRU list.
type conversationEntry struct {
	id  string
	rng *ring
	el  *list.Element
}

// ConversationMemory is the sliding per-conversation history layer described
// in the component design: it appends to both the window and (best-effort,
// logged on failure) to Store, and formats context for prompt injection.
type ConversationMemory struct {
	store           store.Store
	windowSize      int // N
	maxConversations int // M

	mu       sync.Mutex // protects conversations map + lru list only
	conversations map[string]*conversationEntry
	lru           *list.List // front = most-recently-accessed

	degraded atomic.Bool

	statsMu sync.Mutex
	appends int64
	fails   int64
}

// New creates a ConversationMemory with window size N and at most M
// concurrently-held conversations in memory.
func New(st store.Store, windowSize, maxConversations int) *ConversationMemory {
	return &ConversationMemory{
		store:            st,
		windowSize:       windowSize,
		maxConversations: maxConversations,
		conversations:    make(map[string]*conversationEntry),
		lru:              list.New(),
	}
}

// Append appends one message to the in-memory ring and then durably to
// Store. The Store write happens synchronously, inside this call, not in the
// background. If the Store append fails the in-memory copy is kept
// regardless — a degrade, never a failure of this call.
func (cm *ConversationMemory) Append(ctx context.Context, conversationID string, role types.Role, content string, tokensIn, tokensOut int, userID string) types.ConversationMessage {
	entry := cm.entryFor(conversationID)

	msg := entry.rng.append(types.ConversationMessage{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now(),
		TokensInput:    tokensIn,
		TokensOutput:   tokensOut,
		UserID:         userID,
	})

	cm.statsMu.Lock()
	cm.appends++
	cm.statsMu.Unlock()

	if cm.store != nil {
		if err := cm.store.AppendMessage(ctx, msg); err != nil {
			cm.degraded.Store(true)
			cm.statsMu.Lock()
			cm.fails++
			cm.statsMu.Unlock()
			slog.Warn("convmem: store append failed, keeping in-memory copy",
				"conversation_id", conversationID, "error", err)
		} else {
			cm.degraded.Store(false)
		}
	}

	return msg
}

// History returns the in-memory window if present; otherwise it loads up to
// N most recent messages from Store and repopulates the window. On Store
// failure it returns an empty history rather than erroring (degrade).
func (cm *ConversationMemory) History(ctx context.Context, conversationID string) []types.ConversationMessage {
	entry := cm.entryFor(conversationID)
	if msgs := entry.rng.snapshot(); len(msgs) > 0 {
		cm.touch(entry)
		return msgs
	}

	if cm.store == nil {
		return nil
	}
	loaded, err := cm.store.LoadConversation(ctx, conversationID, cm.windowSize)
	if err != nil {
		slog.Warn("convmem: history load failed, proceeding with empty context",
			"conversation_id", conversationID, "error", err)
		return nil
	}
	entry.rng.seed(loaded)
	cm.touch(entry)
	return entry.rng.snapshot()
}

// FormatContext produces a role-tagged transcript suitable for prompt
// injection: one "Role: content" line per message, oldest first.
func (cm *ConversationMemory) FormatContext(ctx context.Context, conversationID string) string {
	msgs := cm.History(ctx, conversationID)
	if len(msgs) == 0 {
		return ""
	}
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", roleLabel(m.Role), m.Content)
	}
	return b.String()
}

// Stats returns a snapshot of memory usage counters.
func (cm *ConversationMemory) Stats() Stats {
	cm.mu.Lock()
	n := len(cm.conversations)
	cm.mu.Unlock()

	cm.statsMu.Lock()
	defer cm.statsMu.Unlock()
	return Stats{ActiveConversations: n, Appends: cm.appends, StoreFailures: cm.fails}
}

// IsDegraded reports whether the most recent Store operation failed.
func (cm *ConversationMemory) IsDegraded() bool {
	return cm.degraded.Load()
}

// entryFor returns the conversationEntry for id, creating it (and evicting
// the least-recently-accessed conversation if at capacity) if necessary.
func (cm *ConversationMemory) entryFor(conversationID string) *conversationEntry {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if e, ok := cm.conversations[conversationID]; ok {
		cm.lru.MoveToFront(e.el)
		return e
	}

	if len(cm.conversations) >= cm.maxConversations && cm.maxConversations > 0 {
		oldest := cm.lru.Back()
		if oldest != nil {
			evictID := oldest.Value.(string)
			delete(cm.conversations, evictID)
			cm.lru.Remove(oldest)
		}
	}

	e := &conversationEntry{id: conversationID, rng: newRing(cm.windowSize)}
	e.el = cm.lru.PushFront(conversationID)
	cm.conversations[conversationID] = e
	return e
}

func (cm *ConversationMemory) touch(e *conversationEntry) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if e.el != nil {
		cm.lru.MoveToFront(e.el)
	}
}

func roleLabel(r types.Role) string {
	switch r {
	case types.RoleUser:
		return "User"
	case types.RoleAssistant:
		return "Assistant"
	case types.RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

