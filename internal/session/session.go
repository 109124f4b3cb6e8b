// Package session holds transient per-user conversation state for the
// link-capture workflow. A session exists only while a multi-turn workflow
// is in progress and is cleared on completion, cancellation, or error.
package session

import "sync"

// State identifies the current step of a user's conversation workflow.
type State int

const (
	// StateIdle means no workflow is in progress.
	StateIdle State = iota
	// StateAwaitingTokenDecision waits for the Add/Skip choice after /start.
	StateAwaitingTokenDecision
	// StateAwaitingToken waits for a Notion integration token.
	StateAwaitingToken
	// StateAwaitingSelection waits for space-separated 1-based link indices.
	StateAwaitingSelection
	// StateAwaitingCategory waits for a category pick or "create new".
	StateAwaitingCategory
	// StateAwaitingNewCategory waits for a new category name.
	StateAwaitingNewCategory
	// StateAwaitingPriority waits for a priority in [1,10].
	StateAwaitingPriority
	// StateAwaitingListCategory waits for a category filter for /list.
	StateAwaitingListCategory
	// StateAwaitingSyncConfirm waits for a yes/no answer to a full re-sync.
	StateAwaitingSyncConfirm
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingTokenDecision:
		return "awaiting_token_decision"
	case StateAwaitingToken:
		return "awaiting_token"
	case StateAwaitingSelection:
		return "awaiting_selection"
	case StateAwaitingCategory:
		return "awaiting_category"
	case StateAwaitingNewCategory:
		return "awaiting_new_category"
	case StateAwaitingPriority:
		return "awaiting_priority"
	case StateAwaitingListCategory:
		return "awaiting_list_category"
	case StateAwaitingSyncConfirm:
		return "awaiting_sync_confirm"
	default:
		return "unknown"
	}
}

// ForwardOrigin records the provenance of a forwarded message.
type ForwardOrigin struct {
	Username string
	FullName string
	Type     string // "user", "channel", or "chat"
}

// Session is the accumulated step data of one in-progress workflow.
// Fields are fixed and typed rather than a dynamic bag.
type Session struct {
	State State

	// PendingLinks are the URLs extracted from the triggering message,
	// in first-occurrence order.
	PendingLinks []string
	// SelectedLinks are the links the user chose to save.
	SelectedLinks []string
	// Category is the classification chosen in the category step.
	Category string
	// Forward carries provenance when the triggering message was forwarded.
	Forward *ForwardOrigin
}

// Store keeps sessions by user id. Implementations must be safe for
// concurrent use; tasks for different users interleave freely.
type Store interface {
	// Get returns the user's session, or an idle zero session if absent.
	Get(userID int64) Session
	// Set replaces the user's session.
	Set(userID int64, s Session)
	// Clear removes the user's session, returning them to idle.
	Clear(userID int64)
}

// MemoryStore is an in-process Store. Sessions do not survive a restart;
// an interrupted workflow simply starts over from idle.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[int64]Session
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[int64]Session)}
}

func (m *MemoryStore) Get(userID int64) Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[userID]
}

func (m *MemoryStore) Set(userID int64, s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[userID] = s
}

func (m *MemoryStore) Clear(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userID)
}
