package botai

import (
	"slices"
	"sync"
)

// Role of a conversation turn
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of a conversation history. Name is optional, and
// is set to the persona display name on assistant turns.
type Turn struct {
	Role    Role   `json:"role"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

// ConversationKey identifies the history of one author in one channel
func ConversationKey(authorID, channelID string) string {
	return authorID + "-" + channelID
}

// HistoryBackend stores conversation histories by key. Implementations
// must be safe for concurrent use, and must not retain or mutate the
// slices they're given.
type HistoryBackend interface {
	Get(key string) ([]Turn, bool)
	Put(key string, turns []Turn)
	Delete(key string) bool
	Keys() []string
}

// memoryHistory is the default HistoryBackend. Nothing is ever
// written to disk.
type memoryHistory struct {
	mu      sync.RWMutex
	history map[string][]Turn
}

func newMemoryHistory() *memoryHistory {
	return &memoryHistory{history: map[string][]Turn{}}
}

func (m *memoryHistory) Get(key string) ([]Turn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	turns, ok := m.history[key]
	return slices.Clone(turns), ok
}

func (m *memoryHistory) Put(key string, turns []Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if turns == nil {
		turns = []Turn{}
	}
	m.history[key] = slices.Clone(turns)
}

func (m *memoryHistory) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.history[key]
	delete(m.history, key)
	return ok
}

func (m *memoryHistory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.history))
	for k := range m.history {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// ConversationStore holds bounded, per-key conversation histories.
//
// Each operation is atomic on its own. Callers that need a sequence of
// operations on one key to be serialized (truncate, generate, append)
// hold the key's lock from Lock for the duration.
type ConversationStore struct {
	backend    HistoryBackend
	maxHistory int

	// mu guards read-modify-write cycles against the backend
	mu sync.Mutex

	keyMu sync.Mutex
	keys  map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewConversationStore returns a store bounded to maxHistory turns per
// key. If backend is nil, histories are kept in memory.
func NewConversationStore(
	maxHistory int,
	backend HistoryBackend,
) *ConversationStore {
	if maxHistory < 1 {
		maxHistory = 1
	}
	if backend == nil {
		backend = newMemoryHistory()
	}
	return &ConversationStore{
		backend:    backend,
		maxHistory: maxHistory,
		keys:       map[string]*keyLock{},
	}
}

// MaxHistory returns the per-key bound
func (c *ConversationStore) MaxHistory() int {
	return c.maxHistory
}

// Lock blocks until the caller holds the lock for key, and returns
// the function that releases it.
func (c *ConversationStore) Lock(key string) (unlock func()) {
	c.keyMu.Lock()
	kl, ok := c.keys[key]
	if !ok {
		kl = &keyLock{}
		c.keys[key] = kl
	}
	kl.refs++
	c.keyMu.Unlock()

	kl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(
			func() {
				kl.mu.Unlock()
				c.keyMu.Lock()
				kl.refs--
				if kl.refs == 0 {
					delete(c.keys, key)
				}
				c.keyMu.Unlock()
			},
		)
	}
}

// GetOrCreate returns a copy of the history for key, creating an empty
// history if there isn't one yet.
func (c *ConversationStore) GetOrCreate(key string) []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	turns, ok := c.backend.Get(key)
	if !ok {
		turns = []Turn{}
		c.backend.Put(key, turns)
	}
	return turns
}

// TruncateAndAppend drops the oldest turns until there's room for one
// more, then appends turn. It returns the resulting history.
func (c *ConversationStore) TruncateAndAppend(key string, turn Turn) []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	turns, _ := c.backend.Get(key)
	if keep := c.maxHistory - 1; len(turns) > keep {
		turns = turns[len(turns)-keep:]
	}
	turns = append(turns, turn)
	c.backend.Put(key, turns)
	return slices.Clone(turns)
}

// Append adds turn without a separate truncation pass. The oldest turn
// is dropped only when the history is already full.
func (c *ConversationStore) Append(key string, turn Turn) []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	turns, _ := c.backend.Get(key)
	if len(turns) >= c.maxHistory {
		turns = turns[len(turns)-c.maxHistory+1:]
	}
	turns = append(turns, turn)
	c.backend.Put(key, turns)
	return slices.Clone(turns)
}

// Clear removes the history for key. If there is no history for key,
// ErrNoHistory is returned.
func (c *ConversationStore) Clear(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.backend.Delete(key) {
		return ErrNoHistory
	}
	return nil
}

// Snapshot returns a copy of the history for key, without creating it
func (c *ConversationStore) Snapshot(key string) ([]Turn, bool) {
	return c.backend.Get(key)
}

// Len returns the number of turns stored for key
func (c *ConversationStore) Len(key string) int {
	turns, _ := c.backend.Get(key)
	return len(turns)
}

// Keys returns all keys with a stored history, sorted
func (c *ConversationStore) Keys() []string {
	return c.backend.Keys()
}
