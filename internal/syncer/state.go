package syncer

import (
	"sync"

	"github.com/alexjbarnes/ledger-sync/internal/models"
)

// State is the published view of the engine. It is rebuilt on every
// process start and never persisted.
type State struct {
	IsAvailable      bool `json:"isAvailable"`
	IsSignedIn       bool `json:"isSignedIn"`
	IsAuthInProgress bool `json:"isAuthInProgress"`
	IsSyncing        bool `json:"isSyncing"`

	AccountName     string `json:"accountName,omitempty"`
	AccountEmail    string `json:"accountEmail,omitempty"`
	AccountPhotoURL string `json:"accountPhotoUrl,omitempty"`

	LastSyncAtIso   string            `json:"lastSyncAtIso,omitempty"`
	LastSyncSource  models.SyncSource `json:"lastSyncSource,omitempty"`
	LastSyncPolicy  models.SyncPolicy `json:"lastSyncPolicy,omitempty"`
	HadSyncConflict bool              `json:"hadSyncConflict"`

	// RequiresAppRestart is set after the local file was replaced.
	// Handles opened before the replacement must not be used again.
	RequiresAppRestart bool `json:"requiresAppRestart"`

	LastError     string `json:"lastError,omitempty"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

func (s *State) setAccount(acct *models.Account) {
	if acct == nil {
		s.AccountName, s.AccountEmail, s.AccountPhotoURL = "", "", ""
		return
	}

	s.AccountName = acct.Name
	s.AccountEmail = acct.Email
	s.AccountPhotoURL = acct.PhotoURL
}

// stateHolder is the single writer of State. Subscribers receive the
// latest snapshot; a slow subscriber skips intermediate ones.
type stateHolder struct {
	mu     sync.Mutex
	cur    State
	subs   map[int]chan State
	nextID int
	closed bool
}

func newStateHolder() *stateHolder {
	return &stateHolder{subs: make(map[int]chan State)}
}

func (h *stateHolder) get() State {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.cur
}

func (h *stateHolder) update(fn func(*State)) State {
	h.mu.Lock()
	defer h.mu.Unlock()

	fn(&h.cur)
	snap := h.cur

	for _, ch := range h.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}

	return snap
}

func (h *stateHolder) subscribe() (<-chan State, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan State, 1)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	ch <- h.cur

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()

			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(ch)
			}
		})
	}
}

func (h *stateHolder) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.closed = true

	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
