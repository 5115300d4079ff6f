// Package chatsession owns the per-model conversational session: its id
// ("{modelId}-main"), ordered chat history, and opaque native session
// handle. It is consulted by the response generator to snapshot/restore
// history around a disableChatHistory prompt.
//
// Adapted from internal/session.ContextManager and Consolidator: the
// threshold/summariser plumbing there is repurposed here as the history
// snapshot/restore mechanism, and Consolidator's start/stop lifecycle idiom
// is repurposed for a per-model session's lifecycle instead of a
// periodic campaign-notes consolidation.
package chatsession

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/llamacore/internal/coremodel"
)

// Manager owns every active ChatSession, keyed by model id.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*coremodel.ChatSession
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{sessions: make(map[string]*coremodel.ChatSession)}
}

// Create registers a new session for modelID against the given native
// handle. Replaces any existing session for modelID without disposing
// it — callers are expected to have already disposed the prior native
// handle via the loader before calling Create again.
func (m *Manager) Create(modelID string, handle coremodel.NativeHandle) *coremodel.ChatSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	session := &coremodel.ChatSession{
		ID:            modelID + "-main",
		ModelID:       modelID,
		SessionHandle: handle,
	}
	m.sessions[modelID] = session
	return session
}

// Get returns the session for modelID, if any.
func (m *Manager) Get(modelID string) (*coremodel.ChatSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[modelID]
	return s, ok
}

// Dispose removes modelID's session from the manager. The caller is
// responsible for disposing the underlying native handle beforehand.
func (m *Manager) Dispose(modelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, modelID)
}

// UpdateSessionHistory is reserved for a future per-thread replay source.
// In this version no such source is wired in, so it validates its
// arguments and returns nil without mutating any session — matching the
// decision recorded for this operation: an explicit no-op, not a rejected
// call, since a caller invoking it should not need to special-case the
// absence of replay wiring.
func (m *Manager) UpdateSessionHistory(modelID, threadID string) error {
	if modelID == "" {
		return fmt.Errorf("chatsession: updateSessionHistory: modelID must not be empty")
	}
	if threadID == "" {
		return fmt.Errorf("chatsession: updateSessionHistory: threadID must not be empty")
	}
	slog.Debug("chatsession: updateSessionHistory has no replay source wired in, skipping", "model_id", modelID, "thread_id", threadID)
	return nil
}

// AppendMessage appends msg to modelID's session history. No-op if the
// session does not exist.
func (m *Manager) AppendMessage(modelID string, msg coremodel.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[modelID]
	if !ok {
		return
	}
	s.History = append(s.History, msg)
}

// SnapshotHistory returns a copy of modelID's current history, for a
// disableChatHistory prompt to restore afterward.
func (m *Manager) SnapshotHistory(modelID string) ([]coremodel.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[modelID]
	if !ok {
		return nil, false
	}
	return s.HistorySnapshot(), true
}

// RestoreHistory replaces modelID's history with snapshot, undoing whatever
// AppendMessage calls happened since SnapshotHistory was taken.
func (m *Manager) RestoreHistory(modelID string, snapshot []coremodel.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[modelID]
	if !ok {
		return
	}
	s.History = snapshot
}
