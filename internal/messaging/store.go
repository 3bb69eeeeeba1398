// internal/messaging/store.go

package messaging

import (
	"sort"
	"sync"
	"time"
)

// MessageStore is the in-memory index of the open conversation's messages.
// The ordered view is rebuilt from the index after every mutation and is
// never edited on its own.
type MessageStore struct {
	mu sync.RWMutex

	conversationID string
	currentUserID  string

	index   map[string]Message
	ordered []Message

	lastReadAt    time.Time
	serverUnread  int
	unreadCount   int
	firstUnreadID string

	listenersMu sync.Mutex
	listeners   map[int]func(Timeline)
	nextID      int
}

// NewMessageStore creates an empty store for currentUserID.
func NewMessageStore(currentUserID string) *MessageStore {
	return &MessageStore{
		currentUserID: currentUserID,
		index:         make(map[string]Message),
		listeners:     make(map[int]func(Timeline)),
	}
}

// Seed replaces the whole index. Read state is left alone.
func (s *MessageStore) Seed(conversationID string, messages []Message) {
	s.mu.Lock()
	s.conversationID = conversationID
	s.index = make(map[string]Message, len(messages))
	for _, m := range messages {
		s.index[m.ID] = m
	}
	s.rebuildLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
}

// Merge applies a batch of live changes. Added and modified both upsert by id,
// so a repeated added is harmless.
func (s *MessageStore) Merge(changes []Change) {
	if len(changes) == 0 {
		return
	}

	s.mu.Lock()
	for _, c := range changes {
		switch c.Kind {
		case ChangeRemoved:
			delete(s.index, c.Message.ID)
		case ChangeAdded, ChangeModified:
			s.index[c.Message.ID] = c.Message
		}
	}
	s.rebuildLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
}

// InsertOptimistic makes a locally created message visible before the write
// completes.
func (s *MessageStore) InsertOptimistic(m Message) {
	m.Status = StatusSending

	s.mu.Lock()
	s.index[m.ID] = m
	s.rebuildLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
}

// MarkStatus moves an existing message to status. Unknown ids and disallowed
// transitions are ignored. Reports whether anything changed.
func (s *MessageStore) MarkStatus(id string, status MessageStatus) bool {
	s.mu.Lock()
	m, ok := s.index[id]
	if !ok || !canTransition(m.Status, status) {
		s.mu.Unlock()
		return false
	}
	m.Status = status
	s.index[id] = m
	// status does not affect ordering; patch in place
	for i := range s.ordered {
		if s.ordered[i].ID == id {
			s.ordered[i].Status = status
			break
		}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return true
}

// Patch updates the mutable content of a message, keeping its status.
func (s *MessageStore) Patch(id string, fn func(*Message)) bool {
	s.mu.Lock()
	m, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	fn(&m)
	m.ID = id
	s.index[id] = m
	s.rebuildLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return true
}

// Remove deletes a message. The first-unread pointer moves to the next
// candidate if it pointed at id.
func (s *MessageStore) Remove(id string) bool {
	s.mu.Lock()
	if _, ok := s.index[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.index, id)
	s.rebuildLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return true
}

// Clear drops every message and the read state; used on session teardown.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	s.conversationID = ""
	s.index = make(map[string]Message)
	s.lastReadAt = time.Time{}
	s.serverUnread = 0
	s.rebuildLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
}

// SetReadState applies the server-persisted read receipt.
func (s *MessageStore) SetReadState(rs ReadState) {
	s.mu.Lock()
	s.lastReadAt = rs.LastReadAt
	s.serverUnread = rs.UnreadCount
	s.recomputeUnreadLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
}

// MarkReadLocal zeroes unread state immediately and returns the new read
// boundary, which is the newest message timestamp (or now when empty).
func (s *MessageStore) MarkReadLocal() time.Time {
	s.mu.Lock()
	boundary := time.Now().UTC()
	if n := len(s.ordered); n > 0 {
		boundary = s.ordered[n-1].CreatedAt
	}
	if boundary.After(s.lastReadAt) {
		s.lastReadAt = boundary
	}
	s.serverUnread = 0
	s.recomputeUnreadLocked()
	boundary = s.lastReadAt
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap)
	return boundary
}

// Contains reports whether id is in the index.
func (s *MessageStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

// Get returns a copy of the message with id.
func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.index[id]
	return m, ok
}

func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Messages returns the ordered view.
func (s *MessageStore) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Oldest returns the first message of the ordered view.
func (s *MessageStore) Oldest() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.ordered) == 0 {
		return Message{}, false
	}
	return s.ordered[0], true
}

// Newest returns the last message of the ordered view.
func (s *MessageStore) Newest() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.ordered) == 0 {
		return Message{}, false
	}
	return s.ordered[len(s.ordered)-1], true
}

func (s *MessageStore) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unreadCount
}

func (s *MessageStore) FirstUnreadID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstUnreadID
}

// Timeline returns a consistent snapshot of the store.
func (s *MessageStore) Timeline() Timeline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Subscribe registers fn to be called after every mutation. The returned
// func removes it.
func (s *MessageStore) Subscribe(fn func(Timeline)) func() {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *MessageStore) notify(t Timeline) {
	s.listenersMu.Lock()
	fns := make([]func(Timeline), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn(t)
	}
}

// rebuildLocked derives the ordered view from the index with one sort and
// refreshes unread state.
func (s *MessageStore) rebuildLocked() {
	ordered := make([]Message, 0, len(s.index))
	for _, m := range s.index {
		ordered = append(ordered, m)
	}
	sort.Slice(ordered, func(i, j int) bool { return messageLess(&ordered[i], &ordered[j]) })
	s.ordered = ordered
	s.recomputeUnreadLocked()
}

func (s *MessageStore) recomputeUnreadLocked() {
	local := 0
	first := ""
	for i := range s.ordered {
		m := &s.ordered[i]
		if m.SenderID == s.currentUserID || !m.CreatedAt.After(s.lastReadAt) {
			continue
		}
		if first == "" {
			first = m.ID
		}
		local++
	}
	s.firstUnreadID = first
	s.unreadCount = local
	if s.serverUnread > local {
		s.unreadCount = s.serverUnread
	}
}

func (s *MessageStore) snapshotLocked() Timeline {
	msgs := make([]Message, len(s.ordered))
	copy(msgs, s.ordered)
	return Timeline{
		ConversationID: s.conversationID,
		Messages:       msgs,
		UnreadCount:    s.unreadCount,
		FirstUnreadID:  s.firstUnreadID,
		LastReadAt:     s.lastReadAt,
	}
}
