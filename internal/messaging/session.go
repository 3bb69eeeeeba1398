// internal/messaging/session.go

package messaging

import (
	"context"
	"sort"
)

// SessionState is the lifecycle state of an open conversation
type SessionState string

const (
	StateClosed  SessionState = "closed"
	StateOpening SessionState = "opening"
	StateActive  SessionState = "active"
)

// UpdateKind tags what changed in an Update
type UpdateKind string

const (
	UpdateTimeline UpdateKind = "timeline"
	UpdateTyping   UpdateKind = "typing"
	UpdateState    UpdateKind = "state"
	UpdateChats    UpdateKind = "chats"
)

// Update is pushed to observers of a coordinator or directory.
type Update struct {
	Kind           UpdateKind   `json:"kind"`
	ConversationID string       `json:"conversation_id,omitempty"`
	State          SessionState `json:"state,omitempty"`
	Timeline       *Timeline    `json:"timeline,omitempty"`
	Typing         []string     `json:"typing,omitempty"`
	Chats          []Chat       `json:"chats,omitempty"`
}

// session is the per-conversation state owned by the coordinator. It is
// created on open and discarded on close; every async result carries the
// session it was started for and is dropped if that session is no longer
// current.
type session struct {
	generation     uint64
	conversationID string
	state          SessionState

	chat         *Chat
	participants map[string]UserInfo
	typing       []string

	coalescer *RealtimeCoalescer
	msgSub    Subscription
	typingSub Subscription
	cancel    context.CancelFunc
}

func newSession(generation uint64, conversationID string) *session {
	return &session{
		generation:     generation,
		conversationID: conversationID,
		state:          StateOpening,
		participants:   make(map[string]UserInfo),
	}
}

func (s *session) setChat(chat *Chat) {
	s.chat = chat
	if chat == nil {
		return
	}
	for _, p := range chat.Participants {
		s.participants[p.ID] = p.UserInfo
	}
}

// typingNames maps typing user ids to display names, dropping self.
func (s *session) typingNames(ids []string, self string) []string {
	names := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == self {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		names = append(names, displayName(s.participants[id], id))
	}
	sort.Strings(names)
	return names
}

// release detaches the live feed. Must be called without the coordinator
// lock held since backends may wait for in-flight callbacks.
func (s *session) release() {
	if s.coalescer != nil {
		s.coalescer.Stop()
	}
	if s.msgSub != nil {
		s.msgSub.Unsubscribe()
	}
	if s.typingSub != nil {
		s.typingSub.Unsubscribe()
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func displayName(u UserInfo, fallback string) string {
	switch {
	case u.DisplayName != "":
		return u.DisplayName
	case u.Handle != "":
		return u.Handle
	default:
		return fallback
	}
}
