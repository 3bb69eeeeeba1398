// internal/messaging/models.go

package messaging

import (
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

// MessageKind is the content type of a message body
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindSystem MessageKind = "system"
)

// MessageStatus is the delivery status of a message as seen by its sender
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// ChangeKind classifies a live feed delta
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// ChatType distinguishes one-to-one chats from groups
type ChatType string

const (
	ChatDirect ChatType = "direct"
	ChatGroup  ChatType = "group"
)

// UserInfo is the denormalized display profile of a user
type UserInfo struct {
	ID          string `json:"id" db:"id" firestore:"id"`
	DisplayName string `json:"display_name" db:"display_name" firestore:"displayName"`
	Handle      string `json:"handle,omitempty" db:"handle" firestore:"handle"`
	AvatarURL   string `json:"avatar_url,omitempty" db:"avatar_url" firestore:"avatarURL"`
}

// Message represents a chat message
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Sender         UserInfo      `json:"sender"`
	Body           string        `json:"body,omitempty"`
	Kind           MessageKind   `json:"kind"`
	CreatedAt      time.Time     `json:"created_at"`
	Status         MessageStatus `json:"status"`
	ReplyToID      string        `json:"reply_to_id,omitempty"`
	ImageURL       string        `json:"image_url,omitempty"`
}

// Change is one delta delivered by a live feed
type Change struct {
	Message Message    `json:"message"`
	Kind    ChangeKind `json:"kind"`
}

// Cursor marks a position in the message ordering. Backends interpret it as
// "strictly older than this message".
type Cursor struct {
	Timestamp time.Time `json:"timestamp"`
	MessageID string    `json:"message_id"`
}

// CursorFor returns the cursor pointing at m.
func CursorFor(m Message) *Cursor {
	return &Cursor{Timestamp: m.CreatedAt, MessageID: m.ID}
}

// Before reports whether m sorts strictly before the cursor position.
func (c Cursor) Before(m Message) bool {
	if !m.CreatedAt.Equal(c.Timestamp) {
		return m.CreatedAt.Before(c.Timestamp)
	}
	return m.ID < c.MessageID
}

// messageLess is the total order used wherever messages are sorted:
// creation time ascending, then id ascending.
func messageLess(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// nowUTC is the timestamp stamped on new records. Backends store
// microseconds, so anything finer would not round-trip.
func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// SortMessages sorts in place by the timeline order.
func SortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool { return messageLess(&msgs[i], &msgs[j]) })
}

// NewMessageID returns a client-generated durable message id. ULIDs sort by
// creation time, which keeps the id tie-break roughly chronological.
func NewMessageID() string {
	return ulid.Make().String()
}

// Validate checks the fields every stored message must carry.
func (m Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("message id is empty")
	}
	if m.ConversationID == "" {
		return errors.New("message conversation id is empty")
	}
	if m.SenderID == "" {
		return errors.New("message sender id is empty")
	}
	if m.CreatedAt.IsZero() {
		return errors.New("message timestamp is zero")
	}
	switch m.Kind {
	case KindText, KindImage, KindSystem:
	default:
		return errors.Errorf("unknown message kind %q", m.Kind)
	}
	return nil
}

// Preview returns the one-line text shown in conversation lists.
func (m Message) Preview() string {
	switch m.Kind {
	case KindImage:
		if m.Body != "" {
			return m.Body
		}
		return "Sent an image"
	default:
		return m.Body
	}
}

// canTransition reports whether a sender-side status move is allowed.
func canTransition(from, to MessageStatus) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusSending:
		return true
	case StatusSent:
		return to == StatusDelivered || to == StatusRead
	case StatusDelivered:
		return to == StatusRead
	case StatusFailed:
		return to == StatusSending
	}
	return false
}

// Participant represents a chat member
type Participant struct {
	UserInfo
	IsAdmin    bool      `json:"is_admin"`
	JoinedAt   time.Time `json:"joined_at"`
	LastReadAt time.Time `json:"last_read_at,omitempty"`
}

// LastMessage is the denormalized snapshot of a chat's newest message
type LastMessage struct {
	ID        string      `json:"id"`
	SenderID  string      `json:"sender_id"`
	Preview   string      `json:"preview"`
	Kind      MessageKind `json:"kind"`
	CreatedAt time.Time   `json:"created_at"`
}

// Chat represents a conversation
type Chat struct {
	ID             string         `json:"id"`
	Type           ChatType       `json:"type"`
	Name           string         `json:"name,omitempty"`
	PhotoURL       string         `json:"photo_url,omitempty"`
	Participants   []Participant  `json:"participants"`
	CreatedBy      string         `json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	LastMessage    *LastMessage   `json:"last_message,omitempty"`
	UnreadCounts   map[string]int `json:"unread_counts,omitempty"`
	Archived       bool           `json:"archived"`
}

// Validate enforces chat invariants; records failing it are treated as malformed.
func (c Chat) Validate() error {
	if c.ID == "" {
		return errors.New("chat id is empty")
	}
	switch c.Type {
	case ChatDirect:
		if len(c.Participants) != 2 {
			return errors.Errorf("direct chat %s has %d participants", c.ID, len(c.Participants))
		}
	case ChatGroup:
		if len(c.Participants) == 0 {
			return errors.Errorf("group chat %s has no participants", c.ID)
		}
	default:
		return errors.Errorf("chat %s has unknown type %q", c.ID, c.Type)
	}
	return nil
}

// ParticipantIDs returns member ids in join order.
func (c Chat) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}

// Participant looks up a member by user id.
func (c Chat) Participant(userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// ReadStateFor extracts the server-persisted read state of userID.
func (c Chat) ReadStateFor(userID string) ReadState {
	rs := ReadState{}
	if p, ok := c.Participant(userID); ok {
		rs.LastReadAt = p.LastReadAt
	}
	if c.UnreadCounts != nil {
		rs.UnreadCount = c.UnreadCounts[userID]
	}
	return rs
}

// sortParticipants orders members by join time so rendering is deterministic.
func sortParticipants(ps []Participant) {
	sort.SliceStable(ps, func(i, j int) bool {
		if !ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].JoinedAt.Before(ps[j].JoinedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}

// ReadState is a user's server-side read receipt for one chat
type ReadState struct {
	LastReadAt  time.Time `json:"last_read_at"`
	UnreadCount int       `json:"unread_count"`
}

// Timeline is a consistent snapshot of an open conversation
type Timeline struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	UnreadCount    int       `json:"unread_count"`
	FirstUnreadID  string    `json:"first_unread_id,omitempty"`
	LastReadAt     time.Time `json:"last_read_at"`
}

// Request DTOs
type SendMessageRequest struct {
	Body      string `json:"body" validate:"required,max=4000"`
	ReplyToID string `json:"reply_to_id,omitempty" validate:"omitempty,max=64"`
}

type CreateGroupRequest struct {
	Name           string   `json:"name" validate:"required,max=100"`
	ParticipantIDs []string `json:"participant_ids" validate:"required,min=1,dive,required"`
}

type UpdateChatRequest struct {
	Name     *string `json:"name,omitempty" validate:"omitempty,min=1,max=100"`
	PhotoURL *string `json:"photo_url,omitempty" validate:"omitempty,url"`
}

type UpdateProfileRequest struct {
	DisplayName string `json:"display_name" validate:"required,min=1,max=64"`
	Handle      string `json:"handle,omitempty" validate:"omitempty,max=32"`
	AvatarURL   string `json:"avatar_url,omitempty" validate:"omitempty,url"`
}

type TypingRequest struct {
	Typing bool `json:"typing"`
}
