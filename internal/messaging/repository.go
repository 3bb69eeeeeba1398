// internal/messaging/repository.go

package messaging

import (
	"context"
	"errors"
	"time"
)

var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidChat     = errors.New("invalid chat")
	ErrNotParticipant  = errors.New("not a participant in this chat")
	ErrEmptyMessage    = errors.New("message body is empty")
	ErrNoActiveSession = errors.New("no active chat session")
	ErrSessionChanged  = errors.New("chat session changed")
	ErrInvalidImage    = errors.New("invalid image")
	ErrNotAuthor       = errors.New("only the author can delete a message")
)

// Subscription is a live feed registration.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a plain func to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }

// ChangeFeed pushes live updates. Callbacks run on a backend goroutine and
// must not block for long.
type ChangeFeed interface {
	// WatchMessages delivers batches of deltas for messages created at or
	// after since.
	WatchMessages(ctx context.Context, chatID string, since time.Time, fn func([]Change)) (Subscription, error)

	// WatchTyping delivers the full set of user ids currently typing.
	WatchTyping(ctx context.Context, chatID string, fn func([]string)) (Subscription, error)

	// WatchChats delivers the full result set of chats containing userID on
	// every change.
	WatchChats(ctx context.Context, userID string, fn func([]Chat)) (Subscription, error)
}

// HistorySource serves paginated history and root records.
type HistorySource interface {
	// FetchMessages returns up to limit messages strictly older than before
	// (or the newest when before is nil), newest first.
	FetchMessages(ctx context.Context, chatID string, before *Cursor, limit int) ([]Message, error)

	GetChat(ctx context.Context, chatID string) (*Chat, error)
}

// MessageWriter persists message-side effects.
type MessageWriter interface {
	WriteMessage(ctx context.Context, m Message) error
	DeleteMessage(ctx context.Context, chatID, messageID string) error

	// UpdateLastMessage atomically sets the chat's last message and activity
	// time and increments every other participant's unread counter.
	UpdateLastMessage(ctx context.Context, chatID string, m Message) error

	// UpdateReadState stores the user's read boundary and zeroes their counter.
	UpdateReadState(ctx context.Context, chatID, userID string, lastReadAt time.Time) error

	SetTyping(ctx context.Context, chatID, userID string, typing bool) error
}

// ChatUpdate is a partial update of chat metadata.
type ChatUpdate struct {
	Name     *string
	PhotoURL *string
}

// ChatWriter manages chat records.
type ChatWriter interface {
	CreateChat(ctx context.Context, chat *Chat) error
	FindDirectChat(ctx context.Context, userA, userB string) (*Chat, error)
	UpdateChat(ctx context.Context, chatID string, upd ChatUpdate) error
	RemoveParticipant(ctx context.Context, chatID, userID string) error
}

// ProfileSource resolves authoritative user display data.
type ProfileSource interface {
	// GetProfiles returns the profiles it found; missing ids are absent.
	GetProfiles(ctx context.Context, ids []string) (map[string]UserInfo, error)
}

// ProfileWriter stores authoritative user display data.
type ProfileWriter interface {
	UpsertProfile(ctx context.Context, u UserInfo) error
}

// BlobStore uploads binary content and returns a retrievable URL.
type BlobStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, url string) error
}

// Backend bundles every capability a chat deployment needs.
type Backend interface {
	ChangeFeed
	HistorySource
	MessageWriter
	ChatWriter
	ProfileSource
	ProfileWriter
	Close() error
}
