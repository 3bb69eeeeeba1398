// internal/messaging/memory.go

package messaging

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MemoryBackend implements every backend capability in process. Feed
// callbacks run synchronously on the writer's goroutine after the backend
// lock is released.
type MemoryBackend struct {
	mu       sync.Mutex
	chats    map[string]*Chat
	messages map[string]map[string]Message
	typing   map[string]map[string]struct{}
	profiles map[string]UserInfo

	nextWatch      int
	msgWatchers    map[int]*messageWatcher
	typingWatchers map[int]*typingWatcher
	chatWatchers   map[int]*chatWatcher
}

type messageWatcher struct {
	chatID string
	since  time.Time
	fn     func([]Change)
}

type typingWatcher struct {
	chatID string
	fn     func([]string)
}

type chatWatcher struct {
	userID string
	fn     func([]Chat)
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		chats:          make(map[string]*Chat),
		messages:       make(map[string]map[string]Message),
		typing:         make(map[string]map[string]struct{}),
		profiles:       make(map[string]UserInfo),
		msgWatchers:    make(map[int]*messageWatcher),
		typingWatchers: make(map[int]*typingWatcher),
		chatWatchers:   make(map[int]*chatWatcher),
	}
}

// PutProfile seeds or replaces a user profile.
func (b *MemoryBackend) PutProfile(u UserInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.profiles[u.ID] = u
}

// PutMessages stores history without notifying watchers.
func (b *MemoryBackend) PutMessages(msgs ...Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range msgs {
		b.messagesOf(m.ConversationID)[m.ID] = m
	}
}

func (b *MemoryBackend) messagesOf(chatID string) map[string]Message {
	msgs, ok := b.messages[chatID]
	if !ok {
		msgs = make(map[string]Message)
		b.messages[chatID] = msgs
	}
	return msgs
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgWatchers = make(map[int]*messageWatcher)
	b.typingWatchers = make(map[int]*typingWatcher)
	b.chatWatchers = make(map[int]*chatWatcher)
	return nil
}

// subscription removes a watcher on Unsubscribe or when ctx ends.
func (b *MemoryBackend) subscription(ctx context.Context, remove func()) Subscription {
	var once sync.Once
	stop := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(stop)
			b.mu.Lock()
			remove()
			b.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()
	return SubscriptionFunc(cancel)
}

func (b *MemoryBackend) WatchMessages(ctx context.Context, chatID string, since time.Time, fn func([]Change)) (Subscription, error) {
	b.mu.Lock()
	id := b.nextWatch
	b.nextWatch++
	b.msgWatchers[id] = &messageWatcher{chatID: chatID, since: since, fn: fn}

	var initial []Change
	for _, m := range b.messages[chatID] {
		if !m.CreatedAt.Before(since) {
			initial = append(initial, Change{Message: m, Kind: ChangeAdded})
		}
	}
	b.mu.Unlock()

	if len(initial) > 0 {
		sort.Slice(initial, func(i, j int) bool { return messageLess(&initial[i].Message, &initial[j].Message) })
		fn(initial)
	}
	return b.subscription(ctx, func() { delete(b.msgWatchers, id) }), nil
}

func (b *MemoryBackend) WatchTyping(ctx context.Context, chatID string, fn func([]string)) (Subscription, error) {
	b.mu.Lock()
	id := b.nextWatch
	b.nextWatch++
	b.typingWatchers[id] = &typingWatcher{chatID: chatID, fn: fn}
	ids := b.typingIDsLocked(chatID)
	b.mu.Unlock()

	fn(ids)
	return b.subscription(ctx, func() { delete(b.typingWatchers, id) }), nil
}

func (b *MemoryBackend) WatchChats(ctx context.Context, userID string, fn func([]Chat)) (Subscription, error) {
	b.mu.Lock()
	id := b.nextWatch
	b.nextWatch++
	b.chatWatchers[id] = &chatWatcher{userID: userID, fn: fn}
	snap := b.chatsForLocked(userID)
	b.mu.Unlock()

	fn(snap)
	return b.subscription(ctx, func() { delete(b.chatWatchers, id) }), nil
}

func (b *MemoryBackend) FetchMessages(ctx context.Context, chatID string, before *Cursor, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	page := make([]Message, 0, limit)
	for _, m := range b.messages[chatID] {
		if before != nil && !before.Before(m) {
			continue
		}
		page = append(page, m)
	}
	sort.Slice(page, func(i, j int) bool { return messageLess(&page[j], &page[i]) })
	if limit > 0 && len(page) > limit {
		page = page[:limit]
	}
	return page, nil
}

func (b *MemoryBackend) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	out := cloneChats([]Chat{*c})[0]
	return &out, nil
}

func (b *MemoryBackend) WriteMessage(ctx context.Context, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	if _, ok := b.chats[m.ConversationID]; !ok {
		b.mu.Unlock()
		return ErrChatNotFound
	}
	msgs := b.messagesOf(m.ConversationID)
	kind := ChangeAdded
	if _, exists := msgs[m.ID]; exists {
		kind = ChangeModified
	}
	msgs[m.ID] = m
	notify := b.messageNotifiersLocked(m.ConversationID, []Change{{Message: m, Kind: kind}})
	b.mu.Unlock()

	runAll(notify)
	return nil
}

func (b *MemoryBackend) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	b.mu.Lock()
	m, ok := b.messages[chatID][messageID]
	if !ok {
		b.mu.Unlock()
		return ErrMessageNotFound
	}
	delete(b.messages[chatID], messageID)
	notify := b.messageNotifiersLocked(chatID, []Change{{Message: m, Kind: ChangeRemoved}})
	b.mu.Unlock()

	runAll(notify)
	return nil
}

func (b *MemoryBackend) UpdateLastMessage(ctx context.Context, chatID string, m Message) error {
	b.mu.Lock()
	c, ok := b.chats[chatID]
	if !ok {
		b.mu.Unlock()
		return ErrChatNotFound
	}
	c.LastMessage = &LastMessage{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Preview:   m.Preview(),
		Kind:      m.Kind,
		CreatedAt: m.CreatedAt,
	}
	if m.CreatedAt.After(c.LastActivityAt) {
		c.LastActivityAt = m.CreatedAt
	}
	if c.UnreadCounts == nil {
		c.UnreadCounts = make(map[string]int)
	}
	for _, p := range c.Participants {
		if p.ID != m.SenderID {
			c.UnreadCounts[p.ID]++
		}
	}
	notify := b.chatNotifiersLocked(c.ParticipantIDs())
	b.mu.Unlock()

	runAll(notify)
	return nil
}

func (b *MemoryBackend) UpdateReadState(ctx context.Context, chatID, userID string, lastReadAt time.Time) error {
	b.mu.Lock()
	c, ok := b.chats[chatID]
	if !ok {
		b.mu.Unlock()
		return ErrChatNotFound
	}
	found := false
	for i := range c.Participants {
		if c.Participants[i].ID == userID {
			if lastReadAt.After(c.Participants[i].LastReadAt) {
				c.Participants[i].LastReadAt = lastReadAt
			}
			found = true
		}
	}
	if !found {
		b.mu.Unlock()
		return ErrNotParticipant
	}
	if c.UnreadCounts == nil {
		c.UnreadCounts = make(map[string]int)
	}
	c.UnreadCounts[userID] = 0
	notify := b.chatNotifiersLocked([]string{userID})
	b.mu.Unlock()

	runAll(notify)
	return nil
}

func (b *MemoryBackend) SetTyping(ctx context.Context, chatID, userID string, typing bool) error {
	b.mu.Lock()
	set, ok := b.typing[chatID]
	if !ok {
		set = make(map[string]struct{})
		b.typing[chatID] = set
	}
	if typing {
		set[userID] = struct{}{}
	} else {
		delete(set, userID)
	}
	ids := b.typingIDsLocked(chatID)
	var notify []func()
	for _, w := range b.typingWatchers {
		if w.chatID == chatID {
			fn := w.fn
			notify = append(notify, func() { fn(append([]string(nil), ids...)) })
		}
	}
	b.mu.Unlock()

	runAll(notify)
	return nil
}

func (b *MemoryBackend) CreateChat(ctx context.Context, chat *Chat) error {
	if chat.ID == "" {
		chat.ID = uuid.New().String()
	}
	now := nowUTC()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	if chat.LastActivityAt.IsZero() {
		chat.LastActivityAt = chat.CreatedAt
	}
	if err := chat.Validate(); err != nil {
		return errors.Wrap(ErrInvalidChat, err.Error())
	}

	b.mu.Lock()
	if _, exists := b.chats[chat.ID]; exists {
		b.mu.Unlock()
		return errors.Wrapf(ErrInvalidChat, "chat %s already exists", chat.ID)
	}
	stored := cloneChats([]Chat{*chat})[0]
	b.chats[chat.ID] = &stored
	notify := b.chatNotifiersLocked(chat.ParticipantIDs())
	b.mu.Unlock()

	runAll(notify)
	return nil
}

func (b *MemoryBackend) FindDirectChat(ctx context.Context, userA, userB string) (*Chat, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.chats {
		if c.Type != ChatDirect {
			continue
		}
		_, hasA := c.Participant(userA)
		_, hasB := c.Participant(userB)
		if hasA && hasB {
			out := cloneChats([]Chat{*c})[0]
			return &out, nil
		}
	}
	return nil, ErrChatNotFound
}

func (b *MemoryBackend) UpdateChat(ctx context.Context, chatID string, upd ChatUpdate) error {
	b.mu.Lock()
	c, ok := b.chats[chatID]
	if !ok {
		b.mu.Unlock()
		return ErrChatNotFound
	}
	if upd.Name != nil {
		c.Name = *upd.Name
	}
	if upd.PhotoURL != nil {
		c.PhotoURL = *upd.PhotoURL
	}
	notify := b.chatNotifiersLocked(c.ParticipantIDs())
	b.mu.Unlock()

	runAll(notify)
	return nil
}

func (b *MemoryBackend) RemoveParticipant(ctx context.Context, chatID, userID string) error {
	b.mu.Lock()
	c, ok := b.chats[chatID]
	if !ok {
		b.mu.Unlock()
		return ErrChatNotFound
	}
	kept := c.Participants[:0:0]
	for _, p := range c.Participants {
		if p.ID != userID {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(c.Participants) {
		b.mu.Unlock()
		return ErrNotParticipant
	}
	affected := c.ParticipantIDs()
	c.Participants = kept
	delete(c.UnreadCounts, userID)
	if len(kept) == 0 {
		c.Archived = true
	}
	notify := b.chatNotifiersLocked(affected)
	b.mu.Unlock()

	runAll(notify)
	return nil
}

func (b *MemoryBackend) UpsertProfile(ctx context.Context, u UserInfo) error {
	if u.ID == "" {
		return errors.New("profile id is empty")
	}
	b.PutProfile(u)
	return nil
}

func (b *MemoryBackend) GetProfiles(ctx context.Context, ids []string) (map[string]UserInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]UserInfo, len(ids))
	for _, id := range ids {
		if u, ok := b.profiles[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (b *MemoryBackend) typingIDsLocked(chatID string) []string {
	ids := make([]string, 0, len(b.typing[chatID]))
	for id := range b.typing[chatID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *MemoryBackend) chatsForLocked(userID string) []Chat {
	var out []Chat
	for _, c := range b.chats {
		if _, ok := c.Participant(userID); ok {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return cloneChats(out)
}

func (b *MemoryBackend) messageNotifiersLocked(chatID string, changes []Change) []func() {
	var out []func()
	for _, w := range b.msgWatchers {
		if w.chatID != chatID {
			continue
		}
		var visible []Change
		for _, ch := range changes {
			if ch.Kind == ChangeRemoved || !ch.Message.CreatedAt.Before(w.since) {
				visible = append(visible, ch)
			}
		}
		if len(visible) == 0 {
			continue
		}
		fn := w.fn
		out = append(out, func() { fn(visible) })
	}
	return out
}

func (b *MemoryBackend) chatNotifiersLocked(userIDs []string) []func() {
	users := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		users[id] = struct{}{}
	}
	var out []func()
	for _, w := range b.chatWatchers {
		if _, ok := users[w.userID]; !ok {
			continue
		}
		fn := w.fn
		snap := b.chatsForLocked(w.userID)
		out = append(out, func() { fn(snap) })
	}
	return out
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
