// internal/messaging/coordinator.go

package messaging

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const readPersistTimeout = 10 * time.Second

// CoordinatorDeps are the backend capabilities a coordinator drives.
type CoordinatorDeps struct {
	Feed     ChangeFeed
	History  HistorySource
	Writer   MessageWriter
	Profiles ProfileSource
	Blobs    BlobStore // optional; image sends fail without it
}

// CoordinatorConfig tunes a coordinator. Zero values pick defaults.
type CoordinatorConfig struct {
	PageSize      int
	FlushInterval time.Duration
	Images        ImagePipeline
}

// ChatSessionCoordinator binds the store, the pagination controller and a
// coalescer to at most one open conversation for one user. Mutations are
// serialized by mu; readers go through the store.
type ChatSessionCoordinator struct {
	userID string
	deps   CoordinatorDeps
	cfg    CoordinatorConfig

	store *MessageStore
	pager *PaginationController

	mu         sync.Mutex
	generation uint64
	current    *session
	self       *UserInfo

	observersMu sync.Mutex
	observers   map[int]func(Update)
	nextObs     int

	unsubStore func()
	wg         sync.WaitGroup
}

func NewChatSessionCoordinator(userID string, deps CoordinatorDeps, cfg CoordinatorConfig) *ChatSessionCoordinator {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	c := &ChatSessionCoordinator{
		userID:    userID,
		deps:      deps,
		cfg:       cfg,
		store:     NewMessageStore(userID),
		pager:     NewPaginationController(deps.History, userID, cfg.PageSize),
		observers: make(map[int]func(Update)),
	}
	c.unsubStore = c.store.Subscribe(func(t Timeline) {
		c.emit(Update{Kind: UpdateTimeline, ConversationID: t.ConversationID, Timeline: &t})
	})
	return c
}

func (c *ChatSessionCoordinator) UserID() string { return c.userID }

// Store exposes the message store for read access.
func (c *ChatSessionCoordinator) Store() *MessageStore { return c.store }

// Open makes conversationID the active session. Opening the conversation
// that is already open or opening is a no-op. Any other open session is torn
// down first.
func (c *ChatSessionCoordinator) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrInvalidChat
	}

	c.mu.Lock()
	if s := c.current; s != nil && s.conversationID == conversationID && s.state != StateClosed {
		c.mu.Unlock()
		return nil
	}
	old := c.teardownLocked()
	c.generation++
	s := newSession(c.generation, conversationID)
	c.current = s
	c.mu.Unlock()

	if old != nil {
		old.release()
		c.emit(Update{Kind: UpdateState, ConversationID: old.conversationID, State: StateClosed})
	}
	c.emit(Update{Kind: UpdateState, ConversationID: conversationID, State: StateOpening})
	metricSessionOpens.Inc()

	openedAt := nowUTC()
	page, err := c.pager.LoadInitial(ctx, conversationID)
	if errors.Is(err, ErrSessionChanged) {
		metricStaleResults.WithLabelValues("open").Inc()
		return nil
	}
	metricPageLoads.WithLabelValues("initial", resultLabel(err)).Inc()

	c.mu.Lock()
	if c.current != s {
		c.mu.Unlock()
		metricStaleResults.WithLabelValues("open").Inc()
		return nil
	}
	if err != nil {
		c.current = nil
		s.state = StateClosed
		c.mu.Unlock()
		c.emit(Update{Kind: UpdateState, ConversationID: conversationID, State: StateClosed})
		return errors.Wrapf(err, "open chat %s", conversationID)
	}
	s.setChat(page.Chat)
	c.store.Seed(conversationID, page.Messages)
	c.store.SetReadState(page.ReadState)
	s.coalescer = NewRealtimeCoalescer(&sessionTarget{c: c, s: s}, c.cfg.FlushInterval)
	subCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	// an empty conversation goes live from the moment it was opened
	since := openedAt
	if b := c.pager.NewestBoundary(); b != nil {
		since = b.Timestamp
	}
	c.mu.Unlock()

	msgSub, err := c.deps.Feed.WatchMessages(subCtx, conversationID, since, func(changes []Change) {
		if !c.isCurrent(s) {
			return
		}
		s.coalescer.Add(changes...)
	})
	if err != nil {
		c.abortOpen(s)
		return errors.Wrapf(err, "watch messages of chat %s", conversationID)
	}
	typingSub, err := c.deps.Feed.WatchTyping(subCtx, conversationID, func(ids []string) {
		c.applyTyping(s, ids)
	})
	if err != nil {
		msgSub.Unsubscribe()
		c.abortOpen(s)
		return errors.Wrapf(err, "watch typing of chat %s", conversationID)
	}

	c.mu.Lock()
	if c.current != s {
		c.mu.Unlock()
		msgSub.Unsubscribe()
		typingSub.Unsubscribe()
		metricStaleResults.WithLabelValues("open").Inc()
		return nil
	}
	s.msgSub = msgSub
	s.typingSub = typingSub
	s.state = StateActive
	c.mu.Unlock()

	log.Debug().
		Str("component", "chat_session").
		Str("user_id", c.userID).
		Str("conversation_id", conversationID).
		Int("messages", len(page.Messages)).
		Msg("session active")
	c.emit(Update{Kind: UpdateState, ConversationID: conversationID, State: StateActive})
	return nil
}

// abortOpen tears down s if it is still the current session.
func (c *ChatSessionCoordinator) abortOpen(s *session) {
	c.mu.Lock()
	var old *session
	if c.current == s {
		old = c.teardownLocked()
	}
	c.mu.Unlock()
	if old != nil {
		old.release()
		c.emit(Update{Kind: UpdateState, ConversationID: old.conversationID, State: StateClosed})
	}
}

// Close tears down the open session, if any.
func (c *ChatSessionCoordinator) Close() {
	c.mu.Lock()
	old := c.teardownLocked()
	c.mu.Unlock()
	if old != nil {
		old.release()
		c.emit(Update{Kind: UpdateState, ConversationID: old.conversationID, State: StateClosed})
	}
}

// Shutdown closes the session and waits for background persistence.
func (c *ChatSessionCoordinator) Shutdown() {
	c.Close()
	c.wg.Wait()
	c.unsubStore()
}

// teardownLocked detaches the current session and returns it so the caller
// can release its subscriptions after unlocking.
func (c *ChatSessionCoordinator) teardownLocked() *session {
	s := c.current
	if s == nil {
		return nil
	}
	s.state = StateClosed
	c.current = nil
	c.pager.Reset("")
	c.store.Clear()
	return s
}

func (c *ChatSessionCoordinator) isCurrent(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == s
}

// active returns the current session if it is fully open.
func (c *ChatSessionCoordinator) active() (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.state != StateActive {
		return nil, ErrNoActiveSession
	}
	return c.current, nil
}

// State returns the lifecycle state and the id of the current conversation.
func (c *ChatSessionCoordinator) State() (SessionState, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return StateClosed, ""
	}
	return c.current.state, c.current.conversationID
}

// Chat returns the root record of the open conversation.
func (c *ChatSessionCoordinator) Chat() (*Chat, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.chat == nil {
		return nil, false
	}
	chat := *c.current.chat
	return &chat, true
}

func (c *ChatSessionCoordinator) Timeline() Timeline {
	return c.store.Timeline()
}

// Typing returns display names of the other users currently typing.
func (c *ChatSessionCoordinator) Typing() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	out := make([]string, len(c.current.typing))
	copy(out, c.current.typing)
	return out
}

func (c *ChatSessionCoordinator) HasMoreOlder() bool {
	return c.pager.HasMoreOlder()
}

func (c *ChatSessionCoordinator) applyTyping(s *session, ids []string) {
	c.mu.Lock()
	if c.current != s {
		c.mu.Unlock()
		return
	}
	s.typing = s.typingNames(ids, c.userID)
	names := append([]string(nil), s.typing...)
	c.mu.Unlock()

	c.emit(Update{Kind: UpdateTyping, ConversationID: s.conversationID, Typing: names})
}

// SendText sends a text message with optimistic local echo. The returned
// message carries its final status.
func (c *ChatSessionCoordinator) SendText(ctx context.Context, body, replyToID string) (*Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyMessage
	}
	s, err := c.active()
	if err != nil {
		return nil, err
	}

	m := c.newMessage(ctx, s.conversationID, KindText)
	m.Body = body
	m.ReplyToID = replyToID
	c.withCurrent(s, func() { c.store.InsertOptimistic(m) })

	return c.deliver(ctx, s, m)
}

// SendImage uploads an image and sends it as a message. The optimistic copy
// stays visible as sending during the upload.
func (c *ChatSessionCoordinator) SendImage(ctx context.Context, data []byte, contentType, caption string) (*Message, error) {
	if err := c.cfg.Images.Check(data, contentType); err != nil {
		return nil, err
	}
	if c.deps.Blobs == nil {
		return nil, errors.New("image uploads are not configured")
	}
	s, err := c.active()
	if err != nil {
		return nil, err
	}

	m := c.newMessage(ctx, s.conversationID, KindImage)
	m.Body = strings.TrimSpace(caption)
	c.withCurrent(s, func() { c.store.InsertOptimistic(m) })

	fail := func(err error) (*Message, error) {
		c.withCurrent(s, func() { c.store.MarkStatus(m.ID, StatusFailed) })
		metricMessagesSent.WithLabelValues(string(KindImage), "failed").Inc()
		m.Status = StatusFailed
		return &m, err
	}

	processed, outType, err := c.cfg.Images.Prepare(data)
	if err != nil {
		return fail(err)
	}
	path := fmt.Sprintf("chats/%s/%s%s", s.conversationID, m.ID, extensionFor(outType))
	url, err := c.deps.Blobs.Upload(ctx, path, processed, outType)
	if err != nil {
		return fail(errors.Wrap(err, "upload image"))
	}
	m.ImageURL = url
	c.withCurrent(s, func() {
		c.store.Patch(m.ID, func(stored *Message) { stored.ImageURL = url })
	})

	return c.deliver(ctx, s, m)
}

func (c *ChatSessionCoordinator) newMessage(ctx context.Context, conversationID string, kind MessageKind) Message {
	return Message{
		ID:             NewMessageID(),
		ConversationID: conversationID,
		SenderID:       c.userID,
		Sender:         c.resolveSelf(ctx),
		Kind:           kind,
		CreatedAt:      nowUTC(),
		Status:         StatusSending,
	}
}

// deliver writes m and reconciles its optimistic copy.
func (c *ChatSessionCoordinator) deliver(ctx context.Context, s *session, m Message) (*Message, error) {
	m.Status = StatusSent
	if err := c.deps.Writer.WriteMessage(ctx, m); err != nil {
		c.withCurrent(s, func() { c.store.MarkStatus(m.ID, StatusFailed) })
		metricMessagesSent.WithLabelValues(string(m.Kind), "failed").Inc()
		m.Status = StatusFailed
		return &m, errors.Wrap(err, "write message")
	}
	c.withCurrent(s, func() { c.store.MarkStatus(m.ID, StatusSent) })
	metricMessagesSent.WithLabelValues(string(m.Kind), "sent").Inc()

	if err := c.deps.Writer.UpdateLastMessage(ctx, m.ConversationID, m); err != nil {
		log.Warn().Err(err).
			Str("component", "chat_session").
			Str("conversation_id", m.ConversationID).
			Str("message_id", m.ID).
			Msg("failed to update last message")
	}
	return &m, nil
}

// withCurrent runs fn under the coordinator lock if s is still current.
func (c *ChatSessionCoordinator) withCurrent(s *session, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != s {
		metricStaleResults.WithLabelValues("apply").Inc()
		return false
	}
	fn()
	return true
}

// resolveSelf returns the current user's profile, falling back to an id-only
// profile when the source is unavailable.
func (c *ChatSessionCoordinator) resolveSelf(ctx context.Context) UserInfo {
	c.mu.Lock()
	if c.self != nil {
		u := *c.self
		c.mu.Unlock()
		return u
	}
	c.mu.Unlock()

	fallback := UserInfo{ID: c.userID}
	if c.deps.Profiles == nil {
		return fallback
	}
	profiles, err := c.deps.Profiles.GetProfiles(ctx, []string{c.userID})
	if err != nil {
		log.Warn().Err(err).Str("component", "chat_session").Str("user_id", c.userID).Msg("profile lookup failed")
		return fallback
	}
	u, ok := profiles[c.userID]
	if !ok {
		return fallback
	}
	c.mu.Lock()
	c.self = &u
	c.mu.Unlock()
	return u
}

// MarkRead zeroes unread state now and persists the new read boundary in the
// background. Persistence failures are logged only.
func (c *ChatSessionCoordinator) MarkRead(ctx context.Context) error {
	c.mu.Lock()
	s := c.current
	if s == nil || s.state != StateActive {
		c.mu.Unlock()
		return ErrNoActiveSession
	}
	boundary := c.store.MarkReadLocal()
	chatID := s.conversationID
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), readPersistTimeout)
		defer cancel()
		err := c.deps.Writer.UpdateReadState(pctx, chatID, c.userID, boundary)
		metricReadPersist.WithLabelValues(resultLabel(err)).Inc()
		if err != nil {
			log.Warn().Err(err).
				Str("component", "chat_session").
				Str("conversation_id", chatID).
				Str("user_id", c.userID).
				Msg("failed to persist read state")
		}
	}()
	return nil
}

// LoadOlder pages one batch of older history into the store and returns how
// many messages it added.
func (c *ChatSessionCoordinator) LoadOlder(ctx context.Context) (int, error) {
	s, err := c.active()
	if err != nil {
		return 0, err
	}
	page, err := c.pager.LoadOlder(ctx, s.conversationID)
	if err != nil {
		metricPageLoads.WithLabelValues("older", "error").Inc()
		return 0, err
	}
	if len(page) == 0 {
		return 0, nil
	}
	metricPageLoads.WithLabelValues("older", "ok").Inc()

	changes := make([]Change, len(page))
	for i, m := range page {
		changes[i] = Change{Message: m, Kind: ChangeAdded}
	}
	if !c.withCurrent(s, func() { c.store.Merge(changes) }) {
		return 0, nil
	}
	return len(page), nil
}

// SetTyping publishes the current user's typing flag.
func (c *ChatSessionCoordinator) SetTyping(ctx context.Context, typing bool) error {
	s, err := c.active()
	if err != nil {
		return err
	}
	return errors.Wrap(c.deps.Writer.SetTyping(ctx, s.conversationID, c.userID, typing), "set typing")
}

// DeleteMessage removes one of the user's own messages optimistically and
// restores it if the backend delete fails.
func (c *ChatSessionCoordinator) DeleteMessage(ctx context.Context, messageID string) error {
	s, err := c.active()
	if err != nil {
		return err
	}
	m, ok := c.store.Get(messageID)
	if !ok {
		return ErrMessageNotFound
	}
	if m.SenderID != c.userID {
		return ErrNotAuthor
	}
	c.withCurrent(s, func() { c.store.Remove(messageID) })

	if m.Status == StatusFailed {
		// never reached the backend
		return nil
	}
	if err := c.deps.Writer.DeleteMessage(ctx, s.conversationID, messageID); err != nil {
		c.withCurrent(s, func() { c.store.Merge([]Change{{Message: m, Kind: ChangeAdded}}) })
		return errors.Wrap(err, "delete message")
	}
	return nil
}

// Observe registers fn for session updates. Callbacks must not call back into
// the coordinator synchronously.
func (c *ChatSessionCoordinator) Observe(fn func(Update)) func() {
	c.observersMu.Lock()
	id := c.nextObs
	c.nextObs++
	c.observers[id] = fn
	c.observersMu.Unlock()

	return func() {
		c.observersMu.Lock()
		delete(c.observers, id)
		c.observersMu.Unlock()
	}
}

func (c *ChatSessionCoordinator) emit(u Update) {
	c.observersMu.Lock()
	fns := make([]func(Update), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.observersMu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}

// sessionTarget routes coalesced batches into the store while s is current.
type sessionTarget struct {
	c *ChatSessionCoordinator
	s *session
}

func (t *sessionTarget) Contains(id string) bool {
	return t.c.store.Contains(id)
}

func (t *sessionTarget) Merge(changes []Change) {
	if t.c.withCurrent(t.s, func() { t.c.store.Merge(changes) }) {
		metricFlushBatch.Observe(float64(len(changes)))
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
