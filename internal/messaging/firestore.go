// internal/messaging/firestore.go

package messaging

import (
	"context"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore layout:
//
//	users/{userId}
//	chats/{chatId}
//	chats/{chatId}/messages/{messageId}
//	chats/{chatId}/typing/{userId}
const (
	colUsers    = "users"
	colChats    = "chats"
	colMessages = "messages"
	colTyping   = "typing"
)

type fsMessage struct {
	SenderID  string    `firestore:"senderId"`
	Sender    UserInfo  `firestore:"sender"`
	Body      string    `firestore:"body"`
	Kind      string    `firestore:"kind"`
	Status    string    `firestore:"status"`
	ReplyToID string    `firestore:"replyToId,omitempty"`
	ImageURL  string    `firestore:"imageUrl,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type fsParticipant struct {
	User       UserInfo  `firestore:"user"`
	IsAdmin    bool      `firestore:"isAdmin"`
	JoinedAt   time.Time `firestore:"joinedAt"`
	LastReadAt time.Time `firestore:"lastReadAt"`
}

type fsLastMessage struct {
	ID        string    `firestore:"id"`
	SenderID  string    `firestore:"senderId"`
	Preview   string    `firestore:"preview"`
	Kind      string    `firestore:"kind"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type fsChat struct {
	Type           string                   `firestore:"type"`
	Name           string                   `firestore:"name"`
	PhotoURL       string                   `firestore:"photoUrl"`
	ParticipantIDs []string                 `firestore:"participantIds"`
	Participants   map[string]fsParticipant `firestore:"participants"`
	CreatedBy      string                   `firestore:"createdBy"`
	CreatedAt      time.Time                `firestore:"createdAt"`
	LastActivityAt time.Time                `firestore:"lastActivityAt"`
	LastMessage    *fsLastMessage           `firestore:"lastMessage"`
	UnreadCounts   map[string]int64         `firestore:"unreadCounts"`
	Archived       bool                     `firestore:"archived"`
}

func toFSMessage(m Message) fsMessage {
	return fsMessage{
		SenderID:  m.SenderID,
		Sender:    m.Sender,
		Body:      m.Body,
		Kind:      string(m.Kind),
		Status:    string(m.Status),
		ReplyToID: m.ReplyToID,
		ImageURL:  m.ImageURL,
		CreatedAt: m.CreatedAt,
	}
}

func fromFSMessage(chatID string, snap *firestore.DocumentSnapshot) (Message, error) {
	var d fsMessage
	if err := snap.DataTo(&d); err != nil {
		return Message{}, errors.Wrapf(err, "decode message %s", snap.Ref.ID)
	}
	m := Message{
		ID:             snap.Ref.ID,
		ConversationID: chatID,
		SenderID:       d.SenderID,
		Sender:         d.Sender,
		Body:           d.Body,
		Kind:           MessageKind(d.Kind),
		CreatedAt:      d.CreatedAt.UTC(),
		Status:         MessageStatus(d.Status),
		ReplyToID:      d.ReplyToID,
		ImageURL:       d.ImageURL,
	}
	if m.Sender.ID == "" {
		m.Sender.ID = m.SenderID
	}
	return m, m.Validate()
}

func fromFSChat(snap *firestore.DocumentSnapshot) (Chat, error) {
	var d fsChat
	if err := snap.DataTo(&d); err != nil {
		return Chat{}, errors.Wrapf(err, "decode chat %s", snap.Ref.ID)
	}
	c := Chat{
		ID:             snap.Ref.ID,
		Type:           ChatType(d.Type),
		Name:           d.Name,
		PhotoURL:       d.PhotoURL,
		CreatedBy:      d.CreatedBy,
		CreatedAt:      d.CreatedAt.UTC(),
		LastActivityAt: d.LastActivityAt.UTC(),
		Archived:       d.Archived,
		UnreadCounts:   make(map[string]int, len(d.UnreadCounts)),
	}
	for id, p := range d.Participants {
		u := p.User
		u.ID = id
		c.Participants = append(c.Participants, Participant{
			UserInfo:   u,
			IsAdmin:    p.IsAdmin,
			JoinedAt:   p.JoinedAt.UTC(),
			LastReadAt: p.LastReadAt.UTC(),
		})
	}
	sortParticipants(c.Participants)
	for id, n := range d.UnreadCounts {
		c.UnreadCounts[id] = int(n)
	}
	if d.LastMessage != nil {
		c.LastMessage = &LastMessage{
			ID:        d.LastMessage.ID,
			SenderID:  d.LastMessage.SenderID,
			Preview:   d.LastMessage.Preview,
			Kind:      MessageKind(d.LastMessage.Kind),
			CreatedAt: d.LastMessage.CreatedAt.UTC(),
		}
	}
	return c, c.Validate()
}

// FirestoreBackend keeps chats in Cloud Firestore and uses its snapshot
// listeners as the live feed.
type FirestoreBackend struct {
	client *firestore.Client
}

// NewFirestoreBackend connects through the Firebase Admin SDK. An empty
// credentials file falls back to application default credentials.
func NewFirestoreBackend(ctx context.Context, projectID, credentialsFile string) (*FirestoreBackend, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "initialize firebase app")
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "initialize firestore client")
	}
	return &FirestoreBackend{client: client}, nil
}

func NewFirestoreBackendFromClient(client *firestore.Client) *FirestoreBackend {
	return &FirestoreBackend{client: client}
}

func (b *FirestoreBackend) Close() error {
	return b.client.Close()
}

func (b *FirestoreBackend) chatRef(chatID string) *firestore.DocumentRef {
	return b.client.Collection(colChats).Doc(chatID)
}

func (b *FirestoreBackend) messages(chatID string) *firestore.CollectionRef {
	return b.chatRef(chatID).Collection(colMessages)
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func (b *FirestoreBackend) FetchMessages(ctx context.Context, chatID string, before *Cursor, limit int) ([]Message, error) {
	q := b.messages(chatID).
		OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc)
	if before != nil {
		q = q.StartAfter(before.Timestamp, before.MessageID)
	}
	docs, err := q.Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return nil, errors.Wrap(err, "query messages")
	}

	out := make([]Message, 0, len(docs))
	for _, doc := range docs {
		m, err := fromFSMessage(chatID, doc)
		if err != nil {
			log.Debug().Err(err).Str("component", "chat_firestore").Str("conversation_id", chatID).Msg("dropping malformed message")
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (b *FirestoreBackend) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	snap, err := b.chatRef(chatID).Get(ctx)
	if isNotFound(err) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get chat")
	}
	c, err := fromFSChat(snap)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidChat, err.Error())
	}
	return &c, nil
}

func (b *FirestoreBackend) WriteMessage(ctx context.Context, m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if _, err := b.messages(m.ConversationID).Doc(m.ID).Set(ctx, toFSMessage(m)); err != nil {
		return errors.Wrap(err, "write message")
	}
	return nil
}

func (b *FirestoreBackend) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	_, err := b.messages(chatID).Doc(messageID).Delete(ctx, firestore.Exists)
	if isNotFound(err) {
		return ErrMessageNotFound
	}
	return errors.Wrap(err, "delete message")
}

// UpdateLastMessage moves the chat preview forward and bumps every other
// member's unread counter in one transaction.
func (b *FirestoreBackend) UpdateLastMessage(ctx context.Context, chatID string, m Message) error {
	ref := b.chatRef(chatID)
	err := b.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var d fsChat
		if err := snap.DataTo(&d); err != nil {
			return err
		}

		var updates []firestore.Update
		if !m.CreatedAt.Before(d.LastActivityAt) {
			updates = append(updates,
				firestore.Update{Path: "lastActivityAt", Value: m.CreatedAt},
				firestore.Update{Path: "lastMessage", Value: fsLastMessage{
					ID:        m.ID,
					SenderID:  m.SenderID,
					Preview:   m.Preview(),
					Kind:      string(m.Kind),
					CreatedAt: m.CreatedAt,
				}},
			)
		}
		for _, id := range d.ParticipantIDs {
			if id == m.SenderID {
				continue
			}
			updates = append(updates, firestore.Update{
				FieldPath: firestore.FieldPath{"unreadCounts", id},
				Value:     firestore.Increment(1),
			})
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Update(ref, updates)
	})
	if isNotFound(err) {
		return ErrChatNotFound
	}
	return errors.Wrap(err, "update last message")
}

func (b *FirestoreBackend) UpdateReadState(ctx context.Context, chatID, userID string, lastReadAt time.Time) error {
	ref := b.chatRef(chatID)
	err := b.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var d fsChat
		if err := snap.DataTo(&d); err != nil {
			return err
		}
		p, ok := d.Participants[userID]
		if !ok {
			return ErrNotParticipant
		}
		updates := []firestore.Update{{FieldPath: firestore.FieldPath{"unreadCounts", userID}, Value: 0}}
		if lastReadAt.After(p.LastReadAt) {
			updates = append(updates, firestore.Update{
				FieldPath: firestore.FieldPath{"participants", userID, "lastReadAt"},
				Value:     lastReadAt,
			})
		}
		return tx.Update(ref, updates)
	})
	if errors.Is(err, ErrNotParticipant) {
		return ErrNotParticipant
	}
	if isNotFound(err) {
		return ErrChatNotFound
	}
	return errors.Wrap(err, "update read state")
}

func (b *FirestoreBackend) SetTyping(ctx context.Context, chatID, userID string, typing bool) error {
	ref := b.chatRef(chatID).Collection(colTyping).Doc(userID)
	var err error
	if typing {
		_, err = ref.Set(ctx, map[string]interface{}{"updatedAt": firestore.ServerTimestamp}, firestore.MergeAll)
	} else {
		_, err = ref.Delete(ctx)
	}
	return errors.Wrap(err, "set typing")
}

func (b *FirestoreBackend) CreateChat(ctx context.Context, chat *Chat) error {
	if chat.ID == "" {
		chat.ID = b.client.Collection(colChats).NewDoc().ID
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = nowUTC()
	}
	if chat.LastActivityAt.IsZero() {
		chat.LastActivityAt = chat.CreatedAt
	}
	if err := chat.Validate(); err != nil {
		return errors.Wrap(ErrInvalidChat, err.Error())
	}

	d := fsChat{
		Type:           string(chat.Type),
		Name:           chat.Name,
		PhotoURL:       chat.PhotoURL,
		ParticipantIDs: chat.ParticipantIDs(),
		Participants:   make(map[string]fsParticipant, len(chat.Participants)),
		CreatedBy:      chat.CreatedBy,
		CreatedAt:      chat.CreatedAt,
		LastActivityAt: chat.LastActivityAt,
		UnreadCounts:   make(map[string]int64, len(chat.Participants)),
		Archived:       chat.Archived,
	}
	for _, p := range chat.Participants {
		d.Participants[p.ID] = fsParticipant{User: p.UserInfo, IsAdmin: p.IsAdmin, JoinedAt: p.JoinedAt, LastReadAt: p.LastReadAt}
		d.UnreadCounts[p.ID] = int64(chat.UnreadCounts[p.ID])
	}

	_, err := b.chatRef(chat.ID).Create(ctx, d)
	if status.Code(err) == codes.AlreadyExists {
		return errors.Wrapf(ErrInvalidChat, "chat %s already exists", chat.ID)
	}
	return errors.Wrap(err, "create chat")
}

func (b *FirestoreBackend) FindDirectChat(ctx context.Context, userA, userB string) (*Chat, error) {
	// deterministic ids make the common case a point read
	if c, err := b.GetChat(ctx, DirectChatID(userA, userB)); err == nil && c.Type == ChatDirect {
		_, hasA := c.Participant(userA)
		_, hasB := c.Participant(userB)
		if hasA && hasB {
			return c, nil
		}
	}

	docs, err := b.client.Collection(colChats).
		Where("participantIds", "array-contains", userA).
		Where("type", "==", string(ChatDirect)).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, errors.Wrap(err, "query direct chats")
	}
	for _, doc := range docs {
		c, err := fromFSChat(doc)
		if err != nil {
			continue
		}
		if _, ok := c.Participant(userB); ok {
			return &c, nil
		}
	}
	return nil, ErrChatNotFound
}

func (b *FirestoreBackend) UpdateChat(ctx context.Context, chatID string, upd ChatUpdate) error {
	var updates []firestore.Update
	if upd.Name != nil {
		updates = append(updates, firestore.Update{Path: "name", Value: *upd.Name})
	}
	if upd.PhotoURL != nil {
		updates = append(updates, firestore.Update{Path: "photoUrl", Value: *upd.PhotoURL})
	}
	if len(updates) == 0 {
		return nil
	}
	_, err := b.chatRef(chatID).Update(ctx, updates)
	if isNotFound(err) {
		return ErrChatNotFound
	}
	return errors.Wrap(err, "update chat")
}

func (b *FirestoreBackend) RemoveParticipant(ctx context.Context, chatID, userID string) error {
	ref := b.chatRef(chatID)
	err := b.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var d fsChat
		if err := snap.DataTo(&d); err != nil {
			return err
		}
		if _, ok := d.Participants[userID]; !ok {
			return ErrNotParticipant
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "participantIds", Value: firestore.ArrayRemove(userID)},
			{FieldPath: firestore.FieldPath{"participants", userID}, Value: firestore.Delete},
			{FieldPath: firestore.FieldPath{"unreadCounts", userID}, Value: firestore.Delete},
			{Path: "archived", Value: len(d.Participants) == 1},
		})
	})
	if errors.Is(err, ErrNotParticipant) {
		return ErrNotParticipant
	}
	if isNotFound(err) {
		return ErrChatNotFound
	}
	return errors.Wrap(err, "remove participant")
}

func (b *FirestoreBackend) UpsertProfile(ctx context.Context, u UserInfo) error {
	_, err := b.client.Collection(colUsers).Doc(u.ID).Set(ctx, u)
	return errors.Wrap(err, "upsert profile")
}

func (b *FirestoreBackend) GetProfiles(ctx context.Context, ids []string) (map[string]UserInfo, error) {
	out := make(map[string]UserInfo, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	refs := make([]*firestore.DocumentRef, len(ids))
	for i, id := range ids {
		refs[i] = b.client.Collection(colUsers).Doc(id)
	}
	snaps, err := b.client.GetAll(ctx, refs)
	if err != nil {
		return nil, errors.Wrap(err, "get profiles")
	}
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		var u UserInfo
		if err := snap.DataTo(&u); err != nil {
			continue
		}
		u.ID = snap.Ref.ID
		out[u.ID] = u
	}
	return out, nil
}

func (b *FirestoreBackend) WatchMessages(ctx context.Context, chatID string, since time.Time, fn func([]Change)) (Subscription, error) {
	q := b.messages(chatID).
		Where("createdAt", ">=", since).
		OrderBy("createdAt", firestore.Asc)
	return b.listen(ctx, chatID, q, func(qs *firestore.QuerySnapshot) {
		changes := make([]Change, 0, len(qs.Changes))
		for _, dc := range qs.Changes {
			m, err := fromFSMessage(chatID, dc.Doc)
			if err != nil && dc.Kind != firestore.DocumentRemoved {
				log.Debug().Err(err).Str("component", "chat_firestore").Str("conversation_id", chatID).Msg("dropping malformed message")
				continue
			}
			if dc.Kind == firestore.DocumentRemoved {
				m.ID = dc.Doc.Ref.ID
				m.ConversationID = chatID
			}
			changes = append(changes, Change{Message: m, Kind: changeKindOf(dc.Kind)})
		}
		if len(changes) > 0 {
			fn(changes)
		}
	})
}

func changeKindOf(k firestore.DocumentChangeKind) ChangeKind {
	switch k {
	case firestore.DocumentAdded:
		return ChangeAdded
	case firestore.DocumentRemoved:
		return ChangeRemoved
	default:
		return ChangeModified
	}
}

func (b *FirestoreBackend) WatchTyping(ctx context.Context, chatID string, fn func([]string)) (Subscription, error) {
	q := b.chatRef(chatID).Collection(colTyping).Query
	return b.listen(ctx, chatID, q, func(qs *firestore.QuerySnapshot) {
		docs, err := qs.Documents.GetAll()
		if err != nil {
			log.Warn().Err(err).Str("component", "chat_firestore").Str("conversation_id", chatID).Msg("read typing snapshot")
			return
		}
		cutoff := time.Now().Add(-typingTTL)
		ids := make([]string, 0, len(docs))
		for _, doc := range docs {
			if ts, ok := doc.Data()["updatedAt"].(time.Time); ok && ts.Before(cutoff) {
				continue
			}
			ids = append(ids, doc.Ref.ID)
		}
		fn(ids)
	})
}

func (b *FirestoreBackend) WatchChats(ctx context.Context, userID string, fn func([]Chat)) (Subscription, error) {
	q := b.client.Collection(colChats).Where("participantIds", "array-contains", userID)
	return b.listen(ctx, userID, q, func(qs *firestore.QuerySnapshot) {
		docs, err := qs.Documents.GetAll()
		if err != nil {
			log.Warn().Err(err).Str("component", "chat_firestore").Str("user_id", userID).Msg("read chat snapshot")
			return
		}
		chats := make([]Chat, 0, len(docs))
		for _, doc := range docs {
			c, err := fromFSChat(doc)
			if err != nil {
				// surfaced to the directory, which drops it
				log.Debug().Err(err).Str("component", "chat_firestore").Str("chat_id", doc.Ref.ID).Msg("malformed chat")
			}
			chats = append(chats, c)
		}
		fn(chats)
	})
}

// listen delivers the first snapshot before returning, then streams the rest
// from a goroutine until the subscription is released.
func (b *FirestoreBackend) listen(ctx context.Context, key string, q firestore.Query, handle func(*firestore.QuerySnapshot)) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	it := q.Snapshots(ctx)

	first, err := it.Next()
	if err != nil {
		it.Stop()
		cancel()
		return nil, errors.Wrap(err, "initial snapshot")
	}
	handle(first)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer it.Stop()
		for {
			qs, err := it.Next()
			if err == iterator.Done || status.Code(err) == codes.Canceled || ctx.Err() != nil {
				return
			}
			if err != nil {
				log.Error().Err(err).Str("component", "chat_firestore").Str("key", key).Msg("snapshot listener failed")
				return
			}
			handle(qs)
		}
	}()

	return SubscriptionFunc(func() {
		cancel()
		wg.Wait()
	}), nil
}
