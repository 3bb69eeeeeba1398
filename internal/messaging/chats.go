// internal/messaging/chats.go

package messaging

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ChatService creates and mutates chat records. Chats are never deleted;
// leaving only detaches the user.
type ChatService struct {
	history  HistorySource
	chats    ChatWriter
	writer   MessageWriter
	profiles ProfileSource
}

func NewChatService(history HistorySource, chats ChatWriter, writer MessageWriter, profiles ProfileSource) *ChatService {
	return &ChatService{
		history:  history,
		chats:    chats,
		writer:   writer,
		profiles: profiles,
	}
}

var directChatNamespace = uuid.MustParse("6f1c5a8e-2d0b-4c51-9a57-3e0d8a4b7c21")

// DirectChatID is the deterministic id of the direct chat between two users,
// so concurrent first messages converge on one record. The first id is
// length-prefixed so no two pairs hash the same input.
func DirectChatID(userA, userB string) string {
	ids := []string{userA, userB}
	sort.Strings(ids)
	key := fmt.Sprintf("%d:%s|%s", len(ids[0]), ids[0], ids[1])
	return "dm_" + uuid.NewSHA1(directChatNamespace, []byte(key)).String()
}

// UpdateProfile stores the caller's display profile. Chats denormalize
// profiles at write time, so only later lookups and enrichment see it.
func (s *ChatService) UpdateProfile(ctx context.Context, userID string, req UpdateProfileRequest) (*UserInfo, error) {
	w, ok := s.profiles.(ProfileWriter)
	if !ok {
		return nil, errors.New("profile source is read-only")
	}
	u := UserInfo{
		ID:          userID,
		DisplayName: strings.TrimSpace(req.DisplayName),
		Handle:      strings.TrimSpace(req.Handle),
		AvatarURL:   req.AvatarURL,
	}
	if err := w.UpsertProfile(ctx, u); err != nil {
		return nil, errors.Wrap(err, "update profile")
	}
	return &u, nil
}

// GetOrCreateDirectChat returns the direct chat between userID and otherID,
// creating it on first contact.
func (s *ChatService) GetOrCreateDirectChat(ctx context.Context, userID, otherID string) (*Chat, error) {
	if otherID == "" || userID == otherID {
		return nil, errors.Wrap(ErrInvalidChat, "direct chat needs two distinct users")
	}

	chat, err := s.chats.FindDirectChat(ctx, userID, otherID)
	if err == nil {
		return chat, nil
	}
	if !errors.Is(err, ErrChatNotFound) {
		return nil, errors.Wrap(err, "find direct chat")
	}

	now := nowUTC()
	profiles := s.lookup(ctx, userID, otherID)
	chat = &Chat{
		ID:   DirectChatID(userID, otherID),
		Type: ChatDirect,
		Participants: []Participant{
			{UserInfo: profiles[userID], JoinedAt: now},
			{UserInfo: profiles[otherID], JoinedAt: now},
		},
		CreatedBy:      userID,
		CreatedAt:      now,
		LastActivityAt: now,
		UnreadCounts:   map[string]int{userID: 0, otherID: 0},
	}
	if err := s.chats.CreateChat(ctx, chat); err != nil {
		// lost a creation race; the other side's record wins
		if existing, findErr := s.chats.FindDirectChat(ctx, userID, otherID); findErr == nil {
			return existing, nil
		}
		return nil, errors.Wrap(err, "create direct chat")
	}
	return chat, nil
}

// CreateGroupChat creates a group owned by userID.
func (s *ChatService) CreateGroupChat(ctx context.Context, userID string, req CreateGroupRequest) (*Chat, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.Wrap(ErrInvalidChat, "group name is empty")
	}

	members := []string{userID}
	seen := map[string]struct{}{userID: {}}
	for _, id := range req.ParticipantIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}
	if len(members) < 2 {
		return nil, errors.Wrap(ErrInvalidChat, "group needs at least one other member")
	}

	now := nowUTC()
	profiles := s.lookup(ctx, members...)
	chat := &Chat{
		Type:           ChatGroup,
		Name:           name,
		CreatedBy:      userID,
		CreatedAt:      now,
		LastActivityAt: now,
		UnreadCounts:   make(map[string]int, len(members)),
	}
	for _, id := range members {
		chat.Participants = append(chat.Participants, Participant{
			UserInfo: profiles[id],
			IsAdmin:  id == userID,
			JoinedAt: now,
		})
		chat.UnreadCounts[id] = 0
	}
	if err := s.chats.CreateChat(ctx, chat); err != nil {
		return nil, errors.Wrap(err, "create group chat")
	}

	s.announce(ctx, chat.ID, userID, fmt.Sprintf("%s created the group %q", displayName(profiles[userID], userID), name))
	return chat, nil
}

// UpdateChat renames a group or changes its photo. Only members may do it.
func (s *ChatService) UpdateChat(ctx context.Context, userID, chatID string, req UpdateChatRequest) (*Chat, error) {
	chat, err := s.memberChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	if chat.Type != ChatGroup {
		return nil, errors.Wrap(ErrInvalidChat, "only group chats can be renamed")
	}

	upd := ChatUpdate{PhotoURL: req.PhotoURL}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, errors.Wrap(ErrInvalidChat, "group name is empty")
		}
		upd.Name = &name
	}
	if err := s.chats.UpdateChat(ctx, chatID, upd); err != nil {
		return nil, errors.Wrap(err, "update chat")
	}

	if upd.Name != nil && *upd.Name != chat.Name {
		me, _ := chat.Participant(userID)
		s.announce(ctx, chatID, userID, fmt.Sprintf("%s renamed the group to %q", displayName(me.UserInfo, userID), *upd.Name))
	}
	return s.history.GetChat(ctx, chatID)
}

// LeaveChat detaches userID from a group.
func (s *ChatService) LeaveChat(ctx context.Context, userID, chatID string) error {
	chat, err := s.memberChat(ctx, userID, chatID)
	if err != nil {
		return err
	}
	if chat.Type == ChatDirect {
		return errors.Wrap(ErrInvalidChat, "cannot leave a direct chat")
	}

	me, _ := chat.Participant(userID)
	if err := s.chats.RemoveParticipant(ctx, chatID, userID); err != nil {
		return errors.Wrap(err, "remove participant")
	}
	s.announce(ctx, chatID, userID, fmt.Sprintf("%s left the group", displayName(me.UserInfo, userID)))
	return nil
}

func (s *ChatService) memberChat(ctx context.Context, userID, chatID string) (*Chat, error) {
	chat, err := s.history.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if _, ok := chat.Participant(userID); !ok {
		return nil, ErrNotParticipant
	}
	return chat, nil
}

// lookup resolves profiles, falling back to id-only entries.
func (s *ChatService) lookup(ctx context.Context, ids ...string) map[string]UserInfo {
	out := make(map[string]UserInfo, len(ids))
	for _, id := range ids {
		out[id] = UserInfo{ID: id}
	}
	if s.profiles == nil {
		return out
	}
	found, err := s.profiles.GetProfiles(ctx, ids)
	if err != nil {
		log.Warn().Err(err).Str("component", "chat_service").Msg("profile lookup failed")
		return out
	}
	for id, u := range found {
		u.ID = id
		out[id] = u
	}
	return out
}

// announce posts a system message. Failures are logged; the membership
// change already happened.
func (s *ChatService) announce(ctx context.Context, chatID, actorID, body string) {
	m := Message{
		ID:             NewMessageID(),
		ConversationID: chatID,
		SenderID:       actorID,
		Sender:         UserInfo{ID: actorID},
		Body:           body,
		Kind:           KindSystem,
		CreatedAt:      nowUTC(),
		Status:         StatusSent,
	}
	if err := s.writer.WriteMessage(ctx, m); err != nil {
		log.Warn().Err(err).Str("component", "chat_service").Str("conversation_id", chatID).Msg("failed to post system message")
		return
	}
	if err := s.writer.UpdateLastMessage(ctx, chatID, m); err != nil {
		log.Warn().Err(err).Str("component", "chat_service").Str("conversation_id", chatID).Msg("failed to update last message")
	}
}
