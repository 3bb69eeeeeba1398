package messaging

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return epoch.Add(time.Duration(sec) * time.Second)
}

func textMsg(id, sender string, sec int) Message {
	return Message{
		ID:             id,
		ConversationID: "chat-1",
		SenderID:       sender,
		Body:           "hello " + id,
		Kind:           KindText,
		CreatedAt:      at(sec),
		Status:         StatusSent,
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func requireOrdered(t *testing.T, s *MessageStore) {
	t.Helper()
	msgs := s.Messages()
	require.Len(t, msgs, s.Len())
	require.True(t, sort.SliceIsSorted(msgs, func(i, j int) bool { return messageLess(&msgs[i], &msgs[j]) }))
	for _, m := range msgs {
		stored, ok := s.Get(m.ID)
		require.True(t, ok)
		require.Equal(t, stored, m)
	}
}

func TestMessageStore_TieBreakAndOptimisticInsert(t *testing.T) {
	s := NewMessageStore("me")
	s.Seed("chat-1", []Message{textMsg("b", "u2", 100), textMsg("a", "u2", 100)})
	require.Equal(t, []string{"a", "b"}, ids(s.Messages()))

	s.InsertOptimistic(textMsg("c", "me", 50))
	require.Equal(t, []string{"c", "a", "b"}, ids(s.Messages()))

	c, ok := s.Get("c")
	require.True(t, ok)
	require.Equal(t, StatusSending, c.Status)
	requireOrdered(t, s)
}

func TestMessageStore_MergeIsIdempotent(t *testing.T) {
	s := NewMessageStore("me")
	s.Seed("chat-1", []Message{textMsg("a", "u2", 10)})

	delta := []Change{{Message: textMsg("b", "u2", 20), Kind: ChangeAdded}}
	s.Merge(delta)
	once := s.Messages()

	s.Merge(delta)
	require.Equal(t, once, s.Messages())
	require.Equal(t, 2, s.Len())
	requireOrdered(t, s)
}

func TestMessageStore_OrderHoldsAcrossMutations(t *testing.T) {
	s := NewMessageStore("me")
	s.Seed("chat-1", []Message{textMsg("m5", "u2", 5), textMsg("m1", "u2", 1)})
	requireOrdered(t, s)

	s.Merge([]Change{
		{Message: textMsg("m3", "u2", 3), Kind: ChangeAdded},
		{Message: textMsg("m9", "u2", 9), Kind: ChangeAdded},
		{Message: textMsg("m1", "u2", 7), Kind: ChangeModified},
	})
	requireOrdered(t, s)
	require.Equal(t, []string{"m3", "m5", "m1", "m9"}, ids(s.Messages()))

	s.InsertOptimistic(textMsg("m0", "me", 0))
	requireOrdered(t, s)

	s.Merge([]Change{{Message: textMsg("m5", "u2", 5), Kind: ChangeRemoved}})
	requireOrdered(t, s)
	require.Equal(t, []string{"m0", "m3", "m1", "m9"}, ids(s.Messages()))
}

func TestMessageStore_UnreadPredicate(t *testing.T) {
	s := NewMessageStore("me")
	s.SetReadState(ReadState{LastReadAt: at(100)})
	s.Seed("chat-1", []Message{
		textMsg("old", "u2", 50),
		textMsg("new", "u2", 150),
		textMsg("mine", "me", 200),
	})

	require.GreaterOrEqual(t, s.UnreadCount(), 1)
	require.Equal(t, "new", s.FirstUnreadID())
}

func TestMessageStore_UnreadTakesServerCountWhenLarger(t *testing.T) {
	s := NewMessageStore("me")
	s.Seed("chat-1", []Message{textMsg("a", "u2", 150)})
	s.SetReadState(ReadState{LastReadAt: at(100), UnreadCount: 7})

	require.Equal(t, 7, s.UnreadCount())
	require.Equal(t, "a", s.FirstUnreadID())
}

func TestMessageStore_RemoveMovesFirstUnread(t *testing.T) {
	s := NewMessageStore("me")
	s.SetReadState(ReadState{LastReadAt: at(100)})
	s.Seed("chat-1", []Message{textMsg("x", "u2", 110), textMsg("y", "u2", 120)})
	require.Equal(t, "x", s.FirstUnreadID())

	require.True(t, s.Remove("x"))
	require.Equal(t, "y", s.FirstUnreadID())
	require.Equal(t, 1, s.UnreadCount())

	require.False(t, s.Remove("x"))
}

func TestMessageStore_MarkReadLocal(t *testing.T) {
	s := NewMessageStore("me")
	s.Seed("chat-1", []Message{textMsg("a", "u2", 10), textMsg("b", "u2", 20)})
	s.SetReadState(ReadState{UnreadCount: 4})
	require.Equal(t, 4, s.UnreadCount())

	boundary := s.MarkReadLocal()
	require.Equal(t, at(20), boundary)
	require.Zero(t, s.UnreadCount())
	require.Empty(t, s.FirstUnreadID())

	// the boundary never moves backwards
	s.Remove("b")
	require.Equal(t, at(20), s.MarkReadLocal())
}

func TestMessageStore_MarkStatusTransitions(t *testing.T) {
	s := NewMessageStore("me")
	s.InsertOptimistic(textMsg("a", "me", 10))

	require.True(t, s.MarkStatus("a", StatusSent))
	require.True(t, s.MarkStatus("a", StatusRead))
	require.False(t, s.MarkStatus("a", StatusSent), "downgrade must be ignored")
	require.False(t, s.MarkStatus("missing", StatusSent))

	m, _ := s.Get("a")
	require.Equal(t, StatusRead, m.Status)
}

func TestMessageStore_PatchKeepsID(t *testing.T) {
	s := NewMessageStore("me")
	s.InsertOptimistic(textMsg("a", "me", 10))

	require.True(t, s.Patch("a", func(m *Message) {
		m.ID = "hijack"
		m.ImageURL = "https://cdn.example.com/a.jpg"
	}))
	m, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, "a", m.ID)
	require.Equal(t, "https://cdn.example.com/a.jpg", m.ImageURL)
	require.False(t, s.Contains("hijack"))
}

func TestMessageStore_SubscribeAndClear(t *testing.T) {
	s := NewMessageStore("me")
	var seen []Timeline
	unsub := s.Subscribe(func(tl Timeline) { seen = append(seen, tl) })

	s.Seed("chat-1", []Message{textMsg("a", "u2", 10)})
	s.Clear()
	unsub()
	s.Seed("chat-2", nil)

	require.Len(t, seen, 2)
	require.Equal(t, "chat-1", seen[0].ConversationID)
	require.Len(t, seen[0].Messages, 1)
	require.Empty(t, seen[1].ConversationID)
	require.Empty(t, seen[1].Messages)
}
