package messaging

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/require"

	"github.com/imadgeboyega/kiekky-chatsync/internal/common/database"
)

// Every Backend must pass the same contract. Memory always runs; the
// external stores run when their endpoints are configured.

func TestBackendContract_Memory(t *testing.T) {
	runBackendContract(t, NewMemoryBackend())
}

func TestBackendContract_Postgres(t *testing.T) {
	url := os.Getenv("CHATSYNC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CHATSYNC_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := database.NewPostgresDBFromURL(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(ctx, db))

	pub, sub := NewGoChannelPubSub()
	runBackendContract(t, NewPostgresBackend(db, pub, sub))
}

func TestBackendContract_Firestore(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	client, err := firestore.NewClient(context.Background(), "demo-chatsync")
	require.NoError(t, err)
	runBackendContract(t, NewFirestoreBackendFromClient(client))
}

type chatRecorder struct {
	mu    sync.Mutex
	last  []Chat
	calls int
}

func (r *chatRecorder) record(chats []Chat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = chats
	r.calls++
}

func (r *chatRecorder) find(id string) (Chat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.last {
		if c.ID == id {
			return c, true
		}
	}
	return Chat{}, false
}

func runBackendContract(t *testing.T, b Backend) {
	t.Cleanup(func() { b.Close() })
	ctx := context.Background()

	// stores outlive a test run, so every id is fresh
	run := NewMessageID()
	alice, bob, carol := "alice-"+run, "bob-"+run, "carol-"+run
	base := time.Now().UTC().Truncate(time.Millisecond)
	msgAt := func(chatID, id, sender string, offset int) Message {
		return Message{
			ID:             id,
			ConversationID: chatID,
			SenderID:       sender,
			Body:           "body " + id,
			Kind:           KindText,
			CreatedAt:      base.Add(time.Duration(offset) * time.Millisecond),
			Status:         StatusSent,
		}
	}

	direct := &Chat{
		ID:   DirectChatID(alice, bob),
		Type: ChatDirect,
		Participants: []Participant{
			{UserInfo: UserInfo{ID: alice}, JoinedAt: base},
			{UserInfo: UserInfo{ID: bob}, JoinedAt: base},
		},
		CreatedBy: alice,
		CreatedAt: base,
	}

	chats := &chatRecorder{}
	chatSub, err := b.WatchChats(ctx, bob, chats.record)
	require.NoError(t, err)
	t.Cleanup(chatSub.Unsubscribe)

	t.Run("create and get", func(t *testing.T) {
		require.NoError(t, b.CreateChat(ctx, direct))
		got, err := b.GetChat(ctx, direct.ID)
		require.NoError(t, err)
		require.Equal(t, ChatDirect, got.Type)
		require.ElementsMatch(t, []string{alice, bob}, got.ParticipantIDs())

		found, err := b.FindDirectChat(ctx, bob, alice)
		require.NoError(t, err)
		require.Equal(t, direct.ID, found.ID)

		_, err = b.GetChat(ctx, "missing-"+run)
		require.ErrorIs(t, err, ErrChatNotFound)

		// a record stored under another pair's id is not that pair's chat
		dave := "dave-" + run
		squatter := &Chat{
			ID:   DirectChatID(carol, dave),
			Type: ChatDirect,
			Participants: []Participant{
				{UserInfo: UserInfo{ID: alice}, JoinedAt: base},
				{UserInfo: UserInfo{ID: carol}, JoinedAt: base},
			},
			CreatedBy: alice,
			CreatedAt: base,
		}
		require.NoError(t, b.CreateChat(ctx, squatter))
		_, err = b.FindDirectChat(ctx, carol, dave)
		require.ErrorIs(t, err, ErrChatNotFound)

		require.Eventually(t, func() bool {
			_, ok := chats.find(direct.ID)
			return ok
		}, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("history pages newest first", func(t *testing.T) {
		for i := 0; i < 7; i++ {
			// two messages share each timestamp to exercise the id tie-break
			require.NoError(t, b.WriteMessage(ctx, msgAt(direct.ID, fmt.Sprintf("h%02d", i), alice, i/2)))
		}

		var all []Message
		var cursor *Cursor
		for {
			page, err := b.FetchMessages(ctx, direct.ID, cursor, 3)
			require.NoError(t, err)
			all = append(all, page...)
			if len(page) < 3 {
				break
			}
			cursor = CursorFor(page[len(page)-1])
		}
		require.Equal(t, []string{"h06", "h05", "h04", "h03", "h02", "h01", "h00"}, ids(all))
	})

	t.Run("message feed replays the window and follows writes", func(t *testing.T) {
		var mu sync.Mutex
		seen := make(map[string]ChangeKind)
		sub, err := b.WatchMessages(ctx, direct.ID, base.Add(3*time.Millisecond), func(changes []Change) {
			mu.Lock()
			defer mu.Unlock()
			for _, c := range changes {
				seen[c.Message.ID] = c.Kind
			}
		})
		require.NoError(t, err)
		defer sub.Unsubscribe()

		snapshot := func() map[string]ChangeKind {
			mu.Lock()
			defer mu.Unlock()
			out := make(map[string]ChangeKind, len(seen))
			for k, v := range seen {
				out[k] = v
			}
			return out
		}

		require.Eventually(t, func() bool {
			s := snapshot()
			_, ok := s["h06"]
			return ok
		}, 5*time.Second, 10*time.Millisecond)
		require.NotContains(t, snapshot(), "h00")

		live := msgAt(direct.ID, "live", bob, 100)
		require.NoError(t, b.WriteMessage(ctx, live))
		require.Eventually(t, func() bool {
			_, ok := snapshot()["live"]
			return ok
		}, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, b.DeleteMessage(ctx, direct.ID, "live"))
		require.Eventually(t, func() bool {
			return snapshot()["live"] == ChangeRemoved
		}, 5*time.Second, 10*time.Millisecond)
		require.ErrorIs(t, b.DeleteMessage(ctx, direct.ID, "live"), ErrMessageNotFound)
	})

	t.Run("last message and read state", func(t *testing.T) {
		m := msgAt(direct.ID, "last", alice, 200)
		require.NoError(t, b.WriteMessage(ctx, m))
		require.NoError(t, b.UpdateLastMessage(ctx, direct.ID, m))

		got, err := b.GetChat(ctx, direct.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastMessage)
		require.Equal(t, "last", got.LastMessage.ID)
		require.Equal(t, 1, got.UnreadCounts[bob])
		require.Zero(t, got.UnreadCounts[alice])

		require.Eventually(t, func() bool {
			c, ok := chats.find(direct.ID)
			return ok && c.UnreadCounts[bob] == 1
		}, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, b.UpdateReadState(ctx, direct.ID, bob, m.CreatedAt))
		got, err = b.GetChat(ctx, direct.ID)
		require.NoError(t, err)
		require.Zero(t, got.UnreadCounts[bob])
		require.True(t, got.ReadStateFor(bob).LastReadAt.Equal(m.CreatedAt))

		// an older boundary never rewinds the stored one
		require.NoError(t, b.UpdateReadState(ctx, direct.ID, bob, base))
		got, err = b.GetChat(ctx, direct.ID)
		require.NoError(t, err)
		require.True(t, got.ReadStateFor(bob).LastReadAt.Equal(m.CreatedAt))

		require.ErrorIs(t, b.UpdateReadState(ctx, direct.ID, carol, base), ErrNotParticipant)
	})

	t.Run("typing", func(t *testing.T) {
		var mu sync.Mutex
		var typing []string
		sub, err := b.WatchTyping(ctx, direct.ID, func(users []string) {
			mu.Lock()
			typing = users
			mu.Unlock()
		})
		require.NoError(t, err)
		defer sub.Unsubscribe()

		current := func() []string {
			mu.Lock()
			defer mu.Unlock()
			return append([]string(nil), typing...)
		}

		require.NoError(t, b.SetTyping(ctx, direct.ID, bob, true))
		require.Eventually(t, func() bool {
			u := current()
			return len(u) == 1 && u[0] == bob
		}, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, b.SetTyping(ctx, direct.ID, bob, false))
		require.Eventually(t, func() bool { return len(current()) == 0 }, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("create stamps missing timestamps", func(t *testing.T) {
		before := time.Now().UTC().Add(-time.Second)
		c := &Chat{
			ID:   "stamped-" + run,
			Type: ChatGroup,
			Name: "Stamped",
			Participants: []Participant{
				{UserInfo: UserInfo{ID: alice}, IsAdmin: true, JoinedAt: base},
			},
			CreatedBy: alice,
		}
		require.NoError(t, b.CreateChat(ctx, c))
		require.True(t, c.CreatedAt.After(before))
		require.True(t, c.LastActivityAt.Equal(c.CreatedAt))

		got, err := b.GetChat(ctx, c.ID)
		require.NoError(t, err)
		require.False(t, got.CreatedAt.IsZero())
		require.False(t, got.LastActivityAt.IsZero())
	})

	t.Run("profiles", func(t *testing.T) {
		require.NoError(t, b.UpsertProfile(ctx, UserInfo{ID: carol, DisplayName: "Carol", Handle: "carol"}))
		require.NoError(t, b.UpsertProfile(ctx, UserInfo{ID: carol, DisplayName: "Caroline", Handle: "carol"}))

		got, err := b.GetProfiles(ctx, []string{carol, "nobody-" + run})
		require.NoError(t, err)
		require.Equal(t, "Caroline", got[carol].DisplayName)
		require.NotContains(t, got, "nobody-"+run)
	})

	t.Run("group membership", func(t *testing.T) {
		group := &Chat{
			ID:   "group-" + run,
			Type: ChatGroup,
			Name: "Planning",
			Participants: []Participant{
				{UserInfo: UserInfo{ID: alice}, IsAdmin: true, JoinedAt: base},
				{UserInfo: UserInfo{ID: bob}, JoinedAt: base},
			},
			CreatedBy: alice,
			CreatedAt: base,
		}
		require.NoError(t, b.CreateChat(ctx, group))

		name := "Launch"
		require.NoError(t, b.UpdateChat(ctx, group.ID, ChatUpdate{Name: &name}))
		got, err := b.GetChat(ctx, group.ID)
		require.NoError(t, err)
		require.Equal(t, "Launch", got.Name)
		require.Empty(t, got.PhotoURL)

		require.ErrorIs(t, b.UpdateChat(ctx, "missing-"+run, ChatUpdate{Name: &name}), ErrChatNotFound)

		require.NoError(t, b.RemoveParticipant(ctx, group.ID, bob))
		require.ErrorIs(t, b.RemoveParticipant(ctx, group.ID, bob), ErrNotParticipant)
		got, err = b.GetChat(ctx, group.ID)
		require.NoError(t, err)
		require.Equal(t, []string{alice}, got.ParticipantIDs())
		require.False(t, got.Archived)

		require.NoError(t, b.RemoveParticipant(ctx, group.ID, alice))
		got, err = b.GetChat(ctx, group.ID)
		require.NoError(t, err)
		require.True(t, got.Archived)
	})
}
