package messaging

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// fakeHistory serves a fixed history through a MemoryBackend and counts
// page requests.
type fakeHistory struct {
	*MemoryBackend

	mu       sync.Mutex
	fetches  int
	failNext error
	gate     chan struct{}
}

func newFakeHistory(t *testing.T, n int) *fakeHistory {
	t.Helper()
	b := NewMemoryBackend()
	require.NoError(t, b.CreateChat(context.Background(), &Chat{
		ID:   "chat-1",
		Type: ChatDirect,
		Participants: []Participant{
			{UserInfo: UserInfo{ID: "me"}},
			{UserInfo: UserInfo{ID: "u2"}},
		},
	}))
	for i := 0; i < n; i++ {
		b.PutMessages(textMsg(fmt.Sprintf("m%03d", i), "u2", i))
	}
	return &fakeHistory{MemoryBackend: b}
}

func (f *fakeHistory) FetchMessages(ctx context.Context, chatID string, before *Cursor, limit int) ([]Message, error) {
	f.mu.Lock()
	f.fetches++
	err := f.failNext
	f.failNext = nil
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return f.MemoryBackend.FetchMessages(ctx, chatID, before, limit)
}

func (f *fakeHistory) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = err
}

func (f *fakeHistory) hold() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	return f.gate
}

func (f *fakeHistory) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func TestPagination_ShortPageExhaustsHistory(t *testing.T) {
	ctx := context.Background()
	src := newFakeHistory(t, 42)
	p := NewPaginationController(src, "me", 30)

	initial, err := p.LoadInitial(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, initial.Messages, 30)
	require.True(t, p.HasMoreOlder())
	require.Equal(t, "m012", initial.Messages[0].ID)
	require.Equal(t, "m041", initial.Messages[29].ID)

	older, err := p.LoadOlder(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, older, 12)
	require.False(t, p.HasMoreOlder())
	require.Equal(t, "m000", older[0].ID)
	require.Equal(t, "m011", older[11].ID)

	calls := src.calls()
	again, err := p.LoadOlder(ctx, "chat-1")
	require.NoError(t, err)
	require.Empty(t, again)
	require.Equal(t, calls, src.calls(), "exhausted history must not hit the source")
}

func TestPagination_ReconstructsFullHistory(t *testing.T) {
	ctx := context.Background()
	const total = 95
	src := newFakeHistory(t, total)
	p := NewPaginationController(src, "me", 10)

	initial, err := p.LoadInitial(ctx, "chat-1")
	require.NoError(t, err)
	all := initial.Messages

	calls := 0
	for p.HasMoreOlder() {
		calls++
		require.LessOrEqual(t, calls, (total+9)/10)
		page, err := p.LoadOlder(ctx, "chat-1")
		require.NoError(t, err)
		all = append(page, all...)
	}

	require.Len(t, all, total)
	for i, m := range all {
		require.Equal(t, fmt.Sprintf("m%03d", i), m.ID)
	}
}

func TestPagination_ExactMultipleEndsOnEmptyPage(t *testing.T) {
	ctx := context.Background()
	src := newFakeHistory(t, 20)
	p := NewPaginationController(src, "me", 10)

	_, err := p.LoadInitial(ctx, "chat-1")
	require.NoError(t, err)

	page, err := p.LoadOlder(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, page, 10)
	require.True(t, p.HasMoreOlder())

	page, err = p.LoadOlder(ctx, "chat-1")
	require.NoError(t, err)
	require.Empty(t, page)
	require.False(t, p.HasMoreOlder())
}

func TestPagination_EmptyConversation(t *testing.T) {
	ctx := context.Background()
	src := newFakeHistory(t, 0)
	p := NewPaginationController(src, "me", 30)

	initial, err := p.LoadInitial(ctx, "chat-1")
	require.NoError(t, err)
	require.Empty(t, initial.Messages)
	require.NotNil(t, initial.Chat)
	require.False(t, p.HasMoreOlder())
	require.Nil(t, p.OldestBoundary())
	require.Nil(t, p.NewestBoundary())
}

func TestPagination_FailedFetchKeepsState(t *testing.T) {
	ctx := context.Background()
	src := newFakeHistory(t, 50)
	p := NewPaginationController(src, "me", 30)

	_, err := p.LoadInitial(ctx, "chat-1")
	require.NoError(t, err)
	before := p.OldestBoundary()

	src.fail(errors.New("network down"))
	_, err = p.LoadOlder(ctx, "chat-1")
	require.Error(t, err)
	require.Equal(t, before, p.OldestBoundary())
	require.True(t, p.HasMoreOlder())
	require.False(t, p.Loading())

	page, err := p.LoadOlder(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, page, 20)
}

func TestPagination_MissingChat(t *testing.T) {
	src := newFakeHistory(t, 0)
	p := NewPaginationController(src, "me", 30)

	_, err := p.LoadInitial(context.Background(), "nope")
	require.ErrorIs(t, err, ErrChatNotFound)
}

func TestPagination_WrongConversationIsNoop(t *testing.T) {
	ctx := context.Background()
	src := newFakeHistory(t, 50)
	p := NewPaginationController(src, "me", 30)
	_, err := p.LoadInitial(ctx, "chat-1")
	require.NoError(t, err)

	calls := src.calls()
	page, err := p.LoadOlder(ctx, "chat-2")
	require.NoError(t, err)
	require.Empty(t, page)
	require.Equal(t, calls, src.calls())
}

func TestPagination_ResetDiscardsInflightPage(t *testing.T) {
	ctx := context.Background()
	src := newFakeHistory(t, 50)
	p := NewPaginationController(src, "me", 30)
	_, err := p.LoadInitial(ctx, "chat-1")
	require.NoError(t, err)

	gate := src.hold()
	done := make(chan []Message)
	go func() {
		page, _ := p.LoadOlder(ctx, "chat-1")
		done <- page
	}()

	require.Eventually(t, func() bool { return src.calls() == 2 }, time.Second, time.Millisecond)

	// a second call while loading does not reach the source
	page, err := p.LoadOlder(ctx, "chat-1")
	require.NoError(t, err)
	require.Empty(t, page)

	p.Reset("chat-2")
	close(gate)

	require.Empty(t, <-done)
	require.Nil(t, p.OldestBoundary())
	require.True(t, p.HasMoreOlder())
	require.Equal(t, 2, src.calls())
}
