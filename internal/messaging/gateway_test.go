package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingPusher struct {
	mu   sync.Mutex
	msgs map[string][]WSMessage
}

func newRecordingPusher() *recordingPusher {
	return &recordingPusher{msgs: make(map[string][]WSMessage)}
}

func (p *recordingPusher) Push(userID string, msg WSMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs[userID] = append(p.msgs[userID], msg)
}

func (p *recordingPusher) updates(t *testing.T, userID string, kind UpdateKind) []Update {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Update
	for _, m := range p.msgs[userID] {
		require.Equal(t, WSTypeUpdate, m.Type)
		var u Update
		require.NoError(t, json.Unmarshal(m.Data, &u))
		if u.Kind == kind {
			out = append(out, u)
		}
	}
	return out
}

func TestGateway_RefcountAndSweep(t *testing.T) {
	ctx := context.Background()
	b := seedBackend(t)
	g := NewGateway(depsFor(b), CoordinatorConfig{}, nil, time.Minute)
	t.Cleanup(g.Shutdown)

	rt1, err := g.Acquire(ctx, "me")
	require.NoError(t, err)
	rt2, err := g.Acquire(ctx, "me")
	require.NoError(t, err)
	require.Same(t, rt1, rt2)
	require.Equal(t, 1, g.Active())

	g.Release("me")
	require.Zero(t, g.Sweep(time.Now().Add(time.Hour)), "one client is still connected")

	g.Release("me")
	g.Release("me")
	require.Zero(t, g.Sweep(time.Now()))
	require.Equal(t, 1, g.Sweep(time.Now().Add(2*time.Minute)))
	require.Zero(t, g.Active())

	rt3, err := g.Acquire(ctx, "me")
	require.NoError(t, err)
	require.NotSame(t, rt1, rt3)
}

func TestGateway_HeldRuntimeIsNotSwept(t *testing.T) {
	ctx := context.Background()
	g := NewGateway(depsFor(seedBackend(t)), CoordinatorConfig{}, nil, time.Minute)
	t.Cleanup(g.Shutdown)

	// a request in flight holds its own reference
	rt, err := g.Acquire(ctx, "me")
	require.NoError(t, err)
	require.Zero(t, g.Sweep(time.Now().Add(time.Hour)))
	require.NoError(t, rt.Coordinator.Open(ctx, "chat-1"))

	g.Release("me")
	require.Equal(t, 1, g.Sweep(time.Now().Add(time.Minute)))

	_, err = g.Acquire(ctx, "")
	require.Error(t, err)
}

// gatedChatFeed blocks the chat list subscription of one user until opened.
type gatedChatFeed struct {
	*MemoryBackend
	slowUser string
	entered  chan struct{}
	open     chan struct{}
}

func (f *gatedChatFeed) WatchChats(ctx context.Context, userID string, fn func([]Chat)) (Subscription, error) {
	if userID == f.slowUser {
		close(f.entered)
		<-f.open
	}
	return f.MemoryBackend.WatchChats(ctx, userID, fn)
}

func TestGateway_SlowSubscribeDoesNotBlockOtherUsers(t *testing.T) {
	ctx := context.Background()
	b := seedBackend(t)
	feed := &gatedChatFeed{MemoryBackend: b, slowUser: "slow", entered: make(chan struct{}), open: make(chan struct{})}
	deps := depsFor(b)
	deps.Feed = feed
	g := NewGateway(deps, CoordinatorConfig{}, nil, time.Minute)
	t.Cleanup(g.Shutdown)

	slowDone := make(chan error, 1)
	go func() {
		_, err := g.Acquire(ctx, "slow")
		slowDone <- err
	}()
	<-feed.entered

	fast := make(chan error, 1)
	go func() {
		_, err := g.Acquire(ctx, "me")
		fast <- err
	}()
	select {
	case err := <-fast:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire for another user waited on a slow chat list subscription")
	}

	// a second caller for the slow user waits for the same runtime
	second := make(chan *Runtime, 1)
	go func() {
		rt, err := g.Acquire(ctx, "slow")
		if err == nil {
			second <- rt
		}
	}()

	close(feed.open)
	require.NoError(t, <-slowDone)
	rt := <-second
	require.Equal(t, "slow", rt.UserID)
	require.Equal(t, 2, g.Active())
}

func TestGateway_PushesSessionAndChatUpdates(t *testing.T) {
	ctx := context.Background()
	b := seedBackend(t)
	pusher := newRecordingPusher()
	g := NewGateway(depsFor(b), CoordinatorConfig{FlushInterval: 5 * time.Millisecond}, nil, time.Minute)
	g.SetPusher(pusher)
	t.Cleanup(g.Shutdown)

	rt, err := g.Acquire(ctx, "me")
	require.NoError(t, err)

	chats := pusher.updates(t, "me", UpdateChats)
	require.NotEmpty(t, chats)
	require.Len(t, chats[0].Chats, 2)

	require.NoError(t, rt.Coordinator.Open(ctx, "chat-1"))
	timelines := pusher.updates(t, "me", UpdateTimeline)
	require.NotEmpty(t, timelines)
	last := timelines[len(timelines)-1]
	require.Equal(t, "chat-1", last.Timeline.ConversationID)
	require.Len(t, last.Timeline.Messages, 2)

	states := pusher.updates(t, "me", UpdateState)
	require.Equal(t, StateActive, states[len(states)-1].State)
}
