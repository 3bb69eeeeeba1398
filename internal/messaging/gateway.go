// internal/messaging/gateway.go

package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultRuntimeIdleTTL is how long a runtime with no connected clients
// survives before the sweeper closes it.
const DefaultRuntimeIdleTTL = 2 * time.Minute

// Pusher delivers an update to every connection of a user.
type Pusher interface {
	Push(userID string, msg WSMessage)
}

// Runtime is the per-user chat state held by the gateway: one coordinator
// for the open conversation and one directory for the chat list.
type Runtime struct {
	UserID      string
	Coordinator *ChatSessionCoordinator
	Directory   *ConversationDirectory

	refs      int
	idleSince time.Time
	stop      []func()

	// closed once the chat list subscription has been attempted
	ready    chan struct{}
	startErr error
}

// Gateway owns the runtimes of every user connected to this process.
type Gateway struct {
	deps    CoordinatorDeps
	cfg     CoordinatorConfig
	idleTTL time.Duration

	pusherMu sync.RWMutex
	pusher   Pusher

	mu       sync.Mutex
	runtimes map[string]*Runtime
}

func NewGateway(deps CoordinatorDeps, cfg CoordinatorConfig, pusher Pusher, idleTTL time.Duration) *Gateway {
	if idleTTL <= 0 {
		idleTTL = DefaultRuntimeIdleTTL
	}
	return &Gateway{
		deps:     deps,
		cfg:      cfg,
		pusher:   pusher,
		idleTTL:  idleTTL,
		runtimes: make(map[string]*Runtime),
	}
}

// SetPusher wires the websocket hub after construction; the hub itself needs
// the gateway.
func (g *Gateway) SetPusher(p Pusher) {
	g.pusherMu.Lock()
	g.pusher = p
	g.pusherMu.Unlock()
}

// Acquire returns the runtime of userID and counts one more reference
// against it. Every Acquire must be paired with a Release. The chat list
// subscription of a new runtime runs outside the gateway lock, so a slow
// backend only delays callers for the same user.
func (g *Gateway) Acquire(ctx context.Context, userID string) (*Runtime, error) {
	if userID == "" {
		return nil, errors.New("empty user id")
	}

	g.mu.Lock()
	rt, ok := g.runtimes[userID]
	if !ok {
		rt = g.newRuntime(userID)
		g.runtimes[userID] = rt
	}
	rt.refs++
	g.mu.Unlock()

	if !ok {
		rt.startErr = g.start(ctx, rt)
		close(rt.ready)
	} else {
		select {
		case <-rt.ready:
		case <-ctx.Done():
			g.Release(userID)
			return nil, ctx.Err()
		}
	}

	if rt.startErr != nil {
		g.mu.Lock()
		rt.refs--
		if g.runtimes[userID] == rt {
			delete(g.runtimes, userID)
		}
		g.mu.Unlock()
		return nil, rt.startErr
	}
	return rt, nil
}

// Release drops one reference. The runtime becomes idle at zero.
func (g *Gateway) Release(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rt, ok := g.runtimes[userID]
	if !ok || rt.refs == 0 {
		return
	}
	rt.refs--
	if rt.refs == 0 {
		rt.idleSince = time.Now()
	}
}

func (g *Gateway) newRuntime(userID string) *Runtime {
	rt := &Runtime{
		UserID:      userID,
		Coordinator: NewChatSessionCoordinator(userID, g.deps, g.cfg),
		Directory:   NewConversationDirectory(g.deps.Feed, g.deps.Profiles),
		idleSince:   time.Now(),
		ready:       make(chan struct{}),
	}
	rt.stop = append(rt.stop,
		rt.Coordinator.Observe(func(u Update) { g.push(userID, u) }),
		rt.Directory.OnChange(func(chats []Chat) {
			g.push(userID, Update{Kind: UpdateChats, Chats: chats})
		}),
	)
	return rt
}

func (g *Gateway) start(ctx context.Context, rt *Runtime) error {
	if err := rt.Directory.Subscribe(ctx, rt.UserID); err != nil {
		for _, stop := range rt.stop {
			stop()
		}
		rt.Directory.Close()
		rt.Coordinator.Shutdown()
		return errors.Wrap(err, "subscribe chat list")
	}
	metricActiveRuntimes.Inc()
	log.Debug().Str("component", "chat_gateway").Str("user_id", rt.UserID).Msg("runtime started")
	return nil
}

func (g *Gateway) push(userID string, u Update) {
	g.pusherMu.RLock()
	p := g.pusher
	g.pusherMu.RUnlock()
	if p == nil {
		return
	}
	p.Push(userID, NewWSMessage(WSTypeUpdate, u))
}

// Sweep closes runtimes that have been idle longer than the idle TTL.
func (g *Gateway) Sweep(now time.Time) int {
	g.mu.Lock()
	var idle []*Runtime
	for id, rt := range g.runtimes {
		if rt.refs == 0 && now.Sub(rt.idleSince) >= g.idleTTL {
			idle = append(idle, rt)
			delete(g.runtimes, id)
		}
	}
	g.mu.Unlock()

	for _, rt := range idle {
		g.closeRuntime(rt)
	}
	return len(idle)
}

// Run sweeps idle runtimes until ctx is done, then closes everything.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(g.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.Shutdown()
			return
		case now := <-ticker.C:
			if n := g.Sweep(now); n > 0 {
				log.Debug().Str("component", "chat_gateway").Int("closed", n).Msg("swept idle runtimes")
			}
		}
	}
}

// Active returns the number of live runtimes.
func (g *Gateway) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.runtimes)
}

func (g *Gateway) Shutdown() {
	g.mu.Lock()
	all := make([]*Runtime, 0, len(g.runtimes))
	for id, rt := range g.runtimes {
		all = append(all, rt)
		delete(g.runtimes, id)
	}
	g.mu.Unlock()

	for _, rt := range all {
		g.closeRuntime(rt)
	}
}

func (g *Gateway) closeRuntime(rt *Runtime) {
	<-rt.ready
	if rt.startErr != nil {
		return
	}
	for _, stop := range rt.stop {
		stop()
	}
	rt.Directory.Close()
	rt.Coordinator.Shutdown()
	metricActiveRuntimes.Dec()
	log.Debug().Str("component", "chat_gateway").Str("user_id", rt.UserID).Msg("runtime closed")
}
