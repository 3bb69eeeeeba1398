// internal/messaging/pagination.go

package messaging

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// DefaultPageSize is the number of messages requested per history page.
const DefaultPageSize = 30

// InitialPage is the result of opening a conversation's history.
type InitialPage struct {
	Messages  []Message // ascending
	Chat      *Chat
	ReadState ReadState
}

// PaginationController pages history backwards for one conversation at a
// time. At most one older-page fetch is in flight.
type PaginationController struct {
	source        HistorySource
	currentUserID string
	pageSize      int

	mu             sync.Mutex
	conversationID string
	generation     uint64
	oldest         *Cursor
	newest         *Cursor
	hasMoreOlder   bool
	loading        bool
}

func NewPaginationController(source HistorySource, currentUserID string, pageSize int) *PaginationController {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &PaginationController{
		source:        source,
		currentUserID: currentUserID,
		pageSize:      pageSize,
		hasMoreOlder:  true,
	}
}

// Reset forgets all cursor state and binds the controller to conversationID.
// Results of fetches started before the reset are discarded.
func (p *PaginationController) Reset(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked(conversationID)
}

func (p *PaginationController) resetLocked(conversationID string) uint64 {
	p.generation++
	p.conversationID = conversationID
	p.oldest = nil
	p.newest = nil
	p.hasMoreOlder = true
	p.loading = false
	return p.generation
}

// LoadInitial fetches the newest page and the chat record in parallel.
func (p *PaginationController) LoadInitial(ctx context.Context, conversationID string) (*InitialPage, error) {
	p.mu.Lock()
	gen := p.resetLocked(conversationID)
	p.mu.Unlock()

	var (
		page []Message
		chat *Chat
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		page, err = p.source.FetchMessages(gctx, conversationID, nil, p.pageSize)
		return errors.Wrap(err, "fetch newest page")
	})
	g.Go(func() error {
		var err error
		chat, err = p.source.GetChat(gctx, conversationID)
		return errors.Wrap(err, "fetch chat")
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if chat == nil {
		return nil, ErrChatNotFound
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.generation {
		return nil, ErrSessionChanged
	}

	if len(page) > 0 {
		p.newest = CursorFor(page[0])
		p.oldest = CursorFor(page[len(page)-1])
	}
	p.hasMoreOlder = len(page) >= p.pageSize

	return &InitialPage{
		Messages:  ascending(page),
		Chat:      chat,
		ReadState: chat.ReadStateFor(p.currentUserID),
	}, nil
}

// LoadOlder fetches the page strictly older than the oldest boundary. It
// returns nothing without touching the source when history is exhausted, a
// load is in flight, no boundary is known, or conversationID is not the
// current one. A failed fetch leaves the state as it was.
func (p *PaginationController) LoadOlder(ctx context.Context, conversationID string) ([]Message, error) {
	p.mu.Lock()
	if conversationID != p.conversationID || !p.hasMoreOlder || p.loading || p.oldest == nil {
		p.mu.Unlock()
		return nil, nil
	}
	p.loading = true
	gen := p.generation
	before := *p.oldest
	p.mu.Unlock()

	page, err := p.source.FetchMessages(ctx, conversationID, &before, p.pageSize)

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.generation {
		return nil, nil
	}
	p.loading = false
	if err != nil {
		return nil, errors.Wrap(err, "fetch older page")
	}

	if len(page) == 0 {
		p.hasMoreOlder = false
		return nil, nil
	}
	p.oldest = CursorFor(page[len(page)-1])
	if len(page) < p.pageSize {
		p.hasMoreOlder = false
	}
	return ascending(page), nil
}

func (p *PaginationController) HasMoreOlder() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMoreOlder
}

func (p *PaginationController) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading
}

// OldestBoundary returns the cursor of the oldest loaded page item.
func (p *PaginationController) OldestBoundary() *Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.oldest == nil {
		return nil
	}
	c := *p.oldest
	return &c
}

// NewestBoundary returns the cursor of the newest item of the initial page.
func (p *PaginationController) NewestBoundary() *Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.newest == nil {
		return nil
	}
	c := *p.newest
	return &c
}

func (p *PaginationController) PageSize() int {
	return p.pageSize
}

// ascending reverses a newest-first page.
func ascending(page []Message) []Message {
	out := make([]Message, len(page))
	for i, m := range page {
		out[len(page)-1-i] = m
	}
	return out
}
