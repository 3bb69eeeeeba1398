// internal/messaging/directory.go

package messaging

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const enrichTimeout = 15 * time.Second

// ConversationDirectory keeps the live, recency-ordered list of a user's
// chats. Every feed delivery replaces the whole list; participant display
// data is refreshed in the background.
type ConversationDirectory struct {
	feed     ChangeFeed
	profiles ProfileSource

	mu         sync.Mutex
	userID     string
	generation uint64
	sub        Subscription
	cancel     context.CancelFunc
	chats      []Chat

	listenersMu sync.Mutex
	listeners   map[int]func([]Chat)
	nextID      int

	wg sync.WaitGroup
}

func NewConversationDirectory(feed ChangeFeed, profiles ProfileSource) *ConversationDirectory {
	return &ConversationDirectory{
		feed:      feed,
		profiles:  profiles,
		listeners: make(map[int]func([]Chat)),
	}
}

// Subscribe starts following the chats userID participates in, replacing
// any previous subscription.
func (d *ConversationDirectory) Subscribe(ctx context.Context, userID string) error {
	d.Unsubscribe()

	d.mu.Lock()
	d.generation++
	gen := d.generation
	d.userID = userID
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.mu.Unlock()

	sub, err := d.feed.WatchChats(subCtx, userID, func(raw []Chat) {
		d.onSnapshot(subCtx, gen, raw)
	})
	if err != nil {
		cancel()
		return errors.Wrapf(err, "watch chats of %s", userID)
	}

	d.mu.Lock()
	if d.generation != gen {
		d.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	d.sub = sub
	d.mu.Unlock()
	return nil
}

// Unsubscribe stops the live query and clears the list.
func (d *ConversationDirectory) Unsubscribe() {
	d.mu.Lock()
	d.generation++
	sub, cancel := d.sub, d.cancel
	d.sub, d.cancel = nil, nil
	d.chats = nil
	d.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
}

// Close unsubscribes and waits for background enrichment to finish.
func (d *ConversationDirectory) Close() {
	d.Unsubscribe()
	d.wg.Wait()
}

// Chats returns the last published list.
func (d *ConversationDirectory) Chats() []Chat {
	d.mu.Lock()
	defer d.mu.Unlock()
	return cloneChats(d.chats)
}

// UnreadTotal sums the server unread counters of the subscribed user.
func (d *ConversationDirectory) UnreadTotal() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, c := range d.chats {
		total += c.UnreadCounts[d.userID]
	}
	return total
}

// OnChange registers fn for every published list.
func (d *ConversationDirectory) OnChange(fn func([]Chat)) func() {
	d.listenersMu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.listenersMu.Unlock()

	return func() {
		d.listenersMu.Lock()
		delete(d.listeners, id)
		d.listenersMu.Unlock()
	}
}

func (d *ConversationDirectory) onSnapshot(ctx context.Context, gen uint64, raw []Chat) {
	chats := normalizeChats(raw)

	d.mu.Lock()
	if d.generation != gen {
		d.mu.Unlock()
		return
	}
	d.chats = chats
	d.mu.Unlock()

	metricDirectorySnapshots.Inc()
	d.publish(cloneChats(chats))

	if d.profiles == nil || len(chats) == 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.enrich(ctx, gen, idSet(chats), participantIDs(chats))
	}()
}

// enrich fetches fresh profiles and republishes, but only if the published
// list still has exactly the membership the pass started from.
func (d *ConversationDirectory) enrich(ctx context.Context, gen uint64, ids map[string]struct{}, userIDs []string) {
	ctx, cancel := context.WithTimeout(ctx, enrichTimeout)
	defer cancel()

	profiles, err := d.profiles.GetProfiles(ctx, userIDs)
	if err != nil {
		metricEnrichments.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("component", "chat_directory").Int("users", len(userIDs)).Msg("profile enrichment failed")
		return
	}

	d.mu.Lock()
	if d.generation != gen || !sameIDs(ids, d.chats) {
		d.mu.Unlock()
		metricEnrichments.WithLabelValues("superseded").Inc()
		return
	}
	enriched := cloneChats(d.chats)
	for i := range enriched {
		for j := range enriched[i].Participants {
			p := &enriched[i].Participants[j]
			if u, ok := profiles[p.ID]; ok {
				u.ID = p.ID
				p.UserInfo = u
			}
		}
	}
	d.chats = enriched
	d.mu.Unlock()

	metricEnrichments.WithLabelValues("ok").Inc()
	d.publish(cloneChats(enriched))
}

func (d *ConversationDirectory) publish(chats []Chat) {
	d.listenersMu.Lock()
	fns := make([]func([]Chat), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.listenersMu.Unlock()

	for _, fn := range fns {
		fn(chats)
	}
}

// normalizeChats drops malformed records, keeps the first occurrence of each
// id and orders by last activity, newest first.
func normalizeChats(raw []Chat) []Chat {
	seen := make(map[string]struct{}, len(raw))
	out := make([]Chat, 0, len(raw))
	for _, c := range raw {
		if err := c.Validate(); err != nil {
			log.Debug().Err(err).Str("component", "chat_directory").Msg("dropping malformed chat")
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		c.Participants = append([]Participant(nil), c.Participants...)
		sortParticipants(c.Participants)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func cloneChats(in []Chat) []Chat {
	if in == nil {
		return nil
	}
	out := make([]Chat, len(in))
	for i, c := range in {
		c.Participants = append([]Participant(nil), c.Participants...)
		if c.UnreadCounts != nil {
			counts := make(map[string]int, len(c.UnreadCounts))
			for k, v := range c.UnreadCounts {
				counts[k] = v
			}
			c.UnreadCounts = counts
		}
		if c.LastMessage != nil {
			lm := *c.LastMessage
			c.LastMessage = &lm
		}
		out[i] = c
	}
	return out
}

func idSet(chats []Chat) map[string]struct{} {
	ids := make(map[string]struct{}, len(chats))
	for _, c := range chats {
		ids[c.ID] = struct{}{}
	}
	return ids
}

func sameIDs(ids map[string]struct{}, chats []Chat) bool {
	if len(ids) != len(chats) {
		return false
	}
	for _, c := range chats {
		if _, ok := ids[c.ID]; !ok {
			return false
		}
	}
	return true
}

func participantIDs(chats []Chat) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, c := range chats {
		for _, p := range c.Participants {
			if _, ok := seen[p.ID]; ok {
				continue
			}
			seen[p.ID] = struct{}{}
			ids = append(ids, p.ID)
		}
	}
	sort.Strings(ids)
	return ids
}
