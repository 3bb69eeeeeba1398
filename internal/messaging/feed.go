// internal/messaging/feed.go

package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	topicMessages = "chatsync.messages."
	topicTyping   = "chatsync.typing."
	topicChats    = "chatsync.chats."
)

// feedSource answers the requeries a feed makes when a signal arrives or a
// watch starts.
type feedSource interface {
	messagesSince(ctx context.Context, chatID string, since time.Time) ([]Message, error)
	typingUsers(ctx context.Context, chatID string) ([]string, error)
	chatsFor(ctx context.Context, userID string) ([]Chat, error)
}

// WatermillFeed turns a watermill pub/sub into a ChangeFeed. Message topics
// carry the change itself; typing and chat topics carry a bare signal that
// triggers a requery, so watchers always see full sets.
type WatermillFeed struct {
	pub    message.Publisher
	sub    message.Subscriber
	source feedSource
}

func NewWatermillFeed(pub message.Publisher, sub message.Subscriber, source feedSource) *WatermillFeed {
	return &WatermillFeed{pub: pub, sub: sub, source: source}
}

// NewGoChannelPubSub returns an in-process transport. Publish returns only
// once every subscriber has acked, so deltas for one message reach watchers
// in the order they were written.
func NewGoChannelPubSub() (message.Publisher, message.Subscriber) {
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, NewWatermillLogger(log.Logger))
	return ps, ps
}

// NewRedisStreamPubSub returns a Redis Streams transport. Subscribers run
// without a consumer group so every gateway process sees every event.
func NewRedisStreamPubSub(client redis.UniversalClient) (message.Publisher, message.Subscriber, error) {
	logger := NewWatermillLogger(log.Logger)
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, nil, errors.Wrap(err, "redis stream publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:       client,
		Unmarshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, nil, errors.Wrap(err, "redis stream subscriber")
	}
	return pub, sub, nil
}

func (f *WatermillFeed) Close() error {
	var firstErr error
	if err := f.pub.Close(); err != nil {
		firstErr = err
	}
	// gochannel uses one value for both sides
	if any(f.sub) != any(f.pub) {
		if err := f.sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PublishChange announces a message delta to watchers of its chat.
func (f *WatermillFeed) PublishChange(chatID string, ch Change) error {
	payload, err := json.Marshal(ch)
	if err != nil {
		return errors.Wrap(err, "marshal change")
	}
	return errors.Wrap(f.pub.Publish(topicMessages+chatID, message.NewMessage(uuid.New().String(), payload)), "publish change")
}

// SignalTyping tells typing watchers of chatID to requery.
func (f *WatermillFeed) SignalTyping(chatID string) error {
	return errors.Wrap(f.pub.Publish(topicTyping+chatID, message.NewMessage(uuid.New().String(), nil)), "publish typing signal")
}

// SignalChats tells each user's chat list watchers to requery.
func (f *WatermillFeed) SignalChats(userIDs ...string) error {
	for _, id := range userIDs {
		if err := f.pub.Publish(topicChats+id, message.NewMessage(uuid.New().String(), nil)); err != nil {
			return errors.Wrap(err, "publish chats signal")
		}
	}
	return nil
}

func (f *WatermillFeed) WatchMessages(ctx context.Context, chatID string, since time.Time, fn func([]Change)) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	ch, err := f.sub.Subscribe(ctx, topicMessages+chatID)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "subscribe messages")
	}

	initial, err := f.source.messagesSince(ctx, chatID, since)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "load live window")
	}
	if len(initial) > 0 {
		changes := make([]Change, len(initial))
		for i, m := range initial {
			changes[i] = Change{Message: m, Kind: ChangeAdded}
		}
		fn(changes)
	}

	return f.consume(ctx, cancel, ch, chatID, func(msg *message.Message) {
		var c Change
		if err := json.Unmarshal(msg.Payload, &c); err != nil {
			log.Debug().Err(err).Str("component", "chat_feed").Str("conversation_id", chatID).Msg("dropping malformed change")
			return
		}
		if err := c.Message.Validate(); err != nil && c.Kind != ChangeRemoved {
			log.Debug().Err(err).Str("component", "chat_feed").Str("conversation_id", chatID).Msg("dropping malformed message")
			return
		}
		if c.Kind != ChangeRemoved && c.Message.CreatedAt.Before(since) {
			return
		}
		fn([]Change{c})
	}), nil
}

func (f *WatermillFeed) WatchTyping(ctx context.Context, chatID string, fn func([]string)) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	ch, err := f.sub.Subscribe(ctx, topicTyping+chatID)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "subscribe typing")
	}

	requery := func() {
		ids, err := f.source.typingUsers(ctx, chatID)
		if err != nil {
			log.Warn().Err(err).Str("component", "chat_feed").Str("conversation_id", chatID).Msg("typing requery failed")
			return
		}
		fn(ids)
	}
	requery()

	return f.consume(ctx, cancel, ch, chatID, func(*message.Message) { requery() }), nil
}

func (f *WatermillFeed) WatchChats(ctx context.Context, userID string, fn func([]Chat)) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	ch, err := f.sub.Subscribe(ctx, topicChats+userID)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "subscribe chats")
	}

	requery := func() {
		chats, err := f.source.chatsFor(ctx, userID)
		if err != nil {
			log.Warn().Err(err).Str("component", "chat_feed").Str("user_id", userID).Msg("chat list requery failed")
			return
		}
		fn(chats)
	}
	requery()

	return f.consume(ctx, cancel, ch, userID, func(*message.Message) { requery() }), nil
}

// consume runs handle for every delivery until the subscription ends.
// Unsubscribe waits for the consumer goroutine to exit.
func (f *WatermillFeed) consume(ctx context.Context, cancel context.CancelFunc, ch <-chan *message.Message, key string, handle func(*message.Message)) Subscription {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handle(msg)
				msg.Ack()
			}
		}
	}()

	return SubscriptionFunc(func() {
		cancel()
		wg.Wait()
		log.Trace().Str("component", "chat_feed").Str("key", key).Msg("subscription closed")
	})
}

// WatermillLogger adapts zerolog to watermill.LoggerAdapter
type WatermillLogger struct {
	logger zerolog.Logger
}

func NewWatermillLogger(logger zerolog.Logger) watermill.LoggerAdapter {
	return &WatermillLogger{logger: logger.With().Str("component", "watermill").Logger()}
}

func (l *WatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.logger.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (l *WatermillLogger) Info(msg string, fields watermill.LogFields) {
	l.logger.Info().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (l *WatermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (l *WatermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (l *WatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &WatermillLogger{logger: l.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}
