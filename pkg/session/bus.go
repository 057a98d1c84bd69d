// Package session ties one chat surface together: it starts turns,
// drives the frame dispatcher, feeds the live event channel, keeps the
// durable recovery state, and publishes UI notifications on a message
// bus.
package session

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TurnTopic and EventTopic name the per-surface bus topics.
func TurnTopic(surface string) string  { return "turns:" + surface }
func EventTopic(surface string) string { return "events:" + surface }

// Bus is the notification fabric between the protocol engine and UI
// consumers. The default backend is an in-process channel; Redis Streams
// back it when several processes share one surface.
type Bus struct {
	pub message.Publisher
	sub message.Subscriber
}

// NewChannelBus builds an in-process bus.
func NewChannelBus() *Bus {
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, NewWatermillLogger(log.Logger))
	return &Bus{pub: ch, sub: ch}
}

// RedisSettings configure the Redis Streams bus backend.
type RedisSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

// NewRedisBus builds a bus on Redis Streams with a consumer group, so a
// restarted process resumes where its group left off.
func NewRedisBus(s RedisSettings) (*Bus, error) {
	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("bus: redis addr is empty")
	}
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := NewWatermillLogger(log.Logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     rdb,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "bus: redis publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        rdb,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, errors.Wrap(err, "bus: redis subscriber")
	}
	return &Bus{pub: pub, sub: sub}, nil
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail
// ($) if it does not exist, so a fresh group never replays the full
// stream history. An already existing group is not an error.
func EnsureGroupAtTail(ctx context.Context, addr, stream, group string) error {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = rdb.Close() }()
	err := rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// Publish marshals payload as JSON onto the topic. Failures are logged
// and swallowed; the bus is a notification path, not a source of truth.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil || b.pub == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Debug().Str("component", "session").Err(err).Str("topic", topic).Msg("bus payload marshal failed")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), raw)
	if err := b.pub.Publish(topic, msg); err != nil {
		log.Debug().Str("component", "session").Err(err).Str("topic", topic).Msg("bus publish failed")
	}
}

// Subscribe returns the raw message stream for a topic.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if b == nil || b.sub == nil {
		return nil, errors.New("bus is not initialized")
	}
	return b.sub.Subscribe(ctx, topic)
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var firstErr error
	if b.pub != nil {
		if err := b.pub.Close(); err != nil {
			firstErr = err
		}
	}
	if b.sub != nil && any(b.sub) != any(b.pub) {
		if err := b.sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// watermillLogger adapts zerolog to watermill's logging interface.
type watermillLogger struct {
	l zerolog.Logger
}

func NewWatermillLogger(l zerolog.Logger) watermill.LoggerAdapter {
	return watermillLogger{l: l.With().Str("component", "watermill").Logger()}
}

func (w watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.event(w.l.Error().Err(err), fields).Msg(msg)
}

func (w watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.event(w.l.Debug(), fields).Msg(msg)
}

func (w watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.event(w.l.Debug(), fields).Msg(msg)
}

func (w watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.event(w.l.Trace(), fields).Msg(msg)
}

func (w watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	ctx := w.l.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return watermillLogger{l: ctx.Logger()}
}

func (w watermillLogger) event(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	return e
}
