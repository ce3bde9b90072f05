package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Transport is the publisher/subscriber pair the stream hub runs on.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	settings Settings
	client   redis.UniversalClient
}

// Build constructs a Redis Streams transport when s.Enabled is set and an
// in-memory gochannel otherwise.
func Build(s Settings, logger watermill.LoggerAdapter) (*Transport, error) {
	if !s.Enabled {
		buf := s.Buffer
		if buf <= 0 {
			buf = DefaultSettings().Buffer
		}
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: buf,
			// gochannel fans messages out on separate goroutines; waiting for
			// the ack is what keeps frames of one topic in publish order.
			BlockPublishUntilSubscriberAck: true,
		}, logger)
		return &Transport{Publisher: ch, Subscriber: ch, settings: s}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr, Password: s.Password})
	return BuildWithClient(s, client, logger)
}

// BuildWithClient is Build for an existing Redis client. The transport owns
// the client and closes it on Close.
func BuildWithClient(s Settings, client redis.UniversalClient, logger watermill.LoggerAdapter) (*Transport, error) {
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "redis stream publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, errors.Wrap(err, "redis stream subscriber")
	}

	s.Enabled = true
	return &Transport{Publisher: pub, Subscriber: sub, settings: s, client: client}, nil
}

// Redis reports whether frames go through Redis Streams.
func (t *Transport) Redis() bool { return t.client != nil }

// Prepare readies a topic before its first subscription. For Redis Streams it
// creates the consumer group at the tail so a new reader does not replay the
// stream's history; the relay replays from the room store instead.
func (t *Transport) Prepare(ctx context.Context, topic string) error {
	if t.client == nil {
		return nil
	}
	return EnsureGroupAtTail(ctx, t.client, topic, t.settings.Group)
}

func (t *Transport) Close() error {
	var firstErr error
	if err := t.Publisher.Close(); err != nil {
		firstErr = err
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		if err := t.Subscriber.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.client != nil {
		if err := t.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Debug().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
