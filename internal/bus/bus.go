// Package bus is the message bus subsystem: commands with target
// "message_bus" publish to Redis Streams, one stream per topic.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/grace/internal/command"
	"github.com/nidhogg/grace/internal/dispatch"
	"github.com/nidhogg/grace/internal/schema"
)

const (
	streamPrefix = "grace:topic:"
	// maxLen caps each topic stream (approximate trimming).
	maxLen = 10000
)

// Message is one bus entry.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Topic     string    `json:"topic"`
	Body      string    `json:"message"`
	SessionID string    `json:"session_id,omitempty"`
	CommandID string    `json:"command_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus publishes and reads topic messages via Redis Streams.
type Bus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, redisURL string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, logger: logger}, nil
}

func validTopic(topic string) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if strings.ContainsAny(topic, " \t\r\n") {
		return fmt.Errorf("invalid topic %q", topic)
	}
	return nil
}

// Publish appends msg to its topic stream and returns the stream entry ID.
func (b *Bus) Publish(ctx context.Context, msg *Message) (string, error) {
	if err := validTopic(msg.Topic); err != nil {
		return "", err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	stream := streamPrefix + msg.Topic
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", stream, err)
	}

	b.logger.Debug("published message",
		zap.String("topic", msg.Topic),
		zap.String("session", msg.SessionID),
		zap.String("stream_id", id))
	return id, nil
}

// Subscribe reads a topic stream starting after from ("$" for new
// entries only, "0" for the whole stream). Cancel ctx to stop; the
// channel is closed when the reader exits.
func (b *Bus) Subscribe(ctx context.Context, topic, from string) <-chan *Message {
	ch := make(chan *Message, 16)
	stream := streamPrefix + topic
	if from == "" {
		from = "$"
	}

	go func() {
		defer close(ch)
		lastID := from

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Warn("bus read failed", zap.String("topic", topic), zap.Error(err))
				}
				continue
			}

			for _, r := range results {
				for _, entry := range r.Messages {
					lastID = entry.ID
					data, ok := entry.Values["data"].(string)
					if !ok {
						continue
					}
					var msg Message
					if json.Unmarshal([]byte(data), &msg) != nil {
						continue
					}
					msg.ID = entry.ID
					select {
					case ch <- &msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Handle implements dispatch.Handler.
func (b *Bus) Handle(ctx context.Context, sessionID string, cmd command.Command) (*command.Result, error) {
	topic, _ := cmd.Payload["topic"].(string)
	msg := &Message{
		Topic:     topic,
		Body:      messageText(cmd.Payload["message"]),
		SessionID: sessionID,
		CommandID: cmd.ID,
	}
	id, err := b.Publish(ctx, msg)
	if err != nil {
		return nil, err
	}
	return &command.Result{
		Status: command.StatusSuccess,
		Data:   map[string]string{"topic": topic, "stream_id": id},
	}, nil
}

// messageText accepts a string or any JSON value.
func messageText(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// Schema is the payload schema for the message bus target.
func Schema() schema.PayloadSchema {
	return schema.PayloadSchema{
		Required: []string{"topic", "message"},
		Properties: map[string]schema.FieldType{
			"topic":   schema.TypeString,
			"message": schema.TypeAny,
		},
	}
}

// Registration describes the bus to the dispatcher. Publishes to
// different topics do not depend on each other.
func (b *Bus) Registration(timeout time.Duration) dispatch.Registration {
	return dispatch.Registration{
		Target:      command.TargetMessageBus,
		Handler:     b,
		Schema:      Schema(),
		Concurrent:  true,
		Timeout:     timeout,
		Description: "publish to a topic",
	}
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
