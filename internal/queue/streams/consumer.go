package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Consumer reads envelopes from Redis Streams through a consumer group.
// Entries that cannot be decoded or fail schema validation are logged,
// counted, and acknowledged away so a poison message cannot wedge the
// group.
type Consumer struct {
	client   *redis.Client
	registry *SchemaRegistry
	group    string
	name     string
	logger   *log.Logger
}

// ConsumerOption configures consumer behaviour on read.
type ConsumerOption func(*redis.XReadGroupArgs)

// WithBlock sets the maximum blocking duration when reading.
func WithBlock(d time.Duration) ConsumerOption {
	return func(args *redis.XReadGroupArgs) {
		if d > 0 {
			args.Block = d
		}
	}
}

// WithCount caps the number of messages returned in a single read.
func WithCount(n int64) ConsumerOption {
	return func(args *redis.XReadGroupArgs) {
		if n > 0 {
			args.Count = n
		}
	}
}

// NewConsumer builds a consumer for the specified group and name.
func NewConsumer(client *redis.Client, registry *SchemaRegistry, group, name string) *Consumer {
	return &Consumer{
		client:   client,
		registry: registry,
		group:    group,
		name:     name,
		logger:   log.New(log.Writer(), "[STREAMS] ", log.LstdFlags),
	}
}

// EnsureGroup creates the consumer group if it does not exist.
func EnsureGroup(ctx context.Context, client *redis.Client, stream, group string) error {
	if stream == "" || group == "" {
		return fmt.Errorf("stream and group must be provided")
	}
	if err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err(); err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}

// Message represents a consumed stream entry.
type Message struct {
	ID       string
	Envelope Envelope
}

// Read pulls new messages from the stream for this group and consumer.
func (c *Consumer) Read(ctx context.Context, stream string, opts ...ConsumerOption) ([]Message, error) {
	if err := c.check(stream); err != nil {
		return nil, err
	}

	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{stream, ">"},
	}
	for _, opt := range opts {
		opt(args)
	}

	streams, err := c.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var out []Message
	for _, st := range streams {
		out = c.accept(ctx, stream, st.Messages, out)
	}
	return out, nil
}

// Ack acknowledges processing of the provided message IDs.
func (c *Consumer) Ack(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// LagMetrics returns lag details for the configured consumer group.
func (c *Consumer) LagMetrics(ctx context.Context, stream string) (LagMetrics, error) {
	return GroupLag(ctx, c.client, stream, c.group)
}

// AutoClaim reclaims pending messages older than minIdle and assigns them
// to this consumer, so work owned by a crashed worker gets picked up. The
// returned next ID continues the scan.
func (c *Consumer) AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]Message, string, error) {
	if err := c.check(stream); err != nil {
		return nil, "", err
	}
	args := &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  minIdle,
		Start:    start,
	}
	if count > 0 {
		args.Count = count
	}
	msgs, next, err := c.client.XAutoClaim(ctx, args).Result()
	if err != nil {
		return nil, "", fmt.Errorf("xautoclaim: %w", err)
	}
	return c.accept(ctx, stream, msgs, nil), next, nil
}

func (c *Consumer) check(stream string) error {
	if stream == "" {
		return fmt.Errorf("stream name is required")
	}
	if c.group == "" || c.name == "" {
		return fmt.Errorf("consumer group and name must be configured")
	}
	return nil
}

// accept decodes a batch of raw entries, appending the good ones to out.
// Bad entries are discarded: acked immediately so redelivery cannot loop
// on them, with the reason logged and counted.
func (c *Consumer) accept(ctx context.Context, stream string, msgs []redis.XMessage, out []Message) []Message {
	for _, msg := range msgs {
		env, reason, err := c.decode(msg)
		if err != nil {
			c.logger.Printf("warn: discarding entry %s from %s (%s): %v", msg.ID, stream, reason, err)
			if ackErr := c.client.XAck(ctx, stream, c.group, msg.ID).Err(); ackErr != nil {
				c.logger.Printf("warn: ack of discarded entry %s failed: %v", msg.ID, ackErr)
			}
			recordDiscard(ctx, stream, reason)
			continue
		}
		out = append(out, Message{ID: msg.ID, Envelope: env})
	}
	return out
}

func (c *Consumer) decode(msg redis.XMessage) (Envelope, string, error) {
	raw, ok := msg.Values["envelope"]
	if !ok {
		return Envelope{}, "missing-envelope", fmt.Errorf("entry has no envelope field")
	}

	var payload []byte
	switch v := raw.(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return Envelope{}, "encoding", err
		}
		payload = data
	}

	env, err := UnmarshalEnvelope(payload)
	if err != nil {
		return Envelope{}, "decode", err
	}
	if c.registry != nil {
		if err := c.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return Envelope{}, "schema", err
		}
	}
	return env, "", nil
}
