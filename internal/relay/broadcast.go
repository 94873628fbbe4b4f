package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultStopChannel is the pub/sub channel stop requests travel on.
const DefaultStopChannel = "stop_generate_sub_pub"

// StopBroadcaster fans stop requests out to every instance through Redis.
// Each instance records the flag in its local store when the message
// arrives, so the relay holding the stream observes it on its next poll.
type StopBroadcaster struct {
	client  *redis.Client
	channel string
	local   StopSignals
	logger  *zap.Logger
	ready   atomic.Bool
}

// NewStopBroadcaster creates a broadcaster publishing on channel
func NewStopBroadcaster(client *redis.Client, channel string, local StopSignals, logger *zap.Logger) *StopBroadcaster {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultStopChannel
	}
	return &StopBroadcaster{
		client:  client,
		channel: channel,
		local:   local,
		logger:  logger,
	}
}

// Ready reports whether this instance is currently subscribed to the stop
// channel.
func (b *StopBroadcaster) Ready() bool {
	return b.ready.Load()
}

// RequestStop publishes streamID. The local flag is set by the subscriber,
// including on the publishing instance; while this instance is not
// subscribed it is set directly.
func (b *StopBroadcaster) RequestStop(ctx context.Context, streamID string) error {
	if streamID == "" {
		return errors.New("stream id is required")
	}
	if !b.ready.Load() {
		b.local.RequestStop(streamID)
		b.logger.Warn("Stop subscriber not running, stop set locally", zap.String("stream_id", streamID))
	}
	if err := b.client.Publish(ctx, b.channel, streamID).Err(); err != nil {
		return fmt.Errorf("publish stop signal: %w", err)
	}
	return nil
}

// Run subscribes to the stop channel until ctx is done.
func (b *StopBroadcaster) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// Receive blocks until the subscription is confirmed.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.ready.Store(true)
	defer b.ready.Store(false)
	b.logger.Info("Subscribed to stop channel", zap.String("channel", b.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			streamID := strings.TrimSpace(msg.Payload)
			if streamID == "" {
				continue
			}
			b.local.RequestStop(streamID)
			b.logger.Info("Stop signal received", zap.String("stream_id", streamID))
		}
	}
}
