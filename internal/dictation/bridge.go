package dictation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const (
	transcriptChannel = "dictation:%s:transcripts"

	subscriberBuffer = 64
)

// Bridge carries session events over Redis pub/sub so any replica can serve a
// session's event stream.
type Bridge struct {
	redis  *redis.Client
	logger *slog.Logger
}

func NewBridge(redisClient *redis.Client, logger *slog.Logger) *Bridge {
	return &Bridge{
		redis:  redisClient,
		logger: logger.With("component", "bridge"),
	}
}

func (b *Bridge) Publish(ctx context.Context, ev Event) error {
	channel := fmt.Sprintf(transcriptChannel, ev.SessionID)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := b.redis.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	b.logger.Debug("published event", "session_id", ev.SessionID, "type", ev.Type)
	return nil
}

// Subscribe returns the events of one session. The subscription is confirmed
// before Subscribe returns. The channel closes after session_end, when ctx is
// done, or when the subscription fails.
func (b *Bridge) Subscribe(ctx context.Context, sessionID string) (<-chan Event, error) {
	channel := fmt.Sprintf(transcriptChannel, sessionID)
	pubsub := b.redis.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	b.logger.Debug("subscribed to session events", "session_id", sessionID, "channel", channel)

	// ReceiveMessage blocks on the socket regardless of ctx; closing the
	// subscription is what unblocks it.
	release := context.AfterFunc(ctx, func() { _ = pubsub.Close() })

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		defer func() {
			if release() {
				_ = pubsub.Close()
			}
		}()

		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Error("receive session event", "error", err, "session_id", sessionID)
				}
				return
			}

			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Error("unmarshal session event", "error", err, "session_id", sessionID)
				continue
			}

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type == EventSessionEnd {
				return
			}
		}
	}()
	return out, nil
}

func (b *Bridge) Ping(ctx context.Context) error {
	return b.redis.Ping(ctx).Err()
}
