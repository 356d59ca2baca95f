package redis

import (
	"context"
	"log/slog"

	"upstand-realtime/internal/models"
	"upstand-realtime/internal/ws"
)

// SubscribeToEvents forwards every relay event published by any instance
// to the local hub until ctx is cancelled.
func SubscribeToEvents(ctx context.Context, client *Client, hub *ws.Hub) {
	slog.Info("[REDIS] Starting Redis pub/sub subscription...")

	pubsub := client.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		slog.Error("[REDIS] Failed to receive subscription confirmation", "error", err)
		return
	}

	slog.Info("[REDIS] Subscription confirmed, listening for messages...", "pattern", channelPrefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			slog.Info("[REDIS] Subscription stopped")
			return
		case msg, ok := <-ch:
			if !ok {
				slog.Info("[REDIS] Redis pub/sub channel closed")
				return
			}
			broadcast, err := toBroadcast(msg.Payload)
			if err != nil {
				slog.Error("[REDIS] Error unmarshaling event", "channel", msg.Channel, "error", err)
				continue
			}
			hub.Deliver(broadcast)
		}
	}
}

func toBroadcast(payload string) (*models.BroadcastMessage, error) {
	env, err := models.ParseEnvelope([]byte(payload))
	if err != nil {
		return nil, err
	}
	return &models.BroadcastMessage{
		ChannelId: env.ChannelId,
		Payload:   []byte(payload),
	}, nil
}
