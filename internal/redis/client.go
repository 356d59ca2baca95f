package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"upstand-realtime/internal/models"
)

// channelPrefix namespaces relay fan-out on Redis pub/sub.
const channelPrefix = "channel:"

type Client struct {
	rdb *redis.Client
	ctx context.Context
}

// NewClient connects to redisURL and verifies the connection with a PING.
func NewClient(ctx context.Context, redisURL string) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	slog.Info("[REDIS] Connected", "addr", opt.Addr, "db", opt.DB)

	return &Client{
		rdb: rdb,
		ctx: ctx,
	}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Publish relay events to Redis

func (c *Client) PublishPresence(channelId, userId, userName string, online bool) error {
	eventType := models.EventUserOffline
	if online {
		eventType = models.EventUserOnline
	}
	data := models.PresenceData{UserId: userId, UserName: userName, TeamId: teamOf(channelId)}
	return c.publish(eventType, channelId, data)
}

func (c *Client) PublishTyping(channelId, userId, userName string) error {
	data := models.TypingData{UserId: userId, UserName: userName, TeamId: teamOf(channelId)}
	return c.publish(models.EventUserTyping, channelId, data)
}

func (c *Client) PublishActivity(channelId string, activity models.ActivityData) error {
	return c.publish(models.EventActivityUpdate, channelId, activity)
}

// PublishEnvelope fans out a frame that was already built, such as a
// relayed standup_submitted.
func (c *Client) PublishEnvelope(env models.Envelope) error {
	return c.publishEvent(env)
}

func (c *Client) publish(t models.EventType, channelId string, data any) error {
	env, err := models.NewEnvelope(t, channelId, data, time.Now())
	if err != nil {
		slog.Error("[REDIS] Failed to build event", "type", t, "channel", channelId, "error", err)
		return err
	}
	return c.publishEvent(env)
}

func (c *Client) publishEvent(env models.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		slog.Error("[REDIS] Failed to marshal event", "type", env.Type, "channel", env.ChannelId, "error", err)
		return err
	}

	channel := channelPrefix + env.ChannelId
	if err := c.rdb.Publish(c.ctx, channel, payload).Err(); err != nil {
		slog.Error("[REDIS] Failed to publish event", "type", env.Type, "channel", channel, "error", err)
		return err
	}

	return nil
}

// teamOf returns the team id of a "team:<id>" channel.
func teamOf(channelId string) string {
	const prefix = "team:"
	if len(channelId) > len(prefix) && channelId[:len(prefix)] == prefix {
		return channelId[len(prefix):]
	}
	return ""
}
