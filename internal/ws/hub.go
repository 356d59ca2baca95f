package ws

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"upstand-realtime/internal/auth"
	"upstand-realtime/internal/livequery"
	"upstand-realtime/internal/metrics"
	"upstand-realtime/internal/models"
)

// DefaultBacklog is the number of recent events kept per channel for
// polling clients.
const DefaultBacklog = 256

// Publisher fans relay events out to every relay instance. The Redis client
// implements it; without Redis the hub delivers to itself.
type Publisher interface {
	PublishPresence(channelId, userId, userName string, online bool) error
	PublishTyping(channelId, userId, userName string) error
	PublishActivity(channelId string, activity models.ActivityData) error
	PublishEnvelope(env models.Envelope) error
}

// TokenValidator verifies bearer tokens. *auth.Validator implements it.
type TokenValidator interface {
	ValidateToken(token string) (*auth.KindeClaims, error)
}

type Options struct {
	Validator TokenValidator
	// Publisher defaults to local delivery.
	Publisher Publisher
	// Activity records user-activity frames as activity documents. Optional.
	Activity livequery.Writer
	// Backlog is the per channel ring size served to /poll.
	Backlog int
	// MaxPollWait caps the wait a poller may request.
	MaxPollWait time.Duration
	Metrics     *metrics.Metrics
}

// Hub maintains active WebSocket connections and broadcasts messages
type Hub struct {
	// Map: channelId -> Set of clients
	channels map[string]map[*Client]bool
	mu       sync.RWMutex

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	validator   TokenValidator
	publisher   Publisher
	activity    livequery.Writer
	backlog     *Backlog
	maxPollWait time.Duration
	metrics     *metrics.Metrics
}

func NewHub(opts Options) *Hub {
	if opts.Backlog <= 0 {
		opts.Backlog = DefaultBacklog
	}
	if opts.MaxPollWait <= 0 {
		opts.MaxPollWait = 30 * time.Second
	}
	h := &Hub{
		channels:    make(map[string]map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		done:        make(chan struct{}),
		validator:   opts.Validator,
		publisher:   opts.Publisher,
		activity:    opts.Activity,
		backlog:     NewBacklog(opts.Backlog),
		maxPollWait: opts.MaxPollWait,
		metrics:     opts.Metrics,
	}
	if h.publisher == nil {
		h.publisher = localPublisher{hub: h}
	}
	return h
}

// Run serves register and unregister requests until ctx is cancelled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	slog.Info("[HUB] Starting hub event loop")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			slog.Info("[HUB] Hub stopped")
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	client.registered = true
	h.mu.Unlock()

	h.metrics.RelayConnection("websocket", 1)
	slog.Info("[HUB] Client registered", "user", client.userId, "userName", client.userName)

	if payload, err := frame(models.EventConnected, "", map[string]string{"userId": client.userId}); err == nil {
		h.sendTo(client, payload)
	}
	for _, channelId := range client.initial {
		h.join(client, channelId)
	}
}

func (h *Hub) unregisterClient(client *Client) {
	left, ok := h.removeClient(client)
	if !ok {
		return
	}
	h.metrics.RelayConnection("websocket", -1)
	slog.Info("[HUB] Client unregistered", "user", client.userId, "channels", len(left))

	for _, channelId := range left {
		if isTeamChannel(channelId) && !h.hasUser(channelId, client.userId) {
			h.publishPresence(channelId, client.userId, client.userName, false)
		}
	}
}

// removeClient detaches client from every channel and closes its send
// queue. It reports false when the client was already gone.
func (h *Hub) removeClient(client *Client) ([]string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !client.registered {
		return nil, false
	}
	client.registered = false

	left := make([]string, 0, len(client.channels))
	for channelId := range client.channels {
		h.deleteMemberLocked(channelId, client)
		left = append(left, channelId)
	}
	client.channels = nil
	close(client.send)
	sort.Strings(left)
	return left, true
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make(map[*Client]bool)
	for _, members := range h.channels {
		for c := range members {
			clients[c] = true
		}
	}
	h.mu.RUnlock()

	for c := range clients {
		h.unregisterClient(c)
	}
}

// join adds client to channelId. Joining a team channel sends the client
// the current roster and announces the user to the others.
func (h *Hub) join(client *Client, channelId string) {
	h.mu.Lock()
	if !client.registered || client.channels[channelId] {
		h.mu.Unlock()
		return
	}
	if h.channels[channelId] == nil {
		slog.Debug("[HUB] Creating new channel", "channel", channelId)
		h.channels[channelId] = make(map[*Client]bool)
	}
	alreadyPresent := h.hasUserLocked(channelId, client.userId)
	h.channels[channelId][client] = true
	client.channels[channelId] = true
	roster := h.membersLocked(channelId, client.userId)
	count := len(h.channels[channelId])
	h.mu.Unlock()

	slog.Info("[HUB] Client joined channel", "user", client.userId, "channel", channelId, "clients", count)

	if !isTeamChannel(channelId) {
		return
	}
	for _, member := range roster {
		if payload, err := frame(models.EventUserOnline, channelId, member); err == nil {
			h.sendTo(client, payload)
		}
	}
	if !alreadyPresent {
		h.publishPresence(channelId, client.userId, client.userName, true)
	}
}

func (h *Hub) leave(client *Client, channelId string) {
	h.mu.Lock()
	if !client.channels[channelId] {
		h.mu.Unlock()
		return
	}
	delete(client.channels, channelId)
	h.deleteMemberLocked(channelId, client)
	stillPresent := h.hasUserLocked(channelId, client.userId)
	h.mu.Unlock()

	slog.Info("[HUB] Client left channel", "user", client.userId, "channel", channelId)
	if isTeamChannel(channelId) && !stillPresent {
		h.publishPresence(channelId, client.userId, client.userName, false)
	}
}

func (h *Hub) deleteMemberLocked(channelId string, client *Client) {
	members, ok := h.channels[channelId]
	if !ok {
		return
	}
	delete(members, client)
	if len(members) == 0 {
		slog.Debug("[HUB] Channel is now empty, removing from hub", "channel", channelId)
		delete(h.channels, channelId)
	}
}

// Deliver records msg for pollers and writes it to every WebSocket client
// in its channel. Clients whose queue is full are disconnected.
func (h *Hub) Deliver(msg *models.BroadcastMessage) {
	h.backlog.Append(msg.ChannelId, msg.Payload)

	var slow []*Client
	h.mu.RLock()
	clients := h.channels[msg.ChannelId]
	for client := range clients {
		select {
		case client.send <- msg.Payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	slog.Debug("[HUB] Broadcast complete", "channel", msg.ChannelId, "sent", len(clients)-len(slow), "failed", len(slow))
	for _, client := range slow {
		slog.Warn("[HUB] Client buffer full, disconnecting", "user", client.userId, "channel", msg.ChannelId)
		h.unregisterClient(client)
	}
}

// sendTo queues payload for a single client.
func (h *Hub) sendTo(client *Client, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !client.registered {
		return false
	}
	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

// GetChannelUsers returns the distinct users connected to a channel.
func (h *Hub) GetChannelUsers(channelId string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]bool)
	users := []string{}
	for client := range h.channels[channelId] {
		if !seen[client.userId] {
			seen[client.userId] = true
			users = append(users, client.userId)
		}
	}
	sort.Strings(users)
	return users
}

func (h *Hub) hasUser(channelId, userId string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hasUserLocked(channelId, userId)
}

func (h *Hub) hasUserLocked(channelId, userId string) bool {
	for client := range h.channels[channelId] {
		if client.userId == userId {
			return true
		}
	}
	return false
}

// membersLocked lists the users in channelId other than exclude.
func (h *Hub) membersLocked(channelId, exclude string) []models.PresenceData {
	team := strings.TrimPrefix(channelId, "team:")
	seen := map[string]bool{exclude: true}
	var out []models.PresenceData
	for client := range h.channels[channelId] {
		if seen[client.userId] {
			continue
		}
		seen[client.userId] = true
		out = append(out, models.PresenceData{UserId: client.userId, UserName: client.userName, TeamId: team})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserId < out[j].UserId })
	return out
}

func (h *Hub) publishPresence(channelId, userId, userName string, online bool) {
	if err := h.publisher.PublishPresence(channelId, userId, userName, online); err != nil {
		slog.Error("[HUB] Error publishing presence", "user", userId, "channel", channelId, "online", online, "error", err)
	}
}

func isTeamChannel(channelId string) bool {
	return strings.HasPrefix(channelId, "team:")
}

func frame(t models.EventType, channelId string, data any) ([]byte, error) {
	env, err := models.NewEnvelope(t, channelId, data, time.Now())
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// localPublisher delivers straight to its own hub for single-instance
// deployments.
type localPublisher struct {
	hub *Hub
}

func (p localPublisher) PublishPresence(channelId, userId, userName string, online bool) error {
	t := models.EventUserOffline
	if online {
		t = models.EventUserOnline
	}
	return p.publish(t, channelId, models.PresenceData{UserId: userId, UserName: userName, TeamId: strings.TrimPrefix(channelId, "team:")})
}

func (p localPublisher) PublishTyping(channelId, userId, userName string) error {
	return p.publish(models.EventUserTyping, channelId, models.TypingData{UserId: userId, UserName: userName, TeamId: strings.TrimPrefix(channelId, "team:")})
}

func (p localPublisher) PublishActivity(channelId string, activity models.ActivityData) error {
	return p.publish(models.EventActivityUpdate, channelId, activity)
}

func (p localPublisher) PublishEnvelope(env models.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	p.hub.Deliver(&models.BroadcastMessage{ChannelId: env.ChannelId, Payload: payload})
	return nil
}

func (p localPublisher) publish(t models.EventType, channelId string, data any) error {
	env, err := models.NewEnvelope(t, channelId, data, time.Now())
	if err != nil {
		return err
	}
	return p.PublishEnvelope(env)
}
