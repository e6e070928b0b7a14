package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	commonlog "fieldsync/server/common/log"
	mobile "fieldsync/server/mobilesync/domain"
)

type WSClient struct {
	UserID   string
	ClientID string
	Conn     *websocket.Conn
	mu       sync.Mutex
}

func NewWSClient(userID string, conn *websocket.Conn) *WSClient {
	return &WSClient{UserID: userID, ClientID: uuid.NewString(), Conn: conn}
}

func (c *WSClient) WriteJSON(payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.Conn.WriteJSON(payload)
}

// Hub tracks the mobile channels per user. With redis attached, every dispatch
// goes through pub/sub so that all backend instances deliver to their own clients.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[string]*WSClient
	redis     *redis.Client
	redisSub  *redis.PubSub
	subCancel context.CancelFunc

	fixtures *Fixtures
}

const mobileEventsChannel = "fieldsync:mobile:events"

const (
	hubNotifyUser = "notify_user"
	hubBroadcast  = "broadcast"
)

type hubEvent struct {
	Kind    string          `json:"kind"`
	UserID  string          `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func NewHub(fixtures *Fixtures) *Hub {
	return &Hub{clients: map[string]map[string]*WSClient{}, fixtures: fixtures}
}

func (h *Hub) UseRedis(client *redis.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redis = client
}

func (h *Hub) StartRedisSubscriber(ctx context.Context) error {
	h.mu.Lock()
	if h.redis == nil {
		h.mu.Unlock()
		return errors.New("redis client is nil")
	}
	if h.redisSub != nil {
		h.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := h.redis.Subscribe(subCtx, mobileEventsChannel)
	h.redisSub = sub
	h.subCancel = cancel
	h.mu.Unlock()

	go h.consumeEvents(subCtx, sub)
	return nil
}

func (h *Hub) StopRedisSubscriber() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subCancel != nil {
		h.subCancel()
		h.subCancel = nil
	}
	if h.redisSub != nil {
		_ = h.redisSub.Close()
		h.redisSub = nil
	}
}

func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.UserID]; !ok {
		h.clients[client.UserID] = map[string]*WSClient{}
	}
	h.clients[client.UserID][client.ClientID] = client
	commonlog.Infof("event=mobile_hub action=register user_id=%s client_id=%s", client.UserID, client.ClientID)
}

func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	if sessions, ok := h.clients[client.UserID]; ok {
		delete(sessions, client.ClientID)
		if len(sessions) == 0 {
			delete(h.clients, client.UserID)
		}
	}
	h.mu.Unlock()
	_ = client.Conn.Close()
	commonlog.Infof("event=mobile_hub action=unregister user_id=%s client_id=%s", client.UserID, client.ClientID)
}

func (h *Hub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// NotifyUser sends env to every channel of userID and returns the local fanout.
func (h *Hub) NotifyUser(userID string, env mobile.Envelope) int {
	if h.publish(hubEvent{Kind: hubNotifyUser, UserID: userID}, env) {
		return h.ClientCount(userID)
	}
	return h.notifyUserLocal(userID, env)
}

func (h *Hub) Broadcast(env mobile.Envelope) int {
	if h.publish(hubEvent{Kind: hubBroadcast}, env) {
		return h.sessionCount()
	}
	return h.broadcastLocal(env)
}

func (h *Hub) notifyUserLocal(userID string, env mobile.Envelope) int {
	h.mu.RLock()
	targets := make([]*WSClient, 0, len(h.clients[userID]))
	for _, client := range h.clients[userID] {
		targets = append(targets, client)
	}
	h.mu.RUnlock()
	return writeAll(targets, env)
}

func (h *Hub) broadcastLocal(env mobile.Envelope) int {
	h.mu.RLock()
	var targets []*WSClient
	for _, sessions := range h.clients {
		for _, client := range sessions {
			targets = append(targets, client)
		}
	}
	h.mu.RUnlock()
	return writeAll(targets, env)
}

func writeAll(targets []*WSClient, env mobile.Envelope) int {
	count := 0
	for _, client := range targets {
		if err := client.WriteJSON(env); err != nil {
			commonlog.Warnf("event=mobile_hub action=write status=failed user_id=%s type=%s error=%v", client.UserID, env.Type, err)
			continue
		}
		count++
	}
	return count
}

func (h *Hub) sessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, sessions := range h.clients {
		count += len(sessions)
	}
	return count
}

func (h *Hub) publish(event hubEvent, env mobile.Envelope) bool {
	h.mu.RLock()
	redisClient := h.redis
	h.mu.RUnlock()
	if redisClient == nil {
		return false
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return false
	}
	event.Payload = raw
	b, err := json.Marshal(event)
	if err != nil {
		return false
	}
	if err := redisClient.Publish(context.Background(), mobileEventsChannel, b).Err(); err != nil {
		commonlog.Warnf("event=mobile_hub action=publish status=failed kind=%s error=%v", event.Kind, err)
		return false
	}
	commonlog.Debugf("event=mobile_hub action=publish status=ok kind=%s user_id=%s", event.Kind, event.UserID)
	return true
}

func (h *Hub) consumeEvents(ctx context.Context, sub *redis.PubSub) {
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		var event hubEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			continue
		}
		var env mobile.Envelope
		if err := json.Unmarshal(event.Payload, &env); err != nil {
			continue
		}
		switch event.Kind {
		case hubNotifyUser:
			n := h.notifyUserLocal(event.UserID, env)
			commonlog.Debugf("event=mobile_hub action=consume status=ok kind=%s user_id=%s fanout_count=%d", event.Kind, event.UserID, n)
		case hubBroadcast:
			n := h.broadcastLocal(env)
			commonlog.Debugf("event=mobile_hub action=consume status=ok kind=%s fanout_count=%d", event.Kind, n)
		}
	}
}

// HandleInbound processes one client frame. chat_message is answered on the
// same channel with a chat_response; alert_ack is recorded against the alert.
func (h *Hub) HandleInbound(client *WSClient, frame []byte) error {
	var env mobile.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	switch env.Type {
	case mobile.MsgChatMessage:
		var msg mobile.ChatMessagePayload
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return fmt.Errorf("decode chat_message: %w", err)
		}
		reply, err := mobile.NewEnvelope(mobile.MsgChatResponse, mobile.ChatResponsePayload{Message: h.answer(msg.Message)})
		if err != nil {
			return err
		}
		commonlog.Infof("event=mobile_hub action=chat user_id=%s chars=%d", client.UserID, len(msg.Message))
		return client.WriteJSON(reply)
	case mobile.MsgAlertAck:
		var ack mobile.AlertAckPayload
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			return fmt.Errorf("decode alert_ack: %w", err)
		}
		if err := h.fixtures.AckAlert(ack.AlertID, client.UserID); err != nil {
			commonlog.Warnf("event=mobile_hub action=alert_ack status=failed alert_id=%s user_id=%s error=%v", ack.AlertID, client.UserID, err)
			return nil
		}
		commonlog.Infof("event=mobile_hub action=alert_ack status=ok alert_id=%s user_id=%s", ack.AlertID, client.UserID)
		return nil
	}
	commonlog.Debugf("event=mobile_hub action=inbound status=ignored type=%s user_id=%s", env.Type, client.UserID)
	return nil
}

func (h *Hub) answer(question string) string {
	open := h.fixtures.OpenTaskCount()
	return fmt.Sprintf("%d open actions across %d projects (re: %q)", open, len(h.fixtures.Projects()), question)
}
