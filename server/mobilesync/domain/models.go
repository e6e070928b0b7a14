package domain

import (
	"encoding/json"
	"time"
)

// Persisted local keys.
const (
	KeyUser           = "user"
	KeyProjects       = "projects"
	KeyAlerts         = "alerts"
	KeyTasks          = "tasks"
	KeyChatMessages   = "chatMessages"
	KeyOfflineActions = "offlineActions"
	KeyOfflinePhotos  = "offlinePhotos"
)

type Session struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name,omitempty"`
	AuthToken string    `json:"auth_token"`
	LoggedIn  bool      `json:"logged_in"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired is false for tokens without an exp claim.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RecordKind string

const (
	KindProject RecordKind = "project"
	KindAlert   RecordKind = "alert"
	KindTask    RecordKind = "task"
)

// StoreKey maps a collection kind to its persisted key.
func (k RecordKind) StoreKey() string {
	switch k {
	case KindProject:
		return KeyProjects
	case KindAlert:
		return KeyAlerts
	case KindTask:
		return KeyTasks
	}
	return ""
}

type DomainRecord struct {
	ID           string          `json:"id"`
	Kind         RecordKind      `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	LastSyncedAt time.Time       `json:"last_synced_at"`
}

// Collection is the cached snapshot of one kind as last fetched from the server.
type Collection struct {
	Kind         RecordKind     `json:"kind"`
	LastSyncedAt time.Time      `json:"last_synced_at"`
	Records      []DomainRecord `json:"records"`
}

type ChatRole string

const (
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryAcked   DeliveryState = "acked"
	DeliveryFailed  DeliveryState = "failed"
)

type ChatMessage struct {
	ID            string        `json:"id"`
	Role          ChatRole      `json:"role"`
	Content       string        `json:"content"`
	CreatedAt     time.Time     `json:"created_at"`
	DeliveryState DeliveryState `json:"delivery_state"`
}

type AlertSource string

const (
	SourcePush    AlertSource = "push"
	SourceChannel AlertSource = "channel"
	SourceREST    AlertSource = "rest"
)

type AlertEvent struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Message    string      `json:"message"`
	Severity   string      `json:"severity"`
	ReceivedAt time.Time   `json:"received_at"`
	Source     AlertSource `json:"source"`
}

// QueueEntry wraps a queued item with its bookkeeping.
type QueueEntry[T any] struct {
	ID         string    `json:"id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	Item       T         `json:"item"`
}

type ActionKind string

const (
	ActionChatMessage ActionKind = "chat_message"
	ActionAlertAck    ActionKind = "alert_ack"
)

type Action struct {
	Kind    ActionKind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type Geo struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type PhotoUpload struct {
	LocalMediaRef string    `json:"local_media_ref"`
	Description   string    `json:"description"`
	Geolocation   *Geo      `json:"geolocation,omitempty"`
	CapturedAt    time.Time `json:"captured_at"`
}

type OfflineActionItem = QueueEntry[Action]
type OfflinePhotoItem = QueueEntry[PhotoUpload]

type ConnectionState string

const (
	ConnIdle       ConnectionState = "idle"
	ConnConnecting ConnectionState = "connecting"
	ConnOpen       ConnectionState = "open"
	ConnClosed     ConnectionState = "closed"
)
