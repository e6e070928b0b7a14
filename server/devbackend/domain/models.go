package domain

import "time"

type UserRole string

const (
	RoleField      UserRole = "field"
	RoleDispatcher UserRole = "dispatcher"
)

type User struct {
	ID           string   `json:"id"`
	Email        string   `json:"email"`
	Name         string   `json:"name"`
	Role         UserRole `json:"role"`
	PasswordHash string   `json:"-"`
}

type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectOnHold   ProjectStatus = "on_hold"
	ProjectFinished ProjectStatus = "finished"
)

type Project struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Address   string        `json:"address"`
	Status    ProjectStatus `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type Task struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	Assignee  string    `json:"assignee,omitempty"`
	Done      bool      `json:"done"`
	DueAt     time.Time `json:"due_at"`
}

type Alert struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
	AckedBy   []string  `json:"acked_by,omitempty"`
}

type Photo struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	ObjectKey   string    `json:"object_key"`
	ThumbKey    string    `json:"thumb_key,omitempty"`
	Description string    `json:"description"`
	Latitude    *float64  `json:"latitude,omitempty"`
	Longitude   *float64  `json:"longitude,omitempty"`
	CapturedAt  time.Time `json:"captured_at"`
	Size        int       `json:"size"`
	ReceivedAt  time.Time `json:"received_at"`
}
