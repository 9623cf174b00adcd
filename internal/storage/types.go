package storage

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Kind classifies a message. Only result and error messages feed model history.
type Kind string

const (
	KindResult Kind = "result"
	KindError  Kind = "error"
	KindLog    Kind = "log"
)

type Project struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Message struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Role      Role      `json:"role"`
	Kind      Kind      `json:"kind"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Fragment  *Fragment `json:"fragment,omitempty"`
}

// Fragment is the full file-set snapshot attached to one assistant result.
type Fragment struct {
	ID         string            `json:"id"`
	MessageID  string            `json:"message_id"`
	Title      string            `json:"title"`
	SandboxURL string            `json:"sandbox_url"`
	SandboxID  string            `json:"sandbox_id,omitempty"`
	Files      map[string]string `json:"files"`
	CreatedAt  time.Time         `json:"created_at"`
}
