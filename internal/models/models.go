package models

import "time"

const (
	RoleNutritionist = "nutritionist"
	RolePatient      = "patient"
)

type User struct {
	ID          int64     `json:"id" db:"id"`
	Username    string    `json:"username" db:"username"`
	Password    string    `json:"-" db:"password"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Role        string    `json:"role" db:"role"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

type Participant struct {
	ID          int64  `json:"id" validate:"gt=0"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role,omitempty"`
}

type Conversation struct {
	ID            int64         `json:"id" db:"id" validate:"gt=0"`
	Participants  []Participant `json:"participants" validate:"dive"`
	LastMessage   string        `json:"last_message"`
	LastMessageAt *time.Time    `json:"last_message_at,omitempty"`
	UnreadCount   int           `json:"unread_count" validate:"gte=0"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
}

// Peer returns the first participant that is not userID.
func (c Conversation) Peer(userID int64) (Participant, bool) {
	for _, p := range c.Participants {
		if p.ID != userID {
			return p, true
		}
	}
	return Participant{}, false
}

type Message struct {
	ID             int64     `json:"id" db:"id" validate:"gt=0"`
	ConversationID int64     `json:"conversation_id" db:"conversation_id" validate:"gt=0"`
	SenderID       int64     `json:"sender_id" db:"sender_id" validate:"gt=0"`
	Content        string    `json:"content" db:"content"`
	CreatedAt      time.Time `json:"created_at" db:"created_at" validate:"required"`
	IsRead         bool      `json:"is_read" db:"is_read"`
	ClientID       string    `json:"client_id,omitempty" db:"client_id"`
}

type Notification struct {
	ID             int64     `json:"id" db:"id" validate:"gt=0"`
	UserID         int64     `json:"user_id" db:"user_id"`
	ConversationID int64     `json:"conversation_id" db:"conversation_id"`
	MessageID      int64     `json:"message_id" db:"message_id"`
	Message        string    `json:"message" db:"message"`
	IsRead         bool      `json:"is_read" db:"is_read"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

type UnreadCount struct {
	Count int `json:"count" validate:"gte=0"`
}

// Request/Response structures
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	Token string `json:"token" validate:"required"`
	User  User   `json:"user"`
}

type RegisterRequest struct {
	Username    string `json:"username" validate:"required,min=3"`
	Password    string `json:"password" validate:"required,min=8"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role" validate:"required,oneof=nutritionist patient"`
}

type SendMessageRequest struct {
	Content  string `json:"content" validate:"required"`
	ClientID string `json:"client_id,omitempty"`
}

type FindOrCreateByPatientRequest struct {
	PatientID int64 `json:"patient_id" validate:"gt=0"`
}

type Ack struct {
	Status string `json:"status"`
}

const (
	EventMessage      = "message"
	EventNotification = "notification"
	EventSystem       = "system"
)

type WebSocketMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}
