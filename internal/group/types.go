// Package group maps chat fan-out and member control signals onto broker topics.
package group

import "time"

// Message kinds carried in Envelope.Kind.
const (
	KindParticipant = "PARTICIPANT"
	KindSystem      = "SYSTEM"
)

// Control notifications carried in ControlEnvelope.Notification.
const (
	NotificationNewChat = "NEW_CHAT"
)

// Content is the message body as it travels on the wire.
type Content struct {
	Text string `json:"text"`
}

// Envelope is the wire format for conversational messages.
// SenderID is empty for system-authored messages.
type Envelope struct {
	Content   Content   `json:"content"`
	Kind      string    `json:"kind"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// ControlEnvelope is the wire format for out-of-band member notifications.
type ControlEnvelope struct {
	Notification string `json:"notification"`
	ChatID       string `json:"chatId"`
}

// DeadLetter wraps a payload that could not be handled after MaxDeliveries attempts.
type DeadLetter struct {
	Topic    string    `json:"topic"`
	Group    string    `json:"group"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error"`
	Payload  string    `json:"payload"`
	FailedAt time.Time `json:"failed_at"`
}
