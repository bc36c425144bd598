package models

import "time"

// MessageKind identifies the payload type of an outbound message record.
type MessageKind string

const (
	MessageKindText        MessageKind = "text"
	MessageKindImage       MessageKind = "image"
	MessageKindVideo       MessageKind = "video"
	MessageKindAudio       MessageKind = "audio"
	MessageKindDocument    MessageKind = "document"
	MessageKindInteractive MessageKind = "interactive"
	MessageKindQuestion    MessageKind = "question"
	MessageKindOperation   MessageKind = "operation"
	MessageKindTemplate    MessageKind = "template"
)

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was accepted by the provider.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message reached the device.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the provider reported a failure.
	MessageStatusFailed MessageStatus = "failed"
)

// OutboundMessage is the durable record of one message sent through the
// provider. The id is caller-supplied and time-sortable (uuidv7) so the
// relational row and the document share identity and replays coalesce.
type OutboundMessage struct {
	ID                string        `json:"id" bson:"_id"`
	ConversationID    string        `json:"conversation_id" bson:"conversation_id"`
	ContactID         string        `json:"contact_id" bson:"contact_id"`
	Kind              MessageKind   `json:"message_type" bson:"message_type"`
	Status            MessageStatus `json:"message_status" bson:"message_status"`
	WhatsAppMessageID string        `json:"whatsapp_message_id" bson:"whatsapp_message_id"`
	FromContact       bool          `json:"is_from_contact" bson:"is_from_contact"`
	MemberID          string        `json:"member_id" bson:"member_id"`
	Content           interface{}   `json:"content,omitempty" bson:"content,omitempty"`
	CreatedAt         time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at" bson:"updated_at"`
}

// ReplyEventKind distinguishes the internal events published on the
// chatbot_replies exchange.
type ReplyEventKind string

const (
	// ReplyEventMessage describes one outbound provider message.
	ReplyEventMessage ReplyEventKind = "chatbot_reply"
	// ReplyEventOperation signals an OPERATION node was executed.
	ReplyEventOperation ReplyEventKind = "operation_executed"
	// ReplyEventFlowCompletion signals the flow reached an absorbing state.
	ReplyEventFlowCompletion ReplyEventKind = "flow_completion"
)

// ReplyEvent is the internal event describing one outbound message or a
// flow-level transition, for analytics and UI push subscribers.
type ReplyEvent struct {
	Kind           ReplyEventKind         `json:"kind" msgpack:"kind"`
	ConversationID string                 `json:"conversation_id" msgpack:"conversation_id"`
	ChatbotID      string                 `json:"chatbot_id,omitempty" msgpack:"chatbot_id,omitempty"`
	NodeID         string                 `json:"node_id,omitempty" msgpack:"node_id,omitempty"`
	MessageID      string                 `json:"message_id,omitempty" msgpack:"message_id,omitempty"`
	Body           map[string]interface{} `json:"body,omitempty" msgpack:"body,omitempty"`
	At             time.Time              `json:"at" msgpack:"at"`
}

// ErrorEvent is the structured error payload published on system_logs when a
// task fails permanently or exhausts its retries.
type ErrorEvent struct {
	Task    string    `json:"task" msgpack:"task"`
	TaskID  string    `json:"task_id" msgpack:"task_id"`
	Error   string    `json:"error" msgpack:"error"`
	Retries int       `json:"retries" msgpack:"retries"`
	At      time.Time `json:"at" msgpack:"at"`
}
