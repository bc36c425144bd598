// Package models defines the core data structures for chatwire.
//
// It includes flow graph nodes, per-conversation session state, outbound
// message records, broadcasts, and the task envelope shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// NodeKind identifies how a flow node is dispatched.
type NodeKind string

const (
	// NodeKindMessage sends one or more text/media messages and advances.
	NodeKindMessage NodeKind = "message"
	// NodeKindQuestion sends a prompt and waits for a free-text answer.
	NodeKindQuestion NodeKind = "question"
	// NodeKindInteractiveButtons sends an interactive payload and waits for a button press.
	NodeKindInteractiveButtons NodeKind = "interactive_buttons"
	// NodeKindOperation performs an internal side effect without provider traffic.
	NodeKindOperation NodeKind = "operation"
)

// Error variables for flow graph validation.
var (
	ErrUnknownNodeKind   = errors.New("unknown node kind")
	ErrNoFirstNode       = errors.New("chatbot has no first node")
	ErrMultipleFirst     = errors.New("chatbot has more than one first node")
	ErrDanglingNextNode  = errors.New("next node reference does not exist in chatbot")
	ErrDuplicateButtonID = errors.New("duplicate button id within node")
	ErrNodeNotFound      = errors.New("node not found")
	ErrChatbotNotFound   = errors.New("chatbot not found")
)

// IsValidNodeKind checks if the given node kind is supported.
func IsValidNodeKind(k NodeKind) bool {
	switch k {
	case NodeKindMessage, NodeKindQuestion, NodeKindInteractiveButtons, NodeKindOperation:
		return true
	default:
		return false
	}
}

// Button is a selectable option attached to an interactive node. Pressing it
// routes the conversation to NextNodeID.
type Button struct {
	ID         string `json:"id" bson:"id" msgpack:"id"`
	Title      string `json:"title" bson:"title" msgpack:"title"`
	NextNodeID string `json:"next_node_id" bson:"next_node_id" msgpack:"next_node_id"`
}

// ContentItem is one ordered piece of a MESSAGE node body.
type ContentItem struct {
	Order       int    `json:"order" bson:"order" msgpack:"order"`
	Text        string `json:"text,omitempty" bson:"text,omitempty" msgpack:"text,omitempty"`
	MediaID     string `json:"media_id,omitempty" bson:"media_id,omitempty" msgpack:"media_id,omitempty"`
	CDNURL      string `json:"cdn_url,omitempty" bson:"cdn_url,omitempty" msgpack:"cdn_url,omitempty"`
	ContentType string `json:"content_type,omitempty" bson:"content_type,omitempty" msgpack:"content_type,omitempty"`
	MimeType    string `json:"mime_type,omitempty" bson:"mime_type,omitempty" msgpack:"mime_type,omitempty"`
	Caption     string `json:"caption,omitempty" bson:"caption,omitempty" msgpack:"caption,omitempty"`
}

// NodeBody is the provider-independent rendering payload of a node. It is a
// tagged variant over the node kinds; Raw carries forward-compatible fields
// the enumerated ones do not model.
type NodeBody struct {
	TextBody     string                 `json:"text_body,omitempty" bson:"text_body,omitempty" msgpack:"text_body,omitempty"`
	ContentItems []ContentItem          `json:"content_items,omitempty" bson:"content_items,omitempty" msgpack:"content_items,omitempty"`
	MediaID      string                 `json:"media_id,omitempty" bson:"media_id,omitempty" msgpack:"media_id,omitempty"`
	CDNURL       string                 `json:"cdn_url,omitempty" bson:"cdn_url,omitempty" msgpack:"cdn_url,omitempty"`
	ContentType  string                 `json:"content_type,omitempty" bson:"content_type,omitempty" msgpack:"content_type,omitempty"`
	MimeType     string                 `json:"mime_type,omitempty" bson:"mime_type,omitempty" msgpack:"mime_type,omitempty"`
	Interactive  map[string]interface{} `json:"interactive,omitempty" bson:"interactive,omitempty" msgpack:"interactive,omitempty"`
	Prompt       string                 `json:"prompt,omitempty" bson:"prompt,omitempty" msgpack:"prompt,omitempty"`
	Operation    map[string]interface{} `json:"operation,omitempty" bson:"operation,omitempty" msgpack:"operation,omitempty"`
	Raw          map[string]interface{} `json:"raw,omitempty" bson:"raw,omitempty" msgpack:"raw,omitempty"`
}

// MediaKind infers the provider media kind for a body or content item.
// Preference order: explicit content type, then mime type prefix, then
// document as the fallback.
func MediaKind(contentType, mimeType string) string {
	switch contentType {
	case "image", "video", "audio", "document":
		return contentType
	}
	for _, kind := range []string{"image", "video", "audio"} {
		if strings.HasPrefix(mimeType, kind+"/") {
			return kind
		}
	}
	return "document"
}

// FlowNode is one interaction node in a chatbot flow graph. Nodes reference
// each other only by id; a node may reference an ancestor to form a cycle.
type FlowNode struct {
	ID         string    `json:"id" bson:"id"`
	ChatbotID  string    `json:"chatbot_id" bson:"chatbot_id"`
	Kind       NodeKind  `json:"kind" bson:"kind"`
	Body       *NodeBody `json:"body,omitempty" bson:"body,omitempty"`
	Buttons    []Button  `json:"buttons,omitempty" bson:"buttons,omitempty"`
	NextNodeID string    `json:"next_node_id,omitempty" bson:"next_node_id,omitempty"`
	IsFirst    bool      `json:"is_first" bson:"is_first"`
	IsFinal    bool      `json:"is_final" bson:"is_final"`
}

// ButtonTarget returns the next node id for a pressed button, scanning the
// node's button list. Returns empty string when the button is unknown.
func (n *FlowNode) ButtonTarget(buttonID string) string {
	for _, b := range n.Buttons {
		if b.ID == buttonID {
			return b.NextNodeID
		}
	}
	return ""
}

// Chatbot is a per-tenant flow definition: a directed graph of nodes held in
// a nodes-by-id map. The graph is authored externally and read-only here.
type Chatbot struct {
	ID        string               `json:"id" bson:"_id"`
	TenantID  string               `json:"tenant_id" bson:"tenant_id"`
	Name      string               `json:"name,omitempty" bson:"name,omitempty"`
	IsDefault bool                 `json:"is_default" bson:"is_default"`
	Nodes     map[string]*FlowNode `json:"nodes" bson:"-"`
}

// FirstNode returns the unique entry node of the chatbot, or nil if the
// graph was loaded without validation and has none.
func (c *Chatbot) FirstNode() *FlowNode {
	for _, n := range c.Nodes {
		if n.IsFirst {
			return n
		}
	}
	return nil
}

// ChatbotContext is the per-conversation session state marking the user's
// position in a flow. Absence of a context means no active flow.
type ChatbotContext struct {
	ConversationID     string     `json:"conversation_id" msgpack:"conversation_id"`
	ChatbotID          string     `json:"chatbot_id" msgpack:"chatbot_id"`
	CurrentNodeID      string     `json:"current_node_id" msgpack:"current_node_id"`
	PreviousNodeID     string     `json:"previous_node_id,omitempty" msgpack:"previous_node_id,omitempty"`
	NodeKind           NodeKind   `json:"node_kind" msgpack:"node_kind"`
	WaitingForResponse bool       `json:"waiting_for_response" msgpack:"waiting_for_response"`
	WaitingSince       *time.Time `json:"waiting_since,omitempty" msgpack:"waiting_since,omitempty"`
	CreatedAt          time.Time  `json:"created_at" msgpack:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" msgpack:"updated_at"`
}

// ResponseEntry records one free-text answer to a question node.
type ResponseEntry struct {
	NodeID   string    `json:"node_id" msgpack:"node_id"`
	Question string    `json:"question" msgpack:"question"`
	Response string    `json:"response" msgpack:"response"`
	At       time.Time `json:"at" msgpack:"at"`
}

// SelectionEntry records one button selection on an interactive node.
type SelectionEntry struct {
	NodeID string    `json:"node_id" msgpack:"node_id"`
	Kind   string    `json:"kind" msgpack:"kind"`
	Data   string    `json:"data" msgpack:"data"`
	At     time.Time `json:"at" msgpack:"at"`
}

// ContactCapture is the append-only per-conversation log of user responses
// and selections, retained while the conversation is active.
type ContactCapture struct {
	ConversationID string           `json:"conversation_id" msgpack:"conversation_id"`
	Responses      []ResponseEntry  `json:"responses" msgpack:"responses"`
	Selections     []SelectionEntry `json:"selections" msgpack:"selections"`
}

// ButtonTransition caches a (chatbot, node, button) -> next node mapping so
// an advance does not need to re-read the node.
type ButtonTransition struct {
	ChatbotID  string    `json:"chatbot_id" msgpack:"chatbot_id"`
	NodeID     string    `json:"node_id" msgpack:"node_id"`
	ButtonID   string    `json:"button_id" msgpack:"button_id"`
	NextNodeID string    `json:"next_node_id" msgpack:"next_node_id"`
	CachedAt   time.Time `json:"cached_at" msgpack:"cached_at"`
}

// BusinessData is the per-conversation bundle the dispatcher needs to reach
// the provider. Conversation and tenant ids are carried explicitly so key
// construction and next-node resolution stay scoped.
type BusinessData struct {
	Token          string `json:"token" msgpack:"token"`
	PhoneNumberID  string `json:"phone_number_id" msgpack:"phone_number_id"`
	Recipient      string `json:"recipient" msgpack:"recipient"`
	ContactID      string `json:"contact_id" msgpack:"contact_id"`
	ChatbotID      string `json:"chatbot_id" msgpack:"chatbot_id"`
	TenantID       string `json:"tenant_id" msgpack:"tenant_id"`
	ConversationID string `json:"conversation_id" msgpack:"conversation_id"`
}
