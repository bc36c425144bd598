// Package queue implements the durable task/queue runtime on top of the
// broker client.
//
// Each logical event has a dedicated durable direct exchange and one queue;
// the routing key equals the event name. Workers consume with prefetch 1,
// ack late, retry with exponential backoff plus jitter, and dead-letter on
// exhaustion.
package queue

import "fmt"

// Exchange names, one per logical topic.
const (
	ExchangeWhatsAppDefault     = "whatsapp_default"
	ExchangeMessageBroadcast    = "message_broadcast"
	ExchangeTriggerChatbot      = "trigger_chatbot"
	ExchangeChatbotFlow         = "chatbot_flow"
	ExchangeChatbotReplies      = "chatbot_replies"
	ExchangeMessageHookReceived = "message_hook_received"
	ExchangeSystemLogs          = "system_logs"
	ExchangeTestFlow            = "test_flow"
)

// Binding ties an exchange to its durable queue and routing key.
type Binding struct {
	Exchange string
	Queue    string
	Key      string
}

// DLQSuffix is appended to a queue name to form its dead-letter queue and
// routing key.
const DLQSuffix = ".dlq"

// Bindings is the full routing table. Every queue shares its exchange's
// name as the routing key.
var Bindings = []Binding{
	{Exchange: ExchangeWhatsAppDefault, Queue: ExchangeWhatsAppDefault, Key: ExchangeWhatsAppDefault},
	{Exchange: ExchangeMessageBroadcast, Queue: ExchangeMessageBroadcast, Key: ExchangeMessageBroadcast},
	{Exchange: ExchangeTriggerChatbot, Queue: ExchangeTriggerChatbot, Key: ExchangeTriggerChatbot},
	{Exchange: ExchangeChatbotFlow, Queue: ExchangeChatbotFlow, Key: ExchangeChatbotFlow},
	{Exchange: ExchangeChatbotReplies, Queue: ExchangeChatbotReplies, Key: ExchangeChatbotReplies},
	{Exchange: ExchangeMessageHookReceived, Queue: ExchangeMessageHookReceived, Key: ExchangeMessageHookReceived},
	{Exchange: ExchangeSystemLogs, Queue: ExchangeSystemLogs, Key: ExchangeSystemLogs},
	{Exchange: ExchangeTestFlow, Queue: ExchangeTestFlow, Key: ExchangeTestFlow},
}

// DLQ returns the dead-letter queue name for a queue.
func DLQ(queue string) string {
	return queue + DLQSuffix
}

// FindBinding returns the binding for a queue name.
func FindBinding(queue string) (Binding, error) {
	for _, b := range Bindings {
		if b.Queue == queue {
			return b, nil
		}
	}
	return Binding{}, fmt.Errorf("no binding for queue %s", queue)
}
