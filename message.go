package aworld

import "encoding/json"

// Category is the coarse class of a message on the bus.
type Category string

const (
	CategoryAgent   Category = "AGENT"
	CategoryTool    Category = "TOOL"
	CategoryChunk   Category = "CHUNK"
	CategoryCancel  Category = "CANCEL"
	CategoryControl Category = "CONTROL"
)

// Topic is the fine-grained routing key of a message.
type Topic string

const (
	TopicTaskStart    Topic = "task_start"
	TopicStep         Topic = "step"
	TopicToolCall     Topic = "tool_call"
	TopicToolResult   Topic = "tool_result"
	TopicChunk        Topic = "chunk"
	TopicHandoff      Topic = "handoff"
	TopicCancel       Topic = "cancel"
	TopicError        Topic = "error"
	TopicTaskResponse Topic = "task_response"
)

// CallType records how the sender reached the receiver. The set is closed.
type CallType string

const (
	CallAgentDirect CallType = "agent_direct"
	CallAgentAsTool CallType = "agent_as_tool"
	CallToolResult  CallType = "tool_result"
	CallHandoff     CallType = "handoff"
)

// Headers carries message metadata outside the payload. PreMessageID forms
// the causal chain: every non-root message points at a previously published
// message of the same task.
type Headers struct {
	PreMessageID string `json:"pre_message_id,omitempty"`
	Caller       string `json:"caller,omitempty"`
}

// Message is the unit of observability: one typed event on the bus.
// Messages are immutable once published.
type Message struct {
	ID        string   `json:"id"`
	TaskID    string   `json:"task_id"`
	SessionID string   `json:"session_id"`
	Category  Category `json:"category"`
	Topic     Topic    `json:"topic"`
	Sender    string   `json:"sender"`
	Receiver  string   `json:"receiver,omitempty"`
	CallType  CallType `json:"call_type,omitempty"`
	Payload   any      `json:"payload,omitempty"`
	Headers   Headers  `json:"headers"`
}

// Terminal reports whether m ends its task's message stream.
func (m Message) Terminal() bool { return m.Topic == TopicTaskResponse }

// NewMessage creates a message with a fresh id.
func NewMessage(taskID, sessionID string, cat Category, topic Topic, sender string) Message {
	return Message{
		ID:        NewID(),
		TaskID:    taskID,
		SessionID: sessionID,
		Category:  cat,
		Topic:     topic,
		Sender:    sender,
	}
}

// WithPre returns a copy of m whose causal parent is the given message id.
func (m Message) WithPre(preID string) Message {
	m.Headers.PreMessageID = preID
	return m
}

// WithPayload returns a copy of m carrying the given payload.
func (m Message) WithPayload(p any) Message {
	m.Payload = p
	return m
}

// WithReceiver returns a copy of m addressed to the given receiver.
func (m Message) WithReceiver(r string, ct CallType) Message {
	m.Receiver = r
	m.CallType = ct
	return m
}

// EncodeMessage serializes m to its JSON envelope.
func EncodeMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON envelope back into a Message. Round-tripping
// preserves every envelope field; payloads decode to generic JSON values.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, WrapError(ErrInternal, err, "parse message")
	}
	return m, nil
}
