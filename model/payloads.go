package model

import "time"

// CorePayload is implemented by the compile-time payload shapes of core events.
type CorePayload interface {
	EventType() EventType
}

// Participant identifies a sender or recipient on a channel.
type Participant struct {
	PlatformID  string `json:"platformId"`
	DisplayName string `json:"displayName,omitempty"`
}

// Attachment references media carried by a message.
type Attachment struct {
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// MessageReceived is emitted by channel adapters for every inbound message.
type MessageReceived struct {
	MessageID   string       `json:"messageId"`
	ChatID      string       `json:"chatId"`
	From        Participant  `json:"from"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     string       `json:"replyTo,omitempty"`
	ReceivedAt  time.Time    `json:"receivedAt"`
}

// EventType implements CorePayload.
func (MessageReceived) EventType() EventType { return EventMessageReceived }

// MessageSent is emitted after a message was handed to a channel.
type MessageSent struct {
	MessageID   string       `json:"messageId"`
	ChatID      string       `json:"chatId"`
	To          Participant  `json:"to"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	SentAt      time.Time    `json:"sentAt"`
}

// EventType implements CorePayload.
func (MessageSent) EventType() EventType { return EventMessageSent }

// MessageStatus covers delivered, read and failed receipts.
type MessageStatus struct {
	Type      EventType `json:"-"`
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// EventType implements CorePayload.
func (s MessageStatus) EventType() EventType { return s.Type }

// InstanceConnected is emitted when a channel instance comes online.
type InstanceConnected struct {
	InstanceID  string    `json:"instanceId"`
	ChannelType string    `json:"channelType"`
	Account     string    `json:"account,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// EventType implements CorePayload.
func (InstanceConnected) EventType() EventType { return EventInstanceConnected }

// InstanceDisconnected is emitted when a channel instance goes offline.
type InstanceDisconnected struct {
	InstanceID     string    `json:"instanceId"`
	ChannelType    string    `json:"channelType"`
	Reason         string    `json:"reason,omitempty"`
	WillReconnect  bool      `json:"willReconnect"`
	DisconnectedAt time.Time `json:"disconnectedAt"`
}

// EventType implements CorePayload.
func (InstanceDisconnected) EventType() EventType { return EventInstanceDisconnected }

// AgentRequest asks an agent to respond to a conversation turn.
type AgentRequest struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	MessageID string `json:"messageId"`
	Input     string `json:"input"`
}

// EventType implements CorePayload.
func (AgentRequest) EventType() EventType { return EventAgentRequest }

// AgentResponse carries the agent's reply.
type AgentResponse struct {
	SessionID  string `json:"sessionId"`
	AgentID    string `json:"agentId"`
	MessageID  string `json:"messageId"`
	Output     string `json:"output"`
	DurationMs int64  `json:"durationMs"`
}

// EventType implements CorePayload.
func (AgentResponse) EventType() EventType { return EventAgentResponse }
