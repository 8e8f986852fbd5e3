package models

import "time"

// Kind tells the two sides of a transcript apart.
type Kind string

const (
	KindHuman     Kind = "human"
	KindAssistant Kind = "assistant"
)

// Message is one transcript entry of a mediation session.
type Message struct {
	Kind    Kind      `json:"kind"`
	Speaker string    `json:"speaker,omitempty"` // set only for human turns
	Content string    `json:"content"`
	SentAt  time.Time `json:"sent_at"`
}

// NewHumanMessage builds an attributed human turn stamped with the current time.
func NewHumanMessage(speaker, content string) Message {
	return Message{Kind: KindHuman, Speaker: speaker, Content: content, SentAt: time.Now().UTC()}
}

// NewAssistantMessage builds an assistant turn stamped with the current time.
func NewAssistantMessage(content string) Message {
	return Message{Kind: KindAssistant, Content: content, SentAt: time.Now().UTC()}
}
