package models

// MessageType identifies the speaker of a stored chat message.
type MessageType string

const (
	MessageHuman MessageType = "human"
	MessageAI    MessageType = "ai"
)

type MessageData struct {
	Content string `json:"content"`
}

// Message is one entry of a conversation history as stored by the backend.
type Message struct {
	Type MessageType `json:"type"`
	Data MessageData `json:"data"`
}

// DocumentDetail is returned by GET /doc/{documentid}/{conversationid}.
type DocumentDetail struct {
	ConversationID string    `json:"conversationid"`
	Document       Document  `json:"document"`
	Messages       []Message `json:"messages"`
	URL            string    `json:"url"`
}
