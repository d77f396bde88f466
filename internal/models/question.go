package models

import "time"

// Question is the persisted record of one streamed answer. The start and end
// ids bound the session on its stream so it can be read back later.
type Question struct {
	QuestionID           string    `json:"questionId"`
	Topic                string    `json:"topic"`
	TopicQuestion        string    `json:"topicQuestion"`
	StreamName           string    `json:"streamName"`
	StreamStartMessageID string    `json:"streamStartMessageId"`
	StreamEndMessageID   string    `json:"streamEndMessageId"`
	Failed               bool      `json:"failed,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
}

// AskRequest is the body of the non-streaming ask endpoint.
type AskRequest struct {
	Topic         string `json:"topic"`
	TopicQuestion string `json:"topicQuestion"`
}

// AskResponse carries the full answer of a non-streaming ask.
type AskResponse struct {
	Output string `json:"output"`
}

// ReplayResponse is the answer text reconstructed from a question's stream range.
type ReplayResponse struct {
	QuestionID string   `json:"questionId"`
	Fragments  []string `json:"fragments"`
	Output     string   `json:"output"`
}
