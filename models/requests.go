package models

import "encoding/json"

// Chat_Request is the body of POST /api/chat.
type Chat_Request struct {
	Query        string         `json:"query"`
	UseWebSearch bool           `json:"useWebSearch"`
	History      []History_Turn `json:"history"`
	Stream       bool           `json:"stream,omitempty"`
	// Conversation_ID optionally identifies the conversation for archival.
	// The relay never reads the archive to build prompts.
	Conversation_ID string `json:"conversation_id,omitempty"`
}

// History_Turn is one prior turn as supplied by the client. Content is
// kept raw so that turns with non-string content can be dropped instead
// of failing the whole request bind.
type History_Turn struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Prompt_Turn is a validated history turn: role is user or model and
// content is plain text.
type Prompt_Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Filter_History drops turns whose role is not user/model or whose
// content is not a JSON string. Malformed turns never abort a request.
func Filter_History(history []History_Turn) []Prompt_Turn {
	filtered := make([]Prompt_Turn, 0, len(history))
	for _, turn := range history {
		if turn.Role != "user" && turn.Role != "model" {
			continue
		}
		var content string
		if err := json.Unmarshal(turn.Content, &content); err != nil {
			continue
		}
		filtered = append(filtered, Prompt_Turn{Role: turn.Role, Content: content})
	}
	return filtered
}
