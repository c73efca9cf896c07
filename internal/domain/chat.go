package domain

import "unicode/utf8"

// Speaker labels a prior turn in the prompt history sent to the model.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// ChatTurn is one entry of a built context window.
type ChatTurn struct {
	Speaker Speaker
	Content string
}

// UserTurn builds a ChatTurn spoken by a learner.
func UserTurn(content string) ChatTurn {
	return ChatTurn{Speaker: SpeakerUser, Content: content}
}

// ModelTurn builds a ChatTurn spoken by the facilitator.
func ModelTurn(content string) ChatTurn {
	return ChatTurn{Speaker: SpeakerModel, Content: content}
}

// ChatMessage is the provider wire shape used by LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationRequest is everything the facilitator backend needs for one reply.
type GenerationRequest struct {
	Model        string
	SystemPrompt string
	History      []ChatTurn
	UserTurn     string
}

// Generation is one complete facilitator reply.
type Generation struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// TotalTokens is the token cost charged to the conversation for this reply.
func (g Generation) TotalTokens() int {
	return g.PromptTokens + g.CompletionTokens
}

// EstimateTokens approximates provider tokens as one per four runes, rounded up.
func EstimateTokens(s string) int {
	return (utf8.RuneCountInString(s) + 3) / 4
}
