package models

// ChatRequest is the payload for POST /chat
type ChatRequest struct {
	Prompt    string `json:"prompt"`
	ContextID string `json:"contextId,omitempty"`
	WithRefs  bool   `json:"withRefs,omitempty"`
	Model     string `json:"model,omitempty"`
}

// Reference is one citation attached to an assistant reply
type Reference struct {
	Number string `json:"number"`
	Text   string `json:"text"`
	URL    string `json:"url"`
}

// PromptResult is the transformed outcome of one prompt execution.
// It is shared by every caller attached to the same execution and must not
// be mutated after it is produced.
type PromptResult struct {
	Response           string      `json:"response"`
	References         []Reference `json:"citations"`
	ReferencesMarkdown string      `json:"references"`
}

// ChatResponse is the body returned by POST /chat
type ChatResponse struct {
	ChatID     string       `json:"chatId"`
	Response   string       `json:"response"`
	References *string      `json:"references,omitempty"`
	Citations  *[]Reference `json:"citations,omitempty"`
	Shared     bool         `json:"shared"`
}

// ErrorResponse is the body returned for failed requests
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
	Stack   string `json:"stack,omitempty"`
}
