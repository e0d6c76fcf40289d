package storage

import "time"

type Setting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Credential is a provider API key sealed by the crypto package. The store
// never sees the plaintext.
type Credential struct {
	Provider  string
	EncAPIKey string
	UpdatedAt time.Time
}

type UsageEntry struct {
	Provider         string
	Model            string
	ConversationID   string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
}

type UsageTotal struct {
	Provider         string  `json:"provider"`
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"promptTokens"`
	CompletionTokens int64   `json:"completionTokens"`
	TotalTokens      int64   `json:"totalTokens"`
	Cost             float64 `json:"totalCost"`
}
