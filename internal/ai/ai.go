// Package ai holds the narrow contracts the engine uses to reach chat,
// embedding and vector retrieval services, plus adapters for the providers
// the service ships with.
package ai

import "context"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

type ChatRequest struct {
	Messages    []Message
	Model       string
	Temperature float32
	MaxTokens   int
	// JSON asks the provider for a bare JSON reply.
	JSON bool
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatResult struct {
	Text  string
	Usage Usage
}

// ChatProvider completes a conversation. Failures are returned as
// *apperr.ExternalServiceError; retries are the caller's decision.
type ChatProvider interface {
	Complete(ctx context.Context, req ChatRequest) (ChatResult, error)
}

// Embedder returns one vector per text, in input order.
type Embedder interface {
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}

type VectorDocument struct {
	ID        string
	Content   string
	Metadata  map[string]string
	Embedding []float32
}

type VectorHit struct {
	ID         string
	Content    string
	Metadata   map[string]string
	Similarity float32
}

// VectorIndex is a ranked retrieval oracle over named collections.
type VectorIndex interface {
	Query(ctx context.Context, collection string, vector []float32, filters map[string]string, topK int) ([]VectorHit, error)
	Add(ctx context.Context, collection string, docs []VectorDocument) error
}
