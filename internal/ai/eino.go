package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	openaiembed "github.com/cloudwego/eino-ext/components/embedding/openai"
	openaimodel "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/apperr"
)

const jsonInstruction = "Respond with a single JSON document and nothing else."

// EinoChat adapts an eino chat model to ChatProvider.
type EinoChat struct {
	model model.BaseChatModel
}

func NewEinoChat(m model.BaseChatModel) *EinoChat {
	return &EinoChat{model: m}
}

// NewOpenAIChat builds a ChatProvider backed by an OpenAI compatible API.
func NewOpenAIChat(ctx context.Context, apiKey, baseURL, modelName string) (*EinoChat, error) {
	cfg := &openaimodel.ChatModelConfig{
		APIKey:  apiKey,
		Model:   modelName,
		Timeout: 60 * time.Second,
	}
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	chatModel, err := openaimodel.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create chat model: %w", err)
	}
	return NewEinoChat(chatModel), nil
}

func (c *EinoChat) Complete(ctx context.Context, req ChatRequest) (ChatResult, error) {
	if len(req.Messages) == 0 {
		return ChatResult{}, apperr.Validation("messages", "at least one message is required")
	}

	messages := make([]*schema.Message, 0, len(req.Messages)+1)
	if req.JSON {
		messages = append(messages, schema.SystemMessage(jsonInstruction))
	}
	for _, m := range req.Messages {
		messages = append(messages, &schema.Message{Role: toSchemaRole(m.Role), Content: m.Content})
	}

	opts := []model.Option{model.WithTemperature(req.Temperature)}
	if req.Model != "" {
		opts = append(opts, model.WithModel(req.Model))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(req.MaxTokens))
	}

	resp, err := c.model.Generate(ctx, messages, opts...)
	if err != nil {
		return ChatResult{}, apperr.External("chat", err)
	}
	if resp == nil {
		return ChatResult{}, apperr.External("chat", errors.New("empty response"))
	}

	result := ChatResult{Text: resp.Content}
	if resp.ResponseMeta != nil && resp.ResponseMeta.Usage != nil {
		result.Usage = Usage{
			PromptTokens:     resp.ResponseMeta.Usage.PromptTokens,
			CompletionTokens: resp.ResponseMeta.Usage.CompletionTokens,
			TotalTokens:      resp.ResponseMeta.Usage.TotalTokens,
		}
	}
	return result, nil
}

func toSchemaRole(role Role) schema.RoleType {
	switch role {
	case RoleSystem:
		return schema.System
	case RoleAssistant:
		return schema.Assistant
	default:
		return schema.User
	}
}

// EinoEmbedder adapts an eino embedder to Embedder. The model is fixed when
// the underlying embedder is built; a different model name is rejected.
type EinoEmbedder struct {
	embedder embedding.Embedder
	model    string
}

func NewEinoEmbedder(e embedding.Embedder, modelName string) *EinoEmbedder {
	return &EinoEmbedder{embedder: e, model: modelName}
}

func NewOpenAIEmbedder(ctx context.Context, apiKey, baseURL, modelName string) (*EinoEmbedder, error) {
	cfg := &openaiembed.EmbeddingConfig{
		APIKey:  apiKey,
		Model:   modelName,
		Timeout: 30 * time.Second,
	}
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	embedder, err := openaiembed.NewEmbedder(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	return NewEinoEmbedder(embedder, modelName), nil
}

func (e *EinoEmbedder) Embed(ctx context.Context, modelName string, texts []string) ([][]float32, error) {
	if modelName != "" && e.model != "" && modelName != e.model {
		return nil, apperr.Validation("model", "embedder is configured for %s, not %s", e.model, modelName)
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	vectors, err := e.embedder.EmbedStrings(ctx, texts)
	if err != nil {
		return nil, apperr.External("embedding", err)
	}
	if len(vectors) != len(texts) {
		return nil, apperr.External("embedding", fmt.Errorf("expected %d vectors, got %d", len(texts), len(vectors)))
	}

	out := make([][]float32, len(vectors))
	for i, vector := range vectors {
		converted := make([]float32, len(vector))
		for j, v := range vector {
			converted[j] = float32(v)
		}
		out[i] = converted
	}
	return out, nil
}
