// Package grouping asks the chat model to cluster retrospective responses
// into theme proposals and normalizes what comes back.
package grouping

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/ai"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/aicache"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/apperr"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/themes"
)

const (
	Endpoint = "grouping"

	// SummaryCollectionPrefix names the per-workspace vector collection that
	// holds past session summaries.
	SummaryCollectionPrefix = "retro_summaries_"
	SummaryKind             = "summary"
)

// promptTemplate is part of the cache key. Changing it invalidates every
// cached proposal.
const promptTemplate = `You are an agile coach clustering feedback from a 4Ls retrospective (Liked, Learned, Lacked, Longed For).
Group the responses into themes. Each theme needs:
- "title": at most 6 words
- "description": one or two sentences
- "primary_category": one of liked, learned, lacked, longed_for
- "contributors": display names of the authors, in order of first appearance
- "response_ids": ids of the responses that belong to the theme
Every response id should appear in exactly one theme. Use distinct titles.
Reply with {"themes": [...]} only.`

type Config struct {
	Model          string
	EmbeddingModel string
	Temperature    float32
	MaxTokens      int
	// ContextDocs is how many prior summaries are added to the prompt.
	ContextDocs int
}

// Grouper proposes theme groups for a session's responses.
type Grouper struct {
	chat     ai.ChatProvider
	cache    *aicache.Cache
	embedder ai.Embedder
	index    ai.VectorIndex
	cfg      Config
	logger   *slog.Logger
}

func New(chat ai.ChatProvider, cache *aicache.Cache, cfg Config, logger *slog.Logger) *Grouper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.ContextDocs == 0 {
		cfg.ContextDocs = 3
	}
	return &Grouper{chat: chat, cache: cache, cfg: cfg, logger: logger}
}

// WithRetrieval enables prior-summary context. Either argument may be nil to
// keep retrieval off.
func (g *Grouper) WithRetrieval(embedder ai.Embedder, index ai.VectorIndex) *Grouper {
	g.embedder = embedder
	g.index = index
	return g
}

type promptResponse struct {
	ID       int64          `json:"id"`
	Category store.Category `json:"category"`
	Author   string         `json:"author"`
	Text     string         `json:"text"`
}

type promptInputs struct {
	Session   string           `json:"session"`
	Responses []promptResponse `json:"responses"`
	Context   []string         `json:"context,omitempty"`
}

// Propose returns normalized themes for responses. names maps author ids to
// display names. Response ids the model invents are dropped. A failed or
// unusable model reply is an ExternalServiceError and is never cached.
func (g *Grouper) Propose(ctx context.Context, session store.RetroSession, responses []store.Response, names map[string]string) ([]themes.Theme, error) {
	if len(responses) == 0 {
		return nil, nil
	}

	inputs := promptInputs{
		Session:   session.Title,
		Responses: make([]promptResponse, 0, len(responses)),
	}
	known := make(map[int64]bool, len(responses))
	for _, r := range responses {
		known[r.ID] = true
		author := names[r.AuthorID]
		if author == "" {
			author = r.AuthorID
		}
		inputs.Responses = append(inputs.Responses, promptResponse{ID: r.ID, Category: r.Category, Author: author, Text: r.Text})
	}
	inputs.Context = g.priorSummaries(ctx, session, responses)

	userContent, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("encode grouping inputs: %w", err)
	}

	var parsed []themes.RawTheme
	payload, hit, err := g.cache.GetOrCompute(ctx, aicache.Request{
		Endpoint: Endpoint,
		Prompt:   promptTemplate,
		Inputs:   inputs,
		Model:    g.cfg.Model,
	}, func(ctx context.Context) ([]byte, error) {
		result, err := g.chat.Complete(ctx, ai.ChatRequest{
			Messages: []ai.Message{
				{Role: ai.RoleSystem, Content: promptTemplate},
				{Role: ai.RoleUser, Content: string(userContent)},
			},
			Model:       g.cfg.Model,
			Temperature: g.cfg.Temperature,
			MaxTokens:   g.cfg.MaxTokens,
			JSON:        true,
		})
		if err != nil {
			return nil, err
		}
		g.logger.Info("grouping completion",
			"session_id", session.ID,
			"responses", len(responses),
			"total_tokens", result.Usage.TotalTokens,
		)
		raw, err := themes.ParseRaw([]byte(result.Text))
		if err != nil {
			return nil, err
		}
		parsed = raw
		return []byte(result.Text), nil
	})
	if err != nil {
		return nil, apperr.External(Endpoint, err)
	}
	if hit {
		parsed, err = themes.ParseRaw(payload)
		if err != nil {
			return nil, apperr.External(Endpoint, err)
		}
	}

	proposed := themes.Normalize(parsed)
	for i := range proposed {
		ids := proposed[i].ResponseIDs[:0]
		for _, id := range proposed[i].ResponseIDs {
			if known[id] {
				delete(known, id)
				ids = append(ids, id)
			}
		}
		proposed[i].ResponseIDs = ids
	}
	g.logger.Info("themes proposed",
		"session_id", session.ID,
		"themes", len(proposed),
		"cache_hit", hit,
	)
	return proposed, nil
}

// priorSummaries is enrichment only; retrieval failures are logged and the
// prompt goes out without context.
func (g *Grouper) priorSummaries(ctx context.Context, session store.RetroSession, responses []store.Response) []string {
	if g.embedder == nil || g.index == nil || session.WorkspaceID == "" {
		return nil
	}
	texts := make([]string, 0, len(responses))
	for _, r := range responses {
		texts = append(texts, r.Text)
	}
	query := strings.Join(texts, "\n")
	vectors, err := g.embedder.Embed(ctx, g.cfg.EmbeddingModel, []string{query})
	if err != nil || len(vectors) != 1 {
		g.logger.Warn("grouping context embedding failed", "session_id", session.ID, "error", err)
		return nil
	}
	hits, err := g.index.Query(ctx, SummaryCollection(session.WorkspaceID), vectors[0], map[string]string{"kind": SummaryKind}, g.cfg.ContextDocs)
	if err != nil {
		g.logger.Warn("grouping context retrieval failed", "session_id", session.ID, "error", err)
		return nil
	}
	out := make([]string, 0, len(hits))
	for _, hit := range hits {
		if hit.Metadata["session_id"] == session.ID {
			continue
		}
		out = append(out, hit.Content)
	}
	return out
}

// SummaryCollection is the vector collection for a workspace's summaries.
func SummaryCollection(workspaceID string) string {
	return SummaryCollectionPrefix + workspaceID
}
