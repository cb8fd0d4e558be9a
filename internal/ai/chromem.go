package ai

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/apperr"
)

// ChromemIndex is a VectorIndex over an embedded chromem-go database.
type ChromemIndex struct {
	db          *chromem.DB
	embed       chromem.EmbeddingFunc
	collections sync.Map
}

// NewChromemIndex opens a persistent index at path, or an in-memory one when
// path is empty. Documents added without a vector and text queries are
// embedded with embedder.
func NewChromemIndex(path string, embedder Embedder, model string) (*ChromemIndex, error) {
	var (
		db  *chromem.DB
		err error
	)
	if path != "" {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}
	return &ChromemIndex{db: db, embed: embeddingFunc(embedder, model)}, nil
}

func embeddingFunc(embedder Embedder, model string) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		if embedder == nil {
			return nil, errors.New("no embedder configured")
		}
		vectors, err := embedder.Embed(ctx, model, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vectors) == 0 {
			return nil, errors.New("no embeddings returned")
		}
		return vectors[0], nil
	}
}

func (x *ChromemIndex) collection(name string) (*chromem.Collection, error) {
	if col, ok := x.collections.Load(name); ok {
		return col.(*chromem.Collection), nil
	}
	col, err := x.db.GetOrCreateCollection(name, nil, x.embed)
	if err != nil {
		return nil, err
	}
	actual, _ := x.collections.LoadOrStore(name, col)
	return actual.(*chromem.Collection), nil
}

func (x *ChromemIndex) Add(ctx context.Context, collection string, docs []VectorDocument) error {
	col, err := x.collection(collection)
	if err != nil {
		return apperr.External("vector store", err)
	}
	for _, doc := range docs {
		err := col.AddDocument(ctx, chromem.Document{
			ID:        doc.ID,
			Metadata:  doc.Metadata,
			Embedding: doc.Embedding,
			Content:   doc.Content,
		})
		if err != nil {
			return apperr.External("vector store", fmt.Errorf("add document %s: %w", doc.ID, err))
		}
	}
	return nil
}

func (x *ChromemIndex) Query(ctx context.Context, collection string, vector []float32, filters map[string]string, topK int) ([]VectorHit, error) {
	col, err := x.collection(collection)
	if err != nil {
		return nil, apperr.External("vector store", err)
	}
	if topK <= 0 {
		return []VectorHit{}, nil
	}
	if count := col.Count(); topK > count {
		topK = count
	}
	if topK == 0 {
		return []VectorHit{}, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, topK, filters, nil)
	if err != nil {
		return nil, apperr.External("vector store", err)
	}
	hits := make([]VectorHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, VectorHit{
			ID:         r.ID,
			Content:    r.Content,
			Metadata:   r.Metadata,
			Similarity: r.Similarity,
		})
	}
	return hits, nil
}
