package knowledge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ehr/assistant/internal/domain/prompt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
)

const DefaultClass = "MedicalKnowledge"

// WeaviateRetriever runs BM25 search over a Weaviate class holding Document
// properties, filtered by audience.
type WeaviateRetriever struct {
	client *weaviate.Client
	class  string
}

func NewWeaviateRetriever(host, scheme, class string) (*WeaviateRetriever, error) {
	if scheme == "" {
		scheme = "http"
	}
	if class == "" {
		class = DefaultClass
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: host, Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &WeaviateRetriever{client: client, class: class}, nil
}

func (w *WeaviateRetriever) Retrieve(ctx context.Context, query string, audience Audience, k int) ([]prompt.Passage, error) {
	if k <= 0 {
		k = DefaultTopK
	}
	bm25 := w.client.GraphQL().Bm25ArgBuilder().
		WithQuery(query).
		WithProperties("text", "topic", "subtopic")
	where := filters.Where().
		WithPath([]string{"audience"}).
		WithOperator(filters.Equal).
		WithValueString(string(audience))

	result, err := w.client.GraphQL().Get().
		WithClassName(w.class).
		WithBM25(bm25).
		WithWhere(where).
		WithLimit(k).
		WithFields(
			graphql.Field{Name: "doc_id"},
			graphql.Field{Name: "topic"},
			graphql.Field{Name: "subtopic"},
			graphql.Field{Name: "audience"},
			graphql.Field{Name: "source"},
			graphql.Field{Name: "text"},
		).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("query knowledge: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("query knowledge: %s", result.Errors[0].Message)
	}

	raw, err := json.Marshal(result.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal weaviate response: %w", err)
	}
	docs, err := decodeGet(raw, w.class)
	if err != nil {
		return nil, err
	}
	out := make([]prompt.Passage, 0, len(docs))
	for _, d := range docs {
		if d.Audience != audience {
			continue
		}
		out = append(out, d.passage())
	}
	return out, nil
}

func decodeGet(raw []byte, class string) ([]Document, error) {
	var resp struct {
		Get map[string][]Document `json:"Get"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal weaviate response: %w", err)
	}
	return resp.Get[class], nil
}

// Seed writes docs into the class.
func (w *WeaviateRetriever) Seed(ctx context.Context, docs []Document) (int, error) {
	n := 0
	for _, d := range docs {
		_, err := w.client.Data().Creator().
			WithClassName(w.class).
			WithProperties(map[string]interface{}{
				"doc_id":   d.ID,
				"topic":    d.Topic,
				"subtopic": d.Subtopic,
				"audience": string(d.Audience),
				"source":   d.Source,
				"text":     d.Text,
			}).
			Do(ctx)
		if err != nil {
			return n, fmt.Errorf("seed %s: %w", d.ID, err)
		}
		n++
	}
	return n, nil
}
