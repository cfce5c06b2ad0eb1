package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/tracing"
	"github.com/parleyhq/parley/pkg/knowledge"
)

// KnowledgeSearcher is the slice of the knowledge manager the built-in
// search tool needs.
type KnowledgeSearcher interface {
	Search(ctx context.Context, tenantID, query string, limit int) ([]knowledge.Hit, error)
}

// CurrentTimeDefinition returns the built-in current_time tool.
func CurrentTimeDefinition() Definition {
	return Definition{
		Name:        "current_time",
		Description: "Returns the current date and time, optionally in a specific IANA timezone.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"timezone": map[string]interface{}{
					"type":        "string",
					"description": "IANA timezone name, e.g. Europe/Amsterdam. Defaults to UTC.",
				},
			},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			loc := time.UTC
			if tz, ok := params["timezone"].(string); ok && tz != "" {
				parsed, err := time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", tz)
				}
				loc = parsed
			}
			now := time.Now().In(loc)
			return map[string]interface{}{
				"iso":      now.Format(time.RFC3339),
				"timezone": loc.String(),
				"weekday":  now.Weekday().String(),
			}, nil
		},
	}
}

// KnowledgeSearchDefinition returns the built-in knowledge_search tool. The
// querying tenant comes from the execution context, never from the model.
func KnowledgeSearchDefinition(searcher KnowledgeSearcher) Definition {
	return Definition{
		Name:        "knowledge_search",
		Description: "Searches the tenant's knowledge base for relevant document passages.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search query describing what to look up.",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of passages to return (default 5).",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			tenantID := tracing.GetTenantID(ctx)
			if tenantID == "" {
				return nil, fmt.Errorf("no tenant in execution context")
			}

			query, _ := params["query"].(string)
			limit := 5
			if raw, ok := params["limit"].(float64); ok && raw > 0 {
				limit = int(raw)
			}

			hits, err := searcher.Search(ctx, tenantID, query, limit)
			if err != nil {
				return nil, fmt.Errorf("knowledge search failed: %w", err)
			}

			passages := make([]map[string]interface{}, 0, len(hits))
			for _, hit := range hits {
				passages = append(passages, map[string]interface{}{
					"path":    hit.Path,
					"content": hit.Content,
					"score":   hit.Score,
				})
			}
			return map[string]interface{}{"passages": passages}, nil
		},
	}
}
