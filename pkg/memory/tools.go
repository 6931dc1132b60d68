package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/dungtrantricreative-ui/Manus-C-Sen/pkg/toolexecutor"
)

// ToolExecutor is the registration surface the store needs. Declared
// here to avoid depending on the concrete executor.
type ToolExecutor interface {
	RegisterTool(def toolexecutor.ToolDefinition) error
}

const resultSnippetLen = 500

// RegisterTools registers the note and knowledge tools with the executor.
func RegisterTools(executor ToolExecutor, store *Store) error {
	tools := []toolexecutor.ToolDefinition{
		{
			Name:        "memory_save",
			Description: "Save a note under a key so it survives across sessions. Overwrites any existing note with the same key.",
			Category:    toolexecutor.CategoryMemory,
			Parameters: []toolexecutor.ToolParameter{
				{
					Name:        "key",
					Type:        "string",
					Description: "Note key, e.g. 'project:deadline'",
					Required:    true,
				},
				{
					Name:        "value",
					Type:        "string",
					Description: "Note content",
					Required:    true,
				},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				key, _ := params["key"].(string)
				value, _ := params["value"].(string)

				sessionKey := ""
				if execCtx := toolexecutor.ExecContextFromContext(ctx); execCtx != nil {
					sessionKey = execCtx.SessionKey
				}

				if err := store.SaveNote(ctx, key, value, sessionKey); err != nil {
					return nil, err
				}
				return fmt.Sprintf("Saved note %q (%d bytes).", key, len(value)), nil
			},
		},
		{
			Name:        "memory_recall",
			Description: "Recall a note by key. Suggests similar keys when the exact key is missing.",
			Category:    toolexecutor.CategoryMemory,
			Parameters: []toolexecutor.ToolParameter{
				{
					Name:        "key",
					Type:        "string",
					Description: "Note key to look up",
					Required:    true,
				},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				key, _ := params["key"].(string)

				note, err := store.GetNote(ctx, key)
				if err != nil {
					return nil, err
				}
				if note != nil {
					return note.Value, nil
				}

				similar, err := store.SearchNotes(ctx, key, 5)
				if err != nil || len(similar) == 0 {
					return fmt.Sprintf("No note stored under %q.", key), nil
				}

				keys := make([]string, 0, len(similar))
				for _, n := range similar {
					keys = append(keys, n.Key)
				}
				return fmt.Sprintf("No note stored under %q. Similar keys: %s", key, strings.Join(keys, ", ")), nil
			},
		},
		{
			Name:        "knowledge_save",
			Description: "Store a long-form knowledge entry for later search.",
			Category:    toolexecutor.CategoryMemory,
			Parameters: []toolexecutor.ToolParameter{
				{
					Name:        "title",
					Type:        "string",
					Description: "Entry title",
					Required:    true,
				},
				{
					Name:        "content",
					Type:        "string",
					Description: "Entry body",
					Required:    true,
				},
				{
					Name:        "source",
					Type:        "string",
					Description: "Optional origin, e.g. a URL",
					Required:    false,
				},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				title, _ := params["title"].(string)
				content, _ := params["content"].(string)
				source, _ := params["source"].(string)

				id, err := store.SaveKnowledge(ctx, Entry{
					Title:   title,
					Content: content,
					Source:  source,
				})
				if err != nil {
					return nil, err
				}
				return fmt.Sprintf("Saved knowledge entry %q (id %s).", title, id), nil
			},
		},
		{
			Name:        "knowledge_search",
			Description: "Search stored knowledge entries by keyword and semantic similarity.",
			Category:    toolexecutor.CategoryMemory,
			Parameters: []toolexecutor.ToolParameter{
				{
					Name:        "query",
					Type:        "string",
					Description: "Search query",
					Required:    true,
				},
				{
					Name:        "limit",
					Type:        "integer",
					Description: "Maximum number of results",
					Required:    false,
					Default:     5,
				},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				query, _ := params["query"].(string)
				limit := 5
				if v, ok := params["limit"].(float64); ok && v > 0 {
					limit = int(v)
				}

				results, err := store.SearchKnowledge(ctx, query, &SearchOptions{
					Limit:         limit,
					VectorWeight:  0.7,
					KeywordWeight: 0.3,
				})
				if err != nil {
					return nil, err
				}
				if len(results) == 0 {
					return fmt.Sprintf("No knowledge entries matched %q.", query), nil
				}

				return formatSearchResults(results), nil
			},
		},
		{
			Name:        "knowledge_list",
			Description: "List stored knowledge entries, newest first.",
			Category:    toolexecutor.CategoryMemory,
			Parameters: []toolexecutor.ToolParameter{
				{
					Name:        "limit",
					Type:        "integer",
					Description: "Maximum number of entries",
					Required:    false,
					Default:     20,
				},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				limit := 20
				if v, ok := params["limit"].(float64); ok && v > 0 {
					limit = int(v)
				}

				entries, err := store.ListKnowledge(ctx, limit)
				if err != nil {
					return nil, err
				}
				if len(entries) == 0 {
					return "No knowledge entries stored yet.", nil
				}

				var b strings.Builder
				for _, entry := range entries {
					fmt.Fprintf(&b, "- %s (id %s", entry.Title, entry.ID)
					if entry.Source != "" {
						fmt.Fprintf(&b, ", source %s", entry.Source)
					}
					b.WriteString(")\n")
				}
				return strings.TrimRight(b.String(), "\n"), nil
			},
		},
	}

	for _, tool := range tools {
		if err := executor.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}

	return nil
}

func formatSearchResults(results []SearchResult) string {
	blocks := make([]string, 0, len(results))
	for i, r := range results {
		content := r.Content
		if len(content) > resultSnippetLen {
			content = content[:resultSnippetLen] + "..."
		}

		var b strings.Builder
		fmt.Fprintf(&b, "%d. %s (score %.2f)\n", i+1, r.Title, r.Score)
		if r.Source != "" {
			fmt.Fprintf(&b, "Source: %s\n", r.Source)
		}
		b.WriteString(content)
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n---\n")
}
