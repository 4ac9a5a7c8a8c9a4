package nl2sql

import (
	"encoding/json"
	"strings"
)

const (
	sqlFence     = "```sql"
	genericFence = "```"
)

// NormalizeCompletion pulls SQL out of a model reply. A JSON object with a
// "sql" field wins; otherwise the first ```sql block, then the first generic
// fenced block. Anything else yields empty SQL.
func NormalizeCompletion(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") {
		var structured struct {
			SQL string `json:"sql"`
		}
		if err := json.Unmarshal([]byte(trimmed), &structured); err == nil {
			return strings.TrimSpace(structured.SQL)
		}
	}
	if _, after, ok := strings.Cut(trimmed, sqlFence); ok {
		body, _, _ := strings.Cut(after, genericFence)
		return strings.TrimSpace(body)
	}
	if _, after, ok := strings.Cut(trimmed, genericFence); ok {
		body, _, _ := strings.Cut(after, genericFence)
		return strings.TrimSpace(body)
	}
	return ""
}
