package nl2sql

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sqlagent/sqlagent/internal/catalog"
)

const (
	schemaHeader   = "Database Schema:"
	examplesHeader = "Example Queries:"
	questionHeader = "Please analyze the following question using the schema and example queries:"
	answerGuidance = "First, think about which tables and columns you need to answer this question.\n" +
		"Then, write an SQL query that will answer the question accurately."
)

// Context is the bounded material handed to the generator for one template.
// Prompt holds the schema followed by the serialized examples; Render adds
// the question framing.
type Context struct {
	Schema   string
	Examples []catalog.Example
	Prompt   string
}

// Render produces the full user message for question.
func (c Context) Render(question string) string {
	var b strings.Builder
	b.WriteString(c.Prompt)
	b.WriteString("\n\n")
	b.WriteString(questionHeader)
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\n\n")
	b.WriteString(answerGuidance)
	return b.String()
}

// ContextBuilder caps the number of examples carried into a prompt. A zero
// MaxExamples keeps all of them.
type ContextBuilder struct {
	MaxExamples int
}

func BuildContext(schemaText string, examples []catalog.Example) Context {
	return ContextBuilder{}.Build(schemaText, examples)
}

func (b ContextBuilder) Build(schemaText string, examples []catalog.Example) Context {
	kept := examples
	if b.MaxExamples > 0 && len(kept) > b.MaxExamples {
		kept = kept[:b.MaxExamples]
	}
	kept = append(make([]catalog.Example, 0, len(kept)), kept...)

	var prompt strings.Builder
	prompt.WriteString(schemaHeader)
	prompt.WriteString("\n")
	prompt.WriteString(schemaText)
	prompt.WriteString("\n\n")
	prompt.WriteString(examplesHeader)
	prompt.WriteString("\n")
	prompt.WriteString(encodeExamples(kept))

	return Context{Schema: schemaText, Examples: kept, Prompt: prompt.String()}
}

func encodeExamples(examples []catalog.Example) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	// Encoding a slice of string-only structs cannot fail.
	_ = enc.Encode(examples)
	return strings.TrimRight(buf.String(), "\n")
}

// ParseExamples reads back the example list serialized into a prompt.
func ParseExamples(prompt string) ([]catalog.Example, error) {
	idx := strings.Index(prompt, "\n"+examplesHeader+"\n")
	if idx < 0 {
		return nil, fmt.Errorf("prompt has no %q section", examplesHeader)
	}
	dec := json.NewDecoder(strings.NewReader(prompt[idx+len(examplesHeader)+2:]))
	var out []catalog.Example
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode examples: %w", err)
	}
	return out, nil
}
