package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/BaSui01/dataforge/fingerprint"
	"github.com/BaSui01/dataforge/types"
)

// buildRequests renders one generic request per input row. The prompt
// template sees the row decoded as a JSON object; the rendered text becomes
// the user message, preceded by the system prompt when one is set. Row
// index becomes the request's stable identity.
func buildRequests(def *fingerprint.WorkDefinition, rows []json.RawMessage) ([]types.GenericRequest, error) {
	tmpl, err := template.New("prompt").Option("missingkey=error").Parse(def.PromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}

	requests := make([]types.GenericRequest, 0, len(rows))
	for i, row := range rows {
		var data map[string]any
		if err := json.Unmarshal(row, &data); err != nil {
			return nil, fmt.Errorf("row %d: decode: %w", i, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("row %d: render prompt: %w", i, err)
		}

		var messages []types.Message
		if def.SystemPrompt != "" {
			messages = append(messages, types.Message{Role: types.RoleSystem, Content: def.SystemPrompt})
		}
		messages = append(messages, types.Message{Role: types.RoleUser, Content: buf.String()})

		requests = append(requests, types.GenericRequest{
			Model:            def.Model,
			Messages:         messages,
			OriginalRowIdx:   i,
			GenerationParams: def.GenerationParams,
			ResponseSchema:   def.ResponseSchema,
		})
	}
	return requests, nil
}
