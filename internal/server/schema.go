package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// createChangeSchema validates the change submission payload before
// it reaches the store.
const createChangeSchema = `{
	"type": "object",
	"required": ["title"],
	"additionalProperties": false,
	"properties": {
		"title": {"type": "string", "minLength": 1, "maxLength": 200},
		"description": {"type": "string", "maxLength": 4000},
		"assignedTo": {"type": "string", "maxLength": 100},
		"scheduledFor": {"type": "string", "format": "date-time"},
		"estimatedEndTime": {"type": "string", "format": "date-time"}
	}
}`

var createChangeLoader = gojsonschema.NewStringLoader(createChangeSchema)

func validateCreateChange(r *http.Request) (*createChangeRequest, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	result, err := gojsonschema.Validate(createChangeLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON body")
	}
	if !result.Valid() {
		msgs := []string{}
		for _, e := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		return nil, fmt.Errorf("payload validation failed: %s", strings.Join(msgs, "; "))
	}

	var body createChangeRequest
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("invalid JSON body")
	}
	return &body, nil
}
