package paywall

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

type bodyValidator struct {
	schema *gojsonschema.Schema
}

func newBodyValidator(schema json.RawMessage) (*bodyValidator, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}
	return &bodyValidator{schema: s}, nil
}

// validate returns one line per problem, or nil when body conforms.
func (v *bodyValidator) validate(body []byte) []string {
	if len(body) == 0 {
		return []string{"(root): request body is required"}
	}
	if !json.Valid(body) {
		return []string{"(root): request body is not valid JSON"}
	}
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return []string{"(root): " + err.Error()}
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return problems
}
