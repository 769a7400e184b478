package facilitator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Responses are checked against these schemas before decoding, so a
// facilitator that answers 200 with an unexpected body is reported as
// schema_invalid instead of being read as a zero-value verdict.

const verifySchemaJSON = `{
  "type": "object",
  "required": ["isValid"],
  "properties": {
    "isValid": {"type": "boolean"},
    "invalidReason": {"type": ["string", "null"]},
    "payer": {"type": ["string", "null"]}
  }
}`

const settleSchemaJSON = `{
  "type": "object",
  "required": ["success"],
  "properties": {
    "success": {"type": "boolean"},
    "errorReason": {"type": ["string", "null"]},
    "transaction": {"type": "string"},
    "network": {"type": "string"},
    "payer": {"type": ["string", "null"]}
  },
  "if": {"properties": {"success": {"const": true}}},
  "then": {"required": ["transaction"], "properties": {"transaction": {"minLength": 1}}}
}`

const supportedSchemaJSON = `{
  "type": "object",
  "required": ["kinds"],
  "properties": {
    "kinds": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["scheme", "network"],
        "properties": {
          "x402Version": {"type": "integer"},
          "scheme": {"type": "string"},
          "network": {"type": "string"}
        }
      }
    }
  }
}`

var (
	verifySchema    = mustSchema(verifySchemaJSON)
	settleSchema    = mustSchema(settleSchemaJSON)
	supportedSchema = mustSchema(supportedSchemaJSON)
)

type jsonSchema struct {
	schema *gojsonschema.Schema
}

func mustSchema(src string) *jsonSchema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("facilitator: bad schema: %v", err))
	}
	return &jsonSchema{schema: s}
}

func (s *jsonSchema) validate(doc []byte) error {
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
	}
	return errors.New(strings.Join(msgs, "; "))
}
