package journal

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// haltRecordSchema is the full-field contract a halt-shaped journal line must
// satisfy before replay treats it as a halt. A record that looks like a halt
// but fails this validation is noise, not a halt.
const haltRecordSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "anyOf": [
    {"required": ["halt_id"], "properties": {"halt_id": {"type": "string", "minLength": 1}}},
    {"required": ["stop_id"], "properties": {"stop_id": {"type": "string", "minLength": 1}}}
  ],
  "required": ["stage", "invariant_id", "reason", "details", "evidence", "retryability", "timestamp"],
  "properties": {
    "stage": {"type": "string", "minLength": 1},
    "invariant_id": {"type": "string", "minLength": 1},
    "reason": {"type": "string", "minLength": 1},
    "details": {"type": "string", "minLength": 1},
    "retryability": {"enum": ["retryable", "terminal"]},
    "timestamp": {"type": "string", "minLength": 1},
    "evidence": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["reference"],
        "properties": {"reference": {"type": "string", "minLength": 1}}
      }
    }
  }
}`

var compiledHaltSchema = mustCompileHaltSchema()

func mustCompileHaltSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://keel.schemas.local/halt_record.schema.json"
	if err := c.AddResource(url, strings.NewReader(haltRecordSchema)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

// validHaltShape reports whether a decoded JSON object satisfies the halt
// record contract.
func validHaltShape(obj map[string]any) bool {
	return compiledHaltSchema.Validate(obj) == nil
}
