package universe

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// listSchema accepts the three published list layouts.
const listSchema = `{
  "anyOf": [
    {"$ref": "#/$defs/symbols"},
    {
      "type": "object",
      "required": ["symbols"],
      "properties": {"symbols": {"$ref": "#/$defs/symbols"}}
    },
    {
      "type": "object",
      "required": ["data"],
      "properties": {
        "data": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["symbol"],
            "properties": {"symbol": {"type": "string", "minLength": 1}}
          }
        }
      }
    }
  ],
  "$defs": {
    "symbols": {"type": "array", "items": {"type": "string"}}
  }
}`

var compiledList = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("universe.json", strings.NewReader(listSchema)); err != nil {
		return nil, err
	}
	return compiler.Compile("universe.json")
})

// validateList checks a decoded JSON or YAML document against listSchema.
func validateList(doc any) error {
	sch, err := compiledList()
	if err != nil {
		return fmt.Errorf("universe: compiling list schema: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("universe: unexpected list layout: %w", err)
	}
	return nil
}
