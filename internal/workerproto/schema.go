package workerproto

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor generates a tool input schema from a Go args type, adapted
// from kadirpekel-hector/pkg/tool/functiontool/schema.go's
// generateSchema: an object schema is trimmed to its `type`,
// `properties` and `required` keys; `$schema`, `$id` and any other
// top-level keys are dropped.
func SchemaFor[T any]() map[string]any {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	schemaMap, err := schemaToMap(schema)
	if err != nil {
		// Only reachable if a registered args type's schema cannot
		// round-trip through encoding/json, which would be a bug in
		// the args struct itself, not a runtime condition.
		panic(fmt.Sprintf("workerproto: building schema for %T: %v", *new(T), err))
	}

	if schemaMap["type"] != "object" {
		return schemaMap
	}

	result := map[string]any{
		"type":       "object",
		"properties": schemaMap["properties"],
	}
	if required, ok := schemaMap["required"]; ok {
		result["required"] = required
	}
	return result
}

func schemaToMap(schema *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	delete(result, "$schema")
	delete(result, "$id")
	return result, nil
}
