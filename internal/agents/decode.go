package agents

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// decodeArgs decodes a tool call's generic arguments map onto a typed
// args struct, matching the json-tag decode discipline
// internal/workflowstate uses for routing-command updates.
func decodeArgs(src map[string]any, dst any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           dst,
		TagName:          "json",
	})
	if err != nil {
		return fmt.Errorf("agents: building decoder: %w", err)
	}
	if err := dec.Decode(src); err != nil {
		return fmt.Errorf("agents: decoding arguments: %w", err)
	}
	return nil
}
