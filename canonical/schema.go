package canonical

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON Schema of Message. Rendering collaborators use it
// to validate the canonical stream they receive.
func Schema() (json.RawMessage, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(&Message{})
	schema.Title = "CanonicalMessage"

	b, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal canonical schema: %w", err)
	}
	return b, nil
}
