package llm

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Shape is a structured output target. Validate enforces constraints that
// JSON decoding alone does not, such as closed enums and list bounds.
type Shape interface {
	Validate() error
}

// SchemaFor reflects T into an inline JSON Schema suitable for a provider's
// json_schema response format.
func SchemaFor[T Shape](name string) (*Schema, error) {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	s := r.Reflect(&zero)
	s.Version = ""
	s.ID = ""

	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal schema %s: %w", name, err)
	}
	return &Schema{Name: name, JSON: raw}, nil
}
