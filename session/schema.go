package session

import "github.com/invopop/jsonschema"

// JSONSchema hooks so that reflected schemas match the text encodings.

func (Reference) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Pattern: `^[^/]+/[^/]+/[^/]+$`, Description: "{scid}/{template}/{name}"}
}

func enumSchema(names []string) *jsonschema.Schema {
	enum := make([]any, len(names))
	for i, n := range names {
		enum[i] = n
	}
	return &jsonschema.Schema{Type: "string", Enum: enum}
}

func (MemberStatus) JSONSchema() *jsonschema.Schema        { return enumSchema(memberStatusNames) }
func (Visibility) JSONSchema() *jsonschema.Schema          { return enumSchema(visibilityNames) }
func (Restriction) JSONSchema() *jsonschema.Schema         { return enumSchema(restrictionNames) }
func (MatchmakingStatus) JSONSchema() *jsonschema.Schema   { return enumSchema(matchmakingNames) }
func (InitializationStage) JSONSchema() *jsonschema.Schema { return enumSchema(initializationNames) }
