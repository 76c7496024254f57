package dsl

import (
	"gopkg.in/yaml.v3"
)

// ParseDocument parses YAML text into a document mapping. what describes
// the text for error messages, e.g. "failed to parse blueprint".
//
// Unparsable text is a FormatError with CodeIllegalYAML, text holding no
// document is CodeEmptyYAML, and a document that is not a mapping is
// CodeSchemaInvalid.
//
// This is a pure function.
func ParseDocument(data []byte, what string) (map[string]any, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, NewFormatError(CodeIllegalYAML, "%s: illegal yaml; %v", what, err)
	}
	if raw == nil {
		return nil, NewFormatError(CodeEmptyYAML, "%s: empty yaml", what)
	}

	doc, ok := CloneValue(raw).(map[string]any)
	if !ok {
		return nil, NewFormatError(CodeSchemaInvalid, "%s: document must be a mapping, got %T", what, raw)
	}
	return doc, nil
}
