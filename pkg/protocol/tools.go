package protocol

// Tool is the metadata contract for tool panels and invocations.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	// InputSchema and OutputSchema are JSON Schema documents.
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
	// UISchema carries form-rendering hints (RJSF style).
	UISchema    map[string]any `json:"ui_schema,omitempty"`
	RenderHints map[string]any `json:"render_hints,omitempty"`
}

// SchemaContract is the form/UI schema contract for dynamic form generation.
type SchemaContract struct {
	Title       string         `json:"title"`
	JSONSchema  map[string]any `json:"json_schema"`
	UISchema    map[string]any `json:"ui_schema,omitempty"`
	RenderHints map[string]any `json:"render_hints,omitempty"`
}
