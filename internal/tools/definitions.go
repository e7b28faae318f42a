package tools

import (
	"github.com/scrypster/spirit-memory/pkg/types"
)

// Param types
const (
	TypeString  = "string"
	TypeEnum    = "enum"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeArray   = "array"
)

// Param describes one flat tool parameter.
type Param struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Required    bool     `json:"required,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// Tool describes one operation for a tool-invocation layer.
type Tool struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Params      []Param `json:"params"`
}

// InputSchema renders the parameters as a JSON Schema object.
func (t Tool) InputSchema() map[string]any {
	props := make(map[string]any, len(t.Params))
	required := []string{}
	for _, p := range t.Params {
		prop := map[string]any{"description": p.Description}
		switch p.Type {
		case TypeEnum:
			prop["type"] = "string"
			prop["enum"] = p.Enum
		case TypeArray:
			prop["type"] = "array"
			prop["items"] = map[string]any{"type": "string"}
		default:
			prop["type"] = p.Type
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func categoryNames() []string {
	out := make([]string, len(types.ValidCategories))
	for i, c := range types.ValidCategories {
		out[i] = string(c)
	}
	return out
}

func sourceTypeNames() []string {
	out := make([]string, len(types.ValidSourceTypes))
	for i, s := range types.ValidSourceTypes {
		out[i] = string(s)
	}
	return out
}

// Definitions returns the six tools in a stable order.
func Definitions() []Tool {
	categories := categoryNames()
	sourceTypes := sourceTypeNames()

	return []Tool{
		{
			Name:        ToolStore,
			Description: "Store one memory. Category defaults to knowledge; importance and confidence are clamped to [0,1]. relatesTo links the new memory to the first existing memory whose summary or opening text contains it.",
			Params: []Param{
				{Name: "content", Type: TypeString, Required: true, Description: "The memory text"},
				{Name: "summary", Type: TypeString, Description: "Short form of the memory"},
				{Name: "category", Type: TypeEnum, Enum: categories, Description: "Memory category"},
				{Name: "importance", Type: TypeNumber, Description: "0.0-1.0, default 0.5"},
				{Name: "confidence", Type: TypeNumber, Description: "0.0-1.0, default 1.0"},
				{Name: "tags", Type: TypeArray, Description: "Free-form labels"},
				{Name: "relatesTo", Type: TypeString, Description: "Text identifying an existing memory to link to"},
				{Name: "sourceType", Type: TypeEnum, Enum: sourceTypes, Description: "Where the original content lives"},
				{Name: "sourceRef", Type: TypeString, Description: "Pointer to the original content"},
				{Name: "sourceRange", Type: TypeString, Description: "Line span start:end in the original"},
			},
		},
		{
			Name:        ToolRecall,
			Description: "Recall active memories ranked by match strength, importance, recency and use. An empty query browses by importance. Related memories up to two hops away are appended unless includeRelated is false.",
			Params: []Param{
				{Name: "query", Type: TypeString, Description: "What to look for"},
				{Name: "category", Type: TypeEnum, Enum: categories, Description: "Only this category"},
				{Name: "tags", Type: TypeArray, Description: "Only memories carrying any of these tags"},
				{Name: "limit", Type: TypeInteger, Description: "Direct matches to return, default 10, max 100"},
				{Name: "includeRelated", Type: TypeBoolean, Description: "Append related memories, default true"},
			},
		},
		{
			Name:        ToolUpdate,
			Description: "Replace a memory with a new version. The old version stays in history, linked to the new one.",
			Params: []Param{
				{Name: "id", Type: TypeString, Required: true, Description: "Memory to replace"},
				{Name: "content", Type: TypeString, Required: true, Description: "New text"},
				{Name: "summary", Type: TypeString, Description: "New short form"},
				{Name: "category", Type: TypeEnum, Enum: categories, Description: "New category, default unchanged"},
				{Name: "importance", Type: TypeNumber, Description: "New importance, default unchanged"},
				{Name: "confidence", Type: TypeNumber, Description: "New confidence, default unchanged"},
				{Name: "tags", Type: TypeArray, Description: "Tags to add"},
				{Name: "reason", Type: TypeString, Description: "Why the memory changed"},
			},
		},
		{
			Name:        ToolForget,
			Description: "Forget a memory. It no longer appears in recall but can still be looked up by id and fact-checked.",
			Params: []Param{
				{Name: "id", Type: TypeString, Required: true, Description: "Memory to forget"},
				{Name: "reason", Type: TypeString, Description: "Why it is forgotten"},
			},
		},
		{
			Name:        ToolExtract,
			Description: "Extract memories from content or from a source loaded by sourceType and sourceRef. Large inputs return a job id; pass jobId to check on it. A source already extracted is skipped unless force is true.",
			Params: []Param{
				{Name: "content", Type: TypeString, Description: "Text to extract from"},
				{Name: "sourceType", Type: TypeEnum, Enum: sourceTypes, Description: "Kind of source"},
				{Name: "sourceRef", Type: TypeString, Description: "Source to load when content is omitted"},
				{Name: "context", Type: TypeString, Description: "Hint about what matters in the content"},
				{Name: "maxDepth", Type: TypeInteger, Description: "Recursion depth for oversized sections, default 3"},
				{Name: "force", Type: TypeBoolean, Description: "Extract again even if already processed"},
				{Name: "tags", Type: TypeArray, Description: "Tags for every extracted memory"},
				{Name: "jobId", Type: TypeString, Description: "Report this job instead of extracting"},
			},
		},
		{
			Name:        ToolSource,
			Description: "Fetch the original content behind a memory id or source reference, optionally only lines start:end, searching every pack this agent may read.",
			Params: []Param{
				{Name: "source", Type: TypeString, Required: true, Description: "Memory id or source reference"},
				{Name: "sourceType", Type: TypeEnum, Enum: sourceTypes, Description: "Kind of source, for raw references"},
				{Name: "range", Type: TypeString, Description: "start:end or all; defaults to the memory's own lines"},
			},
		},
	}
}
