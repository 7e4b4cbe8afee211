package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/harun/sparrow/pkg/agent"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

const maxOutputSize = 10 * 1024

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// ToolDefinition defines an in-process tool. Name must already be qualified
// as <group>_<tool> so it reads like an MCP tool in the catalog.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
	Handler     ToolHandler     `json:"-"`
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]any) (any, error)

type localTool struct {
	def        ToolDefinition
	schemaMap  map[string]any
	validation *gojsonschema.Schema
}

// LocalRegistry holds tools implemented in-process.
type LocalRegistry struct {
	tools map[string]*localTool
	mu    sync.RWMutex
}

// NewLocalRegistry creates an empty registry
func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{
		tools: make(map[string]*localTool),
	}
}

// RegisterTool registers a tool, replacing any tool with the same name.
func (r *LocalRegistry) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schemaMap := generateJSONSchema(def)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools[def.Name] = &localTool{def: def, schemaMap: schemaMap, validation: schema}

	log.Debug().Str("tool", def.Name).Msg("Local tool registered")

	return nil
}

// UnregisterTool removes a tool
func (r *LocalRegistry) UnregisterTool(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Has reports whether name is a registered local tool.
func (r *LocalRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// ListTools returns the sorted names of all tools.
func (r *LocalRegistry) ListTools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns catalog entries for every tool, sorted by name.
func (r *LocalRegistry) Specs() []agent.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]agent.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, agent.ToolSpec{
			QualifiedName: t.def.Name,
			Description:   t.def.Description,
			InputSchema:   t.schemaMap,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].QualifiedName < specs[j].QualifiedName })
	return specs
}

// Execute validates params and runs the tool. Non-string output is JSON encoded.
func (r *LocalRegistry) Execute(ctx context.Context, name string, params map[string]any) (string, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tool not found: %s", name)
	}

	if params == nil {
		params = map[string]any{}
	}
	if err := validateParameters(tool.validation, params); err != nil {
		return "", fmt.Errorf("parameter validation failed: %w", err)
	}

	output, err := tool.def.Handler(ctx, params)
	if err != nil {
		return "", err
	}

	return truncateOutput(formatOutput(output)), nil
}

func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}
	}

	return nil
}

func generateJSONSchema(def ToolDefinition) map[string]any {
	properties := make(map[string]any, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]any{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func validateParameters(schema *gojsonschema.Schema, params map[string]any) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errs := []string{}
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation errors: %v", errs)
	}

	return nil
}

func formatOutput(output any) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func truncateOutput(s string) string {
	if len(s) <= maxOutputSize {
		return s
	}

	log.Warn().
		Int("original", len(s)).
		Int("truncated", maxOutputSize).
		Msg("Output truncated")

	return s[:maxOutputSize] + "\n... [output truncated]"
}
