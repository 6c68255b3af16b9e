package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ggoodman/mcp-exchange-server/mcp"
	"github.com/invopop/jsonschema"
)

// ErrInvalidArguments is returned when tool arguments fail to decode or
// violate the tool's input schema.
var ErrInvalidArguments = errors.New("invalid arguments")

// ToolHandler executes a tool against raw JSON arguments and returns the
// result payload. A string payload is rendered verbatim; anything else is
// rendered as indented JSON.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool pairs an MCP tool descriptor with its handler and execution policy.
type Tool struct {
	Descriptor mcp.Tool
	Class      Class
	// Timeout bounds a single invocation. Zero means the caller's deadline
	// applies unchanged.
	Timeout time.Duration
	Handler ToolHandler
}

// Name returns the tool's registered name.
func (t Tool) Name() string { return t.Descriptor.Name }

// ToolRequest is the container for decoded tool input. It is generic over
// the typed argument struct A.
type ToolRequest[A any] struct {
	name string
	raw  json.RawMessage
	args A
}

func (r *ToolRequest[A]) Name() string                  { return r.name }
func (r *ToolRequest[A]) RawArguments() json.RawMessage { return r.raw }
func (r *ToolRequest[A]) Args() A                       { return r.args }

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	class                     Class
	timeout                   time.Duration
	allowAdditionalProperties bool
	enums                     map[string][]any
	descriptions              map[string]string
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolClass tags the tool as public or private. Defaults to ClassPublic.
func WithToolClass(class Class) ToolOption {
	return func(c *toolConfig) { c.class = class }
}

// WithToolTimeout bounds each invocation of the tool.
func WithToolTimeout(d time.Duration) ToolOption {
	return func(c *toolConfig) { c.timeout = d }
}

// WithToolAllowAdditionalProperties controls whether unknown fields are allowed.
// When false (default), the generated schema sets additionalProperties=false and
// runtime decoding rejects unknown fields.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// WithToolEnum restricts a top-level string property to values that are only
// known at runtime, such as the configured exchange allow-list. The
// restriction is advertised in the schema and enforced on every call.
func WithToolEnum(property string, values ...string) ToolOption {
	return func(c *toolConfig) {
		if c.enums == nil {
			c.enums = make(map[string][]any)
		}
		vs := make([]any, len(values))
		for i, v := range values {
			vs[i] = v
		}
		c.enums[property] = vs
	}
}

// WithToolPropertyDescription overrides the description of a top-level
// property.
func WithToolPropertyDescription(property, desc string) ToolOption {
	return func(c *toolConfig) {
		if c.descriptions == nil {
			c.descriptions = make(map[string]string)
		}
		c.descriptions[property] = desc
	}
}

// NewTool constructs a Tool from a typed args struct A. It:
//   - Reflects a JSON Schema from A using invopop/jsonschema
//   - Down-converts it to MCP's simplified ToolInputSchema
//   - Wraps the handler with runtime validation (required fields, enums) and
//     JSON decoding that rejects unknown fields by default
//
// Validation failures are returned wrapped in ErrInvalidArguments without
// reaching fn.
func NewTool[A any](name string, fn func(ctx context.Context, r *ToolRequest[A]) (any, error), opts ...ToolOption) Tool {
	cfg := toolConfig{class: ClassPublic}
	for _, opt := range opts {
		opt(&cfg)
	}
	input := reflectToMCPInputSchema[A](cfg.allowAdditionalProperties)
	for prop, vals := range cfg.enums {
		if p, ok := input.Properties[prop]; ok {
			p.Enum = vals
			input.Properties[prop] = p
		}
	}
	for prop, desc := range cfg.descriptions {
		if p, ok := input.Properties[prop]; ok {
			p.Description = desc
			input.Properties[prop] = p
		}
	}
	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: input,
	}

	handler := func(ctx context.Context, raw json.RawMessage) (any, error) {
		if err := validateArguments(input, raw); err != nil {
			return nil, err
		}
		var a A
		if hasArguments(raw) {
			dec := json.NewDecoder(bytes.NewReader(raw))
			if !cfg.allowAdditionalProperties {
				dec.DisallowUnknownFields()
			}
			if err := dec.Decode(&a); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
			}
		}
		return fn(ctx, &ToolRequest[A]{name: name, raw: raw, args: a})
	}

	return Tool{Descriptor: desc, Class: cfg.class, Timeout: cfg.timeout, Handler: handler}
}

func hasArguments(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// validateArguments checks presence of required properties and enum
// membership of top-level properties.
func validateArguments(schema mcp.ToolInputSchema, raw json.RawMessage) error {
	fields := map[string]json.RawMessage{}
	if hasArguments(raw) {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return fmt.Errorf("%w: arguments must be a JSON object", ErrInvalidArguments)
		}
	}
	for _, name := range schema.Required {
		v, ok := fields[name]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return fmt.Errorf("%w: missing required property %q", ErrInvalidArguments, name)
		}
	}
	for name, prop := range schema.Properties {
		v, ok := fields[name]
		if !ok || len(prop.Enum) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			continue
		}
		var got any
		if err := json.Unmarshal(v, &got); err != nil {
			return fmt.Errorf("%w: property %q: %v", ErrInvalidArguments, name, err)
		}
		if !slices.ContainsFunc(prop.Enum, func(e any) bool { return fmt.Sprint(e) == fmt.Sprint(got) }) {
			return fmt.Errorf("%w: property %q must be one of %v, got %v", ErrInvalidArguments, name, prop.Enum, got)
		}
	}
	return nil
}

// reflectToMCPInputSchema reflects a Go type A into a jsonschema.Schema, and
// converts it to the simplified mcp.ToolInputSchema. Unknown field policy is
// surfaced via the AdditionalProperties flag on the returned schema.
func reflectToMCPInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	// Tools without arguments still advertise an empty object.
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			Required:             []string{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toMCPProperty(el.Value)
		}
	}
	required := make([]string, 0, len(s.Required))
	required = append(required, s.Required...)

	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

// toMCPProperty recursively maps a jsonschema.Schema to the simplified MCP SchemaProperty.
func toMCPProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
		Default:     s.Default,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toMCPProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toMCPProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}
