package mcpservice

import (
	"fmt"
	"strconv"

	"github.com/ggoodman/mcp-exchange-server/mcp"
)

// Class partitions tools for reporting. It has no effect on dispatch.
type Class string

const (
	ClassPublic  Class = "public"
	ClassPrivate Class = "private"
)

// Registry is the immutable catalogue of tools, built once at startup.
// Listing order is registration order.
type Registry struct {
	tools  []Tool
	byName map[string]int
}

// NewRegistry builds a Registry. Duplicate or empty names are rejected.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{
		tools:  make([]Tool, 0, len(tools)),
		byName: make(map[string]int, len(tools)),
	}
	for _, t := range tools {
		name := t.Name()
		if name == "" {
			return nil, fmt.Errorf("tool name is required")
		}
		if t.Handler == nil {
			return nil, fmt.Errorf("tool %q has no handler", name)
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("duplicate tool name %q", name)
		}
		r.byName[name] = len(r.tools)
		r.tools = append(r.tools, t)
	}
	return r, nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Tool{}, false
	}
	return r.tools[i], true
}

// List returns every tool descriptor in registration order.
func (r *Registry) List() []mcp.Tool {
	out := make([]mcp.Tool, len(r.tools))
	for i, t := range r.tools {
		out[i] = t.Descriptor
	}
	return out
}

// Page returns up to size descriptors starting at the offset encoded in
// cursor, plus the cursor for the next page (empty when exhausted). A
// non-positive size returns everything. Malformed cursors restart at zero.
func (r *Registry) Page(cursor string, size int) ([]mcp.Tool, string) {
	all := r.List()
	if size <= 0 {
		return all, ""
	}
	start, err := strconv.Atoi(cursor)
	if err != nil || start < 0 || start > len(all) {
		start = 0
	}
	end := min(start+size, len(all))
	if end < len(all) {
		return all[start:end], strconv.Itoa(end)
	}
	return all[start:end], ""
}

// Len returns the number of registered tools.
func (r *Registry) Len() int { return len(r.tools) }

// Counts returns the number of public and private tools.
func (r *Registry) Counts() (public, private int) {
	for _, t := range r.tools {
		if t.Class == ClassPrivate {
			private++
		} else {
			public++
		}
	}
	return public, private
}
