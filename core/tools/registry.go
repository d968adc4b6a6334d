// Package tools implements the Tool Registry & Resolver (spec §4.9,
// component C1) and the Tool Invocation Service (spec §4.9, component C2).
//
// Grounded on runtime/agent/tools/tools.go's ToolSpec shape and
// runtime/toolregistry/messages.go's wire protocol, simplified from the
// teacher's codec-generation approach (ToolSpec[In,Out] with generated
// JSONCodec) to a plain JSON-Schema-validated descriptor, since this core
// has no code generator of its own.
package tools

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/agentcore/contracts"
	"goa.design/agentcore/core/tools/policy"
	"goa.design/agentcore/coreerrors"
)

// Handler executes a tool call and returns a buffered result.
type Handler func(ctx context.Context, req contracts.ToolRequest) (contracts.ToolResult, error)

// StreamHandler executes a tool call progressively, emitting ToolChunks
// until one with Final=true (spec §4.9 execute_tool_stream).
type StreamHandler func(ctx context.Context, req contracts.ToolRequest, out chan<- contracts.ToolChunk) error

// Descriptor is a registered tool (spec §4.9 "Tools are registered under
// namespace.short_name").
type Descriptor struct {
	Namespace   string
	ShortName   string
	Description string
	Tags        []string
	Schema      map[string]any
	Headers     map[string]string // static server/tool headers, lowest precedence
	Handler     Handler
	Stream      StreamHandler
}

// FullName is the qualified "namespace.short_name" identifier.
func (d *Descriptor) FullName() string { return d.Namespace + "." + d.ShortName }

// Registry maintains the namespace.short_name -> Descriptor mapping and
// resolves symbolic tool lists under permission checks.
type Registry struct {
	mu          sync.RWMutex
	byFullName  map[string]*Descriptor
	byShortName map[string][]*Descriptor // candidates for a short alias, unsorted until Register finishes
	schemas     map[string]*jsonschema.Schema
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byFullName:  make(map[string]*Descriptor),
		byShortName: make(map[string][]*Descriptor),
		schemas:     make(map[string]*jsonschema.Schema),
	}
}

// Register adds d to the registry, compiling its JSON Schema (if any) once
// so ExecuteTool never pays compilation cost per call.
func (r *Registry) Register(d *Descriptor) error {
	full := d.FullName()
	r.mu.Lock()
	defer r.mu.Unlock()

	if d.Schema != nil {
		compiled, err := compileSchema(full, d.Schema)
		if err != nil {
			return coreerrors.Wrap(coreerrors.CodeRequestValidation, "invalid schema for tool "+full, err)
		}
		r.schemas[full] = compiled
	}

	r.byFullName[full] = d
	r.byShortName[d.ShortName] = append(r.byShortName[d.ShortName], d)
	sort.Slice(r.byShortName[d.ShortName], func(i, j int) bool {
		a, b := r.byShortName[d.ShortName][i], r.byShortName[d.ShortName][j]
		if (a.Namespace == "builtin") != (b.Namespace == "builtin") {
			return a.Namespace == "builtin"
		}
		return a.Namespace < b.Namespace
	})
	return nil
}

func compileSchema(id string, schema map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(id, schema); err != nil {
		return nil, err
	}
	return c.Compile(id)
}

// Get returns the Descriptor for a fully-qualified "namespace.short_name".
func (r *Registry) Get(fullName string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byFullName[fullName]
	return d, ok
}

// ResolveShort resolves a bare short name, preferring built-in then
// namespace lexical order (spec §4.9 "short aliases resolve
// deterministically preferring built-in, then by namespace lexical order").
func (r *Registry) ResolveShort(shortName string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	candidates := r.byShortName[shortName]
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[0], true
}

// resolve looks a name up as a full name first, then as a short alias.
func (r *Registry) resolve(name string) (*Descriptor, bool) {
	if strings.Contains(name, ".") {
		if d, ok := r.Get(name); ok {
			return d, true
		}
	}
	return r.ResolveShort(name)
}

// schema returns the compiled JSON Schema for fullName, if registered with one.
func (r *Registry) schema(fullName string) (*jsonschema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[fullName]
	return s, ok
}

// ResolveTools resolves names to Descriptors under policy's permission
// checks (spec §4.9 resolve_tools). Unknown names raise tool.not_declared.
func (r *Registry) ResolveTools(names []string, eng policy.Engine) ([]*Descriptor, error) {
	if eng == nil {
		eng = policy.AllowAll{}
	}

	resolved := make(map[string]*Descriptor, len(names))
	var requested []string
	for _, name := range names {
		d, ok := r.resolve(name)
		if !ok {
			return nil, coreerrors.Newf(coreerrors.CodeToolNotDeclared, "tool not declared: %s", name)
		}
		resolved[d.FullName()] = d
		requested = append(requested, d.FullName())
	}

	allMeta := r.allMetadata()
	decision, err := eng.Decide(policy.Input{Requested: requested, Tools: allMeta})
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeToolUnauthorized, "policy evaluation failed", err)
	}

	out := make([]*Descriptor, 0, len(decision.AllowedTools))
	for _, full := range decision.AllowedTools {
		if d, ok := resolved[full]; ok {
			out = append(out, d)
		} else if d, ok := r.Get(full); ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *Registry) allMetadata() []policy.Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]policy.Metadata, 0, len(r.byFullName))
	for full, d := range r.byFullName {
		out = append(out, policy.Metadata{FullName: full, Tags: d.Tags})
	}
	return out
}
