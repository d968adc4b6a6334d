// Package policy implements the permission-check half of resolve_tools
// (spec §4.9: "`resolve_tools(names, user_context) → [ToolDescriptor]`
// applies permission checks"). Grounded on features/policy/basic/engine.go,
// adapted from the teacher's tools.Ident/RetryHint shape to plain tool full
// names and a core/tools.Descriptor-facing Metadata struct.
package policy

import "strings"

// Metadata is the subset of a tool descriptor the policy engine needs to
// decide allow/block, decoupled from core/tools so this package has no
// import cycle back to the registry.
type Metadata struct {
	FullName string
	Tags     []string
}

// Input is what the Resolver passes to Decide for one resolve_tools call.
type Input struct {
	Requested []string // tool full names explicitly requested; empty means "all"
	Tools     []Metadata
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	AllowedTools []string
	Labels       map[string]string
}

// Engine is the pluggable tool-permission policy.
type Engine interface {
	Decide(input Input) (Decision, error)
}

// Options configures the basic Engine.
type Options struct {
	AllowTags  []string
	BlockTags  []string
	AllowTools []string
	BlockTools []string
	Label      string
}

// Basic is a simple Engine enforcing optional allow/block lists, the default
// used when no custom policy.Engine is wired.
type Basic struct {
	allowTags  map[string]struct{}
	blockTags  map[string]struct{}
	allowTools map[string]struct{}
	blockTools map[string]struct{}
	label      string
}

// NewBasic builds a Basic engine from Options.
func NewBasic(opts Options) *Basic {
	label := strings.TrimSpace(opts.Label)
	if label == "" {
		label = "basic"
	}
	return &Basic{
		allowTags:  toSet(opts.AllowTags),
		blockTags:  toSet(opts.BlockTags),
		allowTools: toSet(opts.AllowTools),
		blockTools: toSet(opts.BlockTools),
		label:      label,
	}
}

// Decide evaluates the allow/block lists against the candidate tool set.
func (e *Basic) Decide(input Input) (Decision, error) {
	meta := make(map[string]Metadata, len(input.Tools))
	for _, m := range input.Tools {
		meta[m.FullName] = m
	}

	candidates := input.Requested
	if len(candidates) == 0 {
		candidates = make([]string, 0, len(meta))
		for name := range meta {
			candidates = append(candidates, name)
		}
	}

	allowed := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, name := range candidates {
		if _, dup := seen[name]; dup {
			continue
		}
		m, ok := meta[name]
		if !ok {
			continue
		}
		if e.isAllowed(m) {
			allowed = append(allowed, name)
			seen[name] = struct{}{}
		}
	}
	return Decision{AllowedTools: allowed, Labels: map[string]string{"policy_engine": e.label}}, nil
}

func (e *Basic) isAllowed(m Metadata) bool {
	if _, blocked := e.blockTools[m.FullName]; blocked {
		return false
	}
	for _, tag := range m.Tags {
		if _, blocked := e.blockTags[tag]; blocked {
			return false
		}
	}
	if len(e.allowTools) > 0 {
		_, ok := e.allowTools[m.FullName]
		return ok
	}
	if len(e.allowTags) > 0 {
		for _, tag := range m.Tags {
			if _, ok := e.allowTags[tag]; ok {
				return true
			}
		}
		return false
	}
	return true
}

// AllowAll is the permissive Engine used when no restrictions are configured.
type AllowAll struct{}

// Decide allows every requested (or every registered) tool.
func (AllowAll) Decide(input Input) (Decision, error) {
	candidates := input.Requested
	if len(candidates) == 0 {
		for _, m := range input.Tools {
			candidates = append(candidates, m.FullName)
		}
	}
	return Decision{AllowedTools: candidates}, nil
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}
