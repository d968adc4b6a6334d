package tools

import (
	"context"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/agentcore/contracts"
	"goa.design/agentcore/coreerrors"
	"goa.design/agentcore/telemetry"
)

// Service is the Tool Invocation Service (spec §4.9, component C2): it
// executes a resolved tool buffered or streamed, merging auth headers with
// documented precedence and mapping failures onto the canonical tool.*
// error codes.
type Service struct {
	registry *Registry
	tel      telemetry.Set
	timeout  time.Duration
}

// NewService constructs a Service bound to registry.
func NewService(registry *Registry, tel telemetry.Set, defaultTimeout time.Duration) *Service {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if tel.Logger == nil {
		tel = telemetry.Noop()
	}
	return &Service{registry: registry, tel: tel, timeout: defaultTimeout}
}

// HeaderLayers is the ordered input to MergeHeaders, highest precedence
// first (spec §4.9 "Header precedence (highest wins): per-call
// metadata.tool_headers → per-tool descriptor metadata → per-task metadata
// → context-derived headers (user/session/execution ids) → static
// server/tool headers").
type HeaderLayers struct {
	PerCall          map[string]string
	PerToolDescriptor map[string]string
	PerTask          map[string]string
	ContextDerived   map[string]string
	StaticServerTool map[string]string
}

// MergeHeaders applies the documented precedence: layers earlier in the
// list win. It is implemented by writing lowest-precedence first and
// letting later writes overwrite, so stripping any one source never lets a
// lower-priority value leak past a higher-priority source that is still
// present (spec §8 property 8).
func MergeHeaders(layers HeaderLayers) map[string]string {
	out := make(map[string]string)
	for _, layer := range []map[string]string{
		layers.StaticServerTool,
		layers.ContextDerived,
		layers.PerTask,
		layers.PerToolDescriptor,
		layers.PerCall,
	} {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// validateArguments checks req.Arguments against the tool's compiled JSON
// Schema, if any, attaching field-level issues (field + constraint message)
// to the resulting CoreError's Details on failure so clients have enough
// structure to build a retry hint instead of a bare message string.
func (s *Service) validateArguments(d *Descriptor, req contracts.ToolRequest) error {
	schema, ok := s.registry.schema(d.FullName())
	if !ok {
		return nil
	}
	if err := schema.Validate(req.Arguments); err != nil {
		ce := coreerrors.Wrap(coreerrors.CodeToolInvalidParameters, "invalid arguments for "+d.FullName(), err)
		if issues := fieldIssues(err); len(issues) > 0 {
			ce = ce.WithDetails(map[string]any{"field_issues": issues})
		}
		return ce
	}
	return nil
}

// fieldIssues flattens a jsonschema.ValidationError tree into one issue per
// leaf cause, each naming the offending instance location (the JSON Pointer
// to the invalid field) and the constraint message.
func fieldIssues(err error) []map[string]any {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return nil
	}
	var issues []map[string]any
	var walk func(*jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			issues = append(issues, map[string]any{
				"field":      v.InstanceLocation,
				"constraint": v.KeywordLocation,
				"message":    v.Error(),
			})
			return
		}
		for _, cause := range v.Causes {
			walk(cause)
		}
	}
	walk(ve)
	return issues
}

// ExecuteTool executes req against its resolved Descriptor, buffered (spec
// §4.9 execute_tool).
func (s *Service) ExecuteTool(ctx context.Context, req contracts.ToolRequest) (contracts.ToolResult, error) {
	d, ok := s.registry.Get(req.ToolFullName)
	if !ok {
		return contracts.ToolResult{}, coreerrors.Newf(coreerrors.CodeToolNotFound, "tool not found: %s", req.ToolFullName)
	}
	if err := s.validateArguments(d, req); err != nil {
		return contracts.ToolResult{}, err
	}
	if d.Handler == nil {
		return contracts.ToolResult{}, coreerrors.Newf(coreerrors.CodeToolExecution, "tool %s has no handler", req.ToolFullName)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	resultCh := make(chan contracts.ToolResult, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := d.Handler(ctx, req)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- res
	}()

	select {
	case <-ctx.Done():
		s.tel.Metrics.IncCounter("agentcore.tool.timeout", 1, "tool", req.ToolFullName)
		return contracts.ToolResult{}, coreerrors.Newf(coreerrors.CodeToolTimeout, "tool %s timed out", req.ToolFullName)
	case err := <-errCh:
		s.tel.Metrics.IncCounter("agentcore.tool.error", 1, "tool", req.ToolFullName)
		return contracts.ToolResult{}, coreerrors.Wrap(coreerrors.CodeToolExecution, "tool execution failed", err)
	case res := <-resultCh:
		res.DurationMs = time.Since(start).Milliseconds()
		s.tel.Metrics.RecordTimer("agentcore.tool.duration", time.Since(start), "tool", req.ToolFullName)
		return res, nil
	}
}

// ExecuteToolStream executes req progressively, forwarding the intermediate
// ToolChunks its StreamHandler sends (spec §4.9 execute_tool_stream).
// If the tool has no StreamHandler, it falls back to a single buffered
// execution whose result arrives as the one final chunk, matching spec
// §4.9's "Buffered execution is the adapter default in live mode".
func (s *Service) ExecuteToolStream(ctx context.Context, req contracts.ToolRequest) (<-chan contracts.ToolChunk, error) {
	d, ok := s.registry.Get(req.ToolFullName)
	if !ok {
		return nil, coreerrors.Newf(coreerrors.CodeToolNotFound, "tool not found: %s", req.ToolFullName)
	}
	if err := s.validateArguments(d, req); err != nil {
		return nil, err
	}

	out := make(chan contracts.ToolChunk, 8)
	if d.Stream == nil {
		go func() {
			defer close(out)
			res, err := s.ExecuteTool(ctx, req)
			if err != nil {
				ce := coreerrors.FromError(err)
				out <- contracts.ToolChunk{Final: true, Result: &contracts.ToolResult{
					ToolCallID: req.InteractionID, ToolFullName: req.ToolFullName,
					Error: contracts.FromCoreError(ce),
				}}
				return
			}
			out <- contracts.ToolChunk{Final: true, Result: &res}
		}()
		return out, nil
	}

	go func() {
		defer close(out)
		if err := d.Stream(ctx, req, out); err != nil {
			ce := coreerrors.FromError(err)
			out <- contracts.ToolChunk{Final: true, Result: &contracts.ToolResult{
				ToolCallID: req.InteractionID, ToolFullName: req.ToolFullName,
				Error: contracts.FromCoreError(ce),
			}}
		}
	}()
	return out, nil
}
