// Package tools implements ToolRegistry (§4.7): named JSON-schema tool
// handlers, staged batch execution (project-management sequential →
// file-modification sequential → everything else parallel), graph-read
// lock-awaiting, and argument redaction for the audit trail.
//
// Grounded on tarsy's pkg/mcp.Client (tool listing/caching/dispatch
// shape) and pkg/masking (the Masker interface reused directly from
// internal/masking). Stage-3 parallel dispatch uses golang.org/x/sync/errgroup,
// the same library tarsy's toolExecutor uses for fan-out work.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kgraphd/kgraphd/internal/lockregistry"
	"github.com/kgraphd/kgraphd/internal/masking"
)

// Category buckets a tool for staged dispatch.
type Category int

const (
	CategoryProjectManagement Category = iota
	CategoryFileModification
	CategoryOther
)

// Definition describes one registered tool's JSON schema, surfaced to the
// LLM's tool-definition block (§4.8 step 2) and to GET /tools.
type Definition struct {
	Name        string
	Description string
	SchemaJSON  string
	Category    Category
	GraphRead   bool // wrapped with awaitLocks when true
}

// Handler executes one tool call.
type Handler func(ctx context.Context, args map[string]any) (result any, err error)

type registeredTool struct {
	Definition
	handler Handler
}

// Call is one requested invocation.
type Call struct {
	Name string
	Args map[string]any
}

// CallResult is what one Call produces, matching the audit record shape
// from §4.7 ("every successful tool call records
// {toolName, sanitizedArgs, durationMs, resultSize}").
type CallResult struct {
	ToolName     string
	SanitizedArgs map[string]any
	Result       any
	Stale        bool
	DurationMs   int64
	ResultSize   int
	Success      bool
	Error        string
}

// Registry dispatches named tool calls, staged per §4.7.
type Registry struct {
	locks    *lockregistry.Registry
	redactor *masking.Redactor

	mu    sync.RWMutex
	tools map[string]registeredTool
}

// New constructs an empty Registry.
func New(locks *lockregistry.Registry, redactor *masking.Redactor) *Registry {
	return &Registry{
		locks:    locks,
		redactor: redactor,
		tools:    make(map[string]registeredTool),
	}
}

// Register adds (or replaces) a named tool.
func (r *Registry) Register(def Definition, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = registeredTool{Definition: def, handler: handler}
}

// List returns the definitions of all registered tools, for GET /tools
// and for the LLM's tool-definition block.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition)
	}
	return out
}

// Has reports whether name is a registered tool (§4.8 step 4: "filter
// tool calls to those present in the registry").
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

const graphReadLockTimeout = 5000 * time.Millisecond

// InvokeOne runs a single tool call by name, honoring the graph-read
// awaitLocks wrapping and producing a fully-audited CallResult.
func (r *Registry) InvokeOne(ctx context.Context, call Call) CallResult {
	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	r.mu.RUnlock()

	sanitized := call.Args
	if r.redactor != nil {
		sanitized = r.redactor.Sanitize(call.Args)
	}

	if !ok {
		return CallResult{ToolName: call.Name, SanitizedArgs: sanitized, Success: false, Error: fmt.Sprintf("unknown tool %q", call.Name)}
	}

	start := time.Now()
	stale := false
	if tool.GraphRead {
		stale = !r.waitForGraphLocks(ctx)
	}

	result, err := tool.handler(ctx, call.Args)
	cr := CallResult{
		ToolName:      call.Name,
		SanitizedArgs: sanitized,
		Result:        result,
		Stale:         stale,
		DurationMs:    time.Since(start).Milliseconds(),
		ResultSize:    resultSize(result),
		Success:       err == nil,
	}
	if err != nil {
		cr.Error = err.Error()
	}
	return cr
}

// waitForGraphLocks implements awaitLocks(ingestion, embedding, 5000ms):
// a graph-read tool proceeds regardless of outcome, but its result is
// marked stale when either lock didn't drain in time.
func (r *Registry) waitForGraphLocks(ctx context.Context) bool {
	ingCtx, cancel := context.WithTimeout(ctx, graphReadLockTimeout)
	defer cancel()
	if !r.locks.WaitForUnlockContext(ingCtx, lockregistry.Ingestion) {
		return false
	}
	embCtx, cancel := context.WithTimeout(ctx, graphReadLockTimeout)
	defer cancel()
	return r.locks.WaitForUnlockContext(embCtx, lockregistry.Embedding)
}

func resultSize(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}

// InvokeBatch executes a set of calls in the §4.7 staged order: project
// management sequentially, then file modification sequentially, then
// everything else in parallel via errgroup. Returns results in the same
// order the calls were provided in.
func (r *Registry) InvokeBatch(ctx context.Context, calls []Call) []CallResult {
	results := make([]CallResult, len(calls))

	var projectIdx, fileIdx, restIdx []int
	for i, c := range calls {
		r.mu.RLock()
		tool, ok := r.tools[c.Name]
		r.mu.RUnlock()
		cat := CategoryOther
		if ok {
			cat = tool.Category
		}
		switch cat {
		case CategoryProjectManagement:
			projectIdx = append(projectIdx, i)
		case CategoryFileModification:
			fileIdx = append(fileIdx, i)
		default:
			restIdx = append(restIdx, i)
		}
	}

	for _, i := range projectIdx {
		results[i] = r.InvokeOne(ctx, calls[i])
	}
	for _, i := range fileIdx {
		results[i] = r.InvokeOne(ctx, calls[i])
	}

	if len(restIdx) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, i := range restIdx {
			i := i
			g.Go(func() error {
				results[i] = r.InvokeOne(gctx, calls[i])
				return nil
			})
		}
		_ = g.Wait() // InvokeOne never returns an error to the group; failures live in CallResult
	}

	return results
}
