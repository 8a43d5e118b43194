// Package tools implements the tool executor: dispatch by name to an
// adapter, with results cached by (name, argument hash).
package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Adapter backs one named tool. Executor only knows this seam; the
// concrete adapters live elsewhere.
type Adapter interface {
	Execute(ctx context.Context, args string) (string, error)
}

// AdapterFunc adapts a plain function to Adapter.
type AdapterFunc func(ctx context.Context, args string) (string, error)

func (f AdapterFunc) Execute(ctx context.Context, args string) (string, error) { return f(ctx, args) }

// Executor dispatches tool calls and caches their results.
type Executor struct {
	adapters map[string]Adapter
	log      zerolog.Logger

	mu    sync.Mutex
	cache map[string]string
}

// New builds an Executor with the given named adapters.
func New(adapters map[string]Adapter, log zerolog.Logger) *Executor {
	return &Executor{
		adapters: adapters,
		log:      log.With().Str("component", "tools").Logger(),
		cache:    map[string]string{},
	}
}

func argHash(name, args string) string {
	sum := sha256.Sum256([]byte(name + "\x00" + args))
	return hex.EncodeToString(sum[:])
}

// Execute dispatches name(args), caching by (name, arg_hash).
// Unknown tool names and adapter errors are both rendered into the
// result string (prefixed "Tool Error:") rather than returned as a Go
// error, so the agent sees the failure and can adapt.
func (e *Executor) Execute(ctx context.Context, name, args string) string {
	key := argHash(name, args)

	e.mu.Lock()
	if cached, ok := e.cache[key]; ok {
		e.mu.Unlock()
		return cached
	}
	e.mu.Unlock()

	adapter, ok := e.adapters[name]
	if !ok {
		result := fmt.Sprintf("Tool Error: Unknown tool: %s", name)
		e.log.Warn().Str("tool", name).Msg("tools: unknown tool requested")
		return result
	}

	out, err := adapter.Execute(ctx, args)
	if err != nil {
		// Failures are rendered but never cached: a transient adapter
		// error must not stick to its argument hash.
		e.log.Warn().Str("tool", name).Err(err).Msg("tools: adapter failed")
		return fmt.Sprintf("Tool Error: %s", err.Error())
	}

	e.mu.Lock()
	e.cache[key] = out
	e.mu.Unlock()
	return out
}

// Known tool names.
const (
	WebSearch         = "web_search"
	GenerateImage     = "generate_image"
	RunPythonAnalysis = "run_python_analysis"
)
