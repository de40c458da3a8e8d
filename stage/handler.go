package stage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ProgressReporter records how far a running execution has come.
type ProgressReporter func(current, total int)

// Handler executes one stage type.
//
// Execute returns nil when the stage completed; any error fails the
// execution. Per-record problems are the handler's to record and must not
// be returned here. Handlers check ctx.Done() between chunks; a cancelled
// execution is re-queued rather than failed.
type Handler interface {
	Execute(ctx context.Context, exec *Execution, report ProgressReporter) error

	// StageType is the name used to submit executions of this handler.
	StageType() string
}

// HandlerRegistry manages handlers by stage type.
// Thread-safe for concurrent registration and lookup.
type HandlerRegistry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register adds a handler under its stage type.
// Panics if that stage type is already registered.
func (r *HandlerRegistry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := h.StageType()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler already registered for stage: %s", name))
	}
	r.handlers[name] = h
}

// Get retrieves the handler for a stage type, nil if none.
func (r *HandlerRegistry) Get(stageType string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[stageType]
}

// Has checks if a handler is registered for a stage type.
func (r *HandlerRegistry) Has(stageType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[stageType]
	return ok
}

// StageTypes returns all registered stage types, sorted.
func (r *HandlerRegistry) StageTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc struct {
	Stage string
	Fn    func(ctx context.Context, exec *Execution, report ProgressReporter) error
}

func (h HandlerFunc) Execute(ctx context.Context, exec *Execution, report ProgressReporter) error {
	return h.Fn(ctx, exec, report)
}

func (h HandlerFunc) StageType() string { return h.Stage }
