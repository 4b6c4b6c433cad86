package processor

import (
	"context"
	"sync"

	"github.com/starford/koinet-node/internal/rid"
)

// Phase is a stage of the handler chain.
type Phase int

// Phases in execution order.
const (
	PhaseRID Phase = iota
	PhaseManifest
	PhaseBundle
	PhaseNetwork
	PhaseFinal
)

func (p Phase) String() string {
	switch p {
	case PhaseRID:
		return "rid"
	case PhaseManifest:
		return "manifest"
	case PhaseBundle:
		return "bundle"
	case PhaseNetwork:
		return "network"
	case PhaseFinal:
		return "final"
	default:
		return "unknown"
	}
}

// Action is what a handler tells the chain to do next.
type Action int

// Actions.
const (
	Continue Action = iota
	Halt
)

// HandlerFunc inspects or mutates a knowledge object. Returning an error
// halts the object's chain and is logged.
type HandlerFunc func(ctx context.Context, kobj *KnowledgeObject) (Action, error)

// Handler is a registered HandlerFunc.
type Handler struct {
	Name  string
	Phase Phase
	// Types restricts the handler to these RID types. Empty means all.
	Types []rid.Type
	Fn    HandlerFunc
}

func (h Handler) applies(t rid.Type) bool {
	return len(h.Types) == 0 || rid.Contains(h.Types, t)
}

// Table maps phase and RID type to an ordered list of handlers.
type Table struct {
	mu       sync.RWMutex
	handlers map[Phase][]Handler
}

// NewTable creates an empty handler table.
func NewTable() *Table {
	return &Table{handlers: make(map[Phase][]Handler)}
}

// Register appends h to its phase. Handlers run in registration order.
func (t *Table) Register(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[h.Phase] = append(t.handlers[h.Phase], h)
}

// For returns the handlers of phase that apply to RID type rt.
func (t *Table) For(phase Phase, rt rid.Type) []Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Handler
	for _, h := range t.handlers[phase] {
		if h.applies(rt) {
			out = append(out, h)
		}
	}
	return out
}
