package procedures

import (
	"context"
	"sync"

	"github.com/fabricgate/corehub/internal/gatewayerr"
	"github.com/fabricgate/corehub/internal/rules"
	"github.com/fabricgate/corehub/internal/store"
)

// Registry owns the set of persisted procedures and the interpreter that
// runs them (spec §4.9). It holds procedure definitions in memory — unlike
// identity state, procedures are not spec'd to survive in the Store.
type Registry struct {
	mu    sync.RWMutex
	procs map[string]*Procedure

	interp *Interpreter
}

// New builds a procedure Registry over st (and engine, which may be nil).
func New(st store.Store, engine rules.Engine) *Registry {
	return &Registry{
		procs:  make(map[string]*Procedure),
		interp: NewInterpreter(st, engine),
	}
}

// Register adds a new procedure. Duplicate names and empty step lists are
// rejected (spec §4.9).
func (r *Registry) Register(proc *Procedure) error {
	if proc.Name == "" {
		return gatewayerr.Validation("name is required")
	}
	if len(proc.Steps) == 0 {
		return gatewayerr.Validation("steps must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.procs[proc.Name]; exists {
		return gatewayerr.Exists("procedure already exists")
	}
	r.procs[proc.Name] = proc
	return nil
}

// Unregister removes a procedure by name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.procs[name]; !exists {
		return gatewayerr.NotFoundErr("procedure")
	}
	delete(r.procs, name)
	return nil
}

// Update partially merges non-zero fields into the named procedure.
func (r *Registry) Update(name string, description *string, steps []Step, transaction *bool, input map[string]store.FieldSpec) (*Procedure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	proc, exists := r.procs[name]
	if !exists {
		return nil, gatewayerr.NotFoundErr("procedure")
	}
	updated := *proc
	if description != nil {
		updated.Description = *description
	}
	if steps != nil {
		if len(steps) == 0 {
			return nil, gatewayerr.Validation("steps must not be empty")
		}
		updated.Steps = steps
	}
	if transaction != nil {
		updated.Transaction = *transaction
	}
	if input != nil {
		updated.Input = input
	}
	r.procs[name] = &updated
	return &updated, nil
}

// Get returns the named procedure.
func (r *Registry) Get(name string) (*Procedure, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	proc, exists := r.procs[name]
	if !exists {
		return nil, gatewayerr.NotFoundErr("procedure")
	}
	return proc, nil
}

// List returns a summary of every registered procedure.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, Summary{Name: p.Name, Description: p.Description, StepsCount: len(p.Steps)})
	}
	return out
}

// Call looks up name and runs it against input.
func (r *Registry) Call(ctx context.Context, name string, input map[string]any) (*CallResult, error) {
	proc, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return r.interp.Call(ctx, proc, input)
}
