package actions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zhaopengme/witbot/pkg/logger"
	"github.com/zhaopengme/witbot/pkg/session"
)

type Registry struct {
	actions map[string]Action
	mu      sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
	}
}

func (r *Registry) Register(action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[action.Name()] = action
}

func (r *Registry) Get(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	action, ok := r.actions[name]
	return action, ok
}

// Require reports every name that has no registered handler. It is run at
// startup against the action names the engine is known to request.
func (r *Registry) Require(names ...string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, name := range names {
		if _, ok := r.actions[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrActionNotFound, strings.Join(missing, ", "))
	}
	return nil
}

// Execute runs the named action. Handler failures and panics come back as
// *HandlerError; an unknown name wraps ErrActionNotFound.
func (r *Registry) Execute(ctx context.Context, name string, req *Request) (result session.Context, err error) {
	action, ok := r.Get(name)
	if !ok {
		logger.ErrorCF("action", "Action not found",
			map[string]interface{}{
				"action":     name,
				"session_id": req.SessionID,
			})
		return nil, fmt.Errorf("%w: %q", ErrActionNotFound, name)
	}

	logger.DebugCF("action", "Action execution started",
		map[string]interface{}{
			"action":     name,
			"session_id": req.SessionID,
			"entities":   req.Entities.Names(),
		})

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = &HandlerError{Action: name, Err: fmt.Errorf("panic: %v", p)}
		}

		duration := time.Since(start)
		if err != nil {
			logger.ErrorCF("action", "Action execution failed",
				map[string]interface{}{
					"action":      name,
					"session_id":  req.SessionID,
					"duration_ms": duration.Milliseconds(),
					"error":       err.Error(),
				})
			return
		}
		logger.InfoCF("action", "Action execution completed",
			map[string]interface{}{
				"action":      name,
				"session_id":  req.SessionID,
				"duration_ms": duration.Milliseconds(),
				"changed":     result != nil,
			})
	}()

	result, err = action.Execute(ctx, req)
	if err != nil {
		err = &HandlerError{Action: name, Err: err}
	}
	return result, err
}

// List returns the registered action names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Described returns the actions that can be offered as tools, sorted by name.
func (r *Registry) Described() []DescribedAction {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DescribedAction, 0, len(r.actions))
	for _, action := range r.actions {
		if d, ok := action.(DescribedAction); ok {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actions)
}
