package response

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"sentinel/internal/schema"
)

// ActionExecutor carries out one kind of mitigation. Execute must honor
// ctx cancellation; the orchestrator applies the handler timeout.
type ActionExecutor interface {
	Type() schema.ActionType
	Execute(ctx context.Context, params schema.ActionParams) (schema.ActionResult, error)
}

// Registry holds one executor per action type.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.ActionType]ActionExecutor
}

// NewRegistry creates a registry populated with executors.
func NewRegistry(executors ...ActionExecutor) (*Registry, error) {
	r := &Registry{executors: make(map[schema.ActionType]ActionExecutor)}
	for _, e := range executors {
		if err := r.Register(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces the executor for its action type.
func (r *Registry) Register(e ActionExecutor) error {
	if e == nil {
		return fmt.Errorf("response: nil executor")
	}
	if !e.Type().IsValid() {
		return fmt.Errorf("response: executor has invalid action type %q", e.Type())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Type()] = e
	return nil
}

// Lookup returns the executor for t.
func (r *Registry) Lookup(t schema.ActionType) (ActionExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	return e, ok
}

// Types lists the registered action types in the canonical order.
func (r *Registry) Types() []schema.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.ActionType, 0, len(r.executors))
	for _, t := range schema.ActionTypes {
		if _, ok := r.executors[t]; ok {
			out = append(out, t)
		}
	}
	return slices.Clip(out)
}

// Backends are the connections real executors run on. A nil backend is
// only an error when the configuration selects a real executor needing it.
type Backends struct {
	Blocklist BlocklistStore
	Redis     RedisConfig
	Evidence  EvidenceWriter
	Bucket    string
	Commands  CommandProducer
}

// BuildRegistry registers one executor per action type, simulated or real
// according to cfg.
func BuildRegistry(cfg Config, b Backends, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r, err := NewRegistry(SimulatedSet(cfg.SimulatedDelayScale, logger)...)
	if err != nil {
		return nil, err
	}

	for _, t := range schema.ActionTypes {
		if cfg.Mode(t) != ExecutorReal {
			continue
		}
		var exec ActionExecutor
		switch t {
		case schema.ActionBlockIP:
			if b.Blocklist == nil {
				return nil, fmt.Errorf("response: block_ip executor requires redis")
			}
			exec = NewRedisBlocker(b.Blocklist, b.Redis, logger)
		case schema.ActionQuarantine:
			if b.Evidence == nil {
				return nil, fmt.Errorf("response: quarantine executor requires s3")
			}
			exec = NewS3Quarantiner(b.Evidence, b.Bucket, logger)
		case schema.ActionRestartService, schema.ActionKillProcess:
			if b.Commands == nil {
				return nil, fmt.Errorf("response: %s executor requires kafka", t)
			}
			exec, err = NewCommandExecutor(t, b.Commands, logger)
			if err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("response: action type %q has no real executor", t)
		}
		if err := r.Register(exec); err != nil {
			return nil, err
		}
		logger.Info("real executor registered", "action", t)
	}
	return r, nil
}
