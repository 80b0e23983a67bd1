package modules

import (
	"context"
	"fmt"
	"slices"

	derrors "github.com/drblury/deviceflow/internal/runtime/errors"
	"github.com/drblury/deviceflow/internal/runtime/logging"
	"github.com/drblury/deviceflow/smartrest"
)

// Registry is the frozen result of discovery. Every accessor returns a copy.
type Registry struct {
	names      []string
	producers  []Named[StartupProducer]
	samplers   []Named[PeriodicSampler]
	handlers   []Named[OperationHandler]
	operations []string
	topics     []string
	index      Index
	declared   map[string]declarations
}

// declarations caches what a handler declares about itself so module code
// is queried once, under recover, during discovery.
type declarations struct {
	operations []string
	templates  []string
	routes     []Route
	routed     bool
}

// Discover constructs every module listed by source, in sorted name order,
// and classifies each instance by capability. A module whose constructor
// fails or panics, whose declarations panic, or whose value implements no
// capability, is logged and left out; discovery itself never fails because of a single module.
func Discover(ctx context.Context, source Source, env Env, logger logging.Logger) (*Registry, error) {
	if source == nil {
		return nil, fmt.Errorf("modules: source is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}

	names := slices.Sorted(slices.Values(source.Names()))
	r := &Registry{declared: make(map[string]declarations)}
	for _, name := range slices.Compact(names) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		log := logger.With(logging.LogFields{"module": name})

		instance, err := construct(source, name, moduleEnv(env, name))
		if err != nil {
			log.Error("Module failed to load", err, nil)
			continue
		}
		decl, err := declare(instance)
		if err != nil {
			log.Error("Module failed to load", err, nil)
			continue
		}
		if !r.add(name, instance, decl) {
			log.Error("Module skipped", derrors.ErrNoCapability, logging.LogFields{"type": fmt.Sprintf("%T", instance)})
			continue
		}
		log.Debug("Module loaded", nil)
	}

	r.freeze(logger)
	return r, nil
}

func moduleEnv(env Env, name string) Env {
	if env.Logger == nil {
		env.Logger = logging.Discard()
	}
	env.Logger = env.Logger.With(logging.LogFields{"module": name})
	return env
}

func construct(source Source, name string, env Env) (instance any, err error) {
	defer func() {
		if p := recover(); p != nil {
			instance, err = nil, fmt.Errorf("constructor panicked: %v", p)
		}
	}()
	instance, err = source.Construct(name, env)
	if err == nil && instance == nil {
		err = derrors.ErrModuleRequired
	}
	return instance, err
}

func declare(instance any) (d declarations, err error) {
	defer func() {
		if p := recover(); p != nil {
			d, err = declarations{}, fmt.Errorf("declarations panicked: %v", p)
		}
	}()
	h, ok := instance.(OperationHandler)
	if !ok {
		return d, nil
	}
	d.operations = h.SupportedOperations()
	d.templates = h.SupportedTemplates()
	if router, ok := h.(Router); ok {
		d.routes, d.routed = router.Routes(), true
	}
	return d, nil
}

func (r *Registry) add(name string, instance any, decl declarations) bool {
	matched := false
	if p, ok := instance.(StartupProducer); ok {
		r.producers = append(r.producers, Named[StartupProducer]{name, p})
		matched = true
	}
	if s, ok := instance.(PeriodicSampler); ok {
		r.samplers = append(r.samplers, Named[PeriodicSampler]{name, s})
		matched = true
	}
	if h, ok := instance.(OperationHandler); ok {
		r.handlers = append(r.handlers, Named[OperationHandler]{name, h})
		r.declared[name] = decl
		matched = true
	}
	if matched {
		r.names = append(r.names, name)
	}
	return matched
}

func (r *Registry) freeze(logger logging.Logger) {
	owners := make(map[string]string)
	topics := []string{smartrest.TopicErrors, smartrest.TopicOperations, smartrest.TopicToken}
	for _, h := range r.handlers {
		decl := r.declared[h.Name]
		for _, op := range decl.operations {
			if op == "" {
				continue
			}
			if owner, dup := owners[op]; dup && owner != h.Name {
				logger.Info("Operation declared by more than one handler; all of them will receive it", logging.LogFields{
					"operation": op,
					"modules":   []string{owner, h.Name},
				})
				continue
			}
			owners[op] = h.Name
			r.operations = append(r.operations, op)
		}
		for _, tpl := range decl.templates {
			if tpl != "" {
				topics = append(topics, smartrest.TopicCustomPrefix+tpl)
			}
		}
	}
	slices.Sort(r.operations)
	r.operations = slices.Compact(r.operations)
	slices.Sort(topics)
	r.topics = slices.Compact(topics)
	r.index = buildIndex(r.handlers, r.declared, logger)
}

// Names returns the names of every loaded module, sorted.
func (r *Registry) Names() []string { return slices.Clone(r.names) }

// Producers returns the startup producers in name order.
func (r *Registry) Producers() []Named[StartupProducer] { return slices.Clone(r.producers) }

// Samplers returns the periodic samplers in name order.
func (r *Registry) Samplers() []Named[PeriodicSampler] { return slices.Clone(r.samplers) }

// Handlers returns the operation handlers in name order.
func (r *Registry) Handlers() []Named[OperationHandler] { return slices.Clone(r.handlers) }

// SupportedOperations returns the sorted, de-duplicated union of every
// handler's operations.
func (r *Registry) SupportedOperations() []string { return slices.Clone(r.operations) }

// OperationsOf returns the operations declared by the named handler.
func (r *Registry) OperationsOf(name string) []string {
	return slices.Clone(r.declared[name].operations)
}

// SupportedTopics returns the fixed inbound topics plus one s/dc/<id> topic
// per declared template, sorted and de-duplicated.
func (r *Registry) SupportedTopics() []string { return slices.Clone(r.topics) }

// Index returns the message routing index.
func (r *Registry) Index() Index { return r.index }
