package modules

import (
	"cmp"
	"slices"

	"github.com/drblury/deviceflow/internal/runtime/logging"
	"github.com/drblury/deviceflow/smartrest"
)

// Binding is one handler selected for a message. Route is the zero value for
// handlers that receive every message.
type Binding struct {
	Name    string
	Handler OperationHandler
	Route   Route
}

// Routed reports whether the binding came from a declared route.
func (b Binding) Routed() bool {
	return b.Route.MessageID != ""
}

// Index maps message ids to the handlers that declared a route for them.
// Handlers without routes are kept in a broadcast list.
type Index struct {
	byID      map[string][]Binding
	broadcast []Binding
	order     map[string]int
}

func buildIndex(handlers []Named[OperationHandler], declared map[string]declarations, logger logging.Logger) Index {
	idx := Index{
		byID:  make(map[string][]Binding),
		order: make(map[string]int, len(handlers)),
	}
	for i, h := range handlers {
		idx.order[h.Name] = i
		decl := declared[h.Name]
		if !decl.routed {
			idx.broadcast = append(idx.broadcast, Binding{Name: h.Name, Handler: h.Module})
			continue
		}
		for _, route := range decl.routes {
			if route.MessageID == "" {
				logger.Info("Ignoring route without message id", logging.LogFields{"module": h.Name, "operation": route.Operation})
				continue
			}
			idx.byID[route.MessageID] = append(idx.byID[route.MessageID], Binding{Name: h.Name, Handler: h.Module, Route: route})
		}
	}
	return idx
}

// Match returns the handlers that should see msg: every broadcast handler and
// each routed handler whose first matching route fits the message id and
// topic. Results follow module name order.
func (i Index) Match(msg smartrest.Message) []Binding {
	routed := i.byID[msg.ID]
	out := make([]Binding, 0, len(i.broadcast)+len(routed))
	seen := make(map[string]bool, len(routed))
	for _, b := range routed {
		if seen[b.Name] || (b.Route.Topic != "" && b.Route.Topic != msg.Topic) {
			continue
		}
		seen[b.Name] = true
		out = append(out, b)
	}
	out = append(out, i.broadcast...)
	slices.SortStableFunc(out, func(a, b Binding) int {
		return cmp.Compare(i.order[a.Name], i.order[b.Name])
	})
	return out
}

// Broadcast returns the handlers that receive every message.
func (i Index) Broadcast() []Binding {
	return append([]Binding(nil), i.broadcast...)
}

// RoutedIDs returns the number of message ids with at least one route.
func (i Index) RoutedIDs() int {
	return len(i.byID)
}
