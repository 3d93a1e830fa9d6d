package preload

import "github.com/restopos/datacache/pkg/types"

// DefaultNavigation returns the page to data-type table of the admin
// application. Leaving a page warms its types at normal priority; entering
// one warms its types at high priority.
func DefaultNavigation() map[string][]string {
	return map[string][]string{
		"dashboard":     {"pedidos", "caixas", "produtos"},
		"produtos":      {"produtos", "categorias", "complementos"},
		"pedidos":       {"pedidos", "produtos", "clientes"},
		"caixa":         {"caixas", "pedidos"},
		"clientes":      {"clientes"},
		"configuracoes": {"categorias", "complementos"},
	}
}

// PreloadForNavigation queues the types of the page being entered at high
// priority and those of the page being left at normal priority. It returns
// how many tasks were queued. Types without a registered fetch are skipped.
func (s *Scheduler) PreloadForNavigation(current, next string) int {
	s.mu.Lock()
	nextTypes := append([]string(nil), s.config.Navigation[next]...)
	currentTypes := append([]string(nil), s.config.Navigation[current]...)
	s.mu.Unlock()

	queued := 0
	plan := []struct {
		types    []string
		priority types.Priority
	}{
		{nextTypes, types.PriorityHigh},
		{currentTypes, types.PriorityNormal},
	}
	for _, step := range plan {
		for _, typ := range step.types {
			fetch, ok := s.registry.Lookup(typ)
			if !ok {
				s.logger.Debug("no fetch registered for type", map[string]interface{}{"type": typ})
				continue
			}
			if s.AddToPreloadQueue(typ, fetch, step.priority) {
				queued++
			}
		}
	}

	s.logger.Debug("navigation preload", map[string]interface{}{
		"from":   current,
		"to":     next,
		"queued": queued,
	})
	return queued
}
