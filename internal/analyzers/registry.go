package analyzers

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

// Registry holds the analyzers run for each job, keyed by dimension.
type Registry struct {
	mu        sync.RWMutex
	analyzers map[analysis.Dimension]analysis.Analyzer
}

// NewRegistry creates a Registry containing the given analyzers.
func NewRegistry(list ...analysis.Analyzer) (*Registry, error) {
	r := &Registry{analyzers: make(map[analysis.Dimension]analysis.Analyzer)}
	for _, a := range list {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Default returns a Registry with the four built-in analyzers.
func Default() *Registry {
	r, _ := NewRegistry(SEO{}, NewPerformance(PerformanceThresholds{}), Security{}, Accessibility{})
	return r
}

// Register adds a, failing if its dimension is already taken.
func (r *Registry) Register(a analysis.Analyzer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dim := a.Dimension()
	if dim == "" {
		return fmt.Errorf("%w: analyzer has empty dimension", analysis.ErrInvalidInput)
	}
	if _, exists := r.analyzers[dim]; exists {
		return fmt.Errorf("analyzer for %s already registered", dim)
	}
	r.analyzers[dim] = a
	return nil
}

// Get returns the analyzer for dim.
func (r *Registry) Get(dim analysis.Dimension) (analysis.Analyzer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.analyzers[dim]
	return a, ok
}

// All returns every analyzer ordered by dimension.
func (r *Registry) All() []analysis.Analyzer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]analysis.Analyzer, 0, len(r.analyzers))
	for _, a := range r.analyzers {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b analysis.Analyzer) int {
		return strings.Compare(string(a.Dimension()), string(b.Dimension()))
	})
	return out
}

// Select returns the analyzers for dims, or all of them when dims is empty.
func (r *Registry) Select(dims []analysis.Dimension) ([]analysis.Analyzer, error) {
	if len(dims) == 0 {
		return r.All(), nil
	}
	out := make([]analysis.Analyzer, 0, len(dims))
	seen := make(map[analysis.Dimension]bool, len(dims))
	for _, dim := range dims {
		a, ok := r.Get(dim)
		if !ok {
			return nil, fmt.Errorf("%w: unknown dimension %q", analysis.ErrInvalidInput, dim)
		}
		if !seen[dim] {
			seen[dim] = true
			out = append(out, a)
		}
	}
	return out, nil
}
