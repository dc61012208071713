package broker

import (
	"fmt"
	"sync"

	"github.com/noetl/noetl-go/workflow"
)

// GraphSource resolves a playbook reference to its parsed graph. The DSL
// parser or a catalog service sits behind this interface; the engine only
// needs ref -> graph.
type GraphSource interface {
	Resolve(ref string) (*workflow.Graph, error)
}

// MapSource is an in-memory GraphSource for tests and embedded runs.
type MapSource struct {
	mu     sync.RWMutex
	graphs map[string]*workflow.Graph
}

// NewMapSource creates an empty source.
func NewMapSource() *MapSource {
	return &MapSource{graphs: make(map[string]*workflow.Graph)}
}

// Register validates and stores a graph under its ref.
func (s *MapSource) Register(g *workflow.Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graphs[g.Ref] = g
	return nil
}

// Resolve implements GraphSource.
func (s *MapSource) Resolve(ref string) (*workflow.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.graphs[ref]
	if !ok {
		return nil, fmt.Errorf("unknown playbook: %s", ref)
	}
	return g, nil
}
