package storage

import (
	"log"

	"github.com/embermesh/embermesh/pkg/graph"
	"github.com/embermesh/embermesh/pkg/storage/linear"
)

// Provider creates or opens graph stores. The backing engine (flash header
// or dual-root file) is chosen by the linear provider injected at
// construction.
type Provider interface {
	Create(id graph.GraphID) (*Store, error)
	Open(id graph.GraphID) (*Store, error)
}

type linearProvider struct {
	lp     linear.Provider
	logger *log.Logger
}

// NewProvider adapts a linear engine provider into a graph store provider.
// The logger may be nil.
func NewProvider(lp linear.Provider, logger *log.Logger) Provider {
	return &linearProvider{lp: lp, logger: logger}
}

func (p *linearProvider) Create(id graph.GraphID) (*Store, error) {
	w, err := p.lp.Create(id)
	if err != nil {
		return nil, err
	}
	return newStore(id, w, p.logger)
}

func (p *linearProvider) Open(id graph.GraphID) (*Store, error) {
	w, err := p.lp.Open(id)
	if err != nil {
		return nil, err
	}
	return newStore(id, w, p.logger)
}
