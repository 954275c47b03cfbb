package transport

import (
	"fmt"
	"strings"
	"sync"
)

// Pool hands out one Manager per endpoint so synchronizers for different
// scopes share a physical connection instead of opening their own.
type Pool struct {
	opts Options

	mu       sync.Mutex
	managers map[string]*Manager
	closed   bool
}

func NewPool(opts Options) *Pool {
	return &Pool{opts: opts, managers: map[string]*Manager{}}
}

// Get returns the manager for endpoint, creating it on first use. name
// labels the manager when it is created.
func (p *Pool) Get(name, endpoint string) (*Manager, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrDisposed
	}
	if m, ok := p.managers[endpoint]; ok {
		return m, nil
	}
	opts := p.opts
	opts.Name = name
	m, err := NewManager(opts)
	if err != nil {
		return nil, err
	}
	p.managers[endpoint] = m
	return m, nil
}

func (p *Pool) Close() {
	p.mu.Lock()
	managers := p.managers
	p.managers = map[string]*Manager{}
	p.closed = true
	p.mu.Unlock()
	for _, m := range managers {
		m.Dispose()
	}
}
