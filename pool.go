package qlean

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// Pool is a named collection of Machines sharing one network reference.
// Structural mutations are serialized; the bulk operations drive every
// member concurrently and aggregate per-member failures without
// short-circuiting.
type Pool struct {
	mu        sync.Mutex
	machines  map[string]*Machine
	netHandle *NetworkHandle
	closed    bool
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{machines: map[string]*Machine{}}
}

// Add registers a new Machine under name. Fails with DuplicateNameError
// if the name is taken.
func (p *Pool) Add(name string, img *Image, cfg *MachineConfig) (*Machine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.machines[name]; ok {
		return nil, &DuplicateNameError{Name: name}
	}

	if cfg == nil {
		cfg = &MachineConfig{}
	}
	if cfg.Hostname == "" {
		cfg = cfg.Copy()
		cfg.Hostname = name
	}

	m, err := NewMachine(img, cfg)
	if err != nil {
		return nil, err
	}
	p.machines[name] = m
	return m, nil
}

// Get returns the named Machine. The machine's own mutex serializes its
// operations, so concurrent users of the same name block each other.
func (p *Pool) Get(name string) (*Machine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.machines[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return m, nil
}

// Names returns the member names in sorted order.
func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.machines))
	for name := range p.machines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// snapshot copies the member map so bulk operations run without holding
// the pool lock.
func (p *Pool) snapshot() map[string]*Machine {
	p.mu.Lock()
	defer p.mu.Unlock()
	ms := make(map[string]*Machine, len(p.machines))
	for name, m := range p.machines {
		ms[name] = m
	}
	return ms
}

// ensureNetwork takes the pool's shared network reference, so the network
// outlives any individual machine teardown while the pool is alive.
func (p *Pool) ensureNetwork(dataDir string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.netHandle != nil {
		return nil
	}
	h, err := acquireNetwork(dataDir)
	if err != nil {
		return err
	}
	p.netHandle = h
	return nil
}

// forEach runs op on every member concurrently, attempts all regardless
// of failures, and returns the aggregated error.
func (p *Pool) forEach(op func(*Machine) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs *multierror.Error
	)
	for name, m := range p.snapshot() {
		wg.Add(1)
		go func(name string, m *Machine) {
			defer wg.Done()
			if err := op(m); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("machine %q: %w", name, err))
				mu.Unlock()
			}
		}(name, m)
	}
	wg.Wait()
	return errs.ErrorOrNil()
}

// InitAll runs Init on every member concurrently.
func (p *Pool) InitAll(ctx context.Context) error {
	if err := p.acquireForBoot(); err != nil {
		return err
	}
	return p.forEach(func(m *Machine) error { return m.Init(ctx) })
}

// SpawnAll runs Spawn on every member concurrently.
func (p *Pool) SpawnAll(ctx context.Context) error {
	if err := p.acquireForBoot(); err != nil {
		return err
	}
	return p.forEach(func(m *Machine) error { return m.Spawn(ctx) })
}

// ShutdownAll runs Shutdown on every member concurrently.
func (p *Pool) ShutdownAll(ctx context.Context) error {
	return p.forEach(func(m *Machine) error { return m.Shutdown(ctx) })
}

// acquireForBoot takes the pool network reference before any member
// boots, using the data dir of an arbitrary member.
func (p *Pool) acquireForBoot() error {
	for _, m := range p.snapshot() {
		return p.ensureNetwork(m.cfg.DataDir)
	}
	return nil
}

// Close shuts down every running member, tears all members down, and
// releases the pool's network reference. Idempotent.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs *multierror.Error
	err := p.forEach(func(m *Machine) error {
		if m.State() == StateRunning {
			if err := m.Shutdown(ctx); err != nil {
				log.WithField("error", err).Warn("pool shutdown")
			}
		}
		return m.Teardown()
	})
	errs = multierror.Append(errs, err)

	p.mu.Lock()
	if p.netHandle != nil {
		p.netHandle.Release()
		p.netHandle = nil
	}
	p.mu.Unlock()

	return errs.ErrorOrNil()
}
