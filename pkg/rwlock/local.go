package rwlock

import "sync"

// LocalBackend keeps named gates and pools in process memory. Coordinators
// opened under the same identity on the same backend share primitives, so
// it gives the full protocol semantics within one process. It backs the
// protocol tests and single-process deployments; cross-process scope needs
// the sqlite backend.
type LocalBackend struct {
	mu    sync.Mutex
	gates map[string]*localGate
	pools map[string]*localPool
}

func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		gates: make(map[string]*localGate),
		pools: make(map[string]*localPool),
	}
}

func (b *LocalBackend) OpenGate(identity string) (Gate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.gates[identity]
	if !ok {
		g = newLocalGate()
		b.gates[identity] = g
	}
	return g, nil
}

func (b *LocalBackend) OpenPool(identity string, capacity int) (Pool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pools[identity]
	if !ok {
		p = newLocalPool(capacity)
		b.pools[identity] = p
		return p, nil
	}
	if p.capacity != capacity {
		return nil, &NameConflictError{
			Identity:     identity,
			WantCapacity: capacity,
			HaveCapacity: p.capacity,
		}
	}
	return p, nil
}

// localGate is a one-token channel: holding the token is owning the gate.
type localGate struct {
	ch chan struct{}
}

func newLocalGate() *localGate {
	g := &localGate{ch: make(chan struct{}, 1)}
	g.ch <- struct{}{}
	return g
}

func (g *localGate) Acquire() (bool, error) {
	<-g.ch
	// In-process holders cannot terminate without unwinding, so an
	// abandoned handover never happens here.
	return false, nil
}

func (g *localGate) Release() error {
	select {
	case g.ch <- struct{}{}:
		return nil
	default:
		return &UsageError{Op: "gate.Release", Detail: "gate is not held"}
	}
}

// Close is a no-op: the named primitive outlives individual handles, as a
// kernel object would.
func (g *localGate) Close() error { return nil }

// localPool is a token channel of length capacity; available units are the
// tokens currently in the channel.
type localPool struct {
	capacity int
	tokens   chan struct{}
}

func newLocalPool(capacity int) *localPool {
	p := &localPool{
		capacity: capacity,
		tokens:   make(chan struct{}, capacity),
	}
	for i := 0; i < capacity; i++ {
		p.tokens <- struct{}{}
	}
	return p
}

func (p *localPool) AcquireUnit() error {
	<-p.tokens
	return nil
}

func (p *localPool) ReleaseUnits(n int) error {
	for i := 0; i < n; i++ {
		select {
		case p.tokens <- struct{}{}:
		default:
			return &UsageError{Op: "pool.ReleaseUnits", Detail: "release beyond pool capacity"}
		}
	}
	return nil
}

func (p *localPool) SampleAvailable() (int, error) {
	<-p.tokens
	observed := len(p.tokens)
	p.tokens <- struct{}{}
	return observed, nil
}

func (p *localPool) Capacity() int { return p.capacity }

func (p *localPool) Close() error { return nil }
