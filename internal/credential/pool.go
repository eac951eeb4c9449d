package credential

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
)

var (
	ErrDuplicateID = errors.New("duplicate credential id")
	ErrUnknownID   = errors.New("unknown credential id")
	ErrWrongPool   = errors.New("credential provider does not match pool")
)

// State is the mutable part of a pool entry, handed to Mutate callbacks.
type State struct {
	Status Status
	Stats  Stats
}

type entry struct {
	mu    sync.Mutex
	seq   uint64
	spec  Spec
	state State
}

func (e *entry) snapshot() Credential {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Credential{
		ID:       e.spec.ID,
		Name:     e.spec.Name,
		Provider: e.spec.Provider,
		Secret:   e.spec.Secret,
		ProxyURL: e.spec.ProxyURL,
		Status:   e.state.Status,
		Stats:    e.state.Stats,
	}
}

// Pool is the concurrent credential table of one provider.
// Entries are keyed by credential id; each entry has its own lock, so
// operations on different credentials never contend.
type Pool struct {
	provider ProviderType
	entries  *haxmap.Map[string, *entry]
	seq      atomic.Uint64
}

// NewPool creates a pool for provider and registers specs in order.
func NewPool(provider ProviderType, specs ...Spec) (*Pool, error) {
	p := &Pool{
		provider: provider,
		entries:  haxmap.New[string, *entry](),
	}
	for _, s := range specs {
		if err := p.Add(s); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Provider returns the provider this pool serves.
func (p *Pool) Provider() ProviderType {
	return p.provider
}

// Add registers a new credential in Active state.
func (p *Pool) Add(spec Spec) error {
	if spec.ID == "" {
		return fmt.Errorf("credential %q: empty id", spec.Name)
	}
	if spec.Provider == "" {
		spec.Provider = p.provider
	}
	if spec.Provider != p.provider {
		return fmt.Errorf("%w: %s is %s, pool is %s", ErrWrongPool, spec.ID, spec.Provider, p.provider)
	}
	e := &entry{
		seq:   p.seq.Add(1),
		spec:  spec,
		state: State{Status: Active{}},
	}
	if _, loaded := p.entries.GetOrSet(spec.ID, e); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateID, spec.ID)
	}
	return nil
}

// Remove drops a credential. Returns false if it was not present.
func (p *Pool) Remove(id string) bool {
	if _, ok := p.entries.Get(id); !ok {
		return false
	}
	p.entries.Del(id)
	return true
}

// Get returns a snapshot of one credential.
func (p *Pool) Get(id string) (Credential, bool) {
	e, ok := p.entries.Get(id)
	if !ok {
		return Credential{}, false
	}
	return e.snapshot(), true
}

// FindByName returns the first credential (in registration order) with the given name.
func (p *Pool) FindByName(name string) (Credential, bool) {
	for _, c := range p.Snapshot() {
		if c.Name == name {
			return c, true
		}
	}
	return Credential{}, false
}

// Len returns the number of registered credentials.
func (p *Pool) Len() int {
	return int(p.entries.Len())
}

// Snapshot returns copies of all credentials in registration order.
func (p *Pool) Snapshot() []Credential {
	type seqCred struct {
		seq  uint64
		cred Credential
	}
	items := make([]seqCred, 0, p.Len())
	p.entries.ForEach(func(_ string, e *entry) bool {
		items = append(items, seqCred{seq: e.seq, cred: e.snapshot()})
		return true
	})
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })

	out := make([]Credential, len(items))
	for i := range items {
		out[i] = items[i].cred
	}
	return out
}

// Available returns the Active credentials in registration order.
func (p *Pool) Available() []Credential {
	all := p.Snapshot()
	out := all[:0]
	for _, c := range all {
		if IsAvailable(c.Status) {
			out = append(out, c)
		}
	}
	return out
}

// RefreshCooldowns reverts every Cooldown whose deadline has passed to Active.
// Returns the ids that were revived.
func (p *Pool) RefreshCooldowns(now time.Time) []string {
	var revived []string
	p.entries.ForEach(func(id string, e *entry) bool {
		e.mu.Lock()
		if cd, ok := e.state.Status.(Cooldown); ok && !now.Before(cd.Until) {
			e.state.Status = Active{}
			revived = append(revived, id)
		}
		e.mu.Unlock()
		return true
	})
	return revived
}

// Mutate runs fn with exclusive access to one credential's state.
func (p *Pool) Mutate(id string, fn func(*State)) (Credential, error) {
	e, ok := p.entries.Get(id)
	if !ok {
		return Credential{}, fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	e.mu.Lock()
	fn(&e.state)
	e.mu.Unlock()
	return e.snapshot(), nil
}

// Sync reconciles the pool with a fresh credential list (config reload).
// Surviving ids keep their status and counters but take the new secret,
// name and proxy; missing ids are dropped; new ids are added as Active.
func (p *Pool) Sync(specs []Spec) (added, removed int, err error) {
	keep := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		keep[s.ID] = struct{}{}
		if e, ok := p.entries.Get(s.ID); ok {
			if s.Provider == "" {
				s.Provider = p.provider
			}
			e.mu.Lock()
			e.spec = s
			e.mu.Unlock()
			continue
		}
		if err := p.Add(s); err != nil {
			return added, removed, err
		}
		added++
	}

	var stale []string
	p.entries.ForEach(func(id string, _ *entry) bool {
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
		return true
	})
	if len(stale) > 0 {
		p.entries.Del(stale...)
	}
	return added, len(stale), nil
}
