// Package executors provides the named worker pools shared by the components of a node.
//
// Five pools are always defined: GLOBAL, CAMPAIGN, IO, BACKGROUND and ORCHESTRATION.
// Each one is configured with either a number of workers ("4"), a factor of the
// available CPUs ("1.5x") or the name of another sized pool ("GLOBAL"), in which
// case both names share the same pool. A size of zero or less means unbounded.
//
// CAMPAIGN runs the minions and ORCHESTRATION the scenario drivers waiting on them, so
// both are unbounded by default and may never share a bounded pool.
package executors

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

const (
	Global        = "GLOBAL"
	Campaign      = "CAMPAIGN"
	IO            = "IO"
	Background    = "BACKGROUND"
	Orchestration = "ORCHESTRATION"

	// minFactorSize is the floor applied to pools sized as a factor of the CPUs.
	minFactorSize = 2
)

// ErrClosed is returned when submitting to a closed pool.
var ErrClosed = errors.New("executor pool is closed")

// Config holds the definition of every pool. Empty values fall back to the defaults.
// A bounded CAMPAIGN caps the number of minions running at once on the node, and the
// ramp-up of a scenario then waits for a free worker before starting the next minion.
type Config struct {
	Global        string `yaml:"global,omitempty" toml:"global,omitempty"`
	Campaign      string `yaml:"campaign,omitempty" toml:"campaign,omitempty"`
	IO            string `yaml:"io,omitempty" toml:"io,omitempty"`
	Background    string `yaml:"background,omitempty" toml:"background,omitempty"`
	Orchestration string `yaml:"orchestration,omitempty" toml:"orchestration,omitempty"`
}

// DefaultConfig sizes GLOBAL to the CPUs and lets IO and BACKGROUND reference it.
// Minions and scenario drivers spend their life suspended, CAMPAIGN and ORCHESTRATION
// are unbounded.
func DefaultConfig() Config {
	return Config{
		Global:        "1x",
		Campaign:      "0",
		IO:            Global,
		Background:    Global,
		Orchestration: "0",
	}
}

// ApplyDefaults fills the empty definitions.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	for _, f := range []struct {
		value *string
		def   string
	}{
		{&c.Global, d.Global},
		{&c.Campaign, d.Campaign},
		{&c.IO, d.IO},
		{&c.Background, d.Background},
		{&c.Orchestration, d.Orchestration},
	} {
		if strings.TrimSpace(*f.value) == "" {
			*f.value = f.def
		}
	}
}

func (c Config) definitions() map[string]string {
	return map[string]string{
		Campaign:      c.Campaign,
		IO:            c.IO,
		Background:    c.Background,
		Orchestration: c.Orchestration,
	}
}

// Validate checks every definition can be resolved.
func (c Config) Validate() error {
	_, err := resolve(c, runtime.NumCPU())
	return err
}

// Pool runs functions on a bounded number of goroutines.
type Pool struct {
	name string
	size int
	sem  *semaphore.Weighted // nil when unbounded

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func newPool(name string, size int) *Pool {
	p := &Pool{name: name, size: size}
	if size > 0 {
		p.sem = semaphore.NewWeighted(int64(size))
	}
	return p
}

// Name returns the name the pool was defined with.
func (p *Pool) Name() string { return p.name }

// Size returns the maximal number of concurrent functions, 0 when unbounded.
func (p *Pool) Size() int { return p.size }

// Go runs fn on the pool. It blocks until a worker is free or ctx is done.
// fn receives ctx and is expected to return when it is done.
func (p *Pool) Go(ctx context.Context, fn func(ctx context.Context)) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.wg.Done()
			return fmt.Errorf("executor %s: %w", p.name, err)
		}
	}

	go func() {
		defer p.wg.Done()
		if p.sem != nil {
			defer p.sem.Release(1)
		}
		fn(ctx)
	}()
	return nil
}

// Wait blocks until every submitted function returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close rejects new functions and waits for the running ones.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

// Registry resolves pools by name.
type Registry struct {
	pools map[string]*Pool
}

// New builds the pools of cfg, after applying the defaults.
func New(cfg Config) (*Registry, error) {
	cfg.ApplyDefaults()
	pools, err := resolve(cfg, runtime.NumCPU())
	if err != nil {
		return nil, err
	}
	return &Registry{pools: pools}, nil
}

func resolve(cfg Config, cpus int) (map[string]*Pool, error) {
	cfg.ApplyDefaults()

	size, ok, err := parseSize(cfg.Global, cpus)
	if err != nil {
		return nil, fmt.Errorf("executor %s: %w", Global, err)
	}
	if !ok {
		return nil, fmt.Errorf("executor %s: a size is required, got %q", Global, cfg.Global)
	}
	pools := map[string]*Pool{Global: newPool(Global, size)}

	// Sized pools first, so that references can only target a pool owning workers.
	references := make(map[string]string)
	for name, def := range cfg.definitions() {
		size, ok, err := parseSize(def, cpus)
		if err != nil {
			return nil, fmt.Errorf("executor %s: %w", name, err)
		}
		if ok {
			pools[name] = newPool(name, size)
		} else {
			references[name] = strings.ToUpper(strings.TrimSpace(def))
		}
	}
	for name, target := range references {
		if _, isReference := references[target]; isReference {
			return nil, fmt.Errorf("executor %s: %q references another reference", name, target)
		}
		pool, ok := pools[target]
		if !ok {
			return nil, fmt.Errorf("executor %s: no defined executor with name %q", name, target)
		}
		pools[name] = pool
	}

	if shared := pools[Campaign]; shared == pools[Orchestration] && shared.size > 0 {
		return nil, fmt.Errorf("executors %s and %s cannot share the bounded pool %s", Campaign, Orchestration, shared.name)
	}
	return pools, nil
}

// parseSize returns the size of a definition and false when it is a reference.
func parseSize(def string, cpus int) (int, bool, error) {
	def = strings.TrimSpace(def)
	if n, err := strconv.Atoi(def); err == nil {
		return n, true, nil
	}
	if factor, found := strings.CutSuffix(def, "x"); found {
		f, err := strconv.ParseFloat(strings.TrimSpace(factor), 64)
		if err != nil {
			return 0, false, fmt.Errorf("invalid CPU factor %q", def)
		}
		if f <= 0 {
			return 0, false, fmt.Errorf("CPU factor must be > 0, got %q", def)
		}
		return max(int(math.Ceil(f*float64(cpus))), minFactorSize), true, nil
	}
	return 0, false, nil
}

// Get returns the pool named name.
func (r *Registry) Get(name string) (*Pool, bool) {
	p, ok := r.pools[strings.ToUpper(name)]
	return p, ok
}

func (r *Registry) Global() *Pool        { return r.pools[Global] }
func (r *Registry) Campaign() *Pool      { return r.pools[Campaign] }
func (r *Registry) IO() *Pool            { return r.pools[IO] }
func (r *Registry) Background() *Pool    { return r.pools[Background] }
func (r *Registry) Orchestration() *Pool { return r.pools[Orchestration] }

// Close closes every distinct pool.
func (r *Registry) Close() {
	seen := make(map[*Pool]bool)
	for _, p := range r.pools {
		if !seen[p] {
			seen[p] = true
			p.Close()
		}
	}
}
