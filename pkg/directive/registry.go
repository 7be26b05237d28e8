package directive

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Entry is the stored form of a directive: its envelope stripped of the payload, and the
// encoded payload values (one for single-use directives, none for descriptive ones).
type Entry struct {
	Envelope []byte
	Values   [][]byte
}

// Registry is a concurrent key/value store of directive entries.
// Every operation is linearizable per key.
type Registry interface {
	// Save stores entry under key, replacing any previous entry.
	Save(ctx context.Context, key string, entry Entry) error
	// Get returns the entry under key, or ErrNotFound.
	Get(ctx context.Context, key string) (Entry, error)
	// Remove deletes and returns the entry under key, or ErrNotFound.
	Remove(ctx context.Context, key string) (Entry, error)
	// Pop removes and returns the first value of the entry under key.
	// It reports false when the entry exists but has no value left, and ErrNotFound
	// when there is no entry. Concurrent pops never return the same value twice.
	Pop(ctx context.Context, key string) ([]byte, bool, error)
}

// MemoryRegistry is a Registry backed by a map, for single-process deployments and tests.
type MemoryRegistry struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string]Entry)}
}

func (r *MemoryRegistry) Save(_ context.Context, key string, entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = cloneEntry(entry)
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, key string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return cloneEntry(entry), nil
}

func (r *MemoryRegistry) Remove(_ context.Context, key string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(r.entries, key)
	return entry, nil
}

func (r *MemoryRegistry) Pop(_ context.Context, key string) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if len(entry.Values) == 0 {
		return nil, false, nil
	}
	value := entry.Values[0]
	entry.Values = entry.Values[1:]
	r.entries[key] = entry
	return value, true, nil
}

// Len returns the number of stored entries.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func cloneEntry(e Entry) Entry {
	clone := Entry{Envelope: append([]byte(nil), e.Envelope...)}
	if e.Values != nil {
		clone.Values = make([][]byte, len(e.Values))
		for i, v := range e.Values {
			clone.Values[i] = append([]byte(nil), v...)
		}
	}
	return clone
}

// Store saves and resolves directives in a Registry, using a Codec to restore their
// concrete types.
type Store struct {
	registry Registry
	codec    *Codec
}

// NewStore creates a directive store.
func NewStore(registry Registry, codec *Codec) *Store {
	return &Store{registry: registry, codec: codec}
}

// Registry returns the backing registry, for the typed resolvers.
func (s *Store) Registry() Registry {
	return s.registry
}

// Codec returns the codec of the store.
func (s *Store) Codec() *Codec {
	return s.codec
}

// Save stores d under its key. References cannot be saved.
func (s *Store) Save(ctx context.Context, d Directive) error {
	if d.Kind() == KindReference {
		return fmt.Errorf("cannot save reference %q: only directives are stored", d.Metadata().Key)
	}
	entry, err := toEntry(d)
	if err != nil {
		return err
	}
	if err := s.registry.Save(ctx, d.Metadata().Key, entry); err != nil {
		return fmt.Errorf("failed to save directive %s: %w", d.Metadata().Key, err)
	}
	return nil
}

// Get returns the directive saved under key, with its remaining values.
func (s *Store) Get(ctx context.Context, key string) (Directive, error) {
	entry, err := s.registry.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.fromEntry(entry)
}

// Remove deletes and returns the directive saved under key.
func (s *Store) Remove(ctx context.Context, key string) (Directive, error) {
	entry, err := s.registry.Remove(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.fromEntry(entry)
}

// Resolve returns the directive ref points to. Single-use directives are removed from
// the registry, a second resolution returns ErrNotFound.
func (s *Store) Resolve(ctx context.Context, ref Reference) (Directive, error) {
	var (
		d   Directive
		err error
	)
	if ref.Target == KindSingleUse {
		d, err = s.Remove(ctx, ref.Key)
	} else {
		d, err = s.Get(ctx, ref.Key)
	}
	if err != nil {
		return nil, err
	}
	if d.Kind() != ref.Target || d.Name() != ref.Tag {
		return nil, fmt.Errorf("%w: reference to %s %q resolved to %s %q",
			ErrKindMismatch, ref.Target, ref.Tag, d.Kind(), d.Name())
	}
	return d, nil
}

func toEntry(d Directive) (Entry, error) {
	e, err := d.envelope()
	if err != nil {
		return Entry{}, err
	}

	var values [][]byte
	switch e.Kind {
	case KindSingleUse:
		values = [][]byte{e.Value}
	case KindQueue, KindList:
		values = make([][]byte, len(e.Values))
		for i, v := range e.Values {
			values[i] = v
		}
	}
	e.Value, e.Values = nil, nil

	header, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to marshal directive %q: %w", d.Name(), err)
	}
	return Entry{Envelope: header, Values: values}, nil
}

func (s *Store) fromEntry(entry Entry) (Directive, error) {
	var e Envelope
	if err := json.Unmarshal(entry.Envelope, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored directive: %w", err)
	}

	switch e.Kind {
	case KindSingleUse:
		if len(entry.Values) == 0 {
			return nil, fmt.Errorf("%w: single-use directive %s is exhausted", ErrNotFound, e.Key)
		}
		e.Value = entry.Values[0]
	case KindQueue, KindList:
		e.Values = make([]json.RawMessage, len(entry.Values))
		for i, v := range entry.Values {
			e.Values[i] = v
		}
	}
	return s.codec.fromEnvelope(&e)
}
