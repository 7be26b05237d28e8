package directive

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Envelope is the tagged wire representation of every directive variant.
type Envelope struct {
	Kind       Kind              `json:"kind"`
	Name       string            `json:"name"`
	Key        string            `json:"key"`
	Campaign   string            `json:"campaign,omitempty"`
	Scenario   string            `json:"scenario,omitempty"`
	Channel    string            `json:"channel,omitempty"`
	Value      json.RawMessage   `json:"value,omitempty"`
	Values     []json.RawMessage `json:"values,omitempty"`
	Target     Kind              `json:"target,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (e *Envelope) meta() Meta {
	return Meta{Key: e.Key, Campaign: e.Campaign, Scenario: e.Scenario, Channel: e.Channel}
}

func newEnvelope(kind Kind, name string, m Meta) *Envelope {
	return &Envelope{
		Kind:     kind,
		Name:     name,
		Key:      m.Key,
		Campaign: m.Campaign,
		Scenario: m.Scenario,
		Channel:  m.Channel,
	}
}

func (d *SingleUse[V]) envelope() (*Envelope, error) {
	e := newEnvelope(KindSingleUse, d.Tag, d.Meta)
	raw, err := json.Marshal(d.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value of %q: %w", d.Tag, err)
	}
	e.Value = raw
	return e, nil
}

func (d *Queue[V]) envelope() (*Envelope, error) {
	e := newEnvelope(KindQueue, d.Tag, d.Meta)
	values, err := marshalValues(d.Tag, d.Values)
	if err != nil {
		return nil, err
	}
	e.Values = values
	return e, nil
}

func (d *List[V]) envelope() (*Envelope, error) {
	e := newEnvelope(KindList, d.Tag, d.Meta)
	values, err := marshalValues(d.Tag, d.Values)
	if err != nil {
		return nil, err
	}
	e.Values = values
	return e, nil
}

func (d *Descriptive) envelope() (*Envelope, error) {
	e := newEnvelope(KindDescriptive, d.Tag, d.Meta)
	e.Attributes = d.Attributes
	return e, nil
}

func (r Reference) envelope() (*Envelope, error) {
	e := newEnvelope(KindReference, r.Tag, r.Meta)
	e.Target = r.Target
	return e, nil
}

func marshalValues[V any](tag string, values []V) ([]json.RawMessage, error) {
	raws := make([]json.RawMessage, len(values))
	for i, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal value %d of %q: %w", i, tag, err)
		}
		raws[i] = raw
	}
	return raws, nil
}

func unmarshalValues[V any](tag string, raws []json.RawMessage) ([]V, error) {
	values := make([]V, len(raws))
	for i, raw := range raws {
		if err := json.Unmarshal(raw, &values[i]); err != nil {
			return nil, fmt.Errorf("failed to unmarshal value %d of %q: %w", i, tag, err)
		}
	}
	return values, nil
}

type decoder struct {
	kind   Kind
	decode func(e *Envelope) (Directive, error)
}

// Codec serializes directives to tagged JSON envelopes and reconstructs their concrete
// types from the names registered with RegisterSingleUse, RegisterQueue, RegisterList and
// RegisterDescriptive. References decode without registration.
// A Codec is safe for concurrent use.
type Codec struct {
	mu       sync.RWMutex
	decoders map[string]decoder
}

// NewCodec creates a codec with no registered names.
func NewCodec() *Codec {
	return &Codec{decoders: make(map[string]decoder)}
}

func (c *Codec) register(name string, d decoder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decoders[name] = d
}

// RegisterSingleUse registers name as a single-use directive carrying a V.
func RegisterSingleUse[V any](c *Codec, name string) {
	c.register(name, decoder{kind: KindSingleUse, decode: func(e *Envelope) (Directive, error) {
		var value V
		if len(e.Value) > 0 {
			if err := json.Unmarshal(e.Value, &value); err != nil {
				return nil, fmt.Errorf("failed to unmarshal value of %q: %w", name, err)
			}
		}
		return &SingleUse[V]{Meta: e.meta(), Tag: name, Value: value}, nil
	}})
}

// RegisterQueue registers name as a queue directive of V values.
func RegisterQueue[V any](c *Codec, name string) {
	c.register(name, decoder{kind: KindQueue, decode: func(e *Envelope) (Directive, error) {
		values, err := unmarshalValues[V](name, e.Values)
		if err != nil {
			return nil, err
		}
		return &Queue[V]{Meta: e.meta(), Tag: name, Values: values}, nil
	}})
}

// RegisterList registers name as a list directive of V values.
func RegisterList[V any](c *Codec, name string) {
	c.register(name, decoder{kind: KindList, decode: func(e *Envelope) (Directive, error) {
		values, err := unmarshalValues[V](name, e.Values)
		if err != nil {
			return nil, err
		}
		return &List[V]{Meta: e.meta(), Tag: name, Values: values}, nil
	}})
}

// RegisterDescriptive registers name as a descriptive directive.
func RegisterDescriptive(c *Codec, name string) {
	c.register(name, decoder{kind: KindDescriptive, decode: func(e *Envelope) (Directive, error) {
		return &Descriptive{Meta: e.meta(), Tag: name, Attributes: e.Attributes}, nil
	}})
}

// Encode serializes d to its JSON envelope.
func (c *Codec) Encode(d Directive) ([]byte, error) {
	e, err := d.envelope()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal directive %q: %w", d.Name(), err)
	}
	return data, nil
}

// Decode reconstructs a directive from its JSON envelope.
func (c *Codec) Decode(data []byte) (Directive, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal directive envelope: %w", err)
	}
	return c.fromEnvelope(&e)
}

func (c *Codec) fromEnvelope(e *Envelope) (Directive, error) {
	if err := e.Kind.Validate(); err != nil {
		return nil, err
	}
	if e.Key == "" {
		return nil, fmt.Errorf("directive %q has no key", e.Name)
	}

	if e.Kind == KindReference {
		if e.Target == KindReference || e.Target == KindDescriptive {
			return nil, fmt.Errorf("%w: reference cannot target %q", ErrNotReferencable, e.Target)
		}
		if err := e.Target.Validate(); err != nil {
			return nil, fmt.Errorf("invalid reference target: %w", err)
		}
		return Reference{Meta: e.meta(), Target: e.Target, Tag: e.Name}, nil
	}

	c.mu.RLock()
	d, ok := c.decoders[e.Name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownName, e.Name)
	}
	if d.kind != e.Kind {
		return nil, fmt.Errorf("%w: %q is registered as %s, received %s", ErrKindMismatch, e.Name, d.kind, e.Kind)
	}
	return d.decode(e)
}
