// Package directive defines the work orders sent from the head to the factories.
//
// Directives form a closed set of variants: SingleUse (one value consumed once), Queue
// (values consumed in FIFO order), List (values read without being consumed) and
// Descriptive (no payload). The payload-carrying variants are referencable: the producer
// saves them in a Registry and only sends a Reference, which consumers resolve by key.
package directive

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a key is absent from the registry.
	ErrNotFound = errors.New("directive not found")
	// ErrUnknownName is returned when decoding a directive whose name is not registered.
	ErrUnknownName = errors.New("unknown directive name")
	// ErrNotReferencable is returned when a reference is requested for a directive without payload.
	ErrNotReferencable = errors.New("directive is not referencable")
	// ErrKindMismatch is returned when a reference is resolved as another variant than its target.
	ErrKindMismatch = errors.New("directive kind mismatch")
)

// Kind is the variant tag of a directive on the wire.
type Kind string

const (
	KindSingleUse   Kind = "single-use"
	KindQueue       Kind = "queue"
	KindList        Kind = "list"
	KindDescriptive Kind = "descriptive"
	KindReference   Kind = "reference"
)

// Validate checks if the Kind is one of the defined variants.
func (k Kind) Validate() error {
	switch k {
	case KindSingleUse, KindQueue, KindList, KindDescriptive, KindReference:
		return nil
	default:
		return fmt.Errorf("invalid directive kind: %q", k)
	}
}

// Meta is the header common to every directive.
type Meta struct {
	Key      string `json:"key"`      // Unique per campaign, stable across references
	Campaign string `json:"campaign"` // Campaign the directive belongs to
	Scenario string `json:"scenario"` // Scenario targeted by the directive, if any
	Channel  string `json:"channel"`  // Logical channel the directive was published on
}

// Metadata returns the header of the directive.
func (m Meta) Metadata() Meta {
	return m
}

func (m Meta) withKey() Meta {
	if m.Key == "" {
		m.Key = uuid.New().String()
	}
	return m
}

// Directive is implemented by the variants of this package only.
type Directive interface {
	Metadata() Meta
	Kind() Kind
	// Name is the registered type tag, used to reconstruct the concrete type on decode.
	Name() string

	envelope() (*Envelope, error)
}

// Referencable directives can be replaced by a Reference on the wire.
type Referencable interface {
	Directive
	Reference() Reference
}

// ReferenceOf returns the reference of d, or ErrNotReferencable.
func ReferenceOf(d Directive) (Reference, error) {
	r, ok := d.(Referencable)
	if !ok {
		return Reference{}, fmt.Errorf("%w: %s %q", ErrNotReferencable, d.Kind(), d.Name())
	}
	return r.Reference(), nil
}

// SingleUse carries one value, consumed once and then exhausted.
type SingleUse[V any] struct {
	Meta
	Tag   string
	Value V
}

// NewSingleUse builds a single-use directive. A key is generated when meta has none.
func NewSingleUse[V any](tag string, meta Meta, value V) *SingleUse[V] {
	return &SingleUse[V]{Meta: meta.withKey(), Tag: tag, Value: value}
}

func (d *SingleUse[V]) Kind() Kind   { return KindSingleUse }
func (d *SingleUse[V]) Name() string { return d.Tag }

// Reference implements Referencable.
func (d *SingleUse[V]) Reference() Reference {
	return Reference{Meta: d.Meta, Target: KindSingleUse, Tag: d.Tag}
}

// Queue carries values consumed in FIFO order.
type Queue[V any] struct {
	Meta
	Tag    string
	Values []V
}

// NewQueue builds a queue directive. A key is generated when meta has none.
func NewQueue[V any](tag string, meta Meta, values ...V) *Queue[V] {
	return &Queue[V]{Meta: meta.withKey(), Tag: tag, Values: values}
}

func (d *Queue[V]) Kind() Kind   { return KindQueue }
func (d *Queue[V]) Name() string { return d.Tag }

// Reference implements Referencable.
func (d *Queue[V]) Reference() Reference {
	return Reference{Meta: d.Meta, Target: KindQueue, Tag: d.Tag}
}

// List carries values read by index or iteration, never consumed.
type List[V any] struct {
	Meta
	Tag    string
	Values []V
}

// NewList builds a list directive. A key is generated when meta has none.
func NewList[V any](tag string, meta Meta, values ...V) *List[V] {
	return &List[V]{Meta: meta.withKey(), Tag: tag, Values: values}
}

func (d *List[V]) Kind() Kind   { return KindList }
func (d *List[V]) Name() string { return d.Tag }

// Reference implements Referencable.
func (d *List[V]) Reference() Reference {
	return Reference{Meta: d.Meta, Target: KindList, Tag: d.Tag}
}

// Descriptive has no payload, only informational attributes.
type Descriptive struct {
	Meta
	Tag        string
	Attributes map[string]string
}

// NewDescriptive builds a descriptive directive. A key is generated when meta has none.
func NewDescriptive(tag string, meta Meta, attributes map[string]string) *Descriptive {
	return &Descriptive{Meta: meta.withKey(), Tag: tag, Attributes: attributes}
}

func (d *Descriptive) Kind() Kind   { return KindDescriptive }
func (d *Descriptive) Name() string { return d.Tag }

// Reference points to a referencable directive saved in a registry under the same key.
type Reference struct {
	Meta
	Target Kind
	Tag    string
}

func (r Reference) Kind() Kind   { return KindReference }
func (r Reference) Name() string { return r.Tag }

// Is reports whether the reference targets a directive of the given kind and name.
func (r Reference) Is(kind Kind, name string) bool {
	return r.Target == kind && r.Tag == name
}
