package directive

import (
	"context"
	"encoding/json"
	"fmt"
)

func expect(ref Reference, kind Kind) error {
	if ref.Target != kind {
		return fmt.Errorf("%w: reference %s targets %s, not %s", ErrKindMismatch, ref.Key, ref.Target, kind)
	}
	return nil
}

// ReadOnce consumes the value of a single-use directive. Any later read returns ErrNotFound.
func ReadOnce[V any](ctx context.Context, registry Registry, ref Reference) (V, error) {
	var value V
	if err := expect(ref, KindSingleUse); err != nil {
		return value, err
	}

	entry, err := registry.Remove(ctx, ref.Key)
	if err != nil {
		return value, err
	}
	if len(entry.Values) == 0 {
		return value, fmt.Errorf("%w: single-use directive %s is exhausted", ErrNotFound, ref.Key)
	}
	if err := json.Unmarshal(entry.Values[0], &value); err != nil {
		return value, fmt.Errorf("failed to unmarshal value of %q: %w", ref.Tag, err)
	}
	return value, nil
}

// Pop consumes the next value of a queue directive. It reports false once the queue
// is exhausted.
func Pop[V any](ctx context.Context, registry Registry, ref Reference) (V, bool, error) {
	var value V
	if err := expect(ref, KindQueue); err != nil {
		return value, false, err
	}

	raw, ok, err := registry.Pop(ctx, ref.Key)
	if err != nil || !ok {
		return value, false, err
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, false, fmt.Errorf("failed to unmarshal value of %q: %w", ref.Tag, err)
	}
	return value, true, nil
}

// ListValues returns all the values of a list directive without consuming them.
func ListValues[V any](ctx context.Context, registry Registry, ref Reference) ([]V, error) {
	if err := expect(ref, KindList); err != nil {
		return nil, err
	}

	entry, err := registry.Get(ctx, ref.Key)
	if err != nil {
		return nil, err
	}
	raws := make([]json.RawMessage, len(entry.Values))
	for i, v := range entry.Values {
		raws[i] = v
	}
	return unmarshalValues[V](ref.Tag, raws)
}
