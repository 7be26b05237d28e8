package directive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type startOrder struct {
	Scenario string `json:"scenario"`
	Minions  int    `json:"minions"`
}

func testCodec() *Codec {
	c := NewCodec()
	RegisterSingleUse[startOrder](c, "minions-start")
	RegisterQueue[string](c, "minion-ids")
	RegisterList[int](c, "step-weights")
	RegisterDescriptive(c, "campaign-shutdown")
	return c
}

// setupRedisRegistry creates a registry connected to a miniredis instance
func setupRedisRegistry(t *testing.T) (*RedisRegistry, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	registry, err := NewRedisRegistry(rdb, "test-instance", 0)
	require.NoError(t, err)
	return registry, mr
}

func TestConstructorsGenerateKeys(t *testing.T) {
	d1 := NewSingleUse("minions-start", Meta{Campaign: "c"}, startOrder{})
	d2 := NewSingleUse("minions-start", Meta{Campaign: "c"}, startOrder{})
	assert.NotEmpty(t, d1.Key)
	assert.NotEqual(t, d1.Key, d2.Key)

	fixed := NewDescriptive("campaign-shutdown", Meta{Key: "fixed"}, nil)
	assert.Equal(t, "fixed", fixed.Key)
}

func TestReferenceOf(t *testing.T) {
	single := NewSingleUse("minions-start", Meta{Campaign: "c", Scenario: "s"}, startOrder{Minions: 1})
	ref, err := ReferenceOf(single)
	require.NoError(t, err)
	assert.Equal(t, single.Meta, ref.Meta)
	assert.True(t, ref.Is(KindSingleUse, "minions-start"))
	assert.Equal(t, KindReference, ref.Kind())

	_, err = ReferenceOf(NewDescriptive("campaign-shutdown", Meta{}, nil))
	assert.ErrorIs(t, err, ErrNotReferencable)
}

func TestCodec(t *testing.T) {
	c := testCodec()

	t.Run("restores concrete types", func(t *testing.T) {
		directives := []Directive{
			NewSingleUse("minions-start", Meta{Campaign: "camp", Scenario: "login"}, startOrder{Scenario: "login", Minions: 12}),
			NewQueue("minion-ids", Meta{Campaign: "camp"}, "m-1", "m-2"),
			NewList("step-weights", Meta{Campaign: "camp"}, 3, 1, 2),
			NewDescriptive("campaign-shutdown", Meta{Campaign: "camp"}, map[string]string{"reason": "done"}),
		}
		for _, d := range directives {
			data, err := c.Encode(d)
			require.NoError(t, err)
			decoded, err := c.Decode(data)
			require.NoError(t, err, "decoding %s", d.Name())
			assert.Equal(t, d, decoded)
		}
	})

	t.Run("references need no registration", func(t *testing.T) {
		ref := NewQueue("unregistered", Meta{}, 1).Reference()
		data, err := NewCodec().Encode(ref)
		require.NoError(t, err)
		assert.JSONEq(t, `{"kind":"reference","name":"unregistered","key":"`+ref.Key+`","target":"queue"}`, string(data))

		decoded, err := NewCodec().Decode(data)
		require.NoError(t, err)
		assert.Equal(t, ref, decoded)
	})

	t.Run("unknown name", func(t *testing.T) {
		data := []byte(`{"kind":"descriptive","name":"nope","key":"k"}`)
		_, err := c.Decode(data)
		assert.ErrorIs(t, err, ErrUnknownName)
	})

	t.Run("kind mismatch", func(t *testing.T) {
		data := []byte(`{"kind":"queue","name":"minions-start","key":"k"}`)
		_, err := c.Decode(data)
		assert.ErrorIs(t, err, ErrKindMismatch)
	})

	t.Run("rejects malformed envelopes", func(t *testing.T) {
		for name, data := range map[string]string{
			"not json":            `{`,
			"unknown kind":        `{"kind":"stream","name":"minions-start","key":"k"}`,
			"missing key":         `{"kind":"descriptive","name":"campaign-shutdown"}`,
			"descriptive target":  `{"kind":"reference","name":"x","key":"k","target":"descriptive"}`,
			"invalid value":       `{"kind":"single-use","name":"minions-start","key":"k","value":"oops"}`,
			"invalid list values": `{"kind":"list","name":"step-weights","key":"k","values":["a"]}`,
		} {
			_, err := c.Decode([]byte(data))
			assert.Error(t, err, name)
		}
	})
}

func TestKindValidate(t *testing.T) {
	for _, k := range []Kind{KindSingleUse, KindQueue, KindList, KindDescriptive, KindReference} {
		assert.NoError(t, k.Validate())
	}
	assert.Error(t, Kind("").Validate())
}

// registryContract runs the behaviour every Registry implementation must provide
func registryContract(t *testing.T, newRegistry func(t *testing.T) Registry) {
	ctx := context.Background()
	codec := testCodec()

	t.Run("reference round trip", func(t *testing.T) {
		store := NewStore(newRegistry(t), codec)
		d := NewSingleUse("minions-start", Meta{Campaign: "camp"}, startOrder{Scenario: "s", Minions: 3})
		require.NoError(t, store.Save(ctx, d))

		resolved, err := store.Resolve(ctx, d.Reference())
		require.NoError(t, err)
		assert.Equal(t, d, resolved)

		_, err = store.Resolve(ctx, d.Reference())
		assert.ErrorIs(t, err, ErrNotFound, "single-use directives are removed on resolution")
	})

	t.Run("get and remove any directive", func(t *testing.T) {
		store := NewStore(newRegistry(t), codec)
		d := NewDescriptive("campaign-shutdown", Meta{Campaign: "camp"}, map[string]string{"a": "b"})
		require.NoError(t, store.Save(ctx, d))

		got, err := store.Get(ctx, d.Key)
		require.NoError(t, err)
		assert.Equal(t, d, got)

		removed, err := store.Remove(ctx, d.Key)
		require.NoError(t, err)
		assert.Equal(t, d, removed)

		_, err = store.Get(ctx, d.Key)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.Remove(ctx, d.Key)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("references cannot be saved", func(t *testing.T) {
		store := NewStore(newRegistry(t), codec)
		ref := NewList("step-weights", Meta{}, 1).Reference()
		assert.Error(t, store.Save(ctx, ref))
	})

	t.Run("read once", func(t *testing.T) {
		registry := newRegistry(t)
		store := NewStore(registry, codec)
		d := NewSingleUse("minions-start", Meta{}, startOrder{Scenario: "s", Minions: 9})
		require.NoError(t, store.Save(ctx, d))

		value, err := ReadOnce[startOrder](ctx, registry, d.Reference())
		require.NoError(t, err)
		assert.Equal(t, startOrder{Scenario: "s", Minions: 9}, value)

		_, err = ReadOnce[startOrder](ctx, registry, d.Reference())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("pop in FIFO order", func(t *testing.T) {
		registry := newRegistry(t)
		store := NewStore(registry, codec)
		d := NewQueue("minion-ids", Meta{}, "a", "b", "c")
		require.NoError(t, store.Save(ctx, d))

		for _, expected := range []string{"a", "b"} {
			v, ok, err := Pop[string](ctx, registry, d.Reference())
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, expected, v)
		}

		remaining, err := store.Get(ctx, d.Key)
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, remaining.(*Queue[string]).Values)

		v, ok, err := Pop[string](ctx, registry, d.Reference())
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "c", v)

		_, ok, err = Pop[string](ctx, registry, d.Reference())
		require.NoError(t, err)
		assert.False(t, ok, "exhausted queue")

		_, _, err = Pop[string](ctx, registry, Reference{Meta: Meta{Key: "missing"}, Target: KindQueue})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent pops hand out each value once", func(t *testing.T) {
		registry := newRegistry(t)
		values := make([]string, 100)
		for i := range values {
			values[i] = time.Duration(i).String()
		}
		d := NewQueue("minion-ids", Meta{}, values...)
		require.NoError(t, NewStore(registry, codec).Save(ctx, d))

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = make(map[string]int)
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					v, ok, err := Pop[string](ctx, registry, d.Reference())
					if err != nil || !ok {
						return
					}
					mu.Lock()
					seen[v]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, len(values))
		for v, n := range seen {
			assert.Equal(t, 1, n, "value %s popped %d times", v, n)
		}
	})

	t.Run("list values are not consumed", func(t *testing.T) {
		registry := newRegistry(t)
		d := NewList("step-weights", Meta{}, 5, 6, 7)
		require.NoError(t, NewStore(registry, codec).Save(ctx, d))

		for i := 0; i < 2; i++ {
			values, err := ListValues[int](ctx, registry, d.Reference())
			require.NoError(t, err)
			assert.Equal(t, []int{5, 6, 7}, values)
		}
	})

	t.Run("resolvers check the target kind", func(t *testing.T) {
		registry := newRegistry(t)
		ref := NewList("step-weights", Meta{}, 1).Reference()

		_, err := ReadOnce[int](ctx, registry, ref)
		assert.ErrorIs(t, err, ErrKindMismatch)
		_, _, err = Pop[int](ctx, registry, ref)
		assert.ErrorIs(t, err, ErrKindMismatch)

		single := NewSingleUse("minions-start", Meta{}, startOrder{}).Reference()
		_, err = ListValues[int](ctx, registry, single)
		assert.ErrorIs(t, err, ErrKindMismatch)
	})

	t.Run("resolve checks the reference name", func(t *testing.T) {
		store := NewStore(newRegistry(t), codec)
		d := NewList("step-weights", Meta{}, 1)
		require.NoError(t, store.Save(ctx, d))

		ref := d.Reference()
		ref.Tag = "other"
		_, err := store.Resolve(ctx, ref)
		assert.ErrorIs(t, err, ErrKindMismatch)
	})

	t.Run("save replaces a previous entry", func(t *testing.T) {
		registry := newRegistry(t)
		store := NewStore(registry, codec)
		d := NewQueue("minion-ids", Meta{Key: "same"}, "a", "b")
		require.NoError(t, store.Save(ctx, d))
		require.NoError(t, store.Save(ctx, NewQueue("minion-ids", Meta{Key: "same"}, "z")))

		got, err := store.Get(ctx, "same")
		require.NoError(t, err)
		assert.Equal(t, []string{"z"}, got.(*Queue[string]).Values)
	})
}

func TestMemoryRegistry(t *testing.T) {
	registryContract(t, func(t *testing.T) Registry {
		return NewMemoryRegistry()
	})

	t.Run("stored entries are isolated from callers", func(t *testing.T) {
		registry := NewMemoryRegistry()
		entry := Entry{Envelope: []byte("{}"), Values: [][]byte{[]byte("1")}}
		require.NoError(t, registry.Save(context.Background(), "k", entry))
		entry.Values[0][0] = '9'

		got, err := registry.Get(context.Background(), "k")
		require.NoError(t, err)
		assert.Equal(t, "1", string(got.Values[0]))
		assert.Equal(t, 1, registry.Len())
	})
}

func TestRedisRegistry(t *testing.T) {
	registryContract(t, func(t *testing.T) Registry {
		registry, _ := setupRedisRegistry(t)
		return registry
	})

	t.Run("rejects empty instance name", func(t *testing.T) {
		_, err := NewRedisRegistry(redis.NewClient(&redis.Options{}), "", 0)
		assert.Error(t, err)
	})

	t.Run("namespaced keys", func(t *testing.T) {
		registry, mr := setupRedisRegistry(t)
		d := NewQueue("minion-ids", Meta{Key: "abc"}, "x")
		require.NoError(t, NewStore(registry, testCodec()).Save(context.Background(), d))

		assert.True(t, mr.Exists("drove:test-instance:directive:abc"))
		values, err := mr.List("drove:test-instance:directive:abc:values")
		require.NoError(t, err)
		assert.Equal(t, []string{`"x"`}, values)
	})

	t.Run("entries expire with ttl", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })

		registry, err := NewRedisRegistry(rdb, "test-instance", time.Minute)
		require.NoError(t, err)
		d := NewList("step-weights", Meta{Key: "ttl"}, 1, 2)
		require.NoError(t, NewStore(registry, testCodec()).Save(context.Background(), d))

		mr.FastForward(2 * time.Minute)
		_, err = registry.Get(context.Background(), "ttl")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
