package persist

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

type cursor struct {
	Seq uint64 `json:"seq"`
}

func newTestGateway(t *testing.T, kv KV, version int, migrations ...Migration) *Gateway {
	g, err := NewGateway(kv, version, nil, migrations...)
	require.NoError(t, err, "failed to create gateway")
	require.NoError(t, g.Init(context.Background()))
	return g
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	g := newTestGateway(t, NewMemoryKV(), 1)

	var c cursor
	found, err := g.Load(ctx, "cursor", &c)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, g.Save(ctx, "cursor", cursor{Seq: 7}))
	found, err = g.Load(ctx, "cursor", &c)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(7), c.Seq)

	require.NoError(t, g.Delete(ctx, "cursor"))
	found, err = g.Load(ctx, "cursor", &c)
	require.NoError(t, err)
	require.False(t, found)
}

func TestNotInitialized(t *testing.T) {
	ctx := context.Background()
	g, err := NewGateway(NewMemoryKV(), 1, nil)
	require.NoError(t, err)

	_, err = g.Load(ctx, "cursor", &cursor{})
	require.ErrorIs(t, err, ErrNotInitialized)
	require.ErrorIs(t, g.Save(ctx, "cursor", cursor{}), ErrNotInitialized)
}

func TestTeardownClearsEverything(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	g := newTestGateway(t, kv, 1)
	require.NoError(t, g.Save(ctx, "cursor", cursor{Seq: 3}))
	require.NoError(t, g.Save(ctx, "user", "abc"))

	require.NoError(t, g.Teardown(ctx))
	_, err := g.Load(ctx, "cursor", &cursor{})
	require.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, g.Init(ctx))
	var user string
	found, err := g.Load(ctx, "user", &user)
	require.NoError(t, err)
	require.False(t, found)
}

func TestMigrationsRunInOrder(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	// Unversioned value: a bare number written before envelopes existed.
	require.NoError(t, kv.Set(ctx, "cursor", []byte(`12`)))

	var steps []int
	g := newTestGateway(t, kv, 2,
		Migration{From: 1, Up: func(data json.RawMessage) (json.RawMessage, error) {
			steps = append(steps, 1)
			var n uint64
			if err := json.Unmarshal(data, &n); err != nil {
				return nil, err
			}
			return json.Marshal(cursor{Seq: n})
		}},
		Migration{From: 0, Up: func(data json.RawMessage) (json.RawMessage, error) {
			steps = append(steps, 0)
			n, err := strconv.ParseUint(string(data), 10, 64)
			if err != nil {
				return nil, err
			}
			return json.Marshal(n + 1)
		}},
	)

	var c cursor
	found, err := g.Load(ctx, "cursor", &c)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(13), c.Seq)
	require.Equal(t, []int{0, 1}, steps)

	raw, _, err := kv.Get(ctx, "cursor")
	require.NoError(t, err)
	require.JSONEq(t, `{"version":2,"data":{"seq":13}}`, string(raw), "upgraded value is written back")
}

func TestFutureVersionRejected(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	require.NoError(t, kv.Set(ctx, "cursor", []byte(`{"version":5,"data":{"seq":1,"extra":true}}`)))
	g := newTestGateway(t, kv, 1)

	_, err := g.Load(ctx, "cursor", &cursor{})
	require.ErrorIs(t, err, ErrFutureVersion)
}

func TestMissingMigration(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryKV()
	require.NoError(t, kv.Set(ctx, "cursor", []byte(`{"version":0,"data":{"seq":1}}`)))
	g := newTestGateway(t, kv, 1)

	_, err := g.Load(ctx, "cursor", &cursor{})
	require.ErrorIs(t, err, ErrNoMigration)
}

func TestInvalidMigrations(t *testing.T) {
	up := func(data json.RawMessage) (json.RawMessage, error) { return data, nil }
	_, err := NewGateway(NewMemoryKV(), 1, nil, Migration{From: 1, Up: up})
	require.Error(t, err)
	_, err = NewGateway(NewMemoryKV(), 2, nil, Migration{From: 0, Up: up}, Migration{From: 0, Up: up})
	require.Error(t, err)
}
