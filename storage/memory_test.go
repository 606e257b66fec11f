package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemory_HashRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.HGet(ctx, "res:a@x", "tag1")
	assert.ErrorIs(t, err, ErrMissingKey)

	assert.NoError(t, m.HSet(ctx, "res:a@x", "tag1", "v1"))
	v, err := m.HGet(ctx, "res:a@x", "tag1")
	assert.NoError(t, err)
	assert.Equal(t, "v1", v)

	all, err := m.HGetAll(ctx, "res:a@x")
	assert.NoError(t, err)
	assert.Equal(t, map[string]string{"tag1": "v1"}, all)

	assert.NoError(t, m.HDel(ctx, "res:a@x", "tag1"))
	_, err = m.HGetAll(ctx, "res:a@x")
	assert.ErrorIs(t, err, ErrMissingKey)

	assert.ErrorIs(t, m.HDel(ctx, "res:a@x", "tag1"), ErrMissingKey)
}

func TestMemory_SetRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	members, err := m.SGetAll(ctx, ResourcesSetKey)
	assert.NoError(t, err)
	assert.Empty(t, members)

	assert.NoError(t, m.SAdd(ctx, ResourcesSetKey, "a@x"))
	members, err = m.SGetAll(ctx, ResourcesSetKey)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"a@x"}, members)

	assert.NoError(t, m.SRem(ctx, ResourcesSetKey, "a@x"))
	members, err = m.SGetAll(ctx, ResourcesSetKey)
	assert.NoError(t, err)
	assert.Empty(t, members)
}

func TestMemory_ReconnectHooksRunInOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var order []int
	m.OnReconnected(func(context.Context) error {
		order = append(order, 1)
		return nil
	})
	m.OnReconnected(func(context.Context) error {
		order = append(order, 2)
		return nil
	})

	errs := m.SimulateReconnect(ctx)
	assert.Empty(t, errs)
	assert.Equal(t, []int{1, 2}, order)
}
