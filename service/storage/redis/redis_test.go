package redis

import (
	"testing"

	"PPChat/tools/errs"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRedisIsShared(t *testing.T) {
	mr := miniredis.RunT(t)
	c1, err := InitRedis(Config{Addr: mr.Addr()})
	require.NoError(t, err)
	c2, err := InitRedis(Config{Addr: "ignored:1"})
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Same(t, c1, GetRedis())

	require.NoError(t, CloseRedis())
	assert.Panics(t, func() { GetRedis() })
	assert.NoError(t, CloseRedis())
}

func TestNewPingFails(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err := New(Config{Addr: addr})
	assert.Equal(t, errs.StoreUnavailable, errs.Code(err))
}
