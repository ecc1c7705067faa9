package natsx

import (
	"context"
	"errors"
	"testing"
	"time"

	"PPChat/service/storage"
	"PPChat/tools/errs"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainOrder(t *testing.T) {
	var trace []string
	mw := func(name string) NatsxMiddleware {
		return func(next NatsxHandler) NatsxHandler {
			return func(ctx context.Context, m NatsxMessage) error {
				trace = append(trace, name)
				return next(ctx, m)
			}
		}
	}
	h := NatsxChain(func(context.Context, NatsxMessage) error {
		trace = append(trace, "h")
		return nil
	}, mw("a"), mw("b"))
	require.NoError(t, h(context.Background(), NatsxMessage{}))
	assert.Equal(t, []string{"a", "b", "h"}, trace)
}

func TestIdemMiddleware(t *testing.T) {
	store := storage.NewMemIdem(time.Minute, nil)
	calls := 0
	fail := true
	h := NatsxChain(func(context.Context, NatsxMessage) error {
		calls++
		if fail {
			return errors.New("boom")
		}
		return nil
	}, NatsxIdemMiddleware(store, time.Minute))

	msg := NatsxMessage{Subject: "s", Header: map[string]string{HeaderMsgID: "m-1"}}
	ctx := context.Background()

	// 失败会撤销标记，重投仍会处理
	assert.Error(t, h(ctx, msg))
	fail = false
	require.NoError(t, h(ctx, msg))
	require.NoError(t, h(ctx, msg))
	assert.Equal(t, 2, calls)

	// 无 ID 时按 subject+内容去重
	plain := NatsxMessage{Subject: "s", Data: []byte("x")}
	require.NoError(t, h(ctx, plain))
	require.NoError(t, h(ctx, plain))
	assert.Equal(t, 3, calls)
}

func TestRecoverMiddleware(t *testing.T) {
	h := NatsxChain(func(context.Context, NatsxMessage) error { panic("bad") }, NatsxRecoverMiddleware())
	err := h(context.Background(), NatsxMessage{})
	require.Error(t, err)
	assert.True(t, errs.ErrInternal.Is(err))
}

func TestHeaderHelpers(t *testing.T) {
	h := toHeader(map[string]string{HeaderMsgID: "x", "Origin": "n1"})
	m := headerToMap(h)
	assert.Equal(t, "x", msgIDFromHeader(m))
	assert.Equal(t, "n1", m["Origin"])
	assert.Empty(t, headerToMap(nats.Header{}))
}

func TestNewClientRequiresServers(t *testing.T) {
	_, err := NewNatsxClient(NatsxConfig{})
	assert.True(t, errs.ErrValidation.Is(err))
}
