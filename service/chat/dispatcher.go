package chat

import (
	"context"
	"sync"

	"PPChat/tools/errs"
	"PPChat/tools/safe"
)

type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

func (d *Dispatcher) Register(hs ...Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range hs {
		d.handlers[h.Type()] = h
	}
}

func (d *Dispatcher) GetHandler(typ string) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[typ]
}

// Dispatch 握手前只放行 Public 的 handler；handler panic 转为 internal 错误。
func (d *Dispatcher) Dispatch(ctx context.Context, hc *Context, f *Frame) (out any, err error) {
	h := d.GetHandler(f.Type)
	if h == nil {
		return nil, errs.ErrValidation.WrapMsg("unknown frame type", "type", f.Type)
	}
	if !h.Public() && hc.Conn.State() != StateAuthenticated {
		return nil, errs.ErrUnauthenticated.WrapMsg("authenticate first", "type", f.Type)
	}
	err = safe.Call(func() error {
		var herr error
		out, herr = h.Handle(ctx, hc, f)
		return herr
	})
	return out, err
}
