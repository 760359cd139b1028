package carto

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

// Transport carries serialized envelopes across the boundary. Inbound data is
// handed to the function registered with Receive.
type Transport interface {
	Post(ctx context.Context, data []byte) error
	Receive(inbox func(data []byte))
}

// LocalTransport is an in-process boundary to a Router. Every post is
// dispatched on its own goroutine so responses may settle in any order.
type LocalTransport struct {
	router *Router

	mu    sync.RWMutex
	inbox func([]byte)
}

var _ Transport = (*LocalTransport)(nil)

func NewLocalTransport(router *Router) *LocalTransport {
	return &LocalTransport{router: router}
}

func (t *LocalTransport) Receive(inbox func(data []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inbox = inbox
}

func (t *LocalTransport) Post(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := append([]byte(nil), data...)
	// the host keeps working after the caller stops waiting
	hostCtx := context.WithoutCancel(ctx)
	go func() {
		resp := t.router.OnMessage(hostCtx, msg)
		if resp == nil {
			return
		}

		t.mu.RLock()
		inbox := t.inbox
		t.mu.RUnlock()

		if inbox == nil {
			glog.Warningf("local transport: response dropped, no receiver")
			return
		}
		inbox(resp)
	}()
	return nil
}
