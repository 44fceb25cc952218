package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/roach88/lmsync/internal/model"
	"github.com/roach88/lmsync/internal/remote"
)

// Call is one recorded transport call.
type Call struct {
	Method string
	Params model.Params
	Token  string
}

// Response is a scripted transport result.
type Response struct {
	Data json.RawMessage
	Err  error
}

// FakeTransport is a scripted remote.Transport that records every call.
//
// Responses are resolved per method: one-shot responses queued with Enqueue
// are consumed first, then the persistent response set with Respond or Fail.
// An unscripted method fails with a rejected error.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeTransport struct {
	mu        sync.Mutex
	calls     []Call
	queued    map[string][]Response
	permanent map[string]Response
	gate      *Gate
}

// NewFakeTransport creates a transport with no scripted methods.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		queued:    make(map[string][]Response),
		permanent: make(map[string]Response),
	}
}

// Respond makes every call to method succeed with data.
func (f *FakeTransport) Respond(method, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permanent[method] = Response{Data: json.RawMessage(data)}
}

// Fail makes every call to method fail with err.
func (f *FakeTransport) Fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permanent[method] = Response{Err: err}
}

// Enqueue adds a one-shot response for the next unanswered call to method.
func (f *FakeTransport) Enqueue(method string, resp Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[method] = append(f.queued[method], resp)
}

// Hold makes subsequent calls block until the returned gate is released.
func (f *FakeTransport) Hold() *Gate {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = &Gate{entered: make(chan struct{}), release: make(chan struct{})}
	return f.gate
}

// Calls returns a copy of the recorded calls in order.
func (f *FakeTransport) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many calls were made to method ("" counts all).
func (f *FakeTransport) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if method == "" {
		return len(f.calls)
	}
	n := 0
	for _, c := range f.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls. Scripts are kept.
func (f *FakeTransport) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Call implements remote.Transport.
func (f *FakeTransport) Call(ctx context.Context, method string, params model.Params, creds remote.Credentials) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Method: method, Params: params, Token: creds.Token})
	gate := f.gate
	resp, ok := f.next(method)
	f.mu.Unlock()

	if gate != nil {
		gate.enter()
		select {
		case <-gate.release:
		case <-ctx.Done():
			return nil, remote.Transient(method, ctx.Err())
		}
	}

	if !ok {
		return nil, remote.Rejected(method, "wsfunctionnotavailable", "unscripted method "+method)
	}
	return resp.Data, resp.Err
}

// next must be called with f.mu held.
func (f *FakeTransport) next(method string) (Response, bool) {
	if q := f.queued[method]; len(q) > 0 {
		f.queued[method] = q[1:]
		return q[0], true
	}
	resp, ok := f.permanent[method]
	return resp, ok
}

// Gate blocks transport calls until released.
type Gate struct {
	entered     chan struct{}
	release     chan struct{}
	enterOnce   sync.Once
	releaseOnce sync.Once
}

// Entered is closed once the first call reaches the gate.
func (g *Gate) Entered() <-chan struct{} {
	return g.entered
}

// Release unblocks every waiting and future call.
func (g *Gate) Release() {
	g.releaseOnce.Do(func() { close(g.release) })
}

func (g *Gate) enter() {
	g.enterOnce.Do(func() { close(g.entered) })
}
