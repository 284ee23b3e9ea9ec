package transport

import (
	"context"
	"sync"
)

// Fake is an in-process Transport that records every request.
type Fake struct {
	mu       sync.Mutex
	version  string
	requests []Request
	respond  func(n int, req Request) (Response, error)
}

// NewFake returns a Fake reporting firmware version. respond builds the
// answer to the nth request (0-based); nil answers every request with an
// empty immediate response.
func NewFake(version string, respond func(n int, req Request) (Response, error)) *Fake {
	return &Fake{version: version, respond: respond}
}

func (f *Fake) FirmwareVersion(ctx context.Context) (string, error) {
	return f.version, ctx.Err()
}

func (f *Fake) Send(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	f.mu.Lock()
	n := len(f.requests)
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return Response{Data: map[string]any{}}, nil
	}
	return respond(n, req)
}

// Requests returns the requests seen so far.
func (f *Fake) Requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}
