package agent

import (
	"context"
	"io"
	"sync"
)

// ScriptedInvoker replays a fixed fragment sequence per invocation. It backs
// the local chat REPL's echo mode and the dispatcher tests.
type ScriptedInvoker struct {
	mu sync.Mutex
	// Script builds the fragments for a request. When nil, the invoker
	// echoes the input back as a single fragment.
	Script func(req Request) []Fragment
	// Err, when set, fails the invocation immediately.
	Err error

	calls []Request
}

func (s *ScriptedInvoker) Invoke(ctx context.Context, req Request) (Stream, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	if s.Err != nil {
		return nil, s.Err
	}

	var frags []Fragment
	if s.Script != nil {
		frags = s.Script(req)
	} else {
		frags = []Fragment{{Text: req.Input, Done: true}}
	}
	return &scriptedStream{fragments: frags}, nil
}

// Calls returns the requests seen so far.
func (s *ScriptedInvoker) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

type scriptedStream struct {
	fragments []Fragment
	pos       int
}

func (s *scriptedStream) Recv(ctx context.Context) (Fragment, error) {
	if err := ctx.Err(); err != nil {
		return Fragment{}, err
	}
	if s.pos >= len(s.fragments) {
		return Fragment{}, io.EOF
	}
	frag := s.fragments[s.pos]
	s.pos++
	return frag, nil
}

func (s *scriptedStream) Close() error { return nil }
