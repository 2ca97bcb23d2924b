// Package agenttest provides a scripted Agent for tests.
package agenttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/louisbranch/taleloom/internal/services/narrative/agent"
)

// Reply is one scripted answer: Text, or Err, or Block to hang until the
// call's context ends.
type Reply struct {
	Text  string
	Err   error
	Block bool
}

// Script answers calls per role. Queued replies are consumed in order; the
// last reply of a role repeats once the queue drains. Fallback handles roles
// with no script.
type Script struct {
	mu       sync.Mutex
	replies  map[string][]Reply
	calls    []agent.Request
	Fallback func(agent.Request) Reply
}

// New builds an empty script.
func New() *Script {
	return &Script{replies: make(map[string][]Reply)}
}

// On queues replies for role and returns the script for chaining.
func (s *Script) On(role string, replies ...Reply) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[role] = append(s.replies[role], replies...)
	return s
}

// Text is shorthand for a successful reply.
func Text(text string) Reply {
	return Reply{Text: text}
}

// Invoke implements agent.Agent.
func (s *Script) Invoke(ctx context.Context, req agent.Request) (agent.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	queue := s.replies[req.Role]
	var reply Reply
	switch {
	case len(queue) > 1:
		reply = queue[0]
		s.replies[req.Role] = queue[1:]
	case len(queue) == 1:
		reply = queue[0]
	case s.Fallback != nil:
		reply = s.Fallback(req)
	default:
		s.mu.Unlock()
		return agent.Response{}, fmt.Errorf("agenttest: no reply scripted for role %q", req.Role)
	}
	s.mu.Unlock()

	if reply.Block {
		<-ctx.Done()
		return agent.Response{}, ctx.Err()
	}
	if reply.Err != nil {
		return agent.Response{}, reply.Err
	}
	return agent.Response{Text: reply.Text, Model: "scripted"}, nil
}

// Calls returns a copy of every request received.
func (s *Script) Calls() []agent.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agent.Request(nil), s.calls...)
}

// CallsFor counts requests for role.
func (s *Script) CallsFor(role string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Role == role {
			n++
		}
	}
	return n
}
