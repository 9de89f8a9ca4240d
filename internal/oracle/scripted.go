package oracle

import (
	"context"
	"sync"

	"mezocore/pkg/domain"
)

// Scripted is an in-process oracle that replays queued responses. Intended
// for tests and for running the engine without a model backend attached.
type Scripted struct {
	mu      sync.Mutex
	queue   []scriptedReply
	blocked chan struct{}
}

type scriptedReply struct {
	masks []RawMask
	err   error
}

// NewScripted returns an empty scripted oracle. With no queued replies every
// call returns no candidates.
func NewScripted() *Scripted {
	return &Scripted{}
}

// QueueMasks appends one successful reply.
func (s *Scripted) QueueMasks(masks ...RawMask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, scriptedReply{masks: masks})
}

// QueueError appends one failing reply.
func (s *Scripted) QueueError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, scriptedReply{err: err})
}

// Block makes subsequent calls wait until Release (or context cancellation),
// for exercising in-flight and cancellation paths.
func (s *Scripted) Block() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked = make(chan struct{})
}

// Release unblocks calls waiting in Propose.
func (s *Scripted) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.blocked != nil {
		close(s.blocked)
		s.blocked = nil
	}
}

// Propose implements Oracle.
func (s *Scripted) Propose(ctx context.Context, _ domain.Image, _ domain.Prompt) ([]RawMask, error) {
	s.mu.Lock()
	gate := s.blocked
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, nil
	}
	reply := s.queue[0]
	s.queue = s.queue[1:]
	if reply.err != nil {
		return nil, reply.err
	}
	return reply.masks, nil
}
