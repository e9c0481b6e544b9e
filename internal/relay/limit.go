package relay

import "context"

// sessionSemaphore limits concurrent sessions. A nil channel (from
// newSessionSemaphore(0)) imposes no limit.
type sessionSemaphore struct {
	ch chan struct{}
}

func newSessionSemaphore(max int) *sessionSemaphore {
	if max <= 0 {
		return &sessionSemaphore{}
	}
	return &sessionSemaphore{ch: make(chan struct{}, max)}
}

func (s *sessionSemaphore) tryAcquire(ctx context.Context) bool {
	if s.ch == nil {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	default:
		return false
	}
}

func (s *sessionSemaphore) release() {
	if s.ch == nil {
		return
	}
	<-s.ch
}
