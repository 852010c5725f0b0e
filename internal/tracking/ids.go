package tracking

import (
	"fmt"
	"sync"
)

// IDSpace allocates track identities for one request. It is safe for
// concurrent use by the workers of that request. The zero value is ready
// to use and issues 1 first.
type IDSpace struct {
	mu   sync.Mutex
	next int64
}

// NewIDSpace returns an empty space.
func NewIDSpace() *IDSpace { return &IDSpace{next: 1} }

// Next issues a fresh identity.
func (s *IDSpace) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next < 1 {
		s.next = 1
	}
	id := s.next
	s.next++
	return id
}

// Issued reports how many identities have been handed out since the last reset.
func (s *IDSpace) Issued() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next < 1 {
		return 0
	}
	return s.next - 1
}

// Reset clears the counter. It fails if the counter is not zero afterwards,
// which can only happen when another goroutine allocated concurrently.
func (s *IDSpace) Reset() error {
	s.mu.Lock()
	s.next = 1
	s.mu.Unlock()
	if n := s.Issued(); n != 0 {
		return fmt.Errorf("id space not empty after reset: %d issued", n)
	}
	return nil
}
