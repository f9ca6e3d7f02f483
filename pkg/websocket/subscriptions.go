package websocket

import (
	"slices"
	"sync"
)

// subscriptions tracks the desired stream set and whether it is announced on
// the current connection.
type subscriptions struct {
	mu        sync.Mutex
	desired   []string
	announced bool
	requestID uint64
}

// newSubscriptions creates a subscription tracker with a deduplicated, sorted stream set.
func newSubscriptions(streams []string) *subscriptions {
	desired := make([]string, 0, len(streams))
	for _, stream := range streams {
		if stream == "" {
			continue
		}
		desired = append(desired, stream)
	}
	slices.Sort(desired)
	return &subscriptions{desired: slices.Compact(desired)}
}

// Desired fills dst with desired streams and returns it.
func (s *subscriptions) Desired(dst []string) []string {
	s.mu.Lock()
	dst = append(dst[:0], s.desired...)
	s.mu.Unlock()
	return dst
}

// Count returns the number of desired streams.
func (s *subscriptions) Count() int {
	s.mu.Lock()
	count := len(s.desired)
	s.mu.Unlock()
	return count
}

// NextRequestID returns a new request id for a subscribe message.
func (s *subscriptions) NextRequestID() uint64 {
	s.mu.Lock()
	s.requestID++
	id := s.requestID
	s.mu.Unlock()
	return id
}

// MarkAnnounced records that the desired set was sent on the live connection.
func (s *subscriptions) MarkAnnounced() {
	s.mu.Lock()
	s.announced = true
	s.mu.Unlock()
}

// ClearAnnounced is called when the connection drops.
func (s *subscriptions) ClearAnnounced() {
	s.mu.Lock()
	s.announced = false
	s.mu.Unlock()
}

// Announced reports whether the desired set is live on the current connection.
func (s *subscriptions) Announced() bool {
	s.mu.Lock()
	announced := s.announced
	s.mu.Unlock()
	return announced
}
