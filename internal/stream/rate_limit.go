package stream

import "sync"

// Limit names reported when a stream is refused.
const (
	limitPerIP = "per_ip"
	limitTotal = "total"
)

// slots caps concurrent streams per client IP and across the process.
type slots struct {
	mu       sync.Mutex
	byIP     map[string]int
	total    int
	maxPerIP int
	maxTotal int
}

func newSlots(maxPerIP, maxTotal int) *slots {
	if maxPerIP <= 0 {
		maxPerIP = 10
	}
	if maxTotal <= 0 {
		maxTotal = 1000
	}
	return &slots{byIP: make(map[string]int), maxPerIP: maxPerIP, maxTotal: maxTotal}
}

// take claims a slot for ip. On success it returns a release func that is
// safe to call more than once; otherwise it names the limit that was hit.
func (s *slots) take(ip string) (release func(), limit string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.total >= s.maxTotal:
		return nil, limitTotal
	case s.byIP[ip] >= s.maxPerIP:
		return nil, limitPerIP
	}
	s.byIP[ip]++
	s.total++

	var once sync.Once
	return func() { once.Do(func() { s.give(ip) }) }, ""
}

func (s *slots) give(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total--
	if s.byIP[ip]--; s.byIP[ip] <= 0 {
		delete(s.byIP, ip)
	}
}

// held returns the slots held by ip and in total.
func (s *slots) held(ip string) (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byIP[ip], s.total
}
