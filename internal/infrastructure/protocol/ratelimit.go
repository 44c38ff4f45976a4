package protocol

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// limiterStore keeps one token bucket per remote host.
type limiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burstSize int
}

func newLimiterStore(r rate.Limit, burst int) *limiterStore {
	return &limiterStore{
		limiters:  make(map[string]*rate.Limiter),
		rate:      r,
		burstSize: burst,
	}
}

func (s *limiterStore) allow(host string) bool {
	s.mu.Lock()
	limiter, exists := s.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burstSize)
		s.limiters[host] = limiter
	}
	s.mu.Unlock()

	return limiter.Allow()
}

// hostOf extracts the IP part of a remote address.
func hostOf(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
